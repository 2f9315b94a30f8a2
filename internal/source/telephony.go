package source

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/xpflow/internal/event"
)

type telephonyEnvelope struct {
	Event   string `json:"event"`
	EventTS int64  `json:"event_ts"` // epoch ms
	Payload struct {
		AccountID string  `json:"account_id"`
		Object    callLog `json:"object"`
	} `json:"payload"`
}

type callOwner struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type callLog struct {
	ID          string     `json:"id"`
	CallID      string     `json:"call_id"`
	Duration    *float64   `json:"duration"` // seconds
	DurationMs  *int64     `json:"duration_ms"`
	Result      string     `json:"result"`
	Status      string     `json:"status"`
	UserEmail   string     `json:"user_email"`
	OwnerEmail  string     `json:"owner_email"`
	CallerEmail string     `json:"caller_email"`
	CalleeEmail string     `json:"callee_email"`
	Owner       *callOwner `json:"owner"`
	DateTime    string     `json:"date_time"`
	EndTime     string     `json:"end_time"`
	Labels      []string   `json:"labels"`
	CallLogs    []callLog  `json:"call_logs"`
}

// Telephony normalizes call-completion webhooks. A payload may describe one
// call on its object or several under object.call_logs.
type Telephony struct{}

// Normalize returns one call event per call log in body.
func (Telephony) Normalize(body []byte) ([]*event.Event, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj := env.Payload.Object
	logs := obj.CallLogs
	if len(logs) == 0 {
		logs = []callLog{obj}
	}

	out := make([]*event.Event, 0, len(logs))
	for _, l := range logs {
		if l.ID == "" && l.CallID == "" {
			continue
		}
		ev := &event.Event{
			Source:     event.SourceTelephony,
			ID:         firstNonEmpty(l.ID, l.CallID),
			Kind:       event.KindCall,
			SubjectID:  firstNonEmpty(l.CallID, l.ID),
			Outcome:    firstNonEmpty(l.Result, l.Status),
			Labels:     l.Labels,
			OccurredAt: occurredAt(l, env.EventTS),
			Tenant:     env.Payload.AccountID,
			RawRef:     env.Event,
			DurationMs: durationMs(l),
			Hints:      callerHints(env.Event, l),
		}
		out = append(out, ev)
	}
	return out, nil
}

func durationMs(l callLog) int64 {
	switch {
	case l.DurationMs != nil:
		return *l.DurationMs
	case l.Duration != nil:
		return int64(*l.Duration * 1000)
	}
	return 0
}

func occurredAt(l callLog, eventTS int64) time.Time {
	for _, s := range []string{l.EndTime, l.DateTime} {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	if eventTS > 0 {
		return time.UnixMilli(eventTS).UTC()
	}
	return time.Time{}
}

// callerHints picks the account user's side of the call. For caller events
// that is the caller, for callee events the callee.
func callerHints(eventName string, l callLog) event.ActorHints {
	h := event.ActorHints{Email: firstNonEmpty(l.UserEmail, l.OwnerEmail)}
	if l.Owner != nil {
		h.Email = firstNonEmpty(h.Email, l.Owner.Email)
		h.OwnerID = l.Owner.ID
		h.SpokenName = l.Owner.Name
	}
	switch {
	case strings.Contains(eventName, "caller"):
		h.Email = firstNonEmpty(h.Email, l.CallerEmail)
	case strings.Contains(eventName, "callee"):
		h.Email = firstNonEmpty(h.Email, l.CalleeEmail)
	}
	return h
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
