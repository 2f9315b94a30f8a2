package event

import (
	"strings"
	"time"
)

// Kind selects the reward rule an event is evaluated by.
type Kind string

const (
	KindCall        Kind = "call"
	KindAppointment Kind = "appointment"
	KindApproval    Kind = "approval"
	KindSale        Kind = "sale"
)

// Source names the upstream system an event arrived from.
type Source string

const (
	SourceCRM       Source = "crm"
	SourceTelephony Source = "telephony"
	SourceBatch     Source = "batch"
)

// Event is the canonical, immutable form every inbound payload is mapped to.
type Event struct {
	Source     Source     `json:"source"`
	ID         string     `json:"id,omitempty"`
	Kind       Kind       `json:"kind"`
	SubjectID  string     `json:"subject_id,omitempty"` // call id, deal id, sheet record id
	Outcome    string     `json:"outcome,omitempty"`    // disposition, call result, approval status
	Labels     []string   `json:"labels,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
	Tenant     string     `json:"tenant,omitempty"`
	RawRef     string     `json:"raw_ref,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Amount     int64      `json:"amount,omitempty"`
	Category   string     `json:"category,omitempty"` // maker / vendor for sales
	Hints      ActorHints `json:"hints"`
}

// ActorHints carries the raw identity fields a payload offered.
type ActorHints struct {
	Email      string `json:"email,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	SpokenName string `json:"spoken_name,omitempty"`
}

// Key returns the identity used for deduplication: (source, id), or when
// the upstream supplied no id, (source, subject, occurred_at).
func (e *Event) Key() string {
	if id := strings.TrimSpace(e.ID); id != "" {
		return string(e.Source) + ":" + id
	}
	return string(e.Source) + ":" + e.SubjectID + "@" + e.OccurredAt.UTC().Format(time.RFC3339Nano)
}
