// Package source maps vendor webhook payloads onto event.Event.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/xpflow/internal/event"
)

// ErrMalformed wraps payloads that cannot be decoded at all.
var ErrMalformed = errors.New("source: malformed payload")

// crmNotification is one element of a CRM webhook batch.
type crmNotification struct {
	EventID          json.Number `json:"eventId"`
	SubscriptionType string      `json:"subscriptionType"`
	PortalID         json.Number `json:"portalId"`
	OccurredAt       int64       `json:"occurredAt"` // epoch ms
	ObjectID         json.Number `json:"objectId"`
	PropertyName     string      `json:"propertyName"`
	PropertyValue    string      `json:"propertyValue"`
	SourceID         string      `json:"sourceId"` // "userId:123"
	OwnerEmail       string      `json:"ownerEmail"`
}

// CRM normalizes property-change notifications. Only changes to one of
// the configured outcome properties become events.
type CRM struct {
	properties map[string]struct{}
}

// NewCRM accepts changes to the named properties.
func NewCRM(properties []string) *CRM {
	m := make(map[string]struct{}, len(properties))
	for _, p := range properties {
		m[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return &CRM{properties: m}
}

// Normalize decodes a notification batch (a JSON array, or a single
// object). Notifications for other properties are ignored.
func (c *CRM) Normalize(body []byte) ([]*event.Event, error) {
	trimmed := bytes.TrimSpace(body)
	var batch []crmNotification
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	default:
		var one crmNotification
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		batch = []crmNotification{one}
	}

	out := make([]*event.Event, 0, len(batch))
	for _, n := range batch {
		if _, ok := c.properties[strings.ToLower(n.PropertyName)]; !ok {
			continue
		}
		if strings.TrimSpace(n.PropertyValue) == "" {
			continue
		}
		ev := &event.Event{
			Source:    event.SourceCRM,
			ID:        n.EventID.String(),
			Kind:      event.KindAppointment,
			SubjectID: n.ObjectID.String(),
			Outcome:   strings.TrimSpace(n.PropertyValue),
			Tenant:    n.PortalID.String(),
			RawRef:    n.SubscriptionType + ":" + n.PropertyName,
			Hints: event.ActorHints{
				Email:   n.OwnerEmail,
				OwnerID: ownerFromSourceID(n.SourceID),
			},
		}
		if n.OccurredAt > 0 {
			ev.OccurredAt = time.UnixMilli(n.OccurredAt).UTC()
		}
		out = append(out, ev)
	}
	return out, nil
}

// ownerFromSourceID extracts 123 from "userId:123".
func ownerFromSourceID(s string) string {
	k, v, ok := strings.Cut(s, ":")
	if !ok || !strings.EqualFold(k, "userId") {
		return ""
	}
	if _, err := strconv.ParseInt(v, 10, 64); err != nil {
		return ""
	}
	return v
}
