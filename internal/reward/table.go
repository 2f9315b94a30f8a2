// Package reward turns normalized events into experience-point deltas.
package reward

import (
	"strings"

	"github.com/gyaneshwarpardhi/xpflow/internal/config"
)

// Delta is one reward effect. XP may be negative (a penalty) or zero.
type Delta struct {
	XP     int64  `json:"xp"`
	Badge  string `json:"badge,omitempty"`
	Label  string `json:"label,omitempty"`
	Reason string `json:"reason"`
}

// Reasons recorded on deltas.
const (
	ReasonCallCompleted = "call_completed"
	ReasonCallMissed    = "call_missed"
	ReasonLabel         = "label"
	ReasonOutcome       = "outcome"
	ReasonApproval      = "approval"
	ReasonSaleSmallRow  = "sale_small_row"
)

// Label is a tenant-configured outcome label.
type Label struct {
	ID    string
	Title string
	XP    int64
	Badge string
}

type tenantLabels struct {
	byID    map[string]Label
	byTitle map[string]Label
}

// CallParams are the resolved call settings.
type CallParams struct {
	PerCallXP     int64
	UnitMs        int64
	PerUnitXP     int64
	MaxDurationMs int64
	MissedPenalty int64
}

// Table is the compiled, read-only form of the reward configuration. A new
// Table is built on every config reload and swapped in atomically.
type Table struct {
	Call          CallParams
	AppointmentXP int64 // labels without their own xp, and global outcomes
	ApprovalXP    int64
	Sales         config.SalesConf
	Company       config.CompanyConf

	missedStatuses map[string]struct{}
	missedLabels   map[string]struct{}
	outcomes       map[string]string // lower → configured spelling
	tenants        map[string]tenantLabels
}

// NewTable compiles cfg.
func NewTable(cfg *config.Config) *Table {
	r := cfg.Rewards
	t := &Table{
		Call: CallParams{
			PerCallXP:     value(r.Call.PerCallXP),
			UnitMs:        r.Call.UnitMs,
			PerUnitXP:     value(r.Call.PerUnitXP),
			MaxDurationMs: r.Call.MaxDurationMs,
			MissedPenalty: value(r.Call.MissedPenalty),
		},
		AppointmentXP:  value(r.Appointment.DefaultXP),
		ApprovalXP:     value(r.Approval.XP),
		Sales:          r.Sales,
		Company:        cfg.Ledger.Company,
		missedStatuses: lowerSet(r.Call.MissedStatuses),
		missedLabels:   lowerSet(r.Call.MissedLabels),
		outcomes:       make(map[string]string, len(r.Appointment.Outcomes)),
		tenants:        make(map[string]tenantLabels, len(r.Tenants)),
	}
	for _, o := range r.Appointment.Outcomes {
		t.outcomes[fold(o)] = strings.TrimSpace(o)
	}
	for tenant, tc := range r.Tenants {
		tl := tenantLabels{byID: make(map[string]Label), byTitle: make(map[string]Label)}
		for _, lc := range tc.Labels {
			l := Label{ID: strings.TrimSpace(lc.ID), Title: strings.TrimSpace(lc.Title), XP: lc.XP, Badge: lc.Badge}
			if l.ID != "" {
				tl.byID[l.ID] = l
			}
			if l.Title != "" {
				tl.byTitle[fold(l.Title)] = l
			}
		}
		t.tenants[tenant] = tl
	}
	return t
}

func value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// TenantLabel finds a tenant label by id, then by case-insensitive title.
func (t *Table) TenantLabel(tenant, value string) (Label, bool) {
	tl, ok := t.tenants[tenant]
	if !ok {
		return Label{}, false
	}
	v := strings.TrimSpace(value)
	if l, ok := tl.byID[v]; ok {
		return l, true
	}
	l, ok := tl.byTitle[fold(v)]
	return l, ok
}

// GlobalOutcome reports whether value is on the global outcome list.
func (t *Table) GlobalOutcome(value string) (string, bool) {
	o, ok := t.outcomes[fold(value)]
	return o, ok
}

func lowerSet(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[fold(v)] = struct{}{}
	}
	return m
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
