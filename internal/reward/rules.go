package reward

import (
	"github.com/gyaneshwarpardhi/xpflow/internal/event"
)

// CallRule rewards completed calls by length and penalises missed ones.
type CallRule struct{}

func (CallRule) Kind() event.Kind { return event.KindCall }

func (CallRule) Compute(ev *event.Event, tbl *Table) []Delta {
	if IsMissedCall(ev, tbl) {
		if tbl.Call.MissedPenalty == 0 {
			return nil
		}
		return []Delta{{XP: -tbl.Call.MissedPenalty, Reason: ReasonCallMissed}}
	}
	return []Delta{{XP: CallXP(ev.DurationMs, tbl), Reason: ReasonCallCompleted}}
}

// IsMissedCall classifies a call as missed when its status says so, one of
// its labels is a configured missed-call label, or it has no duration.
func IsMissedCall(ev *event.Event, tbl *Table) bool {
	if _, ok := tbl.missedStatuses[fold(ev.Outcome)]; ok && ev.Outcome != "" {
		return true
	}
	for _, l := range ev.Labels {
		if _, ok := tbl.missedLabels[fold(l)]; ok {
			return true
		}
	}
	return ev.DurationMs <= 0
}

// CallXP is the flat per-call XP plus per-unit XP for the call length. The
// duration is clamped to the configured maximum before dividing.
func CallXP(durationMs int64, tbl *Table) int64 {
	d := durationMs
	if d > tbl.Call.MaxDurationMs {
		d = tbl.Call.MaxDurationMs
	}
	if d < 0 {
		d = 0
	}
	return tbl.Call.PerCallXP + (d/tbl.Call.UnitMs)*tbl.Call.PerUnitXP
}

// AppointmentRule rewards outcome labels. Tenant labels are matched first;
// only when none of the event's values hits a tenant label is the global
// outcome list consulted. Each distinct matched label awards independently.
type AppointmentRule struct{}

func (AppointmentRule) Kind() event.Kind { return event.KindAppointment }

func (AppointmentRule) Compute(ev *event.Event, tbl *Table) []Delta {
	values := make([]string, 0, len(ev.Labels)+1)
	if ev.Outcome != "" {
		values = append(values, ev.Outcome)
	}
	values = append(values, ev.Labels...)

	var out []Delta
	seen := make(map[string]struct{})
	for _, v := range values {
		l, ok := tbl.TenantLabel(ev.Tenant, v)
		if !ok {
			continue
		}
		key := l.ID + "\x00" + l.Title
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		xp := l.XP
		if xp == 0 {
			xp = tbl.AppointmentXP
		}
		name := l.Title
		if name == "" {
			name = l.ID
		}
		out = append(out, Delta{XP: xp, Badge: l.Badge, Label: name, Reason: ReasonLabel})
	}
	if len(out) > 0 {
		return out
	}

	for _, v := range values {
		o, ok := tbl.GlobalOutcome(v)
		if !ok {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, Delta{XP: tbl.AppointmentXP, Label: o, Reason: ReasonOutcome})
	}
	return out
}

// ApprovalRule awards a flat amount per approval record.
type ApprovalRule struct{}

func (ApprovalRule) Kind() event.Kind { return event.KindApproval }

func (ApprovalRule) Compute(_ *event.Event, tbl *Table) []Delta {
	if tbl.ApprovalXP == 0 {
		return nil
	}
	return []Delta{{XP: tbl.ApprovalXP, Reason: ReasonApproval}}
}

// SalesRule produces only the immediate small-row award. Step awards for
// accumulated amounts come from the ledger.
type SalesRule struct{}

func (SalesRule) Kind() event.Kind { return event.KindSale }

func (SalesRule) Compute(ev *event.Event, tbl *Table) []Delta {
	if tbl.Sales.SmallRowXP <= 0 || ev.Amount <= 0 || ev.Amount >= tbl.Sales.StepSize {
		return nil
	}
	return []Delta{{XP: tbl.Sales.SmallRowXP, Reason: ReasonSaleSmallRow}}
}

// IsCumulative reports whether events of kind feed the incremental ledger.
func IsCumulative(kind event.Kind) bool {
	return kind == event.KindSale
}
