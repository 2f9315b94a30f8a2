// Package pipeline runs normalized events through deduplication, actor
// resolution, reward rules, the event log, the incremental ledger and the
// dispatch queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/xpflow/internal/actor"
	"github.com/gyaneshwarpardhi/xpflow/internal/batch"
	"github.com/gyaneshwarpardhi/xpflow/internal/config"
	"github.com/gyaneshwarpardhi/xpflow/internal/dedup"
	"github.com/gyaneshwarpardhi/xpflow/internal/dispatch"
	"github.com/gyaneshwarpardhi/xpflow/internal/event"
	"github.com/gyaneshwarpardhi/xpflow/internal/eventlog"
	"github.com/gyaneshwarpardhi/xpflow/internal/gamify"
	"github.com/gyaneshwarpardhi/xpflow/internal/ledger"
	"github.com/gyaneshwarpardhi/xpflow/internal/metrics"
	"github.com/gyaneshwarpardhi/xpflow/internal/reward"
)

// Reasons used for ledger step awards.
const (
	ReasonSalesStep   = "sales_step"
	ReasonCompanyStep = "company_step"
)

// Deps are the stores and collaborators a Pipeline drives. All are required.
type Deps struct {
	Seen    *dedup.SeenSet
	Keys    *dedup.KeyIndex
	Log     *eventlog.Log
	Ledger  *ledger.Ledger
	Queue   *dispatch.Queue
	Awarder gamify.Awarder
}

// state is everything derived from config. It is replaced as a whole on
// reload.
type state struct {
	table    *reward.Table
	resolver *actor.Resolver
	members  []actor.Actor
}

func newState(cfg *config.Config) (*state, error) {
	res, err := actor.NewResolver(cfg.Identity)
	if err != nil {
		return nil, err
	}
	members := make([]actor.Actor, 0, len(cfg.Ledger.Company.Members))
	for _, m := range cfg.Ledger.Company.Members {
		email := strings.ToLower(strings.TrimSpace(m.Email))
		if email == "" {
			continue
		}
		name := strings.TrimSpace(m.Name)
		if name == "" {
			name = actor.LocalPart(email)
		}
		members = append(members, actor.Actor{Name: name, Email: email})
	}
	return &state{table: reward.NewTable(cfg), resolver: res, members: members}, nil
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	deps     Deps
	registry *reward.Registry
	state    atomic.Pointer[state]
	bg       *pool[*event.Event]
	now      func() time.Time
}

// New builds a pipeline from cfg and starts its background pool. ctx bounds
// the pool's lifetime.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Pipeline, error) {
	if deps.Seen == nil || deps.Keys == nil || deps.Log == nil || deps.Ledger == nil || deps.Queue == nil || deps.Awarder == nil {
		return nil, errors.New("pipeline: missing dependency")
	}
	st, err := newState(cfg)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{deps: deps, registry: reward.DefaultRegistry(), now: time.Now}
	p.state.Store(st)
	p.bg = newPool(ctx, "events", cfg.Background.Workers, cfg.Background.QueueDepth, func(ctx context.Context, ev *event.Event) error {
		_, err := p.Handle(ctx, ev)
		return err
	})
	return p, nil
}

// LedgerTotals recomputes ledger totals from the sales log. A user key sums
// the user's rows for one maker; the company key sums every row, resolved
// or not.
func LedgerTotals(log *eventlog.Log) ledger.TotalFunc {
	return func(_ context.Context, k ledger.Key) (int64, error) {
		return log.SumAmount(eventlog.Sales, func(r eventlog.Record) bool {
			if r.Period != k.Period {
				return false
			}
			if k.Scope == ledger.ScopeCompany {
				return true
			}
			return r.Email == k.Email && r.Maker == k.Category
		})
	}
}

// SwapConfig rebuilds the reward table and resolver from cfg. On error the
// previous state stays active.
func (p *Pipeline) SwapConfig(cfg *config.Config) error {
	st, err := newState(cfg)
	if err != nil {
		return fmt.Errorf("pipeline: swap config: %w", err)
	}
	p.state.Store(st)
	return nil
}

// Outcome reports what Handle did with one event.
type Outcome struct {
	EventKey  string         `json:"event_key"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Actor     actor.Actor    `json:"actor"`
	Strategy  string         `json:"strategy,omitempty"`
	Deltas    []reward.Delta `json:"deltas,omitempty"`
	Steps     int64          `json:"steps,omitempty"` // ledger steps awarded to the actor
}

// Handle processes ev at most once per identity key. A duplicate returns an
// Outcome with Duplicate set and no error. When processing fails before the
// event is logged the key is released so a redelivery can retry.
func (p *Pipeline) Handle(ctx context.Context, ev *event.Event) (*Outcome, error) {
	key := ev.Key()
	src := string(ev.Source)
	metrics.EventsReceived.WithLabelValues(src).Inc()
	if !p.deps.Seen.CheckAndMark(key) {
		metrics.EventsDuplicate.WithLabelValues(src).Inc()
		slog.Debug("duplicate event ignored", "key", key)
		return &Outcome{EventKey: key, Duplicate: true}, nil
	}
	out, err := p.process(ctx, ev)
	if err != nil {
		p.deps.Seen.Forget(key)
		metrics.EventsProcessed.WithLabelValues(src, "error").Inc()
		return nil, err
	}
	metrics.EventsProcessed.WithLabelValues(src, "ok").Inc()
	return out, nil
}

// Go hands ev to the background pool and reports whether it was accepted.
// Errors are logged by the pool.
func (p *Pipeline) Go(ev *event.Event) bool {
	if p.bg.Submit(ev) {
		return true
	}
	metrics.EventsDropped.Inc()
	slog.Warn("background queue full, event dropped", "key", ev.Key())
	return false
}

// process runs an event whose identity has already been claimed.
func (p *Pipeline) process(ctx context.Context, ev *event.Event) (*Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	st := p.state.Load()
	who, strategy := st.resolver.Resolve(ev.Hints)
	deltas, err := p.registry.Compute(ev, st.table)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s: %w", ev.Key(), err)
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = p.now()
	}
	if err := p.record(ev, at, who, deltas); err != nil {
		return nil, err
	}

	// The event is logged from here on; later failures are healed by
	// reconciliation and must not release the identity key.
	key := ev.Key()
	for _, d := range deltas {
		metrics.RewardXP.WithLabelValues(d.Reason).Add(float64(max(d.XP, 0)))
		if d.XP == 0 && d.Badge == "" {
			continue
		}
		p.Award(ctx, who, d, key)
	}

	out := &Outcome{EventKey: key, Actor: who, Strategy: strategy, Deltas: deltas}
	if reward.IsCumulative(ev.Kind) {
		out.Steps = p.settleSales(ctx, st, who, ev.Category, p.deps.Log.Period(at))
	}
	return out, nil
}

// record appends ev to its category log. Appointment labels are also
// written one per line to the labels log.
func (p *Pipeline) record(ev *event.Event, at time.Time, who actor.Actor, deltas []reward.Delta) error {
	rec := eventlog.Record{
		At:       at,
		Actor:    who.Name,
		Email:    who.Email,
		EventKey: ev.Key(),
		Tenant:   ev.Tenant,
	}
	for _, d := range deltas {
		rec.XP += d.XP
		if rec.Reason == "" {
			rec.Reason = d.Reason
		}
	}

	var cat eventlog.Category
	switch ev.Kind {
	case event.KindCall:
		cat = eventlog.Calls
		rec.Fields = map[string]any{"duration_ms": ev.DurationMs, "outcome": ev.Outcome}
	case event.KindAppointment:
		cat = eventlog.Appointments
		rec.Label = ev.Outcome
		rec.Fields = map[string]any{"subject_id": ev.SubjectID}
	case event.KindApproval:
		cat = eventlog.Approvals
		rec.Fields = map[string]any{"record_id": ev.SubjectID, "status": ev.Outcome}
	case event.KindSale:
		cat = eventlog.Sales
		rec.Amount = ev.Amount
		rec.Maker = ev.Category
		rec.Fields = map[string]any{"record_id": ev.SubjectID}
	default:
		return fmt.Errorf("pipeline: no log category for kind %q", ev.Kind)
	}
	if len(ev.Labels) > 0 {
		rec.Fields["labels"] = ev.Labels
	}
	if err := p.deps.Log.Append(cat, rec); err != nil {
		return fmt.Errorf("pipeline: log %s: %w", ev.Key(), err)
	}

	if ev.Kind != event.KindAppointment {
		return nil
	}
	for _, d := range deltas {
		lr := eventlog.Record{
			At: at, Actor: who.Name, Email: who.Email, EventKey: rec.EventKey, Tenant: ev.Tenant,
			XP: d.XP, Reason: d.Reason, Label: d.Label, Badge: d.Badge,
		}
		if err := p.deps.Log.Append(eventlog.Labels, lr); err != nil {
			slog.Error("label log append failed", "key", rec.EventKey, "label", d.Label, "err", err)
		}
	}
	return nil
}

// Award queues one delta for to. Unresolved actors are skipped. It never
// blocks on the external service.
func (p *Pipeline) Award(ctx context.Context, to actor.Actor, d reward.Delta, ref string) {
	if !to.Resolved() {
		slog.Info("award not dispatched: actor unresolved", "actor", to.Name, "reason", d.Reason, "xp", d.XP, "ref", ref)
		return
	}
	title := d.Label
	if title == "" {
		title = d.Reason
	}
	req := gamify.AwardRequest{
		Email:     to.Email,
		Name:      to.Name,
		XP:        d.XP,
		Badge:     d.Badge,
		Title:     title,
		Reference: ref,
	}
	p.deps.Queue.Submit(ctx, dispatch.Task{
		Label: "award " + d.Reason,
		Attrs: map[string]string{
			"email": to.Email,
			"xp":    fmt.Sprint(d.XP),
			"ref":   ref,
		},
		Run: func(ctx context.Context) (any, error) {
			return p.deps.Awarder.Award(ctx, req)
		},
	})
}

// settleSales settles the user key of who (when resolved) and the company
// key for period. It returns the steps awarded to who.
func (p *Pipeline) settleSales(ctx context.Context, st *state, who actor.Actor, maker, period string) int64 {
	var steps int64
	if who.Resolved() {
		k := ledger.Key{Scope: ledger.ScopeUser, Period: period, Email: who.Email, Category: maker}
		res, err := p.deps.Ledger.Settle(ctx, k, salesPolicy(st), p.userAward(who))
		if err != nil {
			slog.Error("user ledger settle failed", "key", k.String(), "err", err)
		}
		steps = res.Awarded
	}
	company := ledger.Key{Scope: ledger.ScopeCompany, Period: period}
	if _, err := p.deps.Ledger.Settle(ctx, company, companyPolicy(st), p.companyAward(st)); err != nil {
		slog.Error("company ledger settle failed", "key", company.String(), "err", err)
	}
	return steps
}

func salesPolicy(st *state) ledger.Policy {
	return ledger.Policy{StepSize: st.table.Sales.StepSize, PerStepXP: st.table.Sales.PerStepXP}
}

func companyPolicy(st *state) ledger.Policy {
	return ledger.Policy{StepSize: st.table.Company.StepSize, PerStepXP: st.table.Company.PerStepXP}
}

// userAward logs the step award and queues it. The log line is written
// first so a failed write leaves the ledger entry unchanged.
func (p *Pipeline) userAward(who actor.Actor) ledger.AwardFunc {
	return func(ctx context.Context, a ledger.Award) error {
		err := p.deps.Log.Append(eventlog.MakerAwards, eventlog.Record{
			Actor:  who.Name,
			Email:  who.Email,
			XP:     a.XP,
			Reason: ReasonSalesStep,
			Maker:  a.Key.Category,
			Amount: a.Total,
			At:     p.now(),
			Fields: map[string]any{"steps": a.Steps, "ledger_key": a.Key.String()},
		})
		if err != nil {
			return err
		}
		metrics.LedgerSteps.WithLabelValues(string(ledger.ScopeUser)).Add(float64(a.Steps))
		label := "sales step"
		if a.Key.Category != "" {
			label = a.Key.Category + " sales step"
		}
		p.Award(ctx, who, reward.Delta{XP: a.XP, Reason: ReasonSalesStep, Label: label}, a.Key.String())
		return nil
	}
}

// companyAward fans one step award out to every member. Enqueueing never
// fails, so the ledger records the step once all tasks are queued.
func (p *Pipeline) companyAward(st *state) ledger.AwardFunc {
	return func(ctx context.Context, a ledger.Award) error {
		members, err := p.companyMembers(st, a.Key.Period)
		if err != nil {
			return err
		}
		emails := make([]string, 0, len(members))
		for _, m := range members {
			emails = append(emails, m.Email)
		}
		err = p.deps.Log.Append(eventlog.MakerAwards, eventlog.Record{
			Actor:  "company",
			XP:     a.XP,
			Reason: ReasonCompanyStep,
			Amount: a.Total,
			At:     p.now(),
			Fields: map[string]any{"steps": a.Steps, "members": emails, "ledger_key": a.Key.String()},
		})
		if err != nil {
			return err
		}
		metrics.LedgerSteps.WithLabelValues(string(ledger.ScopeCompany)).Add(float64(a.Steps))
		d := reward.Delta{XP: a.XP, Reason: ReasonCompanyStep, Label: "company sales step"}
		for _, m := range members {
			p.Award(ctx, m, d, a.Key.String())
		}
		return nil
	}
}

// companyMembers is the configured member list plus every resolved actor
// who contributed sales in period, deduplicated by email.
func (p *Pipeline) companyMembers(st *state, period string) ([]actor.Actor, error) {
	contributors, err := p.deps.Log.Contributors(eventlog.Sales, period)
	if err != nil {
		return nil, fmt.Errorf("pipeline: contributors %s: %w", period, err)
	}
	seen := make(map[string]struct{}, len(st.members)+len(contributors))
	out := make([]actor.Actor, 0, len(st.members)+len(contributors))
	for _, m := range st.members {
		if _, ok := seen[m.Email]; ok {
			continue
		}
		seen[m.Email] = struct{}{}
		out = append(out, m)
	}
	for _, c := range contributors {
		if _, ok := seen[c.Email]; ok {
			continue
		}
		seen[c.Email] = struct{}{}
		out = append(out, actor.Actor{Name: c.Name, Email: c.Email})
	}
	return out, nil
}

// Report summarizes one batch import.
type Report struct {
	JobID     string           `json:"job_id"`
	Kind      batch.Kind       `json:"kind"`
	Accepted  int              `json:"accepted"`
	Duplicate int              `json:"duplicate"`
	Errors    int              `json:"error"`
	Skipped   int              `json:"skipped"`
	RowErrors []batch.RowError `json:"row_errors,omitempty"`
}

// Import processes parsed rows. Each row key is claimed in the persistent
// key index before processing, so a re-uploaded sheet awards nothing new. A
// row whose processing fails stays claimed.
func (p *Pipeline) Import(ctx context.Context, tenant string, parsed *batch.Parsed) Report {
	rep := Report{
		JobID:     uuid.NewString(),
		Kind:      parsed.Kind,
		Skipped:   parsed.Skipped,
		Errors:    len(parsed.Errors),
		RowErrors: append([]batch.RowError(nil), parsed.Errors...),
	}
	kind := string(parsed.Kind)
	metrics.ImportRows.WithLabelValues(kind, "error").Add(float64(len(parsed.Errors)))
	metrics.ImportRows.WithLabelValues(kind, "skipped").Add(float64(parsed.Skipped))

	for _, row := range parsed.Rows {
		if err := ctx.Err(); err != nil {
			rep.Errors++
			rep.RowErrors = append(rep.RowErrors, batch.RowError{Line: row.Line, Reason: err.Error()})
			continue
		}
		key := row.Key(parsed.Kind, tenant)
		claimed, err := p.deps.Keys.Claim(key)
		if err != nil {
			rep.Errors++
			rep.RowErrors = append(rep.RowErrors, batch.RowError{Line: row.Line, Reason: err.Error()})
			metrics.ImportRows.WithLabelValues(kind, "error").Inc()
			continue
		}
		if !claimed {
			rep.Duplicate++
			metrics.ImportRows.WithLabelValues(kind, "duplicate").Inc()
			continue
		}
		ev := p.rowEvent(parsed.Kind, tenant, key, row)
		metrics.EventsReceived.WithLabelValues(string(event.SourceBatch)).Inc()
		if _, err := p.process(ctx, ev); err != nil {
			slog.Error("import row failed", "job", rep.JobID, "line", row.Line, "key", key, "err", err)
			rep.Errors++
			rep.RowErrors = append(rep.RowErrors, batch.RowError{Line: row.Line, Reason: err.Error()})
			metrics.ImportRows.WithLabelValues(kind, "error").Inc()
			continue
		}
		rep.Accepted++
		metrics.ImportRows.WithLabelValues(kind, "accepted").Inc()
	}
	slog.Info("import finished", "job", rep.JobID, "kind", kind, "tenant", tenant,
		"accepted", rep.Accepted, "duplicate", rep.Duplicate, "error", rep.Errors, "skipped", rep.Skipped)
	return rep
}

func (p *Pipeline) rowEvent(kind batch.Kind, tenant, key string, row batch.Row) *event.Event {
	ev := &event.Event{
		Source:     event.SourceBatch,
		ID:         key,
		SubjectID:  row.RecordID,
		Outcome:    row.Status,
		OccurredAt: row.ApprovedAt,
		Tenant:     tenant,
		Amount:     row.Amount,
		Category:   row.Maker,
		Hints:      event.ActorHints{Email: row.Email, SpokenName: row.Actor},
	}
	if kind == batch.KindApprovals {
		ev.Kind = event.KindApproval
	} else {
		ev.Kind = event.KindSale
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now()
	}
	return ev
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Period  string `json:"period"`
	Keys    int    `json:"keys"`
	Steps   int64  `json:"steps"`
	Failed  int    `json:"failed"`
	Elapsed string `json:"elapsed"`
}

// Reconcile re-settles every user key that has sales in period, then the
// company key. Settlement is idempotent, so only steps that an earlier
// failure left unawarded are issued. An empty period means the current one.
func (p *Pipeline) Reconcile(ctx context.Context, period string) (ReconcileReport, error) {
	start := time.Now()
	if period == "" {
		period = p.deps.Log.Period(p.now())
	}
	rep := ReconcileReport{Period: period}
	st := p.state.Load()
	contributors, err := p.deps.Log.Contributors(eventlog.Sales, period)
	if err != nil {
		return rep, fmt.Errorf("pipeline: reconcile %s: %w", period, err)
	}

	var errs []error
	for _, c := range contributors {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		who := actor.Actor{Name: c.Name, Email: c.Email}
		k := ledger.Key{Scope: ledger.ScopeUser, Period: period, Email: c.Email, Category: c.Maker}
		res, err := p.deps.Ledger.Settle(ctx, k, salesPolicy(st), p.userAward(who))
		rep.Keys++
		rep.Steps += res.Awarded
		if err != nil {
			rep.Failed++
			errs = append(errs, err)
		}
	}
	company := ledger.Key{Scope: ledger.ScopeCompany, Period: period}
	res, err := p.deps.Ledger.Settle(ctx, company, companyPolicy(st), p.companyAward(st))
	rep.Keys++
	rep.Steps += res.Awarded
	if err != nil {
		rep.Failed++
		errs = append(errs, err)
	}
	rep.Elapsed = time.Since(start).String()
	slog.Info("reconcile finished", "period", period, "keys", rep.Keys, "steps", rep.Steps, "failed", rep.Failed)
	return rep, errors.Join(errs...)
}

// Entries exposes the ledger for reporting.
func (p *Pipeline) Entries(period string) []ledger.Entry {
	return p.deps.Ledger.Entries(period)
}

// Utilization is the fuller of the background pool and the dispatch queue,
// from 0 to 1.
func (p *Pipeline) Utilization() float64 {
	u := float64(p.bg.QueueLen()) / float64(p.bg.QueueCap())
	return max(u, p.deps.Queue.Utilization())
}

// Shutdown stops accepting background work and waits for queued events to
// finish. It does not close the dispatch queue or the stores.
func (p *Pipeline) Shutdown() {
	p.bg.Drain()
}
