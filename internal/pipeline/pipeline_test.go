package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/xpflow/internal/batch"
	"github.com/gyaneshwarpardhi/xpflow/internal/config"
	"github.com/gyaneshwarpardhi/xpflow/internal/dedup"
	"github.com/gyaneshwarpardhi/xpflow/internal/dispatch"
	"github.com/gyaneshwarpardhi/xpflow/internal/event"
	"github.com/gyaneshwarpardhi/xpflow/internal/eventlog"
	"github.com/gyaneshwarpardhi/xpflow/internal/gamify"
	"github.com/gyaneshwarpardhi/xpflow/internal/ledger"
)

type countingAwarder struct {
	mu   sync.Mutex
	reqs []gamify.AwardRequest
}

func (c *countingAwarder) Award(_ context.Context, req gamify.AwardRequest) (*gamify.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return &gamify.Receipt{TaskID: "t"}, nil
}

func (c *countingAwarder) requests() []gamify.AwardRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gamify.AwardRequest(nil), c.reqs...)
}

func (c *countingAwarder) byTitle(title string) []gamify.AwardRequest {
	var out []gamify.AwardRequest
	for _, r := range c.requests() {
		if r.Title == title {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	p       *Pipeline
	log     *eventlog.Log
	queue   *dispatch.Queue
	awarder *countingAwarder
	cfg     *config.Config
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if tweak != nil {
		tweak(cfg)
	}
	dir := t.TempDir()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	log, err := eventlog.Open(filepath.Join(dir, "log"), loc)
	require.NoError(t, err)
	keys, err := dedup.OpenKeyIndex(filepath.Join(dir, "batch_keys.txt"))
	require.NoError(t, err)
	led, err := ledger.Open(filepath.Join(dir, "ledger.ndjson"), LedgerTotals(log))
	require.NoError(t, err)
	queue := dispatch.New(dispatch.Options{})
	awarder := &countingAwarder{}

	ctx, cancel := context.WithCancel(context.Background())
	p, err := New(ctx, cfg, Deps{
		Seen:    dedup.NewSeenSet(time.Hour, nil),
		Keys:    keys,
		Log:     log,
		Ledger:  led,
		Queue:   queue,
		Awarder: awarder,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		p.Shutdown()
		cancel()
		_ = queue.Close(context.Background())
		_ = led.Close()
		_ = keys.Close()
		_ = log.Close()
	})
	return &fixture{p: p, log: log, queue: queue, awarder: awarder, cfg: cfg}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Flush(ctx))
}

func callEvent(id string) *event.Event {
	return &event.Event{
		Source:     event.SourceTelephony,
		ID:         id,
		Kind:       event.KindCall,
		DurationMs: 620000,
		OccurredAt: time.Date(2024, 5, 10, 1, 0, 0, 0, time.UTC),
		Hints:      event.ActorHints{Email: "Taro@Example.com"},
	}
}

func TestHandle_DuplicateDeliveryAwardsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.p.Handle(ctx, callEvent("log-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "email", first.Strategy)
	require.Len(t, first.Deltas, 1)
	assert.Equal(t, int64(5), first.Deltas[0].XP)

	second, err := f.p.Handle(ctx, callEvent("log-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	f.flush(t)
	reqs := f.awarder.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "taro@example.com", reqs[0].Email)
	assert.Equal(t, int64(5), reqs[0].XP)
	assert.Equal(t, "telephony:log-1", reqs[0].Reference)

	n := 0
	require.NoError(t, f.log.Scan(eventlog.Calls, func(eventlog.Record) error { n++; return nil }))
	assert.Equal(t, 1, n)
}

func TestHandle_ConcurrentDuplicatesAwardOnce(t *testing.T) {
	f := newFixture(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.Handle(context.Background(), callEvent("log-9"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	f.flush(t)
	assert.Len(t, f.awarder.requests(), 1)
}

func TestHandle_UnresolvedActorIsLoggedNotDispatched(t *testing.T) {
	f := newFixture(t, nil)
	ev := callEvent("log-2")
	ev.Hints = event.ActorHints{SpokenName: "nobody"}

	out, err := f.p.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "unresolved", out.Strategy)
	assert.Equal(t, "unknown", out.Actor.Name)

	f.flush(t)
	assert.Empty(t, f.awarder.requests())

	var actors []string
	require.NoError(t, f.log.Scan(eventlog.Calls, func(r eventlog.Record) error {
		actors = append(actors, r.Actor)
		return nil
	}))
	assert.Equal(t, []string{"unknown"}, actors)
}

func TestHandle_AppointmentLabelsLogged(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Rewards.Tenants = map[string]config.TenantConf{
			"62515": {Labels: []config.LabelConf{{ID: "f240bbac", Title: "Appointment set", XP: 30, Badge: "closer"}}},
		}
	})
	ev := &event.Event{
		Source:  event.SourceCRM,
		ID:      "1001",
		Kind:    event.KindAppointment,
		Outcome: "f240bbac",
		Tenant:  "62515",
		Hints:   event.ActorHints{Email: "hanako@example.com"},
	}
	_, err := f.p.Handle(context.Background(), ev)
	require.NoError(t, err)
	f.flush(t)

	reqs := f.awarder.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(30), reqs[0].XP)
	assert.Equal(t, "closer", reqs[0].Badge)
	assert.Equal(t, "Appointment set", reqs[0].Title)

	var labels []string
	require.NoError(t, f.log.Scan(eventlog.Labels, func(r eventlog.Record) error {
		labels = append(labels, r.Label)
		return nil
	}))
	assert.Equal(t, []string{"Appointment set"}, labels)
}

const salesSheet = "受注番号,担当者メール,取扱メーカー,売上金額\n" +
	"A-1,taro@example.com,Acme,\"¥40,000\"\n" +
	"A-2,taro@example.com,Acme,\"40,000円\"\n" +
	"A-3,taro@example.com,Acme,30000\n"

func parseSales(t *testing.T, sheet string) *batch.Parsed {
	t.Helper()
	p, err := batch.NewParser(map[string][]string{"email": {"担当者メール"}}, nil, time.UTC).
		Parse(batch.KindSales, strings.NewReader(sheet))
	require.NoError(t, err)
	return p
}

func TestImport_SalesCrossesOneStepAndReplayIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rep := f.p.Import(ctx, "t1", parseSales(t, salesSheet))
	assert.Equal(t, 3, rep.Accepted)
	assert.Zero(t, rep.Duplicate)
	assert.NotEmpty(t, rep.JobID)
	f.flush(t)

	steps := f.awarder.byTitle("Acme sales step")
	require.Len(t, steps, 1)
	assert.Equal(t, int64(50), steps[0].XP)
	assert.Equal(t, "taro@example.com", steps[0].Email)
	before := len(f.awarder.requests())

	replay := f.p.Import(ctx, "t1", parseSales(t, salesSheet))
	assert.Zero(t, replay.Accepted)
	assert.Equal(t, 3, replay.Duplicate)
	f.flush(t)
	assert.Len(t, f.awarder.requests(), before)

	entries := f.p.Entries("")
	require.NotEmpty(t, entries)
	var user ledger.Entry
	for _, e := range entries {
		if e.Key.Scope == ledger.ScopeUser {
			user = e
		}
	}
	assert.Equal(t, int64(110000), user.Total)
	assert.Equal(t, int64(1), user.Steps)
}

func TestImport_IdenticalRowsWithoutIDAreAllCounted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sheet := "担当者メール,取扱メーカー,売上金額\n" +
		"taro@example.com,Acme,40000\n" +
		"taro@example.com,Acme,40000\n" +
		"taro@example.com,Acme,30000\n"

	rep := f.p.Import(ctx, "t1", parseSales(t, sheet))
	assert.Equal(t, 3, rep.Accepted)
	assert.Zero(t, rep.Duplicate)
	f.flush(t)
	require.Len(t, f.awarder.byTitle("Acme sales step"), 1)

	replay := f.p.Import(ctx, "t1", parseSales(t, sheet))
	assert.Zero(t, replay.Accepted)
	assert.Equal(t, 3, replay.Duplicate)

	for _, e := range f.p.Entries("") {
		if e.Key.Scope == ledger.ScopeUser {
			assert.Equal(t, int64(110000), e.Total)
			assert.Equal(t, int64(1), e.Steps)
		}
	}
}

func TestImport_CompanyStepFansOutToMembersAndContributors(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Ledger.Company.StepSize = 100000
		cfg.Ledger.Company.PerStepXP = 20
		cfg.Ledger.Company.Members = []config.MemberConf{{Name: "Boss", Email: "Boss@Example.com"}}
	})
	f.p.Import(context.Background(), "t1", parseSales(t, salesSheet))
	f.flush(t)

	company := f.awarder.byTitle("company sales step")
	var emails []string
	for _, r := range company {
		assert.Equal(t, int64(20), r.XP)
		emails = append(emails, r.Email)
	}
	assert.ElementsMatch(t, []string{"boss@example.com", "taro@example.com"}, emails)
}

func TestImport_UnresolvedRowsCountTowardCompanyOnly(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Ledger.Company.StepSize = 50000
	})
	sheet := "受注番号,担当者,売上金額\nB-1,誰か,60000\n"
	parsed, err := batch.NewParser(nil, nil, time.UTC).Parse(batch.KindSales, strings.NewReader(sheet))
	require.NoError(t, err)

	rep := f.p.Import(context.Background(), "t1", parsed)
	assert.Equal(t, 1, rep.Accepted)
	f.flush(t)
	assert.Empty(t, f.awarder.requests(), "no member or contributor is addressable")

	for _, e := range f.p.Entries("") {
		assert.Equal(t, ledger.ScopeCompany, e.Key.Scope)
		assert.Equal(t, int64(1), e.Steps)
	}
}

func TestReconcile_AwardsMissedStepsOnce(t *testing.T) {
	f := newFixture(t, nil)
	at := time.Date(2024, 5, 10, 3, 0, 0, 0, time.UTC)
	for _, amt := range []int64{60000, 60000, 90000} {
		require.NoError(t, f.log.Append(eventlog.Sales, eventlog.Record{
			At: at, Actor: "taro", Email: "taro@example.com", Maker: "Acme", Amount: amt,
		}))
	}

	rep, err := f.p.Reconcile(context.Background(), "2024-05")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Keys)
	assert.Equal(t, int64(2), rep.Steps)
	f.flush(t)
	steps := f.awarder.byTitle("Acme sales step")
	require.Len(t, steps, 1)
	assert.Equal(t, int64(100), steps[0].XP)

	again, err := f.p.Reconcile(context.Background(), "2024-05")
	require.NoError(t, err)
	assert.Zero(t, again.Steps)
	f.flush(t)
	assert.Len(t, f.awarder.byTitle("Acme sales step"), 1)
}

func TestGo_ProcessesInBackground(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.p.Go(callEvent("bg-1")))
	require.True(t, f.p.Go(callEvent("bg-1")))
	f.p.Shutdown()
	f.flush(t)
	assert.Len(t, f.awarder.requests(), 1)
	assert.False(t, f.p.Go(callEvent("bg-2")), "drained pool rejects work")
}

func TestSwapConfig(t *testing.T) {
	f := newFixture(t, nil)
	next := &config.Config{}
	config.ApplyDefaults(next)
	next.Rewards.Call.PerCallXP = config.Int64(100)
	require.NoError(t, f.p.SwapConfig(next))

	out, err := f.p.Handle(context.Background(), callEvent("log-3"))
	require.NoError(t, err)
	assert.Equal(t, int64(104), out.Deltas[0].XP)

	bad := &config.Config{}
	config.ApplyDefaults(bad)
	bad.Identity.NamePrefixPattern = "("
	assert.Error(t, f.p.SwapConfig(bad))
}
