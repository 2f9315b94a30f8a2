// Package adjust applies manual XP adjustments behind a per-caller token
// bucket and an idempotency cache.
package adjust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/xpflow/internal/actor"
	"github.com/gyaneshwarpardhi/xpflow/internal/eventlog"
	"github.com/gyaneshwarpardhi/xpflow/internal/keylock"
	"github.com/gyaneshwarpardhi/xpflow/internal/metrics"
	"github.com/gyaneshwarpardhi/xpflow/internal/reward"
)

var (
	ErrRateLimited    = errors.New("adjust: rate limit exceeded")
	ErrInvalidRequest = errors.New("adjust: invalid request")
)

// RateLimitError carries how long the caller should wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ReasonAdjustment is recorded on every adjustment delta.
const ReasonAdjustment = "manual_adjustment"

// Request is one manual adjustment submitted by an operator.
type Request struct {
	Tenant         string `json:"tenant"`
	User           string `json:"user"` // the operator submitting the adjustment
	IdempotencyKey string `json:"idempotency_key"`
	TargetEmail    string `json:"target_email"`
	TargetName     string `json:"target_name,omitempty"`
	XP             int64  `json:"xp"`
	Reason         string `json:"reason,omitempty"`
}

func (r Request) validate() error {
	var problems []string
	if strings.TrimSpace(r.Tenant) == "" {
		problems = append(problems, "tenant is required")
	}
	if strings.TrimSpace(r.User) == "" {
		problems = append(problems, "user is required")
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		problems = append(problems, "idempotency_key is required")
	}
	if !strings.Contains(r.TargetEmail, "@") {
		problems = append(problems, "target_email must be an email address")
	}
	if r.XP == 0 {
		problems = append(problems, "xp must be non-zero")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

func (r Request) limiterKey() string {
	return r.Tenant + "\x00" + r.User
}

func (r Request) cacheKey() string {
	return r.Tenant + "\x00" + r.User + "\x00" + r.IdempotencyKey
}

// Response is returned for an applied adjustment, and returned again
// verbatim for a replayed one.
type Response struct {
	AdjustmentID string    `json:"adjustment_id"`
	Tenant       string    `json:"tenant"`
	User         string    `json:"user"`
	TargetEmail  string    `json:"target_email"`
	XP           int64     `json:"xp"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Awarder hands a delta to the dispatch queue.
type Awarder interface {
	Award(ctx context.Context, to actor.Actor, d reward.Delta, ref string)
}

// Service applies adjustments.
type Service struct {
	limiter Limiter
	cache   *Cache
	log     *eventlog.Log
	awarder Awarder
	locks   *keylock.Locks
	now     func() time.Time
}

// NewService wires a Service.
func NewService(limiter Limiter, cache *Cache, log *eventlog.Log, awarder Awarder) *Service {
	return &Service{
		limiter: limiter,
		cache:   cache,
		log:     log,
		awarder: awarder,
		locks:   keylock.New(),
		now:     time.Now,
	}
}

// Apply performs req once. A request whose (tenant, user, idempotency key)
// was already applied within the cache TTL returns the stored response with
// replayed=true and has no side effects.
func (s *Service) Apply(ctx context.Context, req Request) (resp Response, replayed bool, err error) {
	if err := req.validate(); err != nil {
		metrics.Adjustments.WithLabelValues("invalid").Inc()
		return Response{}, false, err
	}
	key := req.cacheKey()
	unlock := s.locks.Lock(key)
	defer unlock()

	if cached, ok := s.cache.Get(key); ok {
		metrics.Adjustments.WithLabelValues("replayed").Inc()
		return cached, true, nil
	}

	dec, err := s.limiter.Allow(ctx, req.limiterKey())
	if err != nil {
		return Response{}, false, fmt.Errorf("adjust: rate limiter: %w", err)
	}
	if !dec.Allowed {
		metrics.Adjustments.WithLabelValues("rate_limited").Inc()
		return Response{}, false, &RateLimitError{RetryAfter: dec.RetryAfter}
	}

	resp = Response{
		AdjustmentID: uuid.NewString(),
		Tenant:       req.Tenant,
		User:         req.User,
		TargetEmail:  strings.ToLower(strings.TrimSpace(req.TargetEmail)),
		XP:           req.XP,
		Reason:       req.Reason,
		CreatedAt:    s.now(),
	}
	target := actor.Actor{Name: strings.TrimSpace(req.TargetName), Email: resp.TargetEmail}
	if target.Name == "" {
		target.Name = actor.LocalPart(target.Email)
	}

	err = s.log.Append(eventlog.Adjustments, eventlog.Record{
		At:       resp.CreatedAt,
		Actor:    target.Name,
		Email:    target.Email,
		EventKey: "adjustment:" + resp.AdjustmentID,
		Tenant:   req.Tenant,
		XP:       req.XP,
		Reason:   ReasonAdjustment,
		Fields:   map[string]any{"operator": req.User, "note": req.Reason},
	})
	if err != nil {
		return Response{}, false, fmt.Errorf("adjust: audit log: %w", err)
	}
	s.awarder.Award(ctx, target, reward.Delta{XP: req.XP, Reason: ReasonAdjustment, Label: req.Reason}, "adjustment:"+resp.AdjustmentID)

	s.cache.Put(key, resp)
	metrics.Adjustments.WithLabelValues("applied").Inc()
	return resp, false, nil
}
