package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/xpflow/internal/adjust"
	"github.com/gyaneshwarpardhi/xpflow/internal/batch"
	"github.com/gyaneshwarpardhi/xpflow/internal/config"
	"github.com/gyaneshwarpardhi/xpflow/internal/event"
	"github.com/gyaneshwarpardhi/xpflow/internal/ledger"
	"github.com/gyaneshwarpardhi/xpflow/internal/metrics"
	"github.com/gyaneshwarpardhi/xpflow/internal/pipeline"
	"github.com/gyaneshwarpardhi/xpflow/internal/signature"
	"github.com/gyaneshwarpardhi/xpflow/internal/source"
)

// ConfigStore serves the current config and reloads it from disk.
type ConfigStore interface {
	Config() *config.Config
	Reload() (*config.Config, error)
}

// Pipeline is the processing side the handlers feed.
type Pipeline interface {
	Go(ev *event.Event) bool
	Import(ctx context.Context, tenant string, parsed *batch.Parsed) pipeline.Report
	Reconcile(ctx context.Context, period string) (pipeline.ReconcileReport, error)
	Entries(period string) []ledger.Entry
	Utilization() float64
}

// Adjuster applies manual adjustments.
type Adjuster interface {
	Apply(ctx context.Context, req adjust.Request) (adjust.Response, bool, error)
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	store  ConfigStore
	pipe   Pipeline
	adjust Adjuster
	loc    *time.Location
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. loc is the
// calendar zone for sheet dates.
func New(store ConfigStore, pipe Pipeline, adj Adjuster, loc *time.Location) http.Handler {
	if loc == nil {
		loc = time.UTC
	}
	h := &Handler{store: store, pipe: pipe, adjust: adj, loc: loc, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /webhooks/crm", h.crmWebhook)
	h.mux.HandleFunc("POST /webhooks/telephony", h.telephonyWebhook)
	h.mux.HandleFunc("POST /v1/imports", h.importSheet)
	h.mux.HandleFunc("POST /v1/adjustments", h.applyAdjustment)
	h.mux.HandleFunc("GET /v1/ledger", h.listLedger)
	h.mux.HandleFunc("POST /v1/ledger/reconcile", h.reconcile)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := h.store.Config().Server.MaxBodyBytes
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

// POST /webhooks/crm: always 204, whatever the signature check says.
// Authenticated notifications are processed in the background.
func (h *Handler) crmWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	w.WriteHeader(http.StatusNoContent)
	if err != nil {
		slog.Warn("crm webhook body unreadable", "err", err)
		return
	}

	cfg := h.store.Config()
	v := signature.NewCRMVerifier(cfg.Signatures.CRM.Secrets, cfg.Server.PublicBaseURL)
	match, err := v.Verify(signature.FromHTTP(r, body))
	if err != nil {
		metrics.SignatureRejected.WithLabelValues(string(event.SourceCRM)).Inc()
		slog.Warn("crm webhook rejected", "err", err, "uri", r.URL.RequestURI())
		return
	}
	slog.Debug("crm webhook verified", "secret", match.Secret, "variant", match.Variant)

	events, err := source.NewCRM(cfg.Rewards.CRMProperties).Normalize(body)
	if err != nil {
		slog.Warn("crm webhook payload ignored", "err", err)
		return
	}
	h.handOff(events)
}

// POST /webhooks/telephony: url-validation handshake, else authenticate,
// acknowledge and process in the background.
func (h *Handler) telephonyWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	tel := h.store.Config().Signatures.Telephony
	v := signature.NewTelephonyVerifier(signature.TelephonyOptions{
		VerificationToken: tel.VerificationToken,
		WebhookSecret:     tel.WebhookSecret,
		Header:            tel.Header,
		MaxSkew:           time.Duration(tel.MaxSkewSeconds) * time.Second,
	})
	if resp, ok := v.Handshake(body); ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if _, err := v.Verify(signature.FromHTTP(r, body)); err != nil {
		metrics.SignatureRejected.WithLabelValues(string(event.SourceTelephony)).Inc()
		slog.Warn("telephony webhook rejected", "err", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	events, err := source.Telephony{}.Normalize(body)
	w.WriteHeader(http.StatusNoContent)
	if err != nil {
		slog.Warn("telephony webhook payload ignored", "err", err)
		return
	}
	h.handOff(events)
}

func (h *Handler) handOff(events []*event.Event) {
	for _, ev := range events {
		h.pipe.Go(ev)
	}
}

// POST /v1/imports?kind=sales|approvals&tenant=...: synchronous sheet import.
func (h *Handler) importSheet(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.Config()
	if err := batch.Authorize(r.Header.Get("Authorization"), cfg.Imports.Tokens); err != nil {
		slog.Warn("import rejected", "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	kind, err := batch.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unreadable body: %s", err))
		return
	}

	parser := batch.NewParser(cfg.Imports.Synonyms, cfg.Imports.ApprovedStatuses, h.loc)
	parsed, err := parser.Parse(kind, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep := h.pipe.Import(r.Context(), r.URL.Query().Get("tenant"), parsed)
	writeJSON(w, http.StatusOK, rep)
}

// POST /v1/adjustments: idempotent, rate-limited manual XP adjustment.
func (h *Handler) applyAdjustment(w http.ResponseWriter, r *http.Request) {
	if err := batch.Authorize(r.Header.Get("Authorization"), h.store.Config().Imports.Tokens); err != nil {
		slog.Warn("adjustment rejected", "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req adjust.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	resp, replayed, err := h.adjust.Apply(r.Context(), req)
	var rl *adjust.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, adjust.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		slog.Error("adjustment failed", "err", err)
		writeError(w, http.StatusInternalServerError, "adjustment failed")
	case replayed:
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusCreated, resp)
	}
}

// GET /v1/ledger?period=2006-01: ledger entries, all periods when empty.
func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period":  period,
		"entries": h.pipe.Entries(period),
	})
}

// POST /v1/ledger/reconcile?period=2006-01: re-settle a period now.
func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if err := batch.Authorize(r.Header.Get("Authorization"), h.store.Config().Imports.Tokens); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rep, err := h.pipe.Reconcile(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		slog.Error("reconcile failed", "period", rep.Period, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"report": rep,
		})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /v1/config/reload: hot-reload config from disk.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := batch.Authorize(r.Header.Get("Authorization"), h.store.Config().Imports.Tokens); err != nil {
		slog.Warn("config reload rejected", "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	cfg, err := h.store.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"version":  cfg.Version,
		"tenants":  len(cfg.Rewards.Tenants),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the background pool or dispatch queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.pipe.Utilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}
