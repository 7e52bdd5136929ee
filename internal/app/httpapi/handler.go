package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/token_economy/internal/app"
	"github.com/R3E-Network/token_economy/internal/app/governance"
	"github.com/R3E-Network/token_economy/internal/app/kappa"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/internal/app/metrics"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// errBadRequest marks malformed requests that never reach the ledger.
var errBadRequest = errors.New("bad request")

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
	log   *logger.Logger
}

// Options configures the HTTP surface.
type Options struct {
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	Burst     int
	// AuditLimit bounds the in-memory request audit; AuditPath additionally
	// appends entries to a JSONL file.
	AuditLimit int
	AuditPath  string
	Log        *logger.Logger
}

// NewHandler returns a router exposing the REST API under /v1 together with
// /healthz and /metrics.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := newFileAuditSink(opts.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	h := &handler{app: application, audit: newAuditLog(opts.AuditLimit, sink), log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(h.observe)

	v1.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet).Name("accounts.list")
	v1.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet).Name("accounts.get")
	v1.HandleFunc("/accounts/{id}/deposit", h.operator(governance.ActionDeposit, h.deposit)).Methods(http.MethodPost).Name("accounts.deposit")
	v1.HandleFunc("/accounts/{id}/convert", h.convert).Methods(http.MethodPost).Name("accounts.convert")
	v1.HandleFunc("/accounts/{id}/spend", h.spend).Methods(http.MethodPost).Name("accounts.spend")
	v1.HandleFunc("/accounts/{id}/activity", h.listActivity).Methods(http.MethodGet).Name("activity.list")
	v1.HandleFunc("/accounts/{id}/activity/stats", h.activityStats).Methods(http.MethodGet).Name("activity.stats")
	v1.HandleFunc("/accounts/{id}/rewards", h.accountRewards).Methods(http.MethodGet).Name("distribution.rewards")
	v1.HandleFunc("/accounts/{id}/subscription", h.operator(governance.ActionSubscription, h.setSubscription)).Methods(http.MethodPut).Name("subscriptions.set")
	v1.HandleFunc("/accounts/{id}/stakes", h.listStakes).Methods(http.MethodGet).Name("staking.list")
	v1.HandleFunc("/accounts/{id}/stakes/{target}", h.stake).Methods(http.MethodPost).Name("staking.stake")
	v1.HandleFunc("/accounts/{id}/stakes/{target}", h.unstake).Methods(http.MethodDelete).Name("staking.unstake")
	v1.HandleFunc("/accounts/{id}/grants", h.listGrants).Methods(http.MethodGet).Name("grants.list")
	v1.HandleFunc("/accounts/{id}/grants/claim", h.claimAll).Methods(http.MethodPost).Name("grants.claim_all")

	v1.HandleFunc("/exchange/rate", h.getRate).Methods(http.MethodGet).Name("exchange.rate")
	v1.HandleFunc("/exchange/rate", h.updateRate).Methods(http.MethodPost).Name("exchange.update_rate")
	v1.HandleFunc("/exchange/quote", h.quote).Methods(http.MethodGet).Name("exchange.quote")

	v1.HandleFunc("/targets", h.listTargets).Methods(http.MethodGet).Name("targets.list")
	v1.HandleFunc("/targets", h.operator(governance.ActionTarget, h.registerTarget)).Methods(http.MethodPost).Name("targets.register")
	v1.HandleFunc("/targets/{id}", h.getTarget).Methods(http.MethodGet).Name("targets.get")
	v1.HandleFunc("/kappa", h.kappa).Methods(http.MethodGet).Name("kappa")

	v1.HandleFunc("/emission/policy", h.policy).Methods(http.MethodGet).Name("emission.policy")
	v1.HandleFunc("/emission/history", h.policyHistory).Methods(http.MethodGet).Name("emission.history")
	v1.HandleFunc("/emission/schedule", h.schedule).Methods(http.MethodGet).Name("emission.schedule")
	v1.HandleFunc("/emission/audit", h.emissionAudit).Methods(http.MethodGet).Name("emission.audit")
	v1.HandleFunc("/emission/proposals", h.listProposals).Methods(http.MethodGet).Name("emission.proposals")
	v1.HandleFunc("/emission/proposals", h.propose).Methods(http.MethodPost).Name("emission.propose")
	v1.HandleFunc("/emission/proposals/{id}/apply", h.applyProposal).Methods(http.MethodPost).Name("emission.apply")
	v1.HandleFunc("/emission/proposals/{id}/reject", h.rejectProposal).Methods(http.MethodPost).Name("emission.reject")

	v1.HandleFunc("/distribution/rounds", h.listRounds).Methods(http.MethodGet).Name("distribution.rounds")
	v1.HandleFunc("/distribution/rounds/{id}", h.runRound).Methods(http.MethodPost).Name("distribution.run")
	v1.HandleFunc("/distribution/rounds/{id}", h.getRound).Methods(http.MethodGet).Name("distribution.get")
	v1.HandleFunc("/distribution/emitted/{epoch}", h.epochEmitted).Methods(http.MethodGet).Name("distribution.emitted")

	v1.HandleFunc("/grants", h.operator(governance.ActionGrant, h.createGrant)).Methods(http.MethodPost).Name("grants.create")
	v1.HandleFunc("/grants/{id}", h.getGrant).Methods(http.MethodGet).Name("grants.get")
	v1.HandleFunc("/grants/{id}/claim", h.claimGrant).Methods(http.MethodPost).Name("grants.claim")
	v1.HandleFunc("/grants/{id}/cancel", h.operator(governance.ActionGrant, h.cancelGrant)).Methods(http.MethodPost).Name("grants.cancel")

	v1.HandleFunc("/usage", h.operator(governance.ActionUsage, h.recordUsage)).Methods(http.MethodPost).Name("usage.record")
	v1.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet).Name("audit")

	var out http.Handler = r
	if opts.RateLimit > 0 {
		out = newRateLimiter(opts.RateLimit, opts.Burst, log).Handler(out)
	}
	return metrics.InstrumentHandler(out), nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"epoch":  h.app.Ledger.Clock().Current(),
	})
}

// observe records the outcome of every ledger route and audits mutations.
func (h *handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		op := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			op = route.GetName()
		}
		code := rec.code
		if rec.status < http.StatusBadRequest {
			code = "OK"
		}
		metrics.RecordOperation(op, code)

		if r.Method != http.MethodGet {
			h.audit.add(newAuditEntry(r, op, rec.status, code))
		}
	})
}

// operator admits the request only with an operator approval for action.
func (h *handler) operator(action governance.Action, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approved, err := h.app.Authorizer.Authorize(approval(r), governance.RoleOperator, action, "")
		if err != nil {
			h.log.WithField("action", action).WithError(err).Debug("operator approval rejected")
			writeError(w, err)
			return
		}
		h.log.WithField("action", action).WithField("subject", approved.Subject).Debug("operator approval accepted")
		next(w, r)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
	code   string
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	filter := auditFilter{
		Operation:    q.Get("operation"),
		Subject:      q.Get("subject"),
		GovernedOnly: q.Get("governed") == "true",
		FailedOnly:   q.Get("failed") == "true",
	}
	w.Header().Set("X-Audit-Sink-Failures", strconv.Itoa(h.audit.sinkFailures()))
	writeJSON(w, http.StatusOK, h.audit.query(filter, limit))
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %v: %w", err, errBadRequest)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err onto a status and writes {"error": code, "message": ...}.
func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	if sw, ok := w.(*statusWriter); ok {
		sw.code = code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(code))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": err.Error()})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return "BadRequest"
	case errors.Is(err, kappa.ErrInvalidRatio):
		return "InvalidAmount"
	default:
		return ledger.Code(err)
	}
}

func statusFor(code string) int {
	switch code {
	case "BadRequest", "InvalidAmount", "InvalidEpoch", "Overflow":
		return http.StatusBadRequest
	case "Unauthorized":
		return http.StatusUnauthorized
	case "InsufficientFunds", "InsufficientStake":
		return http.StatusPaymentRequired
	case "UnknownTarget", "UnknownPosition", "UnknownAccount", "UnknownGrant", "UnknownProposal", "UnknownRun":
		return http.StatusNotFound
	case "AlreadyRunning", "AlreadyApplied", "NothingVested", "CapExhausted":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, errBadRequest)
	}
	return v, nil
}

func queryUint(r *http.Request, key string) (uint64, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be a non-negative integer: %w", key, errBadRequest)
	}
	return v, true, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", key, errBadRequest)
	}
	return t, nil
}

func approval(r *http.Request) string {
	return r.Header.Get("Authorization")
}
