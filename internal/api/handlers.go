package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/idempotency"
	"github.com/punchamoorthee/smscredit/internal/ledger"
	"github.com/punchamoorthee/smscredit/internal/lock"
	"github.com/punchamoorthee/smscredit/internal/models"
	"github.com/punchamoorthee/smscredit/internal/retry"
	"github.com/punchamoorthee/smscredit/internal/service"
	"github.com/punchamoorthee/smscredit/internal/tracker"
)

const maxBodyBytes = 1 << 20

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smscredit_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smscredit_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type WebhookProcessor interface {
	Handle(ctx context.Context, rawBody []byte, signatureHeader string) (service.WebhookResult, error)
}

type PaymentOpener interface {
	Open(ctx context.Context, reference, userID string, amount int64, currency string) (domain.PaymentRecord, error)
}

type StatusReader interface {
	Status(ctx context.Context, reference string) (tracker.Snapshot, error)
}

type Balances interface {
	Balance(ctx context.Context, userID string) (domain.Balance, error)
	Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
	Debit(ctx context.Context, userID string, amount int64, idempotencyKey string) (service.Mutation, error)
	Adjust(ctx context.Context, userID string, kind domain.EntryKind, delta int64, reference string) (service.Mutation, error)
	Refund(ctx context.Context, reference string) (service.Mutation, error)
}

type DeadLetters interface {
	List(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	Replay(ctx context.Context, id uuid.UUID) (domain.DeadLetter, error)
}

type ReconciliationLister interface {
	ListReconciliation(ctx context.Context, limit int) ([]domain.ReconciliationItem, error)
}

type Deps struct {
	Webhooks       WebhookProcessor
	Payments       PaymentOpener
	Status         StatusReader
	Balances       Balances
	DeadLetters    DeadLetters
	Reconciliation ReconciliationLister
}

type Handler struct {
	deps            Deps
	currency        string
	signatureHeader string
	logger          *zap.Logger
}

func NewHandler(deps Deps, currency, signatureHeader string, logger *zap.Logger) *Handler {
	if currency == "" {
		currency = "USD"
	}
	if signatureHeader == "" {
		signatureHeader = "X-Signature"
	}
	return &Handler{
		deps:            deps,
		currency:        strings.ToUpper(currency),
		signatureHeader: signatureHeader,
		logger:          logger,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r *mux.Router) {
	r.Use(metricsMiddleware)

	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/webhooks/payments", h.WebhookHandler).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/payments", h.OpenPaymentHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{reference}", h.PaymentStatusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/entries", h.GetAccountEntriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/debits", h.DebitHandler).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/payments/{reference}/refund", h.RefundHandler).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/adjustments", h.AdjustmentHandler).Methods(http.MethodPost)
	admin.HandleFunc("/dead-letters", h.ListDeadLettersHandler).Methods(http.MethodGet)
	admin.HandleFunc("/dead-letters/{id}/replay", h.ReplayDeadLetterHandler).Methods(http.MethodPost)
	admin.HandleFunc("/reconciliation", h.ListReconciliationHandler).Methods(http.MethodGet)
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	res, err := h.deps.Webhooks.Handle(r.Context(), body, r.Header.Get(h.signatureHeader))
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	case errors.Is(err, service.ErrUnavailable):
		w.Header().Set("Retry-After", "30")
		respondWithError(w, http.StatusServiceUnavailable, "Temporarily unable to accept notification")
		return
	case err != nil:
		h.internalError(w, r, err)
		return
	}

	if res.Outcome == service.OutcomeDeferred {
		respondWithJSON(w, http.StatusAccepted, res)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) OpenPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		respondWithError(w, http.StatusUnauthorized, "Missing X-User-ID header")
		return
	}

	var req models.OpenPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Currency == "" {
		req.Currency = h.currency
	}
	if !strings.EqualFold(req.Currency, h.currency) {
		respondWithError(w, http.StatusUnprocessableEntity, "Unsupported currency")
		return
	}
	amount, ok := h.minorUnits(w, req.Amount, false)
	if !ok {
		return
	}

	rec, err := h.deps.Payments.Open(r.Context(), strings.TrimSpace(req.Reference), userID, amount, req.Currency)
	switch {
	case errors.Is(err, idempotency.ErrInvalidClaim):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, idempotency.ErrReferenceConflict):
		respondWithError(w, http.StatusConflict, "Reference already used for a different payment")
		return
	case err != nil:
		h.internalError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/payments/"+rec.Reference)
	respondWithJSON(w, http.StatusCreated, rec)
}

func (h *Handler) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Status.Status(r.Context(), mux.Vars(r)["reference"])
	if errors.Is(err, domain.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "Payment not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, snap)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.Balances.Balance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewAccount(b, h.currency))
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Balances.Entries(r.Context(), mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewLedgerEntries(entries))
}

func (h *Handler) DebitHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	var req models.DebitRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := h.minorUnits(w, req.Amount, false)
	if !ok {
		return
	}

	m, err := h.deps.Balances.Debit(r.Context(), userID, amount, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.mutationError(w, r, err)
		return
	}
	h.respondMutation(w, userID, m)
}

func (h *Handler) AdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	var req models.AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	delta, ok := h.minorUnits(w, req.Amount, true)
	if !ok {
		return
	}

	m, err := h.deps.Balances.Adjust(r.Context(), userID, req.Kind, delta, req.Reference)
	if err != nil {
		h.mutationError(w, r, err)
		return
	}
	h.respondMutation(w, userID, m)
}

func (h *Handler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	m, err := h.deps.Balances.Refund(r.Context(), mux.Vars(r)["reference"])
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Payment not found")
		return
	case errors.Is(err, service.ErrNotRefundable):
		respondWithError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.mutationError(w, r, err)
		return
	}
	h.respondMutation(w, m.Entry.UserID, m)
}

func (h *Handler) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	letters, err := h.deps.DeadLetters.List(r.Context(), queryLimit(r))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if letters == nil {
		letters = []domain.DeadLetter{}
	}
	respondWithJSON(w, http.StatusOK, letters)
}

func (h *Handler) ReplayDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid dead letter id")
		return
	}

	dl, err := h.deps.DeadLetters.Replay(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Dead letter not found")
		return
	case errors.Is(err, service.ErrAlreadyReplayed), errors.Is(err, retry.ErrAlreadyScheduled):
		respondWithError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.internalError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, dl)
}

func (h *Handler) ListReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Reconciliation.ListReconciliation(r.Context(), queryLimit(r))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.ReconciliationItem{}
	}
	respondWithJSON(w, http.StatusOK, items)
}

func (h *Handler) respondMutation(w http.ResponseWriter, userID string, m service.Mutation) {
	resp := models.MutationResponse{
		Entry:    models.NewLedgerEntry(m.Entry),
		Balance:  models.NewAccount(domain.Balance{UserID: userID, Amount: m.Entry.BalanceAfter, UpdatedAt: m.Entry.CreatedAt}, h.currency),
		Replayed: m.Replayed,
	}
	if m.Replayed {
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) mutationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		respondWithError(w, http.StatusUnprocessableEntity, "Insufficient funds")
	case errors.Is(err, service.ErrIdempotencyMismatch):
		respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidEntry):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lock.ErrBusy), errors.Is(err, lock.ErrUnavailable), errors.Is(err, ledger.ErrStaleFence):
		w.Header().Set("Retry-After", "1")
		respondWithError(w, http.StatusServiceUnavailable, "Balance is busy, retry shortly")
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

// minorUnits converts a major-unit amount in the ledger currency.
func (h *Handler) minorUnits(w http.ResponseWriter, amount decimal.Decimal, allowNegative bool) (int64, bool) {
	v, err := domain.ToMinorUnits(amount, h.currency)
	if err == nil && (v > 0 || (allowNegative && v != 0)) {
		return v, true
	}
	respondWithError(w, http.StatusUnprocessableEntity, "Invalid amount")
	return 0, false
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 100
	}
	return n
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records count and latency per route template, so path
// parameters do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
