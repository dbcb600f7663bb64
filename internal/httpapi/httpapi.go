// Package httpapi implements the gateway's public HTTP surface over
// net/http and http.ServeMux rather than a third-party router. It wires
// the acceptor, ledger, auth, and rate limiter into the REST surface
// clients use to send messages and manage billing.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/relaysms/gateway/internal/acceptor"
	"github.com/relaysms/gateway/internal/apperr"
	"github.com/relaysms/gateway/internal/auth"
	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/ledger"
	"github.com/relaysms/gateway/internal/model"
	"github.com/relaysms/gateway/internal/ratelimit"
)

// Handler serves the gateway's REST endpoints.
type Handler struct {
	acceptor  *acceptor.Acceptor
	ledger    *ledger.Ledger
	durable   *durablestore.Store
	auth      *auth.Authenticator
	ratelimit *ratelimit.Limiter
	log       zerolog.Logger
}

// New constructs a Handler.
func New(a *acceptor.Acceptor, l *ledger.Ledger, durable *durablestore.Store, au *auth.Authenticator, rl *ratelimit.Limiter, log zerolog.Logger) *Handler {
	return &Handler{
		acceptor:  a,
		ledger:    l,
		durable:   durable,
		auth:      au,
		ratelimit: rl,
		log:       log.With().Str("component", "httpapi").Logger(),
	}
}

// RegisterRoutes registers every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sms/send", h.withAuth(h.handleSend))
	mux.HandleFunc("/api/sms/messages", h.withAuth(h.handleListMessages))
	mux.HandleFunc("/api/sms/messages/", h.withAuth(h.handleMessageByID))
	mux.HandleFunc("/api/sms/statistics", h.withAuth(h.handleStatistics))

	mux.HandleFunc("/api/credits/balance", h.withAuth(h.handleBalance))
	mux.HandleFunc("/api/credits/charge", h.withAuth(h.handleCharge))
	mux.HandleFunc("/api/credits/transactions", h.withAuth(h.handleTransactions))

	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// withAuth resolves the caller's tenant from X-Api-Key, rate-limits by
// tenant, and passes the tenant id to next as an argument.
func (h *Handler) withAuth(next func(w http.ResponseWriter, r *http.Request, tenantID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get("X-Api-Key")
		id, err := h.auth.Authenticate(r.Context(), rawKey)
		if err != nil {
			h.writeErr(w, err)
			return
		}

		limit := id.RateLimitPerMin
		if limit <= 0 {
			limit = ratelimit.DefaultUnauthenticatedLimit
		}
		allowed, err := h.ratelimit.Allow(r.Context(), id.TenantID, limit)
		if err != nil {
			h.log.Error().Err(err).Msg("rate limit check failed")
		} else if !allowed {
			h.writeErr(w, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
			return
		}

		next(w, r, id.TenantID)
	}
}

type sendRequest struct {
	RequestID   string     `json:"request_id"`
	Recipient   string     `json:"recipient"`
	Body        string     `json:"body"`
	Priority    string     `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "method not allowed"))
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperr.Wrap(apperr.KindInvalidInput, "invalid JSON", err))
		return
	}
	priority := model.PriorityNormal
	if req.Priority != "" {
		priority = model.Priority(req.Priority)
	}

	id, err := h.acceptor.Accept(r.Context(), acceptor.Request{
		TenantID:    tenantID,
		RequestID:   req.RequestID,
		Recipient:   req.Recipient,
		Body:        req.Body,
		Priority:    priority,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(model.StatusPending)})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "method not allowed"))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	status := model.Status(r.URL.Query().Get("status"))

	msgs, err := h.durable.ListSubmissions(r.Context(), tenantID, status, limit, offset)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.KindInternal, "list messages", err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *Handler) handleMessageByID(w http.ResponseWriter, r *http.Request, tenantID string) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sms/messages/")
	id, action, hasAction := strings.Cut(path, "/")
	if id == "" {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "message id is required"))
		return
	}

	if hasAction && action == "cancel" {
		h.handleCancel(w, r, tenantID, id)
		return
	}
	if hasAction {
		h.writeErr(w, apperr.New(apperr.KindNotFound, "unknown action"))
		return
	}

	if r.Method != http.MethodGet {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "method not allowed"))
		return
	}
	sub, err := h.durable.GetSubmission(r.Context(), id)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.KindInternal, "get message", err))
		return
	}
	if sub == nil || sub.TenantID != tenantID {
		h.writeErr(w, apperr.New(apperr.KindNotFound, "message not found"))
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// handleCancel is exercised through handleMessageByID's routing; the
// actual cancellation transaction lives alongside the rest of the
// cancellation path so the row lock and refund stay in one place.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	if r.Method != http.MethodPost {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "method not allowed"))
		return
	}
	sub, err := Cancel(r.Context(), h.durable, h.ledger, tenantID, id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "method not allowed"))
		return
	}
	stats, err := h.durable.GetStatistics(r.Context(), tenantID)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.KindInternal, "get statistics", err))
		return
	}
	successRate := 0.0
	if stats.Total > 0 {
		successRate = float64(stats.Sent) / float64(stats.Total)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":        stats.Total,
		"sent":         stats.Sent,
		"failed":       stats.Failed,
		"pending":      stats.Pending,
		"success_rate": successRate,
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "method not allowed"))
		return
	}
	bal, err := h.ledger.GetBalance(r.Context(), tenantID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"available": bal.Available.String(),
		"balance":   bal.Balance.String(),
		"pending":   bal.Pending.String(),
	})
}

type chargeRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
	ReferenceID string `json:"reference_id"`
}

func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "method not allowed"))
		return
	}
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperr.Wrap(apperr.KindInvalidInput, "invalid JSON", err))
		return
	}
	amount, err := model.ParseMoney(req.Amount)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.KindInvalidInput, "invalid amount", err))
		return
	}
	txn, err := h.ledger.Charge(r.Context(), tenantID, amount, req.Description, req.ReferenceID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		h.writeErr(w, apperr.New(apperr.KindInvalidInput, "method not allowed"))
		return
	}
	limit := queryInt(r, "limit", 50)
	txns, err := h.ledger.GetTransactions(r.Context(), tenantID, limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    apperr.KindOf(err),
			"message": err.Error(),
		},
	})
}

// CORS is a permissive, development-mode CORS middleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs method, path, status, and duration for every
// request.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
