package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/netpass/coinwallet/internal/auth"
	"github.com/netpass/coinwallet/internal/cache"
	"github.com/netpass/coinwallet/internal/checkout"
	"github.com/netpass/coinwallet/internal/deposit"
	"github.com/netpass/coinwallet/internal/ledger"
	"github.com/netpass/coinwallet/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// AccountCreator is the one store call the API needs outside the services.
type AccountCreator interface {
	CreateAccount(ctx context.Context) (int64, error)
}

type Handler struct {
	accounts   AccountCreator
	ledger     *ledger.Service
	deposits   *deposit.Manager
	checkout   *checkout.Orchestrator
	reconciler *reconcile.Reconciler
	balances   cache.Balances
}

func NewHandler(accounts AccountCreator, l *ledger.Service, d *deposit.Manager, c *checkout.Orchestrator, r *reconcile.Reconciler, b cache.Balances) *Handler {
	if b == nil {
		b = cache.Noop{}
	}
	return &Handler{accounts: accounts, ledger: l, deposits: d, checkout: c, reconciler: r, balances: b}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := h.accounts.CreateAccount(r.Context())
	if err != nil {
		h.respond(w, "POST", "/accounts", http.StatusInternalServerError, map[string]string{"error": "System error creating account"})
		return
	}
	h.respond(w, "POST", "/accounts", http.StatusCreated, map[string]int64{"account_id": id})
}

// pathAccountID parses the account id and enforces that a non-admin token
// only touches its own account.
func (h *Handler) pathAccountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid account id")
		return 0, false
	}
	if claims, ok := auth.FromContext(r.Context()); ok {
		if claims.Role != auth.RoleAdmin && claims.AccountID != id {
			respondWithError(w, http.StatusForbidden, "Account mismatch")
			return 0, false
		}
	}
	return id, true
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathAccountID(w, r)
	if !ok {
		return
	}

	if balance, hit := h.balances.Get(r.Context(), id); hit {
		h.respond(w, "GET", "/accounts/{id}/balance", http.StatusOK, map[string]int64{"account_id": id, "balance": balance})
		return
	}

	balance, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "GET", "/accounts/{id}/balance", err)
		return
	}
	h.balances.Set(r.Context(), id, balance)
	h.respond(w, "GET", "/accounts/{id}/balance", http.StatusOK, map[string]int64{"account_id": id, "balance": balance})
}

func (h *Handler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathAccountID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	txs, err := h.ledger.History(r.Context(), id, limit, offset)
	if err != nil {
		h.respondServiceError(w, "GET", "/accounts/{id}/transactions", err)
		return
	}
	h.respond(w, "GET", "/accounts/{id}/transactions", http.StatusOK, map[string]interface{}{
		"account_id":   id,
		"transactions": txs,
	})
}

func (h *Handler) ListMethodsHandler(w http.ResponseWriter, r *http.Request) {
	methods, err := h.deposits.Methods(r.Context())
	if err != nil {
		h.respondServiceError(w, "GET", "/deposit-methods", err)
		return
	}
	h.respond(w, "GET", "/deposit-methods", http.StatusOK, methods)
}

type createDepositRequest struct {
	AccountID int64  `json:"account_id"`
	Amount    int64  `json:"amount"`
	MethodID  string `json:"method_id"`
}

func (h *Handler) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/deposits"))
	defer timer.ObserveDuration()

	var req createDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, "POST", "/deposits", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}
	if claims, ok := auth.FromContext(r.Context()); ok && claims.Role != auth.RoleAdmin && claims.AccountID != req.AccountID {
		h.respond(w, "POST", "/deposits", http.StatusForbidden, map[string]string{"error": "Account mismatch"})
		return
	}

	intent, err := h.deposits.CreateDepositOrder(r.Context(), req.AccountID, req.Amount, req.MethodID)
	if err != nil {
		h.respondServiceError(w, "POST", "/deposits", err)
		return
	}
	h.respond(w, "POST", "/deposits", http.StatusCreated, intent)
}

func (h *Handler) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	intent, err := h.deposits.GetIntent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, "GET", "/deposits/{id}", err)
		return
	}
	h.respond(w, "GET", "/deposits/{id}", http.StatusOK, intent)
}

func (h *Handler) ConfirmDepositHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/deposits/{id}/confirm"))
	defer timer.ObserveDuration()

	ok, err := h.deposits.ConfirmUserPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, "POST", "/deposits/{id}/confirm", err)
		return
	}
	h.respond(w, "POST", "/deposits/{id}/confirm", http.StatusOK, map[string]bool{"confirmed": ok})
}

func (h *Handler) SyncDepositsHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.SyncOnce(r.Context())
	if err != nil {
		h.respond(w, "POST", "/deposits/sync", http.StatusInternalServerError, map[string]string{"error": "Reconciliation failed"})
		return
	}
	h.respond(w, "POST", "/deposits/sync", http.StatusOK, report)
}

func (h *Handler) ApproveDepositHandler(w http.ResponseWriter, r *http.Request) {
	intent, err := h.deposits.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, "POST", "/admin/deposits/{id}/approve", err)
		return
	}
	h.respond(w, "POST", "/admin/deposits/{id}/approve", http.StatusOK, intent)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectDepositHandler(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, "POST", "/admin/deposits/{id}/reject", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}
	intent, err := h.deposits.Reject(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.respondServiceError(w, "POST", "/admin/deposits/{id}/reject", err)
		return
	}
	h.respond(w, "POST", "/admin/deposits/{id}/reject", http.StatusOK, intent)
}

type createOrderRequest struct {
	AccountID   int64  `json:"account_id"`
	TotalDue    int64  `json:"total_due"`
	Description string `json:"description"`
}

func (h *Handler) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, "POST", "/orders", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}
	if claims, ok := auth.FromContext(r.Context()); ok && claims.Role != auth.RoleAdmin && claims.AccountID != req.AccountID {
		h.respond(w, "POST", "/orders", http.StatusForbidden, map[string]string{"error": "Account mismatch"})
		return
	}

	order, err := h.checkout.CreateOrder(r.Context(), req.AccountID, req.TotalDue, req.Description)
	if err != nil {
		h.respondServiceError(w, "POST", "/orders", err)
		return
	}
	h.respond(w, "POST", "/orders", http.StatusCreated, order)
}

func (h *Handler) PayOrderHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/orders/{id}/pay"))
	defer timer.ObserveDuration()

	order, err := h.checkout.Pay(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, checkout.ErrFulfillmentFailed) {
			// Money is already back on the wallet; tell the client why the
			// order still did not go through.
			h.respond(w, "POST", "/orders/{id}/pay", http.StatusBadGateway, map[string]interface{}{
				"error": "Fulfillment failed, payment refunded",
				"order": order,
			})
			return
		}
		h.respondServiceError(w, "POST", "/orders/{id}/pay", err)
		return
	}
	h.respond(w, "POST", "/orders/{id}/pay", http.StatusOK, order)
}

func (h *Handler) RenewCredentialHandler(w http.ResponseWriter, r *http.Request) {
	cred, err := h.checkout.Renew(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, "POST", "/credentials/{id}/renew", err)
		return
	}
	h.respond(w, "POST", "/credentials/{id}/renew", http.StatusOK, cred)
}

// respondServiceError maps typed service outcomes onto HTTP statuses. The
// distinction the UI cares about most: "not enough balance" is actionable
// (top up), anything unexpected is "retry with the same idempotency key".
func (h *Handler) respondServiceError(w http.ResponseWriter, method, endpoint string, err error) {
	var code int
	var msg string

	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		code, msg = http.StatusPaymentRequired, "Insufficient balance"
	case errors.Is(err, ledger.ErrAccountNotFound):
		code, msg = http.StatusNotFound, "Account not found"
	case errors.Is(err, deposit.ErrIntentNotFound):
		code, msg = http.StatusNotFound, "Deposit intent not found"
	case errors.Is(err, deposit.ErrMethodNotFound):
		code, msg = http.StatusNotFound, "Deposit method not found"
	case errors.Is(err, checkout.ErrOrderNotFound):
		code, msg = http.StatusNotFound, "Order not found"
	case errors.Is(err, checkout.ErrCredentialNotFound):
		code, msg = http.StatusNotFound, "Credential not found"
	case errors.Is(err, deposit.ErrDepositExpired):
		code, msg = http.StatusGone, "Deposit intent expired"
	case errors.Is(err, deposit.ErrAmountOutOfRange):
		code, msg = http.StatusUnprocessableEntity, "Amount outside method limits"
	case errors.Is(err, deposit.ErrMethodDisabled):
		code, msg = http.StatusUnprocessableEntity, "Deposit method disabled"
	case errors.Is(err, ledger.ErrAmountNotPositive):
		code, msg = http.StatusUnprocessableEntity, "Positive amount required"
	case errors.Is(err, deposit.ErrIntentNotReviewable):
		code, msg = http.StatusConflict, "Deposit intent not reviewable"
	case errors.Is(err, checkout.ErrOrderNotPayable):
		code, msg = http.StatusConflict, "Order is in a terminal state"
	case errors.Is(err, ledger.ErrIdempotencyMismatch):
		code, msg = http.StatusConflict, "Idempotency key conflict"
	case errors.Is(err, checkout.ErrCompensationFailed):
		code, msg = http.StatusInternalServerError, "Refund pending, support has been alerted"
	default:
		code, msg = http.StatusInternalServerError, "Internal Server Error"
	}
	h.respond(w, method, endpoint, code, map[string]string{"error": msg})
}

func (h *Handler) respond(w http.ResponseWriter, method, endpoint string, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
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
