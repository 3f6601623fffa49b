package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/netpass/coinwallet/internal/auth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires all routes. Admin review endpoints sit behind the role
// gate; everything under /api/v1 goes through token verification.
func NewRouter(h *Handler, jwtSecret []byte) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(auth.Middleware(jwtSecret))

	apiV1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/balance", h.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/transactions", h.GetHistoryHandler).Methods("GET")

	apiV1.HandleFunc("/deposit-methods", h.ListMethodsHandler).Methods("GET")
	apiV1.HandleFunc("/deposits", h.CreateDepositHandler).Methods("POST")
	apiV1.HandleFunc("/deposits/sync", h.SyncDepositsHandler).Methods("POST")
	apiV1.HandleFunc("/deposits/{id}", h.GetDepositHandler).Methods("GET")
	apiV1.HandleFunc("/deposits/{id}/confirm", h.ConfirmDepositHandler).Methods("POST")

	apiV1.HandleFunc("/orders", h.CreateOrderHandler).Methods("POST")
	apiV1.HandleFunc("/orders/{id}/pay", h.PayOrderHandler).Methods("POST")
	apiV1.HandleFunc("/credentials/{id}/renew", h.RenewCredentialHandler).Methods("POST")

	apiV1.HandleFunc("/admin/deposits/{id}/approve", auth.RequireAdmin(h.ApproveDepositHandler)).Methods("POST")
	apiV1.HandleFunc("/admin/deposits/{id}/reject", auth.RequireAdmin(h.RejectDepositHandler)).Methods("POST")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "Not Found")
	})
	return r
}
