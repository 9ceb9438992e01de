package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/gateway"
)

// NewRouter wires every route. /health and /metrics sit at the root, the rest under /api/v1.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	user := func(f http.HandlerFunc) http.Handler { return h.authenticate(f, domain.OwnerUser) }
	anyone := func(f http.HandlerFunc) http.Handler { return h.authenticate(f) }

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Onboarding
	v1.HandleFunc("/signupuser", h.signup(domain.OwnerUser)).Methods("POST")
	v1.HandleFunc("/signupmerchant", h.signup(domain.OwnerMerchant)).Methods("POST")
	v1.HandleFunc("/loginuser", h.login(domain.OwnerUser)).Methods("POST")
	v1.HandleFunc("/loginmerchant", h.login(domain.OwnerMerchant)).Methods("POST")

	// Money movement
	v1.Handle("/transferfund", user(h.TransferFundHandler)).Methods("POST")
	v1.Handle("/fundsmerchant", user(h.FundsMerchantHandler)).Methods("POST")
	v1.Handle("/addamount", user(h.settle(gateway.OpAdd))).Methods("POST")
	v1.Handle("/deductamount", user(h.settle(gateway.OpDeduct))).Methods("POST")
	v1.Handle("/addbalance", h.bankOnly(h.book(gateway.OpAdd))).Methods("POST")
	v1.Handle("/deductbalance", h.bankOnly(h.book(gateway.OpDeduct))).Methods("POST")

	// Queries
	v1.Handle("/balance", anyone(h.BalanceHandler)).Methods("GET")
	v1.Handle("/getuserinfo/{id}", anyone(h.GetUserInfoHandler)).Methods("GET")
	v1.Handle("/byname", anyone(h.ByNameHandler)).Methods("GET")
	v1.Handle("/byemail", anyone(h.ByEmailHandler)).Methods("GET")
	v1.Handle("/sentfundsinfo/{id}", anyone(h.history(domain.OwnerUser, domain.DirectionSent, domain.KindUserToUser, "userId"))).Methods("GET")
	v1.Handle("/receivedfundinfo", anyone(h.history(domain.OwnerUser, domain.DirectionReceived, domain.KindUserToUser, "userId"))).Methods("GET")
	v1.Handle("/sentfundsinfobank", anyone(h.history(domain.OwnerUser, domain.DirectionSent, domain.KindUserToBank, "userId"))).Methods("GET")
	v1.Handle("/receivedfundsinfobank", anyone(h.history(domain.OwnerUser, domain.DirectionReceived, domain.KindBankToUser, "userId"))).Methods("GET")
	v1.Handle("/sentfundsmerchantinfo", anyone(h.history(domain.OwnerUser, domain.DirectionSent, domain.KindUserToMerchant, "userId"))).Methods("GET")
	v1.Handle("/receivedfundsmerchantinfo", anyone(h.history(domain.OwnerMerchant, domain.DirectionReceived, domain.KindUserToMerchant, "merchantId"))).Methods("GET")

	return r
}
