package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/paywallet/internal/auth"
	"github.com/punchamoorthee/paywallet/internal/domain"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := "unmatched"
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

// bearer accepts "Bearer <token>" or a bare token.
func bearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// authenticate admits callers holding a valid token of one of kinds (any kind if none given).
func (h *Handler) authenticate(next http.HandlerFunc, kinds ...domain.OwnerKind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			respondWithError(w, http.StatusUnauthorized, "Missing token")
			return
		}
		id, err := h.tokens.Verify(token)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		if len(kinds) > 0 && !containsKind(kinds, id.Kind) {
			respondWithError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func containsKind(kinds []domain.OwnerKind, k domain.OwnerKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// bankOnly admits the external bank's callbacks.
func (h *Handler) bankOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if h.bankToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.bankToken)) != 1 {
			respondWithError(w, http.StatusUnauthorized, "Invalid bank token")
			return
		}
		next(w, r)
	})
}
