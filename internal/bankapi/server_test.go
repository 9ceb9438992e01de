package bankapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/punchamoorthee/paywallet/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func post(t *testing.T, h http.Handler, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSettleDeduplicates(t *testing.T) {
	h := NewServer(Options{}).Handler()

	w := post(t, h, "/api/add", "k1", models.SettlementRequest{UserID: 3, Amount: 200})
	if w.Code != http.StatusOK {
		t.Fatalf("first add: %d %s", w.Code, w.Body)
	}
	var first models.SettlementResponse
	json.Unmarshal(w.Body.Bytes(), &first)
	if first.Reference == "" || first.Duplicate || first.Operation != "add" {
		t.Errorf("first = %+v", first)
	}

	w = post(t, h, "/api/add", "k1", models.SettlementRequest{UserID: 3, Amount: 200})
	var second models.SettlementResponse
	json.Unmarshal(w.Body.Bytes(), &second)
	if w.Code != http.StatusOK || !second.Duplicate || second.Reference != first.Reference {
		t.Errorf("retry = %d %+v", w.Code, second)
	}

	if w := post(t, h, "/api/deduct", "k1", models.SettlementRequest{UserID: 3, Amount: 200}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("reused key for deduct: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/transactions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var txs []models.SettlementResponse
	json.Unmarshal(rec.Body.Bytes(), &txs)
	if len(txs) != 1 {
		t.Errorf("transactions = %+v", txs)
	}
}

func TestSettleRejects(t *testing.T) {
	h := NewServer(Options{}).Handler()

	tests := []struct {
		name string
		key  string
		body any
	}{
		{"missing key", "", models.SettlementRequest{UserID: 1, Amount: 1}},
		{"zero amount", "k", models.SettlementRequest{UserID: 1}},
		{"no user", "k", models.SettlementRequest{Amount: 5}},
		{"malformed", "k", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := post(t, h, "/api/deduct", tt.key, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestSettleCallsBackWallet(t *testing.T) {
	var mu sync.Mutex
	var got []*http.Request
	wallet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Clone(r.Context()))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer wallet.Close()

	h := NewServer(Options{WalletURL: wallet.URL + "/api/v1", CallbackToken: "cb"}).Handler()
	if w := post(t, h, "/api/deduct", "k9", models.SettlementRequest{UserID: 4, Amount: 10}); w.Code != http.StatusOK {
		t.Fatalf("deduct: %d", w.Code)
	}
	// A duplicate does not call back again.
	post(t, h, "/api/deduct", "k9", models.SettlementRequest{UserID: 4, Amount: 10})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("wallet saw %d callbacks, want 1", len(got))
	}
	r := got[0]
	if r.URL.Path != "/api/v1/deductbalance" || r.Header.Get("Idempotency-Key") != "k9" || r.Header.Get("Authorization") != "Bearer cb" {
		t.Errorf("callback = %s key=%s auth=%s", r.URL.Path, r.Header.Get("Idempotency-Key"), r.Header.Get("Authorization"))
	}
}
