package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/models"
	"github.com/punchamoorthee/paywallet/internal/service"
	"github.com/punchamoorthee/paywallet/internal/store"
)

// fakeBank fails the first `failures` calls with status, then acknowledges.
type fakeBank struct {
	mu       sync.Mutex
	failures int
	status   int
	keys     []string
	paths    []string
}

func (b *fakeBank) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.keys = append(b.keys, r.Header.Get("Idempotency-Key"))
	b.paths = append(b.paths, r.URL.Path)
	fail := len(b.keys) <= b.failures
	b.mu.Unlock()

	if fail {
		http.Error(w, "try later", b.status)
		return
	}
	var req models.SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(models.SettlementResponse{
		Reference: "ref-1", IdempotencyKey: r.Header.Get("Idempotency-Key"), UserID: req.UserID, Amount: req.Amount,
	})
}

func (b *fakeBank) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

func TestBankClientRetriesWithSameKey(t *testing.T) {
	bank := &fakeBank{failures: 2, status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(bank)
	defer srv.Close()

	c := NewBankClient(srv.URL, time.Second, 3, time.Millisecond)
	res, err := c.Add(context.Background(), "key-1", models.SettlementRequest{UserID: 7, Amount: 100})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Amount != 100 || res.UserID != 7 {
		t.Errorf("response = %+v", res)
	}
	if len(bank.keys) != 3 {
		t.Fatalf("bank saw %d calls, want 3", len(bank.keys))
	}
	for _, k := range bank.keys {
		if k != "key-1" {
			t.Errorf("attempt carried key %q", k)
		}
	}
	if bank.paths[0] != "/api/add" {
		t.Errorf("path = %s", bank.paths[0])
	}
}

func TestBankClientGivesUp(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int
	}{
		{"exhausted on 5xx", http.StatusBadGateway, 3},
		{"exhausted on 429", http.StatusTooManyRequests, 3},
		{"no retry on 4xx", http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bank := &fakeBank{failures: 100, status: tt.status}
			srv := httptest.NewServer(bank)
			defer srv.Close()

			c := NewBankClient(srv.URL, time.Second, 3, time.Millisecond)
			_, err := c.Deduct(context.Background(), "k", models.SettlementRequest{UserID: 1, Amount: 1})
			if !errors.Is(err, domain.ErrGatewayUnavailable) {
				t.Fatalf("want ErrGatewayUnavailable, got %v", err)
			}
			if got := bank.calls(); got != tt.wantCalls {
				t.Errorf("bank saw %d calls, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestBankClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewBankClient(url, 100*time.Millisecond, 2, time.Millisecond)
	if _, err := c.Add(context.Background(), "k", models.SettlementRequest{UserID: 1, Amount: 1}); !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("want ErrGatewayUnavailable, got %v", err)
	}
}

type settlementFixture struct {
	s      store.Store
	g      *Settlement
	bank   *fakeBank
	userID int64
	accID  int64
}

func newSettlementFixture(t *testing.T, failures int) *settlementFixture {
	t.Helper()
	s := store.NewMemoryStore()
	bank := &fakeBank{failures: failures, status: http.StatusInternalServerError}
	srv := httptest.NewServer(bank)
	t.Cleanup(srv.Close)

	p := &domain.Principal{Kind: domain.OwnerUser, Name: "Ann", Email: "ann@example.com", PasswordHash: "x"}
	acc, err := s.CreatePrincipal(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	g := NewSettlement(s, service.NewTransferService(s), NewBankClient(srv.URL, time.Second, 2, time.Millisecond))
	return &settlementFixture{s: s, g: g, bank: bank, userID: p.ID, accID: acc.ID}
}

func (f *settlementFixture) balance(t *testing.T) int64 {
	t.Helper()
	a, err := f.s.GetAccount(context.Background(), f.accID)
	if err != nil {
		t.Fatal(err)
	}
	return a.Balance
}

func TestSettlementAddAndDeduct(t *testing.T) {
	f := newSettlementFixture(t, 0)
	ctx := context.Background()

	res, err := f.g.RequestAdd(ctx, f.userID, 200, "")
	if err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}
	if res.Kind != domain.KindBankToUser || res.ReceiverBalance != 200 || res.IdempotencyKey == "" {
		t.Errorf("add result = %+v", res)
	}
	if f.bank.keys[0] != res.IdempotencyKey {
		t.Errorf("bank saw key %q, ledger has %q", f.bank.keys[0], res.IdempotencyKey)
	}

	res, err = f.g.RequestDeduct(ctx, f.userID, 50, "deduct-1")
	if err != nil {
		t.Fatalf("RequestDeduct: %v", err)
	}
	if res.Kind != domain.KindUserToBank || res.SenderBalance != 150 {
		t.Errorf("deduct result = %+v", res)
	}

	// A retried deduct replays without calling the bank again.
	calls := f.bank.calls()
	res, err = f.g.RequestDeduct(ctx, f.userID, 50, "deduct-1")
	if err != nil || !res.Replayed {
		t.Fatalf("replayed deduct = %+v, %v", res, err)
	}
	if f.bank.calls() != calls {
		t.Error("replay reached the bank")
	}
	if got := f.balance(t); got != 150 {
		t.Errorf("balance = %d, want 150", got)
	}
}

func TestSettlementFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown user makes no call", func(t *testing.T) {
		f := newSettlementFixture(t, 0)
		if _, err := f.g.RequestAdd(ctx, 999, 10, ""); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
		if f.bank.calls() != 0 {
			t.Error("bank was called")
		}
	})

	t.Run("overdraft fails fast", func(t *testing.T) {
		f := newSettlementFixture(t, 0)
		if _, err := f.g.RequestDeduct(ctx, f.userID, 10, ""); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("want ErrInsufficientFunds, got %v", err)
		}
		if f.bank.calls() != 0 {
			t.Error("bank was called")
		}
	})

	t.Run("bank down leaves balance untouched", func(t *testing.T) {
		f := newSettlementFixture(t, 100)
		if _, err := f.g.RequestAdd(ctx, f.userID, 10, ""); !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Fatalf("want ErrGatewayUnavailable, got %v", err)
		}
		if got := f.balance(t); got != 0 {
			t.Errorf("balance = %d, want 0", got)
		}
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		f := newSettlementFixture(t, 1)
		res, err := f.g.RequestAdd(ctx, f.userID, 10, "retry-me")
		if err != nil {
			t.Fatalf("RequestAdd: %v", err)
		}
		if res.ReceiverBalance != 10 {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestSettlementConcurrentSameKey(t *testing.T) {
	f := newSettlementFixture(t, 0)
	var ok atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.g.RequestAdd(context.Background(), f.userID, 40, "same"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 5 {
		t.Errorf("%d of 5 requests succeeded", ok.Load())
	}
	if got := f.balance(t); got != 40 {
		t.Errorf("balance = %d, want 40", got)
	}
}

func TestSettlementBookAfterCallback(t *testing.T) {
	f := newSettlementFixture(t, 0)
	ctx := context.Background()

	// The bank's callback lands before the wallet books its own request.
	booked, err := f.g.Book(ctx, OpAdd, f.userID, 75, "cb-1")
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if booked.Replayed || booked.ReceiverBalance != 75 {
		t.Errorf("booked = %+v", booked)
	}

	res, err := f.g.RequestAdd(ctx, f.userID, 75, "cb-1")
	if err != nil {
		t.Fatalf("RequestAdd: %v", err)
	}
	if !res.Replayed || res.EntryID != booked.EntryID {
		t.Errorf("request after callback = %+v", res)
	}
	if f.bank.calls() != 0 {
		t.Error("already booked key reached the bank")
	}
	if got := f.balance(t); got != 75 {
		t.Errorf("balance = %d, want 75", got)
	}

	if _, err := f.g.Book(ctx, "refund", f.userID, 1, "cb-2"); err == nil {
		t.Error("unknown operation accepted")
	}
	if _, err := f.g.Book(ctx, OpAdd, f.userID, 75, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("keyless callback: want ErrValidation, got %v", err)
	}
	if got := f.balance(t); got != 75 {
		t.Errorf("balance after rejected callbacks = %d, want 75", got)
	}
}

// hookBank acknowledges every call after running onCall, which stands in for
// whatever happens on the wallet while the bank is settling.
type hookBank struct {
	calls  atomic.Int32
	onCall func(ctx context.Context, op, key string, req models.SettlementRequest)
}

func (b *hookBank) ack(ctx context.Context, op, key string, req models.SettlementRequest) (*models.SettlementResponse, error) {
	b.calls.Add(1)
	if b.onCall != nil {
		b.onCall(ctx, op, key, req)
	}
	return &models.SettlementResponse{Reference: "ref", IdempotencyKey: key, Operation: op, UserID: req.UserID, Amount: req.Amount}, nil
}

func (b *hookBank) Add(ctx context.Context, key string, req models.SettlementRequest) (*models.SettlementResponse, error) {
	return b.ack(ctx, OpAdd, key, req)
}

func (b *hookBank) Deduct(ctx context.Context, key string, req models.SettlementRequest) (*models.SettlementResponse, error) {
	return b.ack(ctx, OpDeduct, key, req)
}

func newHookedSettlement(t *testing.T, bank *hookBank) (*Settlement, *service.TransferService, store.Store, int64) {
	t.Helper()
	s := store.NewMemoryStore()
	p := &domain.Principal{Kind: domain.OwnerUser, Name: "Ann", Email: "ann@example.com", PasswordHash: "x"}
	if _, err := s.CreatePrincipal(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	engine := service.NewTransferService(s)
	return NewSettlement(s, engine, bank), engine, s, p.ID
}

func TestSettlementFirstRequestNotReplayedAfterCallback(t *testing.T) {
	bank := &hookBank{}
	g, _, s, userID := newHookedSettlement(t, bank)
	ctx := context.Background()

	// The bank reports the settlement back before acknowledging the request.
	var callback *domain.TransferResult
	bank.onCall = func(ctx context.Context, op, key string, req models.SettlementRequest) {
		res, err := g.Book(ctx, op, req.UserID, req.Amount, key)
		if err != nil {
			t.Errorf("callback Book: %v", err)
		}
		callback = res
	}

	for _, key := range []string{"", "client-key"} {
		res, err := g.RequestAdd(ctx, userID, 30, key)
		if err != nil {
			t.Fatalf("RequestAdd(%q): %v", key, err)
		}
		if res.Replayed {
			t.Errorf("RequestAdd(%q) reported a replay on its first call", key)
		}
		if callback == nil || res.EntryID != callback.EntryID || res.IdempotencyKey != callback.IdempotencyKey {
			t.Errorf("RequestAdd(%q) = %+v, callback booked %+v", key, res, callback)
		}
	}

	// A client retry of an already booked key is a replay.
	res, err := g.RequestAdd(ctx, userID, 30, "client-key")
	if err != nil || !res.Replayed {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	if bank.calls.Load() != 2 {
		t.Errorf("bank saw %d calls, want 2", bank.calls.Load())
	}
	acc, err := s.AccountByOwner(ctx, domain.OwnerUser, userID)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 60 {
		t.Errorf("balance = %d, want 60", acc.Balance)
	}
}

// A deduct is settled at the bank before the wallet is debited. A transfer
// that drains the wallet in between makes the booking fail after the bank
// has taken the money; the wallet stays consistent and the error surfaces.
func TestSettlementDeductLosesRaceToTransfer(t *testing.T) {
	bank := &hookBank{}
	g, engine, s, userID := newHookedSettlement(t, bank)
	ctx := context.Background()

	if _, err := g.Book(ctx, OpAdd, userID, 100, "fund"); err != nil {
		t.Fatal(err)
	}
	other := &domain.Principal{Kind: domain.OwnerUser, Name: "Bo", Email: "bo@example.com", PasswordHash: "x"}
	otherAcc, err := s.CreatePrincipal(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	userAcc, err := s.AccountByOwner(ctx, domain.OwnerUser, userID)
	if err != nil {
		t.Fatal(err)
	}

	bank.onCall = func(ctx context.Context, op, key string, req models.SettlementRequest) {
		if _, err := engine.Transfer(ctx, domain.TransferRequest{
			SenderAccountID: userAcc.ID, ReceiverAccountID: otherAcc.ID, Amount: 100, IdempotencyKey: "drain",
		}); err != nil {
			t.Errorf("drain: %v", err)
		}
	}

	if _, err := g.RequestDeduct(ctx, userID, 60, "deduct"); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	if bank.calls.Load() != 1 {
		t.Errorf("bank saw %d calls, want 1", bank.calls.Load())
	}
	if _, err := s.EntryByKey(ctx, "deduct"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deduct was booked: %v", err)
	}
	after, err := s.GetAccount(ctx, userAcc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Balance != 0 {
		t.Errorf("balance = %d, want 0", after.Balance)
	}
}
