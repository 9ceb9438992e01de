package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/punchamoorthee/paywallet/internal/domain"
)

// backends lists every Store implementation that runs without external services.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "wallet.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(s.Close)
			return s
		},
	}
}

func signup(t *testing.T, s Store, kind domain.OwnerKind, name, email string) *domain.Account {
	t.Helper()
	acc, err := s.CreatePrincipal(context.Background(), &domain.Principal{
		Kind: kind, Name: name, Email: email, PasswordHash: "x",
	})
	if err != nil {
		t.Fatalf("CreatePrincipal(%s): %v", email, err)
	}
	return acc
}

// move performs the locked section of a transfer directly against the store.
func move(s Store, from, to *domain.Account, amount int64, key string, kind domain.EntryKind) error {
	ctx := context.Background()
	return s.WithinTx(ctx, func(tx Tx) error {
		lo, hi := from.ID, to.ID
		if lo > hi {
			lo, hi = hi, lo
		}
		if _, err := tx.LockAccount(ctx, lo); err != nil {
			return err
		}
		if _, err := tx.LockAccount(ctx, hi); err != nil {
			return err
		}
		sb, err := tx.Debit(ctx, from.ID, amount)
		if err != nil {
			return err
		}
		rb, err := tx.Credit(ctx, to.ID, amount)
		if err != nil {
			return err
		}
		return tx.Append(ctx, &domain.LedgerEntry{
			SenderAccountID: from.ID, ReceiverAccountID: to.ID, Amount: amount,
			Kind: kind, IdempotencyKey: key, SenderBalance: sb, ReceiverBalance: rb,
		})
	})
}

func balance(t *testing.T, s Store, id int64) int64 {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%d): %v", id, err)
	}
	return a.Balance
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("principals", func(t *testing.T) { testPrincipals(t, open(t)) })
			t.Run("transfer commit", func(t *testing.T) { testCommit(t, open(t)) })
			t.Run("rollback", func(t *testing.T) { testRollback(t, open(t)) })
			t.Run("duplicate key", func(t *testing.T) { testDuplicateKey(t, open(t)) })
			t.Run("listing", func(t *testing.T) { testListing(t, open(t)) })
			t.Run("disable", func(t *testing.T) { testDisable(t, open(t)) })
		})
	}
}

func testPrincipals(t *testing.T, s Store) {
	ctx := context.Background()

	bank, err := s.BankAccount(ctx)
	if err != nil {
		t.Fatalf("BankAccount: %v", err)
	}
	if bank.OwnerKind != domain.OwnerBank || bank.Balance != 0 {
		t.Fatalf("bank account = %+v", bank)
	}

	acc := signup(t, s, domain.OwnerUser, "Alice Smith", "Alice@Example.com")
	if acc.Balance != 0 || acc.OwnerKind != domain.OwnerUser {
		t.Fatalf("new account = %+v", acc)
	}

	_, err = s.CreatePrincipal(ctx, &domain.Principal{Kind: domain.OwnerUser, Name: "Other", Email: "alice@example.com"})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate email: want ErrAlreadyExists, got %v", err)
	}
	// The same email may sign up as a merchant.
	signup(t, s, domain.OwnerMerchant, "Alice Shop", "alice@example.com")
	signup(t, s, domain.OwnerUser, "Bob 100%", "bob@example.com")

	p, err := s.PrincipalByEmail(ctx, domain.OwnerUser, "ALICE@example.com")
	if err != nil || p.ID != acc.OwnerID {
		t.Fatalf("PrincipalByEmail = %+v, %v", p, err)
	}
	if _, err := s.GetPrincipal(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetPrincipal(999): want ErrNotFound, got %v", err)
	}

	found, err := s.SearchPrincipals(ctx, domain.OwnerUser, "ALIC")
	if err != nil || len(found) != 1 || found[0].Name != "Alice Smith" {
		t.Fatalf("SearchPrincipals(ALIC) = %+v, %v", found, err)
	}
	found, err = s.SearchPrincipals(ctx, domain.OwnerUser, "%")
	if err != nil || len(found) != 1 || found[0].Name != "Bob 100%" {
		t.Fatalf("SearchPrincipals(%%) = %+v, %v", found, err)
	}

	byOwner, err := s.AccountByOwner(ctx, domain.OwnerUser, acc.OwnerID)
	if err != nil || byOwner.ID != acc.ID {
		t.Fatalf("AccountByOwner = %+v, %v", byOwner, err)
	}
	if _, err := s.AccountByOwner(ctx, domain.OwnerMerchant, acc.OwnerID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("AccountByOwner(wrong kind): want ErrNotFound, got %v", err)
	}
}

func testCommit(t *testing.T, s Store) {
	ctx := context.Background()
	bank, _ := s.BankAccount(ctx)
	alice := signup(t, s, domain.OwnerUser, "Alice", "a@example.com")
	bob := signup(t, s, domain.OwnerUser, "Bob", "b@example.com")

	if err := move(s, bank, alice, 1000, "fund-a", domain.KindBankToUser); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// Exact balance is allowed.
	if err := move(s, alice, bob, 1000, "a-b", domain.KindUserToUser); err != nil {
		t.Fatalf("exact transfer: %v", err)
	}

	if got := balance(t, s, alice.ID); got != 0 {
		t.Errorf("alice = %d, want 0", got)
	}
	if got := balance(t, s, bob.ID); got != 1000 {
		t.Errorf("bob = %d, want 1000", got)
	}
	if got := balance(t, s, bank.ID); got != -1000 {
		t.Errorf("bank = %d, want -1000", got)
	}

	e, err := s.EntryByKey(ctx, "a-b")
	if err != nil {
		t.Fatalf("EntryByKey: %v", err)
	}
	if e.Amount != 1000 || e.SenderBalance != 0 || e.ReceiverBalance != 1000 || e.Kind != domain.KindUserToUser {
		t.Errorf("entry = %+v", e)
	}
	if e.ID == 0 || e.CreatedAt.IsZero() {
		t.Errorf("entry id/created_at not assigned: %+v", e)
	}
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	bank, _ := s.BankAccount(ctx)
	alice := signup(t, s, domain.OwnerUser, "Alice", "a@example.com")
	bob := signup(t, s, domain.OwnerUser, "Bob", "b@example.com")
	if err := move(s, bank, alice, 100, "fund", domain.KindBankToUser); err != nil {
		t.Fatal(err)
	}

	err := move(s, alice, bob, 101, "over", domain.KindUserToUser)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.LockAccount(ctx, alice.ID); err != nil {
			return err
		}
		if _, err := tx.LockAccount(ctx, bob.ID); err != nil {
			return err
		}
		if _, err := tx.Debit(ctx, alice.ID, 50); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	if got := balance(t, s, alice.ID); got != 100 {
		t.Errorf("alice = %d, want 100 after rollback", got)
	}
	if got := balance(t, s, bob.ID); got != 0 {
		t.Errorf("bob = %d, want 0 after rollback", got)
	}
	if _, err := s.EntryByKey(ctx, "over"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("failed transfer left an entry: %v", err)
	}
}

func testDuplicateKey(t *testing.T, s Store) {
	ctx := context.Background()
	bank, _ := s.BankAccount(ctx)
	alice := signup(t, s, domain.OwnerUser, "Alice", "a@example.com")

	if err := move(s, bank, alice, 10, "k1", domain.KindBankToUser); err != nil {
		t.Fatal(err)
	}
	err := move(s, bank, alice, 10, "k1", domain.KindBankToUser)
	if !errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		t.Fatalf("want ErrDuplicateIdempotencyKey, got %v", err)
	}
	if got := balance(t, s, alice.ID); got != 10 {
		t.Errorf("alice = %d, want 10", got)
	}
}

func testListing(t *testing.T, s Store) {
	ctx := context.Background()
	bank, _ := s.BankAccount(ctx)
	alice := signup(t, s, domain.OwnerUser, "Alice", "a@example.com")
	bob := signup(t, s, domain.OwnerUser, "Bob", "b@example.com")
	shop := signup(t, s, domain.OwnerMerchant, "Shop", "shop@example.com")

	steps := []struct {
		from, to *domain.Account
		amount   int64
		key      string
		kind     domain.EntryKind
	}{
		{bank, alice, 500, "1", domain.KindBankToUser},
		{alice, bob, 10, "2", domain.KindUserToUser},
		{alice, shop, 20, "3", domain.KindUserToMerchant},
		{alice, bob, 30, "4", domain.KindUserToUser},
		{alice, bank, 40, "5", domain.KindUserToBank},
	}
	for _, st := range steps {
		if err := move(s, st.from, st.to, st.amount, st.key, st.kind); err != nil {
			t.Fatalf("step %s: %v", st.key, err)
		}
	}

	sent, err := Collect(s.ListBySender(ctx, alice.ID, ""))
	if err != nil {
		t.Fatal(err)
	}
	var amounts []int64
	for _, e := range sent {
		amounts = append(amounts, e.Amount)
	}
	if len(amounts) != 4 || amounts[0] != 10 || amounts[1] != 20 || amounts[2] != 30 || amounts[3] != 40 {
		t.Fatalf("sent amounts = %v, want [10 20 30 40]", amounts)
	}

	seq := s.ListBySender(ctx, alice.ID, domain.KindUserToUser)
	for round := 0; round < 2; round++ {
		got, err := Collect(seq)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("round %d: user_to_user sent = %d entries, want 2", round, len(got))
		}
	}

	received, err := Collect(s.ListByReceiver(ctx, alice.ID, domain.KindBankToUser))
	if err != nil || len(received) != 1 || received[0].Amount != 500 {
		t.Fatalf("received from bank = %+v, %v", received, err)
	}

	// Stopping early must not break later iterations.
	for range s.ListBySender(ctx, alice.ID, "") {
		break
	}
	if got, _ := Collect(s.ListByReceiver(ctx, shop.ID, "")); len(got) != 1 {
		t.Fatalf("shop received %d entries, want 1", len(got))
	}
}

func testDisable(t *testing.T, s Store) {
	ctx := context.Background()
	alice := signup(t, s, domain.OwnerUser, "Alice", "a@example.com")

	if err := s.SetAccountDisabled(ctx, alice.ID, true); err != nil {
		t.Fatal(err)
	}
	a, _ := s.GetAccount(ctx, alice.ID)
	if !a.Disabled {
		t.Fatal("account should be disabled")
	}
	if err := s.SetAccountDisabled(ctx, 12345, true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
