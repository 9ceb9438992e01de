package store

import (
	"context"
	"fmt"
	"iter"

	"github.com/punchamoorthee/paywallet/internal/domain"
)

// Store is the Account Store and Ledger. Balances change only through Tx.
type Store interface {
	// WithinTx runs fn as one atomic unit. Either every Debit, Credit and
	// Append made through tx becomes visible together, or none does.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	AccountByOwner(ctx context.Context, kind domain.OwnerKind, ownerID int64) (*domain.Account, error)
	BankAccount(ctx context.Context) (*domain.Account, error)
	Accounts(ctx context.Context) ([]domain.Account, error)
	SetAccountDisabled(ctx context.Context, id int64, disabled bool) error

	EntryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error)
	// ListBySender and ListByReceiver yield entries ordered by creation time.
	// An empty kind matches every entry. Each range over the sequence re-reads
	// the ledger, so a sequence can be consumed more than once.
	ListBySender(ctx context.Context, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error]
	ListByReceiver(ctx context.Context, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error]

	// CreatePrincipal stores p and opens its zero-balance account in one unit.
	CreatePrincipal(ctx context.Context, p *domain.Principal) (*domain.Account, error)
	GetPrincipal(ctx context.Context, id int64) (*domain.Principal, error)
	PrincipalByEmail(ctx context.Context, kind domain.OwnerKind, email string) (*domain.Principal, error)
	SearchPrincipals(ctx context.Context, kind domain.OwnerKind, name string) ([]domain.Principal, error)

	Close()
}

// Tx is the locked section of a transfer.
type Tx interface {
	// LockAccount takes the account's exclusive lock and returns its current state.
	// Callers lock in ascending id order.
	LockAccount(ctx context.Context, id int64) (*domain.Account, error)
	// Debit fails with ErrInsufficientFunds if the balance would go negative.
	Debit(ctx context.Context, id int64, amount int64) (int64, error)
	Credit(ctx context.Context, id int64, amount int64) (int64, error)
	// Append fails with ErrDuplicateIdempotencyKey if the key was already used.
	Append(ctx context.Context, e *domain.LedgerEntry) error
}

// Collect drains a ledger sequence into a slice.
func Collect(seq iter.Seq2[domain.LedgerEntry, error]) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DBSource    string
	SQLitePath  string
	AutoMigrate bool
}

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "postgres", "":
		s, err := NewPostgresStore(ctx, opts.DBSource)
		if err != nil {
			return nil, err
		}
		if opts.AutoMigrate {
			if err := ApplyMigrations(ctx, s.Db); err != nil {
				s.Close()
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		if err := s.EnsureBankAccount(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
}
