package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/punchamoorthee/paywallet/internal/domain"
)

// SQLiteStore is the embedded backend for local runs. SQLite has no row
// locks, so the pool is capped at one connection and every transaction is
// BEGIN IMMEDIATE: writers are serialized by the database itself.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./wallet.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_txlock=immediate", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK (kind IN ('user', 'merchant')),
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (kind, email)
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_kind TEXT NOT NULL CHECK (owner_kind IN ('user', 'merchant', 'bank')),
			owner_id INTEGER NOT NULL DEFAULT 0,
			balance INTEGER NOT NULL DEFAULT 0,
			disabled BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (owner_kind, owner_id),
			CHECK (balance >= 0 OR owner_kind = 'bank')
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_account_id INTEGER NOT NULL REFERENCES accounts(id),
			receiver_account_id INTEGER NOT NULL REFERENCES accounts(id),
			amount INTEGER NOT NULL CHECK (amount > 0),
			kind TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			sender_balance INTEGER NOT NULL,
			receiver_balance INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS ledger_entries_sender_idx ON ledger_entries (sender_account_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS ledger_entries_receiver_idx ON ledger_entries (receiver_account_id, created_at, id);`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
		 BEGIN SELECT RAISE(ABORT, 'ledger entries are immutable'); END;`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
		 BEGIN SELECT RAISE(ABORT, 'ledger entries are immutable'); END;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO accounts (owner_kind, owner_id, created_at) VALUES ('bank', 0, ?)", time.Now().UTC())
	return err
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (s *SQLiteStore) AccountByOwner(ctx context.Context, kind domain.OwnerKind, ownerID int64) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE owner_kind = ? AND owner_id = ?", string(kind), ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %d account: %w", kind, ownerID, domain.ErrNotFound)
	}
	return a, err
}

func (s *SQLiteStore) BankAccount(ctx context.Context) (*domain.Account, error) {
	return s.AccountByOwner(ctx, domain.OwnerBank, 0)
}

func (s *SQLiteStore) Accounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetAccountDisabled(ctx context.Context, id int64, disabled bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE accounts SET disabled = ? WHERE id = ?", disabled, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) EntryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %q: %w", key, domain.ErrNotFound)
	}
	return e, err
}

func (s *SQLiteStore) ListBySender(ctx context.Context, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error] {
	return s.list(ctx, "sender_account_id", accountID, kind)
}

func (s *SQLiteStore) ListByReceiver(ctx context.Context, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error] {
	return s.list(ctx, "receiver_account_id", accountID, kind)
}

// list holds the only connection while it is being ranged over; callers
// must not use the store from inside the loop.
func (s *SQLiteStore) list(ctx context.Context, column string, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error] {
	query := "SELECT " + entryColumns + " FROM ledger_entries WHERE " + column +
		" = ? AND (? = '' OR kind = ?) ORDER BY created_at, id"

	return func(yield func(domain.LedgerEntry, error) bool) {
		rows, err := s.db.QueryContext(ctx, query, accountID, string(kind), string(kind))
		if err != nil {
			yield(domain.LedgerEntry{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			if !yield(*e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.LedgerEntry{}, err)
		}
	}
}

func (s *SQLiteStore) CreatePrincipal(ctx context.Context, p *domain.Principal) (*domain.Account, error) {
	if p.Kind != domain.OwnerUser && p.Kind != domain.OwnerMerchant {
		return nil, domain.Invalid("kind", "must be user or merchant")
	}
	p.Email = domain.NormalizeEmail(p.Email)
	p.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO principals (kind, name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		string(p.Kind), p.Name, p.Email, p.PasswordHash, p.CreatedAt)
	if isSQLiteUnique(err) {
		return nil, fmt.Errorf("%s %s: %w", p.Kind, p.Email, domain.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("principal insert failed: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	acc, err := scanAccount(tx.QueryRowContext(ctx,
		"INSERT INTO accounts (owner_kind, owner_id, created_at) VALUES (?, ?, ?) RETURNING "+accountColumns,
		string(p.Kind), p.ID, p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return acc, nil
}

func (s *SQLiteStore) GetPrincipal(ctx context.Context, id int64) (*domain.Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx, "SELECT "+principalCols+" FROM principals WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("principal %d: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) PrincipalByEmail(ctx context.Context, kind domain.OwnerKind, email string) (*domain.Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		"SELECT "+principalCols+" FROM principals WHERE kind = ? AND email = ?",
		string(kind), domain.NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, email, domain.ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) SearchPrincipals(ctx context.Context, kind domain.OwnerKind, name string) ([]domain.Principal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+principalCols+` FROM principals WHERE kind = ? AND lower(name) LIKE lower(?) ESCAPE '\' ORDER BY id`,
		string(kind), likePattern(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	a, err := scanAccount(t.tx.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (t *sqliteTx) Debit(ctx context.Context, id int64, amount int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx,
		"UPDATE accounts SET balance = balance - ? WHERE id = ? AND (balance >= ? OR owner_kind = 'bank') RETURNING balance",
		amount, id, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("debit failed: %w", err)
	}
	return balance, nil
}

func (t *sqliteTx) Credit(ctx context.Context, id int64, amount int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx, "UPDATE accounts SET balance = balance + ? WHERE id = ? RETURNING balance", amount, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("credit failed: %w", err)
	}
	return balance, nil
}

func (t *sqliteTx) Append(ctx context.Context, e *domain.LedgerEntry) error {
	e.CreatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (sender_account_id, receiver_account_id, amount, kind, idempotency_key, sender_balance, receiver_balance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SenderAccountID, e.ReceiverAccountID, e.Amount, string(e.Kind), e.IdempotencyKey, e.SenderBalance, e.ReceiverBalance, e.CreatedAt)
	if isSQLiteUnique(err) {
		return domain.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}
