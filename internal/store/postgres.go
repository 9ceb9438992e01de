package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/paywallet/internal/domain"
)

const (
	accountColumns = "id, owner_kind, owner_id, balance, disabled, created_at"
	entryColumns   = "id, sender_account_id, receiver_account_id, amount, kind, idempotency_key, sender_balance, receiver_balance, created_at"
	principalCols  = "id, kind, name, email, password_hash, created_at"

	// maxTxAttempts bounds retries of transactions aborted by serialization failures or deadlocks.
	maxTxAttempts = 3
)

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// EnsureBankAccount creates the virtual external bank account if it is missing.
func (s *PostgresStore) EnsureBankAccount(ctx context.Context) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO accounts (owner_kind, owner_id) VALUES ('bank', 0) ON CONFLICT (owner_kind, owner_id) DO NOTHING")
	if err != nil {
		return fmt.Errorf("bank account: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize transfers on the same accounts.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	a, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (s *PostgresStore) AccountByOwner(ctx context.Context, kind domain.OwnerKind, ownerID int64) (*domain.Account, error) {
	a, err := scanAccount(s.Db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE owner_kind = $1 AND owner_id = $2", string(kind), ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %d account: %w", kind, ownerID, domain.ErrNotFound)
	}
	return a, err
}

func (s *PostgresStore) BankAccount(ctx context.Context) (*domain.Account, error) {
	return s.AccountByOwner(ctx, domain.OwnerBank, 0)
}

func (s *PostgresStore) Accounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
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

func (s *PostgresStore) SetAccountDisabled(ctx context.Context, id int64, disabled bool) error {
	tag, err := s.Db.Exec(ctx, "UPDATE accounts SET disabled = $1 WHERE id = $2", disabled, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) EntryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(s.Db.QueryRow(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = $1", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %q: %w", key, domain.ErrNotFound)
	}
	return e, err
}

func (s *PostgresStore) ListBySender(ctx context.Context, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error] {
	return s.list(ctx, "sender_account_id", accountID, kind)
}

func (s *PostgresStore) ListByReceiver(ctx context.Context, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error] {
	return s.list(ctx, "receiver_account_id", accountID, kind)
}

func (s *PostgresStore) list(ctx context.Context, column string, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error] {
	query := "SELECT " + entryColumns + " FROM ledger_entries WHERE " + column +
		" = $1 AND ($2::text = '' OR kind = $2::text) ORDER BY created_at, id"

	return func(yield func(domain.LedgerEntry, error) bool) {
		rows, err := s.Db.Query(ctx, query, accountID, string(kind))
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

func (s *PostgresStore) CreatePrincipal(ctx context.Context, p *domain.Principal) (*domain.Account, error) {
	if p.Kind != domain.OwnerUser && p.Kind != domain.OwnerMerchant {
		return nil, domain.Invalid("kind", "must be user or merchant")
	}
	p.Email = domain.NormalizeEmail(p.Email)

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		"INSERT INTO principals (kind, name, email, password_hash) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		string(p.Kind), p.Name, p.Email, p.PasswordHash,
	).Scan(&p.ID, &p.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%s %s: %w", p.Kind, p.Email, domain.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("principal insert failed: %w", err)
	}

	acc, err := scanAccount(tx.QueryRow(ctx,
		"INSERT INTO accounts (owner_kind, owner_id) VALUES ($1, $2) RETURNING "+accountColumns,
		string(p.Kind), p.ID))
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id int64) (*domain.Principal, error) {
	p, err := scanPrincipal(s.Db.QueryRow(ctx, "SELECT "+principalCols+" FROM principals WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("principal %d: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (s *PostgresStore) PrincipalByEmail(ctx context.Context, kind domain.OwnerKind, email string) (*domain.Principal, error) {
	p, err := scanPrincipal(s.Db.QueryRow(ctx,
		"SELECT "+principalCols+" FROM principals WHERE kind = $1 AND email = $2",
		string(kind), domain.NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, email, domain.ErrNotFound)
	}
	return p, err
}

func (s *PostgresStore) SearchPrincipals(ctx context.Context, kind domain.OwnerKind, name string) ([]domain.Principal, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+principalCols+` FROM principals WHERE kind = $1 AND name ILIKE $2 ESCAPE '\' ORDER BY id`,
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

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return a, nil
}

func (t *pgTx) Debit(ctx context.Context, id int64, amount int64) (int64, error) {
	var balance int64
	// The funds check lives in the WHERE clause so check and update are one statement.
	err := t.tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance - $1 WHERE id = $2 AND (balance >= $1 OR owner_kind = 'bank') RETURNING balance",
		amount, id,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("debit failed: %w", err)
	}
	return balance, nil
}

func (t *pgTx) Credit(ctx context.Context, id int64, amount int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2 RETURNING balance", amount, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("credit failed: %w", err)
	}
	return balance, nil
}

func (t *pgTx) Append(ctx context.Context, e *domain.LedgerEntry) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (sender_account_id, receiver_account_id, amount, kind, idempotency_key, sender_balance, receiver_balance)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		e.SenderAccountID, e.ReceiverAccountID, e.Amount, string(e.Kind), e.IdempotencyKey, e.SenderBalance, e.ReceiverBalance,
	).Scan(&e.ID, &e.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var kind string
	if err := row.Scan(&a.ID, &kind, &a.OwnerID, &a.Balance, &a.Disabled, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.OwnerKind = domain.OwnerKind(kind)
	return &a, nil
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var kind string
	if err := row.Scan(&e.ID, &e.SenderAccountID, &e.ReceiverAccountID, &e.Amount, &kind,
		&e.IdempotencyKey, &e.SenderBalance, &e.ReceiverBalance, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = domain.EntryKind(kind)
	return &e, nil
}

func scanPrincipal(row rowScanner) (*domain.Principal, error) {
	var p domain.Principal
	var kind string
	if err := row.Scan(&p.ID, &kind, &p.Name, &p.Email, &p.PasswordHash, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Kind = domain.OwnerKind(kind)
	return &p, nil
}

// likePattern builds a substring LIKE pattern with wildcards in name escaped.
func likePattern(name string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(name) + "%"
}
