package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/paywallet/internal/domain"
)

type memAccount struct {
	acc domain.Account
	// lock is a one-slot semaphore so waiters can give up on context cancellation.
	lock chan struct{}
}

type ownerKey struct {
	kind domain.OwnerKind
	id   int64
}

type emailKey struct {
	kind  domain.OwnerKind
	email string
}

// MemoryStore keeps everything in process memory. Transfers serialize on
// per-account locks; mu only guards the maps and makes commits visible at once.
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[int64]*memAccount
	owners     map[ownerKey]int64
	principals map[int64]domain.Principal
	emails     map[emailKey]int64
	entries    []domain.LedgerEntry
	keys       map[string]int
	bankID     int64

	nextAccountID   int64
	nextPrincipalID int64
	nextEntryID     int64
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		accounts:   make(map[int64]*memAccount),
		owners:     make(map[ownerKey]int64),
		principals: make(map[int64]domain.Principal),
		emails:     make(map[emailKey]int64),
		keys:       make(map[string]int),
	}
	s.bankID = s.addAccountLocked(domain.OwnerBank, 0).ID
	return s
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) addAccountLocked(kind domain.OwnerKind, ownerID int64) domain.Account {
	s.nextAccountID++
	a := &memAccount{
		acc: domain.Account{
			ID:        s.nextAccountID,
			OwnerKind: kind,
			OwnerID:   ownerID,
			CreatedAt: time.Now().UTC(),
		},
		lock: make(chan struct{}, 1),
	}
	s.accounts[a.acc.ID] = a
	s.owners[ownerKey{kind, ownerID}] = a.acc.ID
	return a.acc
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{s: s, staged: make(map[int64]*domain.Account)}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (s *MemoryStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	cp := a.acc
	return &cp, nil
}

func (s *MemoryStore) AccountByOwner(ctx context.Context, kind domain.OwnerKind, ownerID int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owners[ownerKey{kind, ownerID}]
	if !ok {
		return nil, fmt.Errorf("%s %d account: %w", kind, ownerID, domain.ErrNotFound)
	}
	cp := s.accounts[id].acc
	return &cp, nil
}

func (s *MemoryStore) BankAccount(ctx context.Context) (*domain.Account, error) {
	return s.GetAccount(ctx, s.bankID)
}

func (s *MemoryStore) Accounts(ctx context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetAccountDisabled(ctx context.Context, id int64, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	a.acc.Disabled = disabled
	return nil
}

func (s *MemoryStore) EntryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.keys[key]
	if !ok {
		return nil, fmt.Errorf("entry %q: %w", key, domain.ErrNotFound)
	}
	e := s.entries[i]
	return &e, nil
}

func (s *MemoryStore) ListBySender(ctx context.Context, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error] {
	return s.list(ctx, kind, func(e *domain.LedgerEntry) bool { return e.SenderAccountID == accountID })
}

func (s *MemoryStore) ListByReceiver(ctx context.Context, accountID int64, kind domain.EntryKind) iter.Seq2[domain.LedgerEntry, error] {
	return s.list(ctx, kind, func(e *domain.LedgerEntry) bool { return e.ReceiverAccountID == accountID })
}

func (s *MemoryStore) list(ctx context.Context, kind domain.EntryKind, match func(*domain.LedgerEntry) bool) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(domain.LedgerEntry{}, err)
			return
		}
		// Entries are appended in commit order, so a prefix snapshot is already sorted.
		s.mu.RLock()
		snapshot := s.entries[:len(s.entries):len(s.entries)]
		s.mu.RUnlock()

		for i := range snapshot {
			e := &snapshot[i]
			if kind != "" && e.Kind != kind {
				continue
			}
			if !match(e) {
				continue
			}
			if !yield(*e, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) CreatePrincipal(ctx context.Context, p *domain.Principal) (*domain.Account, error) {
	if p.Kind != domain.OwnerUser && p.Kind != domain.OwnerMerchant {
		return nil, domain.Invalid("kind", "must be user or merchant")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ek := emailKey{p.Kind, domain.NormalizeEmail(p.Email)}
	if _, taken := s.emails[ek]; taken {
		return nil, fmt.Errorf("%s %s: %w", p.Kind, p.Email, domain.ErrAlreadyExists)
	}
	s.nextPrincipalID++
	p.ID = s.nextPrincipalID
	p.Email = ek.email
	p.CreatedAt = time.Now().UTC()
	s.principals[p.ID] = *p
	s.emails[ek] = p.ID

	acc := s.addAccountLocked(p.Kind, p.ID)
	return &acc, nil
}

func (s *MemoryStore) GetPrincipal(ctx context.Context, id int64) (*domain.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, fmt.Errorf("principal %d: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) PrincipalByEmail(ctx context.Context, kind domain.OwnerKind, email string) (*domain.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[emailKey{kind, domain.NormalizeEmail(email)}]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, email, domain.ErrNotFound)
	}
	p := s.principals[id]
	return &p, nil
}

func (s *MemoryStore) SearchPrincipals(ctx context.Context, kind domain.OwnerKind, name string) ([]domain.Principal, error) {
	needle := strings.ToLower(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Principal
	for _, p := range s.principals {
		if p.Kind == kind && strings.Contains(strings.ToLower(p.Name), needle) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// memoryTx stages every change and applies it in commit under the write lock.
type memoryTx struct {
	s       *MemoryStore
	held    []*memAccount
	staged  map[int64]*domain.Account
	entries []*domain.LedgerEntry
}

func (tx *memoryTx) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if a, ok := tx.staged[id]; ok {
		cp := *a
		return &cp, nil
	}

	tx.s.mu.RLock()
	ma, ok := tx.s.accounts[id]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}

	select {
	case ma.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	tx.held = append(tx.held, ma)

	tx.s.mu.RLock()
	cp := ma.acc
	tx.s.mu.RUnlock()
	tx.staged[id] = &cp

	out := cp
	return &out, nil
}

func (tx *memoryTx) Debit(ctx context.Context, id int64, amount int64) (int64, error) {
	a, ok := tx.staged[id]
	if !ok {
		return 0, fmt.Errorf("debit account %d: not locked", id)
	}
	if !a.CanCover(amount) {
		return 0, domain.ErrInsufficientFunds
	}
	a.Balance -= amount
	return a.Balance, nil
}

func (tx *memoryTx) Credit(ctx context.Context, id int64, amount int64) (int64, error) {
	a, ok := tx.staged[id]
	if !ok {
		return 0, fmt.Errorf("credit account %d: not locked", id)
	}
	a.Balance += amount
	return a.Balance, nil
}

func (tx *memoryTx) Append(ctx context.Context, e *domain.LedgerEntry) error {
	for _, staged := range tx.entries {
		if staged.IdempotencyKey == e.IdempotencyKey {
			return domain.ErrDuplicateIdempotencyKey
		}
	}
	tx.s.mu.RLock()
	_, dup := tx.s.keys[e.IdempotencyKey]
	tx.s.mu.RUnlock()
	if dup {
		return domain.ErrDuplicateIdempotencyKey
	}
	tx.entries = append(tx.entries, e)
	return nil
}

func (tx *memoryTx) commit(ctx context.Context) error {
	// An abandoned request must not commit anything.
	if err := ctx.Err(); err != nil {
		return err
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// Two transactions on disjoint accounts can carry the same key; the first commit wins.
	for _, e := range tx.entries {
		if _, dup := s.keys[e.IdempotencyKey]; dup {
			return domain.ErrDuplicateIdempotencyKey
		}
	}

	for id, a := range tx.staged {
		s.accounts[id].acc.Balance = a.Balance
	}
	now := time.Now().UTC()
	for _, e := range tx.entries {
		s.nextEntryID++
		e.ID = s.nextEntryID
		e.CreatedAt = now
		s.keys[e.IdempotencyKey] = len(s.entries)
		s.entries = append(s.entries, *e)
	}
	return nil
}

func (tx *memoryTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		<-tx.held[i].lock
	}
	tx.held = nil
}
