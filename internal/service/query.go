package service

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/store"
)

const (
	minSearchLen = 2
	maxSearchLen = 200
)

// QueryService answers read-only questions about principals, balances and history.
type QueryService struct {
	store store.Store
}

func NewQueryService(s store.Store) *QueryService {
	return &QueryService{store: s}
}

func (q *QueryService) UserByID(ctx context.Context, id int64) (*domain.Principal, error) {
	p, err := q.store.GetPrincipal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Kind != domain.OwnerUser {
		return nil, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (q *QueryService) UsersByName(ctx context.Context, name string) ([]domain.Principal, error) {
	if n := utf8.RuneCountInString(name); n < minSearchLen || n > maxSearchLen {
		return nil, domain.Invalid("name", "must be 2 to 200 characters")
	}
	users, err := q.store.SearchPrincipals(ctx, domain.OwnerUser, name)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("users named %q: %w", name, domain.ErrNotFound)
	}
	return users, nil
}

func (q *QueryService) UserByEmail(ctx context.Context, email string) (*domain.Principal, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	return q.store.PrincipalByEmail(ctx, domain.OwnerUser, email)
}

func (q *QueryService) Balance(ctx context.Context, kind domain.OwnerKind, ownerID int64) (*domain.Account, error) {
	return q.store.AccountByOwner(ctx, kind, ownerID)
}

// History lists the owner's entries of one kind, oldest first, with both parties named.
func (q *QueryService) History(ctx context.Context, kind domain.OwnerKind, ownerID int64, dir domain.Direction, entryKind domain.EntryKind) ([]domain.HistoryItem, error) {
	acc, err := q.store.AccountByOwner(ctx, kind, ownerID)
	if err != nil {
		return nil, err
	}

	seq := q.store.ListBySender(ctx, acc.ID, entryKind)
	if dir == domain.DirectionReceived {
		seq = q.store.ListByReceiver(ctx, acc.ID, entryKind)
	}
	// Drain before resolving names: the SQLite backend holds its only
	// connection while a sequence is open.
	entries, err := store.Collect(seq)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s %s history for %s %d: %w", dir, entryKind, kind, ownerID, domain.ErrNotFound)
	}

	names := &nameCache{store: q.store, byAccount: map[int64]party{}}
	items := make([]domain.HistoryItem, 0, len(entries))
	for _, e := range entries {
		sender, err := names.lookup(ctx, e.SenderAccountID)
		if err != nil {
			return nil, err
		}
		receiver, err := names.lookup(ctx, e.ReceiverAccountID)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.HistoryItem{
			ID:           e.ID,
			Kind:         e.Kind,
			SenderID:     sender.id,
			SenderName:   sender.name,
			ReceiverID:   receiver.id,
			ReceiverName: receiver.name,
			Amount:       e.Amount,
			CreatedAt:    e.CreatedAt,
		})
	}
	return items, nil
}

type party struct {
	id   int64
	name string
}

type nameCache struct {
	store     store.Store
	byAccount map[int64]party
}

func (c *nameCache) lookup(ctx context.Context, accountID int64) (party, error) {
	if p, ok := c.byAccount[accountID]; ok {
		return p, nil
	}
	acc, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return party{}, err
	}
	p := party{id: acc.OwnerID, name: domain.BankDisplayName}
	if acc.OwnerKind != domain.OwnerBank {
		owner, err := c.store.GetPrincipal(ctx, acc.OwnerID)
		if err != nil {
			return party{}, err
		}
		p.name = owner.Name
	}
	c.byAccount[accountID] = p
	return p, nil
}
