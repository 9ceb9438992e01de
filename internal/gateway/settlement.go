package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/models"
	"github.com/punchamoorthee/paywallet/internal/store"
)

// Bank is the remote side of a settlement.
type Bank interface {
	Add(ctx context.Context, key string, req models.SettlementRequest) (*models.SettlementResponse, error)
	Deduct(ctx context.Context, key string, req models.SettlementRequest) (*models.SettlementResponse, error)
}

// Transferer is the engine the settlement books into.
type Transferer interface {
	Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
}

// Settlement moves money between a user's wallet and the external bank.
// The bank is called first, with no account lock held; the ledger entry is
// booked afterwards under the same idempotency key the bank saw.
type Settlement struct {
	store  store.Store
	engine Transferer
	bank   Bank
}

func NewSettlement(s store.Store, engine Transferer, bank Bank) *Settlement {
	return &Settlement{store: s, engine: engine, bank: bank}
}

// RequestAdd asks the bank to send amount to the user, then credits the user's account.
func (g *Settlement) RequestAdd(ctx context.Context, userID, amount int64, key string) (*domain.TransferResult, error) {
	return g.settle(ctx, OpAdd, userID, amount, key)
}

// RequestDeduct asks the bank to take amount from the user, then debits the user's account.
func (g *Settlement) RequestDeduct(ctx context.Context, userID, amount int64, key string) (*domain.TransferResult, error) {
	return g.settle(ctx, OpDeduct, userID, amount, key)
}

// Book records a movement the bank has already settled, as reported by its
// callback. It never calls the bank. The key is the bank's and is required;
// a key already booked by RequestAdd or RequestDeduct is replayed.
func (g *Settlement) Book(ctx context.Context, op string, userID, amount int64, key string) (*domain.TransferResult, error) {
	if key == "" {
		return nil, domain.Invalid("Idempotency-Key", "is required for a settled movement")
	}
	req, _, err := g.prepare(ctx, op, userID, amount, key)
	if err != nil {
		return nil, err
	}
	return g.engine.Transfer(ctx, req)
}

// prepare resolves both accounts and builds the engine request for op.
func (g *Settlement) prepare(ctx context.Context, op string, userID, amount int64, key string) (domain.TransferRequest, *domain.Account, error) {
	if op != OpAdd && op != OpDeduct {
		return domain.TransferRequest{}, nil, fmt.Errorf("unknown settlement operation %q", op)
	}
	user, err := g.store.AccountByOwner(ctx, domain.OwnerUser, userID)
	if err != nil {
		return domain.TransferRequest{}, nil, err
	}
	bank, err := g.store.BankAccount(ctx)
	if err != nil {
		return domain.TransferRequest{}, nil, err
	}

	req := domain.TransferRequest{SenderAccountID: bank.ID, ReceiverAccountID: user.ID, Amount: amount, IdempotencyKey: key}
	if op == OpDeduct {
		req.SenderAccountID, req.ReceiverAccountID = user.ID, bank.ID
	}
	if err := req.Validate(); err != nil {
		return domain.TransferRequest{}, nil, err
	}
	if user.Disabled {
		return domain.TransferRequest{}, nil, domain.ErrAccountDisabled
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	return req, user, nil
}

func (g *Settlement) settle(ctx context.Context, op string, userID, amount int64, key string) (*domain.TransferResult, error) {
	req, user, err := g.prepare(ctx, op, userID, amount, key)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if _, err := g.store.EntryByKey(ctx, key); err == nil {
			// Already booked, possibly by the bank's callback. The engine replays it.
			return g.engine.Transfer(ctx, req)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	// Fail fast without a network call; the engine re-checks under lock.
	if op == OpDeduct && !user.CanCover(amount) {
		return nil, domain.ErrInsufficientFunds
	}

	call := g.bank.Add
	if op == OpDeduct {
		call = g.bank.Deduct
	}
	if _, err := call(ctx, req.IdempotencyKey, models.SettlementRequest{UserID: userID, Amount: amount}); err != nil {
		return nil, err
	}

	res, err := g.engine.Transfer(ctx, req)
	if err != nil {
		// The bank has settled; the same key retried later books it exactly once.
		log.Printf("bank %s settled but booking failed: user=%d amount=%d key=%s: %v", op, userID, amount, req.IdempotencyKey, err)
		return nil, err
	}
	// The key was unbooked when this request arrived. If the engine replayed,
	// the bank's callback for this same call got there first.
	res.Replayed = false
	return res, nil
}
