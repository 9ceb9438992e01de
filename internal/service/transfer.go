package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/store"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_transfers_total",
		Help: "Transfers processed by the engine, labeled by entry kind and outcome",
	}, []string{"kind", "outcome"})

	transferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_transfer_duration_seconds",
		Help:    "Latency of the locked transfer section",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"outcome"})
)

type TransferService struct {
	store store.Store
}

func NewTransferService(s store.Store) *TransferService {
	return &TransferService{store: s}
}

// Transfer moves req.Amount from the sender account to the receiver account and
// appends one ledger entry, all as one atomic unit. Retrying with the same
// idempotency key returns the first result without moving money again.
func (s *TransferService) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	// 1. Shape validation
	if err := req.Validate(); err != nil {
		transfersTotal.WithLabelValues("", "invalid").Inc()
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	// 2. Idempotency check
	if res, err := s.replay(ctx, req); err == nil {
		return res, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	// 3-5. Locked section
	timer := time.Now()
	entry, err := s.execute(ctx, req)
	outcome := outcomeOf(err)
	transferDuration.WithLabelValues(outcome).Observe(time.Since(timer).Seconds())

	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key committed first.
		return s.replay(ctx, req)
	}
	if err != nil {
		transfersTotal.WithLabelValues("", outcome).Inc()
		return nil, err
	}

	transfersTotal.WithLabelValues(string(entry.Kind), outcome).Inc()
	return domain.ResultFromEntry(entry, false), nil
}

func (s *TransferService) replay(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	prior, err := s.store.EntryByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !req.Matches(prior) {
		transfersTotal.WithLabelValues(string(prior.Kind), "mismatch").Inc()
		return nil, domain.ErrIdempotencyMismatch
	}
	transfersTotal.WithLabelValues(string(prior.Kind), "replayed").Inc()
	return domain.ResultFromEntry(prior, true), nil
}

func (s *TransferService) execute(ctx context.Context, req domain.TransferRequest) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		// Deterministic locking (deadlock prevention): lower id first.
		firstID, secondID := req.SenderAccountID, req.ReceiverAccountID
		if firstID > secondID {
			firstID, secondID = secondID, firstID
		}
		first, err := tx.LockAccount(ctx, firstID)
		if err != nil {
			return err
		}
		second, err := tx.LockAccount(ctx, secondID)
		if err != nil {
			return err
		}

		sender, receiver := first, second
		if sender.ID != req.SenderAccountID {
			sender, receiver = second, first
		}

		kind, err := domain.ClassifyTransfer(sender.OwnerKind, receiver.OwnerKind)
		if err != nil {
			return err
		}
		if sender.Disabled || receiver.Disabled {
			return domain.ErrAccountDisabled
		}

		// Business check on the balance read under lock
		if !sender.CanCover(req.Amount) {
			return domain.ErrInsufficientFunds
		}

		senderBalance, err := tx.Debit(ctx, sender.ID, req.Amount)
		if err != nil {
			return err
		}
		receiverBalance, err := tx.Credit(ctx, receiver.ID, req.Amount)
		if err != nil {
			return err
		}

		e := &domain.LedgerEntry{
			SenderAccountID:   sender.ID,
			ReceiverAccountID: receiver.ID,
			Amount:            req.Amount,
			Kind:              kind,
			IdempotencyKey:    req.IdempotencyKey,
			SenderBalance:     senderBalance,
			ReceiverBalance:   receiverBalance,
		}
		if err := tx.Append(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", req.IdempotencyKey, err)
	}
	return entry, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		return "duplicate"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrAccountDisabled):
		return "disabled"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
