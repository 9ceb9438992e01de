package domain

import (
	"strings"
	"time"
)

// MaxAmount is the largest amount a single transfer may move, in minor units.
const MaxAmount int64 = 9_999_999_999

// BankDisplayName is shown as the counterparty name for the external bank account.
const BankDisplayName = "External Bank"

// OwnerKind classifies who owns an account.
type OwnerKind string

const (
	OwnerUser     OwnerKind = "user"
	OwnerMerchant OwnerKind = "merchant"
	OwnerBank     OwnerKind = "bank"
)

func (k OwnerKind) Valid() bool {
	switch k {
	case OwnerUser, OwnerMerchant, OwnerBank:
		return true
	}
	return false
}

// EntryKind classifies a ledger entry by the kinds of its two accounts.
type EntryKind string

const (
	KindUserToUser     EntryKind = "user_to_user"
	KindUserToMerchant EntryKind = "user_to_merchant"
	KindBankToUser     EntryKind = "bank_to_user"
	KindUserToBank     EntryKind = "user_to_bank"
)

// ClassifyTransfer maps a sender/receiver kind pair to the entry kind it produces.
// Pairs that do not correspond to a supported money movement are rejected.
func ClassifyTransfer(sender, receiver OwnerKind) (EntryKind, error) {
	switch {
	case sender == OwnerUser && receiver == OwnerUser:
		return KindUserToUser, nil
	case sender == OwnerUser && receiver == OwnerMerchant:
		return KindUserToMerchant, nil
	case sender == OwnerBank && receiver == OwnerUser:
		return KindBankToUser, nil
	case sender == OwnerUser && receiver == OwnerBank:
		return KindUserToBank, nil
	}
	return "", Invalid("accounts", "unsupported transfer from "+string(sender)+" to "+string(receiver))
}

// Principal is a user or merchant that can sign up and log in.
type Principal struct {
	ID           int64     `json:"id"`
	Kind         OwnerKind `json:"kind"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizeEmail is the form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Account holds the balance of one principal, or of the virtual external bank.
type Account struct {
	ID        int64     `json:"id"`
	OwnerKind OwnerKind `json:"owner_kind"`
	OwnerID   int64     `json:"owner_id"`
	Balance   int64     `json:"balance"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

// CanCover reports whether a debit of amount keeps the account out of overdraft.
// The bank account stands for money outside the system and is never short.
func (a *Account) CanCover(amount int64) bool {
	return a.OwnerKind == OwnerBank || a.Balance-amount >= 0
}

// TransferRequest is the engine's input. It is never persisted.
type TransferRequest struct {
	SenderAccountID   int64
	ReceiverAccountID int64
	Amount            int64
	IdempotencyKey    string
}

// Validate checks the request shape. It does not look at balances.
func (r TransferRequest) Validate() error {
	if r.Amount <= 0 {
		return Invalid("amount", "must be positive")
	}
	if r.Amount > MaxAmount {
		return Invalid("amount", "exceeds the maximum transfer amount")
	}
	if r.SenderAccountID == r.ReceiverAccountID {
		return Invalid("accounts", "sender and receiver must differ")
	}
	return nil
}

// Matches reports whether an already committed entry was produced by this request.
func (r TransferRequest) Matches(e *LedgerEntry) bool {
	return e.SenderAccountID == r.SenderAccountID &&
		e.ReceiverAccountID == r.ReceiverAccountID &&
		e.Amount == r.Amount
}

// LedgerEntry is one committed balance movement. Entries are immutable.
// SenderBalance and ReceiverBalance are the balances right after the commit,
// so a retried request can be answered with the original result.
type LedgerEntry struct {
	ID                int64     `json:"id"`
	SenderAccountID   int64     `json:"sender_account_id"`
	ReceiverAccountID int64     `json:"receiver_account_id"`
	Amount            int64     `json:"amount"`
	Kind              EntryKind `json:"kind"`
	IdempotencyKey    string    `json:"idempotency_key"`
	SenderBalance     int64     `json:"sender_balance"`
	ReceiverBalance   int64     `json:"receiver_balance"`
	CreatedAt         time.Time `json:"created_at"`
}

// TransferResult is what the engine returns for a committed or replayed transfer.
type TransferResult struct {
	EntryID         int64     `json:"entry_id"`
	Kind            EntryKind `json:"kind"`
	SenderBalance   int64     `json:"sender_balance"`
	ReceiverBalance int64     `json:"receiver_balance"`
	IdempotencyKey  string    `json:"idempotency_key"`
	Replayed        bool      `json:"replayed"`
}

// ResultFromEntry rebuilds the transfer result recorded in an entry.
func ResultFromEntry(e *LedgerEntry, replayed bool) *TransferResult {
	return &TransferResult{
		EntryID:         e.ID,
		Kind:            e.Kind,
		SenderBalance:   e.SenderBalance,
		ReceiverBalance: e.ReceiverBalance,
		IdempotencyKey:  e.IdempotencyKey,
		Replayed:        replayed,
	}
}

// Direction selects which side of an entry an account is on.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// HistoryItem is a ledger entry projected for display.
type HistoryItem struct {
	ID           int64     `json:"id"`
	Kind         EntryKind `json:"kind"`
	SenderID     int64     `json:"senderId"`
	SenderName   string    `json:"senderName"`
	ReceiverID   int64     `json:"receiverId"`
	ReceiverName string    `json:"receiverName"`
	Amount       int64     `json:"amountTransfered"`
	CreatedAt    time.Time `json:"createdAt"`
}
