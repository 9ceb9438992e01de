package models

import (
	"encoding/json"

	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/shopspring/decimal"
)

// SignupRequest is the body of /signupuser and /signupmerchant.
type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the body of /loginuser and /loginmerchant.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string            `json:"token"`
	Principal *domain.Principal `json:"principal"`
}

// TransferFundRequest moves money between two users.
type TransferFundRequest struct {
	User1ID int64       `json:"user1Id"`
	User2ID int64       `json:"user2Id"`
	Amount  json.Number `json:"amount"`
}

type TransferFundResponse struct {
	User1Balance   int64  `json:"user1balance"`
	User2Balance   int64  `json:"user2balance"`
	EntryID        int64  `json:"entryId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Replayed       bool   `json:"replayed"`
}

// MerchantPaymentRequest pays a merchant from a user account.
type MerchantPaymentRequest struct {
	UserID     int64       `json:"userId"`
	MerchantID int64       `json:"MerchantId"`
	Amount     json.Number `json:"amount"`
}

type MerchantPaymentResponse struct {
	UserBalance     int64  `json:"userBalance"`
	MerchantBalance int64  `json:"merchantBalance"`
	EntryID         int64  `json:"entryId"`
	IdempotencyKey  string `json:"idempotencyKey"`
	Replayed        bool   `json:"replayed"`
}

// BankAmountRequest is used both by users asking the bank to add or deduct money
// and by the bank calling back once it has settled.
type BankAmountRequest struct {
	UserID int64       `json:"userId"`
	Amount json.Number `json:"amount"`
}

// BankAmountResponse carries the idempotency key the movement was booked
// under, so a client that sent none can still retry safely.
type BankAmountResponse struct {
	UserBalance    int64  `json:"userBalance"`
	EntryID        int64  `json:"entryId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Replayed       bool   `json:"replayed"`
}

type BalanceResponse struct {
	AccountID int64 `json:"accountId"`
	Balance   int64 `json:"balance"`
}

type UserInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// SettlementRequest is what the wallet sends to the external bank.
type SettlementRequest struct {
	UserID int64 `json:"userId"`
	Amount int64 `json:"amount"`
}

// SettlementResponse is the bank's acknowledgement.
type SettlementResponse struct {
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotencyKey"`
	Operation      string `json:"operation"`
	UserID         int64  `json:"userId"`
	Amount         int64  `json:"amount"`
	Duplicate      bool   `json:"duplicate"`
}

// Bounds on the textual form of an amount. Comparing or rescaling a decimal
// costs time proportional to its exponent, so both are checked before any
// arithmetic happens.
const (
	maxAmountLen      = 32
	maxAmountExponent = 10
	minAmountExponent = -maxAmountLen
)

// ParseAmount reads a whole number of minor units in 1..domain.MaxAmount.
// "100", 100 and 1e2 are accepted; fractions and anything out of range are not.
func ParseAmount(n json.Number) (int64, error) {
	if n == "" {
		return 0, domain.Invalid("amount", "is required")
	}
	if len(n) > maxAmountLen {
		return 0, domain.Invalid("amount", "is too long")
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, domain.Invalid("amount", "must be a number")
	}
	if exp := d.Exponent(); exp > maxAmountExponent {
		return 0, domain.Invalid("amount", "exceeds the maximum transfer amount")
	} else if exp < minAmountExponent {
		return 0, domain.Invalid("amount", "must be a whole number of minor units")
	}
	if !d.IsInteger() {
		return 0, domain.Invalid("amount", "must be a whole number of minor units")
	}
	if d.Sign() <= 0 {
		return 0, domain.Invalid("amount", "must be positive")
	}
	if d.GreaterThan(decimal.NewFromInt(domain.MaxAmount)) {
		return 0, domain.Invalid("amount", "exceeds the maximum transfer amount")
	}
	return d.IntPart(), nil
}
