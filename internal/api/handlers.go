package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/paywallet/internal/auth"
	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/gateway"
	"github.com/punchamoorthee/paywallet/internal/models"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) signup(kind domain.OwnerKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.SignupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			fail(w, r, err)
			return
		}
		p, err := h.accounts.Signup(r.Context(), kind, req.Name, req.Email, req.Password)
		if err != nil {
			fail(w, r, err)
			return
		}
		respondWithSuccess(w, "Signed up successfully", p)
	}
}

func (h *Handler) login(kind domain.OwnerKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.LoginRequest
		if err := decodeJSON(w, r, &req); err != nil {
			fail(w, r, err)
			return
		}
		token, p, err := h.accounts.Login(r.Context(), kind, req.Email, req.Password)
		if err != nil {
			fail(w, r, err)
			return
		}
		respondWithSuccess(w, "Logged in successfully", models.LoginResponse{Token: token, Principal: p})
	}
}

// TransferFundHandler moves money from the caller to another user.
func (h *Handler) TransferFundHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TransferFundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	amount, err := models.ParseAmount(req.Amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := requireCaller(r, req.User1ID); err != nil {
		fail(w, r, err)
		return
	}

	ctx := r.Context()
	sender, err := h.queries.Balance(ctx, domain.OwnerUser, req.User1ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	receiver, err := h.queries.Balance(ctx, domain.OwnerUser, req.User2ID)
	if err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.transfers.Transfer(ctx, domain.TransferRequest{
		SenderAccountID:   sender.ID,
		ReceiverAccountID: receiver.ID,
		Amount:            amount,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	respondWithSuccess(w, "Transfer successful", models.TransferFundResponse{
		User1Balance: res.SenderBalance,
		User2Balance: res.ReceiverBalance,
		EntryID:        res.EntryID,
		IdempotencyKey: res.IdempotencyKey,
		Replayed:       res.Replayed,
	})
}

// FundsMerchantHandler pays a merchant from the caller's account.
func (h *Handler) FundsMerchantHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MerchantPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	amount, err := models.ParseAmount(req.Amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := requireCaller(r, req.UserID); err != nil {
		fail(w, r, err)
		return
	}

	ctx := r.Context()
	user, err := h.queries.Balance(ctx, domain.OwnerUser, req.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	merchant, err := h.queries.Balance(ctx, domain.OwnerMerchant, req.MerchantID)
	if err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.transfers.Transfer(ctx, domain.TransferRequest{
		SenderAccountID:   user.ID,
		ReceiverAccountID: merchant.ID,
		Amount:            amount,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	respondWithSuccess(w, "Payment successful", models.MerchantPaymentResponse{
		UserBalance:     res.SenderBalance,
		MerchantBalance: res.ReceiverBalance,
		EntryID:         res.EntryID,
		IdempotencyKey:  res.IdempotencyKey,
		Replayed:        res.Replayed,
	})
}

// settle handles /addamount and /deductamount: the caller asks the bank to move money.
func (h *Handler) settle(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.BankAmountRequest
		if err := decodeJSON(w, r, &req); err != nil {
			fail(w, r, err)
			return
		}
		amount, err := models.ParseAmount(req.Amount)
		if err != nil {
			fail(w, r, err)
			return
		}
		userID, err := callerOr(r, req.UserID)
		if err != nil {
			fail(w, r, err)
			return
		}

		key := r.Header.Get("Idempotency-Key")
		var res *domain.TransferResult
		if op == gateway.OpAdd {
			res, err = h.settlement.RequestAdd(r.Context(), userID, amount, key)
		} else {
			res, err = h.settlement.RequestDeduct(r.Context(), userID, amount, key)
		}
		if err != nil {
			fail(w, r, err)
			return
		}
		respondWithSuccess(w, "Bank "+op+" successful", bankAmountResponse(op, res))
	}
}

// book handles the bank's /addbalance and /deductbalance callbacks. The bank
// must name the settlement it reports, or a redelivered callback would book twice.
func (h *Handler) book(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			fail(w, r, domain.Invalid("Idempotency-Key", "header is required"))
			return
		}
		var req models.BankAmountRequest
		if err := decodeJSON(w, r, &req); err != nil {
			fail(w, r, err)
			return
		}
		amount, err := models.ParseAmount(req.Amount)
		if err != nil {
			fail(w, r, err)
			return
		}
		res, err := h.settlement.Book(r.Context(), op, req.UserID, amount, key)
		if err != nil {
			fail(w, r, err)
			return
		}
		respondWithSuccess(w, "Balance updated", bankAmountResponse(op, res))
	}
}

func bankAmountResponse(op string, res *domain.TransferResult) models.BankAmountResponse {
	balance := res.ReceiverBalance
	if op == gateway.OpDeduct {
		balance = res.SenderBalance
	}
	return models.BankAmountResponse{
		UserBalance:    balance,
		EntryID:        res.EntryID,
		IdempotencyKey: res.IdempotencyKey,
		Replayed:       res.Replayed,
	}
}

func (h *Handler) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	acc, err := h.queries.Balance(r.Context(), id.Kind, id.PrincipalID)
	if err != nil {
		fail(w, r, err)
		return
	}
	respondWithSuccess(w, "Balance fetched", models.BalanceResponse{AccountID: acc.ID, Balance: acc.Balance})
}

func (h *Handler) GetUserInfoHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"], "id")
	if err != nil {
		fail(w, r, err)
		return
	}
	p, err := h.queries.UserByID(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	respondWithSuccess(w, "User found", models.UserInfo{ID: p.ID, Name: p.Name})
}

func (h *Handler) ByNameHandler(w http.ResponseWriter, r *http.Request) {
	users, err := h.queries.UsersByName(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]models.UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, models.UserInfo{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	respondWithSuccess(w, "Users found", out)
}

func (h *Handler) ByEmailHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.queries.UserByEmail(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondWithSuccess(w, "User found", models.UserInfo{ID: p.ID, Name: p.Name, Email: p.Email})
}

// history serves one ledger view. The owner id comes from the path variable
// "id" or from query parameter param, and defaults to the caller.
func (h *Handler) history(kind domain.OwnerKind, dir domain.Direction, entryKind domain.EntryKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := mux.Vars(r)["id"]
		if !ok {
			raw = r.URL.Query().Get(param)
		}
		ownerID, err := ownerOrCaller(r, raw, param)
		if err != nil {
			fail(w, r, err)
			return
		}
		items, err := h.queries.History(r.Context(), kind, ownerID, dir, entryKind)
		if err != nil {
			fail(w, r, err)
			return
		}
		respondWithSuccess(w, "History fetched", items)
	}
}

// requireCaller rejects money movements whose sender is not the caller.
func requireCaller(r *http.Request, senderID int64) error {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return domain.ErrUnauthorized
	}
	if id.PrincipalID != senderID {
		return domain.ErrForbidden
	}
	return nil
}

// callerOr returns userID, or the caller when userID is zero.
func callerOr(r *http.Request, userID int64) (int64, error) {
	if userID == 0 {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			return 0, domain.ErrUnauthorized
		}
		return id.PrincipalID, nil
	}
	return userID, requireCaller(r, userID)
}

func ownerOrCaller(r *http.Request, raw, field string) (int64, error) {
	if raw == "" {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			return 0, domain.ErrUnauthorized
		}
		return id.PrincipalID, nil
	}
	return parseID(raw, field)
}

func parseID(raw, field string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Invalid(field, "must be a positive integer")
	}
	return id, nil
}
