package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/walletpay/backend/internal/models"
	"github.com/walletpay/backend/internal/services"
	"github.com/walletpay/backend/internal/store"
)

type WalletHandler struct {
	service   *services.TransactionService
	validator *services.ValidationHelper
}

func NewWalletHandler(service *services.TransactionService) *WalletHandler {
	return &WalletHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// RegisterUser creates a user and their wallet in one request.
func (h *WalletHandler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required,min=3,max=50"`
		Email    string `json:"email" validate:"required,email"`
		Currency string `json:"currency" validate:"omitempty,currency"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	user, wallet, err := h.service.RegisterUser(r.Context(), req.Username, req.Email, req.Currency)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"user":    user,
		"wallet":  wallet,
	})
}

// GetWallet returns the wallet balance for a user.
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), userID)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"wallet":  wallet,
		"balance": wallet.FormattedBalance(),
	})
}

type mutationRequest struct {
	UserID      int64           `json:"userId" validate:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Currency    string          `json:"currency" validate:"omitempty,currency"`
	Description string          `json:"description" validate:"omitempty,max=255"`
}

// Deposit credits a user's wallet.
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Deposit(r.Context(), req.UserID, req.Amount, req.Currency, req.Description)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendResult(w, result)
}

// Withdraw debits a user's wallet after fraud scoring.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Withdraw(r.Context(), req.UserID, req.Amount, req.Currency, req.Description)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendResult(w, result)
}

// Transfer moves value between two users' wallets.
func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID    int64           `json:"senderId" validate:"required,gt=0"`
		RecipientID int64           `json:"recipientId" validate:"required,gt=0"`
		Amount      decimal.Decimal `json:"amount" validate:"required,gt=0"`
		Currency    string          `json:"currency" validate:"omitempty,currency"`
		Description string          `json:"description" validate:"omitempty,max=255"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Transfer(r.Context(), req.SenderID, req.RecipientID, req.Amount, req.Currency, req.Description)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendResult(w, result)
}

// GetTransaction returns a single transaction.
func (h *WalletHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "txId")
	if !ok {
		return
	}

	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"transaction": txn,
	})
}

// ListTransactions returns a user's transaction history, newest first.
// Supports status, type, reference, date-range, amount-range and paging
// query parameters.
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	txns, err := h.service.GetTransactionHistory(r.Context(), userID, filter)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"transactions": txns,
		"count":        len(txns),
	})
}

// ListFlagged returns transactions awaiting review.
func (h *WalletHandler) ListFlagged(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagingFromQuery(r)

	txns, err := h.service.GetFlaggedTransactions(r.Context(), limit, offset)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"transactions": txns,
		"count":        len(txns),
	})
}

// ReviewTransaction approves or rejects a flagged transaction.
func (h *WalletHandler) ReviewTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "txId")
	if !ok {
		return
	}

	var req struct {
		Action     string `json:"action" validate:"required,oneof=approve reject"`
		ReviewerID int64  `json:"reviewerId" validate:"required,gt=0"`
		Comments   string `json:"comments" validate:"omitempty,max=500"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	txn, err := h.service.ReviewTransaction(r.Context(), id, req.Action, req.ReviewerID, req.Comments)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"transaction": txn,
	})
}

// CancelTransaction lets the sender abort a transaction that has not
// reached a terminal state.
func (h *WalletHandler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "txId")
	if !ok {
		return
	}

	var req struct {
		UserID int64 `json:"userId" validate:"required,gt=0"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	txn, err := h.service.CancelTransaction(r.Context(), id, req.UserID)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"transaction": txn,
	})
}

// DeleteTransaction soft-deletes a transaction record.
func (h *WalletHandler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "txId")
	if !ok {
		return
	}

	if err := h.service.DeleteTransaction(r.Context(), id); err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *WalletHandler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *WalletHandler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		services.SendErrorResponse(w, "Invalid "+param, http.StatusBadRequest, nil)
		return 0, false
	}
	return id, true
}

func (h *WalletHandler) sendResult(w http.ResponseWriter, result *services.TransactionResult) {
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":       true,
		"transaction":   result.Transaction,
		"walletBalance": result.WalletBalance.StringFixed(2),
	})
}

func (h *WalletHandler) sendServiceError(w http.ResponseWriter, err error) {
	var flagged *services.FlaggedError
	if errors.As(err, &flagged) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"success": false,
			"error":   "Transaction flagged for review",
			"flagged": flagged,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		services.SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrRecipientNotFound):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrSelfTransfer),
		errors.Is(err, services.ErrInvalidAction):
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, store.ErrDuplicateEmail),
		errors.Is(err, store.ErrDuplicateReference),
		errors.Is(err, store.ErrIllegalTransition),
		errors.Is(err, store.ErrMutationConflict):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, services.ErrNotTransactionOwner):
		services.SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	default:
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

func filterFromQuery(r *http.Request) (store.TransactionFilter, error) {
	q := r.URL.Query()
	filter := store.TransactionFilter{Reference: q.Get("reference")}

	if s := q.Get("status"); s != "" {
		filter.Status = models.TransactionStatus(s)
	}
	if t := q.Get("type"); t != "" {
		filter.Type = models.TransactionType(t)
	}
	if v := q.Get("startDate"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("startDate must be RFC3339")
		}
		filter.StartDate = &ts
	}
	if v := q.Get("endDate"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("endDate must be RFC3339")
		}
		filter.EndDate = &ts
	}
	if v := q.Get("minAmount"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return filter, errors.New("minAmount must be a number")
		}
		filter.MinAmount = &amount
	}
	if v := q.Get("maxAmount"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return filter, errors.New("maxAmount must be a number")
		}
		filter.MaxAmount = &amount
	}

	filter.Limit, filter.Offset = pagingFromQuery(r)
	return filter, nil
}

func pagingFromQuery(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
