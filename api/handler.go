package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/compliance"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/vault"
)

// Handler serves the authenticated operator surface: escrow administration,
// arbitration and configuration. Party-facing fund movement goes through the
// relay instead.
type Handler struct {
	ledger   *escrow.Service
	resolver *dispute.Resolver
	flags    compliance.Registry
	auth     *auth.Service
	logger   *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(ledger *escrow.Service, resolver *dispute.Resolver, flags compliance.Registry, authSvc *auth.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, resolver: resolver, flags: flags, auth: authSvc, logger: logger}
}

// Mount registers the operator routes. Everything except login/register sits
// behind the bearer-token middleware.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/auth/register", h.register)
	r.Post("/auth/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/escrows", h.createEscrow)
		r.Get("/escrows/{invoiceID}", h.getEscrow)
		r.Get("/escrows/{invoiceID}/events", h.getEvents)
		r.Post("/escrows/{invoiceID}/resolve", h.resolveDispute)
		r.Put("/config/fee", h.setFee)
		r.Put("/config/treasury", h.setTreasury)
		r.Put("/compliance/{party}", h.setCompliance)
	})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": user.ID, "email": user.Email, "role": user.Role})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": result.Token, "role": result.User.Role})
}

type createEscrowRequest struct {
	InvoiceID  string          `json:"invoice_id"`
	Seller     string          `json:"seller"`
	Buyer      string          `json:"buyer"`
	Amount     string          `json:"amount"`
	Token      string          `json:"token"`
	DurationMS int64           `json:"duration_ms"`
	Collateral *collateralBody `json:"collateral,omitempty"`
}

type collateralBody struct {
	Asset   string `json:"asset"`
	TokenID uint64 `json:"token_id"`
	Owner   string `json:"owner"`
}

func (h *Handler) createEscrow(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserID(r.Context())

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	params := escrow.CreateParams{
		InvoiceID: req.InvoiceID,
		Seller:    req.Seller,
		Buyer:     req.Buyer,
		Amount:    amount,
		Token:     req.Token,
		Duration:  time.Duration(req.DurationMS) * time.Millisecond,
	}
	if req.Collateral != nil {
		params.Collateral = &vault.Item{
			Asset:   req.Collateral.Asset,
			TokenID: req.Collateral.TokenID,
			Owner:   req.Collateral.Owner,
		}
	}

	rec, err := h.ledger.Create(r.Context(), actor, params)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, recordBody(rec))
}

func (h *Handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Get(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordBody(rec))
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.ledger.History(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"id": ev.ID, "type": ev.Type, "actor": ev.Actor,
			"payload": ev.Payload, "created_at": ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type resolveRequest struct {
	FavorSeller bool `json:"favor_seller"`
}

func (h *Handler) resolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserID(r.Context())

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := h.resolver.Resolve(r.Context(), actor, chi.URLParam(r, "invoiceID"), req.FavorSeller)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordBody(rec))
}

type setFeeRequest struct {
	BasisPoints int64 `json:"basis_points"`
}

func (h *Handler) setFee(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserID(r.Context())

	var req setFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.ledger.SetFeeBasisPoints(r.Context(), actor, req.BasisPoints); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"basis_points": req.BasisPoints})
}

type setTreasuryRequest struct {
	Treasury string `json:"treasury"`
}

func (h *Handler) setTreasury(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserID(r.Context())

	var req setTreasuryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.ledger.SetTreasury(r.Context(), actor, req.Treasury); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"treasury": req.Treasury})
}

type complianceRequest struct {
	Verified bool `json:"verified"`
	Frozen   bool `json:"frozen"`
}

func (h *Handler) setCompliance(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserID(r.Context())
	if err := h.auth.Require(r.Context(), actor, escrow.CapabilityAdmin); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	var req complianceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	party := chi.URLParam(r, "party")
	flag := compliance.Flag{Party: party, Verified: req.Verified, Frozen: req.Frozen}
	if err := h.flags.Upsert(r.Context(), flag); err != nil {
		h.logger.Error("upsert compliance flags", "party", party, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"party": party, "verified": req.Verified, "frozen": req.Frozen})
}

func recordBody(rec escrow.Record) map[string]any {
	body := map[string]any{
		"invoice_id":       rec.InvoiceID,
		"seller":           rec.Seller,
		"buyer":            rec.Buyer,
		"amount":           rec.Amount.String(),
		"fee_basis_points": rec.FeeBasisPoints,
		"token":            rec.Token,
		"deadline":         rec.Deadline,
		"state":            rec.State,
		"seller_confirmed": rec.SellerConfirmed,
		"buyer_confirmed":  rec.BuyerConfirmed,
		"dispute_raised":   rec.DisputeRaised,
		"created_at":       rec.CreatedAt,
	}
	if rec.Collateral != nil {
		body["collateral"] = map[string]any{
			"asset": rec.Collateral.Asset, "token_id": rec.Collateral.TokenID, "owner": rec.Collateral.Owner,
		}
	}
	if rec.State == escrow.StateResolved {
		body["dispute_resolver"] = rec.DisputeResolver
		body["favor_seller"] = rec.DisputeFavorSeller
	}
	return body
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrDuplicateInvoice):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidDuration),
		errors.Is(err, escrow.ErrSameParty),
		errors.Is(err, escrow.ErrInvalidTreasury),
		errors.Is(err, fee.ErrInvalidBasisPoints):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotBuyer), errors.Is(err, escrow.ErrNotParty):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrAlreadyDeposited),
		errors.Is(err, escrow.ErrAlreadyConfirmed),
		errors.Is(err, escrow.ErrAlreadyDisputed),
		errors.Is(err, escrow.ErrNotDeposited),
		errors.Is(err, escrow.ErrNoDisputeRaised),
		errors.Is(err, escrow.ErrEscrowExpired):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrComplianceRejected):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
