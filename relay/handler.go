package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/ratelimit"
)

// Handler serves the public relay surface.
type Handler struct {
	gateway *Gateway
	logger  *slog.Logger
}

// NewHandler builds a Handler over the gateway.
func NewHandler(gateway *Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gateway: gateway, logger: logger}
}

// Mount registers the relay routes on a chi router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/nonce/{address}", h.getNonce)
	r.Post("/submit", h.postSubmit)
	r.Get("/gas-costs/{address}", h.getGasCosts)
}

type nonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

func (h *Handler) getNonce(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	nonce, err := h.gateway.Expected(r.Context(), address)
	if err != nil {
		h.logger.Error("read nonce", "address", address, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, nonceResponse{Nonce: nonce})
}

type submitRequest struct {
	Request   wireRequest `json:"request"`
	PublicKey string      `json:"public_key"`
	Signature string      `json:"signature"`
}

type wireRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Gas   uint64 `json:"gas"`
	Nonce uint64 `json:"nonce"`
	Data  []byte `json:"data"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) postSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "invalid request body"})
		return
	}

	signed, err := body.toSigned()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: err.Error()})
		return
	}

	receipt, err := h.gateway.Submit(r.Context(), signed)
	if err != nil {
		status := statusFor(err)
		h.logger.Warn("submission rejected",
			"from", signed.Request.From, "to", signed.Request.To, "status", status, "error", err)
		writeJSON(w, status, submitResponse{TxHash: receipt.TxHash, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{Success: true, TxHash: receipt.TxHash})
}

type spendResponse struct {
	Records []spendRow `json:"records"`
}

type spendRow struct {
	TxHash    string    `json:"txHash"`
	GasCost   string    `json:"gasCost"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handler) getGasCosts(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	from, err := parseDate(r.URL.Query().Get("startDate"), time.Time{})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid startDate"})
		return
	}
	to, err := parseDate(r.URL.Query().Get("endDate"), time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid endDate"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
	}

	records, err := h.gateway.SpendHistory(r.Context(), address, from, to, limit)
	if err != nil {
		h.logger.Error("list spend history", "address", address, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	rows := make([]spendRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, spendRow{
			TxHash:    rec.TxHash,
			GasCost:   rec.GasCost.String(),
			Target:    rec.Target,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, spendResponse{Records: rows})
}

func (b submitRequest) toSigned() (SignedRequest, error) {
	value := decimal.Zero
	if b.Request.Value != "" {
		var err error
		value, err = decimal.NewFromString(b.Request.Value)
		if err != nil {
			return SignedRequest{}, errors.New("invalid value")
		}
	}
	pub, err := base64.StdEncoding.DecodeString(b.PublicKey)
	if err != nil {
		return SignedRequest{}, errors.New("invalid public_key encoding")
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return SignedRequest{}, errors.New("invalid signature encoding")
	}

	return SignedRequest{
		Request: Request{
			From:  b.Request.From,
			To:    b.Request.To,
			Value: value,
			Gas:   b.Request.Gas,
			Nonce: b.Request.Nonce,
			Data:  b.Request.Data,
		},
		PublicKey: pub,
		Signature: sig,
	}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidNonce):
		return http.StatusConflict
	case errors.Is(err, ErrAccountFrozen), errors.Is(err, ErrKYCNotVerified):
		return http.StatusForbidden
	case errors.Is(err, ratelimit.ErrRateLimitExceeded), errors.Is(err, ratelimit.ErrDailyBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, ErrTargetFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseDate(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
