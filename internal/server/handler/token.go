package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// TokenReader exposes the token registry.
type TokenReader interface {
	Tokens() []domain.Token
	Token(tokenID string) (domain.Token, error)
}

// PriceReader exposes derived USD prices.
type PriceReader interface {
	GetTokenPriceUSD(ctx context.Context, tokenID string) (decimal.Decimal, time.Time, error)
}

// TokenHandler serves token and price endpoints.
type TokenHandler struct {
	tokens TokenReader
	prices PriceReader
	logger *slog.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(tokens TokenReader, prices PriceReader, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, prices: prices, logger: logger}
}

type tokenResponse struct {
	ID             string     `json:"id"`
	Address        string     `json:"address"`
	Symbol         string     `json:"symbol"`
	Decimals       uint8      `json:"decimals"`
	IsReference    bool       `json:"is_reference_asset"`
	PriceUSD       *string    `json:"price_usd"`
	PriceUpdatedAt *time.Time `json:"price_updated_at,omitempty"`
}

func (h *TokenHandler) render(ctx context.Context, t domain.Token) tokenResponse {
	resp := tokenResponse{
		ID:          t.ID,
		Address:     t.Address,
		Symbol:      t.Symbol,
		Decimals:    t.Decimals,
		IsReference: t.IsReferenceAsset,
	}
	if price, ts, err := h.prices.GetTokenPriceUSD(ctx, t.ID); err == nil {
		s := price.String()
		resp.PriceUSD = &s
		resp.PriceUpdatedAt = &ts
	}
	return resp
}

// ListTokens returns every known token with its current price.
// GET /api/tokens
func (h *TokenHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := h.tokens.Tokens()
	out := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, h.render(r.Context(), t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out, "total": len(out)})
}

// GetToken returns one token.
// GET /api/tokens/{id}
func (h *TokenHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	id, ok := addressParam(w, r, "id")
	if !ok {
		return
	}
	t, err := h.tokens.Token(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get token")
		return
	}
	writeJSON(w, http.StatusOK, h.render(r.Context(), t))
}

// GetPrice returns the USD price of a token, or 404 "price unavailable"
// when no route to a reference asset exists yet.
// GET /api/tokens/{id}/price
func (h *TokenHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := addressParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.tokens.Token(id); err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get price")
		return
	}
	price, ts, err := h.prices.GetTokenPriceUSD(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get price")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id":   id,
		"price_usd":  price.String(),
		"updated_at": ts,
	})
}
