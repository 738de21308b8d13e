package domain

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token is an ERC-20 asset observed in at least one pool.
type Token struct {
	ID               string
	Address          string
	Symbol           string
	Decimals         uint8
	IsReferenceAsset bool
	PriceUSD         *decimal.Decimal
	PriceUpdatedAt   *time.Time
	CreatedAt        time.Time
}

// ReferenceMode says how a reference asset obtains its USD price.
type ReferenceMode string

const (
	// ReferencePinned assets have a fixed configured price (stablecoins).
	ReferencePinned ReferenceMode = "pinned"
	// ReferenceDerived assets are priced from their pools against pinned
	// references (wrapped native tokens).
	ReferenceDerived ReferenceMode = "derived"
)

// ReferenceAsset is a configured USD price anchor.
type ReferenceAsset struct {
	Address     string
	Mode        ReferenceMode
	PinnedPrice decimal.Decimal
}

// NormalizeAddress lowercases a hex address and validates its shape.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// TokenID returns the identifier used for a normalized token address.
func TokenID(address string) string {
	return strings.ToLower(address)
}
