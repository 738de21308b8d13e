package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WindowKind names a rolling volume window.
type WindowKind string

const (
	Window1h  WindowKind = "1h"
	Window24h WindowKind = "24h"
	Window7d  WindowKind = "7d"
	Window30d WindowKind = "30d"
)

// AllWindows lists every supported window, shortest first.
var AllWindows = []WindowKind{Window1h, Window24h, Window7d, Window30d}

// Duration returns the nominal length of the window.
func (w WindowKind) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	case Window30d:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseWindow validates a window name.
func ParseWindow(s string) (WindowKind, error) {
	w := WindowKind(s)
	if w.Duration() == 0 {
		return "", fmt.Errorf("unknown window %q: %w", s, ErrInvalidArgument)
	}
	return w, nil
}

// VolumeWindow is a live rolling aggregate for a token or pool. For pools
// VolumeTokenUnits holds the token0 side and VolumeToken1Units the token1 side.
type VolumeWindow struct {
	EntityID          string          `json:"entity_id"`
	Window            WindowKind      `json:"window"`
	VolumeTokenUnits  decimal.Decimal `json:"volume_token_units"`
	VolumeToken1Units decimal.Decimal `json:"volume_token1_units,omitempty"`
	VolumeUSD         decimal.Decimal `json:"volume_usd"`
	SwapCount         int             `json:"swap_count"`
	UnpricedSwaps     int             `json:"unpriced_swaps"`
	WindowStart       time.Time       `json:"window_start"`
	WindowEnd         time.Time       `json:"window_end"`
}
