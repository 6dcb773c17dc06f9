package transport

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidLinkRule is returned when a link rule is out of range.
var ErrInvalidLinkRule = errors.New("transport: invalid link rule")

var linkValidate = validator.New()

// LinkRule controls connectivity for an unordered node pair.
type LinkRule struct {
	Up bool `json:"up" yaml:"up"`
	// DropRate is the probability that one record transfer is lost.
	DropRate float64 `json:"drop_rate" yaml:"drop_rate" validate:"gte=0,lte=1"`
	// LatencyTicks is the store-and-forward delay before delivery.
	LatencyTicks int `json:"latency_ticks" yaml:"latency_ticks" validate:"gte=0"`
	// BandwidthLimit caps records sent per exchange per tick.
	BandwidthLimit int `json:"bandwidth_limit" yaml:"bandwidth_limit" validate:"gte=1"`
}

// DefaultLinkRule applies to pairs with no configured rule.
func DefaultLinkRule() LinkRule {
	return LinkRule{Up: true, DropRate: 0, LatencyTicks: 0, BandwidthLimit: 100}
}

// Validate checks the rule's ranges.
func (r LinkRule) Validate() error {
	if err := linkValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLinkRule, err)
	}
	return nil
}

// Map returns the dictionary form used in exports.
func (r LinkRule) Map() map[string]any {
	return map[string]any{
		"up":              r.Up,
		"drop_rate":       r.DropRate,
		"latency_ticks":   r.LatencyTicks,
		"bandwidth_limit": r.BandwidthLimit,
	}
}

type linkKey struct{ src, dst string }
