package classify

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"bundlegate/internal/bundle"
)

// Category is what an instruction payload is believed to do.
type Category int

const (
	Unknown Category = iota
	PriceUpdate
	Swap
	AddLiquidity
)

func (c Category) String() string {
	switch c {
	case PriceUpdate:
		return "price_update"
	case Swap:
		return "swap"
	case AddLiquidity:
		return "add_liquidity"
	default:
		return "unknown"
	}
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "price_update":
		return PriceUpdate, nil
	case "swap":
		return Swap, nil
	case "add_liquidity":
		return AddLiquidity, nil
	}
	return Unknown, fmt.Errorf("unknown instruction category %q", s)
}

// MarketMaking reports whether the category marks AMM activity.
func (c Category) MarketMaking() bool {
	return c == Swap || c == AddLiquidity
}

// Discriminator is the 8-byte selector prefix of an instruction payload.
type Discriminator [bundle.DiscriminatorLen]byte

func (d Discriminator) String() string { return hex.EncodeToString(d[:]) }

// ParseDiscriminator decodes a 16 character hex selector, with or without 0x.
func ParseDiscriminator(s string) (Discriminator, error) {
	var d Discriminator
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return d, fmt.Errorf("parse discriminator %q: %w", s, err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("parse discriminator %q: want %d bytes, got %d", s, len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Known selectors.
var (
	UpdatePriceDiscriminator      = Discriminator{0x01}
	UpdatePriceFeedsDiscriminator = Discriminator{0x02}
	SwapDiscriminator             = Discriminator{0x66, 0x06, 0x3d, 0x12, 0x01, 0x6f, 0x8e, 0xa5}
	AddLiquidityDiscriminator     = Discriminator{0xf8, 0xc6, 0x9e, 0x91, 0xe1, 0x7a, 0x9c, 0x93}
)

// Classifier maps an instruction payload onto a Category.
type Classifier interface {
	Classify(data []byte) Category
}

// Table is a discriminator lookup safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries map[Discriminator]Category
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[Discriminator]Category)}
}

// Default returns a table seeded with the known price-update and AMM selectors.
func Default() *Table {
	t := NewTable()
	t.Register(UpdatePriceDiscriminator, PriceUpdate)
	t.Register(UpdatePriceFeedsDiscriminator, PriceUpdate)
	t.Register(SwapDiscriminator, Swap)
	t.Register(AddLiquidityDiscriminator, AddLiquidity)
	return t
}

// Register adds or replaces a selector.
func (t *Table) Register(d Discriminator, c Category) {
	t.mu.Lock()
	t.entries[d] = c
	t.mu.Unlock()
}

// Len reports the number of registered selectors.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Classify looks up the leading eight bytes of data.
func (t *Table) Classify(data []byte) Category {
	if len(data) < bundle.DiscriminatorLen {
		return Unknown
	}
	var d Discriminator
	copy(d[:], data)

	t.mu.RLock()
	c, ok := t.entries[d]
	t.mu.RUnlock()
	if !ok {
		return Unknown
	}
	return c
}

// Rule is a configured table extension.
type Rule struct {
	Discriminator string `mapstructure:"discriminator" json:"discriminator"`
	Category      string `mapstructure:"category" json:"category"`
}

// FromRules builds the default table and applies rules on top.
func FromRules(rules []Rule) (*Table, error) {
	t := Default()
	for _, r := range rules {
		d, err := ParseDiscriminator(r.Discriminator)
		if err != nil {
			return nil, err
		}
		c, err := ParseCategory(r.Category)
		if err != nil {
			return nil, err
		}
		t.Register(d, c)
	}
	return t, nil
}

var _ Classifier = (*Table)(nil)
