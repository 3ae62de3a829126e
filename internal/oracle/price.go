package oracle

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// FeedID identifies an external price source.
type FeedID [32]byte

// FeedIDFromKey derives the feed id from the referenced price account.
func FeedIDFromKey(key solana.PublicKey) FeedID {
	return FeedID(key)
}

// ParseFeedID accepts 64 hex characters (optionally 0x-prefixed) or a base58 account key.
func ParseFeedID(s string) (FeedID, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) == 64 {
		raw, err := hex.DecodeString(trimmed)
		if err == nil {
			var id FeedID
			copy(id[:], raw)
			return id, nil
		}
	}
	key, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return FeedID{}, fmt.Errorf("parse feed id %q: %w", s, err)
	}
	return FeedIDFromKey(key), nil
}

func (id FeedID) String() string { return hex.EncodeToString(id[:]) }

// MarshalText encodes the id as lowercase hex.
func (id FeedID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText accepts the forms understood by ParseFeedID.
func (id *FeedID) UnmarshalText(text []byte) error {
	parsed, err := ParseFeedID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PriceData is a decoded price observation. Price and Conf are scaled by 10^Expo.
type PriceData struct {
	Price       int64  `json:"price"`
	Conf        uint64 `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// Value returns the price as a decimal.
func (p PriceData) Value() decimal.Decimal {
	return decimal.New(p.Price, p.Expo)
}

// Interval returns the confidence interval as a decimal.
func (p PriceData) Interval() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(p.Conf), p.Expo)
}

// ConfidenceRatio returns conf/|price|. ok is false when the price is zero.
func (p PriceData) ConfidenceRatio() (ratio decimal.Decimal, ok bool) {
	if p.Price == 0 {
		return decimal.Zero, false
	}
	price := decimal.NewFromInt(p.Price).Abs()
	conf := decimal.NewFromBigInt(new(big.Int).SetUint64(p.Conf), 0)
	return conf.Div(price), true
}

// Age returns how long ago the price was published. Future timestamps count as zero.
func (p PriceData) Age(now time.Time) time.Duration {
	age := now.Unix() - p.PublishTime
	if age <= 0 {
		return 0
	}
	return time.Duration(age) * time.Second
}

// StaleAt reports whether the price is older than maxAgeSeconds at now.
func (p PriceData) StaleAt(now time.Time, maxAgeSeconds int64) bool {
	return now.Unix()-p.PublishTime > maxAgeSeconds
}
