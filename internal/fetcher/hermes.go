package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bundlegate/internal/oracle"
)

const hermesLatestPath = "/v2/updates/price/latest"

// HermesOptions parameterise the Pyth Hermes resolver.
type HermesOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// MaxAge makes the resolver report ErrPriceStale for older prices. Zero disables it.
	MaxAge time.Duration
	Clock  clock.Clock
}

// Hermes resolves feed prices from the Pyth Hermes HTTP service.
type Hermes struct {
	opts    HermesOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	clock   clock.Clock
}

// NewHermes constructs a Hermes resolver.
func NewHermes(opts HermesOptions, logger zerolog.Logger) *Hermes {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Hermes{
		opts:    opts,
		logger:  logger.With().Str("component", "hermes_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		clock:   clk,
	}
}

// Resolve fetches the latest parsed price for id.
func (h *Hermes) Resolve(ctx context.Context, id oracle.FeedID) (oracle.PriceData, error) {
	query := url.Values{}
	query.Set("ids[]", id.String())
	query.Set("parsed", "true")
	query.Set("encoding", "hex")

	endpoint := h.baseURL + hermesLatestPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return oracle.PriceData{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return oracle.PriceData{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return oracle.PriceData{}, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return oracle.PriceData{}, oracle.ErrPriceNotFound
	case resp.StatusCode != http.StatusOK:
		return oracle.PriceData{}, parseHTTPError("hermes", resp.StatusCode, payload)
	}

	var res latestResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return oracle.PriceData{}, fmt.Errorf("decode hermes response: %w", err)
	}

	for _, update := range res.Parsed {
		if !strings.EqualFold(strings.TrimPrefix(update.ID, "0x"), id.String()) {
			continue
		}
		price, err := update.Price.toPriceData()
		if err != nil {
			return oracle.PriceData{}, fmt.Errorf("feed %s: %w", id, err)
		}
		if h.opts.MaxAge > 0 && price.Age(h.clock.Now()) > h.opts.MaxAge {
			h.logger.Debug().Str("feed", id.String()).Int64("publish_time", price.PublishTime).Msg("hermes returned stale price")
			return oracle.PriceData{}, oracle.ErrPriceStale
		}
		return price, nil
	}
	return oracle.PriceData{}, oracle.ErrPriceNotFound
}

type latestResponse struct {
	Parsed []parsedUpdate `json:"parsed"`
}

type parsedUpdate struct {
	ID    string      `json:"id"`
	Price hermesPrice `json:"price"`
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func (p hermesPrice) toPriceData() (oracle.PriceData, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return oracle.PriceData{}, fmt.Errorf("parse price: %w", err)
	}
	conf, err := decimal.NewFromString(p.Conf)
	if err != nil {
		return oracle.PriceData{}, fmt.Errorf("parse conf: %w", err)
	}
	if !price.IsInteger() || !price.BigInt().IsInt64() {
		return oracle.PriceData{}, errors.New("price is not a 64-bit integer")
	}
	if conf.IsNegative() || !conf.IsInteger() || !conf.BigInt().IsUint64() {
		return oracle.PriceData{}, errors.New("conf is not an unsigned 64-bit integer")
	}
	return oracle.PriceData{
		Price:       price.IntPart(),
		Conf:        conf.BigInt().Uint64(),
		Expo:        p.Expo,
		PublishTime: p.PublishTime,
	}, nil
}
