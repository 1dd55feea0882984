// Package echelon reads lending-market listings from the Echelon markets API.
package echelon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/normalize"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/shopspring/decimal"
)

const SourceName = "echelon"

type Client struct {
	http   *upstream.Client
	url    string
	logger *slog.Logger
}

func NewClient(url string, http *upstream.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   http,
		url:    url,
		logger: logger.With("component", "echelon"),
	}
}

type marketsResponse struct {
	Data *struct {
		Assets      []assetJSON  `json:"assets"`
		MarketStats []statsEntry `json:"marketStats"`
	} `json:"data"`
}

type assetJSON struct {
	Market    string          `json:"market"`
	Symbol    string          `json:"symbol"`
	Address   string          `json:"address"`
	FAAddress string          `json:"faAddress"`
	Price     decimal.Decimal `json:"price"`
	Decimals  *int            `json:"decimals"`
}

type statsJSON struct {
	TotalCash      decimal.Decimal `json:"totalCash"`
	TotalLiability decimal.Decimal `json:"totalLiability"`
	TotalReserve   decimal.Decimal `json:"totalReserve"`
}

// statsEntry is one [key, stats] tuple. The key is an asset or market address.
type statsEntry struct {
	Key   string
	Stats statsJSON
}

func (e *statsEntry) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("market stats tuple has %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.Key); err != nil {
		return fmt.Errorf("market stats key: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.Stats); err != nil {
		return fmt.Errorf("market stats %s: %w", e.Key, err)
	}
	return nil
}

// FetchMarkets returns every listed asset that has market stats. Listings
// without stats or with unusable decimals are dropped, so lookups for those
// assets miss and fall through to another source.
func (c *Client) FetchMarkets(ctx context.Context) ([]model.MarketAsset, error) {
	var resp marketsResponse
	if err := c.http.GetJSON(ctx, c.url, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.Assets == nil {
		return nil, upstream.New(upstream.KindMalformedResponse, SourceName, "response has no data.assets")
	}

	stats := make(map[string]statsJSON, len(resp.Data.MarketStats))
	for _, e := range resp.Data.MarketStats {
		stats[e.Key] = e.Stats
	}

	out := make([]model.MarketAsset, 0, len(resp.Data.Assets))
	for _, a := range resp.Data.Assets {
		if a.Decimals == nil || *a.Decimals < 0 || *a.Decimals > normalize.MaxDecimals {
			c.logger.Debug("skipping listing with unusable decimals", "symbol", a.Symbol, "market", a.Market)
			continue
		}
		s, ok := findStats(stats, a)
		if !ok {
			c.logger.Debug("skipping listing without market stats", "symbol", a.Symbol, "market", a.Market)
			continue
		}
		out = append(out, model.MarketAsset{
			Market:         a.Market,
			Symbol:         a.Symbol,
			Address:        a.Address,
			FAAddress:      a.FAAddress,
			Decimals:       uint8(*a.Decimals),
			PriceUSD:       a.Price,
			TotalCash:      s.TotalCash,
			TotalLiability: s.TotalLiability,
			TotalReserve:   s.TotalReserve,
		})
	}
	return out, nil
}

// findStats looks stats up by asset address first, then by market address.
func findStats(stats map[string]statsJSON, a assetJSON) (statsJSON, bool) {
	for _, key := range []string{a.Address, a.FAAddress, a.Market} {
		if key == "" {
			continue
		}
		if s, ok := stats[key]; ok {
			return s, true
		}
	}
	return statsJSON{}, false
}

// Find returns the listing for an asset identifier.
func Find(markets []model.MarketAsset, identifier string) (model.MarketAsset, bool) {
	for _, m := range markets {
		if m.Matches(identifier) {
			return m, true
		}
	}
	return model.MarketAsset{}, false
}
