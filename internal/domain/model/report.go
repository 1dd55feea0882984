package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CacheStatus string

const (
	CacheHit   CacheStatus = "hit"
	CacheMiss  CacheStatus = "miss"
	CacheStale CacheStatus = "stale"
)

type CacheInfo struct {
	Status    CacheStatus `json:"status"`
	ElapsedMs int64       `json:"elapsed_ms"`
	StoredAt  time.Time   `json:"stored_at"`
	Shared    bool        `json:"shared"`
}

// ItemReport is the outcome for a single token of an asset class. Exactly one
// of Amount and Error is set.
type ItemReport struct {
	Symbol    string            `json:"symbol"`
	AssetType string            `json:"asset_type"`
	Decimals  uint8             `json:"decimals"`
	Amount    *NormalizedAmount `json:"amount,omitempty"`
	Display   string            `json:"display,omitempty"`
	ValueUSD  decimal.Decimal   `json:"value_usd"`
	// Share is the item's percentage of the report total.
	Share  decimal.Decimal `json:"share"`
	Source SourceID        `json:"source,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (i ItemReport) Failed() bool {
	return i.Amount == nil
}

type AggregateReport struct {
	ID              uuid.UUID             `json:"id"`
	AssetClass      string                `json:"asset_class"`
	Precision       uint8                 `json:"precision"`
	Items           map[string]ItemReport `json:"items"`
	Total           NormalizedAmount      `json:"total"`
	TotalDisplay    string                `json:"total_display"`
	TotalValueUSD   decimal.Decimal       `json:"total_value_usd"`
	Price           *Price                `json:"price,omitempty"`
	PriceError      string                `json:"price_error,omitempty"`
	PartialFailures []string              `json:"partial_failures"`
	GeneratedAt     time.Time             `json:"generated_at"`
	Cache           CacheInfo             `json:"cache"`
}

func (r *AggregateReport) IsPartial() bool {
	return len(r.PartialFailures) > 0
}

func (r *AggregateReport) IsStale() bool {
	return r.Cache.Status == CacheStale
}
