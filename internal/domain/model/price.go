package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Price struct {
	Symbol    string          `json:"symbol"`
	USD       decimal.Decimal `json:"usd"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// MarketAsset is one asset listed by a lending market. Cash, liability and
// reserve are expressed in token units, not raw units.
type MarketAsset struct {
	Market         string          `json:"market"`
	Symbol         string          `json:"symbol"`
	Address        string          `json:"address"`
	FAAddress      string          `json:"fa_address"`
	Decimals       uint8           `json:"decimals"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
	TotalCash      decimal.Decimal `json:"total_cash"`
	TotalLiability decimal.Decimal `json:"total_liability"`
	TotalReserve   decimal.Decimal `json:"total_reserve"`
}

// Matches reports whether the listing refers to the given asset identifier,
// either by coin type or fungible asset address.
func (m MarketAsset) Matches(identifier string) bool {
	return identifier != "" && (m.Address == identifier || m.FAAddress == identifier)
}

