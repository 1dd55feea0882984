// Package oracle fetches USD spot prices from public price APIs.
package oracle

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/shopspring/decimal"
)

const (
	PanoraName    = "panora"
	CoinGeckoName = "coingecko"
)

// Panora requires an API key; the caller configures it on the HTTP client.
type Panora struct {
	http    *upstream.Client
	baseURL string
}

func NewPanora(baseURL string, http *upstream.Client) *Panora {
	return &Panora{http: http, baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *Panora) Name() string { return PanoraName }

// FetchPrice reads /v1/price/{asset}. The body carries the price as either
// "price" or "usd".
func (p *Panora) FetchPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	var resp struct {
		Price decimal.NullDecimal `json:"price"`
		USD   decimal.NullDecimal `json:"usd"`
	}
	if err := p.http.GetJSON(ctx, fmt.Sprintf("%s/v1/price/%s", p.baseURL, url.PathEscape(asset)), &resp); err != nil {
		return decimal.Zero, err
	}
	switch {
	case resp.Price.Valid && resp.Price.Decimal.IsPositive():
		return resp.Price.Decimal, nil
	case resp.USD.Valid && resp.USD.Decimal.IsPositive():
		return resp.USD.Decimal, nil
	}
	return decimal.Zero, upstream.Errorf(upstream.KindMalformedResponse, PanoraName, "no positive price for %s", asset)
}

type CoinGecko struct {
	http    *upstream.Client
	baseURL string
}

func NewCoinGecko(baseURL string, http *upstream.Client) *CoinGecko {
	return &CoinGecko{http: http, baseURL: strings.TrimRight(baseURL, "/")}
}

func (g *CoinGecko) Name() string { return CoinGeckoName }

// FetchPrice reads /simple/price for a CoinGecko coin id.
func (g *CoinGecko) FetchPrice(ctx context.Context, id string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")

	var resp map[string]struct {
		USD decimal.NullDecimal `json:"usd"`
	}
	if err := g.http.GetJSON(ctx, g.baseURL+"/simple/price?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, err
	}
	entry, ok := resp[id]
	if !ok {
		return decimal.Zero, upstream.Errorf(upstream.KindNoData, CoinGeckoName, "no price for %s", id)
	}
	if !entry.USD.Valid || !entry.USD.Decimal.IsPositive() {
		return decimal.Zero, upstream.Errorf(upstream.KindMalformedResponse, CoinGeckoName, "no positive usd price for %s", id)
	}
	return entry.USD.Decimal, nil
}
