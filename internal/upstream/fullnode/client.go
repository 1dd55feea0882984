// Package fullnode reads on-chain supply resources from an Aptos REST fullnode.
package fullnode

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/normalize"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
)

const SourceName = "aptos-fullnode"

const (
	faSupplyResource           = "0x1::fungible_asset::Supply"
	faConcurrentSupplyResource = "0x1::fungible_asset::ConcurrentSupply"
	coinInfoResource           = "0x1::coin::CoinInfo<%s>"
)

type Client struct {
	http    *upstream.Client
	baseURL string
}

func NewClient(baseURL string, http *upstream.Client) *Client {
	return &Client{http: http, baseURL: strings.TrimRight(baseURL, "/")}
}

type resource[T any] struct {
	Type string `json:"type"`
	Data T      `json:"data"`
}

type faSupply struct {
	Current struct {
		Value json.RawMessage `json:"value"`
	} `json:"current"`
}

type optionalValue struct {
	Vec []struct {
		Value json.RawMessage `json:"value"`
	} `json:"vec"`
}

type coinInfo struct {
	Supply struct {
		Vec []struct {
			Aggregator optionalValue `json:"aggregator"`
			Integer    optionalValue `json:"integer"`
		} `json:"vec"`
	} `json:"supply"`
}

// FetchSupply returns the current on-chain supply of a coin type or fungible
// asset. An asset without a supply resource fails with NoData.
func (c *Client) FetchSupply(ctx context.Context, assetType string) (*big.Int, error) {
	if model.StandardOf(assetType) == model.StandardCoin {
		return c.fetchCoinSupply(ctx, assetType)
	}
	return c.fetchFASupply(ctx, assetType)
}

func (c *Client) fetchFASupply(ctx context.Context, addr string) (*big.Int, error) {
	for _, res := range []string{faSupplyResource, faConcurrentSupplyResource} {
		var r resource[faSupply]
		err := c.http.GetJSON(ctx, c.resourceURL(addr, res), &r)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := normalize.ParseJSONInteger(r.Data.Current.Value)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", addr, res, err)
		}
		if v == nil {
			return nil, upstream.Errorf(upstream.KindMalformedResponse, SourceName, "%s %s has no current value", addr, res)
		}
		return v, nil
	}
	return nil, upstream.Errorf(upstream.KindNoData, SourceName, "no supply resource at %s", addr)
}

func (c *Client) fetchCoinSupply(ctx context.Context, coinType string) (*big.Int, error) {
	addr, _, _ := strings.Cut(coinType, "::")
	res := fmt.Sprintf(coinInfoResource, coinType)

	var r resource[coinInfo]
	err := c.http.GetJSON(ctx, c.resourceURL(addr, res), &r)
	if isNotFound(err) {
		return nil, upstream.Errorf(upstream.KindNoData, SourceName, "no coin info for %s", coinType)
	}
	if err != nil {
		return nil, err
	}

	if len(r.Data.Supply.Vec) == 0 {
		return nil, upstream.Errorf(upstream.KindNoData, SourceName, "%s does not track supply", coinType)
	}
	s := r.Data.Supply.Vec[0]
	var raw json.RawMessage
	switch {
	case len(s.Aggregator.Vec) > 0:
		raw = s.Aggregator.Vec[0].Value
	case len(s.Integer.Vec) > 0:
		raw = s.Integer.Vec[0].Value
	default:
		return nil, upstream.Errorf(upstream.KindMalformedResponse, SourceName, "%s supply has neither aggregator nor integer", coinType)
	}
	v, err := normalize.ParseJSONInteger(raw)
	if err != nil {
		return nil, fmt.Errorf("%s supply: %w", coinType, err)
	}
	if v == nil {
		return nil, upstream.Errorf(upstream.KindMalformedResponse, SourceName, "%s supply value is null", coinType)
	}
	return v, nil
}

func (c *Client) resourceURL(addr, resourceType string) string {
	return fmt.Sprintf("%s/accounts/%s/resource/%s", c.baseURL, addr, url.PathEscape(resourceType))
}

func isNotFound(err error) bool {
	return err != nil && upstream.StatusCodeOf(err) == http.StatusNotFound
}
