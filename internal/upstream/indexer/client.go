// Package indexer queries the Aptos indexer GraphQL API. Multi-identifier
// lookups are sent as one request with one aliased field per identifier and
// answered positionally.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/normalize"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
)

const SourceName = "aptos-indexer"

// Hasura extension codes that mean the query itself was rejected.
var rejectedCodes = map[string]bool{
	"validation-failed": true,
	"parse-failed":      true,
	"access-denied":     true,
	"invalid-headers":   true,
}

type Client struct {
	http *upstream.Client
	url  string
}

func NewClient(url string, http *upstream.Client) *Client {
	return &Client{http: http, url: url}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func (c *Client) query(ctx context.Context, q string, vars map[string]any) (map[string]json.RawMessage, error) {
	var resp graphQLResponse
	if err := c.http.PostJSON(ctx, c.url, graphQLRequest{Query: q, Variables: vars}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		first := resp.Errors[0]
		kind := upstream.KindMalformedResponse
		if rejectedCodes[first.Extensions.Code] {
			kind = upstream.KindClient
		}
		return nil, upstream.Errorf(kind, SourceName, "graphql: %s (%d errors)", first.Message, len(resp.Errors))
	}
	if resp.Data == nil {
		return nil, upstream.New(upstream.KindMalformedResponse, SourceName, "graphql response has no data")
	}
	return resp.Data, nil
}

// FetchAggregateBalances sums current fungible asset balances for each asset
// type. The result is aligned with assetTypes; nil means the indexer holds
// no balances for that asset.
func (c *Client) FetchAggregateBalances(ctx context.Context, assetTypes []string) ([]*big.Int, error) {
	if len(assetTypes) == 0 {
		return nil, nil
	}

	var (
		params []string
		fields []string
		vars   = make(map[string]any, len(assetTypes))
	)
	for i, t := range assetTypes {
		params = append(params, fmt.Sprintf("$t%d: String", i))
		fields = append(fields, fmt.Sprintf(
			"b_%d: current_fungible_asset_balances_aggregate(where: {asset_type: {_eq: $t%d}}) { aggregate { sum { amount } } }", i, i))
		vars[fmt.Sprintf("t%d", i)] = t
	}
	q := fmt.Sprintf("query AggregateBalances(%s) {\n%s\n}", strings.Join(params, ", "), strings.Join(fields, "\n"))

	data, err := c.query(ctx, q, vars)
	if err != nil {
		return nil, err
	}

	out := make([]*big.Int, len(assetTypes))
	for i, t := range assetTypes {
		raw, ok := data[fmt.Sprintf("b_%d", i)]
		if !ok {
			return nil, upstream.Errorf(upstream.KindMalformedResponse, SourceName, "response missing b_%d", i)
		}
		var agg struct {
			Aggregate *struct {
				Sum *struct {
					Amount json.RawMessage `json:"amount"`
				} `json:"sum"`
			} `json:"aggregate"`
		}
		if err := json.Unmarshal(raw, &agg); err != nil {
			return nil, upstream.Wrap(upstream.KindMalformedResponse, SourceName, fmt.Errorf("b_%d: %w", i, err))
		}
		if agg.Aggregate == nil || agg.Aggregate.Sum == nil {
			continue
		}
		v, err := normalize.ParseJSONInteger(agg.Aggregate.Sum.Amount)
		if err != nil {
			return nil, fmt.Errorf("%s balance sum: %w", t, err)
		}
		out[i] = v
	}
	return out, nil
}

type coinSupplyRow struct {
	CoinType string          `json:"coin_type"`
	Supply   json.RawMessage `json:"supply"`
	CoinInfo *struct {
		Decimals int    `json:"decimals"`
		Name     string `json:"name"`
		Symbol   string `json:"symbol"`
	} `json:"coin_info"`
}

type faMetadataRow struct {
	AssetType string          `json:"asset_type"`
	Decimals  int             `json:"decimals"`
	Name      string          `json:"name"`
	Symbol    string          `json:"symbol"`
	SupplyV2  json.RawMessage `json:"supply_v2"`
}

// FetchTokenMetadata resolves name, symbol, decimals and supply for each
// identifier. Coin types are read from coin_supply, fungible asset addresses
// from fungible_asset_metadata. The result is aligned with ids: a nil
// Metadata means the indexer does not know the identifier, and a row that
// cannot be decoded carries its error on its own position only. The call
// itself fails only when the request or the GraphQL envelope does.
func (c *Client) FetchTokenMetadata(ctx context.Context, ids []string) ([]model.MetadataLookup, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var (
		params []string
		fields []string
		vars   = make(map[string]any, len(ids))
	)
	for i, id := range ids {
		params = append(params, fmt.Sprintf("$v%d: String", i))
		vars[fmt.Sprintf("v%d", i)] = id
		if model.StandardOf(id) == model.StandardCoin {
			fields = append(fields, fmt.Sprintf(
				"coin_%d: coin_supply(where: {coin_type: {_eq: $v%d}}, limit: 1) { coin_type supply coin_info { decimals name symbol } }", i, i))
			continue
		}
		fields = append(fields, fmt.Sprintf(
			"fa_%d: fungible_asset_metadata(where: {asset_type: {_eq: $v%d}}, limit: 1) { asset_type decimals name symbol supply_v2 }", i, i))
	}
	q := fmt.Sprintf("query TokenMetadata(%s) {\n%s\n}", strings.Join(params, ", "), strings.Join(fields, "\n"))

	data, err := c.query(ctx, q, vars)
	if err != nil {
		return nil, err
	}

	out := make([]model.MetadataLookup, len(ids))
	for i, id := range ids {
		if model.StandardOf(id) == model.StandardCoin {
			out[i].Metadata, out[i].Err = decodeCoin(data, i, id)
		} else {
			out[i].Metadata, out[i].Err = decodeFA(data, i, id)
		}
	}
	return out, nil
}

func decodeCoin(data map[string]json.RawMessage, i int, id string) (*model.TokenMetadata, error) {
	alias := fmt.Sprintf("coin_%d", i)
	raw, ok := data[alias]
	if !ok {
		return nil, upstream.Errorf(upstream.KindMalformedResponse, SourceName, "response missing %s", alias)
	}
	var rows []coinSupplyRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, upstream.Wrap(upstream.KindMalformedResponse, SourceName, fmt.Errorf("%s: %w", alias, err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	supply, err := normalize.ParseJSONInteger(row.Supply)
	if err != nil {
		return nil, fmt.Errorf("%s supply: %w", id, err)
	}
	md := &model.TokenMetadata{
		Identifier: id,
		Supply:     supply,
		Standard:   model.StandardCoin,
	}
	if row.CoinInfo != nil {
		if err := setDecimals(md, row.CoinInfo.Decimals); err != nil {
			return nil, err
		}
		md.Name = row.CoinInfo.Name
		md.Symbol = row.CoinInfo.Symbol
	}
	return md, nil
}

func decodeFA(data map[string]json.RawMessage, i int, id string) (*model.TokenMetadata, error) {
	alias := fmt.Sprintf("fa_%d", i)
	raw, ok := data[alias]
	if !ok {
		return nil, upstream.Errorf(upstream.KindMalformedResponse, SourceName, "response missing %s", alias)
	}
	var rows []faMetadataRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, upstream.Wrap(upstream.KindMalformedResponse, SourceName, fmt.Errorf("%s: %w", alias, err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	supply, err := normalize.ParseJSONInteger(row.SupplyV2)
	if err != nil {
		return nil, fmt.Errorf("%s supply: %w", id, err)
	}
	md := &model.TokenMetadata{
		Identifier: id,
		Name:       row.Name,
		Symbol:     row.Symbol,
		Supply:     supply,
		Standard:   model.StandardFungibleAsset,
	}
	if err := setDecimals(md, row.Decimals); err != nil {
		return nil, err
	}
	return md, nil
}

func setDecimals(md *model.TokenMetadata, d int) error {
	if d < 0 || d > normalize.MaxDecimals {
		return upstream.Errorf(upstream.KindMalformedResponse, SourceName, "%s has decimals %d", md.Identifier, d)
	}
	md.Decimals = uint8(d)
	return nil
}
