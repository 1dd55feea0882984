package supply

//go:generate mockgen -source=sources.go -destination=mocks/mock_sources.go -package=mocks

import (
	"context"
	"math/big"

	"github.com/emperorhan/supply-aggregator/internal/domain/model"
)

// MarketSource lists lending-market assets with their deposited totals.
type MarketSource interface {
	FetchMarkets(ctx context.Context) ([]model.MarketAsset, error)
}

// IndexerSource sums holder balances per asset type, aligned with the input.
// A nil entry means the indexer has no data for that asset.
type IndexerSource interface {
	FetchAggregateBalances(ctx context.Context, assetTypes []string) ([]*big.Int, error)
}

// FullnodeSource reads the on-chain supply resource of one asset.
type FullnodeSource interface {
	FetchSupply(ctx context.Context, assetType string) (*big.Int, error)
}

type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) (model.Price, error)
}
