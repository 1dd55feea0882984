package config

import (
	"fmt"
	"os"

	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/normalize"
	"gopkg.in/yaml.v3"
)

type assetsFile struct {
	AssetClasses []model.AssetClass `yaml:"asset_classes"`
}

// DefaultSources is the source order used when an asset class lists none.
var DefaultSources = []model.SourceID{model.SourceMarket, model.SourceIndexer, model.SourceFullnode}

// LoadAssets reads the asset-class registry from a YAML file.
func LoadAssets(path string) ([]model.AssetClass, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assets file: %w", err)
	}
	return ParseAssets(data)
}

func ParseAssets(data []byte) ([]model.AssetClass, error) {
	var f assetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse assets file: %w", err)
	}
	for i := range f.AssetClasses {
		applyAssetDefaults(&f.AssetClasses[i])
	}
	return f.AssetClasses, nil
}

func applyAssetDefaults(c *model.AssetClass) {
	if c.Chain == "" {
		c.Chain = model.ChainAptos
	}
	if c.Network == "" {
		c.Network = model.NetworkMainnet
	}
	if len(c.Sources) == 0 {
		c.Sources = append([]model.SourceID(nil), DefaultSources...)
	}
}

// DefaultAssets is the built-in registry: wrapped BTC summed at 10
// decimals, native and bridged-in stablecoins summed at 8, and APT liquid
// staking tokens summed at 8.
func DefaultAssets() []model.AssetClass {
	classes := []model.AssetClass{
		{
			Name:               "btc",
			PriceSymbol:        "bitcoin",
			ReferencePrecision: 10,
			Tokens: []model.Token{
				{Symbol: "xBTC", Name: "OKX Wrapped BTC", AssetType: "0x81214a80d82035a190fcb76b6ff3c0145161c3a9f33d137f2bbaee4cfec8a387", Decimals: 8},
				{Symbol: "SBTC", Name: "StakeStone Bitcoin", AssetType: "0x5dee1d4b13fae338a1e1780f9ad2709a010e824388efd169171a26e3ea9029bb::stakestone_bitcoin::StakeStoneBitcoin", Decimals: 8},
				{Symbol: "aBTC", Name: "aBTC", AssetType: "0x4e1854f6d332c9525e258fb6e66f84b6af8aba687bbcb832a24768c4e175feec::abtc::ABTC", Decimals: 10},
				{Symbol: "WBTC", Name: "Wrapped BTC", AssetType: "0x68844a0d7f2587e726ad0579f3d640865bb4162c08a4589eeda3f9689ec52a3d", Decimals: 8},
			},
		},
		{
			// Supplies are already dollar-denominated, so no price is fetched.
			Name:               "stablecoin",
			ReferencePrecision: 8,
			Tokens: []model.Token{
				{Symbol: "USDC", Name: "USD Coin", AssetType: "0xbae207659db88bea0cbead6da0ed00aac12edcdda169e591cd41c94180b46f3b", Decimals: 6},
				{Symbol: "USDT", Name: "Tether USD", AssetType: "0x357b0b74bc833e95a115ad22604854d6b0fca151cecd94111770e5d6ffc9dc2b", Decimals: 6},
				{Symbol: "USDe", Name: "Ethena USDe", AssetType: "0xf37a8864fe737eb8ec2c2931047047cbaed1beed3fb0e5b7c5526dafd3b9c2e9", Decimals: 6},
				{Symbol: "sUSDe", Name: "Ethena Staked USDe", AssetType: "0xb30a694a344edee467d9f82330bbe7c3b89f440a1ecd2da1f3bca266560fce69", Decimals: 6},
				{Symbol: "MOD", Name: "Move Dollar", AssetType: "0x6f986d146e4a90b828d8c12c14b6f4e003fdff11a8eecceceb63744363eaac01::mod_coin::MOD", Decimals: 8},
			},
		},
		{
			Name:               "lst",
			PriceSymbol:        "aptos",
			ReferencePrecision: 8,
			Tokens: []model.Token{
				{Symbol: "amAPT", Name: "Amnis APT", AssetType: "0xa259be733b6a759909f92815927fa213904df6540519568692caf0b068fe8e62", Decimals: 8},
				{Symbol: "stAPT", Name: "Staked APT", AssetType: "0xb614bfdf9edc39b330bbf9c3c5bcd0473eee2f6d4e21748629cc367869ece627", Decimals: 8},
				{Symbol: "sthAPT", Name: "Staked Thala APT", AssetType: "0x0a9ce1bddf93b074697ec5e483bc5050bc64cff2acd31e1ccfd8ac8cae5e4abe", Decimals: 8},
				{Symbol: "thAPT", Name: "Thala APT", AssetType: "0xa0d9d647c5737a5aed08d2cfeb39c31cf901d44bc4aa024eaa7e5e68b804e011", Decimals: 8},
				{Symbol: "stAPT-Ditto", Name: "Ditto Staked Aptos", AssetType: "0x517c121de6b75f6b811786f370a19561d8c993e63c9a00173186017fd1956708", Decimals: 8},
			},
		},
	}
	for i := range classes {
		applyAssetDefaults(&classes[i])
	}
	return classes
}

func validateAssets(classes []model.AssetClass) error {
	if len(classes) == 0 {
		return fmt.Errorf("no asset classes configured")
	}
	seen := make(map[string]bool, len(classes))
	for _, c := range classes {
		if c.Name == "" {
			return fmt.Errorf("asset class without name")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate asset class %q", c.Name)
		}
		seen[c.Name] = true

		if c.ReferencePrecision > normalize.MaxDecimals {
			return fmt.Errorf("%s: reference precision %d exceeds %d", c.Name, c.ReferencePrecision, normalize.MaxDecimals)
		}
		if len(c.Tokens) == 0 {
			return fmt.Errorf("%s: no tokens", c.Name)
		}
		tokens := make(map[string]bool, len(c.Tokens))
		for _, t := range c.Tokens {
			if t.AssetType == "" {
				return fmt.Errorf("%s: token %q has no asset_type", c.Name, t.Symbol)
			}
			if tokens[t.AssetType] {
				return fmt.Errorf("%s: duplicate token %s", c.Name, t.AssetType)
			}
			tokens[t.AssetType] = true
			if t.Decimals > c.ReferencePrecision {
				return fmt.Errorf("%s: token %s has %d decimals, above reference precision %d",
					c.Name, t.Symbol, t.Decimals, c.ReferencePrecision)
			}
		}
		for _, s := range c.Sources {
			switch s {
			case model.SourceMarket, model.SourceIndexer, model.SourceFullnode:
			default:
				return fmt.Errorf("%s: unknown source %q", c.Name, s)
			}
		}
	}
	return nil
}
