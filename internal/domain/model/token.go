package model

import "math/big"

type Token struct {
	Symbol    string `yaml:"symbol" json:"symbol"`
	Name      string `yaml:"name" json:"name"`
	AssetType string `yaml:"asset_type" json:"asset_type"`
	Decimals  uint8  `yaml:"decimals" json:"decimals"`
}

func (t Token) Standard() TokenStandard {
	return StandardOf(t.AssetType)
}

// AssetClass groups tokens whose supplies are summed into one report,
// e.g. every wrapped BTC representation on a chain.
type AssetClass struct {
	Name               string     `yaml:"name" json:"name"`
	Chain              Chain      `yaml:"chain" json:"chain"`
	Network            Network    `yaml:"network" json:"network"`
	PriceSymbol        string     `yaml:"price_symbol" json:"price_symbol"`
	ReferencePrecision uint8      `yaml:"reference_precision" json:"reference_precision"`
	Sources            []SourceID `yaml:"sources" json:"sources"`
	Tokens             []Token    `yaml:"tokens" json:"tokens"`
}

func (c AssetClass) TokenByAssetType(assetType string) (Token, bool) {
	for _, t := range c.Tokens {
		if t.AssetType == assetType {
			return t, true
		}
	}
	return Token{}, false
}

func (c AssetClass) AssetTypes() []string {
	out := make([]string, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		out = append(out, t.AssetType)
	}
	return out
}

type TokenMetadata struct {
	Identifier string        `json:"identifier"`
	Name       string        `json:"name"`
	Symbol     string        `json:"symbol"`
	Decimals   uint8         `json:"decimals"`
	Supply     *big.Int      `json:"supply,omitempty"`
	Standard   TokenStandard `json:"standard"`
}

// MetadataLookup is one positional answer from a metadata source. Err is
// set when the source returned a row for the identifier that could not be
// decoded.
type MetadataLookup struct {
	Metadata *TokenMetadata
	Err      error
}

// MetadataResult holds either resolved metadata or the reason it is missing.
type MetadataResult struct {
	Metadata *TokenMetadata `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}
