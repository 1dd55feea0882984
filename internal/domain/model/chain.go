package model

import "strings"

type Chain string

const (
	ChainAptos Chain = "aptos"
)

func (c Chain) String() string {
	return string(c)
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

func (n Network) String() string {
	return string(n)
}

// SourceID names an upstream that can answer a supply query.
type SourceID string

const (
	SourceMarket   SourceID = "market"
	SourceIndexer  SourceID = "indexer"
	SourceFullnode SourceID = "fullnode"
)

func (s SourceID) String() string {
	return string(s)
}

type TokenStandard string

const (
	StandardCoin          TokenStandard = "coin"
	StandardFungibleAsset TokenStandard = "fa"
)

// StandardOf reports whether an Aptos asset identifier is a legacy coin type
// (module-qualified, "0x1::aptos_coin::AptosCoin") or a fungible asset metadata address.
func StandardOf(identifier string) TokenStandard {
	if strings.Contains(identifier, "::") {
		return StandardCoin
	}
	return StandardFungibleAsset
}
