package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarketAssetMatches(t *testing.T) {
	m := MarketAsset{Address: "0x1::coin::T", FAAddress: "0xfa"}

	assert.True(t, m.Matches("0x1::coin::T"))
	assert.True(t, m.Matches("0xfa"))
	assert.False(t, m.Matches("0xother"))
	assert.False(t, MarketAsset{}.Matches(""))
}

