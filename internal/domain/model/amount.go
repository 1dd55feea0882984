package model

import "math/big"

// AmountRaw is a balance in the token's smallest unit.
type AmountRaw struct {
	Value    *big.Int
	Decimals uint8
}

// NormalizedAmount is a balance rescaled to a shared precision so amounts of
// tokens with different native decimals can be summed exactly.
type NormalizedAmount struct {
	Value     *big.Int `json:"value"`
	Precision uint8    `json:"precision"`
}

func (a NormalizedAmount) IsZero() bool {
	return a.Value == nil || a.Value.Sign() == 0
}
