package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	EtherDecimals    = 18
	LamportsDecimals = 9
)

// ToBaseUnits 原生单位转换为链上最小单位（wei / lamports），多余精度向下截断
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits 链上最小单位转换为原生单位
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
