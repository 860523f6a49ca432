package loanpool

import "math/big"

// Permill is a ratio in [0, 1] expressed in parts per million.
type Permill uint32

// PermillOne represents 100%.
const PermillOne Permill = 1_000_000

var permillDenominator = big.NewInt(int64(PermillOne))

// MulRound returns p * v rounded to the nearest integer, halves rounding down.
// Negative inputs yield zero.
func (p Permill) MulRound(v *big.Int) *big.Int {
	if v == nil || v.Sign() <= 0 || p == 0 {
		return big.NewInt(0)
	}
	parts := p
	if parts > PermillOne {
		parts = PermillOne
	}
	product := new(big.Int).Mul(v, big.NewInt(int64(parts)))
	quotient, remainder := new(big.Int).QuoRem(product, permillDenominator, new(big.Int))
	if remainder.Lsh(remainder, 1).Cmp(permillDenominator) > 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient
}

// CalculateBond returns the bond reserved for a proposal of the given amount:
// the fraction of the amount, raised to the minimum and then capped by the
// maximum when one is configured.
func CalculateBond(amount *big.Int, params Params) *big.Int {
	bond := params.BondFraction.MulRound(amount)
	if params.BondMinimum != nil && bond.Cmp(params.BondMinimum) < 0 {
		bond.Set(params.BondMinimum)
	}
	if params.BondMaximum != nil && bond.Cmp(params.BondMaximum) > 0 {
		bond.Set(params.BondMaximum)
	}
	return bond
}
