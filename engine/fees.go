package engine

import "math/big"

var bpsDenominator = big.NewInt(10_000)

// SplitFee divides an amount into the net the counterparty receives and
// the resolver fee, in basis points. The split is exact: net + fee always
// equals amount, with rounding in the fee's favour never losing a unit.
func SplitFee(amount *big.Int, feeBps int) (net, fee *big.Int) {
	if amount == nil || amount.Sign() <= 0 || feeBps <= 0 {
		zero := big.NewInt(0)
		if amount == nil {
			return zero, new(big.Int).Set(zero)
		}
		return new(big.Int).Set(amount), zero
	}
	if feeBps > 10_000 {
		feeBps = 10_000
	}
	keep := big.NewInt(int64(10_000 - feeBps))
	net = new(big.Int).Mul(amount, keep)
	net.Div(net, bpsDenominator)
	fee = new(big.Int).Sub(amount, net)
	return net, fee
}
