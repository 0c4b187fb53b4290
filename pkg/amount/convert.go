// Package amount implements token amount conversion between decimal
// precisions with the protocol's overflow and truncation rules.
package amount

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

// MaxDecimals is the ceiling for token decimal precision accepted by Convert
const MaxDecimals = 30

var (
	// ErrInvalidDecimals is returned when a decimal value exceeds MaxDecimals
	ErrInvalidDecimals = errors.New("invalid decimals")

	// ErrOverflow is returned when scaling up would exceed the 256-bit domain
	ErrOverflow = errors.New("amount conversion overflow")
)

// Convert converts amountIn from decimalsIn precision to decimalsOut precision.
// Scaling down truncates toward zero; value is never rounded up. Scaling up
// fails with ErrOverflow if the result would not fit in 256 bits.
func Convert(amountIn *big.Int, decimalsIn, decimalsOut uint8) (*big.Int, error) {
	if decimalsIn > MaxDecimals {
		return nil, fmt.Errorf("%w: decimalsIn %d exceeds %d", ErrInvalidDecimals, decimalsIn, MaxDecimals)
	}
	if decimalsOut > MaxDecimals {
		return nil, fmt.Errorf("%w: decimalsOut %d exceeds %d", ErrInvalidDecimals, decimalsOut, MaxDecimals)
	}

	if decimalsIn == decimalsOut {
		return new(big.Int).Set(amountIn), nil
	}

	if decimalsOut > decimalsIn {
		factor := pow10(decimalsOut - decimalsIn)
		out := new(big.Int).Mul(amountIn, factor)
		if amountIn.Sign() != 0 && out.Cmp(math.MaxBig256) > 0 {
			return nil, fmt.Errorf("%w: %s at %d->%d decimals", ErrOverflow, amountIn, decimalsIn, decimalsOut)
		}
		return out, nil
	}

	// Truncating division, matching token transfer semantics
	factor := pow10(decimalsIn - decimalsOut)
	return new(big.Int).Quo(amountIn, factor), nil
}

// SplitAmountAndTip converts amount and amountWithTip independently and
// derives the tip as the difference. Independent truncation can leave the
// total below the converted amount; in that case the tip is clamped to zero
// and the total snapped to the amount so that
// wantedAmount + wantedTip == wantedAmountWithTip always holds.
func SplitAmountAndTip(
	amount *big.Int,
	amountWithTip *big.Int,
	decimalsIn, decimalsOut uint8,
) (wantedAmount, wantedTip, wantedAmountWithTip *big.Int, err error) {
	wantedAmount, err = Convert(amount, decimalsIn, decimalsOut)
	if err != nil {
		return nil, nil, nil, err
	}

	wantedAmountWithTip, err = Convert(amountWithTip, decimalsIn, decimalsOut)
	if err != nil {
		return nil, nil, nil, err
	}

	wantedTip = new(big.Int).Sub(wantedAmountWithTip, wantedAmount)
	if wantedTip.Sign() < 0 {
		wantedTip.SetInt64(0)
		wantedAmountWithTip = new(big.Int).Set(wantedAmount)
	}

	return wantedAmount, wantedTip, wantedAmountWithTip, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
