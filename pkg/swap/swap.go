// Package swap defines the swap dispatch capability the settlement router
// depends on, and the providers the node can register behind it.
package swap

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrPoolNotFound is returned when no pool exists for the requested pair
	ErrPoolNotFound = errors.New("pool not found")

	// ErrInsufficientLiquidity is returned when a pool cannot cover the trade
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrSlippageExceeded is returned when price impact exceeds the provider's bound
	ErrSlippageExceeded = errors.New("slippage exceeded")
)

// Provider converts one asset into another, carving out a destination gas
// fee along the way. Precondition: the caller holds amountIn of tokenIn in
// the provider's bank; the provider pulls the input and delivers gasFee of
// gasToken plus the returned amount of tokenOut back to the caller. When
// gasToken equals tokenIn the gas portion is carved out without conversion.
// Failures abort the whole call with no balance movement.
type Provider interface {
	Swap(
		caller common.Address,
		tokenIn, tokenOut common.Address,
		amountIn *big.Int,
		gasToken common.Address,
		gasFee *big.Int,
		routingHint string,
	) (*big.Int, error)
}
