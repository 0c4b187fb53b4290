package swap

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/speedrun-hq/intentcore/pkg/token"
)

const (
	// feeNumerator/feeDenominator give the 0.3% constant-product swap fee
	feeNumerator   = 997
	feeDenominator = 1000

	// bpsDenominator is the basis point scale for the price impact bound
	bpsDenominator = 10000
)

type pairKey struct {
	tokenA common.Address
	tokenB common.Address
}

func makePairKey(a, b common.Address) pairKey {
	if a.Hex() > b.Hex() {
		a, b = b, a
	}
	return pairKey{tokenA: a, tokenB: b}
}

type pool struct {
	reserves map[common.Address]*uint256.Int
}

// Engine is a constant-product swap provider over a token bank. Liquidity
// is seeded with AddLiquidity and trades move real balances between the
// engine's own address and the caller.
type Engine struct {
	mu      sync.Mutex
	bank    *token.Bank
	address common.Address
	pools   map[pairKey]*pool

	// maxImpactBps bounds price impact relative to the spot quote; zero
	// disables the check
	maxImpactBps uint64
}

// NewEngine creates a swap engine holding its liquidity at the given address.
func NewEngine(bank *token.Bank, address common.Address, maxImpactBps uint64) *Engine {
	return &Engine{
		bank:         bank,
		address:      address,
		pools:        make(map[pairKey]*pool),
		maxImpactBps: maxImpactBps,
	}
}

// Address returns the account the engine holds liquidity at.
func (e *Engine) Address() common.Address {
	return e.address
}

// AddLiquidity seeds or grows a pool, minting the reserve amounts to the
// engine's address.
func (e *Engine) AddLiquidity(tokenA, tokenB common.Address, amountA, amountB *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := makePairKey(tokenA, tokenB)
	p, ok := e.pools[key]
	if !ok {
		p = &pool{reserves: map[common.Address]*uint256.Int{
			tokenA: uint256.NewInt(0),
			tokenB: uint256.NewInt(0),
		}}
		e.pools[key] = p
	}

	if err := e.bank.Mint(tokenA, e.address, amountA); err != nil {
		return err
	}
	if err := e.bank.Mint(tokenB, e.address, amountB); err != nil {
		return err
	}

	addA, _ := uint256.FromBig(amountA)
	addB, _ := uint256.FromBig(amountB)
	p.reserves[tokenA] = new(uint256.Int).Add(p.reserves[tokenA], addA)
	p.reserves[tokenB] = new(uint256.Int).Add(p.reserves[tokenB], addB)
	return nil
}

var _ Provider = (*Engine)(nil)

// Swap implements the Provider capability with x*y=k quoting.
func (e *Engine) Swap(
	caller common.Address,
	tokenIn, tokenOut common.Address,
	amountIn *big.Int,
	gasToken common.Address,
	gasFee *big.Int,
	routingHint string,
) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.bank.Snapshot()
	out, err := e.swap(caller, tokenIn, tokenOut, amountIn, gasToken, gasFee)
	if err != nil {
		e.bank.RevertToSnapshot(snap)
		return nil, err
	}
	return out, nil
}

func (e *Engine) swap(
	caller common.Address,
	tokenIn, tokenOut common.Address,
	amountIn *big.Int,
	gasToken common.Address,
	gasFee *big.Int,
) (*big.Int, error) {
	if err := e.bank.Transfer(tokenIn, caller, e.address, amountIn); err != nil {
		return nil, fmt.Errorf("failed to pull swap input: %w", err)
	}

	remaining := new(big.Int).Set(amountIn)

	if gasFee != nil && gasFee.Sign() > 0 {
		if gasToken == tokenIn {
			// Gas portion is carved out of the input, no conversion
			remaining.Sub(remaining, gasFee)
			if remaining.Sign() < 0 {
				return nil, fmt.Errorf("%w: gas fee %s exceeds input %s", ErrInsufficientLiquidity, gasFee, amountIn)
			}
			if err := e.bank.Transfer(tokenIn, e.address, caller, gasFee); err != nil {
				return nil, err
			}
		} else {
			inNeeded, err := e.tradeExactOut(tokenIn, gasToken, gasFee)
			if err != nil {
				return nil, err
			}
			remaining.Sub(remaining, inNeeded)
			if remaining.Sign() < 0 {
				return nil, fmt.Errorf("%w: gas cost %s exceeds input %s", ErrInsufficientLiquidity, inNeeded, amountIn)
			}
			if err := e.bank.Transfer(gasToken, e.address, caller, gasFee); err != nil {
				return nil, err
			}
		}
	}

	out, err := e.tradeExactIn(tokenIn, tokenOut, remaining)
	if err != nil {
		return nil, err
	}
	if err := e.bank.Transfer(tokenOut, e.address, caller, out); err != nil {
		return nil, err
	}
	return out, nil
}

// tradeExactIn swaps an exact input against the pair's reserves and returns
// the output amount.
func (e *Engine) tradeExactIn(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	p, ok := e.pools[makePairKey(tokenIn, tokenOut)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPoolNotFound, tokenIn.Hex(), tokenOut.Hex())
	}

	reserveIn := p.reserves[tokenIn]
	reserveOut := p.reserves[tokenOut]
	in, _ := uint256.FromBig(amountIn)

	// out = (in * 997 * reserveOut) / (reserveIn * 1000 + in * 997)
	inWithFee := new(uint256.Int).Mul(in, uint256.NewInt(feeNumerator))
	numerator := new(uint256.Int).Mul(inWithFee, reserveOut)
	denominator := new(uint256.Int).Mul(reserveIn, uint256.NewInt(feeDenominator))
	denominator.Add(denominator, inWithFee)
	if denominator.IsZero() {
		return nil, fmt.Errorf("%w: empty pool %s/%s", ErrInsufficientLiquidity, tokenIn.Hex(), tokenOut.Hex())
	}
	out := new(uint256.Int).Div(numerator, denominator)

	if out.IsZero() && in.Sign() > 0 {
		return nil, fmt.Errorf("%w: trade of %s returns nothing", ErrInsufficientLiquidity, amountIn)
	}
	if out.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: trade of %s drains pool", ErrInsufficientLiquidity, amountIn)
	}

	if e.maxImpactBps > 0 && in.Sign() > 0 {
		// Spot quote at current reserves, before impact
		spot := new(uint256.Int).Mul(in, reserveOut)
		spot.Div(spot, reserveIn)
		if !spot.IsZero() {
			lost := new(uint256.Int).Sub(spot, out)
			lost.Mul(lost, uint256.NewInt(bpsDenominator))
			lost.Div(lost, spot)
			if lost.CmpUint64(e.maxImpactBps) > 0 {
				return nil, fmt.Errorf("%w: impact %s bps over %d bps", ErrSlippageExceeded, lost, e.maxImpactBps)
			}
		}
	}

	p.reserves[tokenIn] = new(uint256.Int).Add(reserveIn, in)
	p.reserves[tokenOut] = new(uint256.Int).Sub(reserveOut, out)
	return out.ToBig(), nil
}

// tradeExactOut swaps against the pair's reserves for an exact output and
// returns the input amount consumed.
func (e *Engine) tradeExactOut(tokenIn, tokenOut common.Address, amountOut *big.Int) (*big.Int, error) {
	p, ok := e.pools[makePairKey(tokenIn, tokenOut)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPoolNotFound, tokenIn.Hex(), tokenOut.Hex())
	}

	reserveIn := p.reserves[tokenIn]
	reserveOut := p.reserves[tokenOut]
	out, _ := uint256.FromBig(amountOut)

	if out.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: exact out %s drains pool", ErrInsufficientLiquidity, amountOut)
	}

	// in = (reserveIn * out * 1000) / ((reserveOut - out) * 997) + 1
	numerator := new(uint256.Int).Mul(reserveIn, out)
	numerator.Mul(numerator, uint256.NewInt(feeDenominator))
	denominator := new(uint256.Int).Sub(reserveOut, out)
	denominator.Mul(denominator, uint256.NewInt(feeNumerator))
	in := new(uint256.Int).Div(numerator, denominator)
	in.AddUint64(in, 1)

	p.reserves[tokenIn] = new(uint256.Int).Add(reserveIn, in)
	p.reserves[tokenOut] = new(uint256.Int).Sub(reserveOut, out)
	return in.ToBig(), nil
}
