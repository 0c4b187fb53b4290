package swap

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentcore/pkg/token"
)

type rate struct {
	num *big.Int
	den *big.Int
}

// FixedRate is a deterministic swap provider quoting every registered pair
// at a fixed rate. Output balances are minted on demand, which keeps test
// setups free of liquidity seeding.
type FixedRate struct {
	mu      sync.Mutex
	bank    *token.Bank
	address common.Address
	rates   map[pairKey]map[common.Address]rate
}

// NewFixedRate creates a fixed-rate provider settling through the bank.
func NewFixedRate(bank *token.Bank, address common.Address) *FixedRate {
	return &FixedRate{
		bank:    bank,
		address: address,
		rates:   make(map[pairKey]map[common.Address]rate),
	}
}

// SetRate registers the tokenIn -> tokenOut conversion rate num/den and the
// inverse den/num for the opposite direction.
func (f *FixedRate) SetRate(tokenIn, tokenOut common.Address, num, den *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := makePairKey(tokenIn, tokenOut)
	if _, ok := f.rates[key]; !ok {
		f.rates[key] = make(map[common.Address]rate)
	}
	f.rates[key][tokenIn] = rate{num: new(big.Int).Set(num), den: new(big.Int).Set(den)}
	f.rates[key][tokenOut] = rate{num: new(big.Int).Set(den), den: new(big.Int).Set(num)}
}

var _ Provider = (*FixedRate)(nil)

// Swap implements the Provider capability at fixed rates.
func (f *FixedRate) Swap(
	caller common.Address,
	tokenIn, tokenOut common.Address,
	amountIn *big.Int,
	gasToken common.Address,
	gasFee *big.Int,
	routingHint string,
) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := f.bank.Snapshot()
	out, err := f.swap(caller, tokenIn, tokenOut, amountIn, gasToken, gasFee)
	if err != nil {
		f.bank.RevertToSnapshot(snap)
		return nil, err
	}
	return out, nil
}

func (f *FixedRate) swap(
	caller common.Address,
	tokenIn, tokenOut common.Address,
	amountIn *big.Int,
	gasToken common.Address,
	gasFee *big.Int,
) (*big.Int, error) {
	if err := f.bank.Transfer(tokenIn, caller, f.address, amountIn); err != nil {
		return nil, fmt.Errorf("failed to pull swap input: %w", err)
	}

	remaining := new(big.Int).Set(amountIn)

	if gasFee != nil && gasFee.Sign() > 0 {
		if gasToken == tokenIn {
			remaining.Sub(remaining, gasFee)
			if remaining.Sign() < 0 {
				return nil, fmt.Errorf("%w: gas fee %s exceeds input %s", ErrInsufficientLiquidity, gasFee, amountIn)
			}
			if err := f.bank.Transfer(tokenIn, f.address, caller, gasFee); err != nil {
				return nil, err
			}
		} else {
			cost, err := f.quoteExactOut(tokenIn, gasToken, gasFee)
			if err != nil {
				return nil, err
			}
			remaining.Sub(remaining, cost)
			if remaining.Sign() < 0 {
				return nil, fmt.Errorf("%w: gas cost %s exceeds input %s", ErrInsufficientLiquidity, cost, amountIn)
			}
			if err := f.bank.Mint(gasToken, caller, gasFee); err != nil {
				return nil, err
			}
		}
	}

	out, err := f.quoteExactIn(tokenIn, tokenOut, remaining)
	if err != nil {
		return nil, err
	}
	if err := f.bank.Mint(tokenOut, caller, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FixedRate) quoteExactIn(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	r, err := f.rate(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(amountIn, r.num)
	return out.Quo(out, r.den), nil
}

func (f *FixedRate) quoteExactOut(tokenIn, tokenOut common.Address, amountOut *big.Int) (*big.Int, error) {
	r, err := f.rate(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	in := new(big.Int).Mul(amountOut, r.den)
	return in.Quo(in, r.num), nil
}

func (f *FixedRate) rate(tokenIn, tokenOut common.Address) (rate, error) {
	pair, ok := f.rates[makePairKey(tokenIn, tokenOut)]
	if !ok {
		return rate{}, fmt.Errorf("%w: %s/%s", ErrPoolNotFound, tokenIn.Hex(), tokenOut.Hex())
	}
	return pair[tokenIn], nil
}
