// Package token implements the per-chain asset bank: fungible balances,
// allowances and gas fee quoting for the simulated chains the intent
// ledgers and the hub router run on.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownAsset is returned when an asset address is not registered
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrAssetExists is returned when registering an already registered asset
	ErrAssetExists = errors.New("asset already registered")

	// ErrInsufficientBalance is returned when a transfer exceeds the holder's balance
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance is returned when a transferFrom exceeds the approval
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrNoGasToken is returned when an asset has no gas token configured
	ErrNoGasToken = errors.New("asset has no gas token")
)

// Asset describes a fungible asset registered with a bank. Hub
// representations of remote assets carry a gas token and per-unit gas price
// used to quote the cost of delivering a withdrawal on their home chain.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals uint8

	// GasToken and GasPrice quote withdrawal costs for hub representations.
	// Zero GasToken means the asset cannot quote a withdrawal fee.
	GasToken common.Address
	GasPrice *big.Int
}

type holderKey struct {
	asset  common.Address
	holder common.Address
}

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// Bank holds asset registrations, balances and allowances for one chain.
// Mutations are journaled so a caller can take a snapshot before a
// multi-step operation and revert all of it on failure, the same way a
// state database journal backs transaction atomicity.
//
// The journal is a single undo log, so two snapshot windows must never
// interleave: every top-level mutating operation brackets itself with
// BeginTx/EndTx, and nested calls run inside the caller's transaction.
type Bank struct {
	mu         sync.Mutex
	txMu       sync.Mutex
	assets     map[common.Address]Asset
	balances   map[holderKey]*big.Int
	allowances map[allowanceKey]*big.Int
	journal    []func()
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{
		assets:     make(map[common.Address]Asset),
		balances:   make(map[holderKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// RegisterAsset adds an asset to the bank.
func (b *Bank) RegisterAsset(asset Asset) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.assets[asset.Address]; exists {
		return fmt.Errorf("%w: %s", ErrAssetExists, asset.Address.Hex())
	}
	b.assets[asset.Address] = asset
	return nil
}

// Asset returns the registration record for an asset address.
func (b *Bank) Asset(addr common.Address) (Asset, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	asset, ok := b.assets[addr]
	return asset, ok
}

// Decimals returns the decimal precision of a registered asset.
func (b *Bank) Decimals(addr common.Address) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	asset, ok := b.assets[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, addr.Hex())
	}
	return asset.Decimals, nil
}

// WithdrawGasFee quotes the gas token and fee amount needed to deliver a
// withdrawal of this asset on its home chain at the given gas limit.
func (b *Bank) WithdrawGasFee(addr common.Address, gasLimit uint64) (common.Address, *big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	asset, ok := b.assets[addr]
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: %s", ErrUnknownAsset, addr.Hex())
	}
	if asset.GasToken == (common.Address{}) {
		return common.Address{}, nil, fmt.Errorf("%w: %s", ErrNoGasToken, addr.Hex())
	}

	fee := new(big.Int).Mul(asset.GasPrice, new(big.Int).SetUint64(gasLimit))
	return asset.GasToken, fee, nil
}

// BalanceOf returns the holder's balance of an asset.
func (b *Bank) BalanceOf(asset, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return new(big.Int).Set(b.balance(asset, holder))
}

// Mint credits newly created units of an asset to a holder.
func (b *Bank) Mint(asset, to common.Address, value *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.assets[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	b.addBalance(asset, to, value)
	return nil
}

// Burn destroys units of an asset held by a holder.
func (b *Bank) Burn(asset, from common.Address, value *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.assets[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	if b.balance(asset, from).Cmp(value) < 0 {
		return fmt.Errorf("%w: burn %s of %s from %s", ErrInsufficientBalance, value, asset.Hex(), from.Hex())
	}
	b.subBalance(asset, from, value)
	return nil
}

// Transfer moves value of an asset from one holder to another.
func (b *Bank) Transfer(asset, from, to common.Address, value *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.transfer(asset, from, to, value)
}

// Approve sets the spender's allowance over the owner's balance.
func (b *Bank) Approve(asset, owner, spender common.Address, value *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.assets[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}

	key := allowanceKey{asset: asset, owner: owner, spender: spender}
	prev := b.allowances[key]
	b.journal = append(b.journal, func() {
		if prev == nil {
			delete(b.allowances, key)
		} else {
			b.allowances[key] = prev
		}
	})
	b.allowances[key] = new(big.Int).Set(value)
	return nil
}

// Allowance returns the spender's remaining allowance over the owner's balance.
func (b *Bank) Allowance(asset, owner, spender common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := allowanceKey{asset: asset, owner: owner, spender: spender}
	if a, ok := b.allowances[key]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// TransferFrom moves value from the owner to the recipient on behalf of the
// spender, consuming allowance.
func (b *Bank) TransferFrom(asset, spender, from, to common.Address, value *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := allowanceKey{asset: asset, owner: from, spender: spender}
	allowed, ok := b.allowances[key]
	if !ok || allowed.Cmp(value) < 0 {
		return fmt.Errorf("%w: spender %s over %s", ErrInsufficientAllowance, spender.Hex(), from.Hex())
	}

	if err := b.transfer(asset, from, to, value); err != nil {
		return err
	}

	prev := new(big.Int).Set(allowed)
	b.journal = append(b.journal, func() {
		b.allowances[key] = prev
	})
	b.allowances[key] = new(big.Int).Sub(allowed, value)
	return nil
}

// BeginTx takes the bank's transaction lock, serializing this logical
// operation against every other one. Snapshots taken between BeginTx and
// EndTx see a journal no concurrent operation can append to.
func (b *Bank) BeginTx() {
	b.txMu.Lock()
}

// EndTx releases the transaction lock taken by BeginTx.
func (b *Bank) EndTx() {
	b.txMu.Unlock()
}

// Snapshot marks the current state; RevertToSnapshot undoes every mutation
// made since the matching Snapshot call.
func (b *Bank) Snapshot() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.journal)
}

// RevertToSnapshot rolls the bank back to the state captured by Snapshot.
func (b *Bank) RevertToSnapshot(snap int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.journal) - 1; i >= snap; i-- {
		b.journal[i]()
	}
	b.journal = b.journal[:snap]
}

// DiscardSnapshots drops the undo log once an operation has committed.
func (b *Bank) DiscardSnapshots() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.journal = b.journal[:0]
}

func (b *Bank) transfer(asset, from, to common.Address, value *big.Int) error {
	if _, ok := b.assets[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	if value.Sign() < 0 {
		return fmt.Errorf("negative transfer value: %s", value)
	}
	if b.balance(asset, from).Cmp(value) < 0 {
		return fmt.Errorf("%w: transfer %s of %s from %s", ErrInsufficientBalance, value, asset.Hex(), from.Hex())
	}
	b.subBalance(asset, from, value)
	b.addBalance(asset, to, value)
	return nil
}

func (b *Bank) balance(asset, holder common.Address) *big.Int {
	if bal, ok := b.balances[holderKey{asset: asset, holder: holder}]; ok {
		return bal
	}
	return new(big.Int)
}

func (b *Bank) addBalance(asset, holder common.Address, value *big.Int) {
	key := holderKey{asset: asset, holder: holder}
	prev := b.balances[key]
	b.journal = append(b.journal, func() {
		if prev == nil {
			delete(b.balances, key)
		} else {
			b.balances[key] = prev
		}
	})
	next := new(big.Int).Set(value)
	if prev != nil {
		next.Add(next, prev)
	}
	b.balances[key] = next
}

func (b *Bank) subBalance(asset, holder common.Address, value *big.Int) {
	key := holderKey{asset: asset, holder: holder}
	prev := b.balances[key]
	b.journal = append(b.journal, func() {
		if prev == nil {
			delete(b.balances, key)
		} else {
			b.balances[key] = prev
		}
	})
	next := new(big.Int)
	if prev != nil {
		next.Set(prev)
	}
	next.Sub(next, value)
	b.balances[key] = next
}
