// Package router implements the hub-chain settlement router: it receives
// inbound intent messages, resolves asset identity across chains, converts
// amounts, acquires destination gas and assets through the swap dispatch,
// reconciles costs against the tip and forwards the authoritative
// settlement to the target chain.
package router

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentcore/pkg/amount"
	"github.com/speedrun-hq/intentcore/pkg/auth"
	"github.com/speedrun-hq/intentcore/pkg/logger"
	"github.com/speedrun-hq/intentcore/pkg/metrics"
	"github.com/speedrun-hq/intentcore/pkg/swap"
	"github.com/speedrun-hq/intentcore/pkg/token"
	"github.com/speedrun-hq/intentcore/pkg/types"
)

var (
	// ErrUnauthorized is returned when an inbound message does not come from
	// the registered intent contract of its claimed source chain
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownAssociation is returned when no token association resolves
	// the source asset on the target chain
	ErrUnknownAssociation = errors.New("unknown token association")

	// ErrNoIntentContract is returned when the target chain has no
	// registered intent contract
	ErrNoIntentContract = errors.New("no intent contract for chain")

	// ErrAssociationExists is returned when adding a duplicate association
	ErrAssociationExists = errors.New("token association already exists")

	// ErrHubAssetBound is returned when a hub asset is already bound to a
	// different token name
	ErrHubAssetBound = errors.New("hub asset bound to another token")

	// ErrSwapReturnedTooMuch is returned when the swap output exceeds the
	// converted amount-with-tip sanity bound
	ErrSwapReturnedTooMuch = errors.New("swap returned more than expected")

	// ErrInsufficientAmountAfterCosts is returned when costs would eat into
	// more than the full principal
	ErrInsufficientAmountAfterCosts = errors.New("insufficient amount after costs")
)

const (
	// DefaultGasLimit is the fallback destination gas limit
	DefaultGasLimit = 400000

	// MinGasLimit and MaxGasLimit bound admin-configured gas limits.
	// Payload-supplied limits are intentionally not clamped.
	MinGasLimit = 100000
	MaxGasLimit = 1000000
)

// Association binds a token name to its external asset and hub
// representation on one chain.
type Association struct {
	Name     string
	Chain    uint64
	Asset    common.Address
	HubAsset common.Address
}

type assocKey struct {
	name  string
	chain uint64
}

// Forwarder relays a settlement payload plus its funds to a remote target
// chain. Implementations must be all-or-nothing.
type Forwarder interface {
	ForwardSettlement(
		targetChain uint64,
		targetLedger common.Address,
		asset common.Address,
		amountOut *big.Int,
		gasToken common.Address,
		gasFee *big.Int,
		payload []byte,
	) error
}

// SettlementHandler is the hub-local intent ledger surface used when the
// target chain is the hub itself.
type SettlementHandler interface {
	Address() common.Address
	OnInbound(ctx types.InboundContext, asset common.Address, amount *big.Int, payload []byte) error
}

// Stats is a point-in-time snapshot of router counters.
type Stats struct {
	Forwarded    uint64
	Associations int
	Errors       uint64
}

// Router is the hub settlement router instance.
type Router struct {
	mu sync.Mutex

	hubChainID uint64
	address    common.Address

	bank       *token.Bank
	provider   swap.Provider
	forwarder  Forwarder
	hubLedger  SettlementHandler
	authorizer auth.Authorizer
	logger     logger.Logger

	intentContracts map[uint64]common.Address
	associations    map[assocKey]Association
	nameByHubAsset  map[common.Address]string

	globalGasLimit uint64
	chainGasLimit  map[uint64]uint64

	forwarded uint64
	errCount  uint64
}

// Config carries the construction-time wiring of a router instance.
type Config struct {
	HubChainID uint64
	Address    common.Address
	Bank       *token.Bank
	Provider   swap.Provider
	Forwarder  Forwarder
	Authorizer auth.Authorizer
	Logger     logger.Logger
}

// New creates a settlement router.
func New(cfg Config) *Router {
	log := cfg.Logger
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Router{
		hubChainID:      cfg.HubChainID,
		address:         cfg.Address,
		bank:            cfg.Bank,
		provider:        cfg.Provider,
		forwarder:       cfg.Forwarder,
		authorizer:      cfg.Authorizer,
		logger:          log,
		intentContracts: make(map[uint64]common.Address),
		associations:    make(map[assocKey]Association),
		nameByHubAsset:  make(map[common.Address]string),
		globalGasLimit:  DefaultGasLimit,
		chainGasLimit:   make(map[uint64]uint64),
	}
}

// Address returns the router's account on the hub bank.
func (r *Router) Address() common.Address {
	return r.address
}

// SetHubLedger wires the hub-local intent ledger for hub-target intents.
// Separate from construction because ledger and router reference each other.
func (r *Router) SetHubLedger(l SettlementHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hubLedger = l
}

// SetIntentContract registers the intent ledger address for a chain.
func (r *Router) SetIntentContract(caller common.Address, chain uint64, addr common.Address) error {
	if !r.authorizer.Allowed(caller, auth.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}
	if addr == (common.Address{}) {
		return fmt.Errorf("zero intent contract address for chain %d", chain)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.intentContracts[chain] = addr
	return nil
}

// AddTokenAssociation binds a token name on a chain to its external asset
// and hub representation. At most one association may exist per
// (name, chain), and a hub asset maps to exactly one name.
func (r *Router) AddTokenAssociation(caller common.Address, a Association) error {
	if !r.authorizer.Allowed(caller, auth.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}
	if a.Asset == (common.Address{}) || a.HubAsset == (common.Address{}) {
		return fmt.Errorf("zero asset in association %s/%d", a.Name, a.Chain)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := assocKey{name: a.Name, chain: a.Chain}
	if _, ok := r.associations[key]; ok {
		return fmt.Errorf("%w: %s on chain %d", ErrAssociationExists, a.Name, a.Chain)
	}
	if bound, ok := r.nameByHubAsset[a.HubAsset]; ok && bound != a.Name {
		return fmt.Errorf("%w: %s already bound to %s", ErrHubAssetBound, a.HubAsset.Hex(), bound)
	}

	r.associations[key] = a
	r.nameByHubAsset[a.HubAsset] = a.Name
	return nil
}

// UpdateTokenAssociation replaces an existing association in place.
func (r *Router) UpdateTokenAssociation(caller common.Address, a Association) error {
	if !r.authorizer.Allowed(caller, auth.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := assocKey{name: a.Name, chain: a.Chain}
	old, ok := r.associations[key]
	if !ok {
		return fmt.Errorf("%w: %s on chain %d", ErrUnknownAssociation, a.Name, a.Chain)
	}
	if bound, ok := r.nameByHubAsset[a.HubAsset]; ok && bound != a.Name {
		return fmt.Errorf("%w: %s already bound to %s", ErrHubAssetBound, a.HubAsset.Hex(), bound)
	}

	if !r.hubAssetInUse(old.HubAsset, key) {
		delete(r.nameByHubAsset, old.HubAsset)
	}
	r.associations[key] = a
	r.nameByHubAsset[a.HubAsset] = a.Name
	return nil
}

// RemoveTokenAssociation deletes an association, dropping the reverse
// binding when no other chain still uses the hub asset.
func (r *Router) RemoveTokenAssociation(caller common.Address, name string, chain uint64) error {
	if !r.authorizer.Allowed(caller, auth.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := assocKey{name: name, chain: chain}
	a, ok := r.associations[key]
	if !ok {
		return fmt.Errorf("%w: %s on chain %d", ErrUnknownAssociation, name, chain)
	}

	delete(r.associations, key)
	if !r.hubAssetInUse(a.HubAsset, key) {
		delete(r.nameByHubAsset, a.HubAsset)
	}
	return nil
}

// hubAssetInUse reports whether any association other than skip still
// references the hub asset. Caller holds the lock.
func (r *Router) hubAssetInUse(hubAsset common.Address, skip assocKey) bool {
	for k, a := range r.associations {
		if k != skip && a.HubAsset == hubAsset {
			return true
		}
	}
	return false
}

// Association resolves (name, chain), if present.
func (r *Router) Association(name string, chain uint64) (Association, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.associations[assocKey{name: name, chain: chain}]
	return a, ok
}

// SetGlobalGasLimit sets the fallback destination gas limit, clamped to
// the configured bounds.
func (r *Router) SetGlobalGasLimit(caller common.Address, limit uint64) error {
	if !r.authorizer.Allowed(caller, auth.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.globalGasLimit = clampGasLimit(limit)
	return nil
}

// SetChainGasLimit sets a per-target-chain gas limit override, clamped to
// the configured bounds.
func (r *Router) SetChainGasLimit(caller common.Address, chain uint64, limit uint64) error {
	if !r.authorizer.Allowed(caller, auth.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.chainGasLimit[chain] = clampGasLimit(limit)
	return nil
}

func clampGasLimit(limit uint64) uint64 {
	if limit < MinGasLimit {
		return MinGasLimit
	}
	if limit > MaxGasLimit {
		return MaxGasLimit
	}
	return limit
}

// OnInbound receives an intent message from a source-chain ledger and
// performs settlement routing. The relay invokes it for every source, the
// hub's own ledger included, inside the hub bank's delivery transaction.
func (r *Router) OnInbound(ctx types.InboundContext, asset common.Address, amountWithTip *big.Int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.bank.Snapshot()
	if err := r.route(ctx, asset, amountWithTip, data); err != nil {
		r.bank.RevertToSnapshot(snap)
		r.errCount++
		metrics.RoutingErrors.WithLabelValues(errorType(err)).Inc()
		return err
	}
	r.forwarded++
	return nil
}

func (r *Router) route(ctx types.InboundContext, asset common.Address, amountWithTip *big.Int, data []byte) error {
	registered, ok := r.intentContracts[ctx.SourceChainID]
	if !ok || registered != ctx.Sender {
		return fmt.Errorf("%w: intent message from %s on chain %d", ErrUnauthorized, ctx.Sender.Hex(), ctx.SourceChainID)
	}

	payload, err := types.DecodeIntentPayload(data)
	if err != nil {
		return err
	}

	name, ok := r.nameByHubAsset[asset]
	if !ok {
		return fmt.Errorf("%w: hub asset %s", ErrUnknownAssociation, asset.Hex())
	}
	target, ok := r.associations[assocKey{name: name, chain: payload.TargetChain}]
	if !ok {
		return fmt.Errorf("%w: %s on chain %d", ErrUnknownAssociation, name, payload.TargetChain)
	}
	targetLedger, ok := r.intentContracts[payload.TargetChain]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoIntentContract, payload.TargetChain)
	}

	decimalsIn, err := r.bank.Decimals(asset)
	if err != nil {
		return err
	}
	decimalsOut, err := r.bank.Decimals(target.HubAsset)
	if err != nil {
		return err
	}

	wantedAmount, wantedTip, wantedAmountWithTip, err := amount.SplitAmountAndTip(
		payload.Amount, amountWithTip, decimalsIn, decimalsOut,
	)
	if err != nil {
		return err
	}

	gasLimit := r.effectiveGasLimit(payload)

	var amountWithTipOut, tipAfterSwap, actualAmount *big.Int
	var gasToken common.Address
	gasFee := new(big.Int)
	if asset == target.HubAsset {
		// Same hub asset on both legs: nothing to swap, nothing lost
		amountWithTipOut = amountWithTip
		tipAfterSwap = wantedTip
		actualAmount = wantedAmount
	} else {
		// A withdrawal fee only applies when funds must leave the hub
		if payload.TargetChain != r.hubChainID {
			gasToken, gasFee, err = r.bank.WithdrawGasFee(target.HubAsset, gasLimit)
			if err != nil {
				return err
			}
		}

		amountWithTipOut, err = r.provider.Swap(r.address, asset, target.HubAsset, amountWithTip, gasToken, gasFee, "")
		if err != nil {
			return fmt.Errorf("swap dispatch failed: %w", err)
		}
		if amountWithTipOut.Cmp(wantedAmountWithTip) > 0 {
			return fmt.Errorf("%w: got %s, wanted at most %s", ErrSwapReturnedTooMuch, amountWithTipOut, wantedAmountWithTip)
		}

		shortfall := new(big.Int).Sub(wantedAmountWithTip, amountWithTipOut)
		tipAfterSwap, actualAmount, err = absorbCosts(wantedAmount, wantedTip, shortfall)
		if err != nil {
			return err
		}

		shortfallFlt, _ := new(big.Float).SetInt(shortfall).Float64()
		metrics.SwapShortfall.WithLabelValues(name).Observe(shortfallFlt)
	}

	settlement := &types.SettlementPayload{
		IntentID:     payload.IntentID,
		Amount:       wantedAmount,
		Asset:        target.Asset,
		Receiver:     payload.Receiver,
		Tip:          tipAfterSwap,
		ActualAmount: actualAmount,
		IsCall:       payload.IsCall,
		Data:         payload.Data,
	}
	encoded, err := settlement.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode settlement payload: %w", err)
	}

	if payload.TargetChain == r.hubChainID {
		if r.hubLedger == nil {
			return fmt.Errorf("%w: %d", ErrNoIntentContract, payload.TargetChain)
		}
		payout := new(big.Int).Add(actualAmount, tipAfterSwap)
		if err := r.bank.Transfer(target.HubAsset, r.address, r.hubLedger.Address(), payout); err != nil {
			return err
		}
		inbound := types.InboundContext{SourceChainID: r.hubChainID, Sender: r.address}
		if err := r.hubLedger.OnInbound(inbound, target.HubAsset, payout, encoded); err != nil {
			return err
		}
	} else {
		err := r.forwarder.ForwardSettlement(
			payload.TargetChain, targetLedger, target.HubAsset, amountWithTipOut, gasToken, gasFee, encoded,
		)
		if err != nil {
			return fmt.Errorf("failed to forward settlement: %w", err)
		}
	}

	metrics.SettlementsForwarded.WithLabelValues(strconv.FormatUint(payload.TargetChain, 10)).Inc()
	r.logger.InfoWithChain(r.hubChainID, "Settled intent %s: %s %s from chain %d to chain %d (actual %s, tip %s)",
		payload.IntentID.Hex(), wantedAmount, name, ctx.SourceChainID, payload.TargetChain, actualAmount, tipAfterSwap)

	return nil
}

// ChainGasLimit returns the admin-set gas limit override for a target
// chain, if any.
func (r *Router) ChainGasLimit(chain uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, ok := r.chainGasLimit[chain]
	return limit, ok
}

// effectiveGasLimit resolves the destination gas limit: payload value when
// nonzero, then per-chain override, then global default. Caller holds the
// lock.
func (r *Router) effectiveGasLimit(payload *types.IntentPayload) uint64 {
	if payload.GasLimit != 0 {
		return payload.GasLimit
	}
	if limit, ok := r.chainGasLimit[payload.TargetChain]; ok {
		return limit
	}
	return r.globalGasLimit
}

// absorbCosts applies the cost-absorption waterfall: the tip is the first
// loss buffer; only once it is exhausted does the shortfall eat principal,
// and never past zero.
func absorbCosts(wantedAmount, wantedTip, shortfall *big.Int) (tipAfterSwap, actualAmount *big.Int, err error) {
	if wantedTip.Cmp(shortfall) > 0 {
		return new(big.Int).Sub(wantedTip, shortfall), new(big.Int).Set(wantedAmount), nil
	}

	excess := new(big.Int).Sub(shortfall, wantedTip)
	if excess.Cmp(wantedAmount) >= 0 {
		return nil, nil, fmt.Errorf("%w: shortfall %s against amount %s and tip %s",
			ErrInsufficientAmountAfterCosts, shortfall, wantedAmount, wantedTip)
	}
	return new(big.Int), new(big.Int).Sub(wantedAmount, excess), nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnknownAssociation):
		return "unknown_association"
	case errors.Is(err, ErrNoIntentContract):
		return "no_intent_contract"
	case errors.Is(err, ErrSwapReturnedTooMuch):
		return "swap_returned_too_much"
	case errors.Is(err, ErrInsufficientAmountAfterCosts):
		return "insufficient_amount"
	case errors.Is(err, swap.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, swap.ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, swap.ErrSlippageExceeded):
		return "slippage_exceeded"
	default:
		return "other"
	}
}

// Stats returns current counters for the status endpoint.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Forwarded:    r.forwarded,
		Associations: len(r.associations),
		Errors:       r.errCount,
	}
}
