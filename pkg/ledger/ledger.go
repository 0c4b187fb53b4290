// Package ledger implements the per-chain intent ledger: intent creation,
// optimistic fulfillment by third parties, and authoritative settlement
// keyed by the fulfillment index.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentcore/pkg/auth"
	"github.com/speedrun-hq/intentcore/pkg/logger"
	"github.com/speedrun-hq/intentcore/pkg/metrics"
	"github.com/speedrun-hq/intentcore/pkg/token"
	"github.com/speedrun-hq/intentcore/pkg/types"
)

var (
	// ErrPaused is returned from user entry points while the ledger is paused
	ErrPaused = errors.New("ledger is paused")

	// ErrSameChainTarget is returned when an intent targets its own chain
	ErrSameChainTarget = errors.New("target chain equals local chain")

	// ErrZeroReceiver is returned when the receiver is empty
	ErrZeroReceiver = errors.New("zero receiver")

	// ErrAlreadyFulfilled is returned when the fulfillment index is taken
	ErrAlreadyFulfilled = errors.New("intent already fulfilled")

	// ErrAlreadySettled is returned when the fulfillment index is settled
	ErrAlreadySettled = errors.New("intent already settled")

	// ErrUnauthorized is returned when a caller fails an authorization check
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotCallable is returned when isCall targets a receiver with no
	// registered callable target
	ErrNotCallable = errors.New("receiver is not a callable target")

	// ErrReentrantSettlement is returned when a hook re-enters settlement
	ErrReentrantSettlement = errors.New("reentrant settlement")
)

// Target is the optional hook interface a receiver registers to get
// programmable behavior atomically with fund delivery. An error from either
// hook aborts the surrounding ledger operation entirely.
type Target interface {
	OnFulfill(intentID common.Hash, asset common.Address, amount *big.Int, data []byte) error
	OnSettle(
		intentID common.Hash,
		asset common.Address,
		amount *big.Int,
		data []byte,
		index common.Hash,
		fulfilled bool,
		tip *big.Int,
	) error
}

// Dispatcher conveys an initiated intent and its escrowed funds toward the
// hub: a relay send on remote chains, a direct router call on the hub chain
// itself. Implementations must be all-or-nothing.
type Dispatcher interface {
	DispatchIntent(
		sourceChain uint64,
		sourceLedger common.Address,
		asset common.Address,
		amountWithTip *big.Int,
		payload []byte,
	) error
}

// InitiateParams are the caller-supplied parameters of intent creation.
type InitiateParams struct {
	Asset       common.Address
	Amount      *big.Int
	Tip         *big.Int
	TargetChain uint64
	Receiver    []byte
	Salt        common.Hash
	IsCall      bool
	Data        []byte
	GasLimit    uint64
}

// FulfillParams are the exact outcome tuple a fulfiller commits to.
type FulfillParams struct {
	IntentID common.Hash
	Asset    common.Address
	Amount   *big.Int
	Receiver common.Address
	IsCall   bool
	Data     []byte
}

// SettlementRecord is the terminal, one-shot state of a fulfillment index.
type SettlementRecord struct {
	Settled   bool
	Fulfilled bool
	PaidTip   *big.Int
	Fulfiller common.Address
}

// Stats is a point-in-time snapshot of ledger counters for the status
// endpoint.
type Stats struct {
	ChainID            uint64
	IntentCount        uint64
	Fulfillments       int
	Settlements        int
	RejectedDuplicates uint64
	Paused             bool
}

// Ledger is one chain's intent contract instance.
type Ledger struct {
	mu sync.Mutex

	chainID    uint64
	hubChainID uint64
	address    common.Address
	routerAddr common.Address

	bank       *token.Bank
	dispatcher Dispatcher
	authorizer auth.Authorizer
	logger     logger.Logger

	counter      uint64
	fulfillments map[common.Hash]common.Address
	settlements  map[common.Hash]*SettlementRecord
	targets      map[common.Address]Target

	paused   bool
	settling bool

	rejectedDuplicates uint64
}

// Config carries the construction-time wiring of a ledger instance.
type Config struct {
	ChainID    uint64
	HubChainID uint64

	// Address is the ledger's own account in the bank, holding escrow and
	// inbound settlement funds
	Address common.Address

	// RouterAddr is the settlement router identity accepted on inbound
	// settlement messages
	RouterAddr common.Address

	Bank       *token.Bank
	Dispatcher Dispatcher
	Authorizer auth.Authorizer
	Logger     logger.Logger
}

// New creates a ledger instance.
func New(cfg Config) *Ledger {
	log := cfg.Logger
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Ledger{
		chainID:      cfg.ChainID,
		hubChainID:   cfg.HubChainID,
		address:      cfg.Address,
		routerAddr:   cfg.RouterAddr,
		bank:         cfg.Bank,
		dispatcher:   cfg.Dispatcher,
		authorizer:   cfg.Authorizer,
		logger:       log,
		fulfillments: make(map[common.Hash]common.Address),
		settlements:  make(map[common.Hash]*SettlementRecord),
		targets:      make(map[common.Address]Target),
	}
}

// Address returns the ledger's escrow account.
func (l *Ledger) Address() common.Address {
	return l.address
}

// ChainID returns the chain the ledger lives on.
func (l *Ledger) ChainID() uint64 {
	return l.chainID
}

// RegisterTarget registers a callable target for a receiver address. The
// set of targets is closed at construction/wiring time.
func (l *Ledger) RegisterTarget(receiver common.Address, target Target) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.targets[receiver] = target
}

// SetPaused pauses or unpauses Initiate and Fulfill. Settlement is never
// paused: funds committed upstream must always be deliverable.
func (l *Ledger) SetPaused(caller common.Address, paused bool) error {
	if !l.authorizer.Allowed(caller, auth.RolePauser) {
		return fmt.Errorf("%w: %s is not a pauser", ErrUnauthorized, caller.Hex())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.paused = paused
	l.logger.NoticeWithChain(l.chainID, "Ledger paused=%v", paused)
	return nil
}

// Initiate creates an intent: it pulls amount+tip of the asset from the
// caller into escrow, derives the intent ID and routes the intent payload
// toward the hub. Returns the intent ID.
func (l *Ledger) Initiate(caller common.Address, p InitiateParams) (common.Hash, error) {
	l.bank.BeginTx()
	defer l.bank.EndTx()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return common.Hash{}, ErrPaused
	}
	if p.TargetChain == l.chainID {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrSameChainTarget, p.TargetChain)
	}
	if len(p.Receiver) == 0 {
		return common.Hash{}, ErrZeroReceiver
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("invalid amount: %s", p.Amount)
	}
	tip := p.Tip
	if tip == nil {
		tip = new(big.Int)
	}
	if tip.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("invalid tip: %s", tip)
	}

	amountWithTip := new(big.Int).Add(p.Amount, tip)

	snap := l.bank.Snapshot()
	if err := l.bank.TransferFrom(p.Asset, l.address, caller, l.address, amountWithTip); err != nil {
		return common.Hash{}, fmt.Errorf("failed to pull intent funds: %w", err)
	}

	intentID := types.IntentID(l.counter, p.Salt, l.chainID)
	l.counter++

	payload := &types.IntentPayload{
		IntentID:    intentID,
		Amount:      p.Amount,
		TargetChain: p.TargetChain,
		Receiver:    p.Receiver,
		IsCall:      p.IsCall,
		Data:        p.Data,
		GasLimit:    p.GasLimit,
	}
	encoded, err := payload.Encode()
	if err != nil {
		l.bank.RevertToSnapshot(snap)
		l.counter--
		return common.Hash{}, fmt.Errorf("failed to encode intent payload: %w", err)
	}

	if err := l.dispatcher.DispatchIntent(l.chainID, l.address, p.Asset, amountWithTip, encoded); err != nil {
		l.bank.RevertToSnapshot(snap)
		l.counter--
		return common.Hash{}, fmt.Errorf("failed to dispatch intent: %w", err)
	}

	metrics.IntentsInitiated.WithLabelValues(strconv.FormatUint(l.chainID, 10)).Inc()
	l.logger.InfoWithChain(l.chainID, "Intent %s initiated: %s of %s to chain %d (tip %s)",
		intentID.Hex(), p.Amount, p.Asset.Hex(), p.TargetChain, tip)

	return intentID, nil
}

// Fulfill registers the caller as the fulfiller of an exact outcome tuple
// and delivers the amount to the receiver immediately. A given fulfillment
// index can be fulfilled at most once and never after settlement.
//
// The ledger deliberately accepts any tuple for a given intent ID: distinct
// guessed tuples are independent indexes, and each can be fulfilled on its
// own. Whether that outcome ever pays out depends on which payload the hub
// eventually emits.
func (l *Ledger) Fulfill(caller common.Address, p FulfillParams) error {
	l.bank.BeginTx()
	defer l.bank.EndTx()

	l.mu.Lock()

	if l.paused {
		l.mu.Unlock()
		return ErrPaused
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		l.mu.Unlock()
		return fmt.Errorf("invalid amount: %s", p.Amount)
	}
	if p.Receiver == (common.Address{}) {
		l.mu.Unlock()
		return ErrZeroReceiver
	}

	index := types.FulfillmentIndex(p.IntentID, p.Asset, p.Amount, p.Receiver, p.IsCall, p.Data)

	if rec, ok := l.settlements[index]; ok && rec.Settled {
		l.mu.Unlock()
		return fmt.Errorf("%w: index %s", ErrAlreadySettled, index.Hex())
	}
	if _, ok := l.fulfillments[index]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: index %s", ErrAlreadyFulfilled, index.Hex())
	}

	var target Target
	if p.IsCall {
		var ok bool
		target, ok = l.targets[p.Receiver]
		if !ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotCallable, p.Receiver.Hex())
		}
	}

	snap := l.bank.Snapshot()
	if err := l.bank.TransferFrom(p.Asset, l.address, caller, p.Receiver, p.Amount); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to transfer fulfillment funds: %w", err)
	}

	if target != nil {
		// Hook runs outside the ledger lock so it can read ledger state;
		// the bank transaction still excludes other ledger writers
		l.mu.Unlock()
		err := target.OnFulfill(p.IntentID, p.Asset, p.Amount, p.Data)
		l.mu.Lock()
		if err != nil {
			l.bank.RevertToSnapshot(snap)
			l.mu.Unlock()
			return fmt.Errorf("onFulfill hook rejected: %w", err)
		}
		// Re-check: the hook itself may have triggered a settlement
		if rec, ok := l.settlements[index]; ok && rec.Settled {
			l.bank.RevertToSnapshot(snap)
			l.mu.Unlock()
			return fmt.Errorf("%w: index %s", ErrAlreadySettled, index.Hex())
		}
		if _, ok := l.fulfillments[index]; ok {
			l.bank.RevertToSnapshot(snap)
			l.mu.Unlock()
			return fmt.Errorf("%w: index %s", ErrAlreadyFulfilled, index.Hex())
		}
	}

	l.fulfillments[index] = caller
	l.mu.Unlock()

	metrics.IntentsFulfilled.WithLabelValues(strconv.FormatUint(l.chainID, 10)).Inc()
	l.logger.InfoWithChain(l.chainID, "Intent %s fulfilled by %s: %s of %s to %s (index %s)",
		p.IntentID.Hex(), caller.Hex(), p.Amount, p.Asset.Hex(), p.Receiver.Hex(), index.Hex())

	return nil
}

// Fulfiller returns the recorded fulfiller for an index, if any.
func (l *Ledger) Fulfiller(index common.Hash) (common.Address, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	addr, ok := l.fulfillments[index]
	return addr, ok
}

// Settlement returns the settlement record for an index, if any.
func (l *Ledger) Settlement(index common.Hash) (SettlementRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.settlements[index]
	if !ok {
		return SettlementRecord{}, false
	}
	return *rec, true
}

// OnInbound is the settlement delivery entry point. Only the registered hub
// router may invoke it, either through the relay or directly on the hub
// chain. Settlement is processable even while the ledger is paused.
//
// OnInbound runs inside its caller's bank transaction: the relay holds one
// for the whole delivery, and the router settles hub-target intents under
// the transaction of the delivery that carried the intent in. Direct
// callers bracket it with BeginTx/EndTx the same way.
func (l *Ledger) OnInbound(ctx types.InboundContext, asset common.Address, amount *big.Int, data []byte) error {
	if ctx.SourceChainID != l.hubChainID || ctx.Sender != l.routerAddr {
		return fmt.Errorf("%w: settlement from %s on chain %d", ErrUnauthorized, ctx.Sender.Hex(), ctx.SourceChainID)
	}

	payload, err := types.DecodeSettlementPayload(data)
	if err != nil {
		return err
	}
	return l.settle(payload)
}

// settle applies a settlement payload exactly once per fulfillment index.
func (l *Ledger) settle(p *types.SettlementPayload) error {
	l.mu.Lock()

	if l.settling {
		l.mu.Unlock()
		return ErrReentrantSettlement
	}
	l.settling = true
	defer func() {
		l.mu.Lock()
		l.settling = false
		l.mu.Unlock()
	}()

	receiver := common.BytesToAddress(p.Receiver)
	// The index binds the original requested amount, not the post-cost
	// payout, so it matches what a fulfiller committed to
	index := types.FulfillmentIndex(p.IntentID, p.Asset, p.Amount, receiver, p.IsCall, p.Data)

	if rec, ok := l.settlements[index]; ok && rec.Settled {
		l.rejectedDuplicates++
		l.mu.Unlock()
		metrics.DuplicateSettlements.WithLabelValues(strconv.FormatUint(l.chainID, 10)).Inc()
		return fmt.Errorf("%w: index %s", ErrAlreadySettled, index.Hex())
	}

	var target Target
	if p.IsCall {
		var ok bool
		target, ok = l.targets[receiver]
		if !ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotCallable, receiver.Hex())
		}
	}

	payout := new(big.Int).Add(p.ActualAmount, p.Tip)
	fulfiller, wasFulfilled := l.fulfillments[index]

	snap := l.bank.Snapshot()

	payee := receiver
	if wasFulfilled {
		payee = fulfiller
	}
	if err := l.bank.Transfer(p.Asset, l.address, payee, payout); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to pay settlement: %w", err)
	}

	if target != nil {
		// The surrounding bank transaction keeps Initiate and Fulfill out
		// while the ledger lock is released for the hooks
		l.mu.Unlock()
		err := l.runSettleHooks(target, p, index, wasFulfilled)
		l.mu.Lock()
		if err != nil {
			l.bank.RevertToSnapshot(snap)
			l.mu.Unlock()
			return err
		}
	}

	l.settlements[index] = &SettlementRecord{
		Settled:   true,
		Fulfilled: wasFulfilled,
		PaidTip:   new(big.Int).Set(p.Tip),
		Fulfiller: fulfiller,
	}
	l.mu.Unlock()

	outcome := "direct"
	if wasFulfilled {
		outcome = "fulfilled"
	}
	metrics.IntentsSettled.WithLabelValues(strconv.FormatUint(l.chainID, 10), outcome).Inc()
	l.logger.InfoWithChain(l.chainID, "Intent %s settled (%s): paid %s of %s to %s, tip %s",
		p.IntentID.Hex(), outcome, payout, p.Asset.Hex(), payee.Hex(), p.Tip)

	return nil
}

// runSettleHooks invokes the receiver hooks for a settlement. For an
// unfulfilled settlement the receiver first learns of the funds through
// OnFulfill, then of its never-front-run status through OnSettle.
func (l *Ledger) runSettleHooks(target Target, p *types.SettlementPayload, index common.Hash, fulfilled bool) error {
	if !fulfilled {
		if err := target.OnFulfill(p.IntentID, p.Asset, p.ActualAmount, p.Data); err != nil {
			return fmt.Errorf("onFulfill hook rejected: %w", err)
		}
	}
	if err := target.OnSettle(p.IntentID, p.Asset, p.ActualAmount, p.Data, index, fulfilled, p.Tip); err != nil {
		return fmt.Errorf("onSettle hook rejected: %w", err)
	}
	return nil
}

// Stats returns current counters for the status endpoint.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		ChainID:            l.chainID,
		IntentCount:        l.counter,
		Fulfillments:       len(l.fulfillments),
		Settlements:        len(l.settlements),
		RejectedDuplicates: l.rejectedDuplicates,
		Paused:             l.paused,
	}
}
