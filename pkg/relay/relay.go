// Package relay implements the in-process cross-chain message gateway the
// chain instances communicate through. Delivery is at-least-once: the
// gateway can be told to inject duplicate deliveries, and receivers are
// expected to deduplicate. Funds move with the message: the source account
// is debited synchronously at send time and the destination account is
// credited just before the handler runs.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/speedrun-hq/intentcore/pkg/logger"
	"github.com/speedrun-hq/intentcore/pkg/metrics"
	"github.com/speedrun-hq/intentcore/pkg/token"
	"github.com/speedrun-hq/intentcore/pkg/types"
)

var (
	// ErrUnknownChain is returned when no bank is registered for a chain
	ErrUnknownChain = errors.New("unknown chain")

	// ErrNoHandler is returned when no handler is registered at the target
	ErrNoHandler = errors.New("no handler registered")

	// ErrNoAssetMapping is returned when an asset has no destination mapping
	ErrNoAssetMapping = errors.New("no asset mapping")

	// ErrQueueFull is returned when the delivery queue is at capacity
	ErrQueueFull = errors.New("relay queue full")
)

// Handler receives a delivered message on its destination chain. The
// bridged funds are already credited to the handler's address when it runs.
type Handler interface {
	OnInbound(ctx types.InboundContext, asset common.Address, amount *big.Int, payload []byte) error
}

type endpoint struct {
	chain uint64
	addr  common.Address
}

type assetKey struct {
	srcChain uint64
	srcAsset common.Address
	dstChain uint64
}

// Message is one in-flight cross-chain delivery.
type Message struct {
	ID          string
	SourceChain uint64
	Sender      common.Address
	TargetChain uint64
	Target      common.Address
	Asset       common.Address
	Amount      *big.Int
	Payload     []byte

	// redelivery marks an injected duplicate: the handler runs again but
	// the funds are not credited a second time
	redelivery bool
}

// chainBreaker suppresses redelivery storms against a failing chain:
// after threshold consecutive failures, deliveries park immediately until
// the cooldown passes.
type chainBreaker struct {
	failures  int
	openUntil time.Time
}

// Config carries gateway tuning knobs.
type Config struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	RetryInterval time.Duration

	// BreakerThreshold consecutive failures against one chain open its
	// breaker for BreakerCooldown
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// DuplicateEvery injects a duplicate delivery for every Nth message.
	// Zero disables injection.
	DuplicateEvery int

	Logger logger.Logger
}

// Gateway is the in-process relay connecting the chain instances.
type Gateway struct {
	mu       sync.Mutex
	banks    map[uint64]*token.Bank
	handlers map[endpoint]Handler
	assets   map[assetKey]common.Address
	breakers map[uint64]*chainBreaker
	parked   []*Message

	queue    chan *Message
	inflight sync.WaitGroup

	workers        int
	maxAttempts    int
	retryInterval  time.Duration
	breakerLimit   int
	breakerCool    time.Duration
	duplicateEvery int
	sendCount      int

	logger logger.Logger
}

// NewGateway creates a relay gateway. Zero config fields fall back to
// modest defaults.
func NewGateway(cfg Config) *Gateway {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Millisecond
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = &logger.EmptyLogger{}
	}

	return &Gateway{
		banks:          make(map[uint64]*token.Bank),
		handlers:       make(map[endpoint]Handler),
		assets:         make(map[assetKey]common.Address),
		breakers:       make(map[uint64]*chainBreaker),
		queue:          make(chan *Message, cfg.QueueSize),
		workers:        cfg.Workers,
		maxAttempts:    cfg.MaxAttempts,
		retryInterval:  cfg.RetryInterval,
		breakerLimit:   cfg.BreakerThreshold,
		breakerCool:    cfg.BreakerCooldown,
		duplicateEvery: cfg.DuplicateEvery,
		logger:         log,
	}
}

// RegisterBank attaches a chain's asset bank to the gateway.
func (g *Gateway) RegisterBank(chain uint64, bank *token.Bank) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.banks[chain] = bank
}

// RegisterHandler attaches a message handler at (chain, address).
func (g *Gateway) RegisterHandler(chain uint64, addr common.Address, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.handlers[endpoint{chain: chain, addr: addr}] = h
}

// MapAsset declares that srcAsset on srcChain bridges to dstAsset on
// dstChain. Bridging burns on the source bank and mints on the destination.
func (g *Gateway) MapAsset(srcChain uint64, srcAsset common.Address, dstChain uint64, dstAsset common.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.assets[assetKey{srcChain: srcChain, srcAsset: srcAsset, dstChain: dstChain}] = dstAsset
}

// Start launches the delivery workers. They drain until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	for i := 0; i < g.workers; i++ {
		go g.worker(ctx)
	}
}

// Send debits amount of asset (plus the relay fee in gasToken, which the
// relay consumes) from the sender's account on the source chain and queues
// the message for delivery. Returns the delivery ID.
//
// Send does not open a bank transaction of its own: the ledger dispatches
// inside Initiate's transaction on the source bank, and the router forwards
// inside the delivering worker's, so the debit always joins the caller's.
func (g *Gateway) Send(
	sourceChain uint64,
	sender common.Address,
	targetChain uint64,
	target common.Address,
	asset common.Address,
	amount *big.Int,
	gasToken common.Address,
	gasFee *big.Int,
	payload []byte,
) (string, error) {
	g.mu.Lock()
	srcBank, ok := g.banks[sourceChain]
	if !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %d", ErrUnknownChain, sourceChain)
	}
	if _, ok := g.banks[targetChain]; !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %d", ErrUnknownChain, targetChain)
	}
	if _, ok := g.assets[assetKey{srcChain: sourceChain, srcAsset: asset, dstChain: targetChain}]; !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %s from %d to %d", ErrNoAssetMapping, asset.Hex(), sourceChain, targetChain)
	}

	g.sendCount++
	injectDuplicate := g.duplicateEvery > 0 && g.sendCount%g.duplicateEvery == 0
	g.mu.Unlock()

	// debit the sender before the message exists, matching lock-and-send
	// bridge semantics
	snap := srcBank.Snapshot()
	if err := srcBank.Burn(asset, sender, amount); err != nil {
		return "", err
	}
	if gasFee != nil && gasFee.Sign() > 0 {
		if err := srcBank.Burn(gasToken, sender, gasFee); err != nil {
			srcBank.RevertToSnapshot(snap)
			return "", err
		}
	}

	msg := &Message{
		ID:          uuid.New().String(),
		SourceChain: sourceChain,
		Sender:      sender,
		TargetChain: targetChain,
		Target:      target,
		Asset:       asset,
		Amount:      new(big.Int).Set(amount),
		Payload:     payload,
	}

	if err := g.enqueue(msg); err != nil {
		srcBank.RevertToSnapshot(snap)
		return "", err
	}

	if injectDuplicate {
		dup := *msg
		dup.redelivery = true
		if err := g.enqueue(&dup); err == nil {
			metrics.RelayRedeliveries.WithLabelValues(strconv.FormatUint(targetChain, 10)).Inc()
		}
	}

	g.logger.DebugWithChain(sourceChain, "Relaying %s: %s of %s to chain %d", msg.ID, amount, asset.Hex(), targetChain)
	return msg.ID, nil
}

func (g *Gateway) enqueue(msg *Message) error {
	g.inflight.Add(1)
	select {
	case g.queue <- msg:
		metrics.RelayQueueDepth.Inc()
		return nil
	default:
		g.inflight.Done()
		return ErrQueueFull
	}
}

// Flush blocks until every queued message has been processed. Test helper.
func (g *Gateway) Flush() {
	g.inflight.Wait()
}

// Parked returns messages abandoned after exhausting their attempts.
func (g *Gateway) Parked() []*Message {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Message, len(g.parked))
	copy(out, g.parked)
	return out
}

func (g *Gateway) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.queue:
			metrics.RelayQueueDepth.Dec()
			g.process(ctx, msg)
			g.inflight.Done()
		}
	}
}

func (g *Gateway) process(ctx context.Context, msg *Message) {
	chainLabel := strconv.FormatUint(msg.TargetChain, 10)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if wait := g.breakerDelay(msg.TargetChain); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		err := g.deliver(msg)
		if err == nil {
			g.breakerReset(msg.TargetChain)
			metrics.RelayDeliveries.WithLabelValues(chainLabel, "delivered").Inc()
			metrics.DeliveryTime.WithLabelValues(chainLabel).Observe(time.Since(start).Seconds())
			return
		}

		if msg.redelivery {
			// injected duplicates are expected to be rejected downstream
			metrics.RelayDeliveries.WithLabelValues(chainLabel, "duplicate").Inc()
			g.logger.DebugWithChain(msg.TargetChain, "Duplicate delivery %s rejected: %v", msg.ID, err)
			return
		}

		g.breakerTrip(msg.TargetChain)
		metrics.RelayDeliveries.WithLabelValues(chainLabel, "failed").Inc()
		g.logger.ErrorWithChain(msg.TargetChain, "Delivery %s attempt %d/%d failed: %v", msg.ID, attempt, g.maxAttempts, err)

		if attempt >= g.maxAttempts {
			g.park(msg)
			return
		}

		backoff := g.retryInterval << uint(attempt-1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// deliver credits the bridged funds on the destination chain and invokes
// the handler, all inside one transaction on the destination bank. A
// handler failure rolls the credit back so a later attempt starts clean.
func (g *Gateway) deliver(msg *Message) error {
	g.mu.Lock()
	dstBank, ok := g.banks[msg.TargetChain]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChain, msg.TargetChain)
	}
	handler, ok := g.handlers[endpoint{chain: msg.TargetChain, addr: msg.Target}]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s on chain %d", ErrNoHandler, msg.Target.Hex(), msg.TargetChain)
	}
	dstAsset, ok := g.assets[assetKey{srcChain: msg.SourceChain, srcAsset: msg.Asset, dstChain: msg.TargetChain}]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s from %d to %d", ErrNoAssetMapping, msg.Asset.Hex(), msg.SourceChain, msg.TargetChain)
	}

	dstBank.BeginTx()
	defer dstBank.EndTx()

	snap := dstBank.Snapshot()
	if !msg.redelivery {
		if err := dstBank.Mint(dstAsset, msg.Target, msg.Amount); err != nil {
			return err
		}
	}

	inbound := types.InboundContext{
		SourceChainID: msg.SourceChain,
		Sender:        msg.Sender,
		DeliveryID:    msg.ID,
	}
	if err := handler.OnInbound(inbound, dstAsset, msg.Amount, msg.Payload); err != nil {
		dstBank.RevertToSnapshot(snap)
		return err
	}
	return nil
}

func (g *Gateway) park(msg *Message) {
	g.mu.Lock()
	g.parked = append(g.parked, msg)
	g.mu.Unlock()

	metrics.RelayParked.WithLabelValues(strconv.FormatUint(msg.TargetChain, 10)).Inc()
	g.logger.ErrorWithChain(msg.TargetChain, "Parked delivery %s after %d attempts", msg.ID, g.maxAttempts)
}

func (g *Gateway) breakerDelay(chain uint64) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[chain]
	if !ok {
		return 0
	}
	return time.Until(b.openUntil)
}

func (g *Gateway) breakerTrip(chain uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[chain]
	if !ok {
		b = &chainBreaker{}
		g.breakers[chain] = b
	}
	b.failures++
	if b.failures >= g.breakerLimit {
		b.openUntil = time.Now().Add(g.breakerCool)
	}
}

func (g *Gateway) breakerReset(chain uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[chain]; ok {
		b.failures = 0
		b.openUntil = time.Time{}
	}
}

// QueueDepth reports messages waiting for a worker.
func (g *Gateway) QueueDepth() int {
	return len(g.queue)
}
