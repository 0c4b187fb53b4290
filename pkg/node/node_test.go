package node

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/intentcore/pkg/chains"
	"github.com/speedrun-hq/intentcore/pkg/config"
	"github.com/speedrun-hq/intentcore/pkg/ledger"
	"github.com/speedrun-hq/intentcore/pkg/metrics"
	"github.com/speedrun-hq/intentcore/pkg/types"
)

const (
	baseChainID = uint64(8453)
	arbChainID  = uint64(42161)
	hubChainID  = uint64(7000)
)

var (
	user      = common.HexToAddress("0x0000000000000000000000000000000000000101")
	receiver  = common.HexToAddress("0x0000000000000000000000000000000000000102")
	fulfiller = common.HexToAddress("0x0000000000000000000000000000000000000103")
)

func newTestNode(t *testing.T, mutate func(*config.Config)) *Node {
	t.Helper()

	cfg := &config.Config{
		HubChainID:    hubChainID,
		WorkerCount:   2,
		AdminAddress:  config.DefaultAdminAddress,
		PauserAddress: config.DefaultPauserAddress,
		Relay: config.RelayConfig{
			QueueSize:        256,
			MaxAttempts:      3,
			RetryInterval:    time.Millisecond,
			BreakerThreshold: 100,
			BreakerCooldown:  time.Millisecond,
		},
		GlobalGasLimit: 400000,
	}
	if mutate != nil {
		mutate(cfg)
	}

	n, err := New(cfg, nil)
	require.NoError(t, err)
	return n
}

func startNode(t *testing.T, n *Node) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.Start(ctx)
}

// initiateUSDC funds the user with amount+tip USDC on the source chain,
// approves the ledger and initiates an intent toward targetChain.
func initiateUSDC(t *testing.T, n *Node, sourceChain, targetChain uint64, amount, tip int64, salt byte) common.Hash {
	t.Helper()

	src, ok := n.Chain(sourceChain)
	require.True(t, ok)

	total := big.NewInt(amount + tip)
	require.NoError(t, src.Bank.Mint(src.USDC, user, total))
	require.NoError(t, src.Bank.Approve(src.USDC, user, src.Ledger.Address(), total))

	intentID, err := src.Ledger.Initiate(user, ledger.InitiateParams{
		Asset:       src.USDC,
		Amount:      big.NewInt(amount),
		Tip:         big.NewInt(tip),
		TargetChain: targetChain,
		Receiver:    receiver.Bytes(),
		Salt:        common.Hash{31: salt},
	})
	require.NoError(t, err)
	return intentID
}

// The seeded pools are deep enough that a 110-unit trade loses only the
// 0.3% fee plus one unit of gas cost: 110 in, 1 to gas, 108 out.
func TestSettlementAcrossChains(t *testing.T) {
	n := newTestNode(t, nil)
	startNode(t, n)

	volumeBefore := testutil.ToFloat64(metrics.SettledVolume.WithLabelValues("ARBITRUM", "USDC"))

	intentID := initiateUSDC(t, n, baseChainID, arbChainID, 100, 10, 1)
	n.Gateway().Flush()

	arb, _ := n.Chain(arbChainID)

	// no fulfiller stepped in: the receiver collects payout and tip
	assert.Equal(t, big.NewInt(108), arb.Bank.BalanceOf(arb.USDC, receiver))

	index := types.FulfillmentIndex(intentID, arb.USDC, big.NewInt(100), receiver, false, nil)
	record, ok := arb.Ledger.Settlement(index)
	require.True(t, ok)
	assert.True(t, record.Settled)
	assert.False(t, record.Fulfilled)
	assert.Equal(t, big.NewInt(8), record.PaidTip)

	// source escrow was bridged away in full
	base, _ := n.Chain(baseChainID)
	assert.Zero(t, base.Bank.BalanceOf(base.USDC, user).Sign())
	assert.Zero(t, base.Bank.BalanceOf(base.USDC, base.Ledger.Address()).Sign())

	// 108 base units of 6-decimal USDC landed on Arbitrum
	gotVolume := testutil.ToFloat64(metrics.SettledVolume.WithLabelValues("ARBITRUM", "USDC")) - volumeBefore
	assert.InDelta(t, 108e-6, gotVolume, 1e-12)
}

func TestFulfillerFrontRunsSettlement(t *testing.T) {
	n := newTestNode(t, nil)

	// initiate before the relay workers run, so the fulfillment wins the race
	intentID := initiateUSDC(t, n, baseChainID, arbChainID, 100, 10, 2)

	arb, _ := n.Chain(arbChainID)
	require.NoError(t, arb.Bank.Mint(arb.USDC, fulfiller, big.NewInt(100)))
	require.NoError(t, arb.Bank.Approve(arb.USDC, fulfiller, arb.Ledger.Address(), big.NewInt(100)))
	require.NoError(t, arb.Ledger.Fulfill(fulfiller, ledger.FulfillParams{
		IntentID: intentID,
		Asset:    arb.USDC,
		Amount:   big.NewInt(100),
		Receiver: receiver,
	}))

	// receiver is paid instantly by the fulfiller
	assert.Equal(t, big.NewInt(100), arb.Bank.BalanceOf(arb.USDC, receiver))

	startNode(t, n)
	n.Gateway().Flush()

	// settlement reimburses the fulfiller with principal plus remaining tip
	assert.Equal(t, big.NewInt(108), arb.Bank.BalanceOf(arb.USDC, fulfiller))
	assert.Equal(t, big.NewInt(100), arb.Bank.BalanceOf(arb.USDC, receiver))

	index := types.FulfillmentIndex(intentID, arb.USDC, big.NewInt(100), receiver, false, nil)
	record, ok := arb.Ledger.Settlement(index)
	require.True(t, ok)
	assert.True(t, record.Fulfilled)
	assert.Equal(t, fulfiller, record.Fulfiller)
	assert.Equal(t, big.NewInt(8), record.PaidTip)
}

func TestDuplicateDeliveriesAreRejected(t *testing.T) {
	n := newTestNode(t, func(cfg *config.Config) {
		cfg.Relay.DuplicateEvery = 1
	})
	startNode(t, n)

	initiateUSDC(t, n, baseChainID, arbChainID, 100, 10, 3)
	n.Gateway().Flush()

	// every message was delivered twice; the second applications bounced
	// and the receiver was paid exactly once
	arb, _ := n.Chain(arbChainID)
	assert.Equal(t, big.NewInt(108), arb.Bank.BalanceOf(arb.USDC, receiver))
	assert.Equal(t, uint64(1), arb.Ledger.Stats().RejectedDuplicates)
}

func TestHubInitiatedIntent(t *testing.T) {
	n := newTestNode(t, nil)
	startNode(t, n)

	initiateUSDC(t, n, hubChainID, baseChainID, 100, 10, 4)
	n.Gateway().Flush()

	base, _ := n.Chain(baseChainID)
	assert.Equal(t, big.NewInt(108), base.Bank.BalanceOf(base.USDC, receiver))
}

func TestHubTargetIntent(t *testing.T) {
	n := newTestNode(t, nil)
	startNode(t, n)

	initiateUSDC(t, n, baseChainID, hubChainID, 100, 10, 5)
	n.Gateway().Flush()

	// no withdrawal leaves the hub, so only the swap fee is lost
	hub, _ := n.Chain(hubChainID)
	assert.Equal(t, big.NewInt(109), hub.Bank.BalanceOf(hub.USDC, receiver))

	stats := n.Router().Stats()
	assert.Equal(t, uint64(1), stats.Forwarded)
}

// Hub-origin initiations contend with relay deliveries into the hub on the
// same bank; both directions must drain without deadlock and pay out the
// same amounts they do in isolation.
func TestConcurrentHubTraffic(t *testing.T) {
	n := newTestNode(t, nil)
	startNode(t, n)

	hub, _ := n.Chain(hubChainID)
	const intents = 8
	total := big.NewInt(110 * intents)
	require.NoError(t, hub.Bank.Mint(hub.USDC, user, total))
	require.NoError(t, hub.Bank.Approve(hub.USDC, user, hub.Ledger.Address(), total))

	hubErrs := make(chan error, intents)
	go func() {
		for i := byte(0); i < intents; i++ {
			_, err := hub.Ledger.Initiate(user, ledger.InitiateParams{
				Asset:       hub.USDC,
				Amount:      big.NewInt(100),
				Tip:         big.NewInt(10),
				TargetChain: baseChainID,
				Receiver:    receiver.Bytes(),
				Salt:        common.Hash{30: 1, 31: i},
			})
			hubErrs <- err
		}
	}()

	for i := byte(0); i < intents; i++ {
		initiateUSDC(t, n, baseChainID, hubChainID, 100, 10, 0x40+i)
	}
	for i := 0; i < intents; i++ {
		require.NoError(t, <-hubErrs)
	}
	n.Gateway().Flush()

	base, _ := n.Chain(baseChainID)
	assert.Equal(t, big.NewInt(108*intents), base.Bank.BalanceOf(base.USDC, receiver))
	assert.Equal(t, big.NewInt(109*intents), hub.Bank.BalanceOf(hub.USDC, receiver))
}

func TestChainGasLimitsSeeded(t *testing.T) {
	n := newTestNode(t, nil)

	for chainID, want := range chains.WithdrawDefaultGasLimit {
		limit, ok := n.Router().ChainGasLimit(chainID)
		require.True(t, ok, "chain %d", chainID)
		assert.Equal(t, want, limit, "chain %d", chainID)
	}
}

func TestBSCDecimalBridging(t *testing.T) {
	n := newTestNode(t, nil)
	startNode(t, n)

	// 6-decimal source, 18-decimal target: amounts scale up by 1e12
	initiateUSDC(t, n, baseChainID, 56, 100, 10, 6)
	n.Gateway().Flush()

	bsc, _ := n.Chain(56)
	got := bsc.Bank.BalanceOf(bsc.USDC, receiver)
	require.NotNil(t, got)

	// 108 source units of value, modulo sub-unit rounding in the pools
	lower := new(big.Int).Mul(big.NewInt(107), big.NewInt(1e12))
	upper := new(big.Int).Mul(big.NewInt(109), big.NewInt(1e12))
	assert.True(t, got.Cmp(lower) >= 0 && got.Cmp(upper) <= 0,
		"expected payout near 108e12, got %s", got)
}

func TestNodeSnapshot(t *testing.T) {
	n := newTestNode(t, nil)

	assert.False(t, n.Ready())
	startNode(t, n)
	assert.True(t, n.Ready())

	initiateUSDC(t, n, baseChainID, arbChainID, 100, 10, 7)
	n.Gateway().Flush()

	snapshot := n.Snapshot()
	require.Contains(t, snapshot.Chains, baseChainID)
	assert.Equal(t, uint64(1), snapshot.Chains[baseChainID].Intents)
	assert.Equal(t, uint64(1), snapshot.Chains[arbChainID].Settlements)
	assert.Equal(t, uint64(1), snapshot.RouterForwarded)
	assert.Empty(t, snapshot.RelayParked)
}
