// Package node assembles a full intent settlement topology: one simulated
// bank and intent ledger per chain, the hub settlement router with its swap
// engine, and the relay gateway connecting them.
package node

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/intentcore/pkg/auth"
	"github.com/speedrun-hq/intentcore/pkg/chains"
	"github.com/speedrun-hq/intentcore/pkg/config"
	"github.com/speedrun-hq/intentcore/pkg/health"
	"github.com/speedrun-hq/intentcore/pkg/ledger"
	"github.com/speedrun-hq/intentcore/pkg/logger"
	"github.com/speedrun-hq/intentcore/pkg/metrics"
	"github.com/speedrun-hq/intentcore/pkg/relay"
	"github.com/speedrun-hq/intentcore/pkg/router"
	"github.com/speedrun-hq/intentcore/pkg/swap"
	"github.com/speedrun-hq/intentcore/pkg/token"
	"github.com/speedrun-hq/intentcore/pkg/types"
)

// stable pool depth in whole tokens, scaled by asset decimals at seed time
const poolDepthTokens = 1_000_000_000

// gasPrice is the per-gas-unit withdrawal price quoted by hub representations
var gasPrice = big.NewInt(2)

// Chain is one simulated chain instance.
type Chain struct {
	ChainID uint64
	Bank    *token.Bank
	Ledger  *ledger.Ledger

	USDC     common.Address
	USDT     common.Address
	GasToken common.Address
}

// Node is a fully wired settlement topology.
type Node struct {
	cfg *config.Config
	log logger.Logger

	gateway *relay.Gateway
	router  *router.Router
	engine  *swap.Engine
	hubBank *token.Bank

	chains map[uint64]*Chain
	health *health.Server

	admin  common.Address
	pauser common.Address

	started bool
}

// contractAddress derives a stable address for a named instance on a chain.
func contractAddress(chainID uint64, name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("intentcore/%d/%s", chainID, name)))[12:])
}

// hubAssetAddress derives the hub representation address of a remote asset.
func hubAssetAddress(chainID uint64, symbol string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("intentcore/hub-asset/%d/%s", chainID, symbol)))[12:])
}

// New wires a node from the configured topology.
func New(cfg *config.Config, log logger.Logger) (*Node, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}

	admin := common.HexToAddress(cfg.AdminAddress)
	pauser := common.HexToAddress(cfg.PauserAddress)
	authorizer := auth.NewStatic().
		Grant(admin, auth.RoleAdmin).
		Grant(pauser, auth.RolePauser)

	n := &Node{
		cfg:    cfg,
		log:    log,
		chains: make(map[uint64]*Chain),
		admin:  admin,
		pauser: pauser,
	}

	n.gateway = relay.NewGateway(relay.Config{
		Workers:          cfg.WorkerCount,
		QueueSize:        cfg.Relay.QueueSize,
		MaxAttempts:      cfg.Relay.MaxAttempts,
		RetryInterval:    cfg.Relay.RetryInterval,
		BreakerThreshold: cfg.Relay.BreakerThreshold,
		BreakerCooldown:  cfg.Relay.BreakerCooldown,
		DuplicateEvery:   cfg.Relay.DuplicateEvery,
		Logger:           log,
	})

	if err := n.buildHub(authorizer); err != nil {
		return nil, err
	}
	if err := n.buildChains(authorizer); err != nil {
		return nil, err
	}
	if err := n.connect(); err != nil {
		return nil, err
	}
	if err := n.seedPools(); err != nil {
		return nil, err
	}

	n.health = health.NewServer(cfg.MetricsPort, n)
	return n, nil
}

// buildHub creates the hub bank, its asset registrations, the swap engine
// and the settlement router.
func (n *Node) buildHub(authorizer auth.Authorizer) error {
	hub := n.cfg.HubChainID
	n.hubBank = token.NewBank()

	// gas token representations for every remote chain
	for _, chainID := range chains.ChainList {
		if chainID == hub {
			continue
		}
		gas := token.Asset{
			Address:  hubAssetAddress(chainID, "GAS"),
			Symbol:   fmt.Sprintf("GAS.%s", chains.GetChainName(chainID)),
			Decimals: 18,
		}
		if err := n.hubBank.RegisterAsset(gas); err != nil {
			return err
		}
	}

	// stable representations: remote assets carry the gas token of their
	// home chain so withdrawals can be priced
	for _, chainID := range chains.ChainList {
		for _, symbol := range []string{"USDC", "USDT"} {
			asset := token.Asset{
				Address:  n.hubAsset(chainID, symbol),
				Symbol:   fmt.Sprintf("%s.%s", symbol, chains.GetChainName(chainID)),
				Decimals: stableDecimals(chainID, symbol),
			}
			if chainID != hub {
				asset.GasToken = hubAssetAddress(chainID, "GAS")
				asset.GasPrice = gasPrice
			}
			if err := n.hubBank.RegisterAsset(asset); err != nil {
				return err
			}
		}
	}

	n.engine = swap.NewEngine(n.hubBank, contractAddress(hub, "swap-engine"), 100)

	routerAddr := contractAddress(hub, "router")
	n.router = router.New(router.Config{
		HubChainID: hub,
		Address:    routerAddr,
		Bank:       n.hubBank,
		Provider:   n.engine,
		Forwarder: &relayForwarder{
			gateway:    n.gateway,
			hubChainID: hub,
			routerAddr: routerAddr,
		},
		Authorizer: authorizer,
		Logger:     n.log,
	})
	if n.cfg.GlobalGasLimit != 0 {
		if err := n.router.SetGlobalGasLimit(n.admin, n.cfg.GlobalGasLimit); err != nil {
			return err
		}
	}
	for chainID, limit := range chains.WithdrawDefaultGasLimit {
		if err := n.router.SetChainGasLimit(n.admin, chainID, limit); err != nil {
			return err
		}
	}

	n.gateway.RegisterBank(hub, n.hubBank)
	n.gateway.RegisterHandler(hub, routerAddr, n.router)
	return nil
}

// buildChains creates every chain instance, the hub's included. Every
// ledger dispatches through the relay, the hub's own included, so the
// router only ever runs on relay workers.
func (n *Node) buildChains(authorizer auth.Authorizer) error {
	hub := n.cfg.HubChainID

	for _, chainID := range chains.ChainList {
		var bank *token.Bank
		var usdc, usdt, gasToken common.Address

		if chainID == hub {
			bank = n.hubBank
			usdc = n.hubAsset(hub, "USDC")
			usdt = n.hubAsset(hub, "USDT")
		} else {
			bank = token.NewBank()
			usdc = common.HexToAddress(chains.GetUSDCAddress(chainID))
			usdt = common.HexToAddress(chains.GetUSDTAddress(chainID))
			gasToken = contractAddress(chainID, "gas")

			for _, asset := range []token.Asset{
				{Address: usdc, Symbol: "USDC", Decimals: stableDecimals(chainID, "USDC")},
				{Address: usdt, Symbol: "USDT", Decimals: stableDecimals(chainID, "USDT")},
				{Address: gasToken, Symbol: "GAS", Decimals: 18},
			} {
				if err := bank.RegisterAsset(asset); err != nil {
					return err
				}
			}
		}

		ledgerAddr := contractAddress(chainID, "ledger")
		dispatcher := &relayDispatcher{
			gateway:    n.gateway,
			hubChainID: hub,
			routerAddr: n.router.Address(),
		}

		l := ledger.New(ledger.Config{
			ChainID:    chainID,
			HubChainID: hub,
			Address:    ledgerAddr,
			RouterAddr: n.router.Address(),
			Bank:       bank,
			Dispatcher: dispatcher,
			Authorizer: authorizer,
			Logger:     n.log,
		})

		n.chains[chainID] = &Chain{
			ChainID:  chainID,
			Bank:     bank,
			Ledger:   l,
			USDC:     usdc,
			USDT:     usdt,
			GasToken: gasToken,
		}

		if chainID == hub {
			n.router.SetHubLedger(l)
		} else {
			n.gateway.RegisterBank(chainID, bank)
			n.gateway.RegisterHandler(chainID, ledgerAddr, &settledVolume{chainID: chainID, ledger: l})
		}
	}
	return nil
}

// connect registers intent contracts, token associations and the relay's
// asset bridge mappings.
func (n *Node) connect() error {
	hub := n.cfg.HubChainID

	for chainID, chain := range n.chains {
		if err := n.router.SetIntentContract(n.admin, chainID, chain.Ledger.Address()); err != nil {
			return err
		}

		for _, symbol := range []string{"USDC", "USDT"} {
			assoc := router.Association{
				Name:     symbol,
				Chain:    chainID,
				Asset:    chain.stable(symbol),
				HubAsset: n.hubAsset(chainID, symbol),
			}
			if err := n.router.AddTokenAssociation(n.admin, assoc); err != nil {
				return err
			}

			if chainID != hub {
				// intents bridge in, settlements bridge out
				n.gateway.MapAsset(chainID, assoc.Asset, hub, assoc.HubAsset)
				n.gateway.MapAsset(hub, assoc.HubAsset, chainID, assoc.Asset)
			} else {
				// hub-initiated intents relay onto the hub itself
				n.gateway.MapAsset(hub, assoc.Asset, hub, assoc.HubAsset)
			}
		}
	}
	return nil
}

// seedPools provisions the constant-product engine: one pool per token name
// across each pair of chain representations, and pools pricing each remote
// stable against its chain's gas token.
func (n *Node) seedPools() error {
	hub := n.cfg.HubChainID

	for _, symbol := range []string{"USDC", "USDT"} {
		for i, a := range chains.ChainList {
			for _, b := range chains.ChainList[i+1:] {
				err := n.engine.AddLiquidity(
					n.hubAsset(a, symbol),
					n.hubAsset(b, symbol),
					poolDepth(stableDecimals(a, symbol)),
					poolDepth(stableDecimals(b, symbol)),
				)
				if err != nil {
					return err
				}
			}
		}

		// gas pools: the carve-out buys the target chain's gas token with
		// the inbound stable, so every stable prices against every gas token
		for _, gasChain := range chains.ChainList {
			if gasChain == hub {
				continue
			}
			for _, chainID := range chains.ChainList {
				err := n.engine.AddLiquidity(
					n.hubAsset(chainID, symbol),
					hubAssetAddress(gasChain, "GAS"),
					poolDepth(stableDecimals(chainID, symbol)),
					poolDepth(18),
				)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (n *Node) hubAsset(chainID uint64, symbol string) common.Address {
	if chainID == n.cfg.HubChainID {
		switch symbol {
		case "USDC":
			return common.HexToAddress(chains.GetUSDCAddress(chainID))
		case "USDT":
			return common.HexToAddress(chains.GetUSDTAddress(chainID))
		}
	}
	return hubAssetAddress(chainID, symbol)
}

func (c *Chain) stable(symbol string) common.Address {
	if symbol == "USDT" {
		return c.USDT
	}
	return c.USDC
}

func stableDecimals(chainID uint64, symbol string) uint8 {
	if symbol == "USDT" {
		return chains.GetUSDTDecimals(chainID)
	}
	return chains.GetUSDCDecimals(chainID)
}

func poolDepth(decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(poolDepthTokens), scale)
}

// Start launches the relay workers and the health server. The health
// server binds only when a metrics port is configured.
func (n *Node) Start(ctx context.Context) {
	n.gateway.Start(ctx)
	if n.cfg.MetricsPort != "" {
		go n.health.Start()
	}
	n.started = true
	n.log.Notice("Node started: hub chain %d, %d chains wired", n.cfg.HubChainID, len(n.chains))
}

// Chain returns the instance for a chain ID, if wired.
func (n *Node) Chain(chainID uint64) (*Chain, bool) {
	c, ok := n.chains[chainID]
	return c, ok
}

// Router returns the hub settlement router.
func (n *Node) Router() *router.Router {
	return n.router
}

// Gateway returns the relay gateway.
func (n *Node) Gateway() *relay.Gateway {
	return n.gateway
}

// Admin returns the address holding the admin role.
func (n *Node) Admin() common.Address {
	return n.admin
}

// Pauser returns the address holding the pauser role.
func (n *Node) Pauser() common.Address {
	return n.pauser
}

// Ready implements health.Reporter.
func (n *Node) Ready() bool {
	return n.started
}

// Snapshot implements health.Reporter.
func (n *Node) Snapshot() health.Snapshot {
	chainStatus := make(map[uint64]health.ChainStatus, len(n.chains))
	for chainID, chain := range n.chains {
		stats := chain.Ledger.Stats()
		chainStatus[chainID] = health.ChainStatus{
			Name:               chains.GetChainName(chainID),
			LedgerAddress:      chain.Ledger.Address().Hex(),
			Paused:             stats.Paused,
			Intents:            stats.IntentCount,
			Fulfillments:       uint64(stats.Fulfillments),
			Settlements:        uint64(stats.Settlements),
			RejectedDuplicates: stats.RejectedDuplicates,
		}
	}

	routerStats := n.router.Stats()
	parked := n.gateway.Parked()
	parkedIDs := make([]string, 0, len(parked))
	for _, msg := range parked {
		parkedIDs = append(parkedIDs, msg.ID)
	}

	return health.Snapshot{
		Chains:          chainStatus,
		RouterForwarded: routerStats.Forwarded,
		RouterErrors:    routerStats.Errors,
		RelayQueueDepth: n.gateway.QueueDepth(),
		RelayParked:     parkedIDs,
	}
}

// relayDispatcher carries initiated intents from a chain's ledger to the
// hub router through the gateway. The hub's own ledger relays too, which
// keeps every router entry on a relay worker and the lock ordering between
// ledgers and the router acyclic.
type relayDispatcher struct {
	gateway    *relay.Gateway
	hubChainID uint64
	routerAddr common.Address
}

var _ ledger.Dispatcher = (*relayDispatcher)(nil)

func (d *relayDispatcher) DispatchIntent(
	sourceChain uint64,
	sourceLedger common.Address,
	asset common.Address,
	amountWithTip *big.Int,
	payload []byte,
) error {
	_, err := d.gateway.Send(
		sourceChain, sourceLedger,
		d.hubChainID, d.routerAddr,
		asset, amountWithTip,
		common.Address{}, nil,
		payload,
	)
	return err
}

// settledVolume forwards settlement deliveries to the chain's ledger and
// records the standardized stablecoin volume that was applied.
type settledVolume struct {
	chainID uint64
	ledger  *ledger.Ledger
}

var _ relay.Handler = (*settledVolume)(nil)

func (v *settledVolume) OnInbound(ctx types.InboundContext, asset common.Address, amount *big.Int, payload []byte) error {
	if err := v.ledger.OnInbound(ctx, asset, amount, payload); err != nil {
		return err
	}
	tokenType := chains.GetTokenType(asset.Hex())
	if tokenType == "" {
		return nil
	}
	if standardized, err := chains.GetStandardizedAmount(amount, v.chainID, chains.TokenType(tokenType)); err == nil {
		metrics.SettledVolume.WithLabelValues(chains.GetChainName(v.chainID), tokenType).Add(standardized)
	}
	return nil
}

// relayForwarder carries routed settlements from the hub to their target
// chain through the gateway.
type relayForwarder struct {
	gateway    *relay.Gateway
	hubChainID uint64
	routerAddr common.Address
}

var _ router.Forwarder = (*relayForwarder)(nil)

func (f *relayForwarder) ForwardSettlement(
	targetChain uint64,
	targetLedger common.Address,
	asset common.Address,
	amountOut *big.Int,
	gasToken common.Address,
	gasFee *big.Int,
	payload []byte,
) error {
	_, err := f.gateway.Send(
		f.hubChainID, f.routerAddr,
		targetChain, targetLedger,
		asset, amountOut,
		gasToken, gasFee,
		payload,
	)
	return err
}
