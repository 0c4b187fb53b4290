package router

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/intentcore/pkg/auth"
	"github.com/speedrun-hq/intentcore/pkg/token"
	"github.com/speedrun-hq/intentcore/pkg/types"
)

const (
	baseChainID    = uint64(8453)
	arbChainID     = uint64(42161)
	polygonChainID = uint64(137)
	hubChainID     = uint64(7000)
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000Ad")
	nonAdmin   = common.HexToAddress("0x00000000000000000000000000000000000000Ee")
	routerAddr = common.HexToAddress("0x0000000000000000000000000000000000000701")
	baseLedger = common.HexToAddress("0x0000000000000000000000000000000000008453")
	arbLedger  = common.HexToAddress("0x0000000000000000000000000000000000042161")
	polLedger  = common.HexToAddress("0x0000000000000000000000000000000000000137")
	receiver   = common.HexToAddress("0x00000000000000000000000000000000000000CE")

	// hub representations of the external assets
	usdcBaseHub = common.HexToAddress("0x0000000000000000000000000000000000001001")
	usdcArbHub  = common.HexToAddress("0x0000000000000000000000000000000000001002")
	usdcHub     = common.HexToAddress("0x0000000000000000000000000000000000001003")
	daiBaseHub  = common.HexToAddress("0x0000000000000000000000000000000000001004")
	daiArbHub   = common.HexToAddress("0x0000000000000000000000000000000000001005")

	// external asset addresses on their home chains
	usdcBaseExt = common.HexToAddress("0x0000000000000000000000000000000000003001")
	usdcArbExt  = common.HexToAddress("0x0000000000000000000000000000000000003002")
	usdcPolExt  = common.HexToAddress("0x0000000000000000000000000000000000003003")
	daiBaseExt  = common.HexToAddress("0x0000000000000000000000000000000000003004")
	daiArbExt   = common.HexToAddress("0x0000000000000000000000000000000000003005")

	gasArb = common.HexToAddress("0x0000000000000000000000000000000000002002")
)

// stubProvider mimics the provider contract: it pulls the input from the
// caller's balance and credits a configured output plus the gas fee.
type stubProvider struct {
	bank *token.Bank
	out  *big.Int
	err  error

	calls        int
	lastGasToken common.Address
	lastGasFee   *big.Int
}

func (p *stubProvider) Swap(
	caller common.Address,
	tokenIn, tokenOut common.Address,
	amountIn *big.Int,
	gasToken common.Address,
	gasFee *big.Int,
	_ string,
) (*big.Int, error) {
	p.calls++
	p.lastGasToken = gasToken
	p.lastGasFee = new(big.Int).Set(gasFee)

	if p.err != nil {
		return nil, p.err
	}
	if err := p.bank.Burn(tokenIn, caller, amountIn); err != nil {
		return nil, err
	}
	if err := p.bank.Mint(tokenOut, caller, p.out); err != nil {
		return nil, err
	}
	if gasFee.Sign() > 0 {
		if err := p.bank.Mint(gasToken, caller, gasFee); err != nil {
			return nil, err
		}
	}
	return new(big.Int).Set(p.out), nil
}

type forwardCall struct {
	targetChain  uint64
	targetLedger common.Address
	asset        common.Address
	amount       *big.Int
	gasToken     common.Address
	gasFee       *big.Int
	payload      []byte
}

type capturingForwarder struct {
	calls []forwardCall
	err   error
}

func (f *capturingForwarder) ForwardSettlement(
	targetChain uint64,
	targetLedger common.Address,
	asset common.Address,
	amount *big.Int,
	gasToken common.Address,
	gasFee *big.Int,
	payload []byte,
) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, forwardCall{
		targetChain:  targetChain,
		targetLedger: targetLedger,
		asset:        asset,
		amount:       new(big.Int).Set(amount),
		gasToken:     gasToken,
		gasFee:       new(big.Int).Set(gasFee),
		payload:      payload,
	})
	return nil
}

type hubInbound struct {
	ctx     types.InboundContext
	asset   common.Address
	amount  *big.Int
	payload []byte
}

type stubHubLedger struct {
	addr  common.Address
	calls []hubInbound
	err   error
}

func (l *stubHubLedger) Address() common.Address { return l.addr }

func (l *stubHubLedger) OnInbound(ctx types.InboundContext, asset common.Address, amount *big.Int, payload []byte) error {
	if l.err != nil {
		return l.err
	}
	l.calls = append(l.calls, hubInbound{ctx: ctx, asset: asset, amount: new(big.Int).Set(amount), payload: payload})
	return nil
}

type fixture struct {
	router    *Router
	bank      *token.Bank
	provider  *stubProvider
	forwarder *capturingForwarder
	hubLedger *stubHubLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bank := token.NewBank()
	for _, a := range []token.Asset{
		{Address: usdcBaseHub, Symbol: "USDC.BASE", Decimals: 6},
		{Address: usdcArbHub, Symbol: "USDC.ARB", Decimals: 6, GasToken: gasArb, GasPrice: big.NewInt(2)},
		{Address: usdcHub, Symbol: "USDC", Decimals: 6},
		{Address: daiBaseHub, Symbol: "DAI.BASE", Decimals: 18},
		{Address: daiArbHub, Symbol: "DAI.ARB", Decimals: 6, GasToken: gasArb, GasPrice: big.NewInt(2)},
		{Address: gasArb, Symbol: "ETH.ARB", Decimals: 18},
	} {
		require.NoError(t, bank.RegisterAsset(a))
	}

	provider := &stubProvider{bank: bank}
	forwarder := &capturingForwarder{}
	hubLedger := &stubHubLedger{addr: common.HexToAddress("0x0000000000000000000000000000000000007007")}

	r := New(Config{
		HubChainID: hubChainID,
		Address:    routerAddr,
		Bank:       bank,
		Provider:   provider,
		Forwarder:  forwarder,
		Authorizer: auth.NewStatic().Grant(admin, auth.RoleAdmin),
	})
	r.SetHubLedger(hubLedger)

	require.NoError(t, r.SetIntentContract(admin, baseChainID, baseLedger))
	require.NoError(t, r.SetIntentContract(admin, arbChainID, arbLedger))
	require.NoError(t, r.SetIntentContract(admin, polygonChainID, polLedger))
	require.NoError(t, r.SetIntentContract(admin, hubChainID, hubLedger.addr))

	for _, a := range []Association{
		{Name: "USDC", Chain: baseChainID, Asset: usdcBaseExt, HubAsset: usdcBaseHub},
		{Name: "USDC", Chain: arbChainID, Asset: usdcArbExt, HubAsset: usdcArbHub},
		{Name: "USDC", Chain: polygonChainID, Asset: usdcPolExt, HubAsset: usdcBaseHub},
		{Name: "USDC", Chain: hubChainID, Asset: usdcHub, HubAsset: usdcHub},
		{Name: "DAI", Chain: baseChainID, Asset: daiBaseExt, HubAsset: daiBaseHub},
		{Name: "DAI", Chain: arbChainID, Asset: daiArbExt, HubAsset: daiArbHub},
	} {
		require.NoError(t, r.AddTokenAssociation(admin, a))
	}

	return &fixture{router: r, bank: bank, provider: provider, forwarder: forwarder, hubLedger: hubLedger}
}

func fromBase() types.InboundContext {
	return types.InboundContext{SourceChainID: baseChainID, Sender: baseLedger}
}

// send mints the relay-credited funds to the router account and delivers
// the intent message.
func (f *fixture) send(t *testing.T, asset common.Address, payload *types.IntentPayload, amountWithTip *big.Int) error {
	t.Helper()

	data, err := payload.Encode()
	require.NoError(t, err)
	require.NoError(t, f.bank.Mint(asset, routerAddr, amountWithTip))
	return f.router.OnInbound(fromBase(), asset, amountWithTip, data)
}

func usdcIntent(targetChain uint64, amount, tip int64) (*types.IntentPayload, *big.Int) {
	payload := &types.IntentPayload{
		IntentID:    types.IntentID(1, common.HexToHash("0x01"), baseChainID),
		Amount:      big.NewInt(amount),
		TargetChain: targetChain,
		Receiver:    receiver.Bytes(),
	}
	return payload, big.NewInt(amount + tip)
}

func TestCostAbsorption(t *testing.T) {
	tests := []struct {
		name       string
		swapOut    int64
		wantErr    error
		wantTip    int64
		wantActual int64
	}{
		{
			name:       "Shortfall absorbed by tip",
			swapOut:    103,
			wantTip:    3,
			wantActual: 100,
		},
		{
			name:       "Shortfall exhausts tip and eats principal",
			swapOut:    95,
			wantTip:    0,
			wantActual: 95,
		},
		{
			name:    "Shortfall consumes the full amount",
			swapOut: 0,
			wantErr: ErrInsufficientAmountAfterCosts,
		},
		{
			name:    "Swap returns more than expected",
			swapOut: 111,
			wantErr: ErrSwapReturnedTooMuch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.out = big.NewInt(tt.swapOut)

			payload, amountWithTip := usdcIntent(arbChainID, 100, 10)
			err := f.send(t, usdcBaseHub, payload, amountWithTip)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.forwarder.calls)

				// the failed route must leave the relay-credited funds intact
				assert.Equal(t, amountWithTip, f.bank.BalanceOf(usdcBaseHub, routerAddr))
				assert.Zero(t, f.bank.BalanceOf(usdcArbHub, routerAddr).Sign())
				return
			}

			require.NoError(t, err)
			require.Len(t, f.forwarder.calls, 1)

			call := f.forwarder.calls[0]
			assert.Equal(t, arbChainID, call.targetChain)
			assert.Equal(t, arbLedger, call.targetLedger)
			assert.Equal(t, usdcArbHub, call.asset)
			assert.Equal(t, big.NewInt(tt.swapOut), call.amount)

			settlement, err := types.DecodeSettlementPayload(call.payload)
			require.NoError(t, err)
			assert.Equal(t, payload.IntentID, settlement.IntentID)
			assert.Equal(t, big.NewInt(100), settlement.Amount, "requested amount must survive for index recomputation")
			assert.Equal(t, usdcArbExt, settlement.Asset)
			// Cmp, not Equal: the ABI decoder's zero differs from
			// big.NewInt(0) in representation
			assert.Zero(t, settlement.Tip.Cmp(big.NewInt(tt.wantTip)), "tip %s", settlement.Tip)
			assert.Zero(t, settlement.ActualAmount.Cmp(big.NewInt(tt.wantActual)), "actual %s", settlement.ActualAmount)
		})
	}
}

func TestSameAssetFastPath(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("swap must not run on the fast path")

	// Base and Polygon share usdcBaseHub in the fixture
	payload, amountWithTip := usdcIntent(polygonChainID, 100, 10)
	require.NoError(t, f.send(t, usdcBaseHub, payload, amountWithTip))

	assert.Zero(t, f.provider.calls)
	require.Len(t, f.forwarder.calls, 1)

	call := f.forwarder.calls[0]
	assert.Equal(t, big.NewInt(110), call.amount)
	assert.Zero(t, call.gasFee.Sign())

	settlement, err := types.DecodeSettlementPayload(call.payload)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), settlement.Amount)
	assert.Equal(t, big.NewInt(10), settlement.Tip)
	assert.Equal(t, big.NewInt(100), settlement.ActualAmount)
}

func TestDecimalConversionAcrossLegs(t *testing.T) {
	f := newFixture(t)

	// 18-decimal source, 6-decimal target: 5 DAI + 1 DAI tip
	amount := new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))
	tip := big.NewInt(1e18)
	amountWithTip := new(big.Int).Add(amount, tip)
	f.provider.out = big.NewInt(6_000_000)

	payload := &types.IntentPayload{
		IntentID:    types.IntentID(2, common.HexToHash("0x02"), baseChainID),
		Amount:      amount,
		TargetChain: arbChainID,
		Receiver:    receiver.Bytes(),
	}
	require.NoError(t, f.send(t, daiBaseHub, payload, amountWithTip))

	require.Len(t, f.forwarder.calls, 1)
	settlement, err := types.DecodeSettlementPayload(f.forwarder.calls[0].payload)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5_000_000), settlement.Amount)
	assert.Equal(t, big.NewInt(1_000_000), settlement.Tip)
	assert.Equal(t, big.NewInt(5_000_000), settlement.ActualAmount)
}

func TestHubTargetSettlesLocally(t *testing.T) {
	f := newFixture(t)
	f.provider.out = big.NewInt(108)

	payload, amountWithTip := usdcIntent(hubChainID, 100, 10)
	require.NoError(t, f.send(t, usdcBaseHub, payload, amountWithTip))

	assert.Empty(t, f.forwarder.calls, "hub-target settlement must not touch the relay")
	require.Len(t, f.hubLedger.calls, 1)

	call := f.hubLedger.calls[0]
	assert.Equal(t, hubChainID, call.ctx.SourceChainID)
	assert.Equal(t, routerAddr, call.ctx.Sender)
	assert.Equal(t, usdcHub, call.asset)
	assert.Equal(t, big.NewInt(108), call.amount)
	assert.Equal(t, big.NewInt(108), f.bank.BalanceOf(usdcHub, f.hubLedger.addr))

	// no withdrawal leaves the hub, so no gas fee is quoted
	assert.Zero(t, f.provider.lastGasFee.Sign())

	settlement, err := types.DecodeSettlementPayload(call.payload)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(8), settlement.Tip)
	assert.Equal(t, big.NewInt(100), settlement.ActualAmount)
}

func TestInboundAuthentication(t *testing.T) {
	tests := []struct {
		name string
		ctx  types.InboundContext
	}{
		{
			name: "Sender is not the registered intent contract",
			ctx:  types.InboundContext{SourceChainID: baseChainID, Sender: nonAdmin},
		},
		{
			name: "Unregistered source chain",
			ctx:  types.InboundContext{SourceChainID: 999, Sender: baseLedger},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			payload, amountWithTip := usdcIntent(arbChainID, 100, 10)
			data, err := payload.Encode()
			require.NoError(t, err)

			err = f.router.OnInbound(tt.ctx, usdcBaseHub, amountWithTip, data)
			require.ErrorIs(t, err, ErrUnauthorized)
			assert.Empty(t, f.forwarder.calls)
		})
	}
}

func TestInboundResolutionErrors(t *testing.T) {
	t.Run("Unassociated hub asset", func(t *testing.T) {
		f := newFixture(t)
		payload, amountWithTip := usdcIntent(arbChainID, 100, 10)

		// gasArb is registered with the bank but has no token association
		err := f.send(t, gasArb, payload, amountWithTip)
		require.ErrorIs(t, err, ErrUnknownAssociation)
	})

	t.Run("No association on the target chain", func(t *testing.T) {
		f := newFixture(t)
		payload, amountWithTip := usdcIntent(arbChainID, 100, 10)
		payload.TargetChain = 10 // no USDC association for Optimism in the fixture

		err := f.send(t, usdcBaseHub, payload, amountWithTip)
		require.ErrorIs(t, err, ErrUnknownAssociation)
	})

	t.Run("No intent contract on the target chain", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.router.AddTokenAssociation(admin, Association{
			Name: "USDC", Chain: 10, Asset: usdcPolExt, HubAsset: usdcArbHub,
		}))

		payload, amountWithTip := usdcIntent(arbChainID, 100, 10)
		payload.TargetChain = 10

		err := f.send(t, usdcBaseHub, payload, amountWithTip)
		require.ErrorIs(t, err, ErrNoIntentContract)
	})
}

func TestGasLimitResolution(t *testing.T) {
	// usdcArbHub quotes gas at 2 units per gas, so fee == 2 * limit
	tests := []struct {
		name            string
		payloadGasLimit uint64
		chainOverride   uint64
		globalLimit     uint64
		wantFee         int64
	}{
		{
			name:            "Payload gas limit wins",
			payloadGasLimit: 555000,
			chainOverride:   600000,
			wantFee:         1110000,
		},
		{
			name:            "Payload gas limit is not clamped",
			payloadGasLimit: 5000000,
			wantFee:         10000000,
		},
		{
			name:          "Chain override beats the global default",
			chainOverride: 600000,
			wantFee:       1200000,
		},
		{
			name:    "Global default applies",
			wantFee: 2 * DefaultGasLimit,
		},
		{
			name:        "Admin-set global limit is clamped to the minimum",
			globalLimit: 50000,
			wantFee:     2 * MinGasLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.out = big.NewInt(103)

			if tt.chainOverride != 0 {
				require.NoError(t, f.router.SetChainGasLimit(admin, arbChainID, tt.chainOverride))
			}
			if tt.globalLimit != 0 {
				require.NoError(t, f.router.SetGlobalGasLimit(admin, tt.globalLimit))
			}

			payload, amountWithTip := usdcIntent(arbChainID, 100, 10)
			payload.GasLimit = tt.payloadGasLimit
			require.NoError(t, f.send(t, usdcBaseHub, payload, amountWithTip))

			assert.Equal(t, gasArb, f.provider.lastGasToken)
			assert.Equal(t, big.NewInt(tt.wantFee), f.provider.lastGasFee)

			require.Len(t, f.forwarder.calls, 1)
			assert.Equal(t, big.NewInt(tt.wantFee), f.forwarder.calls[0].gasFee)
		})
	}
}

func TestChainGasLimitReadback(t *testing.T) {
	f := newFixture(t)

	_, ok := f.router.ChainGasLimit(baseChainID)
	assert.False(t, ok)

	require.NoError(t, f.router.SetChainGasLimit(admin, arbChainID, 2_000_000))
	limit, ok := f.router.ChainGasLimit(arbChainID)
	require.True(t, ok)
	assert.Equal(t, uint64(MaxGasLimit), limit, "admin-set overrides are clamped at set time")
}

func TestForwardFailureRevertsFunds(t *testing.T) {
	f := newFixture(t)
	f.provider.out = big.NewInt(103)
	f.forwarder.err = errors.New("relay down")

	payload, amountWithTip := usdcIntent(arbChainID, 100, 10)
	err := f.send(t, usdcBaseHub, payload, amountWithTip)
	require.Error(t, err)

	// the swap and gas withdrawal must be rolled back with the route
	assert.Equal(t, amountWithTip, f.bank.BalanceOf(usdcBaseHub, routerAddr))
	assert.Zero(t, f.bank.BalanceOf(usdcArbHub, routerAddr).Sign())
	assert.Zero(t, f.bank.BalanceOf(gasArb, routerAddr).Sign())
}

func TestAssociationAdmin(t *testing.T) {
	t.Run("Non-admin callers are rejected", func(t *testing.T) {
		f := newFixture(t)

		err := f.router.SetIntentContract(nonAdmin, 10, arbLedger)
		require.ErrorIs(t, err, ErrUnauthorized)

		err = f.router.AddTokenAssociation(nonAdmin, Association{
			Name: "USDT", Chain: baseChainID, Asset: usdcBaseExt, HubAsset: usdcBaseHub,
		})
		require.ErrorIs(t, err, ErrUnauthorized)

		err = f.router.SetGlobalGasLimit(nonAdmin, 500000)
		require.ErrorIs(t, err, ErrUnauthorized)

		err = f.router.RemoveTokenAssociation(nonAdmin, "USDC", baseChainID)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("Duplicate association is rejected", func(t *testing.T) {
		f := newFixture(t)

		err := f.router.AddTokenAssociation(admin, Association{
			Name: "USDC", Chain: baseChainID, Asset: usdcBaseExt, HubAsset: usdcBaseHub,
		})
		require.ErrorIs(t, err, ErrAssociationExists)
	})

	t.Run("Hub asset cannot serve two token names", func(t *testing.T) {
		f := newFixture(t)

		err := f.router.AddTokenAssociation(admin, Association{
			Name: "USDT", Chain: baseChainID, Asset: usdcPolExt, HubAsset: usdcBaseHub,
		})
		require.ErrorIs(t, err, ErrHubAssetBound)
	})

	t.Run("Remove frees the hub asset binding", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.router.RemoveTokenAssociation(admin, "DAI", baseChainID))
		_, ok := f.router.Association("DAI", baseChainID)
		assert.False(t, ok)

		// daiBaseHub had a single association, so the name is reusable now
		require.NoError(t, f.router.AddTokenAssociation(admin, Association{
			Name: "SDAI", Chain: baseChainID, Asset: daiBaseExt, HubAsset: daiBaseHub,
		}))
	})

	t.Run("Remove keeps the binding while another chain uses it", func(t *testing.T) {
		f := newFixture(t)

		// usdcBaseHub also serves Polygon in the fixture
		require.NoError(t, f.router.RemoveTokenAssociation(admin, "USDC", baseChainID))

		err := f.router.AddTokenAssociation(admin, Association{
			Name: "USDT", Chain: baseChainID, Asset: usdcBaseExt, HubAsset: usdcBaseHub,
		})
		require.ErrorIs(t, err, ErrHubAssetBound)
	})

	t.Run("Update replaces the external asset", func(t *testing.T) {
		f := newFixture(t)

		updated := Association{Name: "USDC", Chain: arbChainID, Asset: usdcPolExt, HubAsset: usdcArbHub}
		require.NoError(t, f.router.UpdateTokenAssociation(admin, updated))

		got, ok := f.router.Association("USDC", arbChainID)
		require.True(t, ok)
		assert.Equal(t, usdcPolExt, got.Asset)
	})

	t.Run("Update of a missing association fails", func(t *testing.T) {
		f := newFixture(t)

		err := f.router.UpdateTokenAssociation(admin, Association{
			Name: "WBTC", Chain: baseChainID, Asset: usdcBaseExt, HubAsset: usdcBaseHub,
		})
		require.ErrorIs(t, err, ErrUnknownAssociation)
	})
}

func TestRouterStats(t *testing.T) {
	f := newFixture(t)
	f.provider.out = big.NewInt(103)

	payload, amountWithTip := usdcIntent(arbChainID, 100, 10)
	require.NoError(t, f.send(t, usdcBaseHub, payload, amountWithTip))

	f.provider.out = big.NewInt(0)
	payload2, amountWithTip2 := usdcIntent(arbChainID, 100, 10)
	require.ErrorIs(t, f.send(t, usdcBaseHub, payload2, amountWithTip2), ErrInsufficientAmountAfterCosts)

	stats := f.router.Stats()
	assert.Equal(t, uint64(1), stats.Forwarded)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, 6, stats.Associations)
}
