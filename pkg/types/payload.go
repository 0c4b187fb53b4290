// Package types defines the wire payloads exchanged between the intent
// ledgers and the hub settlement router, and the hash identities that key
// the protocol's ledgers.
package types

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IntentPayload is the record a source-chain ledger sends toward the hub
// when an intent is initiated. The tip is not carried explicitly: the relay
// message delivers amount+tip of the asset, and the router derives the tip
// from the difference.
type IntentPayload struct {
	IntentID    common.Hash
	Amount      *big.Int
	TargetChain uint64
	Receiver    []byte
	IsCall      bool
	Data        []byte
	GasLimit    uint64
}

// SettlementPayload is the record the hub router sends to the target-chain
// ledger. Amount is the original requested amount, preserved so the target
// ledger recomputes the same fulfillment index a fulfiller committed to;
// ActualAmount is the post-cost payout and may be lower.
type SettlementPayload struct {
	IntentID     common.Hash
	Amount       *big.Int
	Asset        common.Address
	Receiver     []byte
	Tip          *big.Int
	ActualAmount *big.Int
	IsCall       bool
	Data         []byte
}

// InboundContext identifies the origin of a delivered cross-chain message.
// Handlers authenticate against it before touching any state.
type InboundContext struct {
	SourceChainID uint64
	Sender        common.Address
	DeliveryID    string
}

// IntentID derives the intent identifier from the ledger's creation counter,
// the caller-supplied salt and the local chain ID.
func IntentID(counter uint64, salt common.Hash, chainID uint64) common.Hash {
	buf := make([]byte, 8+common.HashLength+8)
	binary.BigEndian.PutUint64(buf[:8], counter)
	copy(buf[8:8+common.HashLength], salt[:])
	binary.BigEndian.PutUint64(buf[8+common.HashLength:], chainID)
	return crypto.Keccak256Hash(buf)
}

// FulfillmentIndex is the primary key of the fulfillment and settlement
// ledgers: the hash of the full candidate outcome tuple, so that a fulfiller
// commits to exact parameters before the authoritative settlement is known.
func FulfillmentIndex(
	intentID common.Hash,
	asset common.Address,
	amount *big.Int,
	receiver common.Address,
	isCall bool,
	data []byte,
) common.Hash {
	packed, err := indexArgs.Pack(intentID, asset, amount, receiver, isCall, data)
	if err != nil {
		// Only reachable with a nil amount, which every caller constructs
		panic(fmt.Sprintf("fulfillment index pack: %v", err))
	}
	return crypto.Keccak256Hash(packed)
}

var (
	typeBytes32 = mustType("bytes32")
	typeUint256 = mustType("uint256")
	typeUint64  = mustType("uint64")
	typeAddress = mustType("address")
	typeBytes   = mustType("bytes")
	typeBool    = mustType("bool")

	indexArgs = abi.Arguments{
		{Type: typeBytes32},
		{Type: typeAddress},
		{Type: typeUint256},
		{Type: typeAddress},
		{Type: typeBool},
		{Type: typeBytes},
	}

	intentArgs = abi.Arguments{
		{Type: typeBytes32}, // intentId
		{Type: typeUint256}, // amount
		{Type: typeUint64},  // targetChain
		{Type: typeBytes},   // receiver
		{Type: typeBool},    // isCall
		{Type: typeBytes},   // data
		{Type: typeUint64},  // gasLimit
	}

	settlementArgs = abi.Arguments{
		{Type: typeBytes32}, // intentId
		{Type: typeUint256}, // amount
		{Type: typeAddress}, // asset
		{Type: typeBytes},   // receiver
		{Type: typeUint256}, // tip
		{Type: typeUint256}, // actualAmount
		{Type: typeBool},    // isCall
		{Type: typeBytes},   // data
	}
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Encode serializes the intent payload with ABI encoding.
func (p *IntentPayload) Encode() ([]byte, error) {
	return intentArgs.Pack(
		p.IntentID,
		p.Amount,
		p.TargetChain,
		p.Receiver,
		p.IsCall,
		p.Data,
		p.GasLimit,
	)
}

// DecodeIntentPayload deserializes an ABI-encoded intent payload.
func DecodeIntentPayload(data []byte) (*IntentPayload, error) {
	values, err := intentArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode intent payload: %w", err)
	}

	p := &IntentPayload{
		IntentID:    values[0].([32]byte),
		Amount:      values[1].(*big.Int),
		TargetChain: values[2].(uint64),
		Receiver:    values[3].([]byte),
		IsCall:      values[4].(bool),
		Data:        values[5].([]byte),
		GasLimit:    values[6].(uint64),
	}
	return p, nil
}

// Encode serializes the settlement payload with ABI encoding.
func (p *SettlementPayload) Encode() ([]byte, error) {
	return settlementArgs.Pack(
		p.IntentID,
		p.Amount,
		p.Asset,
		p.Receiver,
		p.Tip,
		p.ActualAmount,
		p.IsCall,
		p.Data,
	)
}

// DecodeSettlementPayload deserializes an ABI-encoded settlement payload.
func DecodeSettlementPayload(data []byte) (*SettlementPayload, error) {
	values, err := settlementArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode settlement payload: %w", err)
	}

	p := &SettlementPayload{
		IntentID:     values[0].([32]byte),
		Amount:       values[1].(*big.Int),
		Asset:        values[2].(common.Address),
		Receiver:     values[3].([]byte),
		Tip:          values[4].(*big.Int),
		ActualAmount: values[5].(*big.Int),
		IsCall:       values[6].(bool),
		Data:         values[7].([]byte),
	}
	return p, nil
}
