// Package chains holds the static registry of simulated chains and the
// canonical token addresses seeded on them.
package chains

import (
	"fmt"
	"math/big"
	"strings"
)

// TokenType identifies a supported stablecoin
type TokenType string

const (
	TokenTypeUSDC TokenType = "USDC"
	TokenTypeUSDT TokenType = "USDT"
)

// HubChainID is the chain the settlement router runs on.
const HubChainID = uint64(7000)

// ChainList contains the list of supported chain IDs
var ChainList = []uint64{
	1,     // Ethereum
	137,   // Polygon
	42161, // Arbitrum
	43114, // Avalanche
	56,    // Binance Smart Chain
	7000,  // ZetaChain
	8453,  // Base
}

// chainNames maps chain IDs to their names
var chainNames = map[uint64]string{
	1:     "ETHEREUM",
	137:   "POLYGON",
	42161: "ARBITRUM",
	43114: "AVALANCHE",
	56:    "BSC",
	7000:  "ZETACHAIN",
	8453:  "BASE",
}

// WithdrawDefaultGasLimit is the default gas limit for withdrawal transactions per chain
// Exposed for use by other packages
var WithdrawDefaultGasLimit = map[uint64]uint64{
	1:     400000,  // Ethereum
	137:   400000,  // Polygon
	42161: 1000000, // Arbitrum
	43114: 400000,  // Avalanche
	56:    400000,  // Binance Smart Chain
	7000:  400000,  // ZetaChain
	8453:  400000,  // Base
}

// usdcAddresses maps chain IDs to USDC contract addresses
var usdcAddresses = map[uint64]string{
	1:     "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	137:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
	42161: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
	43114: "0xb97ef9ef8734c71904d8002f8b6bc66dd9c48a6e",
	56:    "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
	7000:  "0x0cbe0dF132a6c6B4a2974Fa1b7Fb953CF0Cc798a",
	8453:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
}

// usdtAddresses maps chain IDs to USDT contract addresses
var usdtAddresses = map[uint64]string{
	1:     "0xdAC17F958D2ee523a2206206994597C13D831ec7",
	137:   "0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
	42161: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9",
	43114: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7",
	56:    "0x55d398326f99059fF775485246999027B3197955",
	7000:  "0x7c8dDa80bbBE1254a7aACf3219EBe1481c6E01d7",
	8453:  "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb",
}

// usdcDecimals lists the chains where USDC uses 18 decimals instead of 6
var usdcDecimals = map[uint64]uint8{
	56: 18, // BSC
}

// usdtDecimals lists the chains where USDT uses 18 decimals instead of 6
var usdtDecimals = map[uint64]uint8{
	56: 18, // BSC
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID uint64) string {
	name, exists := chainNames[chainID]
	if !exists {
		return ""
	}
	return name
}

// GetUSDCAddress returns the USDC contract address for a given chain ID
func GetUSDCAddress(chainID uint64) string {
	address, exists := usdcAddresses[chainID]
	if !exists {
		return ""
	}
	return address
}

// GetUSDTAddress returns the USDT contract address for a given chain ID
func GetUSDTAddress(chainID uint64) string {
	address, exists := usdtAddresses[chainID]
	if !exists {
		return ""
	}
	return address
}

// GetUSDCDecimals returns the decimal precision of USDC on a chain
func GetUSDCDecimals(chainID uint64) uint8 {
	if d, ok := usdcDecimals[chainID]; ok {
		return d
	}
	return 6
}

// GetUSDTDecimals returns the decimal precision of USDT on a chain
func GetUSDTDecimals(chainID uint64) uint8 {
	if d, ok := usdtDecimals[chainID]; ok {
		return d
	}
	return 6
}

// GetStandardizedAmount converts a base-unit amount to whole tokens,
// using the token's decimal precision on the given chain.
func GetStandardizedAmount(baseAmount *big.Int, chainID uint64, tokenType TokenType) (float64, error) {
	if baseAmount == nil || baseAmount.Sign() <= 0 {
		return 0, fmt.Errorf("amount must be a positive value")
	}

	var decimals uint8
	switch tokenType {
	case TokenTypeUSDC:
		decimals = GetUSDCDecimals(chainID)
	case TokenTypeUSDT:
		decimals = GetUSDTDecimals(chainID)
	default:
		return 0, fmt.Errorf("unknown token type: %s", tokenType)
	}

	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	result, _ := new(big.Float).Quo(new(big.Float).SetInt(baseAmount), divisor).Float64()
	return result, nil
}

// GetTokenType returns from the address the name of the token (USDC or USDT)
// It walks through all address maps, compares with the address converted to
// lowercase and returns the token type if found
// return an empty string if not found
func GetTokenType(address string) string {
	// convert address to lowercase for case-insensitive comparison
	address = strings.ToLower(address)

	for _, usdcAddress := range usdcAddresses {
		if strings.ToLower(usdcAddress) == address {
			return "USDC"
		}
	}

	for _, usdtAddress := range usdtAddresses {
		if strings.ToLower(usdtAddress) == address {
			return "USDT"
		}
	}

	return ""
}
