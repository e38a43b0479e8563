package payments

import (
	"math/big"
)

// DefaultDecimals is the USDC token precision on every supported network.
const DefaultDecimals = 6

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)
)

// NetworkConfig describes one supported settlement network.
type NetworkConfig struct {
	Name        string
	ChainID     *big.Int
	USDCAddress string
	Decimals    int
}

// Networks is the closed table of settlement networks the protocol speaks.
// Amounts on either network are USDC with six decimals.
var Networks = map[string]NetworkConfig{
	// Base Mainnet
	"base": {
		Name:        "base",
		ChainID:     ChainIDBase,
		USDCAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
		Decimals:    DefaultDecimals,
	},
	// Base Sepolia Testnet
	"base-sepolia": {
		Name:        "base-sepolia",
		ChainID:     ChainIDBaseSepolia,
		USDCAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
		Decimals:    DefaultDecimals,
	},
}

// NetworkByName looks up a supported network.
func NetworkByName(name string) (NetworkConfig, bool) {
	cfg, ok := Networks[name]
	return cfg, ok
}

// SupportedNetwork reports whether name is in the network table.
func SupportedNetwork(name string) bool {
	_, ok := Networks[name]
	return ok
}
