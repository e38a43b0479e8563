package payments

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ERC20BalanceOfABI for reading token balances
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20TransferABI for building transfer calldata
	ERC20TransferABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)

// TransferEventID is the topic hash of the canonical ERC-20 Transfer event.
var TransferEventID = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferEvent is one decoded ERC-20 Transfer log.
type TransferEvent struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

func packBalanceOf(account common.Address) ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(string(ERC20BalanceOfABI)))
	if err != nil {
		return nil, fmt.Errorf("parse balanceOf ABI: %w", err)
	}
	data, err := parsed.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf call: %w", err)
	}
	return data, nil
}

func unpackBalanceOf(result []byte) (*big.Int, error) {
	parsed, err := abi.JSON(strings.NewReader(string(ERC20BalanceOfABI)))
	if err != nil {
		return nil, fmt.Errorf("parse balanceOf ABI: %w", err)
	}
	outputs, err := parsed.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf result: %w", err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values", len(outputs))
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned unexpected type %T", outputs[0])
	}
	return balance, nil
}

func packTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(string(ERC20TransferABI)))
	if err != nil {
		return nil, fmt.Errorf("parse transfer ABI: %w", err)
	}
	data, err := parsed.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer call: %w", err)
	}
	return data, nil
}

// decodeTransferLog decodes a receipt log as an ERC-20 Transfer, or returns
// false when the log is some other event.
func decodeTransferLog(log *types.Log) (*TransferEvent, bool) {
	if len(log.Topics) != 3 || log.Topics[0] != TransferEventID {
		return nil, false
	}
	if len(log.Data) != 32 {
		return nil, false
	}
	return &TransferEvent{
		Token:  log.Address,
		From:   common.BytesToAddress(log.Topics[1].Bytes()[12:]),
		To:     common.BytesToAddress(log.Topics[2].Bytes()[12:]),
		Amount: new(big.Int).SetBytes(log.Data),
	}, true
}
