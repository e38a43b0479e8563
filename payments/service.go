// Package payments moves and verifies USDC transfers on the supported EVM
// networks. It is the SDK's payment transfer service: balance reads,
// exact-amount sends, and transfer verification against receipt logs.
package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	ivxp "github.com/ivxp-foundation/ivxp-go"
	"github.com/ivxp-foundation/ivxp-go/wallet"
)

// Backend is the chain-access surface the service needs. *ethclient.Client
// satisfies it; tests substitute a mock.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

const (
	defaultReceiptTimeout      = 2 * time.Minute
	defaultReceiptPollInterval = 2 * time.Second
)

// Service executes and verifies USDC transfers for one wallet on one
// network.
type Service struct {
	backend Backend
	wallet  *wallet.Wallet
	network NetworkConfig
	token   common.Address
	signer  types.Signer

	receiptTimeout      time.Duration
	receiptPollInterval time.Duration
}

// Option adjusts service behavior.
type Option func(*Service)

// WithReceiptTimeout bounds how long Send waits for a transaction to mine.
func WithReceiptTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.receiptTimeout = d
		}
	}
}

// WithReceiptPollInterval sets the receipt polling cadence.
func WithReceiptPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.receiptPollInterval = d
		}
	}
}

// New creates a payment service for a supported network name.
func New(backend Backend, w *wallet.Wallet, network string, opts ...Option) (*Service, error) {
	cfg, ok := NetworkByName(network)
	if !ok {
		return nil, ivxp.NewMalformedRequestError(fmt.Sprintf("unsupported network %q", network))
	}
	s := &Service{
		backend:             backend,
		wallet:              w,
		network:             cfg,
		token:               common.HexToAddress(cfg.USDCAddress),
		signer:              types.LatestSignerForChainID(cfg.ChainID),
		receiptTimeout:      defaultReceiptTimeout,
		receiptPollInterval: defaultReceiptPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Network returns the network this service settles on.
func (s *Service) Network() NetworkConfig {
	return s.network
}

// Balance returns the USDC balance of an address as a decimal string with
// the token's full six-digit precision.
func (s *Service) Balance(ctx context.Context, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", ivxp.NewMalformedRequestError(fmt.Sprintf("invalid address %q", address))
	}
	units, err := s.rawBalance(ctx, common.HexToAddress(address))
	if err != nil {
		return "", err
	}
	return FormatUSDC(units), nil
}

func (s *Service) rawBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := packBalanceOf(account)
	if err != nil {
		return nil, err
	}
	result, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &s.token, Data: data}, nil)
	if err != nil {
		return nil, ivxp.NewServiceUnavailableError("balance query failed", err)
	}
	return unpackBalanceOf(result)
}

// Send transfers USDC from the service wallet and waits for the transfer to
// mine. It returns the transaction hash of the settled transfer.
//
// Failure modes are distinct: invalid input surfaces before any chain
// traffic; a balance below the requested amount is an insufficient-balance
// error; a broadcast rejection is a submit error with no transaction hash;
// a mined-but-reverted transfer is a transaction-failed error carrying the
// hash.
func (s *Service) Send(ctx context.Context, to, amountUSDC string) (string, error) {
	if !common.IsHexAddress(to) {
		return "", ivxp.NewMalformedRequestError(fmt.Sprintf("invalid recipient address %q", to))
	}
	units, err := ParseUSDC(amountUSDC)
	if err != nil {
		return "", err
	}

	from := common.HexToAddress(s.wallet.Address())
	balance, err := s.rawBalance(ctx, from)
	if err != nil {
		return "", err
	}
	if balance.Cmp(units) < 0 {
		return "", ivxp.NewInsufficientBalanceError(FormatUSDC(balance), FormatUSDC(units))
	}

	data, err := packTransfer(common.HexToAddress(to), units)
	if err != nil {
		return "", err
	}

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", ivxp.NewTxSubmitFailedError(err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", ivxp.NewTxSubmitFailedError(err)
	}
	gasLimit, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &s.token, Data: data})
	if err != nil {
		return "", ivxp.NewTxSubmitFailedError(err)
	}

	signed, err := types.SignNewTx(s.wallet.Key(), s.signer, &types.LegacyTx{
		Nonce:    nonce,
		To:       &s.token,
		Value:    new(big.Int),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return "", ivxp.NewTxSubmitFailedError(err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return "", ivxp.NewTxSubmitFailedError(err)
	}

	txHash := signed.Hash().Hex()
	receipt, err := s.waitMined(ctx, signed.Hash())
	if err != nil {
		// Broadcast succeeded; hand the caller the hash so the transfer
		// can be tracked even though settlement was not observed.
		return "", ivxp.NewPaymentPendingError(txHash)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return "", ivxp.NewTxFailedError(txHash)
	}
	return txHash, nil
}

func (s *Service) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Verify checks that txHash settled an exact USDC transfer matching
// expected.
//
// (false, nil) means the transaction is real and settled but pays the wrong
// counterparty. Typed errors cover every other outcome: payment-pending for
// an unmined transaction, payment-not-found when the hash or a matching
// Transfer log is absent, payment-failed for a reverted transaction, and
// amount-mismatch when the transfer value differs from expected. Transport
// faults propagate unwrapped so callers can distinguish infrastructure
// trouble from a bad proof.
func (s *Service) Verify(ctx context.Context, txHash string, expected ivxp.ExpectedTransfer) (bool, error) {
	if !txHashPattern.MatchString(txHash) {
		return false, ivxp.NewMalformedRequestError(fmt.Sprintf("invalid transaction hash %q", txHash))
	}
	if !common.IsHexAddress(expected.From) {
		return false, ivxp.NewMalformedRequestError(fmt.Sprintf("invalid sender address %q", expected.From))
	}
	if !common.IsHexAddress(expected.To) {
		return false, ivxp.NewMalformedRequestError(fmt.Sprintf("invalid recipient address %q", expected.To))
	}
	expectedUnits, err := ParseUSDC(expected.AmountUSDC)
	if err != nil {
		return false, err
	}

	hash := common.HexToHash(txHash)
	receipt, err := s.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return false, err
		}
		tx, pending, txErr := s.backend.TransactionByHash(ctx, hash)
		if txErr != nil {
			if errors.Is(txErr, ethereum.NotFound) {
				return false, ivxp.NewPaymentNotFoundError(txHash)
			}
			return false, txErr
		}
		if pending || tx != nil {
			return false, ivxp.NewPaymentPendingError(txHash)
		}
		return false, ivxp.NewPaymentNotFoundError(txHash)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return false, ivxp.NewPaymentFailedError(txHash)
	}

	tx, _, err := s.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return false, err
	}
	sender, err := types.Sender(s.signer, tx)
	if err != nil {
		return false, fmt.Errorf("recover transaction sender: %w", err)
	}
	if !strings.EqualFold(sender.Hex(), expected.From) {
		return false, nil
	}
	if tx.To() == nil || *tx.To() != s.token {
		return false, ivxp.NewPaymentNotFoundError(txHash)
	}

	var transfer *TransferEvent
	for _, log := range receipt.Logs {
		if log.Address != s.token {
			continue
		}
		if ev, ok := decodeTransferLog(log); ok {
			transfer = ev
			break
		}
	}
	if transfer == nil {
		return false, ivxp.NewPaymentNotFoundError(txHash)
	}

	if !strings.EqualFold(transfer.To.Hex(), expected.To) {
		return false, nil
	}
	if transfer.Amount.Cmp(expectedUnits) != 0 {
		return false, ivxp.NewAmountMismatchError(FormatUSDC(expectedUnits), FormatUSDC(transfer.Amount))
	}
	return true, nil
}

// TransactionStatus reports settlement progress for a transaction hash.
func (s *Service) TransactionStatus(ctx context.Context, txHash string) (*ivxp.TxStatus, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, ivxp.NewMalformedRequestError(fmt.Sprintf("invalid transaction hash %q", txHash))
	}

	hash := common.HexToHash(txHash)
	receipt, err := s.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return nil, ivxp.NewServiceUnavailableError("receipt query failed", err)
		}
		_, _, txErr := s.backend.TransactionByHash(ctx, hash)
		if txErr != nil {
			if errors.Is(txErr, ethereum.NotFound) {
				return &ivxp.TxStatus{State: ivxp.TxStateNotFound}, nil
			}
			return nil, ivxp.NewServiceUnavailableError("transaction query failed", txErr)
		}
		return &ivxp.TxStatus{State: ivxp.TxStatePending}, nil
	}

	state := ivxp.TxStateSuccess
	if receipt.Status == types.ReceiptStatusFailed {
		state = ivxp.TxStateReverted
	}

	status := &ivxp.TxStatus{State: state, BlockNumber: receipt.BlockNumber.Uint64()}
	if head, err := s.backend.BlockNumber(ctx); err == nil && head >= status.BlockNumber {
		status.Confirmations = head - status.BlockNumber + 1
	}
	return status, nil
}

var (
	_ ivxp.PaymentSender           = (*Service)(nil)
	_ ivxp.PaymentVerifier         = (*Service)(nil)
	_ ivxp.TransactionStatusReader = (*Service)(nil)
)
