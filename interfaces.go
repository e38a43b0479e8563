package ivxp

import (
	"context"
)

// Signer produces EIP-191 signatures for canonical protocol messages.
// wallet.Wallet is the stock implementation.
type Signer interface {
	Address() string
	SignMessage(message string) (string, error)
}

// SignatureVerifier checks an EIP-191 signature against a claimed address.
// It never fails hard: invalid input yields false plus a short reason.
type SignatureVerifier func(message, signature, address string) (valid bool, reason string)

// ExpectedTransfer is the transfer a payment proof must match exactly.
type ExpectedTransfer struct {
	From       string
	To         string
	AmountUSDC string
}

// PaymentSender moves stablecoin on chain. Send returns the transaction
// hash once the transfer is mined.
type PaymentSender interface {
	Send(ctx context.Context, to, amountUSDC string) (string, error)
}

// PaymentVerifier checks a settled transaction against an expected
// transfer.
//
// The three outcomes are distinct: (true, nil) means the on-chain transfer
// matches; (false, nil) means the transaction is real but pays the wrong
// counterparty; (false, err) carries a typed error for everything else
// (not found, pending, reverted, amount mismatch, infrastructure faults).
type PaymentVerifier interface {
	Verify(ctx context.Context, txHash string, expected ExpectedTransfer) (bool, error)
}

// TransactionStatusReader reports settlement progress for a transaction.
type TransactionStatusReader interface {
	TransactionStatus(ctx context.Context, txHash string) (*TxStatus, error)
}

// TxStatus is the settlement progress of a transaction.
type TxStatus struct {
	State         TxState
	BlockNumber   uint64
	Confirmations uint64
}

// TxState is the closed set of transaction settlement states.
type TxState string

const (
	TxStatePending  TxState = "pending"
	TxStateSuccess  TxState = "success"
	TxStateReverted TxState = "reverted"
	TxStateNotFound TxState = "not_found"
)

// Transport performs protocol HTTP exchanges against a provider base URL.
// transport.Client is the stock implementation. Implementations translate
// HTTP failures into the protocol error taxonomy before returning.
type Transport interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
}
