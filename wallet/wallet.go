// Package wallet holds a participant's signing identity and implements the
// EIP-191 personal-sign scheme used for protocol message authentication.
//
// Keys live in process memory only. Anything beyond that (keystores, HSMs,
// remote signers) is out of scope for this SDK.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet wraps an ECDSA private key and derives the participant address.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// FromPrivateKey creates a wallet from a hex-encoded private key, with or
// without the "0x" prefix.
//
// Example:
//
//	w, err := wallet.FromPrivateKey(os.Getenv("IVXP_PRIVATE_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(w.Address())
func FromPrivateKey(privateKeyHex string) (*Wallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return FromKey(privateKey), nil
}

// FromKey wraps an already-parsed private key.
func FromKey(privateKey *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Generate creates a wallet with a fresh random key. Intended for tests and
// throwaway identities.
func Generate() (*Wallet, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return FromKey(privateKey), nil
}

// Address returns the checksummed 0x address of the wallet.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Key exposes the underlying private key for transaction signing.
func (w *Wallet) Key() *ecdsa.PrivateKey {
	return w.privateKey
}

// SignMessage signs a message with the EIP-191 personal-sign scheme and
// returns the 65-byte signature hex-encoded with a 0x prefix. The recovery
// byte is in Ethereum convention (27/28).
func (w *Wallet) SignMessage(message string) (string, error) {
	digest := accounts.TextHash([]byte(message))
	signature, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	// Recovery ID 0/1 → 27/28
	signature[64] += 27
	return hexutil.Encode(signature), nil
}

// VerifyMessage checks an EIP-191 personal-sign signature against the
// claimed signer address. It never returns an error: any failure yields
// false plus a short reason.
func VerifyMessage(message, signatureHex, address string) (bool, string) {
	if !common.IsHexAddress(address) {
		return false, "invalid signer address"
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return false, "signature is not valid hex"
	}
	if len(raw) != 65 {
		return false, fmt.Sprintf("signature must be 65 bytes, got %d", len(raw))
	}

	// Accept both Ethereum (27/28) and raw (0/1) recovery ids.
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return false, "invalid recovery id"
	}

	digest := accounts.TextHash([]byte(message))
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, "signature recovery failed"
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	if !strings.EqualFold(recovered.Hex(), address) {
		return false, "recovered address does not match signer"
	}
	return true, ""
}

// IsValidAddress reports whether s parses as a 20-byte hex address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress lowercases a hex address for wire fields that require
// the normalized form.
func NormalizeAddress(s string) string {
	return strings.ToLower(s)
}
