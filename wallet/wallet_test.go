package wallet

import (
	"encoding/hex"
	"strings"
	"testing"
)

// Anvil's first well-known development account.
const (
	devPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestFromPrivateKey(t *testing.T) {
	w, err := FromPrivateKey(devPrivateKey)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if w.Address() != devAddress {
		t.Fatalf("Expected %s, got %s", devAddress, w.Address())
	}

	// The 0x prefix is optional.
	w, err = FromPrivateKey("0x" + devPrivateKey)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if w.Address() != devAddress {
		t.Fatalf("Expected %s, got %s", devAddress, w.Address())
	}

	if w.Key() == nil {
		t.Fatal("Expected the underlying key to be exposed")
	}

	for _, bad := range []string{"", "zz", "0x1234", devPrivateKey[:10]} {
		if _, err := FromPrivateKey(bad); err == nil {
			t.Errorf("Expected error for key %q", bad)
		}
	}
}

func TestGenerate(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !IsValidAddress(a.Address()) {
		t.Fatalf("Expected a valid address, got %s", a.Address())
	}
	if a.Address() == b.Address() {
		t.Fatal("Expected distinct wallets from successive generations")
	}
}

func TestSignMessage(t *testing.T) {
	w, err := FromPrivateKey(devPrivateKey)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	signature, err := w.SignMessage("Order: ivxp-123")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.HasPrefix(signature, "0x") {
		t.Fatalf("Expected a 0x-prefixed signature, got %s", signature)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(raw) != 65 {
		t.Fatalf("Expected a 65-byte signature, got %d", len(raw))
	}
	if v := raw[64]; v != 27 && v != 28 {
		t.Fatalf("Expected an Ethereum recovery byte, got %d", v)
	}

	// Signing is deterministic for a given key and message.
	again, err := w.SignMessage("Order: ivxp-123")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again != signature {
		t.Fatal("Expected deterministic signatures")
	}
}

func TestVerifyMessage(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	message := "Confirm: ivxp-42 | Timestamp: 2026-01-02T03:04:05Z"
	signature, err := w.SignMessage(message)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ok, reason := VerifyMessage(message, signature, w.Address())
	if !ok {
		t.Fatalf("Expected the signature to verify, got %q", reason)
	}

	// The mixed-case and lowercased address forms both verify.
	ok, reason = VerifyMessage(message, signature, NormalizeAddress(w.Address()))
	if !ok {
		t.Fatalf("Expected the lowercased address to verify, got %q", reason)
	}
}

func TestVerifyMessageRawRecoveryID(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	signature, err := w.SignMessage("hello")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Rewrite the recovery byte to the raw 0/1 convention some signers use.
	raw, _ := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	raw[64] -= 27
	rawForm := "0x" + hex.EncodeToString(raw)

	ok, reason := VerifyMessage("hello", rawForm, w.Address())
	if !ok {
		t.Fatalf("Expected the raw recovery id to verify, got %q", reason)
	}
}

func TestVerifyMessageFailures(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	signature, err := w.SignMessage("hello")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Break the recovery byte.
	raw, _ := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	raw[64] = 9
	badRecovery := "0x" + hex.EncodeToString(raw)

	tests := []struct {
		name      string
		message   string
		signature string
		address   string
		reason    string
	}{
		{"wrong message", "goodbye", signature, w.Address(), "recovered address does not match signer"},
		{"wrong signer", "hello", signature, other.Address(), "recovered address does not match signer"},
		{"bad address", "hello", signature, "not-an-address", "invalid signer address"},
		{"not hex", "hello", "0xzz", w.Address(), "signature is not valid hex"},
		{"truncated", "hello", "0x" + strings.Repeat("ab", 64), w.Address(), "signature must be 65 bytes, got 64"},
		{"bad recovery id", "hello", badRecovery, w.Address(), "invalid recovery id"},
	}
	for _, tc := range tests {
		ok, reason := VerifyMessage(tc.message, tc.signature, tc.address)
		if ok {
			t.Errorf("%s: expected verification to fail", tc.name)
			continue
		}
		if reason != tc.reason {
			t.Errorf("%s: expected reason %q, got %q", tc.name, tc.reason, reason)
		}
	}
}

func TestIsValidAddress(t *testing.T) {
	valid := []string{
		devAddress,
		strings.ToLower(devAddress),
		"0x0000000000000000000000000000000000000000",
	}
	for _, addr := range valid {
		if !IsValidAddress(addr) {
			t.Errorf("Expected %q to be valid", addr)
		}
	}

	invalid := []string{"", "0x123", devAddress + "ff", "f39Fd6e51aad88F6F4ce6aB8827279cffFb9226g"}
	for _, addr := range invalid {
		if IsValidAddress(addr) {
			t.Errorf("Expected %q to be invalid", addr)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress(devAddress); got != strings.ToLower(devAddress) {
		t.Fatalf("Expected the lowercased form, got %s", got)
	}
}
