package payments

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

// countingVerifier scripts Verify outcomes in order; the last verdict
// repeats. When block is set the first call waits until it is closed.
type countingVerifier struct {
	mu       sync.Mutex
	calls    int
	verdicts []verdict
	block    chan struct{}
}

type verdict struct {
	verified bool
	err      error
}

func (v *countingVerifier) Verify(ctx context.Context, txHash string, expected ivxp.ExpectedTransfer) (bool, error) {
	v.mu.Lock()
	v.calls++
	call := v.calls
	block := v.block
	v.block = nil
	v.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.verdicts) == 0 {
		return true, nil
	}
	idx := call - 1
	if idx >= len(v.verdicts) {
		idx = len(v.verdicts) - 1
	}
	return v.verdicts[idx].verified, v.verdicts[idx].err
}

func (v *countingVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

var cacheExpected = ivxp.ExpectedTransfer{
	From:       "0x90F79bf6EB2c4f870365E785982E1f101E93b906",
	To:         "0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65",
	AmountUSDC: "25.000000",
}

func TestVerificationKey(t *testing.T) {
	key1 := verificationKey(testTxHash, cacheExpected)
	key2 := verificationKey(testTxHash, cacheExpected)
	if key1 != key2 {
		t.Errorf("Expected identical inputs to produce the same key, got %s and %s", key1, key2)
	}
	if len(key1) != 64 {
		t.Errorf("Expected a 64 hex char key, got %d chars", len(key1))
	}

	upper := verificationKey(strings.ToUpper(testTxHash[2:]), cacheExpected)
	lower := verificationKey(strings.ToLower(testTxHash[2:]), cacheExpected)
	if upper != lower {
		t.Error("Expected hex casing not to change the key")
	}

	otherTx := verificationKey("0x"+strings.Repeat("11", 32), cacheExpected)
	if otherTx == key1 {
		t.Error("Expected a different transaction to produce a different key")
	}

	otherAmount := cacheExpected
	otherAmount.AmountUSDC = "26.000000"
	if verificationKey(testTxHash, otherAmount) == key1 {
		t.Error("Expected a different expected transfer to produce a different key")
	}
}

func TestCachedVerifierPositiveResultCached(t *testing.T) {
	inner := &countingVerifier{verdicts: []verdict{{verified: true}}}
	cached := NewCachedVerifier(inner, 5*time.Minute)

	for i := 0; i < 3; i++ {
		verified, err := cached.Verify(context.Background(), testTxHash, cacheExpected)
		if err != nil {
			t.Fatalf("Verify %d failed: %v", i, err)
		}
		if !verified {
			t.Fatalf("Expected call %d to verify", i)
		}
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("Expected 1 upstream verification, got %d", got)
	}
}

func TestCachedVerifierNegativeNotCached(t *testing.T) {
	inner := &countingVerifier{verdicts: []verdict{{verified: false}}}
	cached := NewCachedVerifier(inner, 5*time.Minute)

	for i := 0; i < 2; i++ {
		verified, err := cached.Verify(context.Background(), testTxHash, cacheExpected)
		if err != nil {
			t.Fatalf("Verify %d failed: %v", i, err)
		}
		if verified {
			t.Fatalf("Expected call %d not to verify", i)
		}
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("Expected negative results to reach the verifier every time, got %d calls", got)
	}
}

func TestCachedVerifierErrorNotCached(t *testing.T) {
	pending := ivxp.NewPaymentPendingError(testTxHash)
	inner := &countingVerifier{verdicts: []verdict{
		{err: pending},
		{verified: true},
	}}
	cached := NewCachedVerifier(inner, 5*time.Minute)

	_, err := cached.Verify(context.Background(), testTxHash, cacheExpected)
	if !errors.Is(err, pending) {
		t.Fatalf("Expected the pending error to pass through, got %v", err)
	}

	verified, err := cached.Verify(context.Background(), testTxHash, cacheExpected)
	if err != nil || !verified {
		t.Fatalf("Expected the retry to verify, got %v %v", verified, err)
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("Expected 2 upstream verifications, got %d", got)
	}
}

func TestCachedVerifierDistinctTransfers(t *testing.T) {
	inner := &countingVerifier{verdicts: []verdict{{verified: true}}}
	cached := NewCachedVerifier(inner, 5*time.Minute)

	if _, err := cached.Verify(context.Background(), testTxHash, cacheExpected); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	other := cacheExpected
	other.AmountUSDC = "30.000000"
	if _, err := cached.Verify(context.Background(), testTxHash, other); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("Expected each distinct transfer to verify upstream, got %d calls", got)
	}
}

func TestCachedVerifierExpiry(t *testing.T) {
	inner := &countingVerifier{verdicts: []verdict{{verified: true}}}
	cached := NewCachedVerifier(inner, 50*time.Millisecond)

	if _, err := cached.Verify(context.Background(), testTxHash, cacheExpected); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	verified, err := cached.Verify(context.Background(), testTxHash, cacheExpected)
	if err != nil || !verified {
		t.Fatalf("Expected re-verification after expiry, got %v %v", verified, err)
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("Expected the expired entry to verify upstream again, got %d calls", got)
	}
}

func TestCachedVerifierCollapsesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	inner := &countingVerifier{
		verdicts: []verdict{{verified: true}},
		block:    release,
	}
	cached := NewCachedVerifier(inner, 5*time.Minute)

	const waiters = 5
	var wg sync.WaitGroup
	results := make([]bool, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = cached.Verify(context.Background(), testTxHash, cacheExpected)
		}(i)
	}

	// Let every goroutine reach the cache before the owner finishes.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Errorf("Goroutine %d got error: %v", i, errs[i])
		}
		if !results[i] {
			t.Errorf("Goroutine %d expected a verified result", i)
		}
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("Expected concurrent calls to share 1 upstream verification, got %d", got)
	}
}

func TestCachedVerifierWaiterRetriesAfterFailure(t *testing.T) {
	release := make(chan struct{})
	rpcDown := errors.New("rpc connection refused")
	inner := &countingVerifier{
		verdicts: []verdict{
			{err: rpcDown},
			{verified: true},
		},
		block: release,
	}
	cached := NewCachedVerifier(inner, 5*time.Minute)

	var wg sync.WaitGroup
	var ownerErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ownerErr = cached.Verify(context.Background(), testTxHash, cacheExpected)
	}()

	var waiterVerified bool
	var waiterErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Give the owner time to claim the key first.
		time.Sleep(10 * time.Millisecond)
		waiterVerified, waiterErr = cached.Verify(context.Background(), testTxHash, cacheExpected)
	}()

	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if !errors.Is(ownerErr, rpcDown) {
		t.Errorf("Expected the owner to see the upstream error, got %v", ownerErr)
	}
	if waiterErr != nil || !waiterVerified {
		t.Errorf("Expected the waiter to retry and verify, got %v %v", waiterVerified, waiterErr)
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("Expected 2 upstream verifications, got %d", got)
	}
}

func TestCachedVerifierWaiterHonorsContext(t *testing.T) {
	release := make(chan struct{})
	inner := &countingVerifier{
		verdicts: []verdict{{verified: true}},
		block:    release,
	}
	cached := NewCachedVerifier(inner, 5*time.Minute)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cached.Verify(context.Background(), testTxHash, cacheExpected)
	}()

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	var waiterErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, waiterErr = cached.Verify(ctx, testTxHash, cacheExpected)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	close(release)
	wg.Wait()

	if !errors.Is(waiterErr, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", waiterErr)
	}
}

func TestCachedVerifierAtomicClaim(t *testing.T) {
	cached := NewCachedVerifier(&countingVerifier{}, 5*time.Minute)
	key := verificationKey(testTxHash, cacheExpected)

	var wg sync.WaitGroup
	var mu sync.Mutex
	misses, waits := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, _ := cached.checkAndMark(key)
			mu.Lock()
			defer mu.Unlock()
			switch state {
			case cacheMiss:
				misses++
			case cacheWait:
				waits++
			}
		}()
	}
	wg.Wait()

	if misses != 1 {
		t.Errorf("Expected exactly 1 goroutine to claim the key, got %d", misses)
	}
	if waits != 9 {
		t.Errorf("Expected 9 goroutines to wait, got %d", waits)
	}
}
