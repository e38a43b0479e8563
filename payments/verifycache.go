package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

// DefaultVerifyCacheTTL bounds how long a positive verification result is
// remembered.
const DefaultVerifyCacheTTL = time.Hour

// CachedVerifier wraps a PaymentVerifier with a TTL cache keyed by the
// transaction hash and the expected transfer. Clients resubmit delivery
// requests after timeouts and network failures; the cache answers those
// retries without another node round trip and collapses concurrent
// verifications of the same transfer into a single upstream call.
//
// Only positive results are cached: a mined transfer that matches the
// expected terms cannot change, while every other outcome (pending, not
// found, node faults) can.
type CachedVerifier struct {
	mu       sync.Mutex
	inner    ivxp.PaymentVerifier
	verified map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

var _ ivxp.PaymentVerifier = (*CachedVerifier)(nil)

// NewCachedVerifier wraps inner with a verification cache. A non-positive
// ttl falls back to DefaultVerifyCacheTTL.
func NewCachedVerifier(inner ivxp.PaymentVerifier, ttl time.Duration) *CachedVerifier {
	if ttl <= 0 {
		ttl = DefaultVerifyCacheTTL
	}
	return &CachedVerifier{
		inner:    inner,
		verified: make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// verificationKey folds the transaction hash and expected transfer into one
// cache key. Hex casing is normalized so a resubmitted proof hits the same
// entry.
func verificationKey(txHash string, expected ivxp.ExpectedTransfer) string {
	payload := strings.ToLower(strings.Join([]string{
		txHash, expected.From, expected.To, expected.AmountUSDC,
	}, "|"))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

type cacheState int

const (
	// cacheMiss means the caller claimed the key and must verify upstream.
	cacheMiss cacheState = iota
	// cacheHit means a live positive result exists.
	cacheHit
	// cacheWait means another caller is verifying this key right now.
	cacheWait
)

// Verify answers from the cache when it can and delegates to the wrapped
// verifier otherwise. Concurrent calls for the same transfer share one
// upstream verification.
func (c *CachedVerifier) Verify(ctx context.Context, txHash string, expected ivxp.ExpectedTransfer) (bool, error) {
	key := verificationKey(txHash, expected)
	for {
		state, done := c.checkAndMark(key)
		switch state {
		case cacheHit:
			return true, nil
		case cacheWait:
			select {
			case <-done:
				// The owner either cached a positive result or released
				// the claim; loop to find out which.
				continue
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		verified, err := c.inner.Verify(ctx, txHash, expected)
		if verified && err == nil {
			c.complete(key, done)
		} else {
			c.release(key, done)
		}
		return verified, err
	}
}

// checkAndMark atomically checks the cache and claims the key when it is
// neither cached nor in flight. The returned channel is the new claim's
// done signal on cacheMiss and the current owner's on cacheWait.
func (c *CachedVerifier) checkAndMark(key string) (cacheState, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.verified[key]; ok {
		if time.Now().Before(expiry) {
			return cacheHit, nil
		}
		delete(c.verified, key)
	}

	if done, ok := c.inFlight[key]; ok {
		return cacheWait, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return cacheMiss, done
}

// complete records a positive verification, releases the claim, and wakes
// any waiters.
func (c *CachedVerifier) complete(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verified[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	// Lazy cleanup of expired entries.
	now := time.Now()
	for k, expiry := range c.verified {
		if now.After(expiry) {
			delete(c.verified, k)
		}
	}
}

// release gives up the claim without caching anything, so the next caller
// verifies again.
func (c *CachedVerifier) release(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}
