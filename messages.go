package ivxp

import (
	"fmt"
	"time"
)

// DefaultSkewWindow bounds how far a timestamped signed message may drift
// from the verifier's clock.
const DefaultSkewWindow = 5 * time.Minute

// DeliveryAuthMessage is the canonical message a client signs to authorize
// delivery of an order.
func DeliveryAuthMessage(orderID string) string {
	return "Order: " + orderID
}

// ServiceRequestMessage is the canonical message signed on a quote request.
// The timestamp is embedded so a captured request cannot be replayed later.
func ServiceRequestMessage(serviceType, budgetUSDC, timestamp string) string {
	return fmt.Sprintf("Service: %s | Budget: %s USDC | Timestamp: %s", serviceType, budgetUSDC, timestamp)
}

// ConfirmationMessage is the canonical message signed when a client accepts
// a deliverable.
func ConfirmationMessage(orderID, timestamp string) string {
	return fmt.Sprintf("Confirm: %s | Timestamp: %s", orderID, timestamp)
}

// RatingMessage is the canonical message signed when a client rates a
// completed order.
func RatingMessage(orderID string, score int, timestamp string) string {
	return fmt.Sprintf("Rating: %s | Score: %d | Timestamp: %s", orderID, score, timestamp)
}

// CheckTimestampSkew rejects wire timestamps outside the acceptance window
// around now. Used by verifiers of timestamped signed messages.
func CheckTimestampSkew(timestamp string, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultSkewWindow
	}
	t, err := ParseTime(timestamp)
	if err != nil {
		return NewMalformedRequestError(fmt.Sprintf("unparseable timestamp %q", timestamp))
	}
	drift := now.Sub(t)
	if drift < 0 {
		drift = -drift
	}
	if drift > window {
		return NewMalformedRequestError(fmt.Sprintf("timestamp outside %s acceptance window", window))
	}
	return nil
}
