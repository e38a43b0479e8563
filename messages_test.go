package ivxp

import (
	"testing"
	"time"
)

func TestCanonicalMessages(t *testing.T) {
	if got := DeliveryAuthMessage("ivxp-abc"); got != "Order: ivxp-abc" {
		t.Fatalf("Unexpected delivery auth message: %q", got)
	}
	if got := ServiceRequestMessage("research", "50", "2026-01-02T03:04:05Z"); got != "Service: research | Budget: 50 USDC | Timestamp: 2026-01-02T03:04:05Z" {
		t.Fatalf("Unexpected service request message: %q", got)
	}
	if got := ConfirmationMessage("ivxp-abc", "2026-01-02T03:04:05Z"); got != "Confirm: ivxp-abc | Timestamp: 2026-01-02T03:04:05Z" {
		t.Fatalf("Unexpected confirmation message: %q", got)
	}
	if got := RatingMessage("ivxp-abc", 4, "2026-01-02T03:04:05Z"); got != "Rating: ivxp-abc | Score: 4 | Timestamp: 2026-01-02T03:04:05Z" {
		t.Fatalf("Unexpected rating message: %q", got)
	}
}

func TestCheckTimestampSkew(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	// Inside the window, in both directions.
	if err := CheckTimestampSkew(FormatTime(now.Add(-4*time.Minute)), now, 5*time.Minute); err != nil {
		t.Fatalf("Unexpected error for a recent timestamp: %v", err)
	}
	if err := CheckTimestampSkew(FormatTime(now.Add(4*time.Minute)), now, 5*time.Minute); err != nil {
		t.Fatalf("Unexpected error for a slightly future timestamp: %v", err)
	}

	// Outside the window.
	err := CheckTimestampSkew(FormatTime(now.Add(-6*time.Minute)), now, 5*time.Minute)
	if !IsCode(err, ErrCodeMalformedRequest) {
		t.Fatalf("Expected malformed_request for a stale timestamp, got %v", err)
	}
	err = CheckTimestampSkew(FormatTime(now.Add(6*time.Minute)), now, 5*time.Minute)
	if !IsCode(err, ErrCodeMalformedRequest) {
		t.Fatalf("Expected malformed_request for a future timestamp, got %v", err)
	}

	// Unparseable input.
	err = CheckTimestampSkew("yesterday", now, 5*time.Minute)
	if !IsCode(err, ErrCodeMalformedRequest) {
		t.Fatalf("Expected malformed_request for garbage, got %v", err)
	}

	// A non-positive window falls back to the default.
	if err := CheckTimestampSkew(FormatTime(now.Add(-4*time.Minute)), now, 0); err != nil {
		t.Fatalf("Unexpected error under the default window: %v", err)
	}
	err = CheckTimestampSkew(FormatTime(now.Add(-6*time.Minute)), now, 0)
	if !IsCode(err, ErrCodeMalformedRequest) {
		t.Fatalf("Expected the default window to reject 6 minutes of drift, got %v", err)
	}
}
