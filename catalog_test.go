package ivxp

import (
	"testing"
	"time"
)

func TestStaticCatalog(t *testing.T) {
	catalog := NewStaticCatalog().
		Add("research", ServiceInfo{PriceUSDC: "50", EstimatedDelivery: 8 * time.Hour}).
		Add("debugging", ServiceInfo{PriceUSDC: "30", EstimatedDelivery: 30 * time.Minute, Description: "find the bug"})

	info, ok := catalog.Lookup("research")
	if !ok || info.PriceUSDC != "50" {
		t.Fatalf("Expected research at 50 USDC, got %+v (ok=%v)", info, ok)
	}
	if _, ok := catalog.Lookup("astrology"); ok {
		t.Fatal("Expected unknown service to miss")
	}

	entries := catalog.Services()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "research" || entries[1].Type != "debugging" {
		t.Fatalf("Expected insertion order, got %s, %s", entries[0].Type, entries[1].Type)
	}
	if entries[0].EstimatedDelivery != "8 hours" {
		t.Fatalf("Expected '8 hours', got %q", entries[0].EstimatedDelivery)
	}
	if entries[1].EstimatedDelivery != "30 minutes" {
		t.Fatalf("Expected '30 minutes', got %q", entries[1].EstimatedDelivery)
	}

	// Re-adding replaces without duplicating the listing slot.
	catalog.Add("research", ServiceInfo{PriceUSDC: "60", EstimatedDelivery: 8 * time.Hour})
	entries = catalog.Services()
	if len(entries) != 2 {
		t.Fatalf("Expected replacement to keep 2 entries, got %d", len(entries))
	}
	if entries[0].PriceUSDC != "60" {
		t.Fatalf("Expected updated price 60, got %s", entries[0].PriceUSDC)
	}
}

func TestFormatDeliveryEstimate(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "unspecified"},
		{-time.Hour, "unspecified"},
		{time.Minute, "1 minute"},
		{20 * time.Second, "1 minute"},
		{45 * time.Minute, "45 minutes"},
		{time.Hour, "1 hour"},
		{8 * time.Hour, "8 hours"},
		{90 * time.Minute, "2 hours"},
	}
	for _, tc := range cases {
		if got := FormatDeliveryEstimate(tc.in); got != tc.want {
			t.Errorf("Expected %q for %s, got %q", tc.want, tc.in, got)
		}
	}
}

func TestDefaultCatalog(t *testing.T) {
	catalog := DefaultCatalog()
	for _, serviceType := range []string{"research", "debugging", "code_review", "consultation", "content", "philosophy"} {
		info, ok := catalog.Lookup(serviceType)
		if !ok {
			t.Errorf("Expected %s in the default catalog", serviceType)
			continue
		}
		if err := ValidateAmount(info.PriceUSDC); err != nil {
			t.Errorf("Expected a valid price for %s, got %v", serviceType, err)
		}
	}
}
