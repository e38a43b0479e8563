package ivxp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testPushPayload() *PushPayload {
	content := "deliverable body"
	return &PushPayload{
		Protocol:    ProtocolVersion,
		MessageType: MessageTypeServiceDelivery,
		OrderID:     "ivxp-push-1",
		Status:      StatusDelivered,
		Deliverable: PushDeliverable{
			Content:     content,
			ContentHash: HashContent([]byte(content)),
		},
		DeliveredAt: Timestamp(),
	}
}

func TestShouldAttemptPush(t *testing.T) {
	cases := []struct {
		endpoint string
		want     bool
	}{
		{"", false},
		{"https://client.example.com/receive", true},
		{"http://client.example.com:9090/ivxp/receive", true},
		{"HTTPS://client.example.com", true},
		{"ftp://client.example.com/inbox", false},
		{"ws://client.example.com", false},
		{"client.example.com/receive", false},
		{"https://", false},
		{"::broken::", false},
	}
	for _, tc := range cases {
		if got := ShouldAttemptPush(tc.endpoint); got != tc.want {
			t.Errorf("Expected %v for %q, got %v", tc.want, tc.endpoint, got)
		}
	}
}

func TestPushDeliverSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected application/json, got %q", ct)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewPushDeliverer().Deliver(context.Background(), server.URL, testPushPayload(), PushOptions{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}
	if result.Attempts != 1 {
		t.Fatalf("Expected 1 attempt, got %d", result.Attempts)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", result.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("Expected 1 request, got %d", calls.Load())
	}
}

func TestPushDeliverRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var retries []int
	result := NewPushDeliverer().Deliver(context.Background(), server.URL, testPushPayload(), PushOptions{
		MaxRetries:  5,
		BackoffBase: time.Millisecond,
		OnRetry: func(attempt, maxRetries int, reason string) {
			retries = append(retries, attempt)
			if maxRetries != 5 {
				t.Errorf("Expected maxRetries 5 in callback, got %d", maxRetries)
			}
			if !strings.Contains(reason, "503") {
				t.Errorf("Expected the status in the retry reason, got %q", reason)
			}
		},
	})
	if !result.Success {
		t.Fatalf("Expected eventual success, got %+v", result)
	}
	if result.Attempts != 3 {
		t.Fatalf("Expected 3 attempts, got %d", result.Attempts)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("Expected retry callbacks for attempts 1 and 2, got %v", retries)
	}
}

func TestPushDeliverExhaustion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := NewPushDeliverer().Deliver(context.Background(), server.URL, testPushPayload(), PushOptions{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})
	if result.Success {
		t.Fatal("Expected failure after exhaustion")
	}
	if result.Attempts != 3 {
		t.Fatalf("Expected exactly 3 attempts, got %d", result.Attempts)
	}
	if calls.Load() != 3 {
		t.Fatalf("Expected exactly 3 requests, got %d", calls.Load())
	}
	if !strings.Contains(result.LastError, "500") {
		t.Fatalf("Expected the last status in LastError, got %q", result.LastError)
	}
}

func TestPushDeliverMisconfiguration(t *testing.T) {
	deliverer := NewPushDeliverer()

	// A non-positive retry budget never attempts the network.
	result := deliverer.Deliver(context.Background(), "https://client.example.com", testPushPayload(), PushOptions{MaxRetries: 0})
	if result.Success || result.Attempts != 0 {
		t.Fatalf("Expected zero attempts for MaxRetries 0, got %+v", result)
	}
	result = deliverer.Deliver(context.Background(), "https://client.example.com", testPushPayload(), PushOptions{MaxRetries: -2})
	if result.Success || result.Attempts != 0 {
		t.Fatalf("Expected zero attempts for negative MaxRetries, got %+v", result)
	}

	// A non-http endpoint goes straight to store-and-forward.
	result = deliverer.Deliver(context.Background(), "ftp://client.example.com/inbox", testPushPayload(), PushOptions{MaxRetries: 3})
	if result.Success || result.Attempts != 0 {
		t.Fatalf("Expected zero attempts for a non-http endpoint, got %+v", result)
	}
}

func TestPushDeliverRetryObserverPanics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	// A panicking observer must not break the run.
	result := NewPushDeliverer().Deliver(context.Background(), server.URL, testPushPayload(), PushOptions{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		OnRetry:     func(int, int, string) { panic("observer bug") },
	})
	if result.Attempts != 2 {
		t.Fatalf("Expected the run to finish despite observer panics, got %+v", result)
	}
}

func TestPushDeliverContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := NewPushDeliverer().Deliver(ctx, server.URL, testPushPayload(), PushOptions{
		MaxRetries:  5,
		BackoffBase: 10 * time.Second,
		OnRetry:     func(attempt, _ int, _ string) { cancel() },
	})
	if result.Success {
		t.Fatal("Expected failure on cancellation")
	}
	if result.Attempts != 1 {
		t.Fatalf("Expected cancellation to stop after the first attempt, got %d", result.Attempts)
	}
	if !strings.Contains(result.LastError, "canceled") {
		t.Fatalf("Expected a cancellation error, got %q", result.LastError)
	}
}

func TestCheckEndpointAddress(t *testing.T) {
	ctx := context.Background()

	refused := []string{
		"http://127.0.0.1:8080/receive",
		"http://localhost/receive",
		"http://10.0.0.5/receive",
		"http://192.168.1.20:9090/receive",
		"http://172.16.3.4/receive",
		"http://169.254.1.1/receive",
		"http://0.0.0.0/receive",
		"http://[::1]/receive",
	}
	for _, endpoint := range refused {
		if err := CheckEndpointAddress(ctx, endpoint); !IsCode(err, ErrCodeMalformedURL) {
			t.Errorf("Expected %q to be refused, got %v", endpoint, err)
		}
	}

	allowed := []string{
		"https://93.184.216.34/receive",
		"https://[2606:4700:4700::1111]/receive",
	}
	for _, endpoint := range allowed {
		if err := CheckEndpointAddress(ctx, endpoint); err != nil {
			t.Errorf("Expected %q to pass, got %v", endpoint, err)
		}
	}

	if err := CheckEndpointAddress(ctx, "https://"); !IsCode(err, ErrCodeMalformedURL) {
		t.Errorf("Expected a hostless endpoint to be refused, got %v", err)
	}
}

func TestPushBackoffJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		expected := base << uint(attempt-1)
		low := time.Duration(float64(expected) * 0.8)
		high := time.Duration(float64(expected) * 1.2)
		for i := 0; i < 50; i++ {
			d := pushBackoff(base, attempt)
			if d < low || d > high {
				t.Fatalf("Expected attempt %d backoff within [%s, %s], got %s", attempt, low, high, d)
			}
		}
	}
}
