package ivxp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// fakeTransport scripts protocol exchanges for engine tests.
type fakeTransport struct {
	get  func(ctx context.Context, path string, out any) error
	post func(ctx context.Context, path string, body, out any) error
}

func (f *fakeTransport) GetJSON(ctx context.Context, path string, out any) error {
	if f.get == nil {
		return errors.New("unexpected GET " + path)
	}
	return f.get(ctx, path, out)
}

func (f *fakeTransport) PostJSON(ctx context.Context, path string, body, out any) error {
	if f.post == nil {
		return errors.New("unexpected POST " + path)
	}
	return f.post(ctx, path, body, out)
}

// respondJSON mimics the transport decoding a wire document into out.
func respondJSON(t *testing.T, out, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = data
		return
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func statusDoc(orderID string, status OrderStatus) OrderStatusResponse {
	return OrderStatusResponse{
		OrderID:     orderID,
		Status:      status,
		ServiceType: "research",
		PriceUSDC:   "50",
		CreatedAt:   Timestamp(),
		UpdatedAt:   Timestamp(),
	}
}

func pollClient(t *testing.T, tr Transport) *Client {
	t.Helper()
	signer := testSigner(t)
	c, err := NewClient(tr, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return c
}

func TestPollOrderUntilReachesTarget(t *testing.T) {
	statuses := []OrderStatus{StatusProcessing, StatusProcessing, StatusDelivered}
	calls := 0
	tr := &fakeTransport{
		get: func(_ context.Context, path string, out any) error {
			if path != "/ivxp/orders/ivxp-1" {
				t.Errorf("Expected status path, got %s", path)
			}
			respondJSON(t, out, statusDoc("ivxp-1", statuses[calls]))
			calls++
			return nil
		},
	}

	c := pollClient(t, tr)
	var changes []StatusChange
	c.Events().Subscribe(EventStatusChanged, func(ev Event) {
		changes = append(changes, *ev.Payload.(*StatusChange))
	})

	status, err := c.PollOrderUntil(context.Background(), "ivxp-1", PollOptions{
		MaxAttempts: 10,
		MinInterval: time.Millisecond,
		MaxInterval: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status.Status != StatusDelivered {
		t.Fatalf("Expected delivered, got %s", status.Status)
	}
	if calls != 3 {
		t.Fatalf("Expected 3 fetches, got %d", calls)
	}

	// Only the processing -> delivered change fires; the first observation
	// and the unchanged repeat do not.
	if len(changes) != 1 {
		t.Fatalf("Expected 1 status change event, got %d", len(changes))
	}
	if changes[0].Previous != StatusProcessing || changes[0].New != StatusDelivered {
		t.Fatalf("Unexpected change payload: %+v", changes[0])
	}
}

func TestPollOrderUntilImmediateTarget(t *testing.T) {
	calls := 0
	tr := &fakeTransport{
		get: func(_ context.Context, _ string, out any) error {
			calls++
			respondJSON(t, out, statusDoc("ivxp-1", StatusDelivered))
			return nil
		},
	}

	status, err := pollClient(t, tr).PollOrderUntil(context.Background(), "ivxp-1", PollOptions{
		MaxAttempts: 5,
		MinInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status.Status != StatusDelivered || calls != 1 {
		t.Fatalf("Expected a single fetch with no waiting, got %d fetches", calls)
	}
}

func TestPollOrderUntilExhaustsAttempts(t *testing.T) {
	calls := 0
	tr := &fakeTransport{
		get: func(_ context.Context, _ string, out any) error {
			calls++
			respondJSON(t, out, statusDoc("ivxp-1", StatusProcessing))
			return nil
		},
	}

	_, err := pollClient(t, tr).PollOrderUntil(context.Background(), "ivxp-1", PollOptions{
		MaxAttempts: 4,
		MinInterval: time.Millisecond,
		MaxInterval: 2 * time.Millisecond,
	})
	if !IsCode(err, ErrCodeMaxPollAttempts) {
		t.Fatalf("Expected max_poll_attempts_exceeded, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("Expected exactly 4 fetches, got %d", calls)
	}
	if e := AsError(err); e.Attempts != 4 {
		t.Fatalf("Expected the attempt budget in the error, got %d", e.Attempts)
	}
}

func TestPollOrderUntilRidesOutUnavailability(t *testing.T) {
	calls := 0
	tr := &fakeTransport{
		get: func(_ context.Context, _ string, out any) error {
			calls++
			if calls < 3 {
				return NewServiceUnavailableError("provider down", nil)
			}
			respondJSON(t, out, statusDoc("ivxp-1", StatusDelivered))
			return nil
		},
	}

	status, err := pollClient(t, tr).PollOrderUntil(context.Background(), "ivxp-1", PollOptions{
		MaxAttempts: 5,
		MinInterval: time.Millisecond,
		MaxInterval: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Expected the poll to ride out transient unavailability, got %v", err)
	}
	if status.Status != StatusDelivered || calls != 3 {
		t.Fatalf("Expected success on the 3rd fetch, got %d fetches", calls)
	}
}

func TestPollOrderUntilAbortsOnHardError(t *testing.T) {
	calls := 0
	tr := &fakeTransport{
		get: func(_ context.Context, _ string, out any) error {
			calls++
			if calls == 1 {
				respondJSON(t, out, statusDoc("ivxp-1", StatusProcessing))
				return nil
			}
			return NewOrderNotFoundError("ivxp-1")
		},
	}

	_, err := pollClient(t, tr).PollOrderUntil(context.Background(), "ivxp-1", PollOptions{
		MaxAttempts: 10,
		MinInterval: time.Millisecond,
		MaxInterval: 2 * time.Millisecond,
	})
	if !IsCode(err, ErrCodeOrderNotFound) {
		t.Fatalf("Expected the hard error to abort the poll, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("Expected 2 fetches, got %d", calls)
	}
}

func TestPollOrderUntilContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	tr := &fakeTransport{
		get: func(_ context.Context, _ string, out any) error {
			calls++
			cancel()
			respondJSON(t, out, statusDoc("ivxp-1", StatusProcessing))
			return nil
		},
	}

	_, err := pollClient(t, tr).PollOrderUntil(ctx, "ivxp-1", PollOptions{
		MaxAttempts: 5,
		MinInterval: time.Hour,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("Expected cancellation before the second fetch, got %d", calls)
	}
}

func TestPollOrderUntilCustomTargets(t *testing.T) {
	tr := &fakeTransport{
		get: func(_ context.Context, _ string, out any) error {
			respondJSON(t, out, statusDoc("ivxp-1", StatusPaid))
			return nil
		},
	}

	status, err := pollClient(t, tr).PollOrderUntil(context.Background(), "ivxp-1", PollOptions{
		Targets:     []OrderStatus{StatusPaid},
		MaxAttempts: 3,
		MinInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status.Status != StatusPaid {
		t.Fatalf("Expected paid, got %s", status.Status)
	}
}

func TestPollOrderUntilValidatesOrderID(t *testing.T) {
	called := false
	tr := &fakeTransport{
		get: func(_ context.Context, _ string, _ any) error {
			called = true
			return nil
		},
	}
	_, err := pollClient(t, tr).PollOrderUntil(context.Background(), "bad id", PollOptions{})
	if !IsCode(err, ErrCodeMalformedRequest) {
		t.Fatalf("Expected malformed_request, got %v", err)
	}
	if called {
		t.Fatal("Expected no network traffic for an invalid id")
	}
}
