package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

func receiverPayload() *ivxp.PushPayload {
	content := "# Findings\n"
	return &ivxp.PushPayload{
		Protocol:    ivxp.ProtocolVersion,
		MessageType: ivxp.MessageTypeServiceDelivery,
		OrderID:     "ivxp-push-1",
		Status:      ivxp.StatusDelivered,
		Deliverable: ivxp.PushDeliverable{
			Content:     content,
			ContentHash: ivxp.HashContent([]byte(content)),
			Format:      "markdown",
		},
		DeliveredAt: ivxp.Timestamp(),
	}
}

func postReceiver(t *testing.T, ts *httptest.Server, body []byte, out any) int {
	t.Helper()
	resp, err := http.Post(ts.URL+"/ivxp/receive", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /ivxp/receive: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return resp.StatusCode
}

func TestReceiverHealth(t *testing.T) {
	ts := httptest.NewServer(NewReceiver(nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ivxp/health")
	if err != nil {
		t.Fatalf("GET /ivxp/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var health ivxp.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("Expected healthy, got %s", health.Status)
	}
}

func TestReceive(t *testing.T) {
	var gotPayload *ivxp.PushPayload
	var gotContent []byte
	receiver := NewReceiver(func(_ context.Context, payload *ivxp.PushPayload, content []byte) error {
		gotPayload = payload
		gotContent = content
		return nil
	})
	ts := httptest.NewServer(receiver.Handler())
	defer ts.Close()

	body, _ := json.Marshal(receiverPayload())
	var receipt ivxp.PushReceipt
	if status := postReceiver(t, ts, body, &receipt); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if receipt.Status != "received" || receipt.OrderID != "ivxp-push-1" {
		t.Fatalf("Unexpected receipt: %+v", receipt)
	}
	if gotPayload == nil || gotPayload.OrderID != "ivxp-push-1" {
		t.Fatal("Expected the handler to see the payload")
	}
	if string(gotContent) != "# Findings\n" {
		t.Fatalf("Expected the decoded content, got %q", gotContent)
	}
}

func TestReceiveNilHandlerAccepts(t *testing.T) {
	ts := httptest.NewServer(NewReceiver(nil).Handler())
	defer ts.Close()

	body, _ := json.Marshal(receiverPayload())
	var receipt ivxp.PushReceipt
	if status := postReceiver(t, ts, body, &receipt); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if receipt.Status != "received" {
		t.Fatalf("Expected received, got %s", receipt.Status)
	}
}

func TestReceiveHashMismatch(t *testing.T) {
	called := false
	receiver := NewReceiver(func(context.Context, *ivxp.PushPayload, []byte) error {
		called = true
		return nil
	})
	ts := httptest.NewServer(receiver.Handler())
	defer ts.Close()

	payload := receiverPayload()
	payload.Deliverable.ContentHash = ivxp.HashContent([]byte("something else"))
	body, _ := json.Marshal(payload)

	var errBody ivxp.ErrorBody
	if status := postReceiver(t, ts, body, &errBody); status != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", status)
	}
	if errBody.Code != string(ivxp.ErrCodeMalformedRequest) {
		t.Fatalf("Expected malformed_request, got %s", errBody.Code)
	}
	if !strings.Contains(errBody.Message, "does not match its hash") {
		t.Fatalf("Unexpected message: %q", errBody.Message)
	}
	if called {
		t.Fatal("Expected the handler to be skipped for tampered content")
	}
}

func TestReceiveSchemaInvalid(t *testing.T) {
	ts := httptest.NewServer(NewReceiver(nil).Handler())
	defer ts.Close()

	payload := receiverPayload()
	payload.Deliverable.ContentHash = ""
	body, _ := json.Marshal(payload)

	var errBody ivxp.ErrorBody
	if status := postReceiver(t, ts, body, &errBody); status != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", status)
	}
	if errBody.Message != "payload failed validation" {
		t.Fatalf("Unexpected message: %q", errBody.Message)
	}
}

func TestReceiveBadJSON(t *testing.T) {
	ts := httptest.NewServer(NewReceiver(nil).Handler())
	defer ts.Close()

	var errBody ivxp.ErrorBody
	if status := postReceiver(t, ts, []byte("{broken"), &errBody); status != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", status)
	}
}

func TestReceiveHandlerFailure(t *testing.T) {
	receiver := NewReceiver(func(context.Context, *ivxp.PushPayload, []byte) error {
		return errors.New("disk full")
	})
	ts := httptest.NewServer(receiver.Handler())
	defer ts.Close()

	body, _ := json.Marshal(receiverPayload())
	var errBody ivxp.ErrorBody
	if status := postReceiver(t, ts, body, &errBody); status != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", status)
	}
	if errBody.Code != string(ivxp.ErrCodeServiceUnavailable) {
		t.Fatalf("Expected service_unavailable, got %s", errBody.Code)
	}
	if errBody.Message != "delivery could not be accepted" {
		t.Fatalf("Unexpected message: %q", errBody.Message)
	}
}
