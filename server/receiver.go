package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

// ReceiveHandler consumes a verified push delivery. The content argument is
// already decoded and hash-checked.
type ReceiveHandler func(ctx context.Context, payload *ivxp.PushPayload, content []byte) error

// Receiver is the client-side endpoint providers push deliverables to.
type Receiver struct {
	handler ReceiveHandler
	log     zerolog.Logger
	engine  *gin.Engine
}

// ReceiverOption adjusts a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverLogger routes receiver diagnostics to log.
func WithReceiverLogger(log zerolog.Logger) ReceiverOption {
	return func(r *Receiver) { r.log = log }
}

// NewReceiver builds a push delivery endpoint around a handler. A nil
// handler accepts and discards deliveries, which is enough to acknowledge
// pushes while the client polls for the download instead.
func NewReceiver(handler ReceiveHandler, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		handler: handler,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ivxp/health", r.health)
	engine.POST("/ivxp/receive", r.receive)
	r.engine = engine
	return r
}

// Handler returns the receiver as an http.Handler.
func (r *Receiver) Handler() http.Handler {
	return r.engine
}

// Run serves on addr until the listener fails.
func (r *Receiver) Run(addr string) error {
	return r.engine.Run(addr)
}

func (r *Receiver) health(c *gin.Context) {
	c.JSON(http.StatusOK, ivxp.HealthResponse{
		Status:    "healthy",
		Protocol:  ivxp.ProtocolVersion,
		Timestamp: ivxp.Timestamp(),
	})
}

func (r *Receiver) receive(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		r.reject(c, "unreadable request body")
		return
	}
	if err := ivxp.ValidatePushPayload(raw); err != nil {
		r.reject(c, "payload failed validation")
		return
	}

	var payload ivxp.PushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		r.reject(c, "payload is not valid JSON")
		return
	}

	content, err := ivxp.DecodeWireContent(payload.Deliverable.Content, payload.Deliverable.ContentEncoding)
	if err != nil {
		r.reject(c, "content encoding is invalid")
		return
	}
	if ivxp.HashContent(content) != payload.Deliverable.ContentHash {
		r.log.Warn().
			Str("order_id", payload.OrderID).
			Msg("push content failed hash verification")
		r.reject(c, "content does not match its hash")
		return
	}

	if r.handler != nil {
		if err := r.handler(c.Request.Context(), &payload, content); err != nil {
			r.log.Error().
				Str("order_id", payload.OrderID).
				Err(err).
				Msg("receive handler failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, ivxp.ErrorBody{
				Code:    string(ivxp.ErrCodeServiceUnavailable),
				Message: "delivery could not be accepted",
			})
			return
		}
	}

	r.log.Info().
		Str("order_id", payload.OrderID).
		Str("content_hash", payload.Deliverable.ContentHash).
		Msg("push delivery received")
	c.JSON(http.StatusOK, ivxp.PushReceipt{
		Status:    "received",
		OrderID:   payload.OrderID,
		Timestamp: ivxp.Timestamp(),
	})
}

func (r *Receiver) reject(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ivxp.ErrorBody{
		Code:    string(ivxp.ErrCodeMalformedRequest),
		Message: message,
	})
}
