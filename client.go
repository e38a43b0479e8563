package ivxp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/rs/zerolog"

	"github.com/ivxp-foundation/ivxp-go/wallet"
)

// Client is the client-side protocol engine: it requests quotes, pays for
// them, tracks order progress, and retrieves deliverables. It holds no
// order state of its own; the provider's responses are the source of truth.
type Client struct {
	transport Transport
	signer    Signer
	sender    PaymentSender
	bus       *EventBus
	log       zerolog.Logger

	agentName       string
	receiveEndpoint string
}

// ClientOption adjusts a Client at construction.
type ClientOption func(*Client)

// WithPaymentSender wires the on-chain sender used by SubmitPayment.
func WithPaymentSender(s PaymentSender) ClientOption {
	return func(c *Client) { c.sender = s }
}

// WithClientEventBus substitutes the engine's event bus.
func WithClientEventBus(bus *EventBus) ClientOption {
	return func(c *Client) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithClientLogger routes engine diagnostics to the given logger.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithAgentName sets the client identity sent on quote requests.
func WithAgentName(name string) ClientOption {
	return func(c *Client) { c.agentName = name }
}

// WithReceiveEndpoint advertises a push delivery endpoint to providers.
func WithReceiveEndpoint(endpoint string) ClientOption {
	return func(c *Client) { c.receiveEndpoint = endpoint }
}

// NewClient creates a client engine on a transport and signing identity.
func NewClient(t Transport, signer Signer, opts ...ClientOption) (*Client, error) {
	if t == nil {
		return nil, NewMalformedRequestError("client requires a transport")
	}
	if signer == nil {
		return nil, NewMalformedRequestError("client requires a signer")
	}
	c := &Client{
		transport: t,
		signer:    signer,
		bus:       NewEventBus(),
		log:       zerolog.Nop(),
		agentName: "ivxp-client",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bus.SetLogger(c.log)
	if c.receiveEndpoint != "" {
		if err := ValidateEndpointURL(c.receiveEndpoint); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Events exposes the engine's event bus for observers.
func (c *Client) Events() *EventBus {
	return c.bus
}

// Address returns the client wallet address.
func (c *Client) Address() string {
	return c.signer.Address()
}

// Catalog fetches the provider's service list.
func (c *Client) Catalog(ctx context.Context) (*CatalogResponse, error) {
	var catalog CatalogResponse
	if err := c.transport.GetJSON(ctx, "/ivxp/catalog", &catalog); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// QuoteRequest describes the work the client wants priced.
type QuoteRequest struct {
	ServiceType    string
	Description    string
	BudgetUSDC     string
	DeliveryFormat string
}

// RequestQuote signs and posts a service request and returns the provider's
// quote. The response is schema-validated before it is trusted.
func (c *Client) RequestQuote(ctx context.Context, qr QuoteRequest) (*ServiceQuote, error) {
	if err := ValidateServiceType(qr.ServiceType); err != nil {
		return nil, err
	}
	if qr.BudgetUSDC != "" {
		if err := ValidateAmount(qr.BudgetUSDC); err != nil {
			return nil, err
		}
	}

	ts := Timestamp()
	message := ServiceRequestMessage(qr.ServiceType, qr.BudgetUSDC, ts)
	signature, err := c.signer.SignMessage(message)
	if err != nil {
		return nil, fmt.Errorf("sign service request: %w", err)
	}

	req := &ServiceRequest{
		Protocol:    ProtocolVersion,
		MessageType: MessageTypeServiceRequest,
		Timestamp:   ts,
		ClientAgent: AgentInfo{
			Name:            c.agentName,
			WalletAddress:   c.signer.Address(),
			ContactEndpoint: c.receiveEndpoint,
		},
		Service: ServiceDetails{
			Type:           qr.ServiceType,
			Description:    qr.Description,
			BudgetUSDC:     qr.BudgetUSDC,
			DeliveryFormat: qr.DeliveryFormat,
		},
		Signature:     signature,
		SignedMessage: message,
	}

	var raw json.RawMessage
	if err := c.transport.PostJSON(ctx, "/ivxp/request", req, &raw); err != nil {
		return nil, err
	}
	if err := ValidateQuoteResponse(raw); err != nil {
		return nil, err
	}

	var quote ServiceQuote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return nil, NewMalformedResponseError("quote response", 1)
	}

	c.log.Debug().
		Str("order_id", quote.OrderID).
		Str("price_usdc", quote.Quote.PriceUSDC).
		Msg("quote received")
	c.bus.Emit(EventOrderQuoted, quote.OrderID, &quote)
	return &quote, nil
}

// SubmitPayment pays a quote on chain and notifies the provider with the
// payment proof. A payment-sent event fires as soon as the transfer is
// broadcast, before the provider learns about it.
//
// If the transfer settles but the notification fails, the returned error is
// a partial success carrying the transaction hash; resume with
// NotifyPayment instead of paying again.
func (c *Client) SubmitPayment(ctx context.Context, quote *ServiceQuote) (*DeliveryAccepted, error) {
	if quote == nil {
		return nil, NewMalformedRequestError("quote must not be nil")
	}
	if err := ValidateOrderID(quote.OrderID); err != nil {
		return nil, err
	}
	if !wallet.IsValidAddress(quote.Quote.PaymentAddress) {
		return nil, NewMalformedRequestError(fmt.Sprintf("quote has invalid payment address %q", quote.Quote.PaymentAddress))
	}
	if err := ValidateAmount(quote.Quote.PriceUSDC); err != nil {
		return nil, err
	}
	if c.sender == nil {
		return nil, NewMalformedRequestError("client has no payment sender configured")
	}

	txHash, err := c.sender.Send(ctx, quote.Quote.PaymentAddress, quote.Quote.PriceUSDC)
	if err != nil {
		return nil, err
	}
	c.bus.Emit(EventPaymentSent, quote.OrderID, &PaymentSent{
		TxHash: txHash,
		To:     quote.Quote.PaymentAddress,
		Amount: quote.Quote.PriceUSDC,
	})
	c.log.Info().
		Str("order_id", quote.OrderID).
		Str("tx_hash", txHash).
		Msg("payment sent")

	proof := PaymentProof{
		TxHash:      txHash,
		FromAddress: c.signer.Address(),
		Network:     quote.Quote.Network,
	}
	accepted, err := c.notifyProvider(ctx, quote.OrderID, proof)
	if err != nil {
		return nil, NewPartialSuccessError(txHash, err)
	}

	c.bus.Emit(EventOrderPaid, quote.OrderID, proof)
	return accepted, nil
}

// NotifyPayment resubmits an existing payment proof for an order. Used to
// recover from a partial success; the provider treats a proof it has
// already accepted as a no-op.
func (c *Client) NotifyPayment(ctx context.Context, orderID string, proof PaymentProof) (*DeliveryAccepted, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return nil, err
	}
	if proof.TxHash == "" {
		return nil, NewMalformedRequestError("payment proof has no transaction hash")
	}
	if !wallet.IsValidAddress(proof.FromAddress) {
		return nil, NewMalformedRequestError(fmt.Sprintf("payment proof has invalid sender address %q", proof.FromAddress))
	}
	accepted, err := c.notifyProvider(ctx, orderID, proof)
	if err != nil {
		return nil, err
	}
	c.bus.Emit(EventOrderPaid, orderID, proof)
	return accepted, nil
}

func (c *Client) notifyProvider(ctx context.Context, orderID string, proof PaymentProof) (*DeliveryAccepted, error) {
	message := DeliveryAuthMessage(orderID)
	signature, err := c.signer.SignMessage(message)
	if err != nil {
		return nil, fmt.Errorf("sign delivery request: %w", err)
	}

	req := &DeliveryRequest{
		Protocol:         ProtocolVersion,
		MessageType:      MessageTypeDeliveryRequest,
		Timestamp:        Timestamp(),
		OrderID:          orderID,
		PaymentProof:     proof,
		DeliveryEndpoint: c.receiveEndpoint,
		Signature:        signature,
		SignedMessage:    message,
	}

	var accepted DeliveryAccepted
	if err := c.transport.PostJSON(ctx, "/ivxp/deliver", req, &accepted); err != nil {
		return nil, err
	}
	if accepted.OrderID != orderID {
		return nil, NewOrderIDMismatchError(orderID, accepted.OrderID)
	}
	return &accepted, nil
}

// OrderStatus reads the provider's view of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*OrderStatusResponse, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.transport.GetJSON(ctx, "/ivxp/orders/"+url.PathEscape(orderID), &raw); err != nil {
		return nil, err
	}
	if err := ValidateStatusResponse(raw); err != nil {
		return nil, err
	}

	var status OrderStatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, NewMalformedResponseError("status response", 1)
	}
	if status.OrderID != orderID {
		return nil, NewOrderIDMismatchError(orderID, status.OrderID)
	}
	return &status, nil
}

// Download is a retrieved deliverable with its decoded content.
type Download struct {
	OrderID     string
	Status      OrderStatus
	Type        string
	Format      string
	Content     []byte
	ContentHash string
	DeliveredAt string
	Provider    AgentInfo
}

// DownloadOption adjusts a download.
type DownloadOption func(*downloadOptions)

type downloadOptions struct {
	writePath string
}

// WriteFile additionally persists the downloaded content to path. JSON
// content is re-indented for stable on-disk formatting; everything else is
// written verbatim.
func WriteFile(path string) DownloadOption {
	return func(o *downloadOptions) { o.writePath = path }
}

// DownloadDeliverable pulls the deliverable for an order. The response is
// schema-validated, the order id must match the request, and when a
// content hash is present the decoded content must hash to it. A delivery
// event fires only after all checks pass.
func (c *Client) DownloadDeliverable(ctx context.Context, orderID string, opts ...DownloadOption) (*Download, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return nil, err
	}
	options := downloadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var raw json.RawMessage
	if err := c.transport.GetJSON(ctx, "/ivxp/orders/"+url.PathEscape(orderID)+"/deliverable", &raw); err != nil {
		return nil, err
	}

	if err := ValidateDownloadResponse(raw); err != nil {
		// A provider that accepted the order but has not produced the
		// deliverable yet answers with a pending body instead.
		if pending := decodePending(raw); pending != nil {
			return nil, NewDeliverableNotReadyError(orderID, pending.Status)
		}
		return nil, err
	}

	var dr DownloadResponse
	if err := json.Unmarshal(raw, &dr); err != nil {
		return nil, NewMalformedResponseError("download response", 1)
	}
	if dr.OrderID != orderID {
		return nil, NewOrderIDMismatchError(orderID, dr.OrderID)
	}

	content, err := DecodeWireContent(dr.Deliverable.Content, dr.Deliverable.ContentEncoding)
	if err != nil {
		return nil, err
	}
	if dr.ContentHash != "" && HashContent(content) != dr.ContentHash {
		return nil, &Error{
			Code:     ErrCodeMalformedResponse,
			Message:  "deliverable content does not match its content hash",
			OrderID:  orderID,
			Expected: dr.ContentHash,
			Actual:   HashContent(content),
		}
	}

	if options.writePath != "" {
		if err := writeDeliverableFile(options.writePath, dr.Deliverable.Format, content); err != nil {
			return nil, err
		}
	}

	download := &Download{
		OrderID:     dr.OrderID,
		Status:      dr.Status,
		Type:        dr.Deliverable.Type,
		Format:      dr.Deliverable.Format,
		Content:     content,
		ContentHash: dr.ContentHash,
		DeliveredAt: dr.DeliveredAt,
		Provider:    dr.ProviderAgent,
	}
	c.bus.Emit(EventOrderDelivered, orderID, &DeliveryResult{ContentHash: dr.ContentHash})
	return download, nil
}

func decodePending(raw []byte) *DownloadPending {
	var probe struct {
		OrderID     string           `json:"order_id"`
		Status      OrderStatus      `json:"status"`
		Message     string           `json:"message"`
		Deliverable *WireDeliverable `json:"deliverable"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	if probe.Deliverable != nil || probe.OrderID == "" || !ValidStatus(probe.Status) {
		return nil
	}
	return &DownloadPending{OrderID: probe.OrderID, Status: probe.Status, Message: probe.Message}
}

// writeDeliverableFile persists downloaded content. JSON is re-indented
// without re-marshalling so key order survives.
func writeDeliverableFile(path, format string, content []byte) error {
	data := content
	if format == "json" && json.Valid(content) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, content, "", "  "); err == nil {
			data = buf.Bytes()
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write deliverable to %s: %w", path, err)
	}
	return nil
}

// ConfirmDelivery tells the provider the client accepts the deliverable.
// This is the order's terminal transition.
func (c *Client) ConfirmDelivery(ctx context.Context, orderID string) (*OrderStatusResponse, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return nil, err
	}

	ts := Timestamp()
	message := ConfirmationMessage(orderID, ts)
	signature, err := c.signer.SignMessage(message)
	if err != nil {
		return nil, fmt.Errorf("sign confirmation: %w", err)
	}

	req := &ConfirmationRequest{
		Protocol:      ProtocolVersion,
		MessageType:   MessageTypeDeliveryConfirmation,
		Timestamp:     ts,
		OrderID:       orderID,
		Signature:     signature,
		SignedMessage: message,
	}

	var status OrderStatusResponse
	if err := c.transport.PostJSON(ctx, "/ivxp/confirm", req, &status); err != nil {
		return nil, err
	}
	if status.OrderID != orderID {
		return nil, NewOrderIDMismatchError(orderID, status.OrderID)
	}

	c.bus.Emit(EventOrderConfirmed, orderID, &status)
	return &status, nil
}

// SubmitRating scores a completed order with the provider.
func (c *Client) SubmitRating(ctx context.Context, orderID string, score int, comment string) error {
	if err := ValidateOrderID(orderID); err != nil {
		return err
	}
	if score < 1 || score > 5 {
		return NewMalformedRequestError(fmt.Sprintf("rating score must be 1-5, got %d", score))
	}

	ts := Timestamp()
	message := RatingMessage(orderID, score, ts)
	signature, err := c.signer.SignMessage(message)
	if err != nil {
		return fmt.Errorf("sign rating: %w", err)
	}

	req := &RatingRequest{
		Protocol:      ProtocolVersion,
		MessageType:   MessageTypeServiceRating,
		Timestamp:     ts,
		OrderID:       orderID,
		Score:         score,
		Comment:       comment,
		Signature:     signature,
		SignedMessage: message,
	}
	return c.transport.PostJSON(ctx, "/ivxp/rating", req, nil)
}
