package ivxp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is carried in every wire message.
const ProtocolVersion = "IVXP/1.0"

// OrderIDPrefix namespaces order identifiers on the wire.
const OrderIDPrefix = "ivxp-"

// Wire message types.
const (
	MessageTypeServiceRequest       = "service_request"
	MessageTypeServiceQuote         = "service_quote"
	MessageTypeDeliveryRequest      = "delivery_request"
	MessageTypeDeliveryAccepted     = "delivery_accepted"
	MessageTypeServiceDelivery      = "service_delivery"
	MessageTypeDeliverableDownload  = "deliverable_download"
	MessageTypeDeliveryConfirmation = "delivery_confirmation"
	MessageTypeServiceRating        = "service_rating"
)

// ContentEncodingBase64 marks binary deliverable content on the wire.
const ContentEncodingBase64 = "base64"

// OrderStatus is the closed set of order lifecycle states.
type OrderStatus string

const (
	StatusQuoted         OrderStatus = "quoted"
	StatusPaid           OrderStatus = "paid"
	StatusProcessing     OrderStatus = "processing"
	StatusDelivered      OrderStatus = "delivered"
	StatusDeliveryFailed OrderStatus = "delivery_failed"
	StatusConfirmed      OrderStatus = "confirmed"
)

// ValidStatus reports whether s is a member of the status enum.
func ValidStatus(s OrderStatus) bool {
	switch s {
	case StatusQuoted, StatusPaid, StatusProcessing, StatusDelivered, StatusDeliveryFailed, StatusConfirmed:
		return true
	}
	return false
}

var statusTransitions = map[OrderStatus][]OrderStatus{
	StatusQuoted:         {StatusPaid},
	StatusPaid:           {StatusProcessing},
	StatusProcessing:     {StatusDelivered, StatusDeliveryFailed},
	StatusDelivered:      {StatusConfirmed},
	StatusDeliveryFailed: {StatusConfirmed},
	StatusConfirmed:      nil,
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func Terminal(s OrderStatus) bool {
	return len(statusTransitions[s]) == 0 && ValidStatus(s)
}

// Rating is an optional client score recorded against a confirmed order.
type Rating struct {
	Score   int       `json:"score"`
	Comment string    `json:"comment,omitempty"`
	RatedAt time.Time `json:"rated_at"`
}

// Order tracks a single client-provider transaction end to end.
type Order struct {
	ID               string      `json:"order_id"`
	Status           OrderStatus `json:"status"`
	ServiceType      string      `json:"service_type"`
	Description      string      `json:"description,omitempty"`
	PriceUSDC        string      `json:"price_usdc"`
	Network          string      `json:"network"`
	ClientAddress    string      `json:"client_address,omitempty"`
	ClientAgent      string      `json:"client_agent,omitempty"`
	ProviderAddress  string      `json:"provider_address"`
	PaymentAddress   string      `json:"payment_address"`
	TxHash           string      `json:"tx_hash,omitempty"`
	DeliveryEndpoint string      `json:"delivery_endpoint,omitempty"`
	ContentHash      string      `json:"content_hash,omitempty"`
	ContentType      string      `json:"content_type,omitempty"`
	Rating           *Rating     `json:"rating,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
	DeliveredAt      time.Time   `json:"delivered_at,omitzero"`
}

// Transition moves the order to the next status, enforcing the lifecycle
// table. The UpdatedAt stamp is refreshed on success.
func (o *Order) Transition(next OrderStatus) error {
	if !ValidStatus(next) {
		return NewMalformedRequestError(fmt.Sprintf("unknown order status %q", next))
	}
	if !CanTransition(o.Status, next) {
		return NewInvalidTransitionError(o.ID, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Expired reports whether the order's quote expiry has passed. Only unpaid
// quotes expire; a paid order is kept regardless of the quote deadline.
func (o *Order) Expired(now time.Time) bool {
	return o.Status == StatusQuoted && !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Clone returns an independent copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	if o.Rating != nil {
		r := *o.Rating
		c.Rating = &r
	}
	return &c
}

// NewOrderID returns a fresh namespaced order identifier.
func NewOrderID() string {
	return OrderIDPrefix + uuid.NewString()
}

// Deliverable is the content produced to fulfill an order, content-addressed
// by its SHA-256 hash.
type Deliverable struct {
	OrderID     string    `json:"order_id"`
	Content     []byte    `json:"content"`
	ContentType string    `json:"content_type"`
	Format      string    `json:"format,omitempty"`
	Binary      bool      `json:"binary"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDeliverable builds a deliverable and stamps its content hash.
func NewDeliverable(orderID string, content []byte, contentType, format string, binary bool) *Deliverable {
	return &Deliverable{
		OrderID:     orderID,
		Content:     append([]byte(nil), content...),
		ContentType: contentType,
		Format:      format,
		Binary:      binary,
		ContentHash: HashContent(content),
		CreatedAt:   time.Now().UTC(),
	}
}

// Clone returns an independent copy of the deliverable.
func (d *Deliverable) Clone() *Deliverable {
	c := *d
	c.Content = append([]byte(nil), d.Content...)
	return &c
}

// WireContent encodes the deliverable body for transport: text verbatim,
// binary as base64 with an explicit encoding marker.
func (d *Deliverable) WireContent() (content, encoding string) {
	if d.Binary {
		return base64.StdEncoding.EncodeToString(d.Content), ContentEncodingBase64
	}
	return string(d.Content), ""
}

// DecodeWireContent reverses WireContent for a received payload.
func DecodeWireContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return []byte(content), nil
	case ContentEncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, NewMalformedResponseError("deliverable content", 1)
		}
		return raw, nil
	default:
		return nil, NewMalformedResponseError("deliverable content encoding", 1)
	}
}

// HashContent returns the lowercase hex SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Timestamp returns the current time in the protocol's wire format.
func Timestamp() string {
	return FormatTime(time.Now())
}

// FormatTime renders a timestamp in ISO-8601 UTC with second precision.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseTime parses a wire timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// AgentInfo identifies a protocol participant.
type AgentInfo struct {
	Name            string `json:"name"`
	WalletAddress   string `json:"wallet_address"`
	ContactEndpoint string `json:"contact_endpoint,omitempty"`
}

// ServiceDetails describes the work a client is asking for.
type ServiceDetails struct {
	Type           string `json:"type"`
	Description    string `json:"description"`
	BudgetUSDC     string `json:"budget_usdc,omitempty"`
	DeliveryFormat string `json:"delivery_format,omitempty"`
}

// ServiceRequest is the signed quote request a client posts to a provider.
type ServiceRequest struct {
	Protocol      string         `json:"protocol"`
	MessageType   string         `json:"message_type"`
	Timestamp     string         `json:"timestamp"`
	ClientAgent   AgentInfo      `json:"client_agent"`
	Service       ServiceDetails `json:"service_request"`
	Signature     string         `json:"signature"`
	SignedMessage string         `json:"signed_message"`
}

// QuoteDetails carries the priced offer inside a service quote.
type QuoteDetails struct {
	PriceUSDC         string `json:"price_usdc"`
	EstimatedDelivery string `json:"estimated_delivery"`
	PaymentAddress    string `json:"payment_address"`
	Network           string `json:"network"`
	TokenContract     string `json:"token_contract,omitempty"`
	ExpiresAt         string `json:"expires_at"`
}

// QuoteTerms are the provider's standing conditions attached to a quote.
type QuoteTerms struct {
	PaymentTimeoutSeconds int `json:"payment_timeout_seconds"`
}

// ServiceQuote is the provider's priced offer that seeds an order.
type ServiceQuote struct {
	Protocol      string       `json:"protocol"`
	MessageType   string       `json:"message_type"`
	Timestamp     string       `json:"timestamp"`
	OrderID       string       `json:"order_id"`
	ServiceType   string       `json:"service_type"`
	ProviderAgent AgentInfo    `json:"provider_agent"`
	Quote         QuoteDetails `json:"quote"`
	Terms         QuoteTerms   `json:"terms"`
}

// PaymentProof is the client's claim that payment for an order settled
// on chain.
type PaymentProof struct {
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
	Network     string `json:"network"`
}

// DeliveryRequest submits a payment proof and unlocks order processing.
type DeliveryRequest struct {
	Protocol         string       `json:"protocol"`
	MessageType      string       `json:"message_type"`
	Timestamp        string       `json:"timestamp"`
	OrderID          string       `json:"order_id"`
	PaymentProof     PaymentProof `json:"payment_proof"`
	DeliveryEndpoint string       `json:"delivery_endpoint,omitempty"`
	Signature        string       `json:"signature"`
	SignedMessage    string       `json:"signed_message"`
}

// DeliveryAccepted acknowledges a delivery request.
type DeliveryAccepted struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}

// OrderStatusResponse is the order-status read model exposed to clients.
type OrderStatusResponse struct {
	OrderID     string      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	ServiceType string      `json:"service_type"`
	PriceUSDC   string      `json:"price_usdc"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
	TxHash      string      `json:"tx_hash,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
}

// WireDeliverable is the deliverable body inside a download response.
type WireDeliverable struct {
	Type            string `json:"type"`
	Format          string `json:"format,omitempty"`
	Content         string `json:"content"`
	ContentEncoding string `json:"content_encoding,omitempty"`
}

// DownloadResponse is the pull-delivery payload.
type DownloadResponse struct {
	Protocol      string          `json:"protocol"`
	MessageType   string          `json:"message_type"`
	Timestamp     string          `json:"timestamp"`
	OrderID       string          `json:"order_id"`
	Status        OrderStatus     `json:"status"`
	ProviderAgent AgentInfo       `json:"provider_agent"`
	Deliverable   WireDeliverable `json:"deliverable"`
	ContentHash   string          `json:"content_hash,omitempty"`
	DeliveredAt   string          `json:"delivered_at,omitempty"`
}

// DownloadPending is returned while an order has no deliverable yet.
type DownloadPending struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message"`
}

// PushDeliverable is the deliverable body inside a push payload.
type PushDeliverable struct {
	Content         string `json:"content"`
	ContentHash     string `json:"content_hash"`
	Format          string `json:"format,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty"`
}

// PushPayload is posted to the client-supplied delivery endpoint.
type PushPayload struct {
	Protocol    string          `json:"protocol"`
	MessageType string          `json:"message_type"`
	OrderID     string          `json:"order_id"`
	Status      OrderStatus     `json:"status"`
	Deliverable PushDeliverable `json:"deliverable"`
	DeliveredAt string          `json:"delivered_at"`
}

// PushReceipt is the receiver's acknowledgement of a push delivery.
type PushReceipt struct {
	Status    string `json:"status"`
	OrderID   string `json:"order_id"`
	Timestamp string `json:"timestamp"`
}

// ConfirmationRequest is the client's signed acceptance of a deliverable.
type ConfirmationRequest struct {
	Protocol      string `json:"protocol"`
	MessageType   string `json:"message_type"`
	Timestamp     string `json:"timestamp"`
	OrderID       string `json:"order_id"`
	Signature     string `json:"signature"`
	SignedMessage string `json:"signed_message"`
}

// RatingRequest is the client's signed score for a completed order.
type RatingRequest struct {
	Protocol      string `json:"protocol"`
	MessageType   string `json:"message_type"`
	Timestamp     string `json:"timestamp"`
	OrderID       string `json:"order_id"`
	Score         int    `json:"score"`
	Comment       string `json:"comment,omitempty"`
	Signature     string `json:"signature"`
	SignedMessage string `json:"signed_message"`
}

// CatalogResponse lists the provider's services and prices.
type CatalogResponse struct {
	Protocol      string         `json:"protocol"`
	ProviderAgent AgentInfo      `json:"provider_agent"`
	Services      []ServiceEntry `json:"services"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Protocol  string `json:"protocol"`
	Provider  string `json:"provider,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorBody is the wire shape of a protocol error.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
