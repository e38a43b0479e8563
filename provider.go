package ivxp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivxp-foundation/ivxp-go/wallet"
)

// HandlerResult is the deliverable content a service handler produces.
type HandlerResult struct {
	Content     []byte
	ContentType string
	Format      string
	Binary      bool
}

// Handler produces the deliverable for a paid order. It runs on a
// background goroutine after payment verification; the order argument is a
// private copy. Returning an error, or panicking, fails the delivery.
type Handler func(ctx context.Context, order *Order) (*HandlerResult, error)

// ProviderConfig carries the identity and collaborators a provider engine
// cannot run without.
type ProviderConfig struct {
	// AgentName is the provider identity sent in quotes and catalogs.
	AgentName string

	// Address is the provider wallet address. It doubles as the payment
	// address quoted to clients.
	Address string

	// Network names the settlement network quotes are priced on.
	Network string

	// TokenContract optionally pins the stablecoin contract advertised in
	// quotes.
	TokenContract string

	// Store persists orders and deliverables. Nil means in-memory.
	Store OrderStore

	// Catalog prices service types. Nil means the stock catalog.
	Catalog CatalogProvider

	// Verifier checks payment proofs on chain. Required.
	Verifier PaymentVerifier
}

// ProviderOption adjusts a Provider at construction.
type ProviderOption func(*Provider)

// WithProviderLogger routes engine diagnostics to the given logger.
func WithProviderLogger(log zerolog.Logger) ProviderOption {
	return func(p *Provider) { p.log = log }
}

// WithProviderEventBus substitutes the engine's event bus.
func WithProviderEventBus(bus *EventBus) ProviderOption {
	return func(p *Provider) {
		if bus != nil {
			p.bus = bus
		}
	}
}

// WithSignatureVerifier substitutes the EIP-191 verification func.
func WithSignatureVerifier(v SignatureVerifier) ProviderOption {
	return func(p *Provider) {
		if v != nil {
			p.verifySig = v
		}
	}
}

// WithQuoteTTL sets how long quotes stay payable.
func WithQuoteTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) {
		if ttl > 0 {
			p.quoteTTL = ttl
		}
	}
}

// WithSkewWindow sets the acceptance window for timestamped signed
// messages.
func WithSkewWindow(window time.Duration) ProviderOption {
	return func(p *Provider) {
		if window > 0 {
			p.skew = window
		}
	}
}

// WithHandlerTimeout bounds each service handler invocation. The handler
// sees the deadline through its context; zero leaves handlers unbounded.
func WithHandlerTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.handlerTimeout = timeout
		}
	}
}

// WithPushOptions sets the retry policy for push delivery.
func WithPushOptions(opts PushOptions) ProviderOption {
	return func(p *Provider) { p.pushOpts = opts }
}

// WithPushDeliverer substitutes the push transport.
func WithPushDeliverer(d *PushDeliverer) ProviderOption {
	return func(p *Provider) {
		if d != nil {
			p.pusher = d
		}
	}
}

// WithPrivatePushAllowed disables the private-address refusal on push
// endpoints. Meant for local development against loopback receivers.
func WithPrivatePushAllowed() ProviderOption {
	return func(p *Provider) { p.allowPrivatePush = true }
}

// Provider is the provider-side protocol engine: it quotes services,
// verifies payments, runs service handlers and delivers the results.
type Provider struct {
	store     OrderStore
	catalog   CatalogProvider
	verifier  PaymentVerifier
	verifySig SignatureVerifier
	pusher    *PushDeliverer
	pushOpts  PushOptions
	bus       *EventBus
	log       zerolog.Logger

	agentName        string
	address          string
	network          string
	tokenContract    string
	quoteTTL         time.Duration
	skew             time.Duration
	handlerTimeout   time.Duration
	allowPrivatePush bool

	mu       sync.RWMutex
	handlers map[string]Handler

	wg          sync.WaitGroup
	janitorMu   sync.Mutex
	janitorStop chan struct{}
}

// NewProvider creates a provider engine from its config.
func NewProvider(cfg ProviderConfig, opts ...ProviderOption) (*Provider, error) {
	if !wallet.IsValidAddress(cfg.Address) {
		return nil, NewMalformedRequestError(fmt.Sprintf("provider address %q is not a valid address", cfg.Address))
	}
	if cfg.Network == "" {
		return nil, NewMalformedRequestError("provider requires a settlement network")
	}
	if cfg.Verifier == nil {
		return nil, NewMalformedRequestError("provider requires a payment verifier")
	}

	p := &Provider{
		store:         cfg.Store,
		catalog:       cfg.Catalog,
		verifier:      cfg.Verifier,
		verifySig:     wallet.VerifyMessage,
		pusher:        NewPushDeliverer(),
		pushOpts:      DefaultPushOptions(),
		bus:           NewEventBus(),
		log:           zerolog.Nop(),
		agentName:     cfg.AgentName,
		address:       cfg.Address,
		network:       cfg.Network,
		tokenContract: cfg.TokenContract,
		quoteTTL:      time.Hour,
		skew:          DefaultSkewWindow,
		handlers:      make(map[string]Handler),
	}
	if p.store == nil {
		p.store = NewMemoryStore()
	}
	if p.catalog == nil {
		p.catalog = DefaultCatalog()
	}
	if p.agentName == "" {
		p.agentName = "ivxp-provider"
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bus.SetLogger(p.log)
	return p, nil
}

// Events exposes the engine's event bus for observers.
func (p *Provider) Events() *EventBus {
	return p.bus
}

// Address returns the provider wallet address.
func (p *Provider) Address() string {
	return p.address
}

// Register installs the handler for a service type. A service needs both a
// catalog entry and a handler before it can be quoted.
func (p *Provider) Register(serviceType string, h Handler) error {
	if err := ValidateServiceType(serviceType); err != nil {
		return err
	}
	if h == nil {
		return NewMalformedRequestError("handler must not be nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[serviceType] = h
	return nil
}

func (p *Provider) handler(serviceType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[serviceType]
	return h, ok
}

// Health reports liveness.
func (p *Provider) Health() *HealthResponse {
	return &HealthResponse{
		Status:    "healthy",
		Protocol:  ProtocolVersion,
		Provider:  p.agentName,
		Timestamp: Timestamp(),
	}
}

// Catalog lists the provider's services in wire form.
func (p *Provider) Catalog() *CatalogResponse {
	return &CatalogResponse{
		Protocol:      ProtocolVersion,
		ProviderAgent: p.agentInfo(),
		Services:      p.catalog.Services(),
	}
}

func (p *Provider) agentInfo() AgentInfo {
	return AgentInfo{Name: p.agentName, WalletAddress: p.address}
}

// HandleServiceRequest prices a signed service request and opens a quoted
// order for it.
func (p *Provider) HandleServiceRequest(ctx context.Context, req *ServiceRequest) (*ServiceQuote, error) {
	if req == nil {
		return nil, NewMalformedRequestError("service request must not be nil")
	}
	if req.Protocol != ProtocolVersion {
		return nil, NewMalformedRequestError(fmt.Sprintf("unsupported protocol %q", req.Protocol))
	}
	if err := ValidateServiceType(req.Service.Type); err != nil {
		return nil, err
	}
	if !wallet.IsValidAddress(req.ClientAgent.WalletAddress) {
		return nil, NewMalformedRequestError(fmt.Sprintf("client wallet address %q is not a valid address", req.ClientAgent.WalletAddress))
	}
	if err := CheckTimestampSkew(req.Timestamp, time.Now(), p.skew); err != nil {
		return nil, err
	}
	if req.Signature == "" || req.SignedMessage == "" {
		return nil, NewSignatureInvalidError("request is not signed")
	}
	if ok, reason := p.verifySig(req.SignedMessage, req.Signature, req.ClientAgent.WalletAddress); !ok {
		return nil, NewSignatureInvalidError(reason)
	}

	info, ok := p.catalog.Lookup(req.Service.Type)
	if !ok {
		return nil, NewMalformedRequestError(fmt.Sprintf("service type %q is not offered", req.Service.Type))
	}
	if _, ok := p.handler(req.Service.Type); !ok {
		return nil, NewMalformedRequestError(fmt.Sprintf("service type %q is not offered", req.Service.Type))
	}

	now := time.Now().UTC()
	expiresAt := now.Add(p.quoteTTL)
	order := &Order{
		ID:              NewOrderID(),
		Status:          StatusQuoted,
		ServiceType:     req.Service.Type,
		Description:     req.Service.Description,
		PriceUSDC:       info.PriceUSDC,
		Network:         p.network,
		ClientAddress:   wallet.NormalizeAddress(req.ClientAgent.WalletAddress),
		ClientAgent:     req.ClientAgent.Name,
		ProviderAddress: p.address,
		PaymentAddress:  p.address,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       expiresAt,
	}
	if err := p.store.CreateOrder(ctx, order); err != nil {
		return nil, NewServiceUnavailableError("could not persist order", err)
	}

	quote := &ServiceQuote{
		Protocol:      ProtocolVersion,
		MessageType:   MessageTypeServiceQuote,
		Timestamp:     FormatTime(now),
		OrderID:       order.ID,
		ServiceType:   order.ServiceType,
		ProviderAgent: p.agentInfo(),
		Quote: QuoteDetails{
			PriceUSDC:         order.PriceUSDC,
			EstimatedDelivery: FormatDeliveryEstimate(info.EstimatedDelivery),
			PaymentAddress:    order.PaymentAddress,
			Network:           order.Network,
			TokenContract:     p.tokenContract,
			ExpiresAt:         FormatTime(expiresAt),
		},
		Terms: QuoteTerms{PaymentTimeoutSeconds: int(p.quoteTTL / time.Second)},
	}

	p.log.Info().
		Str("order_id", order.ID).
		Str("service_type", order.ServiceType).
		Str("price_usdc", order.PriceUSDC).
		Str("client", order.ClientAddress).
		Msg("quote issued")
	p.bus.Emit(EventOrderQuoted, order.ID, quote)
	return quote, nil
}

// errAlreadyPaid marks an idempotent payment resubmission inside the store
// mutate; it never escapes HandleDeliveryRequest.
var errAlreadyPaid = errors.New("order already paid")

// HandleDeliveryRequest verifies a payment proof against the quoted terms
// and, on success, moves the order to paid and starts background
// processing. Resubmitting the proof a paid order was accepted with is a
// no-op acknowledged with the order's current status.
func (p *Provider) HandleDeliveryRequest(ctx context.Context, req *DeliveryRequest) (*DeliveryAccepted, error) {
	if req == nil {
		return nil, NewMalformedRequestError("delivery request must not be nil")
	}
	if req.Protocol != ProtocolVersion {
		return nil, NewMalformedRequestError(fmt.Sprintf("unsupported protocol %q", req.Protocol))
	}
	if err := ValidateOrderID(req.OrderID); err != nil {
		return nil, err
	}
	proof := req.PaymentProof
	if proof.TxHash == "" {
		return nil, NewMalformedRequestError("payment proof has no transaction hash")
	}
	if !wallet.IsValidAddress(proof.FromAddress) {
		return nil, NewMalformedRequestError(fmt.Sprintf("payment proof sender %q is not a valid address", proof.FromAddress))
	}

	order, err := p.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Expired(time.Now()) {
		return nil, NewOrderExpiredError(order.ID, order.ExpiresAt)
	}
	if order.Status != StatusQuoted {
		if strings.EqualFold(order.TxHash, proof.TxHash) {
			return p.acceptedNoop(order), nil
		}
		return nil, NewInvalidTransitionError(order.ID, order.Status, StatusPaid)
	}

	// The signed message authorizes delivery for exactly this order; accept
	// no other text under the signature.
	expected := DeliveryAuthMessage(order.ID)
	if req.SignedMessage != expected {
		return nil, NewSignatureInvalidError("signed message does not authorize this order")
	}
	if ok, reason := p.verifySig(expected, req.Signature, proof.FromAddress); !ok {
		return nil, NewSignatureInvalidError(reason)
	}

	if proof.Network != order.Network {
		return nil, NewMalformedRequestError(fmt.Sprintf("payment network %q does not match quoted network %q", proof.Network, order.Network))
	}

	verified, err := p.verifier.Verify(ctx, proof.TxHash, ExpectedTransfer{
		From:       proof.FromAddress,
		To:         order.PaymentAddress,
		AmountUSDC: order.PriceUSDC,
	})
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, NewPaymentNotVerifiedError("transfer does not pay this order's terms")
	}
	p.bus.Emit(EventPaymentConfirmed, order.ID, proof)

	endpoint := req.DeliveryEndpoint
	if endpoint != "" {
		if err := ValidateEndpointURL(endpoint); err != nil {
			p.log.Warn().
				Str("order_id", order.ID).
				Str("endpoint", endpoint).
				Msg("ignoring unusable delivery endpoint")
			endpoint = ""
		}
	}

	updated, err := p.store.UpdateOrder(ctx, order.ID, func(o *Order) error {
		if o.Status != StatusQuoted {
			if strings.EqualFold(o.TxHash, proof.TxHash) {
				return errAlreadyPaid
			}
			return NewInvalidTransitionError(o.ID, o.Status, StatusPaid)
		}
		if err := o.Transition(StatusPaid); err != nil {
			return err
		}
		o.TxHash = proof.TxHash
		o.ClientAddress = wallet.NormalizeAddress(proof.FromAddress)
		o.DeliveryEndpoint = endpoint
		return nil
	})
	if errors.Is(err, errAlreadyPaid) {
		current, getErr := p.store.GetOrder(ctx, order.ID)
		if getErr != nil {
			return nil, getErr
		}
		return p.acceptedNoop(current), nil
	}
	if err != nil {
		return nil, err
	}

	p.log.Info().
		Str("order_id", updated.ID).
		Str("tx_hash", updated.TxHash).
		Str("payer", updated.ClientAddress).
		Msg("payment verified")
	p.bus.Emit(EventOrderPaid, updated.ID, proof)

	p.wg.Add(1)
	go p.processOrder(context.WithoutCancel(ctx), updated.ID)

	return &DeliveryAccepted{
		OrderID:   updated.ID,
		Status:    updated.Status,
		Message:   "payment verified, processing started",
		Timestamp: Timestamp(),
	}, nil
}

func (p *Provider) acceptedNoop(order *Order) *DeliveryAccepted {
	return &DeliveryAccepted{
		OrderID:   order.ID,
		Status:    order.Status,
		Message:   "payment already accepted",
		Timestamp: Timestamp(),
	}
}

// processOrder runs the service handler for a paid order and delivers the
// result. The deliverable is persisted before any push attempt so a push
// outage never loses paid-for work.
func (p *Provider) processOrder(ctx context.Context, orderID string) {
	defer p.wg.Done()

	order, err := p.store.UpdateOrder(ctx, orderID, func(o *Order) error {
		return o.Transition(StatusProcessing)
	})
	if err != nil {
		p.log.Error().Str("order_id", orderID).Err(err).Msg("could not start processing")
		return
	}
	p.bus.Emit(EventOrderProcessing, orderID, nil)

	h, ok := p.handler(order.ServiceType)
	if !ok {
		p.markDeliveryFailed(ctx, orderID, fmt.Sprintf("no handler for service type %q", order.ServiceType))
		return
	}

	result, err := p.runHandler(ctx, h, order)
	if err != nil {
		p.markDeliveryFailed(ctx, orderID, err.Error())
		return
	}

	d := NewDeliverable(orderID, result.Content, result.ContentType, result.Format, result.Binary)
	if d.ContentType == "" {
		d.ContentType = "text/markdown"
	}
	if d.Format == "" {
		d.Format = "markdown"
	}
	if err := p.store.PutDeliverable(ctx, d); err != nil {
		p.markDeliveryFailed(ctx, orderID, "could not persist deliverable: "+err.Error())
		return
	}

	outcome, pushOK := p.pushDeliverable(ctx, order, d)

	if !pushOK {
		if _, err := p.store.UpdateOrder(ctx, orderID, func(o *Order) error {
			if err := o.Transition(StatusDeliveryFailed); err != nil {
				return err
			}
			o.ContentHash = d.ContentHash
			o.ContentType = d.ContentType
			return nil
		}); err != nil {
			p.log.Error().Str("order_id", orderID).Err(err).Msg("could not mark delivery failed")
			return
		}
		p.log.Error().
			Str("order_id", orderID).
			Int("push_attempts", outcome.Attempts).
			Str("reason", outcome.Reason).
			Msg("push delivery failed, deliverable remains downloadable")
		p.bus.Emit(EventDeliveryFailed, orderID, outcome)
		return
	}

	now := time.Now().UTC()
	if _, err := p.store.UpdateOrder(ctx, orderID, func(o *Order) error {
		if err := o.Transition(StatusDelivered); err != nil {
			return err
		}
		o.ContentHash = d.ContentHash
		o.ContentType = d.ContentType
		o.DeliveredAt = now
		return nil
	}); err != nil {
		p.log.Error().Str("order_id", orderID).Err(err).Msg("could not mark order delivered")
		return
	}

	p.log.Info().
		Str("order_id", orderID).
		Str("content_hash", d.ContentHash).
		Bool("pushed", outcome.Pushed).
		Int("push_attempts", outcome.Attempts).
		Msg("order delivered")
	p.bus.Emit(EventOrderDelivered, orderID, outcome)
}

// runHandler isolates handler execution; a panic becomes an error instead
// of taking the engine down.
func (p *Provider) runHandler(ctx context.Context, h Handler, order *Order) (result *HandlerResult, err error) {
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	result, err = h(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("handler failed: %w", err)
	}
	if result == nil || len(result.Content) == 0 {
		return nil, errors.New("handler returned no content")
	}
	return result, nil
}

// pushDeliverable attempts push delivery when the order carries a usable
// endpoint. An order that requested no push falls back to store-and-forward
// and counts as delivered. An owed push that is refused by the address
// policy or exhausts its retries fails the delivery; the persisted
// deliverable stays available for pull either way.
func (p *Provider) pushDeliverable(ctx context.Context, order *Order, d *Deliverable) (result *DeliveryResult, ok bool) {
	endpoint := order.DeliveryEndpoint
	if !ShouldAttemptPush(endpoint) {
		return &DeliveryResult{ContentHash: d.ContentHash}, true
	}
	if !p.allowPrivatePush {
		if err := CheckEndpointAddress(ctx, endpoint); err != nil {
			p.log.Warn().
				Str("order_id", order.ID).
				Str("endpoint", endpoint).
				Err(err).
				Msg("refusing push to endpoint")
			return &DeliveryResult{ContentHash: d.ContentHash, Reason: err.Error()}, false
		}
	}

	content, encoding := d.WireContent()
	payload := &PushPayload{
		Protocol:    ProtocolVersion,
		MessageType: MessageTypeServiceDelivery,
		OrderID:     order.ID,
		Status:      StatusDelivered,
		Deliverable: PushDeliverable{
			Content:         content,
			ContentHash:     d.ContentHash,
			Format:          d.Format,
			ContentEncoding: encoding,
		},
		DeliveredAt: Timestamp(),
	}

	opts := p.pushOpts
	userOnRetry := opts.OnRetry
	opts.OnRetry = func(attempt, maxRetries int, reason string) {
		p.bus.Emit(EventPushRetry, order.ID, &PushRetry{
			Attempt:    attempt,
			MaxRetries: maxRetries,
			Reason:     reason,
		})
		if userOnRetry != nil {
			userOnRetry(attempt, maxRetries, reason)
		}
	}

	res := p.pusher.Deliver(ctx, endpoint, payload, opts)
	if !res.Success {
		return &DeliveryResult{
			ContentHash: d.ContentHash,
			Attempts:    res.Attempts,
			Reason:      res.LastError,
		}, false
	}
	return &DeliveryResult{
		ContentHash: d.ContentHash,
		Pushed:      true,
		Attempts:    res.Attempts,
	}, true
}

func (p *Provider) markDeliveryFailed(ctx context.Context, orderID, reason string) {
	if _, err := p.store.UpdateOrder(ctx, orderID, func(o *Order) error {
		return o.Transition(StatusDeliveryFailed)
	}); err != nil {
		p.log.Error().Str("order_id", orderID).Err(err).Msg("could not mark delivery failed")
		return
	}
	p.log.Error().Str("order_id", orderID).Str("reason", reason).Msg("delivery failed")
	p.bus.Emit(EventDeliveryFailed, orderID, &DeliveryResult{Reason: reason})
}

// OrderStatus returns the client-facing view of an order.
func (p *Provider) OrderStatus(ctx context.Context, orderID string) (*OrderStatusResponse, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return nil, err
	}
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Expired(time.Now()) {
		return nil, NewOrderExpiredError(order.ID, order.ExpiresAt)
	}
	return p.statusResponse(order), nil
}

func (p *Provider) statusResponse(order *Order) *OrderStatusResponse {
	return &OrderStatusResponse{
		OrderID:     order.ID,
		Status:      order.Status,
		ServiceType: order.ServiceType,
		PriceUSDC:   order.PriceUSDC,
		CreatedAt:   FormatTime(order.CreatedAt),
		UpdatedAt:   FormatTime(order.UpdatedAt),
		TxHash:      order.TxHash,
		ContentHash: order.ContentHash,
	}
}

// Download returns the deliverable for an order. It is idempotent and
// stays available after confirmation and after a push failure, the
// store-and-forward fallback. Before a deliverable exists the error is
// deliverable-not-ready carrying the order's current status.
func (p *Provider) Download(ctx context.Context, orderID string) (*DownloadResponse, error) {
	if err := ValidateOrderID(orderID); err != nil {
		return nil, err
	}
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Expired(time.Now()) {
		return nil, NewOrderExpiredError(order.ID, order.ExpiresAt)
	}
	switch order.Status {
	case StatusDelivered, StatusDeliveryFailed, StatusConfirmed:
	default:
		return nil, NewDeliverableNotReadyError(order.ID, order.Status)
	}

	d, err := p.store.GetDeliverable(ctx, orderID)
	if err != nil {
		// A failed handler produced nothing; a failed push still left
		// the deliverable behind.
		if order.Status == StatusDeliveryFailed {
			return nil, NewDeliverableNotReadyError(order.ID, order.Status)
		}
		return nil, NewServiceUnavailableError("deliverable is missing from storage", err)
	}

	content, encoding := d.WireContent()
	resp := &DownloadResponse{
		Protocol:      ProtocolVersion,
		MessageType:   MessageTypeDeliverableDownload,
		Timestamp:     Timestamp(),
		OrderID:       order.ID,
		Status:        order.Status,
		ProviderAgent: p.agentInfo(),
		Deliverable: WireDeliverable{
			Type:            order.ServiceType,
			Format:          d.Format,
			Content:         content,
			ContentEncoding: encoding,
		},
		ContentHash: d.ContentHash,
	}
	if !order.DeliveredAt.IsZero() {
		resp.DeliveredAt = FormatTime(order.DeliveredAt)
	}
	return resp, nil
}

// ConfirmDelivery records the payer's signed acceptance of a deliverable
// and closes the order. Confirming an already confirmed order is a no-op.
func (p *Provider) ConfirmDelivery(ctx context.Context, req *ConfirmationRequest) (*OrderStatusResponse, error) {
	if req == nil {
		return nil, NewMalformedRequestError("confirmation request must not be nil")
	}
	if err := ValidateOrderID(req.OrderID); err != nil {
		return nil, err
	}

	order, err := p.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := p.verifyTimestamped(req.Timestamp, ConfirmationMessage(req.OrderID, req.Timestamp), req.SignedMessage, req.Signature, order); err != nil {
		return nil, err
	}
	if order.Status == StatusConfirmed {
		return p.statusResponse(order), nil
	}

	updated, err := p.store.UpdateOrder(ctx, req.OrderID, func(o *Order) error {
		if o.Status == StatusConfirmed {
			return nil
		}
		return o.Transition(StatusConfirmed)
	})
	if err != nil {
		return nil, err
	}

	p.log.Info().Str("order_id", updated.ID).Msg("delivery confirmed")
	p.bus.Emit(EventOrderConfirmed, updated.ID, nil)
	return p.statusResponse(updated), nil
}

// SubmitRating records the payer's signed score against a completed order.
func (p *Provider) SubmitRating(ctx context.Context, req *RatingRequest) error {
	if req == nil {
		return NewMalformedRequestError("rating request must not be nil")
	}
	if err := ValidateOrderID(req.OrderID); err != nil {
		return err
	}
	if req.Score < 1 || req.Score > 5 {
		return NewMalformedRequestError(fmt.Sprintf("rating score must be 1-5, got %d", req.Score))
	}

	order, err := p.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return err
	}
	switch order.Status {
	case StatusDelivered, StatusDeliveryFailed, StatusConfirmed:
	default:
		return NewMalformedRequestError(fmt.Sprintf("order %s has no delivery outcome to rate", order.ID))
	}
	if err := p.verifyTimestamped(req.Timestamp, RatingMessage(req.OrderID, req.Score, req.Timestamp), req.SignedMessage, req.Signature, order); err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := p.store.UpdateOrder(ctx, req.OrderID, func(o *Order) error {
		o.Rating = &Rating{Score: req.Score, Comment: req.Comment, RatedAt: now}
		return nil
	}); err != nil {
		return err
	}

	p.log.Info().Str("order_id", order.ID).Int("score", req.Score).Msg("rating recorded")
	return nil
}

// verifyTimestamped checks skew, canonical message text and the payer's
// signature for confirmation and rating requests.
func (p *Provider) verifyTimestamped(timestamp, canonical, signedMessage, signature string, order *Order) error {
	if err := CheckTimestampSkew(timestamp, time.Now(), p.skew); err != nil {
		return err
	}
	if signedMessage != canonical {
		return NewSignatureInvalidError("signed message does not match the expected form")
	}
	if order.ClientAddress == "" {
		return NewSignatureInvalidError("order has no verified payer to check against")
	}
	if ok, reason := p.verifySig(canonical, signature, order.ClientAddress); !ok {
		return NewSignatureInvalidError(reason)
	}
	return nil
}

// Cleanup purges unpaid quotes whose expiry has passed.
func (p *Provider) Cleanup(ctx context.Context) (int, error) {
	purged, err := p.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		p.log.Info().Int("purged", purged).Msg("expired quotes purged")
	}
	return purged, nil
}

// StartJanitor runs Cleanup on the given interval until Stop. Calling it
// while a janitor is already running is a no-op.
func (p *Provider) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	p.janitorMu.Lock()
	defer p.janitorMu.Unlock()
	if p.janitorStop != nil {
		return
	}
	stop := make(chan struct{})
	p.janitorStop = stop

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := p.Cleanup(context.Background()); err != nil {
					p.log.Error().Err(err).Msg("cleanup failed")
				}
			}
		}
	}()
}

// Stop halts the janitor and waits for in-flight order processing to
// finish.
func (p *Provider) Stop() {
	p.janitorMu.Lock()
	if p.janitorStop != nil {
		close(p.janitorStop)
		p.janitorStop = nil
	}
	p.janitorMu.Unlock()
	p.wg.Wait()
}
