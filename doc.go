// Package ivxp implements IVXP, a machine-to-machine value exchange
// protocol: one agent pays another USDC on an EVM network for a priced
// service and receives a hash-verifiable deliverable in return.
//
// # Overview
//
// A transaction runs through a fixed lifecycle. The client requests a
// quote for a service type, the provider prices it and opens an order,
// the client settles the quoted amount on chain and submits the
// transaction hash as payment proof, the provider verifies the transfer
// and produces the deliverable in the background, and the client
// retrieves it, confirms acceptance, and optionally rates the work.
// Orders move from quoted through paid, processing and delivered (or
// delivery_failed) to confirmed. Every signed step is bound to the
// payer's wallet with an EIP-191 signature over a canonical message, and
// every deliverable is content-addressed by its SHA-256 hash.
//
// # Client Usage
//
//	w, _ := wallet.FromPrivateKey(os.Getenv("IVXP_PRIVATE_KEY"))
//	tr, _ := transport.New(&transport.Config{BaseURL: "https://provider.example"})
//	client, _ := ivxp.NewClient(tr, w, ivxp.WithPaymentSender(pay))
//
//	quote, _ := client.RequestQuote(ctx, ivxp.QuoteRequest{
//		ServiceType: "research",
//		Description: "survey the current state of agent payment rails",
//		BudgetUSDC:  "100",
//	})
//	accepted, _ := client.SubmitPayment(ctx, quote)
//	status, _ := client.WaitForDelivery(ctx, quote.OrderID)
//	download, _ := client.DownloadDeliverable(ctx, quote.OrderID)
//
// # Provider Usage
//
//	provider, _ := ivxp.NewProvider(ivxp.ProviderConfig{
//		AgentName: "research-desk",
//		Address:   w.Address(),
//		Network:   "base",
//		Store:     store,
//		Verifier:  pay,
//	})
//	provider.Register("research", func(ctx context.Context, order *ivxp.Order) (*ivxp.HandlerResult, error) {
//		report, err := produceReport(ctx, order.Description)
//		if err != nil {
//			return nil, err
//		}
//		return &ivxp.HandlerResult{Content: report, Format: "markdown"}, nil
//	})
//
// The server package serves a provider's routes over HTTP, payments
// settles and verifies the USDC transfers, and wallet carries the
// signing identity. Engines report progress through an EventBus; the
// metrics package turns those events into Prometheus series.
package ivxp
