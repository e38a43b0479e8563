// Command ivxpd runs a provider daemon: it serves the protocol routes,
// verifies payments against an EVM node, and processes paid orders with
// the registered service handlers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	ivxp "github.com/ivxp-foundation/ivxp-go"
	"github.com/ivxp-foundation/ivxp-go/config"
	"github.com/ivxp-foundation/ivxp-go/metrics"
	"github.com/ivxp-foundation/ivxp-go/payments"
	"github.com/ivxp-foundation/ivxp-go/server"
	"github.com/ivxp-foundation/ivxp-go/sqlitestore"
	"github.com/ivxp-foundation/ivxp-go/wallet"
)

func main() {
	app := &cli.App{
		Name:  "ivxpd",
		Usage: "provider daemon for machine-to-machine value exchange",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{"IVXP_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override the listen address",
			},
			&cli.BoolFlag{
				Name:  "demo",
				Usage: "register canned handlers for every catalog entry",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ivxpd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("listen"); addr != "" {
		cfg.Provider.ListenAddr = addr
	}
	log := cfg.Log.NewLogger(os.Stderr)

	if cfg.PrivateKey == "" {
		return fmt.Errorf("IVXP_PRIVATE_KEY must be set")
	}
	if cfg.RPCURL == "" {
		return fmt.Errorf("IVXP_RPC_URL must be set")
	}

	w, err := wallet.FromPrivateKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load wallet key: %w", err)
	}

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc node: %w", err)
	}
	defer eth.Close()

	pay, err := payments.New(eth, w, cfg.Network)
	if err != nil {
		return err
	}

	var store ivxp.OrderStore
	if path := cfg.Provider.DatabasePath; path != "" {
		sqlStore, err := sqlitestore.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
		log.Info().Str("path", path).Msg("using sqlite order store")
	} else {
		store = ivxp.NewMemoryStore()
		log.Warn().Msg("using in-memory order store, orders will not survive restarts")
	}

	network, _ := payments.NetworkByName(cfg.Network)
	pushOpts := ivxp.DefaultPushOptions()
	if cfg.Provider.PushMaxRetries > 0 {
		pushOpts.MaxRetries = cfg.Provider.PushMaxRetries
	}

	opts := []ivxp.ProviderOption{
		ivxp.WithProviderLogger(log),
		ivxp.WithQuoteTTL(cfg.Provider.QuoteTTL.Std()),
		ivxp.WithPushOptions(pushOpts),
	}
	if cfg.Provider.AllowPrivatePush {
		opts = append(opts, ivxp.WithPrivatePushAllowed())
	}

	provider, err := ivxp.NewProvider(ivxp.ProviderConfig{
		AgentName:     cfg.Provider.AgentName,
		Address:       w.Address(),
		Network:       cfg.Network,
		TokenContract: network.USDCAddress,
		Store:         store,
		Verifier:      payments.NewCachedVerifier(pay, payments.DefaultVerifyCacheTTL),
	}, opts...)
	if err != nil {
		return err
	}

	if c.Bool("demo") {
		registerDemoHandlers(provider)
		log.Warn().Msg("demo handlers registered, deliverables are canned text")
	}

	m := metrics.New()
	unsubscribe := m.Attach(provider.Events())
	defer unsubscribe()

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(provider, server.WithLogger(log))
	httpServer := &http.Server{
		Addr:         cfg.Provider.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().
			Str("addr", cfg.Provider.ListenAddr).
			Str("network", cfg.Network).
			Str("address", w.Address()).
			Msg("provider listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if addr := cfg.Provider.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: addr, Handler: mux}
		go func() {
			log.Info().Str("addr", addr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	provider.StartJanitor(cfg.Provider.CleanupInterval.Std())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("metrics shutdown failed")
		}
	}
	provider.Stop()
	log.Info().Msg("shutdown complete")
	return nil
}

// registerDemoHandlers installs a canned handler per catalog entry so the
// full quote-pay-deliver loop can be exercised without real services.
func registerDemoHandlers(p *ivxp.Provider) {
	for _, entry := range p.Catalog().Services {
		serviceType := entry.Type
		_ = p.Register(serviceType, func(_ context.Context, order *ivxp.Order) (*ivxp.HandlerResult, error) {
			body := fmt.Sprintf("# %s\n\nOrder %s\n\n%s\n\nDelivered at %s.\n",
				serviceType, order.ID, order.Description, ivxp.Timestamp())
			return &ivxp.HandlerResult{
				Content:     []byte(body),
				ContentType: "text/markdown",
				Format:      "markdown",
			}, nil
		})
	}
}
