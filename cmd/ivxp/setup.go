package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	ivxp "github.com/ivxp-foundation/ivxp-go"
	"github.com/ivxp-foundation/ivxp-go/config"
	"github.com/ivxp-foundation/ivxp-go/payments"
	"github.com/ivxp-foundation/ivxp-go/transport"
	"github.com/ivxp-foundation/ivxp-go/wallet"
)

// session is the wired client for one CLI invocation.
type session struct {
	cfg     *config.Config
	client  *ivxp.Client
	cleanup func()
}

// newSession builds a client from config and flags. Read-only commands run
// on an ephemeral wallet when no key is configured; needKey forces the
// configured key (signatures the provider checks against the payer), and
// withSender additionally wires the on-chain payment path, which also
// requires an RPC endpoint.
func newSession(c *cli.Context, needKey, withSender bool) (*session, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	log := cfg.Log.NewLogger(os.Stderr)

	providerURL := c.String("provider")
	if providerURL == "" {
		providerURL = cfg.Client.ProviderURL
	}
	if providerURL == "" {
		return nil, fmt.Errorf("provider URL required (--provider or client.provider_url)")
	}

	t, err := transport.New(&transport.Config{
		BaseURL: providerURL,
		Timeout: cfg.Client.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	if (needKey || withSender) && cfg.PrivateKey == "" {
		return nil, fmt.Errorf("IVXP_PRIVATE_KEY must be set for this command")
	}

	var w *wallet.Wallet
	if cfg.PrivateKey != "" {
		w, err = wallet.FromPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("load wallet key: %w", err)
		}
	} else {
		w, err = wallet.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral wallet: %w", err)
		}
		log.Debug().Str("address", w.Address()).Msg("no key configured, using ephemeral wallet")
	}

	opts := []ivxp.ClientOption{
		ivxp.WithClientLogger(log),
		ivxp.WithAgentName(cfg.Client.AgentName),
	}
	if cfg.Client.ReceiveEndpoint != "" {
		opts = append(opts, ivxp.WithReceiveEndpoint(cfg.Client.ReceiveEndpoint))
	}

	cleanup := func() {}
	if withSender {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("IVXP_RPC_URL must be set to pay")
		}
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc node: %w", err)
		}
		pay, err := payments.New(eth, w, cfg.Network)
		if err != nil {
			eth.Close()
			return nil, err
		}
		opts = append(opts, ivxp.WithPaymentSender(pay))
		cleanup = eth.Close
	}

	client, err := ivxp.NewClient(t, w, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &session{cfg: cfg, client: client, cleanup: cleanup}, nil
}

func (s *session) close() {
	s.cleanup()
}

// printJSON renders a wire value for the terminal and pipelines.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// loadQuote reads a saved quote document from a file, or stdin when path
// is "-".
func loadQuote(path string) (*ivxp.ServiceQuote, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read quote: %w", err)
	}
	var quote ivxp.ServiceQuote
	if err := json.Unmarshal(data, &quote); err != nil {
		return nil, fmt.Errorf("parse quote: %w", err)
	}
	return &quote, nil
}
