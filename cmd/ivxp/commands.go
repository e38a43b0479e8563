package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

var catalogCmd = &cli.Command{
	Name:  "catalog",
	Usage: "list the provider's services and prices",
	Action: func(c *cli.Context) error {
		s, err := newSession(c, false, false)
		if err != nil {
			return err
		}
		defer s.close()
		catalog, err := s.client.Catalog(c.Context)
		if err != nil {
			return err
		}
		return printJSON(catalog)
	},
}

var quoteCmd = &cli.Command{
	Name:  "quote",
	Usage: "request a signed quote for a service",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "service", Usage: "service type to quote", Required: true},
		&cli.StringFlag{Name: "description", Usage: "what the provider should produce"},
		&cli.StringFlag{Name: "budget", Usage: "budget ceiling in USDC"},
		&cli.StringFlag{Name: "format", Usage: "requested delivery format"},
	},
	Action: func(c *cli.Context) error {
		s, err := newSession(c, false, false)
		if err != nil {
			return err
		}
		defer s.close()
		quote, err := s.client.RequestQuote(c.Context, ivxp.QuoteRequest{
			ServiceType:    c.String("service"),
			Description:    c.String("description"),
			BudgetUSDC:     c.String("budget"),
			DeliveryFormat: c.String("format"),
		})
		if err != nil {
			return err
		}
		return printJSON(quote)
	},
}

var payCmd = &cli.Command{
	Name:  "pay",
	Usage: "pay a saved quote on chain and notify the provider",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "quote", Usage: "quote JSON file, or - for stdin", Required: true},
	},
	Action: func(c *cli.Context) error {
		quote, err := loadQuote(c.String("quote"))
		if err != nil {
			return err
		}
		s, err := newSession(c, true, true)
		if err != nil {
			return err
		}
		defer s.close()
		accepted, err := s.client.SubmitPayment(c.Context, quote)
		if err != nil {
			if e := ivxp.AsError(err); e != nil && e.Code == ivxp.ErrCodePartialSuccess {
				fmt.Fprintf(os.Stderr, "payment settled as %s but the provider was not notified\n", e.TxHash)
				fmt.Fprintf(os.Stderr, "re-run pay with the same quote; the provider treats a known tx hash as a no-op\n")
			}
			return err
		}
		return printJSON(accepted)
	},
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "show the provider's view of an order",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "order", Usage: "order id", Required: true},
	},
	Action: func(c *cli.Context) error {
		s, err := newSession(c, false, false)
		if err != nil {
			return err
		}
		defer s.close()
		status, err := s.client.OrderStatus(c.Context, c.String("order"))
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var waitCmd = &cli.Command{
	Name:  "wait",
	Usage: "poll an order until it reaches a delivery outcome",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "order", Usage: "order id", Required: true},
		&cli.IntFlag{Name: "attempts", Usage: "maximum number of polls", Value: ivxp.DefaultPollMaxAttempts},
		&cli.DurationFlag{Name: "min-interval", Usage: "first wait between polls", Value: ivxp.DefaultPollMinInterval},
		&cli.DurationFlag{Name: "max-interval", Usage: "ceiling on the wait between polls", Value: ivxp.DefaultPollMaxInterval},
	},
	Action: func(c *cli.Context) error {
		s, err := newSession(c, false, false)
		if err != nil {
			return err
		}
		defer s.close()
		status, err := s.client.PollOrderUntil(c.Context, c.String("order"), ivxp.PollOptions{
			MaxAttempts: c.Int("attempts"),
			MinInterval: c.Duration("min-interval"),
			MaxInterval: c.Duration("max-interval"),
		})
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var downloadCmd = &cli.Command{
	Name:  "download",
	Usage: "download and verify an order's deliverable",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "order", Usage: "order id", Required: true},
		&cli.StringFlag{Name: "out", Usage: "write the content to this file instead of stdout"},
	},
	Action: func(c *cli.Context) error {
		s, err := newSession(c, false, false)
		if err != nil {
			return err
		}
		defer s.close()

		var opts []ivxp.DownloadOption
		out := c.String("out")
		if out != "" {
			opts = append(opts, ivxp.WriteFile(out))
		}
		download, err := s.client.DownloadDeliverable(c.Context, c.String("order"), opts...)
		if err != nil {
			return err
		}
		if out == "" {
			_, err = os.Stdout.Write(download.Content)
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s (sha256 %s)\n", len(download.Content), out, download.ContentHash)
		return nil
	},
}

var confirmCmd = &cli.Command{
	Name:  "confirm",
	Usage: "confirm receipt of a deliverable, closing the order",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "order", Usage: "order id", Required: true},
	},
	Action: func(c *cli.Context) error {
		s, err := newSession(c, true, false)
		if err != nil {
			return err
		}
		defer s.close()
		status, err := s.client.ConfirmDelivery(c.Context, c.String("order"))
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var rateCmd = &cli.Command{
	Name:  "rate",
	Usage: "score a completed order",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "order", Usage: "order id", Required: true},
		&cli.IntFlag{Name: "score", Usage: "score from 1 to 5", Required: true},
		&cli.StringFlag{Name: "comment", Usage: "optional comment"},
	},
	Action: func(c *cli.Context) error {
		s, err := newSession(c, true, false)
		if err != nil {
			return err
		}
		defer s.close()
		start := time.Now()
		if err := s.client.SubmitRating(c.Context, c.String("order"), c.Int("score"), c.String("comment")); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "rating accepted in %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
