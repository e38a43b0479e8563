// Command ivxp is the client CLI: it requests quotes, pays for them on
// chain, and retrieves the resulting deliverables.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ivxp",
		Usage: "buy machine-to-machine services for USDC",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{"IVXP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "provider",
				Usage:   "provider base URL",
				EnvVars: []string{"IVXP_CLIENT_PROVIDER_URL"},
			},
		},
		Commands: []*cli.Command{
			catalogCmd,
			quoteCmd,
			payCmd,
			statusCmd,
			waitCmd,
			downloadCmd,
			confirmCmd,
			rateCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ivxp:", err)
		os.Exit(1)
	}
}
