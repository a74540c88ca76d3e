package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "sendtx",
		Usage: "Solana transaction submission and confirmation CLI",
		Description: `A command-line tool for submitting Solana transactions and following their outcomes.

Chain commands talk to an RPC endpoint directly. Client commands go through the
sendtx HTTP service, and stream commands follow outcomes as they are published.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Direct RPC commands
			transferCommand(),
			memoCommand(),
			submitCommand(),
			simulateCommand(),
			statusCommand(),
			// Client commands (HTTP API)
			clientCommands(),
			// Outcome streaming commands
			{
				Name:  "nats",
				Usage: "NATS submission streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
			streamCommand(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Solana network (mainnet, devnet, testnet, localnet)",
				EnvVars: []string{"SOLANA_NETWORK"},
				Value:   "devnet",
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC URL (defaults to the public endpoint of --network)",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
			&cli.StringFlag{
				Name:    "keypair",
				Aliases: []string{"k"},
				Usage:   "Path to a solana-keygen JSON keypair used to sign",
				EnvVars: []string{"SENDTX_KEYPAIR"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "sendtx server URL",
				EnvVars: []string{"SENDTX_SERVER_URL", "SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to JSON output (implies --json)",
			},
		},
	}
}
