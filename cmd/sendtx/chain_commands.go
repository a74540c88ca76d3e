package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/brojonat/sendtx/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/urfave/cli/v2"
)

// submitFlags are shared by commands that submit to the cluster directly.
func submitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for confirmation",
			Value: solana.DefaultTimeout,
		},
		&cli.StringFlag{
			Name:  "commitment",
			Usage: "Commitment to wait for (processed, confirmed, finalized)",
			Value: string(solana.DefaultCommitment),
		},
		&cli.BoolFlag{
			Name:  "skip-preflight",
			Usage: "Skip the preflight simulation on the first send",
		},
		&cli.BoolFlag{
			Name:  "no-wait",
			Usage: "Return after the first send without awaiting confirmation",
		},
	}
}

// newSender builds a sender from the global and submit flags.
func newSender(c *cli.Context) (*solana.Sender, func(), error) {
	rpcURL := c.String("rpc-url")
	wsURL := ""
	if rpcURL == "" {
		cluster, err := solana.ClusterForNetwork(c.String("network"))
		if err != nil {
			return nil, nil, fmt.Errorf("--rpc-url is required: %w", err)
		}
		rpcURL, wsURL = cluster.RPC, cluster.WS
	} else {
		derived, err := solana.WebsocketURL(rpcURL)
		if err != nil {
			return nil, nil, err
		}
		wsURL = derived
	}

	opts := solana.DefaultOptions()
	if c.IsSet("timeout") {
		opts.Timeout = c.Duration("timeout")
	}
	if c.IsSet("commitment") {
		commitment, err := solana.ParseCommitment(c.String("commitment"))
		if err != nil {
			return nil, nil, err
		}
		opts.Commitment = commitment
	}
	opts.SkipPreflight = c.Bool("skip-preflight")
	opts.AwaitConfirmation = !c.Bool("no-wait")

	logger := cliLogger()
	subscriber := solana.NewWebsocketSubscriber(wsURL)
	sender := solana.NewSender(
		solana.NewRPCClient(rpcURL),
		subscriber,
		opts,
		solana.EndpointLabel(rpcURL),
		nil,
		logger,
	)
	return sender, func() { subscriber.Close() }, nil
}

// loadWallet loads the signing keypair named by --keypair.
func loadWallet(c *cli.Context) (*solana.KeypairWallet, error) {
	path := c.String("keypair")
	if path == "" {
		return nil, fmt.Errorf("keypair is required (set SENDTX_KEYPAIR or use --keypair)")
	}
	return solana.LoadKeypairWallet(path)
}

// cliLogger writes warnings and errors to stderr.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:      "transfer",
		Usage:     "Transfer SOL and wait for confirmation",
		ArgsUsage: "RECIPIENT",
		Flags: append(submitFlags(),
			&cli.Float64Flag{
				Name:     "sol",
				Usage:    "Amount in SOL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "memo",
				Usage: "Memo attached to the transfer",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("recipient address is required")
			}
			to, err := solanago.PublicKeyFromBase58(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid recipient: %w", err)
			}
			lamports, err := solToLamports(c.Float64("sol"))
			if err != nil {
				return err
			}

			wallet, err := loadWallet(c)
			if err != nil {
				return err
			}
			from, err := wallet.PublicKey()
			if err != nil {
				return err
			}

			sender, closeSender, err := newSender(c)
			if err != nil {
				return err
			}
			defer closeSender()

			group := solana.InstructionGroup{
				Instructions: []solanago.Instruction{
					system.NewTransferInstruction(lamports, from, to).Build(),
				},
			}
			if text := c.String("memo"); text != "" {
				group.Instructions = append(group.Instructions, memo.NewMemoInstruction([]byte(text), from).Build())
			}

			res, err := sender.SendTransaction(c.Context, wallet, group)
			if err != nil {
				return describeSubmitError(err)
			}
			return printSubmission(c, res)
		},
	}
}

func memoCommand() *cli.Command {
	return &cli.Command{
		Name:      "memo",
		Usage:     "Submit memo transactions as one batch",
		ArgsUsage: "TEXT [TEXT...]",
		Description: `Each TEXT becomes one memo transaction. All transactions share a blockhash and
are signed together, then submitted following --sequence:

  parallel         submit everything at once
  sequential       wait for each transaction before the next, keep going on failures
  stop-on-failure  like sequential, but stop at the first failure`,
		Flags: append(submitFlags(),
			&cli.StringFlag{
				Name:  "sequence",
				Usage: "parallel, sequential or stop-on-failure",
				Value: solana.Parallel.String(),
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("at least one memo text is required")
			}
			seq, err := solana.ParseSequence(c.String("sequence"))
			if err != nil {
				return err
			}

			wallet, err := loadWallet(c)
			if err != nil {
				return err
			}
			payer, err := wallet.PublicKey()
			if err != nil {
				return err
			}

			sender, closeSender, err := newSender(c)
			if err != nil {
				return err
			}
			defer closeSender()

			groups := make([]solana.InstructionGroup, c.NArg())
			for i, text := range c.Args().Slice() {
				groups[i] = solana.InstructionGroup{
					Instructions: []solanago.Instruction{memo.NewMemoInstruction([]byte(text), payer).Build()},
				}
			}

			quiet := jsonOutput(c)
			result, err := sender.SendTransactions(c.Context, wallet, groups, seq, progressCallbacks(c.App.Writer, quiet))
			if err != nil {
				return err
			}

			if quiet {
				return printJSON(c, batchResultOutput(result))
			}
			fmt.Fprintf(c.App.Writer, "\nSubmitted %d of %d (%d failed)\n", result.Submitted, len(groups), result.Failed())
			if result.Failed() > 0 {
				return fmt.Errorf("%d of %d transactions failed", result.Failed(), result.Submitted)
			}
			return nil
		},
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a signed base64 transaction and wait for confirmation",
		ArgsUsage: "BASE64_TX | FILE | -",
		Flags:     submitFlags(),
		Action: func(c *cli.Context) error {
			raw, err := readTransaction(c)
			if err != nil {
				return err
			}

			sender, closeSender, err := newSender(c)
			if err != nil {
				return err
			}
			defer closeSender()

			res, err := sender.SubmitRaw(c.Context, raw)
			if err != nil {
				return describeSubmitError(err)
			}
			return printSubmission(c, res)
		},
	}
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:      "simulate",
		Usage:     "Dry-run a signed base64 transaction",
		ArgsUsage: "BASE64_TX | FILE | -",
		Action: func(c *cli.Context) error {
			raw, err := readTransaction(c)
			if err != nil {
				return err
			}

			sender, closeSender, err := newSender(c)
			if err != nil {
				return err
			}
			defer closeSender()

			report, err := sender.Simulate(c.Context, raw)
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, report)
			}
			printSimulation(c, report)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Look up the cluster status of a signature",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "details",
				Usage: "Also describe the landed transaction",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("signature is required")
			}
			sig, err := solanago.SignatureFromBase58(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			sender, closeSender, err := newSender(c)
			if err != nil {
				return err
			}
			defer closeSender()

			status, err := sender.GetStatus(c.Context, sig)
			if err != nil {
				return err
			}
			if status == nil {
				return fmt.Errorf("signature %s not found", sig)
			}

			out := map[string]interface{}{
				"signature":           sig.String(),
				"slot":                status.Slot,
				"confirmations":       status.Confirmations,
				"confirmation_status": status.Level,
				"err":                 status.Err,
			}
			if c.Bool("details") {
				details, err := sender.GetTransaction(c.Context, sig)
				switch {
				case err == nil:
					out["details"] = details
				case errors.Is(err, solana.ErrTransactionNotFound):
				default:
					return err
				}
			}
			return printJSON(c, out)
		},
	}
}

// readTransaction reads base64 wire bytes from the argument, a file, or stdin.
func readTransaction(c *cli.Context) ([]byte, error) {
	if c.NArg() != 1 {
		return nil, fmt.Errorf("a base64 transaction, a file, or - is required")
	}
	arg := c.Args().First()

	if arg == "-" {
		data, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return decodeTransaction(string(data))
	}
	return decodeTransactionArg(arg)
}

// decodeTransactionArg decodes a base64 transaction given inline or as a file path.
func decodeTransactionArg(arg string) ([]byte, error) {
	if data, err := os.ReadFile(arg); err == nil {
		return decodeTransaction(string(data))
	}
	return decodeTransaction(arg)
}

func decodeTransaction(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("transaction must be base64: %w", err)
	}
	if _, err := solana.SignatureFromRaw(raw); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return raw, nil
}

// solToLamports converts a positive SOL amount to lamports.
func solToLamports(sol float64) (uint64, error) {
	if math.IsNaN(sol) || sol <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	if sol > float64(math.MaxUint64/solanago.LAMPORTS_PER_SOL) {
		return 0, fmt.Errorf("amount is too large")
	}
	lamports := uint64(sol*float64(solanago.LAMPORTS_PER_SOL) + 0.5)
	if lamports == 0 {
		return 0, fmt.Errorf("amount is below one lamport")
	}
	return lamports, nil
}

// progressCallbacks prints one line per settled transaction. The parallel
// sequence settles transactions concurrently, so writes to w are serialized.
func progressCallbacks(w io.Writer, quiet bool) solana.BatchCallbacks {
	if quiet {
		return solana.BatchCallbacks{}
	}
	var mu sync.Mutex
	return solana.BatchCallbacks{
		OnSuccess: func(index int, res *solana.SubmissionResult) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, "✓ [%d] %s (slot %d)\n", index, res.Signature, res.Slot)
		},
		OnFailure: func(index int, tx *solanago.Transaction, err error) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, "✗ [%d] %v\n", index, err)
		},
	}
}

// describeSubmitError turns a submission error into a CLI error that names
// the failure kind.
func describeSubmitError(err error) error {
	kind := solana.FailureKind(err)
	var simErr *solana.SimulationFailure
	if errors.As(err, &simErr) {
		return fmt.Errorf("transaction %s failed (%s): %s", simErr.Signature, kind, simErr.Message)
	}
	return fmt.Errorf("%w (%s)", err, kind)
}

func printSubmission(c *cli.Context, res *solana.SubmissionResult) error {
	if jsonOutput(c) {
		return printJSON(c, res)
	}
	if res.Slot == 0 {
		fmt.Fprintf(c.App.Writer, "→ Sent %s (not awaited)\n", res.Signature)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "✓ Confirmed %s\n", res.Signature)
	fmt.Fprintf(c.App.Writer, "  Slot:   %d\n", res.Slot)
	fmt.Fprintf(c.App.Writer, "  Source: %s\n", res.Source)
	return nil
}

func printSimulation(c *cli.Context, report *solana.SimulationReport) {
	w := c.App.Writer
	if report.Failed() {
		fmt.Fprintf(w, "✗ Simulation failed: %v\n", report.Err)
		if report.Message != "" {
			fmt.Fprintf(w, "  Message: %s\n", report.Message)
		}
	} else {
		fmt.Fprintln(w, "✓ Simulation succeeded")
	}
	if report.UnitsConsumed != nil {
		fmt.Fprintf(w, "  Compute units: %d\n", *report.UnitsConsumed)
	}
	if len(report.Logs) > 0 {
		fmt.Fprintln(w, "  Logs:")
		for _, line := range report.Logs {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

type batchOutcomeOutput struct {
	Index       int    `json:"index"`
	Signature   string `json:"signature,omitempty"`
	Slot        uint64 `json:"slot,omitempty"`
	Error       string `json:"error,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
}

func batchResultOutput(result *solana.BatchResult) map[string]interface{} {
	outcomes := make([]batchOutcomeOutput, len(result.Outcomes))
	for i, o := range result.Outcomes {
		outcomes[i] = batchOutcomeOutput{
			Index:     o.Index,
			Signature: o.Signature,
			Slot:      o.Slot,
		}
		if o.Err != nil {
			outcomes[i].Error = o.Err.Error()
			outcomes[i].FailureKind = solana.FailureKind(o.Err)
		}
	}
	return map[string]interface{}{
		"submitted": result.Submitted,
		"failed":    result.Failed(),
		"outcomes":  outcomes,
	}
}
