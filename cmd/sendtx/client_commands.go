package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/brojonat/sendtx/client"
	"github.com/urfave/cli/v2"
)

// pollInterval is how often batch await polls for progress.
var pollInterval = 2 * time.Second

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the sendtx service",
		Subcommands: []*cli.Command{
			clientSubmitCommand(),
			clientGetCommand(),
			clientListCommand(),
			clientStatsCommand(),
			clientSimulateCommand(),
			clientStatusCommand(),
			{
				Name:  "batch",
				Usage: "Batch submission commands",
				Subcommands: []*cli.Command{
					batchStartCommand(),
					batchGetCommand(),
				},
			},
		},
	}
}

func newClient(c *cli.Context) *client.Client {
	// Submissions block until an outcome, so allow for a full confirmation budget.
	httpClient := &http.Client{Timeout: c.Duration("http-timeout")}
	return client.NewClient(c.String("server-url"), httpClient, cliLogger())
}

func httpTimeoutFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "http-timeout",
		Usage: "HTTP request timeout",
		Value: 2 * time.Minute,
	}
}

func clientSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a signed base64 transaction through the service",
		ArgsUsage: "BASE64_TX | FILE | -",
		Flags:     []cli.Flag{httpTimeoutFlag()},
		Action: func(c *cli.Context) error {
			raw, err := readTransaction(c)
			if err != nil {
				return err
			}

			sub, err := newClient(c).Submit(c.Context, raw)
			var subErr *client.SubmissionError
			if err != nil && !errors.As(err, &subErr) {
				return err
			}

			if jsonOutput(c) {
				if printErr := printJSON(c, sub); printErr != nil {
					return printErr
				}
			} else {
				printClientSubmission(c, sub)
			}
			if subErr != nil {
				return subErr
			}
			return nil
		},
	}
}

func clientGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a recorded submission",
		ArgsUsage: "SIGNATURE",
		Flags:     []cli.Flag{httpTimeoutFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("signature is required")
			}

			sub, err := newClient(c).GetSubmission(c.Context, c.Args().First(), c.String("network"))
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, sub)
			}
			printClientSubmission(c, sub)
			return nil
		},
	}
}

func clientListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List recorded submissions",
		Flags: []cli.Flag{
			httpTimeoutFlag(),
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (pending, confirmed, failed, timeout)",
			},
			&cli.StringFlag{
				Name:  "batch",
				Usage: "Filter by batch ID",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of submissions",
				Value: 20,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of submissions to skip",
			},
		},
		Action: func(c *cli.Context) error {
			subs, err := newClient(c).ListSubmissions(c.Context, client.ListOptions{
				Network: c.String("network"),
				Status:  c.String("status"),
				BatchID: c.String("batch"),
				Limit:   c.Int("limit"),
				Offset:  c.Int("offset"),
			})
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, subs)
			}
			if len(subs) == 0 {
				fmt.Fprintln(c.App.Writer, "No submissions found")
				return nil
			}
			for _, sub := range subs {
				fmt.Fprintf(c.App.Writer, "%-10s %s%s\n", sub.Status, sub.Signature, failureSuffix(sub))
			}
			return nil
		},
	}
}

func clientStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Count recorded submissions per status",
		Flags: []cli.Flag{httpTimeoutFlag()},
		Action: func(c *cli.Context) error {
			counts, err := newClient(c).Stats(c.Context, c.String("network"))
			if err != nil {
				return err
			}

			if jsonOutput(c) {
				return printJSON(c, counts)
			}
			statuses := make([]string, 0, len(counts))
			for status := range counts {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)
			for _, status := range statuses {
				fmt.Fprintf(c.App.Writer, "%-10s %d\n", status, counts[status])
			}
			return nil
		},
	}
}

func clientSimulateCommand() *cli.Command {
	return &cli.Command{
		Name:      "simulate",
		Usage:     "Dry-run a signed base64 transaction through the service",
		ArgsUsage: "BASE64_TX | FILE | -",
		Flags:     []cli.Flag{httpTimeoutFlag()},
		Action: func(c *cli.Context) error {
			raw, err := readTransaction(c)
			if err != nil {
				return err
			}
			report, err := newClient(c).Simulate(c.Context, raw)
			if err != nil {
				return err
			}
			return printJSON(c, report)
		},
	}
}

func clientStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Look up the cluster status of a signature through the service",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			httpTimeoutFlag(),
			&cli.BoolFlag{
				Name:  "details",
				Usage: "Also describe the landed transaction",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("signature is required")
			}
			status, err := newClient(c).GetStatus(c.Context, c.Args().First(), c.Bool("details"))
			if err != nil {
				return err
			}
			return printJSON(c, status)
		},
	}
}

func batchStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Submit signed base64 transactions as one batch",
		ArgsUsage: "BASE64_TX|FILE [BASE64_TX|FILE...]",
		Flags: []cli.Flag{
			httpTimeoutFlag(),
			&cli.StringFlag{
				Name:  "sequence",
				Usage: "parallel, sequential or stop-on-failure",
				Value: "parallel",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the batch to finish",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("at least one transaction is required")
			}
			txs := make([][]byte, c.NArg())
			for i, arg := range c.Args().Slice() {
				raw, err := decodeTransactionArg(arg)
				if err != nil {
					return fmt.Errorf("transaction %d: %w", i, err)
				}
				txs[i] = raw
			}

			cl := newClient(c)
			batchID, err := cl.StartBatch(c.Context, txs, c.String("sequence"))
			if err != nil {
				return err
			}

			if !c.Bool("wait") {
				if jsonOutput(c) {
					return printJSON(c, map[string]interface{}{"batch_id": batchID, "count": len(txs)})
				}
				fmt.Fprintf(c.App.Writer, "✓ Batch started: %s (%d transactions)\n", batchID, len(txs))
				return nil
			}

			batch, err := awaitBatch(c.Context, cl, batchID)
			if err != nil {
				return err
			}
			return printBatch(c, batch)
		},
	}
}

func batchGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the progress of a batch",
		ArgsUsage: "BATCH_ID",
		Flags: []cli.Flag{
			httpTimeoutFlag(),
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the batch to finish",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("batch ID is required")
			}
			cl := newClient(c)

			var batch *client.Batch
			var err error
			if c.Bool("wait") {
				batch, err = awaitBatch(c.Context, cl, c.Args().First())
			} else {
				batch, err = cl.GetBatch(c.Context, c.Args().First())
			}
			if err != nil {
				return err
			}
			return printBatch(c, batch)
		},
	}
}

// awaitBatch polls until the batch is no longer running.
func awaitBatch(ctx context.Context, cl *client.Client, batchID string) (*client.Batch, error) {
	for {
		batch, err := cl.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if batch.Status != "running" {
			return batch, nil
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printBatch(c *cli.Context, batch *client.Batch) error {
	if jsonOutput(c) {
		return printJSON(c, batch)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Batch:     %s\n", batch.BatchID)
	fmt.Fprintf(w, "Status:    %s\n", batch.Status)
	fmt.Fprintf(w, "Sequence:  %s\n", batch.Sequence)
	fmt.Fprintf(w, "Submitted: %d of %d (%d failed)\n", batch.Submitted, batch.Total, batch.Failed)
	for _, o := range batch.Outcomes {
		mark := "✓"
		if o.Status != "confirmed" {
			mark = "✗"
		}
		line := fmt.Sprintf("  %s [%d] %s %s", mark, o.Index, o.Signature, o.Status)
		if o.FailureKind != "" {
			line += fmt.Sprintf(" (%s: %s)", o.FailureKind, o.Error)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func printClientSubmission(c *cli.Context, sub *client.Submission) {
	w := c.App.Writer
	mark := "✓"
	if sub.Status != "confirmed" {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s %s\n", mark, sub.Status, sub.Signature)
	fmt.Fprintf(w, "  Network: %s\n", sub.Network)
	if sub.Slot != nil {
		fmt.Fprintf(w, "  Slot:    %d\n", *sub.Slot)
	}
	if sub.Source != nil {
		fmt.Fprintf(w, "  Source:  %s\n", *sub.Source)
	}
	if sub.FailureKind != nil {
		fmt.Fprintf(w, "  Kind:    %s\n", *sub.FailureKind)
	}
	if sub.Error != nil {
		fmt.Fprintf(w, "  Error:   %s\n", *sub.Error)
	}
	if sub.BatchID != nil {
		fmt.Fprintf(w, "  Batch:   %s", *sub.BatchID)
		if sub.BatchIndex != nil {
			fmt.Fprintf(w, " [%d]", *sub.BatchIndex)
		}
		fmt.Fprintln(w)
	}
}

func failureSuffix(sub *client.Submission) string {
	if sub.FailureKind == nil {
		return ""
	}
	return fmt.Sprintf(" (%s)", *sub.FailureKind)
}
