package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natspkg "github.com/brojonat/sendtx/service/nats"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// streamFlags are shared by the NATS and SSE stream commands.
func streamFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "status",
			Usage: "Only show submissions with this status (pending, confirmed, failed, timeout)",
		},
		&cli.StringSliceFlag{
			Name:  "filter",
			Usage: "jq expression an event must satisfy (repeatable, all must match)",
		},
		&cli.IntFlag{
			Name:  "count",
			Usage: "Exit after this many matching events (0 streams forever)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Exit after this long (0 streams forever)",
		},
	}
}

// eventPrinter prints matching submission events until enough were seen.
type eventPrinter struct {
	w       io.Writer
	json    bool
	filters []*gojq.Code
	limit   int
	seen    int
}

func newEventPrinter(c *cli.Context) (*eventPrinter, error) {
	filters := make([]*gojq.Code, 0, len(c.StringSlice("filter")))
	for _, expr := range c.StringSlice("filter") {
		code, err := compileJQ(expr)
		if err != nil {
			return nil, err
		}
		filters = append(filters, code)
	}
	return &eventPrinter{
		w:       c.App.Writer,
		json:    jsonOutput(c),
		filters: filters,
		limit:   c.Int("count"),
	}, nil
}

// handle prints event if it matches and reports whether the limit was reached.
func (p *eventPrinter) handle(event *natspkg.SubmissionEvent) bool {
	if !matchesFilters(p.filters, event) {
		return false
	}
	p.seen++

	if p.json {
		data, _ := json.Marshal(event)
		fmt.Fprintln(p.w, string(data))
	} else {
		printEvent(p.w, event)
	}
	return p.limit > 0 && p.seen >= p.limit
}

func printEvent(w io.Writer, event *natspkg.SubmissionEvent) {
	mark := "✓"
	if event.Status != "confirmed" {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s %s\n", mark, event.Status, event.Signature)
	if event.Slot != nil {
		fmt.Fprintf(w, "   Slot:     %d\n", *event.Slot)
	}
	if event.Source != "" {
		fmt.Fprintf(w, "   Source:   %s\n", event.Source)
	}
	if event.FailureKind != "" {
		fmt.Fprintf(w, "   Kind:     %s\n", event.FailureKind)
	}
	if event.Error != "" {
		fmt.Fprintf(w, "   Error:    %s\n", event.Error)
	}
	if event.BatchID != "" {
		fmt.Fprintf(w, "   Batch:    %s\n", event.BatchID)
	}
	fmt.Fprintf(w, "   Duration: %dms\n", event.DurationMS)
	fmt.Fprintf(w, "   Published: %s\n\n", event.PublishedAt.Format(time.RFC3339))
}

// streamContext cancels on interrupt and after the optional timeout.
func streamContext(c *cli.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	if timeout := c.Duration("timeout"); timeout > 0 {
		timeoutCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
		return timeoutCtx, func() {
			timeoutCancel()
			cancel()
		}
	}
	return ctx, cancel
}

// subscribeCommand subscribes to submission outcomes on NATS.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to submission outcomes published to NATS",
		Description: `Subscribe to submission outcomes published to NATS JetStream.

Outcomes are published to the subject submissions.{status}. Use --status to
follow one status and --filter to match on any event field.

Example:
  sendtx nats subscribe --status failed --filter '.failure_kind == "simulation_failure"' --json`,
		Flags: streamFlags(),
		Action: func(c *cli.Context) error {
			status := c.String("status")
			printer, err := newEventPrinter(c)
			if err != nil {
				return err
			}

			subscriber, err := natspkg.NewSubscriber(c.String("nats-url"), cliLogger())
			if err != nil {
				return err
			}
			defer subscriber.Close()

			ctx, cancel := streamContext(c)
			defer cancel()

			subject := natspkg.SubjectForStatus(status)
			if !printer.json {
				fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(os.Stderr, "   NATS: %s\n\n", c.String("nats-url"))
			}

			return subscriber.Subscribe(ctx, subject, func(event *natspkg.SubmissionEvent) {
				if printer.handle(event) {
					cancel()
				}
			})
		},
	}
}

// streamCommand follows submission outcomes over the server's SSE endpoint.
func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream submission outcomes via SSE (HTTP)",
		Flags: streamFlags(),
		Action: func(c *cli.Context) error {
			printer, err := newEventPrinter(c)
			if err != nil {
				return err
			}

			endpoint := c.String("server-url") + "/api/v1/stream/submissions"
			if status := c.String("status"); status != "" {
				endpoint += "?status=" + url.QueryEscape(status)
			}

			ctx, cancel := streamContext(c)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			client := &http.Client{
				Timeout: 0, // No timeout for streaming
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			// Read SSE events
			scanner := bufio.NewScanner(resp.Body)
			var currentEvent, currentData string

			for scanner.Scan() {
				line := scanner.Text()

				// Empty line indicates end of event
				if line == "" {
					if currentEvent != "" {
						done, err := handleSSEEvent(printer, currentEvent, currentData)
						if err != nil {
							return err
						}
						if done {
							return nil
						}
					}
					currentEvent = ""
					currentData = ""
					continue
				}

				if strings.HasPrefix(line, "event:") {
					currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				} else if strings.HasPrefix(line, "data:") {
					currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				}
			}

			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("error reading SSE stream: %w", err)
			}
			return nil
		},
	}
}

// handleSSEEvent handles one SSE event and reports whether streaming is done.
func handleSSEEvent(printer *eventPrinter, eventType, data string) (bool, error) {
	switch eventType {
	case "connected":
		if !printer.json {
			var info struct {
				Subject string `json:"subject"`
			}
			if err := json.Unmarshal([]byte(data), &info); err == nil {
				fmt.Fprintf(os.Stderr, "✓ Subscribed to %s\n\n", info.Subject)
			}
		}
		return false, nil

	case "submission":
		var event natspkg.SubmissionEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
			return false, nil
		}
		return printer.handle(&event), nil

	case "error":
		var errInfo map[string]interface{}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return true, fmt.Errorf("server error: %s", data)
		}
		return true, fmt.Errorf("server error: %v", errInfo["error"])

	default:
		// Unknown event type, ignore
		return false, nil
	}
}
