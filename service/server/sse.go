package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/sendtx/service/metrics"
	natspkg "github.com/brojonat/sendtx/service/nats"
)

// sseKeepalive is how often a comment is written to idle streams.
var sseKeepalive = 10 * time.Second

// handleStreamSubmissions handles SSE streaming of submission outcomes.
// The optional status query parameter narrows the stream to one status.
// GET /api/v1/stream/submissions?status={status}
func handleStreamSubmissions(events natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if err := validateStatus(status); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		subject := natspkg.SubjectForStatus(status)

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"subject", subject,
			"remote_addr", r.RemoteAddr,
		)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Create buffered channel for events
		eventChan := make(chan *natspkg.SubmissionEvent, 10)
		doneChan := make(chan error, 1)

		go func() {
			doneChan <- events.Subscribe(ctx, subject, func(event *natspkg.SubmissionEvent) {
				select {
				case eventChan <- event:
				case <-ctx.Done():
				}
			})
		}()

		// Send initial connection event
		fmt.Fprintf(w, "event: connected\ndata: {\"subject\":%q}\n\n", subject)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		// Stream events to client
		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case event := <-eventChan:
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "error", err)
					continue
				}

				fmt.Fprintf(w, "event: submission\ndata: %s\n\n", data)
				flusher.Flush()
				if m != nil {
					m.RecordSSEEventSent("submission")
				}

				logger.DebugContext(ctx, "sent submission event",
					"signature", event.Signature,
					"status", event.Status,
				)

			case err := <-doneChan:
				if err != nil {
					logger.ErrorContext(ctx, "failed to subscribe", "subject", subject, "error", err)
					fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
					flusher.Flush()
				}
				return

			case <-r.Context().Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"subject", subject,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}

