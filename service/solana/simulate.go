package solana

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SimulationReport is the diagnostic view of a simulateTransaction call.
type SimulationReport struct {
	Err           interface{} `json:"err,omitempty"`
	Logs          []string    `json:"logs,omitempty"`
	UnitsConsumed *uint64     `json:"units_consumed,omitempty"`
	Message       string      `json:"message,omitempty"` // last log line carrying the marker, marker stripped
}

// Failed reports whether the simulation ended in an error.
func (r *SimulationReport) Failed() bool {
	return r != nil && r.Err != nil
}

// Simulate dry-runs the signed transaction against the RPC endpoint.
func (s *Sender) Simulate(ctx context.Context, raw []byte) (*SimulationReport, error) {
	opts := &rpc.SimulateTransactionOpts{
		Commitment: s.opts.Commitment,
	}

	start := time.Now()
	out, err := s.rpc.SimulateRawTransaction(ctx, raw, opts)
	s.recordRPC("SimulateTransaction", err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to simulate transaction: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("failed to simulate transaction: empty response")
	}

	report := &SimulationReport{
		Err:           out.Value.Err,
		Logs:          out.Value.Logs,
		UnitsConsumed: out.Value.UnitsConsumed,
	}
	if msg, ok := ExtractLogMessage(report.Logs, s.opts.LogMarker); ok {
		report.Message = msg
	}
	return report, nil
}

// ExtractLogMessage scans logs from the last line backwards and returns the
// text following marker on the first line that starts with it.
func ExtractLogMessage(logs []string, marker string) (string, bool) {
	if marker == "" {
		marker = DefaultLogMarker
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if strings.HasPrefix(logs[i], marker) {
			return strings.TrimPrefix(logs[i], marker), true
		}
	}
	return "", false
}

// diagnose turns an on-chain failure into a *SimulationFailure when a
// simulation of the same bytes yields a marked log line, and into a
// *RawFailure otherwise.
func (s *Sender) diagnose(ctx context.Context, raw []byte, sig solana.Signature, confErr interface{}) error {
	// The submission budget may be spent already; simulation gets its own.
	simCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PollInterval*5)
	defer cancel()

	report, err := s.Simulate(simCtx, raw)
	if err != nil {
		s.logger.WarnContext(ctx, "simulation after failure did not complete",
			"signature", sig.String(),
			"error", err,
		)
		return &RawFailure{Signature: sig.String(), Err: confErr}
	}

	if report.Failed() && report.Message != "" {
		return &SimulationFailure{Signature: sig.String(), Message: report.Message}
	}
	return &RawFailure{
		Signature:     sig.String(),
		Err:           confErr,
		SimulationErr: report.Err,
	}
}
