package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// lookupAttempts bounds getTransaction retries.
const lookupAttempts = 3

// GetTransaction fetches a landed transaction and describes it. It returns
// ErrTransactionNotFound when the cluster has no record of sig at the
// sender's commitment.
func (s *Sender) GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionDetails, error) {
	// getTransaction does not serve processed.
	commitment := s.opts.Commitment
	if commitment == rpc.CommitmentProcessed {
		commitment = rpc.CommitmentConfirmed
	}

	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var (
		result *rpc.GetTransactionResult
		err    error
	)
	for attempt := 0; attempt < lookupAttempts; attempt++ {
		start := time.Now()
		result, err = s.rpc.GetTransaction(ctx, sig, opts)
		s.recordRPC("GetTransaction", err, start)
		if err == nil || errors.Is(err, rpc.ErrNotFound) {
			break
		}

		// Nodes without versioned transaction support reject the version field.
		// The legacy retry does not use up an attempt.
		if opts.MaxSupportedTransactionVersion != nil && strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			s.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
				"signature", sig.String(),
			)
			s.recordRetry("GetTransaction", "parse_error")
			opts.MaxSupportedTransactionVersion = nil
			attempt--
			continue
		}

		if attempt == lookupAttempts-1 {
			break
		}

		reason := "timeout_or_error"
		backoff := time.Duration(1<<uint(attempt)) * s.retryUnit // 1s, 2s
		if strings.Contains(err.Error(), "429") {
			reason = "rate_limit"
			backoff = time.Duration(2<<uint(attempt)) * s.retryUnit // 2s, 4s
		}
		s.logger.WarnContext(ctx, "failed to get transaction on attempt",
			"signature", sig.String(),
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		s.recordRetry("GetTransaction", reason)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if errors.Is(err, rpc.ErrNotFound) || (err == nil && result == nil) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, sig.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig.String(), err)
	}

	return detailsFromResult(sig, result)
}

func (s *Sender) recordRetry(method, reason string) {
	if s.metrics != nil {
		s.metrics.RecordRPCRetry(method, reason)
	}
}
