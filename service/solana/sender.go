package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/sendtx/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Sender submits signed transactions and waits for them to land.
// It wraps the RPC client with domain-specific operations.
type Sender struct {
	rpc        RPCClient
	subscriber SignatureSubscriber // nil means poll-only confirmation
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	retryUnit  time.Duration
}

// NewSender creates a new Sender.
// The endpoint parameter is used for metrics labeling. If subscriber is nil,
// confirmation relies on status polling alone. If metrics is nil, no metrics
// will be recorded.
func NewSender(
	rpcClient RPCClient,
	subscriber SignatureSubscriber,
	opts Options,
	endpoint string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sender{
		rpc:        rpcClient,
		subscriber: subscriber,
		opts:       opts.withDefaults(),
		logger:     logger,
		metrics:    m,
		endpoint:   endpoint,
		retryUnit:  time.Second,
	}
}

// Options returns the effective options of the sender.
func (s *Sender) Options() Options {
	return s.opts
}

// WithOptions returns a copy of the sender that uses opts instead.
func (s *Sender) WithOptions(opts Options) *Sender {
	cp := *s
	cp.opts = opts.withDefaults()
	return &cp
}

// Submit serializes a signed transaction and submits it. See SubmitRaw.
func (s *Sender) Submit(ctx context.Context, tx *solana.Transaction) (*SubmissionResult, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return s.SubmitRaw(ctx, raw)
}

// SubmitRaw submits the wire bytes of a signed transaction and waits until it
// is confirmed, fails, or the timeout elapses.
//
// While waiting, the same bytes are re-broadcast every RebroadcastInterval and
// confirmation is raced between a websocket subscription and a status poll.
// When the transaction fails on chain it is simulated to extract a program log
// line, which yields a *SimulationFailure; otherwise a *RawFailure is returned.
// ErrTimeout is returned when the budget runs out.
func (s *Sender) SubmitRaw(ctx context.Context, raw []byte) (*SubmissionResult, error) {
	start := time.Now()

	expected, err := SignatureFromRaw(raw)
	if err != nil {
		return nil, err
	}

	sig, err := s.sendRaw(ctx, raw, s.opts.SkipPreflight)
	if err != nil && isAlreadyProcessed(err) {
		// The bytes landed in an earlier submission; confirm them like any other.
		s.logger.InfoContext(ctx, "transaction already processed, awaiting its status",
			"signature", expected.String(),
		)
		sig, err = expected, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to submit transaction",
			"signature", expected.String(),
			"error", err,
		)
		s.recordOutcome("network_error", "", start)
		return nil, fmt.Errorf("failed to submit transaction: %w", err)
	}
	if !sig.Equals(expected) {
		s.logger.WarnContext(ctx, "RPC returned a different signature than the transaction carries",
			"expected", expected.String(),
			"returned", sig.String(),
		)
	}

	s.logger.DebugContext(ctx, "submitted transaction",
		"signature", sig.String(),
		"await_confirmation", s.opts.AwaitConfirmation,
	)

	if !s.opts.AwaitConfirmation {
		s.recordOutcome("submitted", "", start)
		return &SubmissionResult{Signature: sig.String()}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.rebroadcast(waitCtx, raw, sig)
	}()

	conf, err := s.awaitConfirmation(waitCtx, sig, start)
	cancel()
	wg.Wait()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.WarnContext(ctx, "timed out awaiting confirmation",
				"signature", sig.String(),
				"timeout", s.opts.Timeout,
			)
			s.recordOutcome(FailureKind(ErrTimeout), "", start)
			return nil, fmt.Errorf("%w: %s", ErrTimeout, sig.String())
		}
		s.recordOutcome("network_error", "", start)
		return nil, fmt.Errorf("failed awaiting confirmation: %w", err)
	}

	if conf.status.Err != nil {
		failure := s.diagnose(ctx, raw, sig, conf.status.Err)
		s.logger.WarnContext(ctx, "transaction failed",
			"signature", sig.String(),
			"source", conf.source,
			"kind", FailureKind(failure),
			"error", failure,
		)
		s.recordOutcome(FailureKind(failure), conf.source, start)
		return nil, failure
	}

	s.logger.InfoContext(ctx, "transaction confirmed",
		"signature", sig.String(),
		"slot", conf.status.Slot,
		"source", conf.source,
		"elapsed", time.Since(start),
	)
	s.recordOutcome("confirmed", conf.source, start)

	return &SubmissionResult{
		Signature: sig.String(),
		Slot:      conf.status.Slot,
		Source:    conf.source,
	}, nil
}

// confirmation is the outcome of the confirmation race.
type confirmation struct {
	status ConfirmationStatus
	source string
}

// completion is a single-writer completion signal: only the first resolve
// call delivers its value, later ones are dropped.
type completion struct {
	once sync.Once
	ch   chan confirmation
}

func newCompletion() *completion {
	return &completion{ch: make(chan confirmation, 1)}
}

func (c *completion) resolve(v confirmation) bool {
	won := false
	c.once.Do(func() {
		c.ch <- v
		won = true
	})
	return won
}

// awaitConfirmation races the websocket subscription against the status poll.
// It returns ctx.Err() when neither reports a definitive status in time.
func (s *Sender) awaitConfirmation(ctx context.Context, sig solana.Signature, start time.Time) (confirmation, error) {
	raceCtx, stop := context.WithCancel(ctx)
	defer stop()

	done := newCompletion()
	var wg sync.WaitGroup

	if s.subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.listen(raceCtx, sig, start, done)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.poll(raceCtx, sig, start, done)
	}()

	var (
		out confirmation
		err error
	)
	select {
	case out = <-done.ch:
	case <-ctx.Done():
		// A result that landed together with the deadline still counts.
		select {
		case out = <-done.ch:
		default:
			err = ctx.Err()
		}
	}

	stop()
	wg.Wait()
	return out, err
}

// listen waits for the push notification of sig. Failures to subscribe are
// logged and leave confirmation to the poll loop.
func (s *Sender) listen(ctx context.Context, sig solana.Signature, start time.Time, done *completion) {
	sub, err := s.subscriber.SubscribeSignature(ctx, sig, s.opts.Commitment)
	if err != nil {
		s.logger.WarnContext(ctx, "websocket subscription failed, relying on polling",
			"signature", sig.String(),
			"error", err,
		)
		return
	}
	defer sub.Unsubscribe()

	res, err := sub.Recv(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WarnContext(ctx, "websocket subscription ended without a result",
				"signature", sig.String(),
				"error", err,
			)
		}
		return
	}
	if res == nil {
		return
	}

	status := ConfirmationStatus{
		Slot:  res.Context.Slot,
		Err:   res.Value.Err,
		Level: rpc.ConfirmationStatusType(s.opts.Commitment),
	}
	if done.resolve(confirmation{status: status, source: SourceWebsocket}) {
		s.logger.DebugContext(ctx, "confirmation received from websocket",
			"signature", sig.String(),
			"slot", status.Slot,
			"elapsed", time.Since(start),
		)
	}
}

// poll queries the signature status right away and then every PollInterval
// until a definitive status shows up or ctx is done.
func (s *Sender) poll(ctx context.Context, sig solana.Signature, start time.Time, done *completion) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := s.GetStatus(ctx, sig)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.logger.DebugContext(ctx, "failed to poll signature status",
				"signature", sig.String(),
				"error", err,
			)
		case status == nil:
			// not seen yet
		case status.Err != nil || meetsCommitment(status, s.opts.Commitment):
			if done.resolve(confirmation{status: *status, source: SourcePoll}) {
				s.logger.DebugContext(ctx, "confirmation received from poll",
					"signature", sig.String(),
					"slot", status.Slot,
					"level", status.Level,
					"elapsed", time.Since(start),
				)
			}
			return
		default:
			s.logger.DebugContext(ctx, "transaction seen but not yet at commitment",
				"signature", sig.String(),
				"level", status.Level,
				"want", s.opts.Commitment,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// rebroadcast re-sends raw every RebroadcastInterval until ctx is done.
// The transaction id is derived from its content, so resending is idempotent.
func (s *Sender) rebroadcast(ctx context.Context, raw []byte, sig solana.Signature) {
	ticker := time.NewTicker(s.opts.RebroadcastInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		attempt++
		if _, err := s.sendRaw(ctx, raw, true); err != nil && ctx.Err() == nil {
			s.logger.DebugContext(ctx, "rebroadcast failed",
				"signature", sig.String(),
				"attempt", attempt,
				"error", err,
			)
		}
		if s.metrics != nil {
			s.metrics.RecordRebroadcast(s.endpoint)
		}
	}
}

// GetStatus returns the current status of sig, or nil when the cluster has not
// seen it.
func (s *Sender) GetStatus(ctx context.Context, sig solana.Signature) (*ConfirmationStatus, error) {
	start := time.Now()
	out, err := s.rpc.GetSignatureStatuses(ctx, sig)
	s.recordRPC("GetSignatureStatuses", err, start)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	v := out.Value[0]
	return &ConfirmationStatus{
		Slot:          v.Slot,
		Confirmations: v.Confirmations,
		Err:           v.Err,
		Level:         v.ConfirmationStatus,
	}, nil
}

func (s *Sender) sendRaw(ctx context.Context, raw []byte, skipPreflight bool) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       skipPreflight,
		PreflightCommitment: s.opts.Commitment,
	}
	start := time.Now()
	sig, err := s.rpc.SendRawTransaction(ctx, raw, opts)
	s.recordRPC("SendTransaction", err, start)
	return sig, err
}

func (s *Sender) recordRPC(method string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		if strings.Contains(err.Error(), "429") {
			s.metrics.RecordRateLimitHit(s.endpoint)
		}
	}
	s.metrics.RecordRPCCall(method, status, s.endpoint, time.Since(start).Seconds())
}

func (s *Sender) recordOutcome(outcome, source string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSubmission(outcome, source, s.endpoint, time.Since(start).Seconds())
}

// meetsCommitment reports whether status has reached the wanted level.
// A status with no confirmation level and nil confirmations is rooted.
func meetsCommitment(status *ConfirmationStatus, want rpc.CommitmentType) bool {
	rank := func(level string) int {
		switch level {
		case string(rpc.ConfirmationStatusProcessed):
			return 1
		case string(rpc.ConfirmationStatusConfirmed):
			return 2
		case string(rpc.ConfirmationStatusFinalized):
			return 3
		}
		return 0
	}

	have := rank(string(status.Level))
	if have == 0 && status.Confirmations == nil {
		have = rank(string(rpc.ConfirmationStatusFinalized))
	}
	need := rank(strings.ToLower(string(want)))
	if need == 0 {
		need = rank(string(rpc.ConfirmationStatusConfirmed))
	}
	return have >= need
}

// isAlreadyProcessed reports whether a send was rejected by preflight because
// the cluster has already seen the transaction.
func isAlreadyProcessed(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already been processed") || strings.Contains(msg, "alreadyprocessed")
}

// SignatureFromRaw decodes the transaction id (first signature) from wire bytes.
func SignatureFromRaw(raw []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return solana.Signature{}, ErrMissingSignature
	}
	return tx.Signatures[0], nil
}
