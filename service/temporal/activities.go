package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/sendtx/service/db"
	"github.com/brojonat/sendtx/service/metrics"
	natspkg "github.com/brojonat/sendtx/service/nats"
	"github.com/brojonat/sendtx/service/solana"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// SubmitTransactionInput contains the parameters for submitting one signed transaction.
type SubmitTransactionInput struct {
	Network     string `json:"network"`
	Transaction []byte `json:"transaction"` // wire bytes of a signed transaction
	BatchID     string `json:"batch_id,omitempty"`
	Index       int    `json:"index"`
	Sequence    string `json:"sequence,omitempty"`
}

// SubmitTransactionResult is the recorded outcome of one submission.
type SubmitTransactionResult struct {
	Index       int    `json:"index"`
	Signature   string `json:"signature"`
	Slot        uint64 `json:"slot,omitempty"`
	Status      string `json:"status"`
	Source      string `json:"source,omitempty"`
	Error       string `json:"error,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
}

// Failed reports whether the transaction did not confirm.
func (r *SubmitTransactionResult) Failed() bool {
	return r.Status != db.StatusConfirmed
}

// PruneSubmissionsInput contains the parameters for the PruneSubmissions activity.
type PruneSubmissionsInput struct {
	Retention time.Duration `json:"retention"`
}

// PruneSubmissionsResult contains the result of pruning old submissions.
type PruneSubmissionsResult struct {
	Deleted int64 `json:"deleted"`
}

// RecordBatchCompletionInput describes a finished batch for metrics.
type RecordBatchCompletionInput struct {
	Sequence  string    `json:"sequence"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	CreateSubmission(context.Context, db.CreateSubmissionParams) (*db.Submission, error)
	UpdateSubmissionOutcome(context.Context, db.UpdateSubmissionOutcomeParams) (*db.Submission, error)
	DeleteSubmissionsOlderThan(context.Context, time.Time) (int64, error)
}

// SenderInterface defines the submission operation needed by activities.
type SenderInterface interface {
	SubmitRaw(ctx context.Context, raw []byte) (*solana.SubmissionResult, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishSubmission(ctx context.Context, event *natspkg.SubmissionEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	store     StoreInterface
	sender    SenderInterface
	publisher PublisherInterface
	network   string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// The sender submits to network; inputs for any other network are rejected.
// If publisher or metrics is nil, events and metrics are skipped.
func NewActivities(
	store StoreInterface,
	sender SenderInterface,
	publisher PublisherInterface,
	network string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		sender:    sender,
		publisher: publisher,
		network:   network,
		metrics:   m,
		logger:    logger,
	}
}

// SubmitTransaction records the submission as pending, submits it, and
// records and publishes the outcome.
//
// Submission failures (timeout, simulation or raw failure, network errors) are
// outcomes, not activity errors, so Temporal never retries them. Only storage
// failures fail the activity. A submission that is already confirmed is
// returned as recorded without being sent again.
func (a *Activities) SubmitTransaction(ctx context.Context, input SubmitTransactionInput) (*SubmitTransactionResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("SubmitTransaction", input.Network, time.Since(start).Seconds())
		}
	}()

	if input.Network != a.network {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("network %q is not served by this worker (serving %q)", input.Network, a.network),
			"UnsupportedNetwork", nil)
	}

	sig, err := solana.SignatureFromRaw(input.Transaction)
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid transaction at index %d: %v", input.Index, err),
			"InvalidTransaction", err)
	}

	params := db.CreateSubmissionParams{
		Signature: sig.String(),
		Network:   input.Network,
	}
	if input.BatchID != "" {
		batchIndex := int32(input.Index)
		params.BatchID = &input.BatchID
		params.BatchIndex = &batchIndex
	}
	existing, err := a.store.CreateSubmission(ctx, params)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to record submission",
			"signature", sig.String(),
			"error", err,
		)
		return nil, fmt.Errorf("failed to record submission: %w", err)
	}
	if existing.Status == db.StatusConfirmed {
		// Already landed and recorded, e.g. by an earlier attempt of this activity.
		a.logger.InfoContext(ctx, "transaction already confirmed, not resubmitting",
			"signature", sig.String(),
			"batch_id", input.BatchID,
			"index", input.Index,
		)
		if a.metrics != nil && input.BatchID != "" {
			a.metrics.RecordBatchGroup(input.Sequence, "success")
		}
		return resultFromSubmission(input.Index, existing), nil
	}

	res, submitErr := a.sender.SubmitRaw(ctx, input.Transaction)
	outcome := OutcomeParams(sig.String(), input.Network, res, submitErr)

	sub, err := a.store.UpdateSubmissionOutcome(ctx, outcome)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to record submission outcome",
			"signature", sig.String(),
			"status", outcome.Status,
			"error", err,
		)
		return nil, fmt.Errorf("failed to record submission outcome: %w", err)
	}

	if a.publisher != nil {
		if err := a.publisher.PublishSubmission(ctx, natspkg.FromSubmission(sub)); err != nil {
			// Don't fail the activity for this - the outcome is recorded
			a.logger.WarnContext(ctx, "failed to publish submission event",
				"signature", sig.String(),
				"error", err,
			)
		}
	}

	if a.metrics != nil && input.BatchID != "" {
		status := "success"
		if submitErr != nil {
			status = "error"
		}
		a.metrics.RecordBatchGroup(input.Sequence, status)
	}

	result := resultFromSubmission(input.Index, sub)
	a.logger.InfoContext(ctx, "submitted transaction",
		"signature", result.Signature,
		"batch_id", input.BatchID,
		"index", input.Index,
		"status", result.Status,
		"failure_kind", result.FailureKind,
	)
	return result, nil
}

// PruneSubmissions deletes finished submissions older than the retention period.
func (a *Activities) PruneSubmissions(ctx context.Context, input PruneSubmissionsInput) (*PruneSubmissionsResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("PruneSubmissions", a.network, time.Since(start).Seconds())
		}
	}()

	if input.Retention <= 0 {
		return nil, temporalsdk.NewNonRetryableApplicationError("retention must be positive", "InvalidRetention", nil)
	}

	cutoff := time.Now().Add(-input.Retention)
	deleted, err := a.store.DeleteSubmissionsOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune submissions: %w", err)
	}

	a.logger.InfoContext(ctx, "pruned submissions",
		"cutoff", cutoff,
		"deleted", deleted,
	)
	return &PruneSubmissionsResult{Deleted: deleted}, nil
}

// RecordBatchCompletion records the duration of a finished batch workflow.
func (a *Activities) RecordBatchCompletion(ctx context.Context, input RecordBatchCompletionInput) error {
	if a.metrics != nil {
		a.metrics.RecordWorkflowDuration(input.Sequence, input.Status, time.Since(input.StartedAt).Seconds())
	}
	return nil
}

// OutcomeParams converts the result of a submission into the outcome to store.
func OutcomeParams(signature, network string, res *solana.SubmissionResult, err error) db.UpdateSubmissionOutcomeParams {
	params := db.UpdateSubmissionOutcomeParams{
		Signature: signature,
		Network:   network,
	}

	if err == nil {
		params.Status = db.StatusConfirmed
		if res != nil {
			if res.Slot > 0 {
				slot := int64(res.Slot)
				params.Slot = &slot
			}
			if res.Source != "" {
				source := res.Source
				params.Source = &source
			}
			if res.Slot == 0 && res.Source == "" {
				// Confirmation was not awaited.
				params.Status = db.StatusPending
			}
		}
		return params
	}

	params.Status = db.StatusFailed
	if errors.Is(err, solana.ErrTimeout) {
		params.Status = db.StatusTimeout
	}
	msg := err.Error()
	var simErr *solana.SimulationFailure
	if errors.As(err, &simErr) {
		msg = simErr.Message
	}
	kind := solana.FailureKind(err)
	params.Error = &msg
	params.FailureKind = &kind
	return params
}

func resultFromSubmission(index int, sub *db.Submission) *SubmitTransactionResult {
	result := &SubmitTransactionResult{
		Index:     index,
		Signature: sub.Signature,
		Status:    sub.Status,
	}
	if sub.Slot != nil {
		result.Slot = uint64(*sub.Slot)
	}
	if sub.Source != nil {
		result.Source = *sub.Source
	}
	if sub.Error != nil {
		result.Error = *sub.Error
	}
	if sub.FailureKind != nil {
		result.FailureKind = *sub.FailureKind
	}
	return result
}
