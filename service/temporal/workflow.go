package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/sendtx/service/db"
	"github.com/brojonat/sendtx/service/solana"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// BatchProgressQuery is the query type that returns the current SendBatchResult.
const BatchProgressQuery = "progress"

// Batch statuses reported by SendBatchResult.
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchStopped   = "stopped"
)

// SendBatchInput contains the signed transactions of a batch.
type SendBatchInput struct {
	Network      string   `json:"network"`
	Transactions [][]byte `json:"transactions"` // wire bytes of signed transactions, in order
	Sequence     string   `json:"sequence"`     // parallel, sequential or stop-on-failure
}

// SendBatchResult reports the submissions of a batch.
type SendBatchResult struct {
	BatchID   string                     `json:"batch_id"`
	Network   string                     `json:"network"`
	Sequence  string                     `json:"sequence"`
	Status    string                     `json:"status"`
	Total     int                        `json:"total"`
	Submitted int                        `json:"submitted"` // groups whose submission was attempted
	Failed    int                        `json:"failed"`
	Outcomes  []*SubmitTransactionResult `json:"outcomes"`
}

// SendBatchWorkflow submits the transactions of a batch following the
// requested sequencing policy:
//
//   - parallel: every submission is started at once; none waits on another
//   - sequential: each submission finishes before the next starts; failures
//     are reported and the batch goes on
//   - stop-on-failure: sequential, but the remaining transactions are skipped
//     after the first failure
//
// The progress query returns the result so far while the batch runs.
func SendBatchWorkflow(ctx workflow.Context, input SendBatchInput) (*SendBatchResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)

	seq, err := solana.ParseSequence(input.Sequence)
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidSequence", nil)
	}
	if len(input.Transactions) == 0 {
		return nil, temporalsdk.NewNonRetryableApplicationError("batch has no transactions", "EmptyBatch", nil)
	}

	result := &SendBatchResult{
		BatchID:  info.WorkflowExecution.ID,
		Network:  input.Network,
		Sequence: seq.String(),
		Status:   BatchRunning,
		Total:    len(input.Transactions),
		Outcomes: make([]*SubmitTransactionResult, 0, len(input.Transactions)),
	}

	if err := workflow.SetQueryHandler(ctx, BatchProgressQuery, func() (*SendBatchResult, error) {
		return result, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register progress query: %w", err)
	}

	logger.Info("SendBatchWorkflow started",
		"batch_id", result.BatchID,
		"network", input.Network,
		"sequence", result.Sequence,
		"count", result.Total,
	)

	// The activity budget covers the submit timeout plus diagnosis. Submission
	// failures are outcomes, so retries only cover storage errors.
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	submitInput := func(i int) SubmitTransactionInput {
		return SubmitTransactionInput{
			Network:     input.Network,
			Transaction: input.Transactions[i],
			BatchID:     result.BatchID,
			Index:       i,
			Sequence:    result.Sequence,
		}
	}

	record := func(i int, future workflow.Future) *SubmitTransactionResult {
		var outcome *SubmitTransactionResult
		if err := future.Get(ctx, &outcome); err != nil || outcome == nil {
			logger.Error("submit activity failed",
				"batch_id", result.BatchID,
				"index", i,
				"error", err,
			)
			outcome = &SubmitTransactionResult{
				Index:       i,
				Status:      db.StatusFailed,
				Error:       fmt.Sprint(err),
				FailureKind: "activity_error",
			}
		}
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Failed() {
			result.Failed++
		}
		return outcome
	}

	switch seq {
	case solana.Parallel:
		futures := make([]workflow.Future, len(input.Transactions))
		for i := range input.Transactions {
			futures[i] = workflow.ExecuteActivity(ctx, a.SubmitTransaction, submitInput(i))
		}
		result.Submitted = len(futures)
		for i, future := range futures {
			record(i, future)
		}
		result.Status = BatchCompleted

	default:
		result.Status = BatchCompleted
		for i := range input.Transactions {
			result.Submitted++
			outcome := record(i, workflow.ExecuteActivity(ctx, a.SubmitTransaction, submitInput(i)))
			if outcome.Failed() && seq == solana.StopOnFailure {
				logger.Warn("stopping batch after failure",
					"batch_id", result.BatchID,
					"index", i,
					"remaining", len(input.Transactions)-i-1,
				)
				result.Status = BatchStopped
				break
			}
		}
	}

	// Metrics only; a failure here must not fail the batch.
	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporalsdk.RetryPolicy{MaximumAttempts: 1},
	})
	_ = workflow.ExecuteActivity(recordCtx, a.RecordBatchCompletion, RecordBatchCompletionInput{
		Sequence:  result.Sequence,
		Status:    result.Status,
		StartedAt: info.WorkflowStartTime,
	}).Get(ctx, nil)

	logger.Info("SendBatchWorkflow completed",
		"batch_id", result.BatchID,
		"status", result.Status,
		"submitted", result.Submitted,
		"failed", result.Failed,
	)

	return result, nil
}

// PruneSubmissionsWorkflow deletes old finished submissions. It is triggered
// by a Temporal schedule.
func PruneSubmissionsWorkflow(ctx workflow.Context, input PruneSubmissionsInput) (*PruneSubmissionsResult, error) {
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var result *PruneSubmissionsResult
	if err := workflow.ExecuteActivity(ctx, a.PruneSubmissions, input).Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to prune submissions: %w", err)
	}

	logger.Info("PruneSubmissionsWorkflow completed", "deleted", result.Deleted)
	return result, nil
}
