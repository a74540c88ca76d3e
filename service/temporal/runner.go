package temporal

import "context"

// BatchRunner starts batch submissions and reports on them.
// *Client implements it against Temporal.
type BatchRunner interface {
	// StartBatch starts submitting the batch and returns its ID.
	StartBatch(ctx context.Context, input SendBatchInput) (string, error)

	// GetBatchResult returns the progress or final result of a batch.
	GetBatchResult(ctx context.Context, batchID string) (*SendBatchResult, error)
}

var _ BatchRunner = (*Client)(nil)
