package client

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
)

// BatchOutcome is the outcome of one transaction of a batch.
type BatchOutcome struct {
	Index       int    `json:"index"`
	Signature   string `json:"signature"`
	Slot        uint64 `json:"slot,omitempty"`
	Status      string `json:"status"`
	Source      string `json:"source,omitempty"`
	Error       string `json:"error,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
}

// Batch is the progress of a batch submission.
type Batch struct {
	BatchID   string          `json:"batch_id"`
	Network   string          `json:"network"`
	Sequence  string          `json:"sequence"`
	Status    string          `json:"status"` // running, completed, stopped
	Total     int             `json:"total"`
	Submitted int             `json:"submitted"`
	Failed    int             `json:"failed"`
	Outcomes  []*BatchOutcome `json:"outcomes"`
}

// StartBatch submits signed transactions as one batch and returns its ID.
// Sequence is parallel, sequential or stop-on-failure; empty means parallel.
func (c *Client) StartBatch(ctx context.Context, txs [][]byte, sequence string) (string, error) {
	encoded := make([]string, len(txs))
	for i, raw := range txs {
		encoded[i] = base64.StdEncoding.EncodeToString(raw)
	}

	req, err := c.newRequest(ctx, "POST", "/api/v1/batches", map[string]interface{}{
		"transactions": encoded,
		"sequence":     sequence,
	})
	if err != nil {
		return "", err
	}

	var response struct {
		BatchID string `json:"batch_id"`
	}
	if err := c.doJSON(req, http.StatusAccepted, &response); err != nil {
		return "", err
	}

	c.logger.Debug("batch started", "batch_id", response.BatchID, "count", len(txs))
	return response.BatchID, nil
}

// GetBatch reports the progress of a batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	req, err := c.newRequest(ctx, "GET", "/api/v1/batches/"+url.PathEscape(batchID), nil)
	if err != nil {
		return nil, err
	}

	var batch Batch
	if err := c.doJSON(req, http.StatusOK, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}
