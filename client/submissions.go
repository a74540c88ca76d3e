package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Submission is the recorded outcome of one transaction submission.
type Submission struct {
	Signature   string    `json:"signature"`
	Network     string    `json:"network"`
	Status      string    `json:"status"` // pending, confirmed, failed, timeout
	Slot        *int64    `json:"slot,omitempty"`
	Error       *string   `json:"error,omitempty"`
	FailureKind *string   `json:"failure_kind,omitempty"`
	Source      *string   `json:"source,omitempty"`
	BatchID     *string   `json:"batch_id,omitempty"`
	BatchIndex  *int32    `json:"batch_index,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SubmissionError is returned by Submit when the transaction was accepted
// for submission but did not confirm. The recorded submission explains why.
type SubmissionError struct {
	StatusCode int
	Submission *Submission
}

func (e *SubmissionError) Error() string {
	kind := "unknown"
	if e.Submission.FailureKind != nil {
		kind = *e.Submission.FailureKind
	}
	msg := ""
	if e.Submission.Error != nil {
		msg = *e.Submission.Error
	}
	return fmt.Sprintf("transaction %s %s (%s): %s", e.Submission.Signature, e.Submission.Status, kind, msg)
}

// ListOptions filters and paginates ListSubmissions. Zero values are omitted.
type ListOptions struct {
	Network string
	Status  string
	BatchID string
	Limit   int
	Offset  int
}

// SimulationReport is the result of a dry run.
type SimulationReport struct {
	Err           interface{} `json:"err,omitempty"`
	Logs          []string    `json:"logs,omitempty"`
	UnitsConsumed *uint64     `json:"units_consumed,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// TransactionDetails describes a landed transaction.
type TransactionDetails struct {
	Signature   string      `json:"signature"`
	Slot        uint64      `json:"slot"`
	BlockTime   *time.Time  `json:"block_time,omitempty"`
	Fee         uint64      `json:"fee"`
	Err         interface{} `json:"err,omitempty"`
	Logs        []string    `json:"logs,omitempty"`
	Memo        *string     `json:"memo,omitempty"`
	Amount      uint64      `json:"amount,omitempty"`
	TokenMint   *string     `json:"token_mint,omitempty"`
	FromAddress *string     `json:"from_address,omitempty"`
	ToAddress   *string     `json:"to_address,omitempty"`
}

// SignatureStatus is the cluster's view of a signature.
type SignatureStatus struct {
	Signature          string              `json:"signature"`
	Slot               uint64              `json:"slot"`
	Confirmations      *uint64             `json:"confirmations"`
	ConfirmationStatus string              `json:"confirmation_status"`
	Err                interface{}         `json:"err,omitempty"`
	Details            *TransactionDetails `json:"details,omitempty"`
}

// Submit sends signed transaction wire bytes and waits for the outcome.
// A transaction that failed or timed out returns the recorded submission
// together with a *SubmissionError.
func (c *Client) Submit(ctx context.Context, raw []byte) (*Submission, error) {
	req, err := c.newRequest(ctx, "POST", "/api/v1/transactions", map[string]string{
		"transaction": base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var sub Submission
		if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		c.logger.Debug("transaction confirmed", "signature", sub.Signature, "slot", sub.Slot)
		return &sub, nil

	case http.StatusUnprocessableEntity, http.StatusGatewayTimeout, http.StatusBadGateway:
		body, _ := io.ReadAll(resp.Body)
		var sub Submission
		if err := json.Unmarshal(body, &sub); err != nil || sub.Signature == "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		}
		c.logger.Debug("transaction not confirmed", "signature", sub.Signature, "status", sub.Status)
		return &sub, &SubmissionError{StatusCode: resp.StatusCode, Submission: &sub}

	default:
		return nil, c.parseErrorResponse(resp)
	}
}

// GetSubmission retrieves a recorded submission. An empty network means the
// server's network.
func (c *Client) GetSubmission(ctx context.Context, signature, network string) (*Submission, error) {
	path := "/api/v1/transactions/" + url.PathEscape(signature)
	if network != "" {
		path += "?network=" + url.QueryEscape(network)
	}
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var sub Submission
	if err := c.doJSON(req, http.StatusOK, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubmissions retrieves recorded submissions.
func (c *Client) ListSubmissions(ctx context.Context, opts ListOptions) ([]*Submission, error) {
	query := url.Values{}
	if opts.Network != "" {
		query.Set("network", opts.Network)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.BatchID != "" {
		query.Set("batch_id", opts.BatchID)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/transactions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Submissions []*Submission `json:"submissions"`
	}
	if err := c.doJSON(req, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Submissions, nil
}

// Stats returns the number of recorded submissions per status.
func (c *Client) Stats(ctx context.Context, network string) (map[string]int64, error) {
	path := "/api/v1/stats"
	if network != "" {
		path += "?network=" + url.QueryEscape(network)
	}
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Counts map[string]int64 `json:"counts"`
	}
	if err := c.doJSON(req, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Counts, nil
}

// Simulate dry-runs signed transaction wire bytes.
func (c *Client) Simulate(ctx context.Context, raw []byte) (*SimulationReport, error) {
	req, err := c.newRequest(ctx, "POST", "/api/v1/simulate", map[string]string{
		"transaction": base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, err
	}

	var report SimulationReport
	if err := c.doJSON(req, http.StatusOK, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// GetStatus looks up the cluster status of a signature. With details set the
// landed transaction is described too, once it is available.
func (c *Client) GetStatus(ctx context.Context, signature string, details bool) (*SignatureStatus, error) {
	path := "/api/v1/status/" + url.PathEscape(signature)
	if details {
		path += "?details=true"
	}
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var status SignatureStatus
	if err := c.doJSON(req, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
