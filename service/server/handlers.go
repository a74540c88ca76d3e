package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/brojonat/sendtx/service/db"
	natspkg "github.com/brojonat/sendtx/service/nats"
	"github.com/brojonat/sendtx/service/solana"
	"github.com/brojonat/sendtx/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - a signed transaction is at most 1232 bytes
	maxBatchSize       = 100
	maxSignatureLength = 100 // base58 signatures are 87 or 88 chars, give buffer
	defaultListLimit   = 100
	maxListLimit       = 1000

	outcomeWriteTimeout = 10 * time.Second
)

var (
	// Valid Solana signature characters: base58 (no 0, O, I, l)
	validSignatureRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// submitRequest is the body of POST /api/v1/transactions and POST /api/v1/simulate.
type submitRequest struct {
	Transaction string `json:"transaction"` // base64 wire bytes of a signed transaction
	Network     string `json:"network,omitempty"`
}

// batchRequest is the body of POST /api/v1/batches.
type batchRequest struct {
	Transactions []string `json:"transactions"` // base64 wire bytes, in order
	Sequence     string   `json:"sequence"`
	Network      string   `json:"network,omitempty"`
}

// submissionResponse is the JSON response format for a submission.
type submissionResponse struct {
	Signature   string    `json:"signature"`
	Network     string    `json:"network"`
	Status      string    `json:"status"`
	Slot        *int64    `json:"slot,omitempty"`
	Error       *string   `json:"error,omitempty"`
	FailureKind *string   `json:"failure_kind,omitempty"`
	Source      *string   `json:"source,omitempty"`
	BatchID     *string   `json:"batch_id,omitempty"`
	BatchIndex  *int32    `json:"batch_index,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// statusResponse is the JSON response format for a signature status lookup.
type statusResponse struct {
	Signature          string                     `json:"signature"`
	Slot               uint64                     `json:"slot"`
	Confirmations      *uint64                    `json:"confirmations"`
	ConfirmationStatus string                     `json:"confirmation_status"`
	Err                interface{}                `json:"err,omitempty"`
	Details            *solana.TransactionDetails `json:"details,omitempty"`
}

// handleSubmitTransaction returns a handler that submits a signed transaction
// and waits for its outcome. The outcome is recorded and published either way.
// POST /api/v1/transactions
func handleSubmitTransaction(store SubmissionStore, sender Submitter, publisher natspkg.Publisher, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validateNetwork(req.Network, network); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		raw, sig, err := decodeTransaction(req.Transaction)
		if err != nil {
			logger.Debug("invalid transaction", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// A client that hangs up must not strand the row as pending: the send may
		// already be on the wire, so its outcome is recorded regardless.
		ctx := context.WithoutCancel(r.Context())

		existing, err := store.CreateSubmission(ctx, db.CreateSubmissionParams{
			Signature: sig.String(),
			Network:   network,
		})
		if err != nil {
			logger.Error("failed to record submission", "signature", sig.String(), "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if existing.Status == db.StatusConfirmed {
			logger.Info("transaction already confirmed, not resubmitting", "signature", sig.String())
			writeJSON(w, submissionToResponse(existing), http.StatusOK)
			return
		}

		// SubmitRaw bounds its own wait by the sender timeout.
		res, submitErr := sender.SubmitRaw(ctx, raw)

		writeCtx, cancel := context.WithTimeout(ctx, outcomeWriteTimeout)
		defer cancel()
		sub, err := store.UpdateSubmissionOutcome(writeCtx, temporal.OutcomeParams(sig.String(), network, res, submitErr))
		if err != nil {
			logger.Error("failed to record submission outcome", "signature", sig.String(), "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		if publisher != nil {
			if err := publisher.PublishSubmission(writeCtx, natspkg.FromSubmission(sub)); err != nil {
				logger.Warn("failed to publish submission event", "signature", sig.String(), "error", err)
			}
		}

		logger.Info("transaction submitted",
			"signature", sub.Signature,
			"status", sub.Status,
			"failure_kind", solana.FailureKind(submitErr),
		)

		writeJSON(w, submissionToResponse(sub), statusForSubmitError(submitErr))
	})
}

// handleGetSubmission returns a handler that retrieves a recorded submission.
// GET /api/v1/transactions/{signature}?network={network}
func handleGetSubmission(store SubmissionStore, defaultNetwork string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")
		if err := validateSignature(signature); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		network := r.URL.Query().Get("network")
		if network == "" {
			network = defaultNetwork
		}

		sub, err := store.GetSubmission(r.Context(), signature, network)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, "submission not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get submission", "signature", signature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, submissionToResponse(sub), http.StatusOK)
	})
}

// handleListSubmissions returns a handler that lists recorded submissions.
// GET /api/v1/transactions?network=N&status=S&batch_id=B&limit=N&offset=N
func handleListSubmissions(store SubmissionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		status := query.Get("status")
		if err := validateStatus(status); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, offset, err := parsePagination(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		submissions, err := store.ListSubmissions(r.Context(), db.ListSubmissionsParams{
			Network: query.Get("network"),
			Status:  status,
			BatchID: query.Get("batch_id"),
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			logger.Error("failed to list submissions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]submissionResponse, len(submissions))
		for i := range submissions {
			resp[i] = submissionToResponse(submissions[i])
		}

		writeJSON(w, map[string]interface{}{
			"submissions": resp,
			"count":       len(resp),
			"limit":       limit,
			"offset":      offset,
		}, http.StatusOK)
	})
}

// handleSubmissionStats returns a handler that counts submissions per status.
// GET /api/v1/stats?network={network}
func handleSubmissionStats(store SubmissionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountSubmissionsByStatus(r.Context(), r.URL.Query().Get("network"))
		if err != nil {
			logger.Error("failed to count submissions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"counts": counts}, http.StatusOK)
	})
}

// handleSimulate returns a handler that dry-runs a signed transaction.
// POST /api/v1/simulate
func handleSimulate(sender Submitter, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if !decodeBody(w, r, &req) {
			return
		}

		raw, sig, err := decodeTransaction(req.Transaction)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		report, err := sender.Simulate(r.Context(), raw)
		if err != nil {
			logger.Error("simulation failed", "signature", sig.String(), "error", err)
			writeError(w, err.Error(), http.StatusBadGateway)
			return
		}

		writeJSON(w, report, http.StatusOK)
	})
}

// handleGetStatus returns a handler that looks up the cluster status of a signature.
// GET /api/v1/status/{signature}?details=true
func handleGetStatus(sender Submitter, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")
		if err := validateSignature(signature); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		sig, err := solanago.SignatureFromBase58(signature)
		if err != nil {
			writeError(w, "invalid signature: "+err.Error(), http.StatusBadRequest)
			return
		}

		status, err := sender.GetStatus(r.Context(), sig)
		if err != nil {
			logger.Error("failed to get signature status", "signature", signature, "error", err)
			writeError(w, "failed to get signature status", http.StatusBadGateway)
			return
		}
		if status == nil {
			writeError(w, "signature not found", http.StatusNotFound)
			return
		}

		resp := statusResponse{
			Signature:          signature,
			Slot:               status.Slot,
			Confirmations:      status.Confirmations,
			ConfirmationStatus: string(status.Level),
			Err:                status.Err,
		}

		if details, _ := strconv.ParseBool(r.URL.Query().Get("details")); details {
			txDetails, err := sender.GetTransaction(r.Context(), sig)
			switch {
			case err == nil:
				resp.Details = txDetails
			case errors.Is(err, solana.ErrTransactionNotFound):
				// Processed but not yet confirmed; the status alone is all we have.
			default:
				logger.Warn("failed to get transaction details", "signature", signature, "error", err)
			}
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// handleStartBatch returns a handler that starts a batch submission workflow.
// POST /api/v1/batches
func handleStartBatch(batches temporal.BatchRunner, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validateNetwork(req.Network, network); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if len(req.Transactions) == 0 {
			writeError(w, "transactions is required", http.StatusBadRequest)
			return
		}
		if len(req.Transactions) > maxBatchSize {
			writeError(w, fmt.Sprintf("batch too large: maximum is %d transactions", maxBatchSize), http.StatusBadRequest)
			return
		}

		if req.Sequence == "" {
			req.Sequence = solana.Parallel.String()
		}
		seq, err := solana.ParseSequence(req.Sequence)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txs := make([][]byte, len(req.Transactions))
		for i, encoded := range req.Transactions {
			raw, _, err := decodeTransaction(encoded)
			if err != nil {
				writeError(w, fmt.Sprintf("transactions[%d]: %v", i, err), http.StatusBadRequest)
				return
			}
			txs[i] = raw
		}

		batchID, err := batches.StartBatch(r.Context(), temporal.SendBatchInput{
			Network:      network,
			Transactions: txs,
			Sequence:     seq.String(),
		})
		if err != nil {
			logger.Error("failed to start batch", "error", err)
			writeError(w, "failed to start batch", http.StatusInternalServerError)
			return
		}

		logger.Info("batch started",
			"batch_id", batchID,
			"count", len(txs),
			"sequence", seq.String(),
		)

		writeJSON(w, map[string]interface{}{
			"batch_id": batchID,
			"count":    len(txs),
			"sequence": seq.String(),
		}, http.StatusAccepted)
	})
}

// handleGetBatch returns a handler that reports the progress of a batch.
// GET /api/v1/batches/{batch_id}
func handleGetBatch(batches temporal.BatchRunner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batchID := r.PathValue("batch_id")
		if batchID == "" {
			writeError(w, "batch_id is required", http.StatusBadRequest)
			return
		}

		result, err := batches.GetBatchResult(r.Context(), batchID)
		if err != nil {
			logger.Debug("failed to get batch", "batch_id", batchID, "error", err)
			writeError(w, "batch not found", http.StatusNotFound)
			return
		}

		writeJSON(w, result, http.StatusOK)
	})
}

// statusForSubmitError maps a submission error to an HTTP status code.
func statusForSubmitError(err error) int {
	switch solana.FailureKind(err) {
	case "":
		return http.StatusOK
	case "timeout":
		return http.StatusGatewayTimeout
	case "simulation_failure", "raw_failure":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// decodeBody decodes a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, "request body too large", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// decodeTransaction decodes base64 wire bytes and returns them with the
// transaction's signature.
func decodeTransaction(encoded string) ([]byte, solanago.Signature, error) {
	if encoded == "" {
		return nil, solanago.Signature{}, errorf("transaction is required")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, solanago.Signature{}, errorf("transaction must be base64: %v", err)
	}
	sig, err := solana.SignatureFromRaw(raw)
	if err != nil {
		return nil, solanago.Signature{}, errorf("invalid transaction: %v", err)
	}
	return raw, sig, nil
}

func submissionToResponse(s *db.Submission) submissionResponse {
	return submissionResponse{
		Signature:   s.Signature,
		Network:     s.Network,
		Status:      s.Status,
		Slot:        s.Slot,
		Error:       s.Error,
		FailureKind: s.FailureKind,
		Source:      s.Source,
		BatchID:     s.BatchID,
		BatchIndex:  s.BatchIndex,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateSignature validates a transaction signature path parameter.
func validateSignature(signature string) error {
	if signature == "" {
		return errorf("signature is required")
	}
	if len(signature) > maxSignatureLength {
		return errorf("signature too long: maximum length is %d characters", maxSignatureLength)
	}
	if !validSignatureRegex.MatchString(signature) {
		return errorf("invalid signature format: must contain only valid base58 characters")
	}
	return nil
}

// validateNetwork checks that a requested network, when given, is the one this
// server submits to.
func validateNetwork(requested, served string) error {
	if requested == "" || requested == served {
		return nil
	}
	return errorf("invalid network: this server submits to %q", served)
}

// validateStatus validates an optional status filter.
func validateStatus(status string) error {
	switch status {
	case "", db.StatusPending, db.StatusConfirmed, db.StatusFailed, db.StatusTimeout:
		return nil
	default:
		return errorf("invalid status: must be one of pending, confirmed, failed, timeout")
	}
}

// parsePagination parses limit (default 100, max 1000) and offset (default 0).
func parsePagination(limitStr, offsetStr string) (int32, int32, error) {
	limit := int32(defaultListLimit)
	if limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, errorf("invalid limit parameter: must be an integer")
		}
		if parsed < 1 {
			return 0, 0, errorf("limit must be at least 1")
		}
		if parsed > maxListLimit {
			return 0, 0, errorf("limit cannot exceed %d", maxListLimit)
		}
		limit = int32(parsed)
	}

	offset := int32(0)
	if offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, errorf("invalid offset parameter: must be an integer")
		}
		if parsed < 0 {
			return 0, 0, errorf("offset cannot be negative")
		}
		offset = int32(parsed)
	}

	return limit, offset, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
