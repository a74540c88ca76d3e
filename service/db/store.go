package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/sendtx/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Submission statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

const submissionColumns = `signature, network, status, slot, error, failure_kind, source,
	batch_id, batch_index, created_at, updated_at`

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no query metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Submission is the recorded state of one transaction submission.
type Submission struct {
	Signature   string
	Network     string
	Status      string
	Slot        *int64
	Error       *string
	FailureKind *string // timeout, simulation_failure, raw_failure, network_error
	Source      *string // websocket or poll, for outcomes produced by a confirmation
	BatchID     *string // workflow ID when submitted as part of a batch
	BatchIndex  *int32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateSubmissionParams contains the parameters for recording a submission.
type CreateSubmissionParams struct {
	Signature  string
	Network    string
	BatchID    *string
	BatchIndex *int32
}

// UpdateSubmissionOutcomeParams contains the terminal outcome of a submission.
type UpdateSubmissionOutcomeParams struct {
	Signature   string
	Network     string
	Status      string
	Slot        *int64
	Error       *string
	FailureKind *string
	Source      *string
}

// ListSubmissionsParams filters and paginates submissions. Empty filters
// match everything.
type ListSubmissionsParams struct {
	Network string
	Status  string
	BatchID string
	Limit   int32
	Offset  int32
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list schema files: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		body, err := schemaFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply %s: %w", name, err)
			}
		}
	}
	return nil
}

// CreateSubmission records a pending submission. Recording the same
// signature again resets it to pending, since the same bytes are being
// submitted again, unless it already confirmed: a confirmed submission is
// returned unchanged.
func (s *Store) CreateSubmission(ctx context.Context, params CreateSubmissionParams) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO submissions (signature, network, status, batch_id, batch_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signature, network) DO UPDATE SET
			status = EXCLUDED.status,
			slot = NULL,
			error = NULL,
			failure_kind = NULL,
			source = NULL,
			batch_id = COALESCE(EXCLUDED.batch_id, submissions.batch_id),
			batch_index = COALESCE(EXCLUDED.batch_index, submissions.batch_index),
			updated_at = now()
		WHERE submissions.status <> $6
		RETURNING `+submissionColumns,
		params.Signature,
		params.Network,
		StatusPending,
		pgtextFromStringPtr(params.BatchID),
		pgint4FromInt32Ptr(params.BatchIndex),
		StatusConfirmed,
	)

	sub, err := scanSubmission(row)
	s.observe("create_submission", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict update was skipped because the row already confirmed.
		return s.GetSubmission(ctx, params.Signature, params.Network)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// UpdateSubmissionOutcome records the terminal outcome of a submission.
// It returns pgx.ErrNoRows when the submission was never recorded.
func (s *Store) UpdateSubmissionOutcome(ctx context.Context, params UpdateSubmissionOutcomeParams) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		UPDATE submissions SET
			status = $3,
			slot = $4,
			error = $5,
			failure_kind = $6,
			source = $7,
			updated_at = now()
		WHERE signature = $1 AND network = $2
		RETURNING `+submissionColumns,
		params.Signature,
		params.Network,
		params.Status,
		pgint8FromInt64Ptr(params.Slot),
		pgtextFromStringPtr(params.Error),
		pgtextFromStringPtr(params.FailureKind),
		pgtextFromStringPtr(params.Source),
	)

	sub, err := scanSubmission(row)
	s.observe("update_submission_outcome", start, err)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubmission retrieves a submission by its signature and network.
func (s *Store) GetSubmission(ctx context.Context, signature string, network string) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE signature = $1 AND network = $2`,
		signature, network,
	)

	sub, err := scanSubmission(row)
	s.observe("get_submission", start, err)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubmissions retrieves submissions, most recent first. Batch members
// are ordered by their index instead when BatchID is set.
func (s *Store) ListSubmissions(ctx context.Context, params ListSubmissionsParams) ([]*Submission, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}

	order := "created_at DESC"
	if params.BatchID != "" {
		order = "batch_index ASC"
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE ($1 = '' OR network = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR batch_id = $3)
		ORDER BY `+order+`
		LIMIT $4 OFFSET $5`,
		params.Network, params.Status, params.BatchID, params.Limit, params.Offset,
	)
	if err != nil {
		s.observe("list_submissions", start, err)
		return nil, err
	}
	defer rows.Close()

	submissions := make([]*Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			s.observe("list_submissions", start, err)
			return nil, err
		}
		submissions = append(submissions, sub)
	}
	err = rows.Err()
	s.observe("list_submissions", start, err)
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

// SubmissionExists checks if a submission has been recorded.
func (s *Store) SubmissionExists(ctx context.Context, signature string, network string) (bool, error) {
	start := time.Now()
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE signature = $1 AND network = $2)`,
		signature, network,
	).Scan(&exists)
	s.observe("submission_exists", start, err)
	return exists, err
}

// CountSubmissionsByStatus returns the number of submissions per status.
func (s *Store) CountSubmissionsByStatus(ctx context.Context, network string) (map[string]int64, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM submissions WHERE ($1 = '' OR network = $1) GROUP BY status`,
		network,
	)
	if err != nil {
		s.observe("count_submissions", start, err)
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			s.observe("count_submissions", start, err)
			return nil, err
		}
		counts[status] = n
	}
	err = rows.Err()
	s.observe("count_submissions", start, err)
	return counts, err
}

// DeleteSubmissionsOlderThan removes finished submissions last updated before
// the cutoff. Pending submissions are kept.
func (s *Store) DeleteSubmissionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM submissions WHERE updated_at < $1 AND status <> $2`,
		pgtype.Timestamptz{Time: before, Valid: true}, StatusPending,
	)
	s.observe("delete_submissions", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	// Missing rows are not query failures.
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	s.metrics.RecordDBQuery(operation, "submissions", time.Since(start).Seconds(), err)
}

// Helper functions to convert between pgx types and domain types

func scanSubmission(row pgx.Row) (*Submission, error) {
	var (
		sub         Submission
		slot        pgtype.Int8
		errText     pgtype.Text
		failureKind pgtype.Text
		source      pgtype.Text
		batchID     pgtype.Text
		batchIndex  pgtype.Int4
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	err := row.Scan(
		&sub.Signature,
		&sub.Network,
		&sub.Status,
		&slot,
		&errText,
		&failureKind,
		&source,
		&batchID,
		&batchIndex,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Slot = int64PtrFromPgint8(slot)
	sub.Error = stringPtrFromPgtext(errText)
	sub.FailureKind = stringPtrFromPgtext(failureKind)
	sub.Source = stringPtrFromPgtext(source)
	sub.BatchID = stringPtrFromPgtext(batchID)
	sub.BatchIndex = int32PtrFromPgint4(batchIndex)
	sub.CreatedAt = createdAt.Time
	sub.UpdatedAt = updatedAt.Time
	return &sub, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint8FromInt64Ptr(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func int64PtrFromPgint8(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func pgint4FromInt32Ptr(v *int32) pgtype.Int4 {
	if v == nil {
		return pgtype.Int4{Valid: false}
	}
	return pgtype.Int4{Int32: *v, Valid: true}
}

func int32PtrFromPgint4(v pgtype.Int4) *int32 {
	if !v.Valid {
		return nil
	}
	return &v.Int32
}
