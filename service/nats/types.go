package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/sendtx/service/db"
)

// SubmissionEvent represents the outcome of a submission published to NATS.
// This is published to the subject "submissions.{status}" in JetStream.
type SubmissionEvent struct {
	// Transaction identifiers
	Signature string `json:"signature"`
	Network   string `json:"network"`
	Slot      *int64 `json:"slot,omitempty"`

	// Outcome
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
	Source      string `json:"source,omitempty"`

	// Batch membership
	BatchID    string `json:"batch_id,omitempty"`
	BatchIndex *int32 `json:"batch_index,omitempty"`

	// Timing information
	DurationMS  int64     `json:"duration_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *SubmissionEvent) Subject() string {
	return SubjectForStatus(e.Status)
}

// SubjectForStatus returns the subject for events with the given status, or
// the wildcard subject for an empty status.
func SubjectForStatus(status string) string {
	if status == "" {
		return StreamSubjects
	}
	return fmt.Sprintf("%s.%s", subjectPrefix, status)
}

// FromSubmission converts a recorded submission to a SubmissionEvent for publishing.
// The duration is measured from the submission's creation to its last update.
func FromSubmission(sub *db.Submission) *SubmissionEvent {
	event := &SubmissionEvent{
		Signature:   sub.Signature,
		Network:     sub.Network,
		Slot:        sub.Slot,
		Status:      sub.Status,
		BatchIndex:  sub.BatchIndex,
		DurationMS:  sub.UpdatedAt.Sub(sub.CreatedAt).Milliseconds(),
		SubmittedAt: sub.CreatedAt,
		PublishedAt: time.Now().UTC(),
	}

	// Convert optional string fields
	if sub.Error != nil {
		event.Error = *sub.Error
	}
	if sub.FailureKind != nil {
		event.FailureKind = *sub.FailureKind
	}
	if sub.Source != nil {
		event.Source = *sub.Source
	}
	if sub.BatchID != nil {
		event.BatchID = *sub.BatchID
	}
	if event.DurationMS < 0 {
		event.DurationMS = 0
	}

	return event
}
