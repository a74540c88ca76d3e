package solana

import (
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// Defaults used when an Options field is left zero.
const (
	DefaultTimeout             = 60 * time.Second
	DefaultRebroadcastInterval = 500 * time.Millisecond
	DefaultPollInterval        = 2 * time.Second
	DefaultCommitment          = rpc.CommitmentConfirmed
	DefaultLogMarker           = "Program log: "
)

// Sources a confirmation can be observed from.
const (
	SourceWebsocket = "websocket"
	SourcePoll      = "poll"
)

// SubmissionResult is the terminal output of a successful submission.
type SubmissionResult struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Source    string `json:"source,omitempty"` // websocket or poll; empty when confirmation was not awaited
}

// ConfirmationStatus is a status report for one signature, as produced by
// either the websocket subscription or the status poll.
type ConfirmationStatus struct {
	Slot          uint64
	Confirmations *uint64 // nil once rooted
	Err           interface{}
	Level         rpc.ConfirmationStatusType
}

// Options controls how a Sender submits and confirms transactions.
type Options struct {
	Timeout             time.Duration
	RebroadcastInterval time.Duration
	PollInterval        time.Duration
	Commitment          rpc.CommitmentType
	LogMarker           string

	// SkipPreflight applies to the first submission. Rebroadcasts always skip
	// preflight since the node already simulated the same bytes.
	SkipPreflight bool

	// AwaitConfirmation set to false makes Submit return right after the first
	// submission, with a zero slot.
	AwaitConfirmation bool
}

// DefaultOptions returns Options populated with the package defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:             DefaultTimeout,
		RebroadcastInterval: DefaultRebroadcastInterval,
		PollInterval:        DefaultPollInterval,
		Commitment:          DefaultCommitment,
		LogMarker:           DefaultLogMarker,
		AwaitConfirmation:   true,
	}
}

// withDefaults fills zero fields. AwaitConfirmation and SkipPreflight are kept
// as given.
func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RebroadcastInterval <= 0 {
		o.RebroadcastInterval = DefaultRebroadcastInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Commitment == "" {
		o.Commitment = DefaultCommitment
	}
	if o.LogMarker == "" {
		o.LogMarker = DefaultLogMarker
	}
	return o
}

// Sequence selects how SendTransactions orders the groups of a batch.
type Sequence int

const (
	// Parallel submits every group at once without waiting on confirmations.
	Parallel Sequence = iota
	// Sequential waits for each group before issuing the next, and keeps
	// going after failures.
	Sequential
	// StopOnFailure is Sequential but aborts the remaining groups on the
	// first failure.
	StopOnFailure
)

func (s Sequence) String() string {
	switch s {
	case Parallel:
		return "parallel"
	case Sequential:
		return "sequential"
	case StopOnFailure:
		return "stop-on-failure"
	default:
		return fmt.Sprintf("sequence(%d)", int(s))
	}
}

// ParseSequence parses the names produced by Sequence.String.
func ParseSequence(s string) (Sequence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parallel":
		return Parallel, nil
	case "sequential":
		return Sequential, nil
	case "stop-on-failure", "stoponfailure", "stop_on_failure":
		return StopOnFailure, nil
	default:
		return 0, fmt.Errorf("unknown sequence %q (want parallel, sequential or stop-on-failure)", s)
	}
}

// ParseCommitment validates a commitment level name.
func ParseCommitment(s string) (rpc.CommitmentType, error) {
	switch c := rpc.CommitmentType(strings.ToLower(strings.TrimSpace(s))); c {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		return c, nil
	default:
		return "", fmt.Errorf("unknown commitment %q (want processed, confirmed or finalized)", s)
	}
}
