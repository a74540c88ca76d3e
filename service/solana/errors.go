package solana

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a submitted transaction is not confirmed
	// within the configured budget.
	ErrTimeout = errors.New("timed out awaiting confirmation on transaction")

	// ErrWalletNotConnected is returned when the signing wallet holds no key.
	ErrWalletNotConnected = errors.New("wallet not connected")

	// ErrMissingSignature is returned for transactions that carry no signature,
	// which means there is no transaction id to confirm against.
	ErrMissingSignature = errors.New("transaction has no signature")

	// ErrTransactionNotFound is returned by GetTransaction for signatures the
	// cluster has no record of.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// SimulationFailure is returned when a transaction failed on chain and a
// simulation of it produced a program log line explaining why.
type SimulationFailure struct {
	Signature string
	Message   string
}

func (e *SimulationFailure) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, e.Message)
}

// RawFailure is returned when a transaction failed on chain but no program log
// line could be extracted. Err is the error payload reported with the
// confirmation; SimulationErr is the simulation error, if simulation ran and
// reported one.
type RawFailure struct {
	Signature     string
	Err           interface{}
	SimulationErr interface{}
}

func (e *RawFailure) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, formatRawError(e.Err))
}

// FailureKind classifies a submission error for logs, metrics, storage and
// API responses.
func FailureKind(err error) string {
	var simErr *SimulationFailure
	var rawErr *RawFailure
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &simErr):
		return "simulation_failure"
	case errors.As(err, &rawErr):
		return "raw_failure"
	case errors.Is(err, ErrWalletNotConnected):
		return "wallet_not_connected"
	default:
		return "network_error"
	}
}

func formatRawError(v interface{}) string {
	if v == nil {
		return "unknown error"
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
