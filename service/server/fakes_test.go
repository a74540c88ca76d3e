package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/sendtx/service/db"
	"github.com/brojonat/sendtx/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory SubmissionStore. Like pgx, writes fail once their
// context is done.
type fakeStore struct {
	mu          sync.Mutex
	submissions map[string]*db.Submission
	err         error
}

func newFakeStore() *fakeStore {
	return &fakeStore{submissions: make(map[string]*db.Submission)}
}

func storeKey(signature, network string) string {
	return network + "/" + signature
}

func (f *fakeStore) CreateSubmission(ctx context.Context, params db.CreateSubmissionParams) (*db.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := storeKey(params.Signature, params.Network)
	if sub, ok := f.submissions[key]; ok && sub.Status == db.StatusConfirmed {
		return sub, nil
	}
	now := time.Now()
	sub := &db.Submission{
		Signature:  params.Signature,
		Network:    params.Network,
		Status:     db.StatusPending,
		BatchID:    params.BatchID,
		BatchIndex: params.BatchIndex,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	f.submissions[key] = sub
	return sub, nil
}

func (f *fakeStore) UpdateSubmissionOutcome(ctx context.Context, params db.UpdateSubmissionOutcomeParams) (*db.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, ok := f.submissions[storeKey(params.Signature, params.Network)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	sub.Status = params.Status
	sub.Slot = params.Slot
	sub.Error = params.Error
	sub.FailureKind = params.FailureKind
	sub.Source = params.Source
	sub.UpdatedAt = time.Now()
	return sub, nil
}

func (f *fakeStore) GetSubmission(ctx context.Context, signature string, network string) (*db.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.submissions[storeKey(signature, network)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return sub, nil
}

func (f *fakeStore) ListSubmissions(ctx context.Context, params db.ListSubmissionsParams) ([]*db.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*db.Submission, 0)
	for _, sub := range f.submissions {
		if params.Network != "" && sub.Network != params.Network {
			continue
		}
		if params.Status != "" && sub.Status != params.Status {
			continue
		}
		if params.BatchID != "" && (sub.BatchID == nil || *sub.BatchID != params.BatchID) {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out, nil
}

func (f *fakeStore) CountSubmissionsByStatus(ctx context.Context, network string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, sub := range f.submissions {
		if network == "" || sub.Network == network {
			counts[sub.Status]++
		}
	}
	return counts, nil
}

// fakeSender returns canned results.
type fakeSender struct {
	result    *solana.SubmissionResult
	err       error
	report    *solana.SimulationReport
	simErr    error
	status    *solana.ConfirmationStatus
	statusErr error
	details   *solana.TransactionDetails
	detailErr error
	submitted [][]byte
	// wait, when set, blocks SubmitRaw until ctx is done or wait elapses,
	// at which point it times out.
	wait time.Duration
}

func (f *fakeSender) SubmitRaw(ctx context.Context, raw []byte) (*solana.SubmissionResult, error) {
	f.submitted = append(f.submitted, raw)
	if f.wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.wait):
			return nil, fmt.Errorf("%w: %s", solana.ErrTimeout, "no confirmation")
		}
	}
	return f.result, f.err
}

func (f *fakeSender) Simulate(ctx context.Context, raw []byte) (*solana.SimulationReport, error) {
	return f.report, f.simErr
}

func (f *fakeSender) GetStatus(ctx context.Context, sig solanago.Signature) (*solana.ConfirmationStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeSender) GetTransaction(ctx context.Context, sig solanago.Signature) (*solana.TransactionDetails, error) {
	return f.details, f.detailErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signedTx returns a base64 signed memo transaction and its signature.
func signedTx(t *testing.T, text string) (string, string) {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{memo.NewMemoInstruction([]byte(text), key.PublicKey()).Build()},
		solanago.Hash{4, 5, 6},
		solanago.TransactionPayer(key.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(k solanago.PublicKey) *solanago.PrivateKey {
		if k.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	require.NoError(t, err)

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw), tx.Signatures[0].String()
}
