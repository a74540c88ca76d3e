package solana

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWallet(t *testing.T) *KeypairWallet {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return NewKeypairWallet(key)
}

func memoGroups(t *testing.T, wallet Wallet, n int) []InstructionGroup {
	t.Helper()
	payer, err := wallet.PublicKey()
	require.NoError(t, err)

	groups := make([]InstructionGroup, n)
	for i := range groups {
		groups[i] = InstructionGroup{
			Instructions: []solana.Instruction{
				memo.NewMemoInstruction([]byte(fmt.Sprintf("group %d", i)), payer).Build(),
			},
		}
	}
	return groups
}

// failingAt confirms every transaction except the one sent in position idx.
func failingAt(idx int) func(solana.Signature, int) *rpc.SignatureStatusesResult {
	return func(sig solana.Signature, order int) *rpc.SignatureStatusesResult {
		if order == idx {
			return failedStatus(uint64(100+order), "custom")
		}
		return confirmedStatus(uint64(100 + order))
	}
}

type callbackRecorder struct {
	mu        sync.Mutex
	successes []int
	failures  []int
}

func (r *callbackRecorder) callbacks() BatchCallbacks {
	return BatchCallbacks{
		OnSuccess: func(index int, result *SubmissionResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes = append(r.successes, index)
		},
		OnFailure: func(index int, tx *solana.Transaction, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, index)
		},
	}
}

func TestSendTransactions_StopOnFailure(t *testing.T) {
	mockRPC := newMockRPC()
	mockRPC.status = failingAt(1)
	mockRPC.simulation = &rpc.SimulateTransactionResult{
		Err:  "custom",
		Logs: []string{"Program log: Error: not enough tokens"},
	}

	sender := newTestSender(mockRPC, nil, fastOptions())
	wallet := newTestWallet(t)
	rec := &callbackRecorder{}

	result, err := sender.SendTransactions(context.Background(), wallet, memoGroups(t, wallet, 3), StopOnFailure, rec.callbacks())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Submitted)
	require.Len(t, result.Outcomes, 2)
	assert.NoError(t, result.Outcomes[0].Err)
	assert.Equal(t, uint64(100), result.Outcomes[0].Slot)

	var simErr *SimulationFailure
	require.True(t, errors.As(result.Outcomes[1].Err, &simErr))
	assert.Equal(t, "Error: not enough tokens", simErr.Message)
	assert.Equal(t, 1, result.Failed())

	// The third transaction never reached the network.
	assert.Equal(t, 2, mockRPC.distinctSends())

	assert.Equal(t, []int{0}, rec.successes)
	assert.Equal(t, []int{1}, rec.failures)
}

func TestSendTransactions_SequentialContinuesAfterFailure(t *testing.T) {
	mockRPC := newMockRPC()
	mockRPC.status = failingAt(1)

	sender := newTestSender(mockRPC, nil, fastOptions())
	wallet := newTestWallet(t)
	rec := &callbackRecorder{}

	result, err := sender.SendTransactions(context.Background(), wallet, memoGroups(t, wallet, 3), Sequential, rec.callbacks())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Submitted)
	require.Len(t, result.Outcomes, 3)
	assert.NoError(t, result.Outcomes[0].Err)
	assert.Error(t, result.Outcomes[1].Err)
	assert.NoError(t, result.Outcomes[2].Err)
	assert.Equal(t, uint64(102), result.Outcomes[2].Slot)

	assert.Equal(t, 3, mockRPC.distinctSends())
	assert.Equal(t, []int{0, 2}, rec.successes)
	assert.Equal(t, []int{1}, rec.failures)
}

func TestSendTransactions_ParallelSubmitsBeforeConfirming(t *testing.T) {
	mockRPC := newMockRPC()
	// Nothing confirms until all three transactions are on the wire, which
	// only happens when none waits for another.
	mockRPC.status = func(sig solana.Signature, order int) *rpc.SignatureStatusesResult {
		if mockRPC.distinctSends() < 3 {
			return nil
		}
		return confirmedStatus(uint64(200 + order))
	}

	sender := newTestSender(mockRPC, nil, fastOptions())
	wallet := newTestWallet(t)
	rec := &callbackRecorder{}

	result, err := sender.SendTransactions(context.Background(), wallet, memoGroups(t, wallet, 3), Parallel, rec.callbacks())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Submitted)
	require.Len(t, result.Outcomes, 3)
	for i, o := range result.Outcomes {
		assert.Equal(t, i, o.Index)
		assert.NoError(t, o.Err)
		assert.NotEmpty(t, o.Signature)
	}
	assert.Equal(t, 0, result.Failed())
	assert.ElementsMatch(t, []int{0, 1, 2}, rec.successes)
}

func TestSendTransactions_SharedBlockhashAndDistinctIDs(t *testing.T) {
	mockRPC := newMockRPC()
	sender := newTestSender(mockRPC, nil, fastOptions())
	wallet := newTestWallet(t)
	payer, _ := wallet.PublicKey()

	txs, err := sender.BuildTransactions(context.Background(), payer, memoGroups(t, wallet, 3))
	require.NoError(t, err)
	require.NoError(t, wallet.SignAllTransactions(context.Background(), txs))

	seen := map[solana.Signature]bool{}
	for _, tx := range txs {
		assert.Equal(t, mockRPC.blockhash, tx.Message.RecentBlockhash)
		assert.True(t, tx.Message.AccountKeys[0].Equals(payer))
		require.NoError(t, tx.VerifySignatures())
		seen[tx.Signatures[0]] = true
	}
	assert.Len(t, seen, 3)
}

func TestBuildTransactions_ExtraSigners(t *testing.T) {
	mockRPC := newMockRPC()
	sender := newTestSender(mockRPC, nil, fastOptions())
	wallet := newTestWallet(t)
	payer, _ := wallet.PublicKey()

	extra, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	group := InstructionGroup{
		Instructions: []solana.Instruction{
			memo.NewMemoInstruction([]byte("co-signed"), extra.PublicKey()).Build(),
		},
		Signers: []solana.PrivateKey{extra},
	}

	txs, err := sender.BuildTransactions(context.Background(), payer, []InstructionGroup{group})
	require.NoError(t, err)
	require.NoError(t, wallet.SignTransaction(context.Background(), txs[0]))

	require.Len(t, txs[0].Signatures, 2)
	assert.NoError(t, txs[0].VerifySignatures())
}

func TestBuildTransactions_EmptyGroup(t *testing.T) {
	sender := newTestSender(newMockRPC(), nil, fastOptions())
	wallet := newTestWallet(t)
	payer, _ := wallet.PublicKey()

	_, err := sender.BuildTransactions(context.Background(), payer, []InstructionGroup{{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group 0 has no instructions")
}

func TestSendTransactions_WalletNotConnected(t *testing.T) {
	mockRPC := newMockRPC()
	sender := newTestSender(mockRPC, nil, fastOptions())
	connected := newTestWallet(t)

	_, err := sender.SendTransactions(context.Background(), NewKeypairWallet(nil), memoGroups(t, connected, 1), Sequential, BatchCallbacks{})
	assert.ErrorIs(t, err, ErrWalletNotConnected)
	assert.Equal(t, 0, mockRPC.sendCount())
}

func TestSendTransaction(t *testing.T) {
	mockRPC := newMockRPC()
	mockRPC.status = func(sig solana.Signature, order int) *rpc.SignatureStatusesResult {
		return confirmedStatus(321)
	}
	sender := newTestSender(mockRPC, nil, fastOptions())
	wallet := newTestWallet(t)

	res, err := sender.SendTransaction(context.Background(), wallet, memoGroups(t, wallet, 1)[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(321), res.Slot)
	assert.Equal(t, mockRPC.firstSend().String(), res.Signature)
}

func TestSubmitAll_StopsWhenContextDone(t *testing.T) {
	mockRPC := newMockRPC()
	sender := newTestSender(mockRPC, nil, fastOptions())

	tx1, _ := newSignedTx(t, "one")
	tx2, _ := newSignedTx(t, "two")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := sender.SubmitAll(ctx, []*solana.Transaction{tx1, tx2}, Sequential, BatchCallbacks{})
	assert.Equal(t, 0, result.Submitted)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, 0, mockRPC.sendCount())
}
