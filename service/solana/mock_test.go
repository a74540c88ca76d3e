package solana

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	sendErr error
	// status decides what the status poll reports for sig. order is the
	// 0-based position of sig among distinct submitted signatures.
	status func(sig solana.Signature, order int) *rpc.SignatureStatusesResult

	simulation *rpc.SimulateTransactionResult
	simErr     error
	blockhash  solana.Hash

	// getTransaction returns txErrs in order, then txResult.
	txResult *rpc.GetTransactionResult
	txErrs   []error
	txOpts   []rpc.GetTransactionOpts

	sends     []solana.Signature
	order     map[solana.Signature]int
	polls     int
	simulated int
}

func newMockRPC() *mockRPCClient {
	return &mockRPCClient{
		order:     make(map[solana.Signature]int),
		blockhash: solana.Hash{7, 7, 7},
	}
}

func (m *mockRPCClient) SendRawTransaction(
	ctx context.Context,
	rawTx []byte,
	opts rpc.TransactionOpts,
) (solana.Signature, error) {
	sig, err := SignatureFromRaw(rawTx)
	if err != nil {
		return solana.Signature{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sends = append(m.sends, sig)
	if _, ok := m.order[sig]; !ok {
		m.order[sig] = len(m.order)
	}
	return sig, nil
}

func (m *mockRPCClient) GetSignatureStatuses(
	ctx context.Context,
	signatures ...solana.Signature,
) (*rpc.GetSignatureStatusesResult, error) {
	m.mu.Lock()
	m.polls++
	order, seen := m.order[signatures[0]]
	m.mu.Unlock()

	if !seen || m.status == nil {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{m.status(signatures[0], order)},
	}, nil
}

func (m *mockRPCClient) SimulateRawTransaction(
	ctx context.Context,
	rawTx []byte,
	opts *rpc.SimulateTransactionOpts,
) (*rpc.SimulateTransactionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulated++
	if m.simErr != nil {
		return nil, m.simErr
	}
	if m.simulation == nil {
		return &rpc.SimulateTransactionResponse{Value: &rpc.SimulateTransactionResult{}}, nil
	}
	return &rpc.SimulateTransactionResponse{Value: m.simulation}, nil
}

func (m *mockRPCClient) GetLatestBlockhash(
	ctx context.Context,
	commitment rpc.CommitmentType,
) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: m.blockhash, LastValidBlockHeight: 100},
	}, nil
}

func (m *mockRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txOpts = append(m.txOpts, *opts)
	if len(m.txErrs) > 0 {
		err := m.txErrs[0]
		m.txErrs = m.txErrs[1:]
		return nil, err
	}
	if m.txResult == nil {
		return nil, rpc.ErrNotFound
	}
	return m.txResult, nil
}

func (m *mockRPCClient) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func (m *mockRPCClient) distinctSends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *mockRPCClient) firstSend() solana.Signature {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends[0]
}

func (m *mockRPCClient) simulationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.simulated
}

// mockSubscriber hands out subscriptions fed by a channel.
type mockSubscriber struct {
	results chan *ws.SignatureResult
	err     error
}

func (m *mockSubscriber) SubscribeSignature(
	ctx context.Context,
	signature solana.Signature,
	commitment rpc.CommitmentType,
) (SignatureSubscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &mockSubscription{results: m.results}, nil
}

type mockSubscription struct {
	results chan *ws.SignatureResult
}

func (s *mockSubscription) Recv(ctx context.Context) (*ws.SignatureResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-s.results:
		return r, nil
	}
}

func (s *mockSubscription) Unsubscribe() {}

func signatureResult(slot uint64, err interface{}) *ws.SignatureResult {
	res := &ws.SignatureResult{}
	res.Context.Slot = slot
	res.Value.Err = err
	return res
}

func confirmedStatus(slot uint64) *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{
		Slot:               slot,
		ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
	}
}

func failedStatus(slot uint64, err interface{}) *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{
		Slot:               slot,
		Err:                err,
		ConfirmationStatus: rpc.ConfirmationStatusProcessed,
	}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = 2 * time.Second
	opts.RebroadcastInterval = 5 * time.Millisecond
	opts.PollInterval = 10 * time.Millisecond
	return opts
}

func newTestSender(rpcClient RPCClient, subscriber SignatureSubscriber, opts Options) *Sender {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSender(rpcClient, subscriber, opts, "test", nil, logger)
}

// newSignedTx builds a memo transaction signed by a fresh key.
func newSignedTx(t *testing.T, text string) (*solana.Transaction, []byte) {
	t.Helper()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	ix := memo.NewMemoInstruction([]byte(text), key.PublicKey()).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1, 2, 3}, solana.TransactionPayer(key.PublicKey()))
	require.NoError(t, err)

	_, err = tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	require.NoError(t, err)

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return tx, raw
}
