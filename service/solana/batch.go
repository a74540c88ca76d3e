package solana

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// InstructionGroup is the content of one transaction in a batch. Signers are
// extra keys (for example a freshly created account) that sign before the
// wallet does.
type InstructionGroup struct {
	Instructions []solana.Instruction
	Signers      []solana.PrivateKey
}

// BatchCallbacks receive per-index outcomes of SendTransactions. With the
// Parallel sequence they may be called concurrently.
type BatchCallbacks struct {
	OnSuccess func(index int, result *SubmissionResult)
	OnFailure func(index int, tx *solana.Transaction, err error)
}

// BatchOutcome is the outcome of one submitted group.
type BatchOutcome struct {
	Index     int
	Signature string
	Slot      uint64
	Err       error
}

// BatchResult reports how many groups were submitted and how each went.
// Groups skipped by StopOnFailure have no outcome.
type BatchResult struct {
	Submitted int
	Outcomes  []BatchOutcome
}

// Failed returns the number of submitted groups that failed.
func (r *BatchResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// BuildTransactions creates one unsigned transaction per group, all sharing
// the latest blockhash and paid by payer. Extra group signers sign right away.
func (s *Sender) BuildTransactions(ctx context.Context, payer solana.PublicKey, groups []InstructionGroup) ([]*solana.Transaction, error) {
	start := time.Now()
	bh, err := s.rpc.GetLatestBlockhash(ctx, s.opts.Commitment)
	s.recordRPC("GetLatestBlockhash", err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if bh == nil || bh.Value == nil {
		return nil, fmt.Errorf("failed to get latest blockhash: empty response")
	}

	txs := make([]*solana.Transaction, 0, len(groups))
	for i, group := range groups {
		if len(group.Instructions) == 0 {
			return nil, fmt.Errorf("group %d has no instructions", i)
		}

		tx, err := solana.NewTransaction(group.Instructions, bh.Value.Blockhash, solana.TransactionPayer(payer))
		if err != nil {
			return nil, fmt.Errorf("failed to build transaction for group %d: %w", i, err)
		}

		if len(group.Signers) > 0 {
			signers := group.Signers
			_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
				for j := range signers {
					if signers[j].PublicKey().Equals(key) {
						return &signers[j]
					}
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to sign group %d with extra signers: %w", i, err)
			}
		}

		txs = append(txs, tx)
	}

	s.logger.DebugContext(ctx, "built transactions",
		"count", len(txs),
		"blockhash", bh.Value.Blockhash.String(),
		"payer", payer.String(),
	)
	return txs, nil
}

// SendTransaction builds, signs and submits a single group.
func (s *Sender) SendTransaction(ctx context.Context, wallet Wallet, group InstructionGroup) (*SubmissionResult, error) {
	payer, err := wallet.PublicKey()
	if err != nil {
		return nil, err
	}

	txs, err := s.BuildTransactions(ctx, payer, []InstructionGroup{group})
	if err != nil {
		return nil, err
	}
	if err := wallet.SignTransaction(ctx, txs[0]); err != nil {
		return nil, err
	}
	return s.Submit(ctx, txs[0])
}

// SendTransactions builds every group against a shared blockhash, has the
// wallet sign them all at once, and submits them following seq.
func (s *Sender) SendTransactions(
	ctx context.Context,
	wallet Wallet,
	groups []InstructionGroup,
	seq Sequence,
	cb BatchCallbacks,
) (*BatchResult, error) {
	payer, err := wallet.PublicKey()
	if err != nil {
		return nil, err
	}

	txs, err := s.BuildTransactions(ctx, payer, groups)
	if err != nil {
		return nil, err
	}
	if err := wallet.SignAllTransactions(ctx, txs); err != nil {
		return nil, err
	}

	return s.SubmitAll(ctx, txs, seq, cb), nil
}

// SubmitAll submits already signed transactions following seq.
func (s *Sender) SubmitAll(ctx context.Context, txs []*solana.Transaction, seq Sequence, cb BatchCallbacks) *BatchResult {
	s.logger.InfoContext(ctx, "submitting batch",
		"count", len(txs),
		"sequence", seq.String(),
	)

	submitOne := func(i int) BatchOutcome {
		outcome := BatchOutcome{Index: i}
		res, err := s.Submit(ctx, txs[i])
		if err != nil {
			outcome.Err = err
			if len(txs[i].Signatures) > 0 {
				outcome.Signature = txs[i].Signatures[0].String()
			}
			if cb.OnFailure != nil {
				cb.OnFailure(i, txs[i], err)
			}
		} else {
			outcome.Signature = res.Signature
			outcome.Slot = res.Slot
			if cb.OnSuccess != nil {
				cb.OnSuccess(i, res)
			}
		}
		if s.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordBatchGroup(seq.String(), status)
		}
		return outcome
	}

	result := &BatchResult{}

	if seq == Parallel {
		outcomes := make([]BatchOutcome, len(txs))
		var wg sync.WaitGroup
		for i := range txs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = submitOne(i)
			}(i)
		}
		wg.Wait()
		result.Submitted = len(txs)
		result.Outcomes = outcomes
		return result
	}

	for i := range txs {
		if ctx.Err() != nil {
			break
		}
		outcome := submitOne(i)
		result.Submitted++
		result.Outcomes = append(result.Outcomes, outcome)

		if outcome.Err != nil && seq == StopOnFailure {
			s.logger.WarnContext(ctx, "stopping batch after failure",
				"index", i,
				"remaining", len(txs)-i-1,
				"error", outcome.Err,
			)
			break
		}
	}
	return result
}
