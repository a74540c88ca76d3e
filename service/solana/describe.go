package solana

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// MemoProgramIDLegacy is the v1 memo program, still used by some wallets.
var MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")

const (
	systemTransferInstruction       = uint32(2)
	tokenTransferInstruction        = uint8(3)
	tokenTransferCheckedInstruction = uint8(12)
)

// TransactionDetails is the landed view of a transaction, as returned by
// getTransaction.
type TransactionDetails struct {
	Signature   string      `json:"signature"`
	Slot        uint64      `json:"slot"`
	BlockTime   *time.Time  `json:"block_time,omitempty"`
	Fee         uint64      `json:"fee"`
	Err         interface{} `json:"err,omitempty"`
	Logs        []string    `json:"logs,omitempty"`
	Memo        *string     `json:"memo,omitempty"`
	Amount      uint64      `json:"amount,omitempty"` // lamports, or token base units when TokenMint is set
	TokenMint   *string     `json:"token_mint,omitempty"`
	FromAddress *string     `json:"from_address,omitempty"`
	ToAddress   *string     `json:"to_address,omitempty"`
}

// detailsFromResult builds TransactionDetails from a getTransaction result.
// Transfer and memo fields are filled from the first matching instructions.
func detailsFromResult(sig solana.Signature, result *rpc.GetTransactionResult) (*TransactionDetails, error) {
	details := &TransactionDetails{
		Signature: sig.String(),
		Slot:      result.Slot,
	}
	if result.BlockTime != nil {
		t := result.BlockTime.Time()
		details.BlockTime = &t
	}
	if result.Meta != nil {
		details.Fee = result.Meta.Fee
		details.Err = result.Meta.Err
		details.Logs = result.Meta.LogMessages
	}

	if result.Transaction == nil {
		return details, nil
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if tx == nil {
		return details, nil
	}

	describeInstructions(details, tx)
	return details, nil
}

func describeInstructions(details *TransactionDetails, tx *solana.Transaction) {
	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		switch {
		case programID.Equals(solana.SystemProgramID):
			amount, from, to, err := parseSystemTransfer(instruction, accountKeys)
			if err == nil && details.FromAddress == nil {
				details.Amount = amount
				details.FromAddress = addressString(from)
				details.ToAddress = addressString(to)
			}

		case programID.Equals(solana.TokenProgramID) || programID.Equals(solana.Token2022ProgramID):
			amount, mint, authority, err := parseTokenTransfer(instruction, accountKeys)
			if err == nil && details.FromAddress == nil {
				details.Amount = amount
				details.TokenMint = addressString(mint)
				details.FromAddress = addressString(authority)
			}

		case programID.Equals(solana.MemoProgramID) || programID.Equals(MemoProgramIDLegacy):
			if memo := parseMemo(instruction.Data); memo != "" && details.Memo == nil {
				details.Memo = &memo
			}
		}
	}
}

// parseSystemTransfer decodes a System Program Transfer: a u32 instruction
// type followed by u64 lamports; accounts are [from, to].
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (uint64, *solana.PublicKey, *solana.PublicKey, error) {
	if len(instruction.Data) < 12 {
		return 0, nil, nil, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}
	if kind := binary.LittleEndian.Uint32(instruction.Data[0:4]); kind != systemTransferInstruction {
		return 0, nil, nil, fmt.Errorf("not a transfer instruction: type %d", kind)
	}
	amount := binary.LittleEndian.Uint64(instruction.Data[4:12])
	return amount, accountAt(instruction, accountKeys, 0), accountAt(instruction, accountKeys, 1), nil
}

// parseTokenTransfer decodes SPL Transfer and TransferChecked. Only
// TransferChecked names the mint; its accounts are
// [source, mint, destination, authority].
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (uint64, *solana.PublicKey, *solana.PublicKey, error) {
	if len(instruction.Data) == 0 {
		return 0, nil, nil, fmt.Errorf("empty instruction data")
	}

	switch instruction.Data[0] {
	case tokenTransferInstruction:
		if len(instruction.Data) < 9 {
			return 0, nil, nil, fmt.Errorf("transfer instruction data too short")
		}
		amount := binary.LittleEndian.Uint64(instruction.Data[1:9])
		return amount, nil, accountAt(instruction, accountKeys, 2), nil

	case tokenTransferCheckedInstruction:
		if len(instruction.Data) < 10 {
			return 0, nil, nil, fmt.Errorf("transferChecked instruction data too short")
		}
		if len(instruction.Accounts) < 4 {
			return 0, nil, nil, fmt.Errorf("transferChecked missing accounts")
		}
		amount := binary.LittleEndian.Uint64(instruction.Data[1:9])
		return amount, accountAt(instruction, accountKeys, 1), accountAt(instruction, accountKeys, 3), nil

	default:
		return 0, nil, nil, fmt.Errorf("unknown token instruction type: %d", instruction.Data[0])
	}
}

// parseMemo returns the memo text. Memo data is raw UTF-8; anything else is
// reported as hex.
func parseMemo(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return fmt.Sprintf("%x", data)
}

func accountAt(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey, pos int) *solana.PublicKey {
	if pos >= len(instruction.Accounts) {
		return nil
	}
	idx := int(instruction.Accounts[pos])
	if idx >= len(accountKeys) {
		return nil
	}
	key := accountKeys[idx]
	return &key
}

func addressString(key *solana.PublicKey) *string {
	if key == nil {
		return nil
	}
	s := key.String()
	return &s
}
