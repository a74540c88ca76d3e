package solana

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypairWallet_SignTransaction(t *testing.T) {
	wallet := newTestWallet(t)
	payer, err := wallet.PublicKey()
	require.NoError(t, err)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{memo.NewMemoInstruction([]byte("sign me"), payer).Build()},
		solana.Hash{4},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)

	require.NoError(t, wallet.SignTransaction(context.Background(), tx))
	require.Len(t, tx.Signatures, 1)
	assert.False(t, tx.Signatures[0].IsZero())
	assert.NoError(t, tx.VerifySignatures())
}

func TestKeypairWallet_NotConnected(t *testing.T) {
	var nilWallet *KeypairWallet
	_, err := nilWallet.PublicKey()
	assert.ErrorIs(t, err, ErrWalletNotConnected)

	empty := NewKeypairWallet(nil)
	_, err = empty.PublicKey()
	assert.ErrorIs(t, err, ErrWalletNotConnected)

	tx, _ := newSignedTx(t, "other")
	assert.ErrorIs(t, empty.SignTransaction(context.Background(), tx), ErrWalletNotConnected)
}

func TestLoadKeypairWallet(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	// solana-keygen stores the 64 key bytes as a JSON array of numbers.
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	wallet, err := LoadKeypairWallet(path)
	require.NoError(t, err)
	pub, err := wallet.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), pub)

	_, err = LoadKeypairWallet(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestKeypairWalletFromBase58(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	wallet, err := KeypairWalletFromBase58(key.String())
	require.NoError(t, err)
	pub, err := wallet.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), pub)

	_, err = KeypairWalletFromBase58("not-a-key")
	assert.Error(t, err)
}
