package main

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/stretchr/testify/require"
)

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.Reader = strings.NewReader(stdin)
	err := app.Run(append([]string{"sendtx"}, args...))
	return out.String(), err
}

// signedTx returns a signed memo transaction as base64 and its signature.
func signedTx(t *testing.T, text string) (string, string) {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{memo.NewMemoInstruction([]byte(text), key.PublicKey()).Build()},
		solanago.Hash{1, 2, 3},
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
