package solana

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Wallet is the signing collaborator used by SendTransaction(s).
type Wallet interface {
	// PublicKey returns the fee payer key. It fails with ErrWalletNotConnected
	// when the wallet holds no key.
	PublicKey() (solana.PublicKey, error)
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
	SignAllTransactions(ctx context.Context, txs []*solana.Transaction) error
}

// KeypairWallet signs with a single local private key.
type KeypairWallet struct {
	key solana.PrivateKey
}

// NewKeypairWallet creates a wallet for key. A nil or empty key yields a
// wallet that is not connected.
func NewKeypairWallet(key solana.PrivateKey) *KeypairWallet {
	return &KeypairWallet{key: key}
}

// LoadKeypairWallet reads a solana-keygen JSON keypair file.
func LoadKeypairWallet(path string) (*KeypairWallet, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", path, err)
	}
	return NewKeypairWallet(key), nil
}

// KeypairWalletFromBase58 parses a base58 encoded private key.
func KeypairWalletFromBase58(encoded string) (*KeypairWallet, error) {
	key, err := solana.PrivateKeyFromBase58(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewKeypairWallet(key), nil
}

func (w *KeypairWallet) PublicKey() (solana.PublicKey, error) {
	if w == nil || len(w.key) == 0 {
		return solana.PublicKey{}, ErrWalletNotConnected
	}
	return w.key.PublicKey(), nil
}

func (w *KeypairWallet) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	pub, err := w.PublicKey()
	if err != nil {
		return err
	}
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

func (w *KeypairWallet) SignAllTransactions(ctx context.Context, txs []*solana.Transaction) error {
	for i, tx := range txs {
		if err := w.SignTransaction(ctx, tx); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return nil
}
