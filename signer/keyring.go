// Package signer holds the facilitator's active ledger-network signing
// identity. Its public key is where ledger-network payments are sent.
package signer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
)

var ErrNoActiveSigner = errors.New("no active signer")

// Active resolves the signing identity in effect right now.
type Active interface {
	Active() (solana.PublicKey, error)
}

// Keyring holds one active key and any retired ones. Rotate swaps the
// active key atomically; challenges issued afterwards carry the new key.
type Keyring struct {
	active atomic.Pointer[solana.PrivateKey]

	mu      sync.Mutex
	retired []solana.PublicKey
}

var _ Active = (*Keyring)(nil)

func NewKeyring(key solana.PrivateKey) (*Keyring, error) {
	k := &Keyring{}
	if err := k.Rotate(key); err != nil {
		return nil, err
	}
	return k, nil
}

// LoadKeyring accepts a base58 secret key, a JSON byte array, or the path
// of a keygen JSON file.
func LoadKeyring(secret string) (*Keyring, error) {
	key, err := ParsePrivateKey(secret)
	if err != nil {
		return nil, err
	}
	return NewKeyring(key)
}

func ParsePrivateKey(secret string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("signer secret is empty")
	}

	if strings.HasPrefix(secret, "[") {
		var raw []byte
		if err := json.Unmarshal([]byte(secret), &raw); err != nil {
			return nil, fmt.Errorf("decode signer byte array: %w", err)
		}
		return checkKey(solana.PrivateKey(raw))
	}

	if _, err := os.Stat(secret); err == nil {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(secret)
		if err != nil {
			return nil, fmt.Errorf("read signer keygen file: %w", err)
		}
		return checkKey(key)
	}

	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("decode signer base58 key: %w", err)
	}
	return checkKey(key)
}

func checkKey(key solana.PrivateKey) (solana.PrivateKey, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("signer key must be 64 bytes, got %d", len(key))
	}
	return key, nil
}

func (k *Keyring) Active() (solana.PublicKey, error) {
	key := k.active.Load()
	if key == nil {
		return solana.PublicKey{}, ErrNoActiveSigner
	}
	return key.PublicKey(), nil
}

// Rotate makes key the active signer and retires the previous one.
func (k *Keyring) Rotate(key solana.PrivateKey) error {
	if _, err := checkKey(key); err != nil {
		return err
	}

	next := append(solana.PrivateKey(nil), key...)
	prev := k.active.Swap(&next)
	if prev != nil {
		k.mu.Lock()
		k.retired = append(k.retired, prev.PublicKey())
		k.mu.Unlock()
	}
	return nil
}

// Retired lists keys that were active before, oldest first. Payments sent
// to a retired key after rotation no longer match new challenges.
func (k *Keyring) Retired() []solana.PublicKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]solana.PublicKey(nil), k.retired...)
}

// Static is an Active over a fixed public key.
type Static solana.PublicKey

func (s Static) Active() (solana.PublicKey, error) {
	pk := solana.PublicKey(s)
	if pk.IsZero() {
		return pk, ErrNoActiveSigner
	}
	return pk, nil
}
