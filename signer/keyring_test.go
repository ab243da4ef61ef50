package signer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringRotate(t *testing.T) {
	first := solana.NewWallet().PrivateKey
	second := solana.NewWallet().PrivateKey

	k, err := NewKeyring(first)
	require.NoError(t, err)

	pk, err := k.Active()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), pk)

	require.NoError(t, k.Rotate(second))
	pk, err = k.Active()
	require.NoError(t, err)
	assert.Equal(t, second.PublicKey(), pk)
	assert.Equal(t, []solana.PublicKey{first.PublicKey()}, k.Retired())

	assert.Error(t, k.Rotate(solana.PrivateKey{1, 2, 3}))
}

func TestKeyringEmpty(t *testing.T) {
	var k Keyring
	_, err := k.Active()
	assert.ErrorIs(t, err, ErrNoActiveSigner)

	_, err = Static(solana.PublicKey{}).Active()
	assert.ErrorIs(t, err, ErrNoActiveSigner)
}

func TestKeyringConcurrentRotation(t *testing.T) {
	keys := make([]solana.PrivateKey, 8)
	valid := map[solana.PublicKey]bool{}
	for i := range keys {
		keys[i] = solana.NewWallet().PrivateKey
		valid[keys[i].PublicKey()] = true
	}

	k, err := NewKeyring(keys[0])
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, key := range keys {
		key := key
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, k.Rotate(key))
		}()
		go func() {
			defer wg.Done()
			pk, err := k.Active()
			assert.NoError(t, err)
			assert.True(t, valid[pk])
		}()
	}
	wg.Wait()

	assert.Len(t, k.Retired(), len(keys))
}

func TestParsePrivateKey(t *testing.T) {
	key := solana.NewWallet().PrivateKey

	fromB58, err := ParsePrivateKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, fromB58)

	arr, err := json.Marshal(toInts(key))
	require.NoError(t, err)
	fromArray, err := ParsePrivateKey(string(arr))
	require.NoError(t, err)
	assert.Equal(t, key, fromArray)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, arr, 0o600))
	fromFile, err := ParsePrivateKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, fromFile)

	_, err = ParsePrivateKey("")
	assert.Error(t, err)
	_, err = ParsePrivateKey("[1,2,3]")
	assert.Error(t, err)
	_, err = ParsePrivateKey("0OIl")
	assert.Error(t, err)

	k, err := LoadKeyring(key.String())
	require.NoError(t, err)
	pk, err := k.Active()
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), pk)
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
