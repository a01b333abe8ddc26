package cryptoengine

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	e, err := New(key, nil)
	require.NoError(t, err)
	return e
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	sizes := []int{0, 1, 27, 28, 29, 4096, 9*1024*1024 + 7}
	for _, n := range sizes {
		plaintext := make([]byte, n)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		blob, err := e.Encrypt(plaintext)
		require.NoError(t, err)
		require.Len(t, blob, n+Overhead)

		out, err := e.Decrypt(blob)
		require.NoError(t, err)
		require.True(t, bytes.Equal(out, plaintext))
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	e := newTestEngine(t)
	plaintext := []byte("same plaintext every time")

	a, err := e.Encrypt(plaintext)
	require.NoError(t, err)
	b, err := e.Encrypt(plaintext)
	require.NoError(t, err)

	require.False(t, bytes.Equal(a, b), "two encryptions of the same plaintext must differ (fresh IV)")
}

func TestDecryptRejectsShortBlob(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Decrypt(make([]byte, Overhead-1))
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	e := newTestEngine(t)
	blob, err := e.Encrypt([]byte("hello world"))
	require.NoError(t, err)

	blob[Overhead-1] ^= 0xFF
	_, err = e.Decrypt(blob)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestDifferentEnginesCannotCrossDecrypt(t *testing.T) {
	e1 := newTestEngine(t)
	e2 := newTestEngine(t)

	blob, err := e1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = e2.Decrypt(blob)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestCloseZeroesMasterKey(t *testing.T) {
	e := newTestEngine(t)
	e.Close()

	allZero := true
	for _, b := range e.masterKey {
		if b != 0 {
			allZero = false
			break
		}
	}
	require.True(t, allZero)
}
