// Package cryptoengine provides whole-buffer authenticated encryption for
// file bodies, with a fresh per-file subkey derived from a single master
// key. It is the sole owner of the master key's plaintext lifetime.
package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the length in bytes of the master key.
	MasterKeySize = 32

	// ivSize is the GCM nonce length, reused as the HKDF salt.
	ivSize = 12

	// tagSize is the GCM authentication tag length.
	tagSize = 16

	// Overhead is the number of bytes Encrypt adds to any plaintext.
	Overhead = ivSize + tagSize

	// hkdfInfo is the fixed context string for per-file subkey derivation.
	hkdfInfo = "DiscordFS-FileKey-v1"
)

// ErrCorrupted is returned by Decrypt when the blob is too short to contain
// a full IV+tag header, or the GCM tag fails to verify.
var ErrCorrupted = errors.New("cryptoengine: corrupted ciphertext")

// Engine encrypts and decrypts whole file buffers under a single master key.
// Engine is safe for concurrent use.
type Engine struct {
	masterKey []byte
	log       *logrus.Entry
}

// New wraps masterKey (which must be exactly MasterKeySize bytes) in an
// Engine. New copies masterKey so callers remain free to zero their own copy.
func New(masterKey []byte, log *logrus.Entry) (*Engine, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("cryptoengine: master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	owned := make([]byte, MasterKeySize)
	copy(owned, masterKey)
	entry := log.WithField("component", "cryptoengine")
	entry.WithField("aes_hardware", hasAESHardwareSupport()).Debug("crypto engine initialized")
	return &Engine{masterKey: owned, log: entry}, nil
}

// GenerateMasterKey returns MasterKeySize cryptographically random bytes,
// suitable for first-run master key generation.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("cryptoengine: generate master key: %w", err)
	}
	return key, nil
}

// Encrypt authenticates and encrypts plaintext under a freshly derived
// per-file subkey. The returned blob is IV(12) || TAG(16) || CIPHERTEXT,
// exactly len(plaintext)+Overhead bytes, and is self-describing: Decrypt
// needs nothing but this blob and the engine's master key.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("cryptoengine: generate iv: %w", err)
	}

	subkey, err := e.deriveSubkey(iv)
	if err != nil {
		return nil, err
	}
	defer zero(subkey)

	aead, err := newAEAD(subkey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, ivSize+len(plaintext)+tagSize)
	out = append(out, iv...)
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ctLen := len(sealed) - tagSize
	out = append(out, sealed[ctLen:]...)
	out = append(out, sealed[:ctLen]...)
	return out, nil
}

// Decrypt reverses Encrypt. It fails with ErrCorrupted if blob is shorter
// than Overhead bytes or the GCM tag does not verify.
func (e *Engine) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, ErrCorrupted
	}
	iv := blob[:ivSize]
	sealed := make([]byte, 0, len(blob)-ivSize)
	sealed = append(sealed, blob[Overhead:]...)
	sealed = append(sealed, blob[ivSize:Overhead]...)

	subkey, err := e.deriveSubkey(iv)
	if err != nil {
		return nil, err
	}
	defer zero(subkey)

	aead, err := newAEAD(subkey)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrCorrupted
	}
	return plaintext, nil
}

// Close zeroes the engine's copy of the master key. The engine must not be
// used afterward.
func (e *Engine) Close() {
	zero(e.masterKey)
}

// deriveSubkey runs HKDF-SHA256 over the master key, salted with iv, to
// produce a 32-byte per-file subkey. The caller owns zeroing the result.
func (e *Engine) deriveSubkey(iv []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, e.masterKey, iv, []byte(hkdfInfo))
	subkey := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("cryptoengine: derive subkey: %w", err)
	}
	return subkey, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: new gcm: %w", err)
	}
	return aead, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
