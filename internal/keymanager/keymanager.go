// Package keymanager optionally wraps the filesystem's master key with an
// external KMIP-speaking key management service, so the key file on disk
// never holds a directly usable plaintext key. When no KMS is configured,
// the master key is used as-is (internal/cryptoengine.LoadOrCreateMasterKeyFile).
package keymanager

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"
)

// KeyManager wraps and unwraps the master key through an external KMS.
// Implementations must never expose the unwrapped key outside of
// UnwrapKey's return value.
type KeyManager interface {
	Provider() string
	WrapKey(ctx context.Context, plaintext []byte) (*Envelope, error)
	UnwrapKey(ctx context.Context, envelope *Envelope) ([]byte, error)
	ActiveKeyVersion(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Envelope is the on-disk representation of a wrapped master key.
type Envelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// KeyReference names one wrapping key known to the KMS, by its KMIP
// unique identifier and a locally tracked version number.
type KeyReference struct {
	ID      string
	Version int
}

// Options configures a KMIPManager.
type Options struct {
	Endpoint  string
	Keys      []KeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string
}

// KMIPManager implements KeyManager over a KMIP 2.x endpoint via
// github.com/ovh/kmip-go. It always wraps with the highest-versioned key
// in Keys and can unwrap using any of them, so a key rotation only needs
// the new entry appended to Keys.
type KMIPManager struct {
	client   *kmipclient.Client
	keys     []KeyReference
	provider string
	timeout  time.Duration
}

// NewKMIPManager dials the configured KMIP endpoint.
func NewKMIPManager(opts Options) (*KMIPManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("keymanager: at least one key reference is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Provider == "" {
		opts.Provider = "kmip"
	}

	client, err := kmipclient.Dial(opts.Endpoint, kmipclient.WithTLSConfig(opts.TLSConfig))
	if err != nil {
		return nil, fmt.Errorf("keymanager: dial %s: %w", opts.Endpoint, err)
	}

	return &KMIPManager{
		client:   client,
		keys:     opts.Keys,
		provider: opts.Provider,
		timeout:  opts.Timeout,
	}, nil
}

// Provider returns the configured provider label.
func (m *KMIPManager) Provider() string { return m.provider }

// WrapKey encrypts plaintext with the active (highest-version) key.
func (m *KMIPManager) WrapKey(ctx context.Context, plaintext []byte) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	active := m.activeKey()
	resp, err := m.client.Encrypt(ctx, payloads.EncryptRequestPayload{
		UniqueIdentifier: kmip.String(active.ID),
		Data:             plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("keymanager: wrap with key %s: %w", active.ID, err)
	}

	return &Envelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope, resolving the key by KeyID when present and
// falling back to matching KeyVersion against the configured key list.
func (m *KMIPManager) UnwrapKey(ctx context.Context, envelope *Envelope) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	keyID := envelope.KeyID
	if keyID == "" {
		ref, ok := m.keyByVersion(envelope.KeyVersion)
		if !ok {
			return nil, fmt.Errorf("keymanager: no key registered for version %d", envelope.KeyVersion)
		}
		keyID = ref.ID
	}

	resp, err := m.client.Decrypt(ctx, payloads.DecryptRequestPayload{
		UniqueIdentifier: kmip.String(keyID),
		Data:             envelope.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("keymanager: unwrap with key %s: %w", keyID, err)
	}
	return resp.Data, nil
}

// ActiveKeyVersion returns the version of the key WrapKey currently uses.
func (m *KMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return m.activeKey().Version, nil
}

// HealthCheck verifies the KMIP endpoint is reachable by fetching the
// active key's attributes.
func (m *KMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	active := m.activeKey()
	_, err := m.client.Get(ctx, payloads.GetRequestPayload{UniqueIdentifier: kmip.String(active.ID)})
	if err != nil {
		return fmt.Errorf("keymanager: health check: %w", err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *KMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}

func (m *KMIPManager) activeKey() KeyReference {
	active := m.keys[0]
	for _, k := range m.keys {
		if k.Version > active.Version {
			active = k
		}
	}
	return active
}

func (m *KMIPManager) keyByVersion(version int) (KeyReference, bool) {
	for _, k := range m.keys {
		if k.Version == version {
			return k, true
		}
	}
	return KeyReference{}, false
}
