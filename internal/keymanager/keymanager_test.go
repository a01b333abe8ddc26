package keymanager

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipserver"
	"github.com/ovh/kmip-go/kmiptest"
	"github.com/ovh/kmip-go/payloads"
	"github.com/stretchr/testify/require"
)

// xorKeyHandler is a trivial stand-in KMS: it "encrypts" by XOR-ing with a
// fixed byte, which is reversible by applying the same operation again.
type xorKeyHandler struct{}

func xorBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ 0x5A
	}
	return out
}

func (h *xorKeyHandler) encrypt(_ context.Context, req *payloads.EncryptRequestPayload) (*payloads.EncryptResponsePayload, error) {
	return &payloads.EncryptResponsePayload{UniqueIdentifier: req.UniqueIdentifier, Data: xorBytes(req.Data)}, nil
}

func (h *xorKeyHandler) decrypt(_ context.Context, req *payloads.DecryptRequestPayload) (*payloads.DecryptResponsePayload, error) {
	return &payloads.DecryptResponsePayload{UniqueIdentifier: req.UniqueIdentifier, Data: xorBytes(req.Data)}, nil
}

func (h *xorKeyHandler) get(_ context.Context, req *payloads.GetRequestPayload) (*payloads.GetResponsePayload, error) {
	return &payloads.GetResponsePayload{UniqueIdentifier: req.UniqueIdentifier}, nil
}

func newTestManager(t *testing.T) *KMIPManager {
	t.Helper()
	exec := kmipserver.NewBatchExecutor()
	h := &xorKeyHandler{}
	exec.Route(kmip.OperationEncrypt, kmipserver.HandleFunc(h.encrypt))
	exec.Route(kmip.OperationDecrypt, kmipserver.HandleFunc(h.decrypt))
	exec.Route(kmip.OperationGet, kmipserver.HandleFunc(h.get))

	addr, ca := kmiptest.NewServer(t, exec)
	tlsCfg := mustTLSConfigFromPEM(t, ca)

	mgr, err := NewKMIPManager(Options{
		Endpoint:  addr,
		Keys:      []KeyReference{{ID: "master-wrap-key", Version: 1}},
		TLSConfig: tlsCfg,
		Timeout:   2 * time.Second,
		Provider:  "test-kmip",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr
}

func mustTLSConfigFromPEM(t *testing.T, pem string) *tls.Config {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(pem)))
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	env, err := mgr.WrapKey(context.Background(), []byte("the-master-key-bytes"))
	require.NoError(t, err)
	require.Equal(t, 1, env.KeyVersion)
	require.Equal(t, "test-kmip", env.Provider)
	require.NotEqual(t, []byte("the-master-key-bytes"), env.Ciphertext)

	plaintext, err := mgr.UnwrapKey(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, "the-master-key-bytes", string(plaintext))
}

func TestUnwrapFallsBackToVersionLookup(t *testing.T) {
	mgr := newTestManager(t)

	env, err := mgr.WrapKey(context.Background(), []byte("another-key"))
	require.NoError(t, err)
	env.KeyID = ""

	plaintext, err := mgr.UnwrapKey(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, "another-key", string(plaintext))
}

func TestActiveKeyVersion(t *testing.T) {
	mgr := newTestManager(t)
	version, err := mgr.ActiveKeyVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, version)
}
