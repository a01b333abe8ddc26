package cryptoengine

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// LoadOrCreateMasterKeyFile reads a base64-encoded master key from path,
// generating and persisting a new one on first run. The returned bytes are
// MasterKeySize long.
func LoadOrCreateMasterKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("cryptoengine: decode master key file %s: %w", path, decErr)
		}
		if len(key) != MasterKeySize {
			return nil, fmt.Errorf("cryptoengine: master key file %s has wrong length %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cryptoengine: read master key file %s: %w", path, err)
	}

	key, genErr := GenerateMasterKey()
	if genErr != nil {
		return nil, genErr
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if writeErr := os.WriteFile(path, []byte(encoded+"\n"), 0o600); writeErr != nil {
		return nil, fmt.Errorf("cryptoengine: persist master key file %s: %w", path, writeErr)
	}
	return key, nil
}

// DecodeMasterKeyBase64 decodes a base64-encoded master key, such as the one
// supplied directly via Security.MasterKey configuration.
func DecodeMasterKeyBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: decode master key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("cryptoengine: master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}
