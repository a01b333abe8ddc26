package ros

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// filenamePrefixes and filenameExtensions are the innocuous-looking pools
// each obfuscated attachment filename is drawn from. These are
// compliance-adjacent anti-pattern-masking features, not security controls:
// they exist because the system's viability against the backing chat
// service depends on its traffic not reading as an exfiltration tool, and
// must never be described as access control or confidentiality measures.
var filenamePrefixes = []string{
	"img_", "cache_", "tmp_", "data_", "asset_",
	"thumb_", "preview_", "backup_", "sync_", "media_",
}

var filenameExtensions = []string{
	".jpg", ".png", ".webp", ".gif", ".mp3", ".wav", ".ogg",
	".bin", ".dat", ".cache", ".tmp", ".blob",
}

// obfuscatedNameSalt namespaces the log-only filename hash from any other
// use of SHA-256 in this package.
const obfuscatedNameSalt = "salt_discordfs"

// obfuscateFilename synthesizes the attachment filename uploaded for one
// chunk: a random innocuous prefix and extension around 8 hex bytes of
// SHA-256 over a string unique to this chunk and upload attempt.
func obfuscateFilename(originalPath string, chunkIndex int) (string, error) {
	prefix, err := randomChoice(filenamePrefixes)
	if err != nil {
		return "", err
	}
	ext, err := randomChoice(filenameExtensions)
	if err != nil {
		return "", err
	}

	randomComponent, err := randomUint64()
	if err != nil {
		return "", err
	}

	seed := fmt.Sprintf("%s:%d:%d:%d", originalPath, chunkIndex, time.Now().UnixNano(), randomComponent)
	sum := sha256.Sum256([]byte(seed))
	hashHex := hex.EncodeToString(sum[:8])

	return prefix + hashHex + ext, nil
}

// hashFileName returns a short, non-reversible label for a real path or
// filename, safe to place in log lines so that real names never appear in
// process output.
func hashFileName(name string) string {
	sum := sha256.Sum256([]byte(name + obfuscatedNameSalt))
	return hex.EncodeToString(sum[:6])
}

func randomChoice(pool []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return "", fmt.Errorf("ros: choose random element: %w", err)
	}
	return pool[n.Int64()], nil
}

func randomUint64() (uint64, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return 0, fmt.Errorf("ros: generate random component: %w", err)
	}
	return binary.BigEndian.Uint64(buf), nil
}
