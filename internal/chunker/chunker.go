// Package chunker splits an opaque byte buffer into fixed-maximum chunks
// with per-chunk CRC-32 checksums, and reassembles a chunk-ref stream back
// into a verified byte buffer.
package chunker

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/discordfs/discordfs/internal/telemetry"
)

// MaxChunkSize is the largest number of bytes a single chunk may carry.
const MaxChunkSize = 9 * 1024 * 1024

// ErrIntegrity is returned by Reassemble when a downloaded chunk's bytes do
// not match its recorded CRC-32.
var ErrIntegrity = errors.New("chunker: integrity check failed")

// interDownloadDelayMin and interDownloadDelayMax bound the jittered pause
// between successive chunk downloads during reassembly. This throttling is
// independent of, and in addition to, the uploader's Throttler: its purpose
// is to space CDN hits, not to model a shared rate budget.
const (
	interDownloadDelayMin = 100 * time.Millisecond
	interDownloadDelayMax = 400 * time.Millisecond
)

// Chunk is one fragment produced by Fragment, not yet uploaded.
type Chunk struct {
	Index int
	Bytes []byte
	CRC32 uint32
}

// Fragment splits data into ascending-index chunks of at most MaxChunkSize
// bytes each, the final chunk carrying the remainder. An empty input yields
// a single empty chunk so that zero-length files still round-trip through
// exactly one upload.
func Fragment(data []byte) []Chunk {
	if len(data) == 0 {
		return []Chunk{{Index: 0, Bytes: nil, CRC32: crc32.ChecksumIEEE(nil)}}
	}

	count := ChunkCount(len(data))
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * MaxChunkSize
		end := start + MaxChunkSize
		if end > len(data) {
			end = len(data)
		}
		piece := data[start:end]
		chunks = append(chunks, Chunk{
			Index: i,
			Bytes: piece,
			CRC32: crc32.ChecksumIEEE(piece),
		})
	}
	return chunks
}

// ChunkCount returns the number of chunks Fragment would produce for a
// buffer of size bytes. size is the already-final byte count to be
// chunked: any encryption overhead is added by the caller, not here.
func ChunkCount(size int) int {
	if size == 0 {
		return 1
	}
	return (size + MaxChunkSize - 1) / MaxChunkSize
}

// ChunkRef is the durable handle a caller downloads by. It mirrors the
// metadata index's chunk record: enough to fetch and verify one chunk.
type ChunkRef struct {
	ChunkIndex int
	URL        string
	SizeBytes  int64
	CRC32      uint32
}

// DownloadFunc fetches the raw bytes stored at url.
type DownloadFunc func(url string) ([]byte, error)

// DecryptFunc reverses whatever encryption was applied before chunking, or
// is nil when encryption is disabled.
type DecryptFunc func(blob []byte) ([]byte, error)

// legacyMinSize is the smallest reassembled blob length for which a
// decryption failure is interpreted as "this file predates encryption"
// rather than corruption.
const legacyMinSize = 28

// Reassemble downloads every ref (sorted by ChunkIndex), verifies each
// chunk's CRC-32, concatenates them in order, and — when decrypt is
// non-nil and the result is at least legacyMinSize bytes — attempts
// decryption. A decrypt failure on a sufficiently large blob is treated as
// "stored unencrypted" (legacy fallback) and the raw bytes are returned
// instead of an error; decrypt failures are never conflated with CRC
// failures, which always propagate as ErrIntegrity. metrics may be nil.
func Reassemble(refs []ChunkRef, download DownloadFunc, decrypt DecryptFunc, log *logrus.Entry, metrics *telemetry.Metrics) ([]byte, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sorted := make([]ChunkRef, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	var out []byte
	for i, ref := range sorted {
		if i > 0 {
			sleepJitter()
		}

		raw, err := download(ref.URL)
		if err != nil {
			return nil, fmt.Errorf("chunker: download chunk %d: %w", ref.ChunkIndex, err)
		}
		if crc32.ChecksumIEEE(raw) != ref.CRC32 {
			log.WithFields(logrus.Fields{"chunk_index": ref.ChunkIndex}).Error("chunk failed CRC-32 verification")
			metrics.RecordIntegrityFailure()
			return nil, fmt.Errorf("%w: chunk %d", ErrIntegrity, ref.ChunkIndex)
		}
		out = append(out, raw...)
	}

	if decrypt == nil || len(out) < legacyMinSize {
		return out, nil
	}

	plaintext, err := decrypt(out)
	if err != nil {
		log.Warn("decryption failed on a sufficiently large blob; treating as legacy unencrypted file")
		metrics.RecordLegacyFallback()
		return out, nil
	}
	return plaintext, nil
}

func sleepJitter() {
	span := interDownloadDelayMax - interDownloadDelayMin
	delay := interDownloadDelayMin + time.Duration(rand.Int63n(int64(span)+1))
	time.Sleep(delay)
}
