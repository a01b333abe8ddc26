// Package fsadapter bridges kernel file-operation callbacks to the rest
// of the engine: the metadata index, content cache, chunker, crypto
// engine, and remote object store. It is deliberately independent of any
// specific kernel bridge library — only the callback contract below is
// implemented, so that whichever bridge a deployment chooses can be
// adapted to it with a thin shim.
package fsadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/discordfs/discordfs/internal/audit"
	"github.com/discordfs/discordfs/internal/cache"
	"github.com/discordfs/discordfs/internal/chunker"
	"github.com/discordfs/discordfs/internal/cryptoengine"
	"github.com/discordfs/discordfs/internal/debug"
	"github.com/discordfs/discordfs/internal/metaindex"
	"github.com/discordfs/discordfs/internal/ros"
	"github.com/discordfs/discordfs/internal/telemetry"
)

// OpenMode mirrors the caller's requested open disposition.
type OpenMode int

const (
	OpenExisting OpenMode = iota
	CreateNew
	Create
	Truncate
	OpenOrCreate
	Append
)

// VolumeInfo is the fixed volume descriptor reported to the kernel.
type VolumeInfo struct {
	TotalBytes     uint64
	FreeBytes      uint64
	FilesystemName string
	CasePreserving bool
	CaseSensitive  bool
	Unicode        bool
}

// FileInfo is what GetFileInformation and FindFiles report.
type FileInfo struct {
	Name        string
	SizeBytes   int64
	IsDirectory bool
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// writeBuffer is one open-for-write session's accumulated bytes.
type writeBuffer struct {
	mu   sync.Mutex
	data []byte
}

// Adapter implements the kernel-facing file operations, translating them
// into calls against the index, cache, chunker, crypto engine and remote
// object store.
type Adapter struct {
	index        *metaindex.Index
	contentCache *cache.LRU
	crypto       *cryptoengine.Engine // nil means "store unencrypted"
	store        *ros.Store
	log          *logrus.Entry
	metrics      *telemetry.Metrics
	audit        *audit.Logger

	mu           sync.Mutex
	writeBuffers map[string]*writeBuffer
	readCache    map[string][]byte
}

// New constructs an Adapter. crypto may be nil to disable encryption;
// metrics and auditLogger may be nil to disable instrumentation and the
// audit trail respectively.
func New(index *metaindex.Index, contentCache *cache.LRU, crypto *cryptoengine.Engine, store *ros.Store, log *logrus.Entry, metrics *telemetry.Metrics, auditLogger *audit.Logger) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		index:        index,
		contentCache: contentCache,
		crypto:       crypto,
		store:        store,
		log:          log.WithField("component", "fsadapter"),
		metrics:      metrics,
		audit:        auditLogger,
		writeBuffers: make(map[string]*writeBuffer),
		readCache:    make(map[string][]byte),
	}
}

// NormalizePath canonicalizes backslashes to forward slashes and makes the
// result start with a "/" (adding one when absent), matching the
// leading-slash form stored in the index. The root is "/".
func NormalizePath(raw string) string {
	p := strings.ReplaceAll(raw, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	return "/" + p
}

// Open implements the open/create callback.
func (a *Adapter) Open(path string, mode OpenMode) (FileInfo, error) {
	path = NormalizePath(path)

	if path == "/" {
		return FileInfo{Name: "/", IsDirectory: true}, nil
	}

	rec, err := a.index.Get(path)
	exists := true
	if err == metaindex.ErrNotFound {
		exists = false
	} else if err != nil {
		return FileInfo{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if exists && rec.IsDirectory {
		return toFileInfo(rec), nil
	}

	switch mode {
	case CreateNew:
		if exists {
			return FileInfo{}, ErrFileExists
		}
		a.startBuffer(path, nil)
	case Create, Truncate:
		if mode == Truncate && !exists {
			return FileInfo{}, ErrFileNotFound
		}
		a.startBuffer(path, nil)
	case OpenExisting:
		if !exists {
			return FileInfo{}, ErrFileNotFound
		}
	case OpenOrCreate:
		if !exists {
			a.startBuffer(path, nil)
		}
	case Append:
		if exists {
			body, err := a.LoadFileData(context.Background(), path, rec)
			if err != nil {
				return FileInfo{}, err
			}
			a.startBuffer(path, body)
		} else {
			a.startBuffer(path, nil)
		}
	}

	if exists {
		return toFileInfo(rec), nil
	}
	return FileInfo{Name: path}, nil
}

func (a *Adapter) startBuffer(path string, initial []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, len(initial))
	copy(buf, initial)
	a.writeBuffers[path] = &writeBuffer{data: buf}
}

// Read returns up to length bytes starting at offset, loading the full
// body into the session read cache on first access.
func (a *Adapter) Read(ctx context.Context, path string, offset int64, length int) ([]byte, error) {
	path = NormalizePath(path)

	a.mu.Lock()
	body, cached := a.readCache[path]
	a.mu.Unlock()

	if !cached {
		if debug.Enabled() {
			a.log.WithField("path", path).Debug("read cache miss, loading from store")
		}
		rec, err := a.index.Get(path)
		if err == metaindex.ErrNotFound {
			return nil, ErrFileNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		body, err = a.LoadFileData(ctx, path, rec)
		if err != nil {
			return nil, err
		}
	}

	if offset >= int64(len(body)) {
		return nil, nil
	}
	end := offset + int64(length)
	if end > int64(len(body)) {
		end = int64(len(body))
	}
	out := make([]byte, end-offset)
	copy(out, body[offset:end])
	return out, nil
}

// LoadFileData returns the decrypted, reassembled body for rec, consulting
// the content cache first and populating both the content cache and the
// session read cache on miss.
func (a *Adapter) LoadFileData(ctx context.Context, path string, rec metaindex.Record) ([]byte, error) {
	cacheKey := "file:" + path
	if body, ok := a.contentCache.Get(cacheKey); ok {
		a.metrics.RecordCacheHit()
		a.storeReadCache(path, body)
		return body, nil
	}
	a.metrics.RecordCacheMiss()

	correlationID := audit.NewCorrelationID()
	start := time.Now()

	refs := make([]chunker.ChunkRef, 0, len(rec.Chunks))
	for _, c := range rec.Chunks {
		refs = append(refs, chunker.ChunkRef{
			ChunkIndex: c.ChunkIndex,
			URL:        c.URL,
			SizeBytes:  c.SizeBytes,
			CRC32:      c.CRC32,
		})
	}

	download := func(url string) ([]byte, error) {
		return a.store.Download(ctx, url)
	}
	decrypt := func(blob []byte) ([]byte, error) {
		if a.crypto == nil {
			return blob, nil
		}
		return a.crypto.Decrypt(blob)
	}

	body, err := chunker.Reassemble(refs, download, decrypt, a.log, a.metrics)
	if err != nil {
		a.audit.LogDownload(correlationID, path, rec.SizeBytes, false, err, time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	a.audit.LogDownload(correlationID, path, int64(len(body)), true, nil, time.Since(start))

	a.contentCache.Add(cacheKey, body)
	a.metrics.SetCacheSizeBytes(float64(a.contentCache.Size()))
	a.storeReadCache(path, body)
	return body, nil
}

func (a *Adapter) storeReadCache(path string, body []byte) {
	a.mu.Lock()
	a.readCache[path] = body
	a.mu.Unlock()
}

// Write appends data at offset into path's write buffer, creating one on
// demand. No partial-chunk upload happens here; bytes only leave the
// process on Cleanup.
func (a *Adapter) Write(path string, offset int64, data []byte) (int, error) {
	path = NormalizePath(path)

	a.mu.Lock()
	buf, ok := a.writeBuffers[path]
	if !ok {
		buf = &writeBuffer{}
		a.writeBuffers[path] = buf
	}
	a.mu.Unlock()

	buf.mu.Lock()
	defer buf.mu.Unlock()

	end := offset + int64(len(data))
	if end > int64(len(buf.data)) {
		grown := make([]byte, end)
		copy(grown, buf.data)
		buf.data = grown
	}
	copy(buf.data[offset:end], data)
	return len(data), nil
}

// Cleanup handles file close: if a write buffer exists, it is snapshotted
// and handed to a detached upload task. The kernel-facing call always
// succeeds immediately; failures surface only in logs.
func (a *Adapter) Cleanup(path string) {
	path = NormalizePath(path)

	a.mu.Lock()
	buf, ok := a.writeBuffers[path]
	if ok {
		delete(a.writeBuffers, path)
	}
	delete(a.readCache, path)
	a.mu.Unlock()

	if !ok {
		return
	}

	buf.mu.Lock()
	snapshot := make([]byte, len(buf.data))
	copy(snapshot, buf.data)
	buf.mu.Unlock()

	go a.uploadAndPersist(path, snapshot)
}

func (a *Adapter) uploadAndPersist(path string, data []byte) {
	log := a.log.WithField("path_len", len(path))
	ctx := context.Background()
	correlationID := audit.NewCorrelationID()
	start := time.Now()

	payload := data
	if a.crypto != nil {
		encrypted, err := a.crypto.Encrypt(data)
		if err != nil {
			log.WithError(err).Error("encrypt on close failed, file not persisted")
			a.audit.LogUpload(correlationID, path, int64(len(data)), false, err, time.Since(start))
			return
		}
		payload = encrypted
	}

	chunks := chunker.Fragment(payload)
	refs := make([]metaindex.ChunkRef, 0, len(chunks))
	for _, c := range chunks {
		uploaded, err := a.store.Upload(ctx, path, c.Index, c.Bytes, c.CRC32)
		if err != nil {
			log.WithError(err).Error("chunk upload failed, file not fully persisted")
			a.audit.LogUpload(correlationID, path, int64(len(data)), false, err, time.Since(start))
			return
		}
		refs = append(refs, metaindex.ChunkRef{
			ChunkIndex: uploaded.ChunkIndex,
			MessageID:  uploaded.MessageID,
			URL:        uploaded.URL,
			SizeBytes:  uploaded.SizeBytes,
			CRC32:      uploaded.CRC32,
		})
	}

	now := time.Now().UTC()
	record := metaindex.Record{
		VirtualPath: path,
		FileName:    baseName(path),
		SizeBytes:   int64(len(data)),
		CreatedAt:   now,
		ModifiedAt:  now,
		Chunks:      refs,
	}
	if _, err := a.index.Save(record); err != nil {
		log.WithError(err).Error("index save failed after upload")
		a.audit.LogUpload(correlationID, path, int64(len(data)), false, err, time.Since(start))
		return
	}
	a.audit.LogUpload(correlationID, path, int64(len(data)), true, nil, time.Since(start))
}

// DeleteFile removes a file's record and schedules best-effort deletion
// of its underlying chat-service messages.
func (a *Adapter) DeleteFile(path string) error {
	path = NormalizePath(path)
	correlationID := audit.NewCorrelationID()

	rec, err := a.index.Get(path)
	if err == metaindex.ErrNotFound {
		a.audit.LogDelete(correlationID, path, false, ErrFileNotFound)
		return ErrFileNotFound
	}
	if err != nil {
		a.audit.LogDelete(correlationID, path, false, err)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	ids := make([]uint64, 0, len(rec.Chunks))
	for _, c := range rec.Chunks {
		ids = append(ids, c.MessageID)
	}
	go a.store.DeleteMany(context.Background(), ids)

	if err := a.index.Delete(path); err != nil && err != metaindex.ErrNotFound {
		a.audit.LogDelete(correlationID, path, false, err)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	a.contentCache.EvictByPrefix("file:" + path)
	a.audit.LogDelete(correlationID, path, true, nil)
	return nil
}

// DeleteDirectory removes a directory record, failing if it has children.
func (a *Adapter) DeleteDirectory(path string) error {
	path = NormalizePath(path)

	children, err := a.index.List(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if len(children) > 0 {
		return ErrDirectoryNotEmpty
	}
	if err := a.index.Delete(path); err != nil {
		if err == metaindex.ErrNotFound {
			return ErrFileNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// Move renames oldPath to newPath in the index and evicts the source's
// cache entry. When replace is true, an existing record at newPath is
// removed from the index (and its cache entry evicted) before the rename.
func (a *Adapter) Move(oldPath, newPath string, replace bool) error {
	oldPath = NormalizePath(oldPath)
	newPath = NormalizePath(newPath)
	correlationID := audit.NewCorrelationID()
	auditPath := fmt.Sprintf("%s -> %s", oldPath, newPath)

	if _, err := a.index.Get(oldPath); err == metaindex.ErrNotFound {
		a.audit.LogRename(correlationID, auditPath, false, ErrFileNotFound)
		return ErrFileNotFound
	} else if err != nil {
		a.audit.LogRename(correlationID, auditPath, false, err)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	destExists, err := a.index.Exists(newPath)
	if err != nil {
		a.audit.LogRename(correlationID, auditPath, false, err)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if destExists {
		if !replace {
			a.audit.LogRename(correlationID, auditPath, false, ErrFileExists)
			return ErrFileExists
		}
		if err := a.index.Delete(newPath); err != nil && err != metaindex.ErrNotFound {
			a.audit.LogRename(correlationID, auditPath, false, err)
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		a.contentCache.Evict("file:" + newPath)
	}

	if err := a.index.Rename(oldPath, newPath, baseName(newPath), time.Now().UTC()); err != nil {
		if err == metaindex.ErrNotFound {
			a.audit.LogRename(correlationID, auditPath, false, ErrFileNotFound)
			return ErrFileNotFound
		}
		a.audit.LogRename(correlationID, auditPath, false, err)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	a.contentCache.Evict("file:" + oldPath)
	a.audit.LogRename(correlationID, auditPath, true, nil)
	return nil
}

// GetVolumeInfo reports the fixed volume descriptor.
func (a *Adapter) GetVolumeInfo() VolumeInfo {
	const gib = 1024 * 1024 * 1024
	return VolumeInfo{
		TotalBytes:     1024 * gib,
		FreeBytes:      999 * gib,
		FilesystemName: "NTFS",
		CasePreserving: true,
		CaseSensitive:  true,
		Unicode:        true,
	}
}

func toFileInfo(rec metaindex.Record) FileInfo {
	return FileInfo{
		Name:        rec.FileName,
		SizeBytes:   rec.SizeBytes,
		IsDirectory: rec.IsDirectory,
		CreatedAt:   rec.CreatedAt,
		ModifiedAt:  rec.ModifiedAt,
	}
}

func baseName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
