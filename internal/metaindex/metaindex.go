// Package metaindex is the Metadata Index: a single-writer embedded
// relational store mapping virtual paths to file records and their
// ordered chunk references. Every write is wrapped in a transaction and
// serialized by a process-wide mutex, per the durability contract the
// rest of the engine relies on.
package metaindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/discordfs/discordfs/internal/telemetry"
)

// tracer emits the spans wrapping every index transaction (Save, Delete,
// Rename). Index methods are not context-scoped, so spans are rooted
// against a background context rather than a caller's request trace.
var tracer = telemetry.Tracer("metaindex")

// ErrNotFound is returned by Get, Delete and Rename when the virtual path
// has no record.
var ErrNotFound = errors.New("metaindex: not found")

// ErrAlreadyExists signals a conflicting existing path. No Index method
// returns it: Save upserts over an existing virtual path.
var ErrAlreadyExists = errors.New("metaindex: already exists")

// fileRow is the files table. GORM pluralizes the table name to "files".
type fileRow struct {
	ID          uint64 `gorm:"primaryKey"`
	VirtualPath string `gorm:"uniqueIndex;not null"`
	FileName    string `gorm:"not null"`
	SizeBytes   int64  `gorm:"not null"`
	CreatedAt   time.Time
	ModifiedAt  time.Time
	IsDirectory bool

	Chunks []chunkRow `gorm:"constraint:OnDelete:CASCADE;"`
}

// chunkRow is the chunks table, indexed by file_id.
type chunkRow struct {
	ID            uint64 `gorm:"primaryKey"`
	FileID        uint64 `gorm:"index;not null"`
	ChunkIndex    int
	MessageID     int64
	AttachmentURL string
	SizeBytes     int64
	CRC32         uint32
}

// ChunkRef is one uploaded chunk's durable reference, as stored and
// returned by the index. MessageID is re-widened to uint64 on read.
type ChunkRef struct {
	ChunkIndex int
	MessageID  uint64
	URL        string
	SizeBytes  int64
	CRC32      uint32
}

// Record is a full file entry: its metadata plus chunk refs in ascending
// chunk_index order.
type Record struct {
	ID          uint64
	VirtualPath string
	FileName    string
	SizeBytes   int64
	CreatedAt   time.Time
	ModifiedAt  time.Time
	IsDirectory bool
	Chunks      []ChunkRef
}

// Index is the Metadata Index. All exported methods are safe for
// concurrent use; writes are additionally serialized by mu so that the
// single-writer contract holds even though SQLite itself would already
// serialize at the file-lock level.
type Index struct {
	db      *gorm.DB
	log     *logrus.Entry
	metrics *telemetry.Metrics
	mu      sync.Mutex
}

// Open opens (creating if absent) a SQLite database at path and migrates
// the schema. path may be ":memory:" for tests. metrics may be nil.
func Open(path string, log *logrus.Entry, metrics *telemetry.Metrics) (*Index, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("metaindex: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&fileRow{}, &chunkRow{}); err != nil {
		return nil, fmt.Errorf("metaindex: migrate: %w", err)
	}
	return &Index{db: db, log: log.WithField("component", "metaindex"), metrics: metrics}, nil
}

// recordOp emits the index-operation metric, classifying err as
// "not_found" (ErrNotFound), "error" (any other error) or "success".
func (idx *Index) recordOp(op string, err error) {
	outcome := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	idx.metrics.RecordIndexOp(op, outcome)
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	sqlDB, err := idx.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save upserts record by virtual_path: if a row exists it is updated in
// place (name, size, modified_at) and all its chunks replaced; otherwise a
// new row is inserted. Returns the assigned row id. The whole operation
// runs in one transaction under the index's write mutex.
func (idx *Index) Save(record Record) (uint64, error) {
	_, span := tracer.Start(context.Background(), "metaindex.Save")
	defer span.End()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var assignedID uint64
	err := idx.db.Transaction(func(tx *gorm.DB) error {
		var existing fileRow
		err := tx.Where("virtual_path = ?", record.VirtualPath).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := fileRow{
				VirtualPath: record.VirtualPath,
				FileName:    record.FileName,
				SizeBytes:   record.SizeBytes,
				CreatedAt:   record.CreatedAt,
				ModifiedAt:  record.ModifiedAt,
				IsDirectory: record.IsDirectory,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert file row: %w", err)
			}
			assignedID = row.ID
		case err != nil:
			return fmt.Errorf("look up existing row: %w", err)
		default:
			existing.FileName = record.FileName
			existing.SizeBytes = record.SizeBytes
			existing.ModifiedAt = record.ModifiedAt
			existing.IsDirectory = record.IsDirectory
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("update file row: %w", err)
			}
			assignedID = existing.ID
			if err := tx.Where("file_id = ?", existing.ID).Delete(&chunkRow{}).Error; err != nil {
				return fmt.Errorf("clear existing chunks: %w", err)
			}
		}

		for _, c := range record.Chunks {
			row := chunkRow{
				FileID:        assignedID,
				ChunkIndex:    c.ChunkIndex,
				MessageID:     int64(c.MessageID),
				AttachmentURL: c.URL,
				SizeBytes:     c.SizeBytes,
				CRC32:         c.CRC32,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert chunk row: %w", err)
			}
		}
		return nil
	})
	idx.recordOp("save", err)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	idx.log.WithField("path_len", len(record.VirtualPath)).Debug("saved record")
	return assignedID, nil
}

// Get looks up a record by virtual path, with chunks in ascending
// chunk_index order. Returns ErrNotFound if absent.
func (idx *Index) Get(virtualPath string) (Record, error) {
	var row fileRow
	err := idx.db.Where("virtual_path = ?", virtualPath).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		idx.recordOp("get", ErrNotFound)
		return Record{}, ErrNotFound
	}
	if err != nil {
		idx.recordOp("get", err)
		return Record{}, fmt.Errorf("metaindex: get %s: %w", virtualPath, err)
	}

	var chunkRows []chunkRow
	if err := idx.db.Where("file_id = ?", row.ID).Order("chunk_index asc").Find(&chunkRows).Error; err != nil {
		idx.recordOp("get", err)
		return Record{}, fmt.Errorf("metaindex: load chunks for %s: %w", virtualPath, err)
	}
	idx.recordOp("get", nil)
	return toRecord(row, chunkRows), nil
}

// Delete removes the record at virtualPath and its chunks (cascade).
// Returns ErrNotFound if absent.
func (idx *Index) Delete(virtualPath string) error {
	_, span := tracer.Start(context.Background(), "metaindex.Delete")
	defer span.End()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("virtual_path = ?", virtualPath).Delete(&fileRow{})
		if res.Error != nil {
			return fmt.Errorf("metaindex: delete %s: %w", virtualPath, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	idx.recordOp("delete", err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
	}
	return err
}

// Exists reports whether virtualPath has a record.
func (idx *Index) Exists(virtualPath string) (bool, error) {
	var count int64
	if err := idx.db.Model(&fileRow{}).Where("virtual_path = ?", virtualPath).Count(&count).Error; err != nil {
		idx.recordOp("exists", err)
		return false, fmt.Errorf("metaindex: exists %s: %w", virtualPath, err)
	}
	idx.recordOp("exists", nil)
	return count > 0, nil
}

// List returns the immediate children of dirPath: rows whose virtual_path
// matches dirPath+SEP+* but not a deeper nesting. dirPath == "" lists the
// root.
func (idx *Index) List(dirPath string) ([]Record, error) {
	var rows []fileRow
	if err := idx.db.Find(&rows).Error; err != nil {
		idx.recordOp("list", err)
		return nil, fmt.Errorf("metaindex: list %s: %w", dirPath, err)
	}

	prefix := strings.TrimSuffix(dirPath, "/")
	var children []fileRow
	for _, row := range rows {
		rest, ok := childSuffix(prefix, row.VirtualPath)
		if !ok {
			continue
		}
		if strings.Contains(rest, "/") {
			continue
		}
		children = append(children, row)
	}

	out := make([]Record, 0, len(children))
	for _, row := range children {
		var chunkRows []chunkRow
		if err := idx.db.Where("file_id = ?", row.ID).Order("chunk_index asc").Find(&chunkRows).Error; err != nil {
			return nil, fmt.Errorf("metaindex: load chunks for %s: %w", row.VirtualPath, err)
		}
		out = append(out, toRecord(row, chunkRows))
	}
	idx.recordOp("list", nil)
	return out, nil
}

// childSuffix reports whether path lies directly under prefix and, if so,
// returns the remainder after the separator. Both prefix and path may
// carry a leading "/"; prefix == "" means the root.
func childSuffix(prefix, path string) (string, bool) {
	relPath := strings.TrimPrefix(path, "/")
	if relPath == "" {
		return "", false
	}
	if prefix == "" {
		return relPath, true
	}
	relPrefix := strings.TrimPrefix(prefix, "/")
	want := relPrefix + "/"
	if !strings.HasPrefix(relPath, want) {
		return "", false
	}
	return strings.TrimPrefix(relPath, want), true
}

// Rename updates virtual_path, file_name and modified_at for the row at
// oldPath. It does not rewrite descendant paths, so renaming a directory
// leaves its children's paths stale — a documented limitation, not a bug.
func (idx *Index) Rename(oldPath, newPath, newFileName string, modifiedAt time.Time) error {
	_, span := tracer.Start(context.Background(), "metaindex.Rename")
	defer span.End()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&fileRow{}).Where("virtual_path = ?", oldPath).Updates(map[string]any{
			"virtual_path": newPath,
			"file_name":    newFileName,
			"modified_at":  modifiedAt,
		})
		if res.Error != nil {
			return fmt.Errorf("metaindex: rename %s -> %s: %w", oldPath, newPath, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	idx.recordOp("rename", err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
	}
	return err
}

func toRecord(row fileRow, chunkRows []chunkRow) Record {
	refs := make([]ChunkRef, 0, len(chunkRows))
	for _, c := range chunkRows {
		refs = append(refs, ChunkRef{
			ChunkIndex: c.ChunkIndex,
			MessageID:  uint64(c.MessageID),
			URL:        c.AttachmentURL,
			SizeBytes:  c.SizeBytes,
			CRC32:      c.CRC32,
		})
	}
	return Record{
		ID:          row.ID,
		VirtualPath: row.VirtualPath,
		FileName:    row.FileName,
		SizeBytes:   row.SizeBytes,
		CreatedAt:   row.CreatedAt,
		ModifiedAt:  row.ModifiedAt,
		IsDirectory: row.IsDirectory,
		Chunks:      refs,
	}
}
