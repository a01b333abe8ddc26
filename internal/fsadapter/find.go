package fsadapter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ryanuber/go-glob"

	"github.com/discordfs/discordfs/internal/metaindex"
)

// FindFiles lists the immediate children of dirPath, optionally filtered
// by a case-insensitive glob pattern. An empty pattern, "*", or "*.*"
// match everything. Only "*" is a wildcard; "?" matches a literal
// question mark.
func (a *Adapter) FindFiles(dirPath, pattern string) ([]FileInfo, error) {
	dirPath = NormalizePath(dirPath)
	if dirPath == "/" {
		dirPath = ""
	}

	records, err := a.index.List(dirPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	matchAll := pattern == "" || pattern == "*" || pattern == "*.*"

	out := make([]FileInfo, 0, len(records))
	for _, rec := range records {
		if !matchAll && !glob.Glob(strings.ToLower(pattern), strings.ToLower(rec.FileName)) {
			continue
		}
		out = append(out, toFileInfo(rec))
	}
	return out, nil
}

// GetFileInformation returns the index entry for path, or root's synthetic
// directory entry.
func (a *Adapter) GetFileInformation(path string) (FileInfo, error) {
	path = NormalizePath(path)
	if path == "/" {
		return FileInfo{Name: "/", IsDirectory: true}, nil
	}

	rec, err := a.index.Get(path)
	if err == nil {
		return toFileInfo(rec), nil
	}
	if errors.Is(err, metaindex.ErrNotFound) {
		return FileInfo{}, ErrPathNotFound
	}
	return FileInfo{}, fmt.Errorf("%w: %v", ErrInternal, err)
}
