package metaindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(":memory:", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	idx := openTestIndex(t)

	now := time.Now().UTC()
	id, err := idx.Save(Record{
		VirtualPath: "/docs/report.pdf",
		FileName:    "report.pdf",
		SizeBytes:   42,
		CreatedAt:   now,
		ModifiedAt:  now,
		Chunks: []ChunkRef{
			{ChunkIndex: 1, MessageID: 18446744073709551615, URL: "https://cdn/b", SizeBytes: 20, CRC32: 2},
			{ChunkIndex: 0, MessageID: 100, URL: "https://cdn/a", SizeBytes: 22, CRC32: 1},
		},
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := idx.Get("/docs/report.pdf")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.SizeBytes)
	require.Len(t, got.Chunks, 2)
	require.Equal(t, 0, got.Chunks[0].ChunkIndex)
	require.Equal(t, 1, got.Chunks[1].ChunkIndex)
	require.Equal(t, uint64(18446744073709551615), got.Chunks[1].MessageID)
}

func TestSaveUpsertReplacesChunks(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now().UTC()

	_, err := idx.Save(Record{
		VirtualPath: "/a.bin",
		FileName:    "a.bin",
		SizeBytes:   10,
		CreatedAt:   now,
		ModifiedAt:  now,
		Chunks:      []ChunkRef{{ChunkIndex: 0, MessageID: 1, SizeBytes: 10}},
	})
	require.NoError(t, err)

	_, err = idx.Save(Record{
		VirtualPath: "/a.bin",
		FileName:    "a.bin",
		SizeBytes:   20,
		CreatedAt:   now,
		ModifiedAt:  now.Add(time.Minute),
		Chunks: []ChunkRef{
			{ChunkIndex: 0, MessageID: 2, SizeBytes: 10},
			{ChunkIndex: 1, MessageID: 3, SizeBytes: 10},
		},
	})
	require.NoError(t, err)

	got, err := idx.Get("/a.bin")
	require.NoError(t, err)
	require.Equal(t, int64(20), got.SizeBytes)
	require.Len(t, got.Chunks, 2)
	require.Equal(t, uint64(2), got.Chunks[0].MessageID)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.Get("/nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascadesChunks(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now().UTC()
	_, err := idx.Save(Record{
		VirtualPath: "/x.txt",
		FileName:    "x.txt",
		CreatedAt:   now,
		ModifiedAt:  now,
		Chunks:      []ChunkRef{{ChunkIndex: 0, MessageID: 1}},
	})
	require.NoError(t, err)

	require.NoError(t, idx.Delete("/x.txt"))

	_, err = idx.Get("/x.txt")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, idx.Delete("/x.txt"), ErrNotFound)
}

func TestExists(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now().UTC()
	ok, err := idx.Exists("/y.txt")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = idx.Save(Record{VirtualPath: "/y.txt", FileName: "y.txt", CreatedAt: now, ModifiedAt: now})
	require.NoError(t, err)

	ok, err = idx.Exists("/y.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestListImmediateChildrenOnly(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now().UTC()

	paths := []string{"/dir/a.txt", "/dir/b.txt", "/dir/sub/c.txt", "/other.txt"}
	for _, p := range paths {
		_, err := idx.Save(Record{VirtualPath: p, FileName: p, CreatedAt: now, ModifiedAt: now})
		require.NoError(t, err)
	}

	children, err := idx.List("/dir")
	require.NoError(t, err)
	require.Len(t, children, 2)

	names := map[string]bool{}
	for _, c := range children {
		names[c.VirtualPath] = true
	}
	require.True(t, names["/dir/a.txt"])
	require.True(t, names["/dir/b.txt"])
	require.False(t, names["/dir/sub/c.txt"])

	root, err := idx.List("")
	require.NoError(t, err)
	require.Len(t, root, 1)
	require.Equal(t, "/other.txt", root[0].VirtualPath)
}

func TestRenameUpdatesPathButNotDescendants(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now().UTC()

	_, err := idx.Save(Record{VirtualPath: "/old/dir", FileName: "dir", IsDirectory: true, CreatedAt: now, ModifiedAt: now})
	require.NoError(t, err)
	_, err = idx.Save(Record{VirtualPath: "/old/dir/child.txt", FileName: "child.txt", CreatedAt: now, ModifiedAt: now})
	require.NoError(t, err)

	require.NoError(t, idx.Rename("/old/dir", "/new/dir", "dir", now.Add(time.Hour)))

	_, err = idx.Get("/new/dir")
	require.NoError(t, err)

	// The child's path is untouched: this is the documented limitation.
	_, err = idx.Get("/old/dir/child.txt")
	require.NoError(t, err)

	require.ErrorIs(t, idx.Rename("/missing", "/elsewhere", "elsewhere", now), ErrNotFound)
}
