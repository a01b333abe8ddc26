package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndGetRoundTrip(t *testing.T) {
	l := New(1024)
	l.Add("file:/a.txt", []byte("hello"))

	got, ok := l.Get("file:/a.txt")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got)
}

func TestGetMissReturnsFalse(t *testing.T) {
	l := New(1024)
	_, ok := l.Get("nope")
	require.False(t, ok)
}

func TestAddEvictsLeastRecentlyUsed(t *testing.T) {
	l := New(10)
	l.Add("a", []byte("12345"))
	l.Add("b", []byte("12345"))
	require.Equal(t, int64(10), l.Size())

	// touch a so it is more recently used than b
	_, _ = l.Get("a")

	l.Add("c", []byte("12345"))

	_, aOK := l.Get("a")
	_, bOK := l.Get("b")
	_, cOK := l.Get("c")
	require.True(t, aOK)
	require.False(t, bOK)
	require.True(t, cOK)
}

func TestAddReplacesExistingKeyAccounting(t *testing.T) {
	l := New(10)
	l.Add("a", []byte("12345"))
	l.Add("a", []byte("123"))
	require.Equal(t, int64(3), l.Size())
}

func TestEvict(t *testing.T) {
	l := New(1024)
	l.Add("a", []byte("x"))
	l.Evict("a")
	_, ok := l.Get("a")
	require.False(t, ok)
	require.Equal(t, int64(0), l.Size())
}

func TestEvictByPrefix(t *testing.T) {
	l := New(1024)
	l.Add("file:/dir/a", []byte("1"))
	l.Add("file:/dir/b", []byte("2"))
	l.Add("file:/other", []byte("3"))

	l.EvictByPrefix("file:/dir/")

	_, aOK := l.Get("file:/dir/a")
	_, bOK := l.Get("file:/dir/b")
	_, oOK := l.Get("file:/other")
	require.False(t, aOK)
	require.False(t, bOK)
	require.True(t, oOK)
}

func TestClear(t *testing.T) {
	l := New(1024)
	l.Add("a", []byte("1"))
	l.Add("b", []byte("2"))
	l.Clear()
	require.Equal(t, int64(0), l.Size())
}

func TestOversizedEntryIsStoredAlone(t *testing.T) {
	l := New(4)
	l.Add("small", []byte("ab"))
	l.Add("huge", []byte("1234567890"))

	_, smallOK := l.Get("small")
	require.False(t, smallOK)
	got, ok := l.Get("huge")
	require.True(t, ok)
	require.Len(t, got, 10)
}
