package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mu     sync.Mutex
	events []*Event
}

func (w *mockWriter) WriteEvent(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *mockWriter) WriteBatch(events []*Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func (w *mockWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestBatchSinkFlushesOnIntervalAndSize(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 100*time.Millisecond, 0, 0)
	t.Cleanup(func() { _ = sink.Close() })

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.WriteEvent(&Event{VirtualPath: fmt.Sprintf("/op-%d", i)}))
	}

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, mock.count())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, mock.count())

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.WriteEvent(&Event{VirtualPath: fmt.Sprintf("/batch-%d", i)}))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 8, mock.count())
}

func TestHTTPSinkPostsBatch(t *testing.T) {
	var captured []*Event
	var mu sync.Mutex

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		var events []*Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&events))
		captured = append(captured, events...)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, map[string]string{"X-Test": "1"})
	require.NoError(t, sink.WriteEvent(&Event{VirtualPath: "/a.txt"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 1)
	require.Equal(t, "/a.txt", captured[0].VirtualPath)
}

func TestHTTPSinkReturnsErrorOnServerFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, nil)
	require.Error(t, sink.WriteEvent(&Event{VirtualPath: "/a.txt"}))
}

func TestFileSinkAppendsNewlineDelimitedJSON(t *testing.T) {
	path := t.TempDir() + "/audit.log"
	sink := NewFileSink(path)

	require.NoError(t, sink.WriteEvent(&Event{VirtualPath: "/a.txt"}))
	require.NoError(t, sink.WriteEvent(&Event{VirtualPath: "/b.txt"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	require.Equal(t, 2, lines)
}
