// Package ros implements the Remote Object Store: the uploader/downloader
// that turns chunk bytes into chat-service attachments and back, with
// adaptive throttling, retry, rate-limit recovery, and filename
// obfuscation.
package ros

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/discordfs/discordfs/internal/telemetry"
	"github.com/discordfs/discordfs/internal/throttle"
)

// tracer emits the spans wrapping every chunk upload and download.
var tracer = telemetry.Tracer("ros")

// uploadConcurrency bounds simultaneous uploads in flight.
const uploadConcurrency = 3

const (
	maxUploadAttempts   = 5
	maxDownloadAttempts = 5
	downloadBaseBackoff = 2 * time.Second
)

// ErrNotConnected is a programmer error: a ROS operation was attempted
// before Connect completed.
var ErrNotConnected = errors.New("ros: not connected")

// ErrUploadExhausted is returned when Upload ran out of retries.
var ErrUploadExhausted = errors.New("ros: upload exhausted retries")

// ErrDownloadExhausted is returned when Download ran out of retries.
var ErrDownloadExhausted = errors.New("ros: download exhausted retries")

// UploadedChunk is everything the caller needs to build a durable chunk
// reference after a successful upload.
type UploadedChunk struct {
	ChunkIndex int
	MessageID  uint64
	URL        string
	SizeBytes  int64
	CRC32      uint32
}

// Store is the Remote Object Store.
type Store struct {
	client     ChatClient
	throttler  *throttle.Throttler
	gate       *semaphore.Weighted
	httpClient *http.Client
	log        *logrus.Entry
	metrics    *telemetry.Metrics

	mu        sync.RWMutex
	connected bool
}

// New constructs a Store. Connect must succeed before Upload/Download/Delete
// are used. metrics may be nil to disable instrumentation.
func New(client ChatClient, throttler *throttle.Throttler, log *logrus.Entry, metrics *telemetry.Metrics) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		client:    client,
		throttler: throttler,
		gate:      semaphore.NewWeighted(uploadConcurrency),
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
		},
		log:     log.WithField("component", "ros"),
		metrics: metrics,
	}
}

// Connect opens the chat-service session, waits for readiness (30s
// timeout), and resolves the upload channel.
func (s *Store) Connect(ctx context.Context, token string, channelID uint64) error {
	if err := s.client.Connect(token); err != nil {
		return err
	}
	if err := s.client.AwaitReady(ctx); err != nil {
		return err
	}
	if err := s.client.ResolveChannel(channelID); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Store) requireConnected() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrNotConnected
	}
	return nil
}

// Upload posts one chunk's bytes as an attachment, gated by a concurrency
// semaphore and the throttler, retrying through rate limits and transient
// failures.
func (s *Store) Upload(ctx context.Context, originalPath string, chunkIndex int, data []byte, crc uint32) (UploadedChunk, error) {
	return s.uploadWithPause(ctx, originalPath, chunkIndex, data, crc, 60*time.Second)
}

// uploadWithPause is Upload parameterized on the rate-limit pause duration,
// split out so tests can exercise the rate-limit recovery path without
// waiting on the real 60-second pause.
func (s *Store) uploadWithPause(ctx context.Context, originalPath string, chunkIndex int, data []byte, crc uint32, rateLimitPause time.Duration) (UploadedChunk, error) {
	ctx, span := tracer.Start(ctx, "ros.Upload", oteltrace.WithAttributes(
		attribute.Int("chunk_index", chunkIndex),
		attribute.Int("size_bytes", len(data)),
	))
	defer span.End()
	start := time.Now()

	if err := s.requireConnected(); err != nil {
		span.RecordError(err)
		return UploadedChunk{}, err
	}

	filename, err := obfuscateFilename(originalPath, chunkIndex)
	if err != nil {
		span.RecordError(err)
		return UploadedChunk{}, err
	}

	if err := s.gate.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return UploadedChunk{}, err
	}
	defer s.gate.Release(1)

	log := s.log.WithFields(logrus.Fields{"path_hash": hashFileName(originalPath), "chunk_index": chunkIndex})

	for attempt := 0; attempt < maxUploadAttempts; attempt++ {
		if err := s.throttler.Wait(ctx); err != nil {
			span.RecordError(err)
			return UploadedChunk{}, err
		}

		attachment, err := s.client.SendFileAttachment(ctx, data, filename, "\U0001F4CE")
		if err == nil {
			s.throttler.RegisterSuccess()
			s.metrics.ObserveUpload("success", time.Since(start).Seconds())
			s.metrics.SetThrottleMultiplier(s.throttler.CurrentMultiplier())
			return UploadedChunk{
				ChunkIndex: chunkIndex,
				MessageID:  attachment.MessageID,
				URL:        attachment.AttachmentURL,
				SizeBytes:  int64(len(data)),
				CRC32:      crc,
			}, nil
		}

		var rateLimit *RateLimitError
		if errors.As(err, &rateLimit) {
			s.throttler.RegisterError(429)
			s.metrics.SetThrottleMultiplier(s.throttler.CurrentMultiplier())
			s.metrics.RecordRateLimitPause()
			log.WithField("attempt", attempt+1).Warn("upload rate limited, pausing")
			if pauseErr := s.throttler.RateLimitPause(ctx, rateLimitPause); pauseErr != nil {
				span.RecordError(pauseErr)
				return UploadedChunk{}, pauseErr
			}
			continue
		}

		s.throttler.RegisterError(0)
		s.metrics.SetThrottleMultiplier(s.throttler.CurrentMultiplier())
		log.WithFields(logrus.Fields{"attempt": attempt + 1, "error": err}).Warn("upload failed, retrying")
		if sleepErr := sleep(ctx, time.Duration(attempt+1)*5*time.Second); sleepErr != nil {
			span.RecordError(sleepErr)
			return UploadedChunk{}, sleepErr
		}
	}

	finalErr := fmt.Errorf("%w: chunk %d of %s", ErrUploadExhausted, chunkIndex, hashFileName(originalPath))
	s.metrics.ObserveUpload("failure", time.Since(start).Seconds())
	span.RecordError(finalErr)
	return UploadedChunk{}, finalErr
}

// Download fetches raw attachment bytes directly from the CDN URL,
// retrying with exponential backoff. Downloads are not gated by the
// upload semaphore; each call manages its own retry timing.
func (s *Store) Download(ctx context.Context, url string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "ros.Download")
	defer span.End()
	start := time.Now()

	backoff := downloadBaseBackoff

	for attempt := 0; attempt < maxDownloadAttempts; attempt++ {
		ua, err := randomUserAgent()
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if sleepErr := sleepJittered(ctx, 200*time.Millisecond, 800*time.Millisecond); sleepErr != nil {
			span.RecordError(sleepErr)
			return nil, sleepErr
		}

		body, status, err := s.fetch(ctx, url, ua)
		if err == nil {
			s.metrics.ObserveDownload("success", time.Since(start).Seconds())
			return body, nil
		}

		if status == http.StatusTooManyRequests {
			s.metrics.RecordRateLimitPause()
			s.log.Warn("download rate limited, pausing 60s (does not count against retry budget)")
			if sleepErr := sleep(ctx, 60*time.Second); sleepErr != nil {
				span.RecordError(sleepErr)
				return nil, sleepErr
			}
			attempt-- // the 60s pause does not consume a retry attempt
			continue
		}

		s.log.WithFields(logrus.Fields{"attempt": attempt + 1, "error": err}).Warn("download failed, retrying")
		if sleepErr := sleep(ctx, backoff); sleepErr != nil {
			span.RecordError(sleepErr)
			return nil, sleepErr
		}
		backoff *= 2
	}

	finalErr := fmt.Errorf("%w: %s", ErrDownloadExhausted, url)
	s.metrics.ObserveDownload("failure", time.Since(start).Seconds())
	span.RecordError(finalErr)
	return nil, finalErr
}

func (s *Store) fetch(ctx context.Context, url, userAgent string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("ros: download returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// Delete best-effort removes one message. Failures are logged and
// swallowed.
func (s *Store) Delete(ctx context.Context, messageID uint64) {
	if err := s.requireConnected(); err != nil {
		s.log.WithError(err).Warn("delete skipped: not connected")
		return
	}
	if err := s.throttler.Wait(ctx); err != nil {
		return
	}
	if err := s.client.DeleteMessage(ctx, messageID); err != nil {
		s.log.WithFields(logrus.Fields{"message_id": messageID, "error": err}).Warn("best-effort delete failed")
	}
}

// DeleteMany deletes each id sequentially, best-effort.
func (s *Store) DeleteMany(ctx context.Context, messageIDs []uint64) {
	for _, id := range messageIDs {
		s.Delete(ctx, id)
	}
}

// Close releases the underlying chat-service session.
func (s *Store) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return s.client.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepJittered(ctx context.Context, lo, hi time.Duration) error {
	return sleep(ctx, randBetween(lo, hi))
}

func randBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}
