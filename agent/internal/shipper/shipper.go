// Package shipper delivers session summaries to the controller.
//
// # Design
//
// A summary is uploaded once, directly, when its campaign ends. If that fails
// it goes into a bounded retry queue. The session driver drains the queue once
// per connected heartbeat cycle, before the heartbeat itself.
//
// # Resilience
//
// Two independent limits bound the queue:
// 1. Capacity: when full, the oldest item is evicted (FIFO)
// 2. Attempts: an item failing MaxAttempts times is dropped
//
// Both are logged as data loss. Drains are paced with a token bucket so a
// long backlog does not burst the controller right after a reconnect.
package shipper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// DefaultMaxAttempts is the number of failed uploads after which an item is dropped.
const DefaultMaxAttempts = 5

// ErrNoClient is returned by Ship when there is no client identity to upload under.
var ErrNoClient = errors.New("no client id; summary queued for retry")

// Uploader sends one summary to the controller.
type Uploader interface {
	UploadSession(ctx context.Context, clientID string, summary *types.SessionSummary) error
}

// Recorder receives upload metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	UploadResult(path string, ok bool)
	RetryQueueDepth(n int)
	RetryDropped(reason string)
}

type nopRecorder struct{}

func (nopRecorder) UploadResult(string, bool) {}
func (nopRecorder) RetryQueueDepth(int)       {}
func (nopRecorder) RetryDropped(string)       {}

// Config for the shipper.
type Config struct {
	Uploader    Uploader     // Required
	Capacity    int          // Retry queue capacity (default 50)
	MaxAttempts int          // Drop threshold (default 5)
	RetryRate   rate.Limit   // Drain pacing (default 10/s)
	RetryBurst  int          // Drain burst (default 5)
	Recorder    Recorder     // Metrics (optional)
	Logger      *slog.Logger // Logger (optional)
}

// Shipper uploads summaries and owns the retry queue.
type Shipper struct {
	uploader    Uploader
	queue       *Queue
	maxAttempts int
	limiter     *rate.Limiter
	recorder    Recorder
	logger      *slog.Logger

	// Metrics
	shipped   int64
	failed    int64
	dropped   int64
	evicted   int64
	metricsMu sync.Mutex
}

// NewShipper creates a new shipper.
func NewShipper(cfg Config) *Shipper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryRate == 0 {
		cfg.RetryRate = 10
	}
	if cfg.RetryBurst <= 0 {
		cfg.RetryBurst = 5
	}

	return &Shipper{
		uploader:    cfg.Uploader,
		queue:       NewQueue(cfg.Capacity),
		maxAttempts: cfg.MaxAttempts,
		limiter:     rate.NewLimiter(cfg.RetryRate, cfg.RetryBurst),
		recorder:    cfg.Recorder,
		logger:      cfg.Logger.With("component", "shipper"),
	}
}

// Queue exposes the retry queue.
func (s *Shipper) Queue() *Queue {
	return s.queue
}

// Ship attempts a direct upload. On failure the summary is queued for retry
// and the upload error is returned.
func (s *Shipper) Ship(ctx context.Context, clientID string, summary *types.SessionSummary) error {
	if clientID == "" {
		s.enqueue(summary)
		s.recorder.UploadResult("direct", false)
		return ErrNoClient
	}

	if err := s.uploader.UploadSession(ctx, clientID, summary); err != nil {
		s.logger.Warn("session upload failed; queued for retry",
			"session_id", summary.SessionID,
			"error", err)
		s.recorder.UploadResult("direct", false)
		s.addFailed(1)
		s.enqueue(summary)
		return err
	}

	s.recorder.UploadResult("direct", true)
	s.addShipped(1)
	s.logger.Info("session uploaded", "session_id", summary.SessionID)
	return nil
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Attempted int
	Succeeded int
	Requeued  int
	Dropped   int
	Deferred  int // returned untried because the drain was cancelled
}

// DrainAndRetryAll retries every item queued at the time of the call.
// Items queued while the drain runs wait for the next pass.
func (s *Shipper) DrainAndRetryAll(ctx context.Context, clientID string) DrainStats {
	var stats DrainStats
	if clientID == "" {
		return stats
	}

	items := s.queue.takeAll()
	if len(items) == 0 {
		return stats
	}

	s.logger.Debug("draining retry queue", "items", len(items))

	for i, it := range items {
		if err := s.limiter.Wait(ctx); err != nil {
			stats.Deferred = s.requeueUntried(items[i:])
			break
		}

		err := s.uploader.UploadSession(ctx, clientID, it.Summary)
		if err != nil && ctx.Err() != nil {
			// Interrupted, not a real failure; do not charge an attempt.
			stats.Deferred = s.requeueUntried(items[i:])
			break
		}
		stats.Attempted++

		if err == nil {
			stats.Succeeded++
			s.recorder.UploadResult("retry", true)
			s.addShipped(1)
			continue
		}

		s.recorder.UploadResult("retry", false)
		s.addFailed(1)
		it.FailedAttempts++
		it.LastAttempt = s.queue.now()

		if it.FailedAttempts >= s.maxAttempts {
			stats.Dropped++
			s.drop("max_attempts", it)
			continue
		}

		stats.Requeued++
		if evicted := s.queue.push(it); evicted != nil {
			s.drop("evicted", evicted)
		}
	}

	s.recorder.RetryQueueDepth(s.queue.Len())

	s.logger.Debug("retry queue drained",
		"attempted", stats.Attempted,
		"succeeded", stats.Succeeded,
		"requeued", stats.Requeued,
		"dropped", stats.Dropped,
		"remaining", s.queue.Len())

	return stats
}

func (s *Shipper) enqueue(summary *types.SessionSummary) {
	if evicted := s.queue.Enqueue(summary); evicted != nil {
		s.drop("evicted", evicted)
	}
	s.recorder.RetryQueueDepth(s.queue.Len())
}

func (s *Shipper) requeueUntried(items []*Item) int {
	for _, ev := range s.queue.restore(items) {
		s.drop("evicted", ev)
	}
	return len(items)
}

func (s *Shipper) drop(reason string, it *Item) {
	s.logger.Error("session dropped from retry queue (data loss)",
		"reason", reason,
		"session_id", it.Summary.SessionID,
		"failed_attempts", it.FailedAttempts,
		"first_failure", it.FirstFailure.Format(time.RFC3339))

	s.metricsMu.Lock()
	if reason == "evicted" {
		s.evicted++
	} else {
		s.dropped++
	}
	s.metricsMu.Unlock()

	s.recorder.RetryDropped(reason)
}

func (s *Shipper) addShipped(n int64) {
	s.metricsMu.Lock()
	s.shipped += n
	s.metricsMu.Unlock()
}

func (s *Shipper) addFailed(n int64) {
	s.metricsMu.Lock()
	s.failed += n
	s.metricsMu.Unlock()
}

// Stats returns shipper statistics.
type Stats struct {
	Queued  int   `json:"queued"`
	Shipped int64 `json:"shipped"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Evicted int64 `json:"evicted"`
}

func (s *Shipper) Stats() Stats {
	queued := s.queue.Len()

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	return Stats{
		Queued:  queued,
		Shipped: s.shipped,
		Failed:  s.failed,
		Dropped: s.dropped,
		Evicted: s.evicted,
	}
}
