package shipper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"golang.org/x/time/rate"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// mockUploader is a test uploader with a pluggable upload function.
type mockUploader struct {
	mu         sync.Mutex
	calls      []string
	UploadFunc func(ctx context.Context, clientID string, s *types.SessionSummary) error
}

func (m *mockUploader) UploadSession(ctx context.Context, clientID string, s *types.SessionSummary) error {
	m.mu.Lock()
	m.calls = append(m.calls, s.SessionID)
	m.mu.Unlock()
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, clientID, s)
	}
	return nil
}

func (m *mockUploader) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

var errUpload = errors.New("upload failed")

func failing() *mockUploader {
	return &mockUploader{UploadFunc: func(ctx context.Context, clientID string, s *types.SessionSummary) error {
		return errUpload
	}}
}

// recorder counts metric calls.
type recorder struct {
	mu      sync.Mutex
	results map[string]int
	depth   int
	dropped map[string]int
}

func newRecorder() *recorder {
	return &recorder{results: map[string]int{}, dropped: map[string]int{}}
}

func (r *recorder) UploadResult(path string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[fmt.Sprintf("%s/%v", path, ok)]++
}

func (r *recorder) RetryQueueDepth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth = n
}

func (r *recorder) RetryDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func summary(id string) *types.SessionSummary {
	s := &types.SessionSummary{SessionID: id, Host: "10.0.0.1", Protocol: types.ProtocolTCP}
	s.Seal()
	return s
}

func newTestShipper(u Uploader, capacity int, rec Recorder) *Shipper {
	return NewShipper(Config{
		Uploader:  u,
		Capacity:  capacity,
		RetryRate: rate.Inf,
		Recorder:  rec,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestShip_Success(t *testing.T) {
	u := &mockUploader{}
	rec := newRecorder()
	s := newTestShipper(u, 0, rec)

	if err := s.Ship(context.Background(), "client-1", summary("s1")); err != nil {
		t.Fatalf("Ship: %v", err)
	}
	if s.Queue().Len() != 0 {
		t.Errorf("queue should be empty, got %d", s.Queue().Len())
	}
	if st := s.Stats(); st.Shipped != 1 || st.Failed != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if rec.results["direct/true"] != 1 {
		t.Errorf("expected one successful direct upload metric, got %v", rec.results)
	}
}

func TestShip_FailureEnqueues(t *testing.T) {
	s := newTestShipper(failing(), 0, nil)

	err := s.Ship(context.Background(), "client-1", summary("s1"))
	if !errors.Is(err, errUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}

	items := s.Queue().Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(items))
	}
	if items[0].FailedAttempts != 1 {
		t.Errorf("first failure should count as attempt 1, got %d", items[0].FailedAttempts)
	}
	if items[0].FirstFailure.IsZero() || !items[0].FirstFailure.Equal(items[0].LastAttempt) {
		t.Errorf("unexpected timestamps: %+v", items[0])
	}
}

func TestShip_NoClientQueuesWithoutUpload(t *testing.T) {
	u := &mockUploader{}
	s := newTestShipper(u, 0, nil)

	err := s.Ship(context.Background(), "", summary("s1"))
	if !errors.Is(err, ErrNoClient) {
		t.Fatalf("expected ErrNoClient, got %v", err)
	}
	if len(u.Calls()) != 0 {
		t.Error("no upload should be attempted without a client id")
	}
	if s.Queue().Len() != 1 {
		t.Errorf("summary should be queued, got %d", s.Queue().Len())
	}
}

func TestDrain_EmptyQueueIsNoop(t *testing.T) {
	u := &mockUploader{}
	s := newTestShipper(u, 0, nil)

	stats := s.DrainAndRetryAll(context.Background(), "client-1")
	if stats != (DrainStats{}) {
		t.Errorf("expected zero stats, got %+v", stats)
	}
	if s.Queue().Len() != 0 || len(u.Calls()) != 0 {
		t.Error("draining an empty queue should not change anything")
	}
}

func TestDrain_SuccessRemovesItems(t *testing.T) {
	u := &mockUploader{}
	s := newTestShipper(u, 0, nil)
	s.Queue().Enqueue(summary("a"))
	s.Queue().Enqueue(summary("b"))

	stats := s.DrainAndRetryAll(context.Background(), "client-1")
	if stats.Attempted != 2 || stats.Succeeded != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if s.Queue().Len() != 0 {
		t.Errorf("queue should be empty, got %d", s.Queue().Len())
	}
	if calls := u.Calls(); len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Errorf("items should be retried oldest first, got %v", calls)
	}
}

func TestDrain_NoClientSkips(t *testing.T) {
	u := &mockUploader{}
	s := newTestShipper(u, 0, nil)
	s.Queue().Enqueue(summary("a"))

	s.DrainAndRetryAll(context.Background(), "")
	if s.Queue().Len() != 1 || len(u.Calls()) != 0 {
		t.Error("drain without a client id should leave the queue alone")
	}
}

func TestDrain_DropsAfterMaxAttempts(t *testing.T) {
	rec := newRecorder()
	s := newTestShipper(failing(), 0, rec)
	s.Queue().Enqueue(summary("doomed"))

	// Attempt 1 was the enqueue; attempts 2-4 are requeued.
	for i := 0; i < 3; i++ {
		stats := s.DrainAndRetryAll(context.Background(), "client-1")
		if stats.Requeued != 1 {
			t.Fatalf("drain %d: expected requeue, got %+v", i+1, stats)
		}
	}
	if items := s.Queue().Items(); len(items) != 1 || items[0].FailedAttempts != 4 {
		t.Fatalf("expected one item with 4 attempts, got %+v", items)
	}

	// Fifth failure drops it.
	stats := s.DrainAndRetryAll(context.Background(), "client-1")
	if stats.Dropped != 1 {
		t.Fatalf("expected drop, got %+v", stats)
	}
	if s.Queue().Len() != 0 {
		t.Errorf("dropped item still queued")
	}
	if st := s.Stats(); st.Dropped != 1 {
		t.Errorf("stats.Dropped = %d, want 1", st.Dropped)
	}
	if rec.dropped["max_attempts"] != 1 {
		t.Errorf("expected max_attempts drop metric, got %v", rec.dropped)
	}

	// Still absent on later drains.
	s.DrainAndRetryAll(context.Background(), "client-1")
	if s.Queue().Len() != 0 {
		t.Error("queue should stay empty")
	}
}

func TestDrain_SnapshotExcludesConcurrentFailures(t *testing.T) {
	var s *Shipper
	u := &mockUploader{}
	u.UploadFunc = func(ctx context.Context, clientID string, sum *types.SessionSummary) error {
		if sum.SessionID == "old" {
			// A live upload fails while the drain is in progress.
			s.Queue().Enqueue(summary("new"))
		}
		return nil
	}
	s = newTestShipper(u, 0, nil)
	s.Queue().Enqueue(summary("old"))

	stats := s.DrainAndRetryAll(context.Background(), "client-1")
	if stats.Attempted != 1 {
		t.Errorf("only the snapshot should be retried, got %+v", stats)
	}
	items := s.Queue().Items()
	if len(items) != 1 || items[0].Summary.SessionID != "new" {
		t.Errorf("expected the concurrently queued item to remain, got %+v", items)
	}
}

func TestDrain_CancelDefersWithoutCharging(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u := &mockUploader{}
	u.UploadFunc = func(ctx context.Context, clientID string, sum *types.SessionSummary) error {
		if sum.SessionID == "b" {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	s := newTestShipper(u, 0, nil)
	for _, id := range []string{"a", "b", "c"} {
		s.Queue().Enqueue(summary(id))
	}

	stats := s.DrainAndRetryAll(ctx, "client-1")
	if stats.Succeeded != 1 || stats.Deferred != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	items := s.Queue().Items()
	if len(items) != 2 || items[0].Summary.SessionID != "b" || items[1].Summary.SessionID != "c" {
		t.Fatalf("untried items should be restored in order, got %+v", items)
	}
	for _, it := range items {
		if it.FailedAttempts != 1 {
			t.Errorf("%s charged an attempt: %d", it.Summary.SessionID, it.FailedAttempts)
		}
	}
}

func TestQueue_EvictsOldest(t *testing.T) {
	q := NewQueue(3)

	for i := 1; i <= 5; i++ {
		ev := q.Enqueue(summary(fmt.Sprintf("s%d", i)))
		if i <= 3 && ev != nil {
			t.Errorf("unexpected eviction at %d", i)
		}
		if i > 3 && (ev == nil || ev.Summary.SessionID != fmt.Sprintf("s%d", i-3)) {
			t.Errorf("enqueue %d should evict s%d, got %+v", i, i-3, ev)
		}
	}

	items := q.Items()
	if len(items) != 3 {
		t.Fatalf("queue size = %d, want capacity 3", len(items))
	}
	for i, want := range []string{"s3", "s4", "s5"} {
		if items[i].Summary.SessionID != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].Summary.SessionID, want)
		}
	}
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := NewQueue(0)
	if q.Capacity() != DefaultCapacity {
		t.Errorf("capacity = %d, want %d", q.Capacity(), DefaultCapacity)
	}
	for i := 0; i < DefaultCapacity+10; i++ {
		q.Enqueue(summary(fmt.Sprintf("s%d", i)))
	}
	if q.Len() != DefaultCapacity {
		t.Errorf("len = %d, want %d", q.Len(), DefaultCapacity)
	}
}

func TestQueue_RestoreTrimsOldest(t *testing.T) {
	q := NewQueue(3)
	restored := []*Item{{Summary: summary("r1")}, {Summary: summary("r2")}}
	q.Enqueue(summary("n1"))
	q.Enqueue(summary("n2"))

	evicted := q.restore(restored)
	if len(evicted) != 1 || evicted[0].Summary.SessionID != "r1" {
		t.Fatalf("expected r1 evicted, got %+v", evicted)
	}
	items := q.Items()
	for i, want := range []string{"r2", "n1", "n2"} {
		if items[i].Summary.SessionID != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].Summary.SessionID, want)
		}
	}
}

func TestShip_ConcurrentWithDrain(t *testing.T) {
	s := newTestShipper(failing(), 20, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Ship(context.Background(), "client-1", summary(fmt.Sprintf("s%d", i)))
		}(i)
		go func() {
			defer wg.Done()
			s.DrainAndRetryAll(context.Background(), "client-1")
		}()
	}
	wg.Wait()

	if n := s.Queue().Len(); n > 20 {
		t.Errorf("queue exceeded capacity: %d", n)
	}
}
