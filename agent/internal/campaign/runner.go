// Package campaign runs time-boxed probe campaigns and aggregates them into
// session summaries.
//
// # Design
//
// A Runner executes at most one campaign at a time. Each campaign probes one
// host over one protocol at a fixed interval until its duration elapses or it
// is cancelled, then finalizes a SessionSummary and hands it to the upload path.
//
// # Probe Loop
//
//  1. Increment sequence, invoke the prober
//  2. Record the attempt (a failed probe is data, not an error)
//  3. Update counters, running RTT stats and the approximate byte count
//  4. Sleep for the interval (the only suspension point)
//
// # Starting While Busy
//
// Run refuses with ErrBusy while a campaign is active. Replace cancels the
// active campaign, waits for it to finalize and hand off, then starts. Callers
// pick the policy.
//
// # Cancellation
//
// A cancelled campaign still finalizes and hands off its partial summary. The
// probe in flight when cancellation arrives is discarded.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/pingrelay/agent/internal/executor"
	"github.com/pilot-net/pingrelay/pkg/types"
)

const (
	// MinInterval is the smallest accepted gap between probes.
	MinInterval = 100 * time.Millisecond

	// TimeoutMessage is recorded on every failed attempt.
	TimeoutMessage = "Request timed out"

	// TCPHandshakeBytes is the fixed per-success byte estimate for TCP probes.
	TCPHandshakeBytes = 64
)

var (
	// ErrInvalidRequest is returned for requests that would produce a degenerate campaign.
	ErrInvalidRequest = errors.New("invalid campaign request")

	// ErrBusy is returned by Run while another campaign is active.
	ErrBusy = errors.New("campaign already running")
)

// Prober sends a single probe. *executor.Registry satisfies it.
type Prober interface {
	Execute(ctx context.Context, protocol types.Protocol, target executor.Target) executor.Result
}

// LocationFunc returns the current location as an opaque string.
type LocationFunc func(ctx context.Context) string

// Handler receives every sealed summary. It runs on its own goroutine with a
// context that is not cancelled when the campaign is.
type Handler func(ctx context.Context, summary *types.SessionSummary)

// Request describes one campaign.
type Request struct {
	Host     string
	Protocol types.Protocol

	// Interval between probes. Zero uses Settings.Interval().
	Interval time.Duration
	Duration time.Duration
	Settings types.ProbeSettings

	ServerInstructed bool
}

// FromInstruction builds a request from a controller instruction.
func FromInstruction(instr types.ProbeInstruction, settings types.ProbeSettings) Request {
	return Request{
		Host:             instr.Host,
		Protocol:         instr.Protocol,
		Interval:         instr.Interval(),
		Duration:         instr.Duration(),
		Settings:         settings,
		ServerInstructed: true,
	}
}

// EffectiveInterval returns the interval the campaign will use.
func (r Request) EffectiveInterval() time.Duration {
	if r.Interval == 0 {
		return r.Settings.Interval()
	}
	return r.Interval
}

// Validate rejects requests that cannot produce a meaningful campaign.
func (r Request) Validate() error {
	if !validHost(r.Host) {
		return fmt.Errorf("%w: invalid host %q", ErrInvalidRequest, r.Host)
	}
	if !r.Protocol.Valid() {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidRequest, r.Protocol)
	}
	if iv := r.EffectiveInterval(); iv < MinInterval {
		return fmt.Errorf("%w: interval %s below minimum %s", ErrInvalidRequest, iv, MinInterval)
	}
	if r.Duration < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrInvalidRequest, r.Duration)
	}
	if err := r.Settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func validHost(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	if net.ParseIP(h) != nil {
		return true
	}
	for _, label := range strings.Split(strings.TrimSuffix(h, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// Runner executes campaigns one at a time.
type Runner struct {
	prober   Prober
	location LocationFunc
	handler  Handler
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a campaign runner. location and handler may be nil.
func NewRunner(prober Prober, location LocationFunc, handler Handler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		prober:   prober,
		location: location,
		handler:  handler,
		logger:   logger.With("component", "campaign"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run executes a campaign and blocks until it ends.
// Returns ErrBusy if another campaign is active.
func (r *Runner) Run(ctx context.Context, req Request) (*types.SessionSummary, error) {
	return r.run(ctx, req, false)
}

// Replace cancels and joins any active campaign, then runs req.
func (r *Runner) Replace(ctx context.Context, req Request) (*types.SessionSummary, error) {
	return r.run(ctx, req, true)
}

// Go starts a campaign in the background. The returned channel yields the
// sealed summary once and is then closed. Validation and the busy check happen
// before Go returns.
func (r *Runner) Go(ctx context.Context, req Request, replace bool) (<-chan *types.SessionSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	runCtx, release, err := r.acquire(ctx, replace)
	if err != nil {
		return nil, err
	}

	out := make(chan *types.SessionSummary, 1)
	go func() {
		defer close(out)
		out <- r.execute(ctx, runCtx, req, release)
	}()
	return out, nil
}

// Cancel stops the active campaign and waits for it to finalize.
// It is a no-op when idle.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether a campaign is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

func (r *Runner) run(ctx context.Context, req Request, replace bool) (*types.SessionSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	runCtx, release, err := r.acquire(ctx, replace)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, runCtx, req, release), nil
}

// acquire claims the single running slot. With replace set, an active
// campaign is cancelled and joined first.
func (r *Runner) acquire(ctx context.Context, replace bool) (context.Context, func(), error) {
	for {
		r.mu.Lock()
		if r.done == nil {
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			r.cancel, r.done = cancel, done
			r.mu.Unlock()

			release := func() {
				cancel()
				r.mu.Lock()
				r.cancel, r.done = nil, nil
				r.mu.Unlock()
				close(done)
			}
			return runCtx, release, nil
		}
		cancel, done := r.cancel, r.done
		r.mu.Unlock()

		if !replace {
			return nil, nil, ErrBusy
		}

		r.logger.Info("replacing active campaign")
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// execute runs the probe loop, releases the slot and hands off the summary.
func (r *Runner) execute(parent, ctx context.Context, req Request, release func()) *types.SessionSummary {
	s := r.begin(ctx, req)

	r.logger.Info("campaign started",
		"session_id", s.summary.SessionID,
		"host", req.Host,
		"protocol", req.Protocol,
		"interval", req.EffectiveInterval(),
		"duration", req.Duration,
		"server_instructed", req.ServerInstructed)

	r.loop(ctx, req, s)

	// Finalization must complete even when cancelled.
	detached := context.WithoutCancel(ctx)
	summary := s.finalize(r.now(), r.currentLocation(detached))
	release()

	r.logger.Info("campaign finished",
		"session_id", summary.SessionID,
		"sent", summary.PacketsSent,
		"received", summary.PacketsReceived,
		"loss_pct", summary.PacketLossPercent,
		"avg_rtt_ms", summary.AvgRTTMs,
		"cancelled", ctx.Err() != nil)

	if r.handler != nil {
		go r.handler(context.WithoutCancel(parent), summary)
	}
	return summary
}

func (r *Runner) loop(ctx context.Context, req Request, s *session) {
	target := executor.Target{
		Host:       req.Host,
		Port:       req.Settings.Port(req.Protocol),
		Timeout:    req.Settings.Timeout(),
		PacketSize: req.Settings.PacketSize,
	}
	interval := req.EffectiveInterval()
	start := s.summary.StartTime

	for r.now().Sub(start) < req.Duration && ctx.Err() == nil {
		res := r.prober.Execute(ctx, req.Protocol, target)
		if ctx.Err() != nil {
			break
		}
		s.record(req, res, r.now(), r.currentLocation(ctx))

		r.logger.Debug("probe",
			"session_id", s.summary.SessionID,
			"seq", s.seq,
			"success", res.Success,
			"rtt_ms", res.RTTMillis())

		if err := r.sleep(ctx, interval); err != nil {
			break
		}
	}
}

func (r *Runner) begin(ctx context.Context, req Request) *session {
	start := r.now()
	return &session{
		summary: &types.SessionSummary{
			SessionID:        NewSessionID(start),
			Host:             req.Host,
			Protocol:         req.Protocol,
			StartTime:        start,
			StartLocation:    r.currentLocation(ctx),
			ServerInstructed: req.ServerInstructed,
			Settings:         req.Settings,
			Attempts:         []types.ProbeAttempt{},
		},
		minRTT: math.Inf(1),
	}
}

func (r *Runner) currentLocation(ctx context.Context) string {
	if r.location == nil {
		return types.LocationUnavailable
	}
	if loc := r.location(ctx); loc != "" {
		return loc
	}
	return types.LocationUnavailable
}

// NewSessionID returns session_<startUnixMillis>_<8 hex chars>.
func NewSessionID(start time.Time) string {
	return fmt.Sprintf("session_%d_%s", start.UnixMilli(), uuid.NewString()[:8])
}

// session is the in-progress state of one campaign.
type session struct {
	summary *types.SessionSummary
	seq     int
	rttSum  float64
	minRTT  float64
	maxRTT  float64
}

func (s *session) record(req Request, res executor.Result, at time.Time, location string) {
	s.seq++
	s.summary.PacketsSent++

	attempt := types.ProbeAttempt{
		TimestampMillis: at.UnixMilli(),
		Sequence:        s.seq,
		Success:         res.Success,
		Location:        location,
	}

	if res.Success {
		rtt := res.RTTMillis()
		attempt.RTTMs = rtt
		s.summary.PacketsReceived++
		s.rttSum += rtt
		s.minRTT = math.Min(s.minRTT, rtt)
		s.maxRTT = math.Max(s.maxRTT, rtt)
		s.summary.TotalBytes += bytesPerSuccess(req.Protocol, req.Settings.PacketSize)
	} else {
		attempt.ErrorMessage = TimeoutMessage
	}

	s.summary.Attempts = append(s.summary.Attempts, attempt)
}

// bytesPerSuccess is an approximation: ICMP and UDP assume a symmetric
// request and reply, TCP a fixed handshake size.
func bytesPerSuccess(p types.Protocol, packetSize int) int64 {
	if p == types.ProtocolTCP {
		return TCPHandshakeBytes
	}
	return 2 * int64(packetSize)
}

func (s *session) finalize(end time.Time, location string) *types.SessionSummary {
	sum := s.summary
	sum.EndTime = end
	sum.EndLocation = location

	elapsed := end.Sub(sum.StartTime)
	sum.DurationSeconds = int64(elapsed.Round(time.Second) / time.Second)

	if sum.PacketsSent > 0 {
		sum.PacketLossPercent = float64(sum.PacketsSent-sum.PacketsReceived) * 100 / float64(sum.PacketsSent)
	}
	if sum.PacketsReceived > 0 {
		sum.AvgRTTMs = s.rttSum / float64(sum.PacketsReceived)
	}
	if secs := elapsed.Seconds(); secs > 0 {
		sum.AvgBandwidthBps = float64(sum.TotalBytes) * 8 / secs
	}
	if math.IsInf(s.minRTT, 1) {
		sum.MinRTTMs = 0
	} else {
		sum.MinRTTMs = s.minRTT
	}
	sum.MaxRTTMs = s.maxRTT

	sum.Seal()
	return sum
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
