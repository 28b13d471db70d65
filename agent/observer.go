package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilot-net/pingrelay/agent/internal/metrics"
	"github.com/pilot-net/pingrelay/pkg/types"
)

// LocationProvider returns the device's current location as an opaque string.
// Implementations may block; the agent bounds every call with a timeout.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) string
}

// StaticLocation is a fixed location, e.g. from configuration.
type StaticLocation string

func (s StaticLocation) CurrentLocation(context.Context) string { return string(s) }

// LocationFunc adapts a function to LocationProvider.
type LocationFunc func(ctx context.Context) string

func (f LocationFunc) CurrentLocation(ctx context.Context) string { return f(ctx) }

// Observer receives the agent's user-facing events. Calls are made from a
// dedicated goroutine, in order; a slow observer causes events to be dropped,
// never the heartbeat cadence to slip.
type Observer interface {
	Log(msg string)
	StatusChanged(state types.ConnectionState, msg string)
	InstructionReceived(instr types.ProbeInstruction)
}

// LogObserver writes events to a structured logger.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) Log(msg string) {
	o.Logger.Info(msg)
}

func (o LogObserver) StatusChanged(state types.ConnectionState, msg string) {
	o.Logger.Info("status changed", "state", state, "message", msg)
}

func (o LogObserver) InstructionReceived(instr types.ProbeInstruction) {
	o.Logger.Info("instruction received",
		"should_probe", instr.ShouldProbe,
		"host", instr.Host,
		"protocol", instr.Protocol,
		"duration_s", instr.DurationSeconds,
		"delay_ms", instr.PreDelayMillis)
}

// notifier delivers observer events on its own goroutine through a bounded
// buffer.
type notifier struct {
	obs     Observer
	metrics *metrics.Metrics
	events  chan func(Observer)
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newNotifier(obs Observer, size int, m *metrics.Metrics) *notifier {
	n := &notifier{
		obs:     obs,
		metrics: m,
		events:  make(chan func(Observer), size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.quit:
			return
		case fn := <-n.events:
			fn(n.obs)
		}
	}
}

// post queues fn, dropping it when the buffer is full or the notifier is closed.
func (n *notifier) post(fn func(Observer)) {
	select {
	case <-n.quit:
		return
	default:
	}
	select {
	case n.events <- fn:
	default:
		n.metrics.ObserverDrop()
	}
}

func (n *notifier) log(msg string) {
	n.post(func(o Observer) { o.Log(msg) })
}

func (n *notifier) statusChanged(state types.ConnectionState, msg string) {
	n.post(func(o Observer) { o.StatusChanged(state, msg) })
}

func (n *notifier) instructionReceived(instr types.ProbeInstruction) {
	n.post(func(o Observer) { o.InstructionReceived(instr) })
}

// close stops delivery. It does not wait for a blocked observer.
func (n *notifier) close() {
	n.once.Do(func() { close(n.quit) })
}
