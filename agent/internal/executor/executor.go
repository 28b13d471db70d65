// Package executor defines the plugin interface for probe protocols.
//
// # Design Principles
//
// 1. Interface Segregation: Small, focused interface that every protocol implements
// 2. Failures Are Data: A probe never returns an error, only a failed Result
// 3. Capability Declaration: Executors declare their requirements
// 4. Graceful Degradation: Missing dependencies detected at registration, not runtime
//
// # Adding New Executors
//
// To add a new probe protocol:
//
//  1. Create a new file (e.g., quic.go) implementing the Executor interface
//  2. Add the protocol to pkg/types
//  3. Register the executor in the registry
//
// Example:
//
//	type QUICExecutor struct { /* ... */ }
//	func (e *QUICExecutor) Protocol() types.Protocol { return types.ProtocolQUIC }
//	func (e *QUICExecutor) Probe(ctx, target) Result { /* ... */ }
//
//	// In agent startup:
//	registry.Register(&QUICExecutor{})
package executor

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// Executor is the interface all probe protocols implement.
//
// Executors are responsible for:
// - Sending exactly one probe to a target and waiting for its reply
// - Measuring round-trip time
// - Declaring their dependencies
type Executor interface {
	// Protocol returns the protocol this executor speaks
	Protocol() types.Protocol

	// Capabilities returns what this executor needs
	Capabilities() Capabilities

	// Probe sends one probe and blocks until a reply, the timeout, or ctx is done.
	Probe(ctx context.Context, target Target) Result
}

// Capabilities describes an executor's requirements.
type Capabilities struct {
	// RequiresRoot indicates the executor needs elevated privileges
	RequiresRoot bool

	// Dependencies lists external binaries required (e.g., ["ping"])
	Dependencies []string
}

// Target contains everything needed to send a single probe.
type Target struct {
	Host       string
	Port       int // ignored by ICMP
	Timeout    time.Duration
	PacketSize int
}

// Result is the outcome of a single probe.
type Result struct {
	Success bool
	RTT     time.Duration
	Err     string // short reason when !Success
}

// RTTMillis returns the round-trip time in fractional milliseconds.
func (r Result) RTTMillis() float64 {
	return float64(r.RTT) / float64(time.Millisecond)
}

func failed(format string, args ...any) Result {
	return Result{Err: fmt.Sprintf(format, args...)}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available executors.
type Registry struct {
	executors map[types.Protocol]Executor
	mu        sync.RWMutex
}

// NewRegistry creates a new executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[types.Protocol]Executor),
	}
}

// NewDefaultRegistry registers the ICMP, TCP and UDP executors.
// An executor whose dependencies are missing is skipped and reported in the
// returned error; the registry is usable either way.
func NewDefaultRegistry(pingPath string) (*Registry, error) {
	r := NewRegistry()
	icmp := NewICMPExecutor()
	if pingPath != "" {
		icmp.PingPath = pingPath
	}
	var firstErr error
	for _, e := range []Executor{icmp, NewTCPExecutor(), NewUDPExecutor()} {
		if err := r.Register(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return r, firstErr
}

// Register adds an executor to the registry.
// Returns an error if dependencies are missing or executor already registered.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proto := e.Protocol()
	if _, exists := r.executors[proto]; exists {
		return fmt.Errorf("executor already registered: %s", proto)
	}

	for _, dep := range e.Capabilities().Dependencies {
		if _, err := exec.LookPath(dep); err != nil {
			return fmt.Errorf("executor %s missing dependency: %s", proto, dep)
		}
	}

	r.executors[proto] = e
	return nil
}

// Get returns the executor for a protocol.
func (r *Registry) Get(p types.Protocol) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[p]
	return e, ok
}

// List returns all registered protocols in sorted order.
func (r *Registry) List() []types.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	protos := make([]types.Protocol, 0, len(r.executors))
	for p := range r.executors {
		protos = append(protos, p)
	}
	sort.Slice(protos, func(i, j int) bool { return protos[i] < protos[j] })
	return protos
}

// Execute dispatches one probe to the executor for p.
// An unregistered protocol is a failed probe, not an error.
func (r *Registry) Execute(ctx context.Context, p types.Protocol, target Target) Result {
	e, ok := r.Get(p)
	if !ok {
		return failed("no executor for protocol %s", p)
	}
	if target.Timeout <= 0 {
		return failed("invalid timeout %s", target.Timeout)
	}
	return e.Probe(ctx, target)
}

// Probe sends one probe and reports (success, rttMillis).
func (r *Registry) Probe(ctx context.Context, p types.Protocol, host string, port int, timeout time.Duration, packetSize int) (bool, float64) {
	res := r.Execute(ctx, p, Target{
		Host:       host,
		Port:       port,
		Timeout:    timeout,
		PacketSize: packetSize,
	})
	return res.Success, res.RTTMillis()
}
