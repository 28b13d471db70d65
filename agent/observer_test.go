package agent

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/pingrelay/agent/internal/metrics"
	"github.com/pilot-net/pingrelay/pkg/types"
)

type recordingObserver struct {
	mu       sync.Mutex
	logs     []string
	statuses []types.ConnectionState
	instrCh  chan types.ProbeInstruction
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{instrCh: make(chan types.ProbeInstruction, 8)}
}

func (o *recordingObserver) Log(msg string) {
	o.mu.Lock()
	o.logs = append(o.logs, msg)
	o.mu.Unlock()
}

func (o *recordingObserver) StatusChanged(state types.ConnectionState, msg string) {
	o.mu.Lock()
	o.statuses = append(o.statuses, state)
	o.mu.Unlock()
}

func (o *recordingObserver) InstructionReceived(instr types.ProbeInstruction) {
	select {
	case o.instrCh <- instr:
	default:
	}
}

func (o *recordingObserver) waitInstruction(timeout time.Duration) (types.ProbeInstruction, bool) {
	select {
	case instr := <-o.instrCh:
		return instr, true
	case <-time.After(timeout):
		return types.ProbeInstruction{}, false
	}
}

// blockingObserver holds every callback until release is closed.
type blockingObserver struct {
	release chan struct{}
}

func (o blockingObserver) Log(string) { <-o.release }
func (o blockingObserver) StatusChanged(types.ConnectionState, string) { <-o.release }
func (o blockingObserver) InstructionReceived(types.ProbeInstruction) { <-o.release }

func TestNotifier_DeliversInOrder(t *testing.T) {
	obs := newRecordingObserver()
	n := newNotifier(obs, 8, nil)
	defer n.close()

	n.log("one")
	n.statusChanged(types.StateConnected, "connected")
	n.log("two")

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.logs) == 2 && len(obs.statuses) == 1
	}, 2*time.Second, 5*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []string{"one", "two"}, obs.logs)
	require.Equal(t, []types.ConnectionState{types.StateConnected}, obs.statuses)
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	m := metrics.New()
	obs := blockingObserver{release: make(chan struct{})}
	n := newNotifier(obs, 2, m)
	defer func() {
		close(obs.release)
		n.close()
	}()

	start := time.Now()
	for i := 0; i < 10; i++ {
		n.log("event")
	}
	require.Less(t, time.Since(start), time.Second, "post must never block")

	// At most one in the observer plus two buffered
	dropped := testutil.ToFloat64(m.ObserverDropped)
	require.GreaterOrEqual(t, dropped, 7.0)
}

func TestNotifier_PostAfterClose(t *testing.T) {
	m := metrics.New()
	n := newNotifier(newRecordingObserver(), 1, m)
	n.close()
	n.close()

	n.log("ignored")
	require.Equal(t, 0.0, testutil.ToFloat64(m.ObserverDropped))
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	o := LogObserver{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	o.StatusChanged(types.StateReconnecting, "connect failed")
	o.InstructionReceived(types.ProbeInstruction{ShouldProbe: true, Host: "8.8.8.8", Protocol: types.ProtocolICMP})
	o.Log("hello")

	out := buf.String()
	for _, want := range []string{"state=reconnecting", "host=8.8.8.8", "protocol=ICMP", "msg=hello"} {
		require.True(t, strings.Contains(out, want), "missing %q in %s", want, out)
	}
}

func TestLocationAdapters(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, "home", StaticLocation("home").CurrentLocation(ctx))
	require.Equal(t, "gps", LocationFunc(func(context.Context) string { return "gps" }).CurrentLocation(ctx))
}
