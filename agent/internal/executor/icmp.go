// Package executor - ICMP echo executor using the system ping binary.
//
// # Why the ping binary?
//
// Raw ICMP sockets need CAP_NET_RAW or root. The setuid (or capability-bearing)
// ping shipped with every Linux and macOS host does not, so the agent runs
// unprivileged.
//
// # Reply Detection
//
// Exit status 0 alone is not trusted. Busybox and some vendor builds exit 0 on
// a timeout, so the output must also contain reply evidence:
//
//	64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=11.2 ms
//
// RTT is measured as wall-clock time around the subprocess. It includes process
// startup and is reported as-is.
package executor

import (
	"bytes"
	"context"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// ICMPExecutor probes targets by running ping once per probe.
type ICMPExecutor struct {
	// PingPath is the path to the ping binary. Default: "ping"
	PingPath string
}

// NewICMPExecutor creates a new ICMP executor with sensible defaults.
func NewICMPExecutor() *ICMPExecutor {
	return &ICMPExecutor{PingPath: "ping"}
}

// Protocol returns the protocol identifier.
func (e *ICMPExecutor) Protocol() types.Protocol {
	return types.ProtocolICMP
}

// Capabilities returns what this executor needs.
func (e *ICMPExecutor) Capabilities() Capabilities {
	return Capabilities{
		RequiresRoot: false,
		Dependencies: []string{e.pingPath()},
	}
}

// Probe runs a single echo request.
func (e *ICMPExecutor) Probe(ctx context.Context, target Target) Result {
	// -c 1 : one echo request
	// -W s : reply wait in whole seconds
	// -s n : payload size
	args := []string{
		"-c", "1",
		"-W", strconv.Itoa(waitSeconds(target.Timeout)),
		"-s", strconv.Itoa(target.PacketSize),
		target.Host,
	}

	// The subprocess gets a little longer than -W so ping can report on its own.
	runCtx, cancel := context.WithTimeout(ctx, target.Timeout+time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.pingPath(), args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 500 * time.Millisecond

	start := time.Now()
	err := cmd.Run()
	rtt := time.Since(start)

	if ctx.Err() != nil {
		return failed("cancelled")
	}
	if err != nil {
		return failed("ping: %v", err)
	}
	if !hasReply(out.Bytes()) {
		return failed("no reply")
	}
	return Result{Success: true, RTT: rtt}
}

func (e *ICMPExecutor) pingPath() string {
	if e.PingPath == "" {
		return "ping"
	}
	return e.PingPath
}

// waitSeconds converts a timeout to ping's -W argument: ceil(seconds), at least 1.
func waitSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func hasReply(output []byte) bool {
	lower := strings.ToLower(string(output))
	return strings.Contains(lower, "bytes from") || strings.Contains(lower, "ttl=")
}
