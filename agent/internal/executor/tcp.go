package executor

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// TCPExecutor measures the time to complete a TCP handshake.
// The connection is closed as soon as it is established; no payload is sent.
type TCPExecutor struct{}

// NewTCPExecutor creates a TCP connect executor.
func NewTCPExecutor() *TCPExecutor {
	return &TCPExecutor{}
}

// Protocol returns the protocol identifier.
func (e *TCPExecutor) Protocol() types.Protocol {
	return types.ProtocolTCP
}

// Capabilities returns what this executor needs.
func (e *TCPExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Probe dials host:port once.
func (e *TCPExecutor) Probe(ctx context.Context, target Target) Result {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	d := net.Dialer{Timeout: target.Timeout}

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	rtt := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return failed("cancelled")
		}
		return failed("connect: %v", err)
	}
	conn.Close()

	return Result{Success: true, RTT: rtt}
}
