package executor

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// UDPExecutor sends one datagram and waits for any reply.
//
// UDP has no built-in echo, so the target must run a responder such as the
// controller's echo service. Any datagram received before the deadline counts
// as success; its content is not checked.
type UDPExecutor struct{}

// NewUDPExecutor creates a UDP echo executor.
func NewUDPExecutor() *UDPExecutor {
	return &UDPExecutor{}
}

// Protocol returns the protocol identifier.
func (e *UDPExecutor) Protocol() types.Protocol {
	return types.ProtocolUDP
}

// Capabilities returns what this executor needs.
func (e *UDPExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Probe sends a datagram of target.PacketSize bytes and waits for a reply.
func (e *UDPExecutor) Probe(ctx context.Context, target Target) Result {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	d := net.Dialer{Timeout: target.Timeout}

	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return failed("resolve: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(target.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	// Unblock the read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if _, err := conn.Write(Payload(target.PacketSize)); err != nil {
		return failed("send: %v", err)
	}

	buf := make([]byte, 64*1024)
	if _, err := conn.Read(buf); err != nil {
		if ctx.Err() != nil {
			return failed("cancelled")
		}
		return failed("no reply: %v", err)
	}

	return Result{Success: true, RTT: time.Since(start)}
}

// Payload returns a datagram of n bytes filled with a repeating pattern.
func Payload(n int) []byte {
	if n < 1 {
		n = 1
	}
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('a' + i%26)
	}
	return p
}
