// Package udpecho answers UDP probes. Every datagram is echoed back to its
// sender prefixed with "ACK: ", which is what UDP campaigns count as a reply.
package udpecho

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/pilot-net/pingrelay/control-plane/internal/config"
)

// readTimeout bounds each read so cancellation is noticed promptly.
const readTimeout = time.Second

// Server echoes datagrams on a packet connection.
type Server struct {
	logger *slog.Logger
	echoed atomic.Int64
}

// New creates an echo server.
func New(logger *slog.Logger) *Server {
	return &Server{logger: logger.With("component", "udpecho")}
}

// Echoed returns the number of datagrams answered so far.
func (s *Server) Echoed() int64 { return s.echoed.Load() }

// ListenAndServe listens on addr (e.g. ":9999") and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on udp %s: %w", addr, err)
	}
	return s.Serve(ctx, conn)
}

// Serve echoes datagrams from conn until ctx is cancelled. It closes conn.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	defer conn.Close()
	s.logger.Info("udp echo listening", "addr", conn.LocalAddr().String())

	buf := make([]byte, config.UDPEchoBufferSize)
	prefix := []byte(config.UDPEchoPrefix)

	for {
		if ctx.Err() != nil {
			s.logger.Info("udp echo stopped", "echoed", s.echoed.Load())
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("udp read failed", "error", err)
			continue
		}

		reply := make([]byte, 0, len(prefix)+n)
		reply = append(reply, prefix...)
		reply = append(reply, buf[:n]...)
		if _, err := conn.WriteTo(reply, remote); err != nil {
			s.logger.Warn("udp echo failed", "remote", remote.String(), "error", err)
			continue
		}
		s.echoed.Add(1)
		s.logger.Debug("udp echo", "remote", remote.String(), "bytes", n)
	}
}
