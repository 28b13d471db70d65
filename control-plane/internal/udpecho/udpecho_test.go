package udpecho

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestServe_EchoesWithPrefix(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, conn) }()

	client, err := net.Dial("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	for _, payload := range []string{"probe-1", "probe-2"} {
		if _, err := client.Write([]byte(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:n]); got != "ACK: "+payload {
			t.Errorf("reply = %q, want %q", got, "ACK: "+payload)
		}
	}

	if s.Echoed() != 2 {
		t.Errorf("Echoed() = %d, want 2", s.Echoed())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}

func TestListenAndServe_BadAddress(t *testing.T) {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.ListenAndServe(context.Background(), "not-an-address"); err == nil {
		t.Error("expected listen error")
	}
}
