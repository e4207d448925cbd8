package ws

import (
	"net"
	"testing"
	"time"
)

// A peer that stops reading must fail the write once the deadline passes
// instead of blocking the writer (and everyone queued on the write mutex).
func TestWriteFrameTimesOutOnStalledPeer(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Connection{
		ID:           "stalled",
		Conn:         server,
		WriteTimeout: 50 * time.Millisecond,
	}

	// The client end never reads.
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.WriteFrame([]byte(`{"type":"pong"}`))
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a write error against an unread peer")
		}
		netErr, ok := err.(net.Error)
		if !ok || !netErr.Timeout() {
			t.Fatalf("expected a timeout error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WriteFrame still blocked after 2s: no write deadline applied")
	}
}

func TestWritePingTimesOutOnStalledPeer(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Connection{
		ID:           "stalled",
		Conn:         server,
		WriteTimeout: 50 * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.WritePing()
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a write error against an unread peer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WritePing still blocked after 2s: no write deadline applied")
	}
}

func TestWriteFrameSucceedsWithReadingPeer(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Connection{
		ID:           "healthy",
		Conn:         server,
		WriteTimeout: time.Second,
	}

	// Drain whatever the server writes.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	if err := c.WriteFrame([]byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("write to a reading peer failed: %v", err)
	}
}
