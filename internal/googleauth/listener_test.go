package googleauth

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestCaptureReturnsRelayedToken(t *testing.T) {
	port := freePort(t)
	listener := New("127.0.0.1", port, "test", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		token, err := listener.Capture(ctx)
		done <- result{token, err}
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForListener(t, base)

	resp, err := http.Post(base+"/token", "application/json",
		bytes.NewReader([]byte(`{"token":"ya29.access-token"}`)))
	if err != nil {
		t.Fatalf("relay token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("relay status = %d", resp.StatusCode)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("capture: %v", res.err)
	}
	if res.token != "ya29.access-token" {
		t.Errorf("token = %q", res.token)
	}
}

func TestCaptureStopsWhenContextEnds(t *testing.T) {
	listener := New("127.0.0.1", freePort(t), "test", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := listener.Capture(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a context error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not stop on cancellation")
	}
}

func TestRelayWithoutTokenIsRejected(t *testing.T) {
	port := freePort(t)
	listener := New("127.0.0.1", port, "test", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Capture(ctx)

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForListener(t, base)

	resp, err := http.Post(base+"/token", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func waitForListener(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/")
		if err == nil {
			resp.Body.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
