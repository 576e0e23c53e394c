package ingestd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/ingestd/client"
	"pkt.systems/ingestd/internal/storage"
	"pkt.systems/pslog"
)

// TestServer wraps a running ingestd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop    func(context.Context) error
	backend storage.Backend
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer).LogLevel(level).With("app", "testserver")
}

// TestServerOption mutates the config used by NewTestServer.
type TestServerOption func(*Config)

// NewTestServer starts an ingestd server on an ephemeral port with an
// in-memory store and returns it together with a connected client. Cleanup is
// registered on t.
func NewTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.DisableHTTPTracing = true
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, stop, err := StartServer(context.Background(), cfg, WithLogger(NewTestingLogger(t, pslog.ErrorLevel)))
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	baseURL := "http://" + srv.ListenerAddr().String()

	cli, err := client.New(baseURL, client.WithQueryInterval(50*time.Millisecond))
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = stop(stopCtx)
		cancel()
		t.Fatalf("connect test client: %v", err)
	}

	ts := &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: srv.ListenerAddr(),
		Client:   cli,
		Config:   cfg,
		stop:     stop,
		backend:  srv.backend,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Backend exposes the event store for assertions.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}
