// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

// IPv4Server is a real HTTP server on 127.0.0.1, used where a test needs
// streamed responses to travel over a socket rather than a recorder.
type IPv4Server struct {
	URL       string
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewIPv4Server starts handler on an ephemeral IPv4 loopback port. The test is
// skipped when no IPv4 loopback is available. The server is shut down when the
// test finishes; calling Close earlier is allowed.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		server:    &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns an HTTP client configured for the server.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Close shuts down the server and drops idle client connections.
func (s *IPv4Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	s.transport.CloseIdleConnections()
}
