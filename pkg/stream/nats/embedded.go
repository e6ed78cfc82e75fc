package nats

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
// Useful for tests and single-binary deployments.
type EmbeddedServer struct {
	server   *server.Server
	url      string
	storeDir string
}

// StartEmbeddedServer starts an embedded NATS server on a random port.
// JetStream state lives in a fresh temp directory for the server's
// lifetime.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	dir, err := os.MkdirTemp("", "arque-nats-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  dir,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{
		server:   s,
		url:      s.ClientURL(),
		storeDir: dir,
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the embedded server and removes its store directory.
func (e *EmbeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
	if e.storeDir != "" {
		os.RemoveAll(e.storeDir)
	}
}

// NewEmbeddedStream starts an embedded server and returns an adapter
// connected to it. A convenience for tests and demos.
func NewEmbeddedStream(opts ...Option) (*Stream, *EmbeddedServer, error) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded server: %w", err)
	}

	stream, err := New(append([]Option{WithURL(srv.URL())}, opts...)...)
	if err != nil {
		srv.Shutdown()
		return nil, nil, fmt.Errorf("failed to create stream adapter: %w", err)
	}

	return stream, srv, nil
}
