package server

import (
	"context"
	"net"
	"sync/atomic"
)

// StubRunner is an in-memory Runner for tests and for exercising the
// RPC client against a real dispatch table without a native toolchain
// or SSH round-trip (mirrors original_source/src/mock/worker.rs's role
// of grounding conformance tests against an in-memory worker).
type StubRunner struct {
	Lines    []string
	ExitCode int
	Err      error
}

// Run feeds r.Lines to onLine and returns r.ExitCode, r.Err.
func (r StubRunner) Run(_ context.Context, _ JobSpec, onLine func(string), _ *atomic.Bool) (int, error) {
	for _, line := range r.Lines {
		onLine(line)
	}
	return r.ExitCode, r.Err
}

// ServePipe starts s.Serve on one end of an in-memory net.Pipe and
// returns the other end for a client to dial directly, with no SSH
// transport involved.
func ServePipe(ctx context.Context, s *Server) (net.Conn, <-chan error) {
	clientSide, serverSide := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, serverSide)
	}()
	return clientSide, done
}
