package client_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	"github.com/paulrobinshaw/rch-xcode/rpc"
	"github.com/paulrobinshaw/rch-xcode/rpc/client"
	"github.com/paulrobinshaw/rch-xcode/rpc/server"
	"github.com/paulrobinshaw/rch-xcode/sourcestore"
	"github.com/paulrobinshaw/rch-xcode/zstdio"
)

// artifactRunner is a test Runner that writes one artifact file before
// reporting success, so Fetch has something real to stream back.
type artifactRunner struct{}

func (artifactRunner) Run(_ context.Context, spec server.JobSpec, onLine func(string), _ *atomic.Bool) (int, error) {
	onLine("line one")
	onLine("line two")
	if err := os.MkdirAll(spec.ArtifactsDir, 0o755); err != nil {
		return 1, err
	}
	if err := os.WriteFile(filepath.Join(spec.ArtifactsDir, "summary.json"), []byte(`{"status":"ok"}`), 0o644); err != nil {
		return 1, err
	}
	return 0, nil
}

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	jobsRoot := t.TempDir()
	storeRoot := t.TempDir()
	cfg := server.Config{
		Capabilities:      capabilities.Capabilities{MacOSVersion: "15.3", Arch: "arm64"},
		ProtocolRange:     protocol.ProtocolRange{Min: 1, Max: 3},
		MaxConcurrentJobs: 2,
		LeaseTTL:          time.Minute,
		JobsRoot:          jobsRoot,
	}
	return server.New(cfg, sourcestore.New(storeRoot), artifactRunner{})
}

func TestBootstrapNegotiatesProtocolVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, done := server.ServePipe(ctx, newTestServer(t))
	defer func() { cancel(); <-done }()

	c := client.New(conn, protocol.ProtocolRange{Min: 1, Max: 5})
	caps, err := c.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if caps.Arch != "arm64" {
		t.Fatalf("got arch %q", caps.Arch)
	}
}

func TestBootstrapVersionNegotiationFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, done := server.ServePipe(ctx, newTestServer(t))
	defer func() { cancel(); <-done }()

	c := client.New(conn, protocol.ProtocolRange{Min: 10, Max: 20})
	_, err := c.Bootstrap(ctx)
	if err == nil {
		t.Fatalf("expected version negotiation failure")
	}
}

func TestFullJobLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, done := server.ServePipe(ctx, newTestServer(t))
	defer func() { cancel(); <-done }()

	c := client.New(conn, protocol.ProtocolRange{Min: 1, Max: 3})
	if _, err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	lease, err := c.Reserve(ctx, "run-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if lease.LeaseID == "" {
		t.Fatalf("expected a lease id")
	}

	archive := []byte("fake tar bytes for source bundle")
	sum := sha256.Sum256(archive)
	sourceSHA := hex.EncodeToString(sum[:])

	exists, err := c.HasSource(ctx, sourceSHA)
	if err != nil {
		t.Fatalf("has_source: %v", err)
	}
	if exists {
		t.Fatalf("expected source to be absent before upload")
	}

	if err := c.UploadSource(ctx, sourceSHA, "none", archive); err != nil {
		t.Fatalf("upload_source: %v", err)
	}

	exists, err = c.HasSource(ctx, sourceSHA)
	if err != nil {
		t.Fatalf("has_source: %v", err)
	}
	if !exists {
		t.Fatalf("expected source to be present after upload")
	}

	submitResp, err := c.Submit(ctx, clientSubmitRequest(sourceSHA))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitResp.JobID != "job-1" {
		t.Fatalf("got job id %q", submitResp.JobID)
	}

	// submit with the same (job_id, job_key) is idempotent.
	again, err := c.Submit(ctx, clientSubmitRequest(sourceSHA))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.JobID != submitResp.JobID {
		t.Fatalf("idempotent resubmit returned a different job")
	}

	var status server.JobState
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := c.Status(ctx, "job-1")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		status = server.JobState(resp.State)
		if status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !status.IsTerminal() {
		t.Fatalf("job never reached a terminal state, last status %s", status)
	}
	if status != server.JobSucceeded {
		t.Fatalf("got status %s, want succeeded", status)
	}

	tail, err := c.Tail(ctx, "job-1", 0, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail.Lines) != 2 || tail.Lines[0] != "line one" {
		t.Fatalf("got tail lines %v", tail.Lines)
	}
	if tail.NextCursor != nil {
		t.Fatalf("expected nil next_cursor once terminal and caught up")
	}

	data, err := c.Fetch(ctx, "job-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty artifact tar")
	}

	if err := c.Release(ctx, lease.LeaseID); err != nil {
		t.Fatalf("release: %v", err)
	}
	// release is idempotent.
	if err := c.Release(ctx, lease.LeaseID); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestUploadSourceZstdCompressed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, done := server.ServePipe(ctx, newTestServer(t))
	defer func() { cancel(); <-done }()

	c := client.New(conn, protocol.ProtocolRange{Min: 1, Max: 3})
	if _, err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	archive := []byte("uncompressed canonical archive bytes, repeated. repeated. repeated.")
	sum := sha256.Sum256(archive)
	sourceSHA := hex.EncodeToString(sum[:])

	compressed, err := zstdio.Compress(archive)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	if err := c.UploadSource(ctx, sourceSHA, "zstd", compressed); err != nil {
		t.Fatalf("upload_source (zstd): %v", err)
	}

	exists, err := c.HasSource(ctx, sourceSHA)
	if err != nil {
		t.Fatalf("has_source: %v", err)
	}
	if !exists {
		t.Fatalf("expected source to be present after zstd upload, stored under its uncompressed source_sha256")
	}
}

func TestCancelAlreadyTerminalJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, done := server.ServePipe(ctx, newTestServer(t))
	defer func() { cancel(); <-done }()

	c := client.New(conn, protocol.ProtocolRange{Min: 1, Max: 3})
	if _, err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	archive := []byte("bytes")
	sum := sha256.Sum256(archive)
	sourceSHA := hex.EncodeToString(sum[:])
	if err := c.UploadSource(ctx, sourceSHA, "none", archive); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := c.Submit(ctx, clientSubmitRequest(sourceSHA)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := c.Status(ctx, "job-1")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if server.JobState(resp.State).IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancelResp, err := c.Cancel(ctx, "job-1", "TIMEOUT_IDLE")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelResp.AlreadyTerminal {
		t.Fatalf("expected already_terminal=true for a finished job")
	}
}

func clientSubmitRequest(sourceSHA string) rpc.SubmitRequest {
	return rpc.SubmitRequest{
		RunID:               "run-1",
		JobID:               "job-1",
		JobKey:              "fixed-job-key",
		Action:              "build",
		SourceSHA256:        sourceSHA,
		SanitizedArgv:       []string{"build", "-scheme", "MyApp"},
		ToolchainBuild:      "16C5032a",
		ToolchainJSON:       `{}`,
		DestinationJSON:     `{}`,
		EffectiveConfigJSON: `{}`,
		InvocationJSON:      `{}`,
		JobKeyInputsJSON:    `{}`,
		DerivedDataMode:     "off",
		Backend:             "direct",
		ArtifactProfile:     "minimal",
	}
}
