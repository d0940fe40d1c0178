package executor

import (
	"archive/tar"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulrobinshaw/rch-xcode/artifacts"
	"github.com/paulrobinshaw/rch-xcode/rpc/server"
	"github.com/paulrobinshaw/rch-xcode/sourcestore"
)

// fakeProcess is an in-memory Process standing in for a real
// xcodebuild/xcrun invocation, the seam executor.Launcher exists for.
type fakeProcess struct {
	stdout   io.ReadCloser
	exitCode int
	signaled bool
	started  bool
	waitErr  error
}

func (p *fakeProcess) StdoutPipe() (io.ReadCloser, error) { return p.stdout, nil }
func (p *fakeProcess) StderrPipe() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("")), nil }
func (p *fakeProcess) Start() error                       { p.started = true; return nil }
func (p *fakeProcess) Wait() error                         { return p.waitErr }
func (p *fakeProcess) Pid() int                            { return 4242 }
func (p *fakeProcess) Terminate() error                    { p.signaled = true; return nil }
func (p *fakeProcess) Kill() error                          { p.signaled = true; return nil }
func (p *fakeProcess) Signaled() bool                       { return p.signaled }
func (p *fakeProcess) ExitCode() int                        { return p.exitCode }

type fakeLauncher struct {
	output   string
	exitCode int
	gotArgv  []string
	gotEnv   []string
}

func (l *fakeLauncher) Command(_ context.Context, name string, args []string, env []string, dir string) Process {
	l.gotArgv = append([]string{name}, args...)
	l.gotEnv = env
	return &fakeProcess{stdout: io.NopCloser(strings.NewReader(l.output)), exitCode: l.exitCode}
}

// testSourceStore builds a tar archive of files, stores it under its
// own content hash (sourcestore.Store requires source_sha256 ==
// content_sha256 for compression=none) and returns the store plus the
// sha the caller must use as JobSpec.SourceSHA256.
func testSourceStore(t *testing.T, files map[string]string) (*sourcestore.Store, string) {
	t.Helper()
	root := t.TempDir()
	store := sourcestore.New(root)

	srcDir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(srcDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	archivePath := filepath.Join(t.TempDir(), "bundle.tar")
	buildTar(t, archivePath, srcDir, files)

	raw, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	sha := hex.EncodeToString(sha256.Sum256(raw)[:])

	_, err = store.Store(sha, sha, sourcestore.CompressionNone, strings.NewReader(string(raw)))
	require.NoError(t, err)
	return store, sha
}

func baseSpec(t *testing.T, sourceSHA string) server.JobSpec {
	dir := t.TempDir()
	return server.JobSpec{
		RunID:                "run-1",
		JobID:                "job-1",
		JobKey:               "deadbeef",
		Action:               "build",
		SourceSHA256:         sourceSHA,
		SanitizedArgv:        []string{"build", "-scheme", "Foo"},
		ToolchainJSON:        `{"developer_dir":"/Applications/Xcode.app/Contents/Developer"}`,
		DestinationJSON:      `{"platform":"iOS Simulator"}`,
		EffectiveConfigJSON:  `{}`,
		InvocationJSON:       `{}`,
		JobKeyInputsJSON:     `{}`,
		ClassifierPolicyJSON: `{}`,
		DerivedDataMode:      "per_job",
		Backend:              "direct",
		ArtifactProfile:      "full",
		WorkDir:              filepath.Join(dir, "work"),
		ArtifactsDir:         filepath.Join(dir, "artifacts"),
	}
}

func TestRunSucceedsAndCommitsArtifacts(t *testing.T) {
	store, sha := testSourceStore(t, map[string]string{"README.md": "hello"})

	launcher := &fakeLauncher{output: "Build succeeded\n", exitCode: 0}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = pub

	exec := New(Config{
		Store:              store,
		Worker:             artifacts.WorkerIdentity{Name: "mini-1"},
		CapabilitiesDigest: "capsdigest",
		SigningKey:         priv,
		Launcher:           launcher,
		BaseEnviron:        func() []string { return []string{"PATH=/usr/bin", "SECRET=dropme"} },
	})

	spec := baseSpec(t, sha)
	var cancel atomic.Bool
	var lines []string
	exitCode, err := exec.Run(context.Background(), spec, func(l string) { lines = append(lines, l) }, &cancel)
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)
	require.Contains(t, lines, "Build succeeded")

	require.Contains(t, launcher.gotEnv, "PATH=/usr/bin")
	require.NotContains(t, launcher.gotEnv, "SECRET=dropme")

	for _, name := range []string{"summary.json", "manifest.json", "attestation.json", "job_index.json"} {
		_, statErr := os.Stat(filepath.Join(spec.ArtifactsDir, name))
		require.NoError(t, statErr, "expected %s to exist", name)
	}

	var summary Summary
	raw, err := os.ReadFile(filepath.Join(spec.ArtifactsDir, "summary.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &summary))
	require.Equal(t, "succeeded", summary.Status)

	result, err := artifacts.VerifyArtifacts(spec.ArtifactsDir)
	require.NoError(t, err)
	require.True(t, result.OK)
}

func TestRunReportsNonZeroExitWithoutError(t *testing.T) {
	store, sha := testSourceStore(t, map[string]string{"a.txt": "x"})

	launcher := &fakeLauncher{output: "error: something broke\n", exitCode: 65}
	exec := New(Config{Store: store, Launcher: launcher, BaseEnviron: func() []string { return nil }})

	spec := baseSpec(t, sha)
	var cancel atomic.Bool
	exitCode, err := exec.Run(context.Background(), spec, func(string) {}, &cancel)
	require.NoError(t, err)
	require.Equal(t, 65, exitCode)

	raw, err := os.ReadFile(filepath.Join(spec.ArtifactsDir, "summary.json"))
	require.NoError(t, err)
	var summary Summary
	require.NoError(t, json.Unmarshal(raw, &summary))
	require.Equal(t, "failed", summary.Status)
	require.Equal(t, "XCODEBUILD", summary.FailureKind)
}

func TestRunHonorsCancellation(t *testing.T) {
	store, sha := testSourceStore(t, map[string]string{"a.txt": "x"})

	launcher := &fakeLauncher{output: "still running\n", exitCode: -1}
	exec := New(Config{Store: store, Launcher: launcher, BaseEnviron: func() []string { return nil }})

	spec := baseSpec(t, sha)
	var cancel atomic.Bool
	cancel.Store(true)

	exitCode, err := exec.Run(context.Background(), spec, func(string) {}, &cancel)
	require.NoError(t, err)
	_ = exitCode

	raw, err := os.ReadFile(filepath.Join(spec.ArtifactsDir, "summary.json"))
	require.NoError(t, err)
	var summary Summary
	require.NoError(t, json.Unmarshal(raw, &summary))
	require.Equal(t, "cancelled", summary.Status)
}

func TestBuildArgvAddsResultBundlePathForTests(t *testing.T) {
	exec := New(Config{})
	spec := server.JobSpec{
		SanitizedArgv:   []string{"test", "-scheme", "Foo"},
		Action:          "test",
		DerivedDataMode: "per_job",
		WorkDir:         "/tmp/work",
		ArtifactsDir:    "/tmp/artifacts",
	}
	argv := exec.buildArgv(spec)
	require.Contains(t, argv, "-resultBundlePath")
	require.Contains(t, argv, "-derivedDataPath")
}

func buildTar(t *testing.T, path, srcDir string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for name := range files {
		full := filepath.Join(srcDir, name)
		info, err := os.Stat(full)
		require.NoError(t, err)
		content, err := os.ReadFile(full)
		require.NoError(t, err)

		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: int64(info.Mode().Perm())}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err = tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
}
