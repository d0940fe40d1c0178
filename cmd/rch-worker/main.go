// rch-worker dispatches RPC requests arriving over its forced-command
// exec channel (spec.md §4.I): one invocation serves exactly one SSH
// session, reading requests from stdin and writing responses to
// stdout until the host disconnects.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulrobinshaw/rch-xcode/artifacts"
	"github.com/paulrobinshaw/rch-xcode/canon"
	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/config"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/executor"
	"github.com/paulrobinshaw/rch-xcode/internal/cli"
	"github.com/paulrobinshaw/rch-xcode/logging"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	"github.com/paulrobinshaw/rch-xcode/rpc/server"
	"github.com/paulrobinshaw/rch-xcode/sourcestore"
)

var plog = logging.New("rch-worker")

var (
	configPath string
	workerName string
)

var root = &cobra.Command{
	Use:   "rch-worker",
	Short: "Serve one RPC session over stdin/stdout",
	RunE:  runServe,
}

func init() {
	root.Flags().StringVar(&configPath, "config", "/etc/rch-worker.toml", "path to the worker TOML config")
	root.Flags().StringVar(&workerName, "name", "", "this worker's name, reported in attestations")
}

// stdio adapts the process's own stdin/stdout into the
// io.Reader/io.Writer pair server.Serve expects; over an SSH forced
// command these are exactly the session's exec channel.
type stdio struct {
	io.Reader
	io.Writer
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		return err
	}

	store := sourcestore.New(cfg.StoreRoot)

	var signingKey ed25519.PrivateKey
	var workerPub ed25519.PublicKey
	if cfg.SigningKeyPath != "" {
		raw, err := os.ReadFile(cfg.SigningKeyPath)
		if err != nil {
			return errkind.Wrap(errkind.Artifacts, err, "read signing key")
		}
		signingKey = ed25519.PrivateKey(raw)
		workerPub = signingKey.Public().(ed25519.PublicKey)
	}

	hostRange := protocol.ProtocolRange{Min: 1, Max: 1}
	prober := &capabilities.Prober{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		ProtocolRange:     hostRange,
	}
	caps, err := prober.Probe(context.Background())
	if err != nil {
		return errkind.Wrap(errkind.Executor, err, "probe capabilities")
	}

	capsDigest, _, err := canon.SHA256Hex(caps)
	if err != nil {
		return errkind.Wrap(errkind.Executor, err, "canonicalize capabilities")
	}

	worker := artifacts.WorkerIdentity{Name: workerName}
	if workerPub != nil {
		worker.Fingerprint = hex.EncodeToString(workerPub[:8])
	}

	exec := executor.New(executor.Config{
		Store:              store,
		Worker:             worker,
		CapabilitiesDigest: capsDigest,
		SigningKey:         signingKey,
		TerminationGrace:   10 * time.Second,
	})

	srv := server.New(server.Config{
		Capabilities:      caps,
		ProtocolRange:     hostRange,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxUploadBytes:    int64(cfg.MaxUploadBytes),
		LeaseTTL:          5 * time.Minute,
		JobsRoot:          cfg.StoreRoot + "/jobs",
	}, store, exec)

	plog.Infof("serving one session, store_root=%s", cfg.StoreRoot)
	return srv.Serve(context.Background(), stdio{Reader: os.Stdin, Writer: os.Stdout})
}

func main() {
	cli.Execute(root)
}
