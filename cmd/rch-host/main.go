// rch-host drives one or more classified Xcode invocations against a
// worker fleet over SSH (spec.md §4.H, §4.M): bundle the working
// tree, dial and select a worker, submit, poll to completion, then
// fetch and verify the resulting artifacts.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/paulrobinshaw/rch-xcode/bundler"
	"github.com/paulrobinshaw/rch-xcode/classifier"
	"github.com/paulrobinshaw/rch-xcode/config"
	"github.com/paulrobinshaw/rch-xcode/destination"
	"github.com/paulrobinshaw/rch-xcode/internal/cli"
	"github.com/paulrobinshaw/rch-xcode/logging"
	"github.com/paulrobinshaw/rch-xcode/pipeline"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	"github.com/paulrobinshaw/rch-xcode/selection"
	"github.com/paulrobinshaw/rch-xcode/toolchain"
	"github.com/paulrobinshaw/rch-xcode/zstdio"
)

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	return string(data), err
}

var plog = logging.New("rch-host")

var (
	configPath      string
	sourceDir       string
	resultsRoot     string
	runID           string
	remoteCommand   string
	xcodeBuild      string
	destConstraint  string
	derivedDataMode string
	backend         string
	artifactProfile string
	idleTimeout     time.Duration
	overallTimeout  time.Duration
)

var root = &cobra.Command{
	Use:   "rch-host -- <xcodebuild args...>",
	Short: "Run one classified Xcode invocation on the worker fleet",
	Args:  cobra.ArbitraryArgs,
	RunE:  runHost,
}

func init() {
	root.Flags().StringVar(&configPath, "config", "/etc/rch-host.toml", "path to the host TOML config")
	root.Flags().StringVar(&sourceDir, "source", ".", "working tree to bundle and upload")
	root.Flags().StringVar(&resultsRoot, "results", "./rch-results", "directory to write fetched artifacts and the run report into")
	root.Flags().StringVar(&runID, "run-id", "", "run identifier (defaults to a generated ULID-like value)")
	root.Flags().StringVar(&remoteCommand, "remote-command", "rch-worker serve", "command the worker's forced SSH session runs")
	root.Flags().StringVar(&xcodeBuild, "xcode-build", "", "pinned Xcode build constraint (empty matches the worker's active Xcode)")
	root.Flags().StringVar(&destConstraint, "destination", "", "destination constraint, e.g. platform=iOS Simulator,name=iPhone 16")
	root.Flags().StringVar(&derivedDataMode, "derived-data", "per_job", "derived data mode: per_job or shared")
	root.Flags().StringVar(&backend, "backend", "direct", "executor backend: direct or structured")
	root.Flags().StringVar(&artifactProfile, "artifact-profile", "full", "artifact retention profile")
	root.Flags().DurationVar(&idleTimeout, "idle-timeout", 10*time.Minute, "cancel the job if no output arrives for this long")
	root.Flags().DurationVar(&overallTimeout, "overall-timeout", 2*time.Hour, "cancel the job if it runs longer than this")
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadHostConfig(configPath)
	if err != nil {
		return err
	}

	if runID == "" {
		runID = ulid.Make().String()
	}

	policy := cfg.Classifier.ToPolicy()
	snapshot := classifier.Snapshot(policy, time.Now()).WithRunID(runID)
	policyJSON, err := marshalIndent(snapshot)
	if err != nil {
		return err
	}

	plog.Infof("run %s: bundling %s", runID, sourceDir)
	limit := cfg.MaxUploadBytes
	bundled, err := bundler.Bundle(bundler.DirSource{Root: sourceDir}, limit)
	if err != nil {
		return err
	}

	var destConstraintParsed destination.Constraint
	if destConstraint != "" {
		destConstraintParsed, err = destination.ParseConstraint(destConstraint)
		if err != nil {
			return err
		}
	}

	sourceArchive := bundled.Archive
	compression := "none"
	if cfg.CompressUploads {
		compressed, err := zstdio.Compress(bundled.Archive)
		if err != nil {
			return err
		}
		sourceArchive = compressed
		compression = "zstd"
	}

	entries := make([]selection.WorkerEntry, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		entries = append(entries, w.ToEntry())
	}

	dialer := &sshDialer{
		RemoteCommand: remoteCommand,
		HostRange:     protocol.ProtocolRange{Min: 1, Max: 1},
		DialTimeout:   30 * time.Second,
	}

	step := pipeline.StepSpec{
		Name:                  "run",
		Argv:                  args,
		ToolchainConstraint:   toolchain.Constraint{Build: xcodeBuild},
		DestinationConstraint: destConstraintParsed,
		DerivedDataMode:       derivedDataMode,
		Backend:               backend,
		ArtifactProfile:       artifactProfile,
		IdleTimeout:           idleTimeout,
		OverallTimeout:        overallTimeout,
	}

	summary := pipeline.Run(context.Background(), pipeline.RunSpec{
		RunID:         runID,
		SourceSHA256:  bundled.Manifest.SourceSHA256,
		SourceArchive: sourceArchive,
		Compression:   compression,
		Classifier:    classifier.New(policy),
		PolicyJSON:    policyJSON,
		Workers:       entries,
		Dialer:        dialer,
		ResultsRoot:   resultsRoot,
		Steps:         []pipeline.StepSpec{step},
	})

	if err := os.MkdirAll(resultsRoot, 0o755); err == nil {
		summary.WriteJSON(resultsRoot + "/run_report.json")
	}
	summary.WriteHuman(cmd.OutOrStdout())

	if summary.ExitCode != 0 {
		os.Exit(int(summary.ExitCode))
	}
	return nil
}

func main() {
	cli.Execute(root)
}
