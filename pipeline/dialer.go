// Package pipeline implements the host-side run orchestrator (spec.md
// §4.M): classify each step, select a worker, ensure its source is
// uploaded, submit, poll to a terminal state honoring idle/overall
// timeouts, fetch and verify artifacts, and aggregate a run summary.
// Sequential per-step driving matching mantle/harness's Suite driver,
// adapted from "run N registered Go test functions" to "run N
// classified Xcode steps" (SPEC_FULL.md "Pipeline Orchestrator").
package pipeline

import (
	"context"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	rpcclient "github.com/paulrobinshaw/rch-xcode/rpc/client"
	"github.com/paulrobinshaw/rch-xcode/selection"
)

// WorkerDialer opens a ready RPC connection to a worker and returns
// its probed capabilities alongside it. The returned closeFn releases
// the underlying transport (e.g. the SSH session); callers must call
// it exactly once, whether or not the worker is ultimately selected.
type WorkerDialer interface {
	Dial(ctx context.Context, entry selection.WorkerEntry) (client *rpcclient.Client, caps capabilities.Capabilities, closeFn func() error, err error)
}

// openWorker pairs a dialed connection with its probed capabilities
// for the duration of one step's selection and execution.
type openWorker struct {
	entry selection.WorkerEntry
	client *rpcclient.Client
	caps  capabilities.Capabilities
	close func() error
}

// dialAll probes every candidate worker, returning the ones that
// answered plus a selection.Snapshot for every candidate (including
// failures, so Select's probe_failures audit trail is complete).
func dialAll(ctx context.Context, dialer WorkerDialer, workers []selection.WorkerEntry) ([]openWorker, []selection.Snapshot) {
	var open []openWorker
	var snaps []selection.Snapshot

	for _, w := range workers {
		client, caps, closeFn, err := dialer.Dial(ctx, w)
		if err != nil {
			snaps = append(snaps, selection.Snapshot{Entry: w, ProbeErr: err})
			continue
		}
		open = append(open, openWorker{entry: w, client: client, caps: caps, close: closeFn})
		snaps = append(snaps, selection.Snapshot{Entry: w, Capabilities: caps})
	}

	return open, snaps
}

func closeAll(open []openWorker) {
	for _, ow := range open {
		if ow.close != nil {
			ow.close()
		}
	}
}
