// Package selection implements worker selection (spec.md §4.E): a
// pure function over inventory + capability snapshots, with no I/O of
// its own. Grounded on toolchain.Resolve and destination.Resolve as
// the filter predicates, and on the host-side sort/selection pattern
// used throughout the reference CLI's cluster selection code.
package selection

import (
	"sort"
	"time"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/destination"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	"github.com/paulrobinshaw/rch-xcode/toolchain"
)

// WorkerEntry is one worker's inventory record (spec.md §4.E).
type WorkerEntry struct {
	Name             string
	Host             string
	Port             int
	User             string
	Tags             []string
	Priority         int
	SSHKeyPath       string
	KnownHostFingerprint string
}

// Snapshot pairs an inventory entry with its most recently probed
// capabilities and the age/source of that probe.
type Snapshot struct {
	Entry        WorkerEntry
	Capabilities capabilities.Capabilities
	SnapshotAge  time.Duration
	FromCache    bool
	ProbeErr     error
	ProbeLatency time.Duration
}

const defaultProbeTTL = 5 * time.Minute

// Request is the input to Select: the requirements a worker must
// satisfy.
type Request struct {
	RequiredTags       []string
	ToolchainConstraint toolchain.Constraint
	DestinationConstraint destination.Constraint
	HostProtocolRange  protocol.ProtocolRange
	ProbeTTL           time.Duration
}

// ProbeFailure records one candidate's elimination reason for the
// worker_selection audit record.
type ProbeFailure struct {
	WorkerName string        `json:"worker_name"`
	Reason     string        `json:"reason"`
	Latency    time.Duration `json:"latency"`
}

// Result is the outcome of Select, shaped for the worker_selection@1
// schema (spec.md §6).
type Result struct {
	Schema              string         `json:"schema"`
	Selected            *WorkerEntry   `json:"selected,omitempty"`
	NegotiatedProtocol  int            `json:"negotiated_protocol,omitempty"`
	WorkerProtocolRange protocol.ProtocolRange `json:"worker_protocol_range,omitempty"`
	CandidateCount      int            `json:"candidate_count"`
	AcceptedCount       int            `json:"accepted_count"`
	ProbeFailures       []ProbeFailure `json:"probe_failures"`
	SnapshotAge         time.Duration  `json:"snapshot_age"`
	SnapshotSource      string         `json:"snapshot_source"`
}

type candidate struct {
	entry    WorkerEntry
	negotiated protocol.ProtocolRange
}

// Select implements spec.md §4.E's filter-then-sort pipeline: required
// tags, toolchain resolvability, destination resolvability, and
// protocol-range intersection, then a stable sort by (priority ASC,
// name ASC), taking the head. It performs no I/O: snapshots must
// already carry each worker's probed Capabilities.
func Select(snapshots []Snapshot, req Request) Result {
	ttl := req.ProbeTTL
	if ttl == 0 {
		ttl = defaultProbeTTL
	}

	result := Result{
		Schema:         protocol.SchemaWorkerSelection,
		CandidateCount: len(snapshots),
	}

	var candidates []candidate
	source := "fresh"
	var maxAge time.Duration

	for _, snap := range snapshots {
		if snap.SnapshotAge > maxAge {
			maxAge = snap.SnapshotAge
		}
		if snap.FromCache {
			source = "cached"
		}

		if snap.ProbeErr != nil {
			result.ProbeFailures = append(result.ProbeFailures, ProbeFailure{
				WorkerName: snap.Entry.Name, Reason: "probe_error: " + snap.ProbeErr.Error(), Latency: snap.ProbeLatency,
			})
			continue
		}
		if snap.FromCache && snap.SnapshotAge >= ttl {
			result.ProbeFailures = append(result.ProbeFailures, ProbeFailure{
				WorkerName: snap.Entry.Name, Reason: "stale_snapshot", Latency: snap.ProbeLatency,
			})
			continue
		}
		if !hasAllTags(snap.Entry.Tags, req.RequiredTags) {
			result.ProbeFailures = append(result.ProbeFailures, ProbeFailure{
				WorkerName: snap.Entry.Name, Reason: "missing_required_tags", Latency: snap.ProbeLatency,
			})
			continue
		}
		if _, err := toolchain.Resolve(snap.Capabilities, req.ToolchainConstraint); err != nil {
			result.ProbeFailures = append(result.ProbeFailures, ProbeFailure{
				WorkerName: snap.Entry.Name, Reason: "toolchain_unresolvable: " + err.Error(), Latency: snap.ProbeLatency,
			})
			continue
		}
		if _, err := destination.Resolve(req.DestinationConstraint, snap.Capabilities); err != nil {
			result.ProbeFailures = append(result.ProbeFailures, ProbeFailure{
				WorkerName: snap.Entry.Name, Reason: "destination_unresolvable: " + err.Error(), Latency: snap.ProbeLatency,
			})
			continue
		}
		negotiated, ok := req.HostProtocolRange.Intersect(snap.Capabilities.ProtocolRange)
		if !ok {
			result.ProbeFailures = append(result.ProbeFailures, ProbeFailure{
				WorkerName: snap.Entry.Name, Reason: "protocol_range_disjoint", Latency: snap.ProbeLatency,
			})
			continue
		}

		candidates = append(candidates, candidate{entry: snap.Entry, negotiated: negotiated})
	}

	result.SnapshotAge = maxAge
	result.SnapshotSource = source
	result.AcceptedCount = len(candidates)

	if len(candidates) == 0 {
		return result
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].entry.Priority != candidates[j].entry.Priority {
			return candidates[i].entry.Priority < candidates[j].entry.Priority
		}
		return candidates[i].entry.Name < candidates[j].entry.Name
	})

	chosen := candidates[0]
	selected := chosen.entry
	result.Selected = &selected
	result.NegotiatedProtocol = chosen.negotiated.Max
	result.WorkerProtocolRange = chosen.negotiated

	return result
}

func hasAllTags(have, required []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range required {
		if !set[t] {
			return false
		}
	}
	return true
}
