package selection

import (
	"errors"
	"testing"
	"time"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/destination"
	"github.com/paulrobinshaw/rch-xcode/protocol"
)

func macOSDestination() destination.Constraint {
	c, err := destination.ParseConstraint("platform=macOS")
	if err != nil {
		panic(err)
	}
	return c
}

func capsWithXcode(build, version string) capabilities.Capabilities {
	return capabilities.Capabilities{
		MacOSVersion:  "14.5",
		Arch:          "arm64",
		Xcodes:        []capabilities.XcodeInstall{{Build: build, Version: version, DeveloperDir: "/Applications/Xcode.app"}},
		ProtocolRange: protocol.ProtocolRange{Min: 1, Max: 3},
	}
}

func TestSelectPrefersLowestPriorityThenName(t *testing.T) {
	snaps := []Snapshot{
		{Entry: WorkerEntry{Name: "zebra", Priority: 1}, Capabilities: capsWithXcode("15C500b", "15.4")},
		{Entry: WorkerEntry{Name: "alpha", Priority: 1}, Capabilities: capsWithXcode("15C500b", "15.4")},
		{Entry: WorkerEntry{Name: "beta", Priority: 0}, Capabilities: capsWithXcode("15C500b", "15.4")},
	}
	result := Select(snaps, Request{DestinationConstraint: macOSDestination(), HostProtocolRange: protocol.ProtocolRange{Min: 1, Max: 2}})
	if result.Selected == nil {
		t.Fatalf("expected a selection")
	}
	if result.Selected.Name != "beta" {
		t.Fatalf("expected beta (lowest priority), got %s", result.Selected.Name)
	}
}

func TestSelectTieBreaksByName(t *testing.T) {
	snaps := []Snapshot{
		{Entry: WorkerEntry{Name: "zebra", Priority: 0}, Capabilities: capsWithXcode("15C500b", "15.4")},
		{Entry: WorkerEntry{Name: "alpha", Priority: 0}, Capabilities: capsWithXcode("15C500b", "15.4")},
	}
	result := Select(snaps, Request{DestinationConstraint: macOSDestination(), HostProtocolRange: protocol.ProtocolRange{Min: 1, Max: 2}})
	if result.Selected == nil || result.Selected.Name != "alpha" {
		t.Fatalf("expected alpha on priority tie, got %+v", result.Selected)
	}
}

func TestSelectFiltersMissingTags(t *testing.T) {
	snaps := []Snapshot{
		{Entry: WorkerEntry{Name: "w1", Tags: []string{"fast"}}, Capabilities: capsWithXcode("15C500b", "15.4")},
	}
	result := Select(snaps, Request{RequiredTags: []string{"gpu"}, DestinationConstraint: macOSDestination(), HostProtocolRange: protocol.ProtocolRange{Min: 1, Max: 2}})
	if result.Selected != nil {
		t.Fatalf("expected no selection, missing required tag")
	}
	if len(result.ProbeFailures) != 1 || result.ProbeFailures[0].Reason != "missing_required_tags" {
		t.Fatalf("unexpected probe failures: %+v", result.ProbeFailures)
	}
}

func TestSelectFiltersDisjointProtocolRange(t *testing.T) {
	snaps := []Snapshot{
		{Entry: WorkerEntry{Name: "w1"}, Capabilities: capsWithXcode("15C500b", "15.4")},
	}
	result := Select(snaps, Request{DestinationConstraint: macOSDestination(), HostProtocolRange: protocol.ProtocolRange{Min: 10, Max: 20}})
	if result.Selected != nil {
		t.Fatalf("expected no selection, disjoint protocol ranges")
	}
}

func TestSelectNegotiatesMinimumOfMaxima(t *testing.T) {
	snaps := []Snapshot{
		{Entry: WorkerEntry{Name: "w1"}, Capabilities: capsWithXcode("15C500b", "15.4")},
	}
	result := Select(snaps, Request{DestinationConstraint: macOSDestination(), HostProtocolRange: protocol.ProtocolRange{Min: 1, Max: 2}})
	if result.NegotiatedProtocol != 2 {
		t.Fatalf("expected negotiated protocol 2 (min of maxima 2 and 3), got %d", result.NegotiatedProtocol)
	}
}

func TestSelectSkipsProbeErrors(t *testing.T) {
	snaps := []Snapshot{
		{Entry: WorkerEntry{Name: "w1"}, ProbeErr: errors.New("connection refused")},
		{Entry: WorkerEntry{Name: "w2"}, Capabilities: capsWithXcode("15C500b", "15.4")},
	}
	result := Select(snaps, Request{DestinationConstraint: macOSDestination(), HostProtocolRange: protocol.ProtocolRange{Min: 1, Max: 2}})
	if result.Selected == nil || result.Selected.Name != "w2" {
		t.Fatalf("expected w2 selected despite w1 probe error, got %+v", result.Selected)
	}
}

func TestSelectRejectsStaleCache(t *testing.T) {
	snaps := []Snapshot{
		{Entry: WorkerEntry{Name: "w1"}, Capabilities: capsWithXcode("15C500b", "15.4"), FromCache: true, SnapshotAge: 10 * time.Minute},
	}
	result := Select(snaps, Request{DestinationConstraint: macOSDestination(), HostProtocolRange: protocol.ProtocolRange{Min: 1, Max: 2}, ProbeTTL: 5 * time.Minute})
	if result.Selected != nil {
		t.Fatalf("expected stale cached snapshot to be rejected")
	}
}

func TestSelectNoCandidatesReturnsEmptyResult(t *testing.T) {
	result := Select(nil, Request{DestinationConstraint: macOSDestination(), HostProtocolRange: protocol.ProtocolRange{Min: 1, Max: 2}})
	if result.Selected != nil {
		t.Fatalf("expected nil selection for empty inventory")
	}
	if result.CandidateCount != 0 {
		t.Fatalf("expected zero candidates")
	}
}
