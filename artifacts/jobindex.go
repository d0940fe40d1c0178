package artifacts

import "github.com/paulrobinshaw/rch-xcode/protocol"

// JobIndex is the commit marker (spec.md §3 "JobIndex"): its
// existence is proof of artifact-set completeness. It enumerates the
// required filenames (all must be present) and the optional filenames
// with a presence flag for each.
type JobIndex struct {
	Schema    string          `json:"schema"`
	Required  []string        `json:"required"`
	Optional  map[string]bool `json:"optional"`
}

// BuildJobIndex reports presence for every optional filename by
// probing present, a set of filenames known to exist in the job's
// artifact directory.
func BuildJobIndex(present map[string]bool) JobIndex {
	optional := make(map[string]bool, len(protocol.OptionalArtifacts))
	for _, name := range protocol.OptionalArtifacts {
		optional[name] = present[name]
	}
	return JobIndex{
		Schema:   protocol.SchemaJobIndex,
		Required: protocol.RequiredArtifacts,
		Optional: optional,
	}
}
