package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/paulrobinshaw/rch-xcode/canon"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/protocol"
)

// VerifyResult reports the outcome of verifying a fetched artifact
// directory against its manifest (spec.md §4.L).
type VerifyResult struct {
	OK               bool
	RootHashMismatch bool
	MissingEntries   []string
	SizeMismatches   []string
	HashMismatches   []string
	TypeMismatches   []string
	ExtraneousPaths  []string
}

// VerifyArtifacts implements spec.md §4.L: recompute
// artifact_root_sha256, check every manifest entry against the
// filesystem, and report any path present on disk but absent from the
// manifest (excluding the commit triple, which is allowed to exist
// but is excluded from the manifest by construction). Named distinctly
// from the attestation-signature Verify in this same package.
func VerifyArtifacts(dir string) (VerifyResult, error) {
	manifestPath := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return VerifyResult{}, errkind.Wrap(errkind.Artifacts, err, "read manifest.json")
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return VerifyResult{}, errkind.Wrap(errkind.Artifacts, err, "parse manifest.json")
	}

	recomputedRoot, _, err := canon.SHA256Hex(manifest.Entries)
	if err != nil {
		return VerifyResult{}, errkind.Wrap(errkind.Artifacts, err, "recompute artifact_root_sha256")
	}

	result := VerifyResult{OK: true}
	if recomputedRoot != manifest.ArtifactRootSHA256 {
		result.OK = false
		result.RootHashMismatch = true
	}

	manifestPaths := make(map[string]bool, len(manifest.Entries))
	for _, entry := range manifest.Entries {
		manifestPaths[entry.Path] = true

		fullPath := filepath.Join(dir, entry.Path)
		info, statErr := os.Stat(fullPath)
		if statErr != nil {
			result.OK = false
			result.MissingEntries = append(result.MissingEntries, entry.Path)
			continue
		}

		if entry.Type == EntryDirectory {
			if !info.IsDir() {
				result.OK = false
				result.TypeMismatches = append(result.TypeMismatches, entry.Path)
			}
			continue
		}

		if info.IsDir() {
			result.OK = false
			result.TypeMismatches = append(result.TypeMismatches, entry.Path)
			continue
		}
		if info.Size() != entry.Size {
			result.OK = false
			result.SizeMismatches = append(result.SizeMismatches, entry.Path)
			continue
		}
		digest, err := sha256File(fullPath)
		if err != nil {
			return VerifyResult{}, errkind.Wrap(errkind.Artifacts, err, "hash "+entry.Path)
		}
		if digest != entry.SHA256 {
			result.OK = false
			result.HashMismatches = append(result.HashMismatches, entry.Path)
		}
	}

	err = filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if protocol.ArtifactsCommitTriple[rel] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !manifestPaths[rel] {
			result.OK = false
			result.ExtraneousPaths = append(result.ExtraneousPaths, rel)
		}
		return nil
	})
	if err != nil {
		return VerifyResult{}, errkind.Wrap(errkind.Artifacts, err, "walk artifact directory for extraneous files")
	}

	return result, nil
}
