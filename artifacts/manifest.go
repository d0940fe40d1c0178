// Package artifacts implements the two-phase artifact commit (spec.md
// §4.K), its manifest walk, and the host-side verifier (spec.md
// §4.L). Grounded on the archive/tar + sha256 idiom already used in
// bundler, and on stdlib filepath.Walk for the directory traversal
// the commit's manifest step requires.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulrobinshaw/rch-xcode/canon"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/protocol"
)

// EntryType distinguishes files from directories in a manifest.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
)

// ManifestEntry is one path recorded in an ArtifactManifest (spec.md §3).
type ManifestEntry struct {
	Path   string    `json:"path"`
	Size   int64     `json:"size"`
	SHA256 string    `json:"sha256,omitempty"`
	Type   EntryType `json:"type"`
}

// Manifest is the schema-versioned artifact manifest (spec.md §3
// "ArtifactManifest", schema rch-xcode/manifest@1).
type Manifest struct {
	Schema             string          `json:"schema"`
	Entries            []ManifestEntry `json:"entries"`
	ArtifactRootSHA256 string          `json:"artifact_root_sha256"`
}

// BuildManifest walks dir lexicographically, recording every file
// (with size + sha256) and directory (size 0, no sha256) except the
// commit-marker triple, then computes artifact_root_sha256 as the
// SHA-256 of the RFC 8785 canonical JSON of the entries (spec.md §4.K
// step 2).
func BuildManifest(dir string) (Manifest, error) {
	var entries []ManifestEntry

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
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

		if info.IsDir() {
			entries = append(entries, ManifestEntry{Path: rel, Size: 0, Type: EntryDirectory})
			return nil
		}

		digest, err := sha256File(path)
		if err != nil {
			return err
		}
		entries = append(entries, ManifestEntry{Path: rel, Size: info.Size(), SHA256: digest, Type: EntryFile})
		return nil
	})
	if err != nil {
		return Manifest{}, errkind.Wrap(errkind.Artifacts, err, "walk artifact directory")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	rootSHA, _, err := canon.SHA256Hex(entries)
	if err != nil {
		return Manifest{}, errkind.Wrap(errkind.Artifacts, err, "canonicalize manifest entries")
	}

	return Manifest{
		Schema:             protocol.SchemaManifest,
		Entries:            entries,
		ArtifactRootSHA256: rootSHA,
	}, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
