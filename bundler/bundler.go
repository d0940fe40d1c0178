// Package bundler packages a working tree into the canonical archive
// format the host uploads and the worker stores by content hash
// (spec.md §4.F). Archive framing follows the stdlib archive/tar
// approach used throughout the retrieved corpus (e.g. wolfictl's
// bundle.go); no third-party tar or layout library is warranted since
// the format here is flat and fully spec-defined.
package bundler

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/paulrobinshaw/rch-xcode/errkind"
)

// ManifestEntry is one file recorded in a SourceManifest (spec.md §3).
type ManifestEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the ordered record of every file bundled, plus the
// overall source digest (spec.md §3 "SourceManifest").
type Manifest struct {
	Entries      []ManifestEntry `json:"entries"`
	SourceSHA256 string          `json:"source_sha256"`
}

// Result is the output of Bundle: the canonical archive bytes and
// the manifest describing them.
type Result struct {
	Archive  []byte
	Manifest Manifest
}

// FileSource supplies one file's content during bundling. Bundle sorts
// the paths SourcePaths returns lexicographically, then opens, reads
// and archives each file in that sorted order, per spec.md §4.F.
type FileSource interface {
	SourcePaths() ([]string, error)
	OpenSource(path string) (io.ReadCloser, fs.FileInfo, error)
}

// Bundle produces a canonical tar archive from src. limit is the
// effective size cap (min of repo-config limit and worker-advertised
// max_upload_bytes); 0 disables enforcement. Exceeding limit is a
// terminal failure mapped to errkind.Bundler (spec.md §4.F).
func Bundle(src FileSource, limit uint64) (Result, error) {
	paths, err := src.SourcePaths()
	if err != nil {
		return Result{}, errkind.Wrap(errkind.Bundler, err, "list source paths")
	}

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	entries := make([]ManifestEntry, 0, len(sorted))
	var totalSize int64

	for _, p := range sorted {
		rc, info, err := src.OpenSource(p)
		if err != nil {
			return Result{}, errkind.Wrap(errkind.Bundler, err, "open source file "+p)
		}

		content, readErr := io.ReadAll(rc)
		closeErr := rc.Close()
		if readErr != nil {
			return Result{}, errkind.Wrap(errkind.Bundler, readErr, "read source file "+p)
		}
		if closeErr != nil {
			return Result{}, errkind.Wrap(errkind.Bundler, closeErr, "close source file "+p)
		}

		totalSize += int64(len(content))
		if limit != 0 && uint64(totalSize) > limit {
			return Result{}, errkind.Newf(errkind.Bundler, "source exceeds upload limit of %d bytes", limit).
				WithData("limit", limit)
		}

		sum := sha256.Sum256(content)
		digest := hex.EncodeToString(sum[:])

		hdr := &tar.Header{
			Name:     normalizePath(p),
			Typeflag: tar.TypeReg,
			Mode:     normalizeMode(info),
			Size:     int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return Result{}, errkind.Wrap(errkind.Bundler, err, "write tar header for "+p)
		}
		if _, err := tw.Write(content); err != nil {
			return Result{}, errkind.Wrap(errkind.Bundler, err, "write tar content for "+p)
		}

		entries = append(entries, ManifestEntry{Path: normalizePath(p), Size: int64(len(content)), SHA256: digest})
	}

	if err := tw.Close(); err != nil {
		return Result{}, errkind.Wrap(errkind.Bundler, err, "finalize tar archive")
	}

	archiveBytes := buf.Bytes()
	archiveSum := sha256.Sum256(archiveBytes)
	sourceSHA256 := hex.EncodeToString(archiveSum[:])

	return Result{
		Archive: archiveBytes,
		Manifest: Manifest{
			Entries:      entries,
			SourceSHA256: sourceSHA256,
		},
	}, nil
}

// normalizePath converts a filesystem path to the forward-slash form
// archived in tar headers, so bundles are reproducible across
// platforms.
func normalizePath(p string) string {
	return filepath.ToSlash(p)
}

// normalizeMode maps a file's permissions to one of two fixed modes:
// 0755 when the owner-execute bit is set, 0644 otherwise, so archives
// carry no environment-specific metadata (spec.md §4.F "stable
// per-entry metadata").
func normalizeMode(info fs.FileInfo) int64 {
	mode := info.Mode().Perm()
	if mode&0o100 != 0 {
		return 0o755
	}
	return 0o644
}
