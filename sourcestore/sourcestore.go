// Package sourcestore implements the worker-side content-addressed
// bundle store (spec.md §4.G): two-level fan-out by SHA-256, atomic
// temp-then-rename writes, advisory pinning, and age/size GC.
// Grounded on the write-then-rename and mutex-guarded-map idioms used
// throughout the reference CLI's storage/index package, adapted here
// from a remote object index to a local content-addressed filesystem.
package sourcestore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulrobinshaw/rch-xcode/errkind"
)

const bundleFileName = "bundle.tar"

// Compression identifies the wire compression a stored stream was
// received with (spec.md §4.A "compression∈{none,zstd}").
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Store is a content-addressed bundle store rooted at a directory.
// Safe for concurrent use.
type Store struct {
	root string

	mu     sync.Mutex
	pinned map[string]int
}

// New opens (without yet creating) a store rooted at root.
func New(root string) *Store {
	return &Store{root: root, pinned: make(map[string]int)}
}

func (s *Store) prefixDir(sha string) string {
	return filepath.Join(s.root, sha[:2], sha)
}

func (s *Store) bundlePath(sha string) string {
	return filepath.Join(s.prefixDir(sha), bundleFileName)
}

// Store streams r into the bundle identified by sourceSHA256,
// verifying contentSHA256 against the bytes actually read. For
// compression=none, contentSHA256 must equal sourceSHA256. Returns
// the number of bytes written. Concurrent Store calls for the same
// sha are safe: at most one rename wins, the loser discards its temp
// file and returns the winner's size (spec.md §4.G).
func (s *Store) Store(sourceSHA256, contentSHA256 string, compression Compression, r io.Reader) (int64, error) {
	if compression == CompressionNone && contentSHA256 != sourceSHA256 {
		return 0, errkind.Newf(errkind.Artifacts, "content_sha256 must equal source_sha256 when compression=none")
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return 0, errkind.Wrap(errkind.Artifacts, err, "create store root")
	}

	tmp, err := os.CreateTemp(s.root, ".tmp.*")
	if err != nil {
		return 0, errkind.Wrap(errkind.Artifacts, err, "create temp file")
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(tmp, hasher), r)
	closeErr := tmp.Close()

	if copyErr != nil {
		os.Remove(tmpPath)
		return 0, errkind.Wrap(errkind.Artifacts, copyErr, "stream source into temp file")
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return 0, errkind.Wrap(errkind.Artifacts, closeErr, "close temp file")
	}

	gotSHA := hex.EncodeToString(hasher.Sum(nil))
	if gotSHA != contentSHA256 {
		os.Remove(tmpPath)
		return 0, errkind.Newf(errkind.Artifacts, "content hash mismatch: expected %s, got %s", contentSHA256, gotSHA)
	}

	finalDir := s.prefixDir(sourceSHA256)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		os.Remove(tmpPath)
		return 0, errkind.Wrap(errkind.Artifacts, err, "create bundle directory")
	}

	finalPath := s.bundlePath(sourceSHA256)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		if info, statErr := os.Stat(finalPath); statErr == nil {
			return info.Size(), nil
		}
		return 0, errkind.Wrap(errkind.Artifacts, err, "commit bundle")
	}

	return written, nil
}

// Has reports whether sourceSHA256 is already stored.
func (s *Store) Has(sourceSHA256 string) bool {
	_, err := os.Stat(s.bundlePath(sourceSHA256))
	return err == nil
}

// Open returns an unbuffered reader (the open file) over the stored
// bundle bytes.
func (s *Store) Open(sourceSHA256 string) (io.ReadCloser, error) {
	f, err := os.Open(s.bundlePath(sourceSHA256))
	if err != nil {
		return nil, errkind.Wrap(errkind.Artifacts, err, "open stored bundle")
	}
	return f, nil
}

// Pin marks sourceSHA256 as in-use by a running job, protecting it
// from GC. Reference-counted: unpin as many times as pinned.
func (s *Store) Pin(sourceSHA256 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[sourceSHA256]++
}

// Unpin releases one pin. A no-op once the count reaches zero.
func (s *Store) Unpin(sourceSHA256 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned[sourceSHA256] <= 1 {
		delete(s.pinned, sourceSHA256)
		return
	}
	s.pinned[sourceSHA256]--
}

func (s *Store) isPinned(sourceSHA256 string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned[sourceSHA256] > 0
}

type bundleInfo struct {
	sha     string
	path    string
	size    int64
	modTime time.Time
}

// GC removes unpinned bundles, oldest first, applying the age filter
// before the size filter (spec.md §4.G). maxAge==0 disables the age
// filter; maxSize==0 disables the size filter.
func (s *Store) GC(maxAge time.Duration, maxSize int64) ([]string, error) {
	bundles, err := s.listBundles()
	if err != nil {
		return nil, err
	}

	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.Before(bundles[j].modTime) })

	var removed []string
	now := time.Now()

	if maxAge > 0 {
		remaining := bundles[:0]
		for _, b := range bundles {
			if s.isPinned(b.sha) {
				remaining = append(remaining, b)
				continue
			}
			if now.Sub(b.modTime) > maxAge {
				if err := s.removeBundle(b); err != nil {
					return removed, err
				}
				removed = append(removed, b.sha)
				continue
			}
			remaining = append(remaining, b)
		}
		bundles = remaining
	}

	if maxSize > 0 {
		var total int64
		for _, b := range bundles {
			total += b.size
		}
		for _, b := range bundles {
			if total <= maxSize {
				break
			}
			if s.isPinned(b.sha) {
				continue
			}
			if err := s.removeBundle(b); err != nil {
				return removed, err
			}
			removed = append(removed, b.sha)
			total -= b.size
		}
	}

	return removed, nil
}

func (s *Store) removeBundle(b bundleInfo) error {
	if err := os.RemoveAll(filepath.Dir(b.path)); err != nil {
		return errkind.Wrap(errkind.Artifacts, err, "remove bundle "+b.sha)
	}
	return nil
}

func (s *Store) listBundles() ([]bundleInfo, error) {
	var bundles []bundleInfo

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.Artifacts, err, "list store root")
	}

	for _, prefixEntry := range entries {
		if !prefixEntry.IsDir() {
			continue
		}
		prefixPath := filepath.Join(s.root, prefixEntry.Name())
		shaEntries, err := os.ReadDir(prefixPath)
		if err != nil {
			continue
		}
		for _, shaEntry := range shaEntries {
			if !shaEntry.IsDir() {
				continue
			}
			bundlePath := filepath.Join(prefixPath, shaEntry.Name(), bundleFileName)
			info, err := os.Stat(bundlePath)
			if err != nil {
				continue
			}
			bundles = append(bundles, bundleInfo{
				sha: shaEntry.Name(), path: bundlePath, size: info.Size(), modTime: info.ModTime(),
			})
		}
	}

	return bundles, nil
}

// CleanupTemps sweeps .tmp.* files older than orphanAge (spec.md
// §4.G), left behind by crashed or interrupted Store calls.
func (s *Store) CleanupTemps(orphanAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errkind.Wrap(errkind.Artifacts, err, "list store root")
	}

	now := time.Now()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), ".tmp.") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= orphanAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
