package bundler

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"testing"
	"time"
)

type memFile struct {
	path string
	data []byte
	mode fs.FileMode
}

type memFileInfo struct {
	name string
	size int64
	mode fs.FileMode
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return i.mode }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() any           { return nil }

type memSource struct {
	files []memFile
}

func (m memSource) SourcePaths() ([]string, error) {
	paths := make([]string, len(m.files))
	for i, f := range m.files {
		paths[i] = f.path
	}
	return paths, nil
}

func (m memSource) OpenSource(path string) (io.ReadCloser, fs.FileInfo, error) {
	for _, f := range m.files {
		if f.path == path {
			info := memFileInfo{name: path, size: int64(len(f.data)), mode: f.mode}
			return io.NopCloser(bytes.NewReader(f.data)), info, nil
		}
	}
	panic("file not found: " + path)
}

func TestBundleOrdersFilesLexicographically(t *testing.T) {
	src := memSource{files: []memFile{
		{path: "zeta.swift", data: []byte("z"), mode: 0o644},
		{path: "alpha.swift", data: []byte("a"), mode: 0o644},
		{path: "mid/beta.swift", data: []byte("b"), mode: 0o644},
	}}

	result, err := Bundle(src, 0)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if len(result.Manifest.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(result.Manifest.Entries))
	}
	got := []string{result.Manifest.Entries[0].Path, result.Manifest.Entries[1].Path, result.Manifest.Entries[2].Path}
	want := []string{"alpha.swift", "mid/beta.swift", "zeta.swift"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBundleIsDeterministic(t *testing.T) {
	src := memSource{files: []memFile{
		{path: "a.swift", data: []byte("hello"), mode: 0o644},
	}}

	r1, err := Bundle(src, 0)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	r2, err := Bundle(src, 0)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if !bytes.Equal(r1.Archive, r2.Archive) {
		t.Fatalf("expected identical archive bytes across runs")
	}
	if r1.Manifest.SourceSHA256 != r2.Manifest.SourceSHA256 {
		t.Fatalf("expected identical source_sha256 across runs")
	}
}

func TestBundleSourceSHA256MatchesArchiveBytes(t *testing.T) {
	src := memSource{files: []memFile{
		{path: "a.swift", data: []byte("hello"), mode: 0o644},
	}}
	result, err := Bundle(src, 0)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}

	tr := tar.NewReader(bytes.NewReader(result.Archive))
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("read tar header: %v", err)
	}
	if hdr.Name != "a.swift" {
		t.Fatalf("unexpected tar entry name: %s", hdr.Name)
	}

	sum := sha256.Sum256(result.Archive)
	if want := hex.EncodeToString(sum[:]); result.Manifest.SourceSHA256 != want {
		t.Fatalf("source_sha256 = %s, want sha256 of archive bytes %s", result.Manifest.SourceSHA256, want)
	}
}

func TestBundleEnforcesSizeLimit(t *testing.T) {
	src := memSource{files: []memFile{
		{path: "big.swift", data: bytes.Repeat([]byte("x"), 1024), mode: 0o644},
	}}
	if _, err := Bundle(src, 100); err == nil {
		t.Fatalf("expected size limit error")
	}
}

func TestBundleZeroLimitDisablesEnforcement(t *testing.T) {
	src := memSource{files: []memFile{
		{path: "big.swift", data: bytes.Repeat([]byte("x"), 1024), mode: 0o644},
	}}
	if _, err := Bundle(src, 0); err != nil {
		t.Fatalf("expected no error with limit disabled, got %v", err)
	}
}

func TestBundleNormalizesExecutableMode(t *testing.T) {
	src := memSource{files: []memFile{
		{path: "run.sh", data: []byte("#!/bin/sh\n"), mode: 0o755},
	}}
	result, err := Bundle(src, 0)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	tr := tar.NewReader(bytes.NewReader(result.Archive))
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("read tar header: %v", err)
	}
	if hdr.Mode != 0o755 {
		t.Fatalf("expected normalized executable mode 0755, got %o", hdr.Mode)
	}
}
