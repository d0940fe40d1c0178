package bundler

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulrobinshaw/rch-xcode/errkind"
)

// DirSource implements FileSource over a real working tree rooted at
// Root, the form cmd/rch-host feeds to Bundle. Paths returned and
// accepted by OpenSource are root-relative, slash-separated.
type DirSource struct {
	Root string

	// Exclude reports whether a root-relative path should be skipped.
	// A nil Exclude bundles everything under Root.
	Exclude func(relPath string) bool
}

// SourcePaths walks Root and returns every regular file's
// root-relative path, unsorted (Bundle sorts before archiving).
func (d DirSource) SourcePaths() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.Exclude != nil && d.Exclude(rel) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Bundler, err, "walk source tree "+d.Root)
	}
	return paths, nil
}

// OpenSource opens the root-relative path for reading.
func (d DirSource) OpenSource(path string) (io.ReadCloser, fs.FileInfo, error) {
	full := filepath.Join(d.Root, filepath.FromSlash(path))
	f, err := os.Open(full)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}
