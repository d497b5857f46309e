package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Artifact is one published file. Path is slash-separated and relative to
// the owning manager's output directory. The content is Data, or, when
// Source is set, a copy of the file at Source (used to stage kernels and
// loaders without holding them in memory).
type Artifact struct {
	Path   string
	Data   []byte
	Source string
	Mode   fs.FileMode // zero means 0644
}

// ErrBadArtifactPath is returned for artifact paths that are absolute,
// escape the output directory or collide with the manifest.
var ErrBadArtifactPath = errors.New("bad artifact path")

// manifestName lists the files written by the previous run, so files a
// manager no longer renders can be removed.
const manifestName = ".provisiond-manifest"

// WriteResult describes what WriteArtifacts did to the output directory.
type WriteResult struct {
	Written   []string
	Unchanged []string
	Removed   []string
}

// Changed reports whether any file on disk was replaced or removed.
func (r WriteResult) Changed() bool { return len(r.Written)+len(r.Removed) > 0 }

// WriteArtifacts publishes files under dir. Each file is written to a
// temp file and renamed into place; files whose content is already current
// are left alone. Files recorded in the previous manifest but absent from
// files are removed. Paths are checked before anything is touched.
func WriteArtifacts(dir string, files []Artifact) (WriteResult, error) {
	var res WriteResult
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		p := filepath.FromSlash(f.Path)
		if !filepath.IsLocal(p) || f.Path == manifestName {
			return res, fmt.Errorf("%w: %q", ErrBadArtifactPath, f.Path)
		}
		if seen[f.Path] {
			return res, fmt.Errorf("%w: %q rendered twice", ErrBadArtifactPath, f.Path)
		}
		seen[f.Path] = true
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, fmt.Errorf("create output directory: %w", err)
	}

	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f.Path))
		current, err := upToDate(p, f)
		if err != nil {
			return res, fmt.Errorf("stage %s: %w", f.Path, err)
		}
		if current {
			res.Unchanged = append(res.Unchanged, f.Path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return res, fmt.Errorf("create %s: %w", filepath.Dir(f.Path), err)
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := publish(p, f, mode); err != nil {
			return res, fmt.Errorf("write %s: %w", f.Path, err)
		}
		res.Written = append(res.Written, f.Path)
	}

	prev, err := readManifest(dir)
	if err != nil {
		return res, err
	}
	for _, name := range prev {
		if seen[name] || !filepath.IsLocal(filepath.FromSlash(name)) {
			continue
		}
		err := os.Remove(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("remove stale %s: %w", name, err)
		}
		res.Removed = append(res.Removed, name)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	var buf bytes.Buffer
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	if err := writeAtomic(filepath.Join(dir, manifestName), &buf, 0o644); err != nil {
		return res, fmt.Errorf("write manifest: %w", err)
	}
	return res, nil
}

func readManifest(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			names = append(names, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return names, nil
}

// upToDate reports whether the file at p already holds f. Staged copies
// are compared by size and modification time.
func upToDate(p string, f Artifact) (bool, error) {
	if f.Source == "" {
		old, err := os.ReadFile(p)
		return err == nil && bytes.Equal(old, f.Data), nil
	}
	src, err := os.Stat(f.Source)
	if err != nil {
		return false, err
	}
	dst, err := os.Stat(p)
	if err != nil {
		return false, nil
	}
	return dst.Size() == src.Size() && !dst.ModTime().Before(src.ModTime()), nil
}

func publish(p string, f Artifact, mode fs.FileMode) error {
	if f.Source == "" {
		return writeAtomic(p, bytes.NewReader(f.Data), mode)
	}
	in, err := os.Open(f.Source)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	return writeAtomic(p, in, mode)
}

func writeAtomic(path string, r io.Reader, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
