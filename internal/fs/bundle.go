package fs

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// DefaultBundleName is used when the requested name has no usable last element.
const DefaultBundleName = "bundle.zip"

// Bundle describes a zip archive in the bundle directory.
type Bundle struct {
	Name    string    `json:"name"`
	ZipPath string    `json:"zip_path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// CreateBundle zips sourceDir into baseDir. See Workspace.CreateBundle.
func CreateBundle(sourceDir, outputName, baseDir string) (*Bundle, error) {
	return NewWorkspace(baseDir).CreateBundle(sourceDir, outputName)
}

// SanitizeBundleName keeps only the last element of name, treating both
// slash and backslash as separators.
func SanitizeBundleName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexFunc(name, isSeparator); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return DefaultBundleName
	}
	return name
}

// CreateBundle writes a zip archive of sourceDir to the workspace root under
// the sanitized outputName. sourceDir must resolve inside the root. Symlinks
// inside the source are skipped.
func (w *Workspace) CreateBundle(sourceDir, outputName string) (*Bundle, error) {
	source, err := w.resolveSource(sourceDir)
	if err != nil {
		return nil, err
	}

	name := SanitizeBundleName(outputName)
	dest := filepath.Join(w.root, name)

	tmp, err := os.CreateTemp(w.root, ".bundle-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create bundle %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)
	if err := addTree(zw, source, dest, tmpPath); err != nil {
		zw.Close()
		tmp.Close()
		return nil, fmt.Errorf("create bundle %s: %w", name, err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("create bundle %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("create bundle %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("create bundle %s: %w", name, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("create bundle %s: %w", name, err)
	}
	return &Bundle{Name: name, ZipPath: dest, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// resolveSource resolves dir to a real directory inside the root.
func (w *Workspace) resolveSource(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", notFound(err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", notFound(err)
	}
	if !info.IsDir() {
		return "", ErrNotDirectory
	}
	if !isPathWithin(resolved, w.root) {
		return "", ErrPathTraversal
	}
	return resolved, nil
}

func addTree(zw *zip.Writer, source string, skip ...string) error {
	return filepath.WalkDir(source, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == source {
			return nil
		}
		if d.Type()&iofs.ModeSymlink != 0 {
			return nil
		}
		for _, s := range skip {
			if path == s {
				return nil
			}
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
			_, err := zw.CreateHeader(hdr)
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		hdr.Method = zip.Deflate

		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(dst, f)
		return err
	})
}

// resolveBundle maps a bundle name to its path in the root.
func (w *Workspace) resolveBundle(name string) (string, error) {
	clean := SanitizeBundleName(name)
	if clean != strings.TrimSpace(name) {
		return "", ErrPathTraversal
	}
	return filepath.Join(w.root, clean), nil
}

// Bundles lists the zip archives in the root, newest first.
func (w *Workspace) Bundles() ([]Bundle, error) {
	dirents, err := os.ReadDir(w.root)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return []Bundle{}, nil
		}
		return nil, fmt.Errorf("list bundles: %w", err)
	}

	bundles := make([]Bundle, 0, len(dirents))
	for _, d := range dirents {
		if !d.Type().IsRegular() || !strings.HasSuffix(strings.ToLower(d.Name()), ".zip") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		bundles = append(bundles, Bundle{
			Name:    d.Name(),
			ZipPath: filepath.Join(w.root, d.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].ModTime.After(bundles[j].ModTime) })
	return bundles, nil
}

// OpenBundle opens a bundle for reading. The caller closes the file.
func (w *Workspace) OpenBundle(name string) (*os.File, *Bundle, error) {
	path, err := w.resolveBundle(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, notFound(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, &Bundle{Name: info.Name(), ZipPath: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// DeleteBundle removes a bundle.
func (w *Workspace) DeleteBundle(name string) error {
	path, err := w.resolveBundle(name)
	if err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return notFound(err)
	}
	if !info.Mode().IsRegular() {
		return ErrNotFound
	}
	return os.Remove(path)
}
