package fs

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrPathTraversal = errors.New("path traversal not allowed")
	ErrNotFound      = errors.New("file or directory not found")
	ErrNotDirectory  = errors.New("not a directory")
)

// Entry types.
const (
	TypeFile = "file"
	TypeDir  = "dir"
)

// Entry describes one file or directory inside a workspace.
type Entry struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Workspace confines filesystem access to a root directory.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	// Resolve symlinks so comparisons hold when root sits behind one
	// (e.g., on macOS /var -> /private/var).
	absRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		// root may not exist yet
		absRoot, _ = filepath.Abs(root)
	}
	return &Workspace{root: absRoot}
}

// Root returns the resolved workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// resolvePath maps a workspace path to a real path inside the root. Paths
// are taken relative to the root whether or not they start with a slash.
func (w *Workspace) resolvePath(path string) (string, error) {
	for _, part := range strings.FieldsFunc(path, isSeparator) {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}

	cleaned := strings.TrimLeft(filepath.Clean(filepath.FromSlash(path)), string(filepath.Separator))
	fullPath := filepath.Join(w.root, cleaned)

	resolved, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		if !errors.Is(err, iofs.ErrNotExist) {
			return "", err
		}
		// New file: the nearest existing parent must still be inside.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(fullPath))
		if perr != nil {
			if parent, perr = filepath.Abs(filepath.Dir(fullPath)); perr != nil {
				return "", perr
			}
		}
		if !isPathWithin(parent, w.root) {
			return "", ErrPathTraversal
		}
		return filepath.Join(parent, filepath.Base(fullPath)), nil
	}

	if !isPathWithin(resolved, w.root) {
		return "", ErrPathTraversal
	}
	return resolved, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// isPathWithin reports whether path is root or inside it. A plain prefix
// test would accept /base-other as inside /base.
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	if strings.HasSuffix(root, string(filepath.Separator)) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func notFound(err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func entryOf(name string, info iofs.FileInfo) Entry {
	e := Entry{Name: name, Type: TypeFile, Size: info.Size(), ModTime: info.ModTime()}
	if info.IsDir() {
		e.Type = TypeDir
		e.Size = 0
	}
	return e
}

// List returns the entries of a directory sorted by name.
func (w *Workspace) List(path string) ([]Entry, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, notFound(err))
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entryOf(d.Name(), info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Read returns the contents of a file.
func (w *Workspace) Read(path string) ([]byte, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, notFound(err))
	}
	return data, nil
}

// Write replaces the contents of a file, creating parent directories.
func (w *Workspace) Write(path string, content []byte) error {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Stat returns the entry for a single path.
func (w *Workspace) Stat(path string) (*Entry, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, notFound(err))
	}
	e := entryOf(info.Name(), info)
	return &e, nil
}

// Resolve returns the real path of a workspace path.
func (w *Workspace) Resolve(path string) (string, error) {
	return w.resolvePath(path)
}
