package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Tree is an in-memory remote file system. Directories exist implicitly for
// every stored file and can be created empty with Mkdir.
type Tree struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool
	fail  map[string]error

	Retrieved []string
}

var _ Conn = (*Tree)(nil)

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{files: map[string][]byte{}, dirs: map[string]bool{"": true}, fail: map[string]error{}}
}

// Put stores data at file, creating parent directories.
func (t *Tree) Put(file string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	file = Clean(file)
	t.files[file] = append([]byte(nil), data...)
	t.mkdirLocked(parent(file))
}

// Mkdir creates dir and its parents.
func (t *Tree) Mkdir(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mkdirLocked(Clean(dir))
}

// FailOn makes every operation on p return err.
func (t *Tree) FailOn(p string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail[Clean(p)] = err
}

func (t *Tree) mkdirLocked(dir string) {
	for {
		t.dirs[dir] = true
		if dir == "" {
			return
		}
		dir = parent(dir)
	}
}

func parent(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

// List implements Conn.
func (t *Tree) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	dir = Clean(dir)
	if err := t.fail[dir]; err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	if !t.dirs[dir] {
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotFound)
	}
	var entries []Entry
	for d := range t.dirs {
		if d != "" && d != dir && parent(d) == dir {
			entries = append(entries, Entry{Name: base(d), Dir: true})
		}
	}
	for f, data := range t.files {
		if parent(f) == dir {
			entries = append(entries, Entry{Name: base(f), Size: int64(len(data))})
		}
	}
	sortEntries(entries)
	return entries, nil
}

func base(p string) string { return p[strings.LastIndex(p, "/")+1:] }

// Retrieve implements Conn.
func (t *Tree) Retrieve(ctx context.Context, file string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	file = Clean(file)
	if err := t.fail[file]; err != nil {
		return nil, fmt.Errorf("retr %s: %w", file, err)
	}
	data, ok := t.files[file]
	if !ok {
		return nil, fmt.Errorf("retr %s: %w", file, ErrNotFound)
	}
	t.Retrieved = append(t.Retrieved, file)
	return io.NopCloser(bytes.NewReader(data)), nil
}
