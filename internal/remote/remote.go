// Package remote talks to the vendor file-transfer server. Conn is the narrow
// surface the resolver and fetcher need; Session implements it over FTP and
// Tree implements it in memory for tests.
package remote

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
)

// ErrNotFound reports a missing remote file or directory.
var ErrNotFound = errors.New("remote: not found")

// Entry is one item of a directory listing.
type Entry struct {
	Name string
	Dir  bool
	Size int64
}

// Conn lists and retrieves remote paths. Paths are relative to the login
// directory and use forward slashes.
type Conn interface {
	List(ctx context.Context, dir string) ([]Entry, error)
	Retrieve(ctx context.Context, file string) (io.ReadCloser, error)
}

// Clean normalises a remote path: forward slashes, no leading slash, no dot segments.
func Clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	return p
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// Files returns the names of non-directory entries accepted by keep, in name order.
func Files(entries []Entry, keep func(name string) bool) []string {
	var out []string
	for _, e := range entries {
		if e.Dir {
			continue
		}
		if keep == nil || keep(e.Name) {
			out = append(out, e.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Dirs returns the names of directory entries, in name order.
func Dirs(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		if e.Dir {
			out = append(out, e.Name)
		}
	}
	sort.Strings(out)
	return out
}
