package ftptest

import (
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type node struct {
	dir   bool
	data  []byte
	mtime time.Time
}

// memFS is a flat map of clean absolute paths. "/" always exists.
type memFS struct {
	mu    sync.Mutex
	nodes map[string]*node
	now   func() time.Time
}

func newMemFS() *memFS {
	return &memFS{
		nodes: map[string]*node{"/": {dir: true}},
		now:   time.Now,
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func (fs *memFS) stat(p string) (node, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[clean(p)]
	if !ok {
		return node{}, false
	}
	return *n, true
}

func (fs *memFS) parentIsDir(p string) bool {
	parent, ok := fs.nodes[path.Dir(p)]
	return ok && parent.dir
}

func (fs *memFS) writeFile(p string, data []byte, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = clean(p)
	if n, ok := fs.nodes[p]; ok && n.dir {
		return os.ErrExist
	}
	if !fs.parentIsDir(p) {
		return os.ErrNotExist
	}
	if mtime.IsZero() {
		mtime = fs.now()
	}
	fs.nodes[p] = &node{data: append([]byte(nil), data...), mtime: mtime.UTC().Truncate(time.Second)}
	return nil
}

func (fs *memFS) mkdirAll(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cur := "/"
	for _, part := range strings.Split(clean(p), "/") {
		if part == "" {
			continue
		}
		cur = path.Join(cur, part)
		if _, ok := fs.nodes[cur]; !ok {
			fs.nodes[cur] = &node{dir: true, mtime: fs.now().UTC().Truncate(time.Second)}
		}
	}
}

func (fs *memFS) mkdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = clean(p)
	if _, ok := fs.nodes[p]; ok {
		return os.ErrExist
	}
	if !fs.parentIsDir(p) {
		return os.ErrNotExist
	}
	fs.nodes[p] = &node{dir: true, mtime: fs.now().UTC().Truncate(time.Second)}
	return nil
}

func (fs *memFS) children(dir string) []string {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for p := range fs.nodes {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		if rest := p[len(prefix):]; !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names
}

func (fs *memFS) rmdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = clean(p)
	n, ok := fs.nodes[p]
	if !ok || !n.dir || p == "/" {
		return os.ErrNotExist
	}
	if len(fs.children(p)) > 0 {
		return os.ErrExist
	}
	delete(fs.nodes, p)
	return nil
}

func (fs *memFS) remove(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = clean(p)
	n, ok := fs.nodes[p]
	if !ok || n.dir {
		return os.ErrNotExist
	}
	delete(fs.nodes, p)
	return nil
}

func (fs *memFS) rename(from, to string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	from, to = clean(from), clean(to)
	n, ok := fs.nodes[from]
	if !ok {
		return os.ErrNotExist
	}
	if !fs.parentIsDir(to) {
		return os.ErrNotExist
	}
	if dst, ok := fs.nodes[to]; ok && dst.dir {
		return os.ErrExist
	}

	delete(fs.nodes, from)
	fs.nodes[to] = n
	if n.dir {
		prefix := from + "/"
		var moved []string
		for p := range fs.nodes {
			if strings.HasPrefix(p, prefix) {
				moved = append(moved, p)
			}
		}
		for _, p := range moved {
			fs.nodes[to+"/"+p[len(prefix):]] = fs.nodes[p]
			delete(fs.nodes, p)
		}
	}
	return nil
}

type listEntry struct {
	name string
	node
}

func (fs *memFS) list(dir string) ([]listEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir = clean(dir)
	n, ok := fs.nodes[dir]
	if !ok || !n.dir {
		return nil, os.ErrNotExist
	}
	var out []listEntry
	for _, name := range fs.children(dir) {
		out = append(out, listEntry{name: name, node: *fs.nodes[path.Join(dir, name)]})
	}
	return out, nil
}
