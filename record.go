package ftps

import (
	"path"
	"time"
)

// FileKind is the type of a remote directory entry.
type FileKind int

const (
	// KindFile is a regular file.
	KindFile FileKind = iota
	// KindDirectory is a directory.
	KindDirectory
	// KindSymlink is a symbolic link. Its target is never followed.
	KindSymlink
	// KindUnknown is an entry whose listing line could not be parsed.
	KindUnknown
)

func (k FileKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "dir"
	case KindSymlink:
		return "link"
	default:
		return "unknown"
	}
}

// FileRecord describes a remote file as reported by a listing or stat.
type FileRecord struct {
	Size    int64
	Kind    FileKind
	Dir     string
	Name    string
	ModTime time.Time

	// Target is the link target for symlinks, when the server reports it.
	Target string
}

// Path returns the full remote path of the record.
func (r FileRecord) Path() string {
	if r.Dir == "" {
		return r.Name
	}
	return trimPath(r.Dir, r.Name)
}

// IsRegular reports whether the record is a regular file.
func (r FileRecord) IsRegular() bool { return r.Kind == KindFile }

// IsDir reports whether the record is a directory.
func (r FileRecord) IsDir() bool { return r.Kind == KindDirectory }

// Predicate selects records. A nil Predicate matches everything.
type Predicate func(FileRecord) bool

// MatchAll is the default predicate.
func MatchAll(FileRecord) bool { return true }

// MatchGlob matches record names against a shell pattern (see path.Match).
// A malformed pattern matches nothing.
func MatchGlob(pattern string) Predicate {
	return func(r FileRecord) bool {
		ok, err := path.Match(pattern, r.Name)
		return err == nil && ok
	}
}

// MatchMinSize matches records of at least n bytes.
func MatchMinSize(n int64) Predicate {
	return func(r FileRecord) bool { return r.Size >= n }
}

// MatchModifiedAfter matches records modified strictly after t. Pollers use
// it with the watermark of the previous pass.
func MatchModifiedAfter(t time.Time) Predicate {
	return func(r FileRecord) bool { return r.ModTime.After(t) }
}

// And combines predicates; all must match.
func And(preds ...Predicate) Predicate {
	return func(r FileRecord) bool {
		for _, p := range preds {
			if p != nil && !p(r) {
				return false
			}
		}
		return true
	}
}

func (p Predicate) match(r FileRecord) bool {
	return p == nil || p(r)
}
