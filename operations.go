package ftps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Result pairs a listing entry with a lazily opened stream on it. The
// stream must be closed; closing an unread stream does nothing remote.
type Result struct {
	Stream *TransferStream
	Record FileRecord
}

// ListRequest selects files of a directory.
type ListRequest struct {
	Dir string

	// Match selects entries. nil matches every file and symlink.
	Match Predicate

	// SizeCheck lists twice, SizeCheckInterval apart, and drops entries
	// whose size changed or is zero.
	SizeCheck         bool
	SizeCheckInterval time.Duration

	DeleteAfterRead bool
	Intermediate    bool
}

// ReadRequest selects a single file.
type ReadRequest struct {
	Dir  string
	Name string

	SizeCheck         bool
	SizeCheckInterval time.Duration

	DeleteAfterRead bool
	Intermediate    bool
}

// DeleteRequest deletes a file. A non-zero Timestamp makes the lookup try
// the intermediate name for that timestamp first.
type DeleteRequest struct {
	Dir           string
	Name          string
	Timestamp     time.Time
	IgnoreMissing bool
}

// RemoveDirRequest removes a directory.
type RemoveDirRequest struct {
	Dir           string
	Recursive     bool
	IgnoreMissing bool
}

// MakeDirRequest creates a directory.
type MakeDirRequest struct {
	Dir           string
	CreateParents bool
	IgnoreExists  bool
}

// RenameRequest moves a file (both names set) or a directory (both names
// empty).
type RenameRequest struct {
	SrcDir, SrcName string
	DstDir, DstName string
	CreateParents   bool
	Timestamp       time.Time
}

// Operations is the file operation surface. Every call acquires its own
// Client from the source and releases it before returning; streams acquire
// theirs when first read. Operations is safe for concurrent use.
type Operations struct {
	source   SessionSource
	logger   *slog.Logger
	metrics  MetricsCollector
	maxDepth int
	sleep    func(time.Duration)
}

// NewOperations returns the operation surface of p.
func NewOperations(p *Provider) *Operations {
	return &Operations{
		source:   p,
		logger:   p.logger,
		metrics:  p.metrics,
		maxDepth: p.cfg.MaxRecursionDepth,
		sleep:    time.Sleep,
	}
}

func (o *Operations) withClient(ctx context.Context, op string, fn func(*Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := o.source.Acquire(ctx)
	if err != nil {
		o.logger.Error("operation failed", "op", op, "error", err)
		return err
	}
	defer o.source.Release(c)

	if err := fn(c); err != nil {
		o.logger.Error("operation failed", "op", op, "error", err)
		return err
	}
	return nil
}

func (o *Operations) checker(interval time.Duration) *StabilityChecker {
	sc := NewStabilityChecker(interval)
	sc.sleep = o.sleep
	sc.metrics = o.metrics
	return sc
}

// List returns the files and symlinks of req.Dir matching req.Match,
// without directories or intermediate entries.
func (o *Operations) List(ctx context.Context, req ListRequest) ([]Result, error) {
	var results []Result
	err := o.withClient(ctx, "list", func(c *Client) error {
		records, err := o.listFiles(c, req.Dir, req.Match)
		if err != nil {
			return err
		}

		if req.SizeCheck {
			interval := req.SizeCheckInterval
			if interval <= 0 {
				interval = DefaultStabilityInterval
			}
			o.sleep(interval)

			again, err := o.listFiles(c, req.Dir, req.Match)
			if err != nil {
				return err
			}
			records = stableRecords(records, again)
		}

		for _, r := range records {
			intent := TransferIntent{
				Dir:             req.Dir,
				Name:            r.Name,
				DeleteAfterRead: req.DeleteAfterRead,
				Intermediate:    req.Intermediate,
				Timestamp:       r.ModTime,
			}
			results = append(results, Result{
				Stream: newTransferStream(ctx, o.source, r, intent, o.logger),
				Record: r,
			})
		}
		return nil
	})
	return results, err
}

func (o *Operations) listFiles(c *Client, dir string, match Predicate) ([]FileRecord, error) {
	files, err := c.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	return filterListing(files, match), nil
}

// stableRecords keeps the entries of first whose size is the same, and
// not zero, in second.
func stableRecords(first, second []FileRecord) []FileRecord {
	sizes := make(map[string]int64, len(second))
	for _, r := range second {
		sizes[r.Name] = r.Size
	}
	var out []FileRecord
	for _, r := range first {
		size, ok := sizes[r.Name]
		if !ok || size != r.Size || size == 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Read returns a stream on one file. A missing file fails with
// ErrNotFound; with SizeCheck a file still growing fails with
// ErrStillWriting.
func (o *Operations) Read(ctx context.Context, req ReadRequest) (Result, error) {
	path := trimPath(req.Dir, req.Name)

	var res Result
	err := o.withClient(ctx, "read", func(c *Client) error {
		mtime, err := c.ModTime(path)
		if err != nil {
			return err
		}

		rec := FileRecord{Dir: req.Dir, Name: req.Name, Kind: KindFile, ModTime: mtime}
		if req.SizeCheck {
			size, stable, err := o.checker(req.SizeCheckInterval).check(c, path)
			if err != nil {
				return err
			}
			if !stable {
				return opError("read", path, ErrStillWriting, nil)
			}
			rec.Size = size
		} else if reply, err := c.SizeReply(path); err == nil {
			if n := parseSizeReply(reply, sizeUnknownFirst); n >= 0 {
				rec.Size = n
			}
		}

		intent := TransferIntent{
			Dir:             req.Dir,
			Name:            req.Name,
			DeleteAfterRead: req.DeleteAfterRead,
			Intermediate:    req.Intermediate,
			Timestamp:       mtime,
		}
		res = Result{Stream: newTransferStream(ctx, o.source, rec, intent, o.logger), Record: rec}
		return nil
	})
	return res, err
}

// Write uploads r, see WriteRequest.
func (o *Operations) Write(ctx context.Context, r io.Reader, req WriteRequest) (bool, error) {
	if req.Name == "" {
		return false, opError(opStore, req.Dir, ErrInvalidArgument, errors.New("file name is required"))
	}
	err := o.withClient(ctx, "write", func(c *Client) error {
		return writeFile(c, r, req)
	})
	return err == nil, err
}

// locate finds a file, trying its intermediate name for ts first. It
// reports "" when neither exists.
func locate(c *Client, dir, name string, ts time.Time) (string, error) {
	var candidates []string
	if !ts.IsZero() {
		candidates = append(candidates, trimPath(dir, IntermediateName(ts, name)))
	}
	candidates = append(candidates, trimPath(dir, name))

	for _, p := range candidates {
		_, err := c.ModTime(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, ErrNotFound):
			return "", err
		}
	}
	return "", nil
}

// Delete deletes a file. It reports false when the file is missing and
// IgnoreMissing is set.
func (o *Operations) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	var deleted bool
	err := o.withClient(ctx, "delete", func(c *Client) error {
		target, err := locate(c, req.Dir, req.Name, req.Timestamp)
		if err != nil {
			return err
		}
		if target == "" {
			if req.IgnoreMissing {
				return nil
			}
			return opError(opDelete, trimPath(req.Dir, req.Name), ErrNotFound, nil)
		}
		if err := c.Delete(target); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// RemoveDir removes a directory, with its content when Recursive is set.
func (o *Operations) RemoveDir(ctx context.Context, req RemoveDirRequest) (bool, error) {
	var removed bool
	err := o.withClient(ctx, "rmdir", func(c *Client) error {
		exists, err := dirExists(c, req.Dir)
		if err != nil {
			return err
		}
		if !exists {
			if req.IgnoreMissing {
				return nil
			}
			return opError(opRmdir, req.Dir, ErrNotFound, nil)
		}

		if req.Recursive {
			err = removeTree(c, req.Dir, o.maxDepth)
		} else {
			err = c.RemoveDir(req.Dir)
		}
		if err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// MakeDir creates a directory. An existing directory fails with
// ErrAlreadyExists, or reports false when IgnoreExists is set.
func (o *Operations) MakeDir(ctx context.Context, req MakeDirRequest) (bool, error) {
	var created bool
	err := o.withClient(ctx, "mkdir", func(c *Client) error {
		exists, err := dirExists(c, req.Dir)
		if err != nil {
			return err
		}
		if exists {
			if req.IgnoreExists {
				return nil
			}
			return opError(opMkdir, req.Dir, ErrAlreadyExists, nil)
		}

		if req.CreateParents {
			err = createParents(c, req.Dir)
		} else {
			err = c.MakeDir(req.Dir)
		}
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// Rename moves a file or a directory. The source must exist and the
// destination must not.
func (o *Operations) Rename(ctx context.Context, req RenameRequest) (bool, error) {
	if (req.SrcName == "") != (req.DstName == "") {
		return false, opError(opRename, trimPath(req.SrcDir, req.SrcName), ErrInvalidArgument,
			errors.New("source and destination names must both be set or both be empty"))
	}
	if req.SrcName == "" && (req.SrcDir == "" || req.DstDir == "") {
		return false, opError(opRename, req.SrcDir, ErrInvalidArgument,
			errors.New("source and destination directories are required"))
	}

	err := o.withClient(ctx, "rename", func(c *Client) error {
		if req.SrcName != "" {
			return renameFile(c, req)
		}
		return renameDir(c, req)
	})
	return err == nil, err
}

func renameFile(c *Client, req RenameRequest) error {
	src, err := locate(c, req.SrcDir, req.SrcName, req.Timestamp)
	if err != nil {
		return err
	}
	if src == "" {
		return opError(opRename, trimPath(req.SrcDir, req.SrcName), ErrNotFound, nil)
	}

	dst := trimPath(req.DstDir, req.DstName)
	if _, err := c.ModTime(dst); err == nil {
		return opError(opRename, dst, ErrAlreadyExists, nil)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if req.CreateParents {
		if err := createParents(c, req.DstDir); err != nil {
			return err
		}
	}
	return c.Rename(src, dst)
}

func renameDir(c *Client, req RenameRequest) error {
	exists, err := dirExists(c, req.SrcDir)
	if err != nil {
		return err
	}
	if !exists {
		return opError(opRename, req.SrcDir, ErrNotFound, nil)
	}

	exists, err = dirExists(c, req.DstDir)
	if err != nil {
		return err
	}
	if exists {
		return opError(opRename, req.DstDir, ErrAlreadyExists, nil)
	}

	if req.CreateParents {
		if parent := parentDir(req.DstDir); parent != "" && parent != separator {
			if err := createParents(c, parent); err != nil {
				return fmt.Errorf("create parents of %s: %w", req.DstDir, err)
			}
		}
	}
	return c.Rename(req.SrcDir, req.DstDir)
}
