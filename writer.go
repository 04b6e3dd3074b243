package ftps

import (
	"errors"
	"io"
	"time"
)

// WriteRequest describes an upload.
type WriteRequest struct {
	Dir  string
	Name string

	// Overwrite allows replacing an existing file. Without it an existing
	// target fails the write with ErrAlreadyExists.
	Overwrite bool

	// CreateParents creates missing directories of Dir.
	CreateParents bool

	// Intermediate uploads to a staging name first and renames it into place
	// only once the upload completed, so readers never see a partial file.
	Intermediate bool

	// Timestamp is encoded in the staging name. The zero time uses "TS".
	Timestamp time.Time
}

// writeFile stores r at req.Dir/req.Name.
//
// In direct mode an existing target is deleted and r is stored in its place.
// In intermediate mode r is stored under the staging name; the target is
// replaced by renaming only after the store succeeded. A failed store leaves
// the target untouched and the staging file where it is.
func writeFile(c *Client, r io.Reader, req WriteRequest) error {
	target := trimPath(req.Dir, req.Name)

	if !req.Overwrite {
		_, err := c.ModTime(target)
		switch {
		case err == nil:
			return opError(opStore, target, ErrAlreadyExists, nil)
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}

	if req.CreateParents {
		if err := createParents(c, req.Dir); err != nil {
			return err
		}
	}

	if !req.Intermediate {
		if err := removeIfPresent(c, target); err != nil {
			return err
		}
		return c.Store(target, r)
	}

	staging := trimPath(req.Dir, IntermediateName(req.Timestamp, req.Name))
	if err := c.Store(staging, r); err != nil {
		c.logger.Warn("staged upload failed, target left untouched", "staging", staging, "target", target, "error", err)
		return err
	}
	if err := removeIfPresent(c, target); err != nil {
		return err
	}
	if err := c.Rename(staging, target); err != nil {
		return err
	}
	c.logger.Debug("staged upload committed", "staging", staging, "target", target)
	return nil
}

// removeIfPresent deletes path. Refusals (usually: no such file) are
// ignored; only a lost session is reported.
func removeIfPresent(c *Client, path string) error {
	err := c.Delete(path)
	if err != nil && errors.Is(err, ErrConnection) {
		return err
	}
	return nil
}
