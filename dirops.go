package ftps

import (
	"errors"
	"fmt"
	"strings"
)

// removeTree deletes dir with everything below it. Files (and symlinks,
// which are never followed) are deleted first, then subdirectories are
// removed depth first, then dir itself. Intermediate entries are skipped.
// Recursion deeper than maxDepth fails with ErrOperationFailed.
func removeTree(c *Client, dir string, maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxRecursionDepth
	}
	return removeTreeAt(c, dir, 0, maxDepth)
}

func removeTreeAt(c *Client, dir string, depth, maxDepth int) error {
	if depth > maxDepth {
		return opError(opRmdir, dir, ErrOperationFailed, fmt.Errorf("directory tree deeper than %d levels", maxDepth))
	}

	files, err := c.ListFiles(dir)
	if err != nil {
		return err
	}
	for _, f := range filterListing(files, nil) {
		if err := c.Delete(f.Path()); err != nil {
			return err
		}
	}

	dirs, err := c.ListDirectories(dir)
	if err != nil {
		return err
	}
	for _, d := range filterListing(dirs, nil) {
		if err := removeTreeAt(c, d.Path(), depth+1, maxDepth); err != nil {
			return err
		}
	}

	c.logger.Debug("removing directory", "dir", dir, "depth", depth)
	return c.RemoveDir(dir)
}

// filterListing drops ".", "..", intermediate entries and everything match
// rejects.
func filterListing(records []FileRecord, match Predicate) []FileRecord {
	var out []FileRecord
	for _, r := range records {
		if isDotEntry(r.Name) || isIntermediate(r.Name) {
			continue
		}
		if !match.match(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// createParents makes sure every component of dir exists, creating the
// missing ones. The working directory is restored to the home directory
// afterwards.
func createParents(c *Client, dir string) error {
	base := separator
	if !isAbs(dir) {
		base = c.Home()
	}

	defer func() {
		if err := c.ChangeDir(c.Home()); err != nil {
			c.logger.Warn("failed to restore working directory", "home", c.Home(), "error", err)
		}
	}()

	current := base
	for _, part := range splitComponents(dir) {
		current = trimPath(current, part)

		err := c.ChangeDir(current)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrConnection) {
			return err
		}

		if err := c.MakeDir(current); err != nil {
			return err
		}
		c.logger.Debug("created directory", "dir", current)
	}
	return nil
}

// dirExists probes dir with CWD and changes back to the home directory.
func dirExists(c *Client, dir string) (bool, error) {
	err := c.ChangeDir(dir)
	if err != nil {
		if errors.Is(err, ErrConnection) {
			return false, err
		}
		return false, nil
	}
	if err := c.ChangeDir(c.Home()); err != nil {
		c.logger.Warn("failed to restore working directory", "home", c.Home(), "error", err)
	}
	return true, nil
}

func isAbs(p string) bool {
	return strings.HasPrefix(p, separator)
}
