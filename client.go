package ftps

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// Operation names used in errors, logs and metrics.
const (
	opStat     = "stat"
	opSize     = "size"
	opList     = "list"
	opRename   = "rename"
	opDelete   = "delete"
	opMkdir    = "mkdir"
	opRmdir    = "rmdir"
	opCwd      = "cwd"
	opStore    = "store"
	opRetrieve = "retrieve"
)

// Client is an FTP session that recovers from a lost or invalidated
// connection. Every operation first issues the required commands (PBSZ 0
// and PROT P on TLS sessions, TYPE I). When an operation fails because the
// session is unusable the Client replaces the session once and retries the
// operation once. A second failure is returned as ErrConnection; there is no
// third attempt.
//
// A Client runs one command at a time and must not be shared between
// goroutines. Use one Client per goroutine, obtained from a Provider.
type Client struct {
	newSession func() sessionClient
	s          sessionClient
	logger     *slog.Logger
	metrics    MetricsCollector
}

func newClient(factory func() sessionClient, logger *slog.Logger, metrics MetricsCollector) *Client {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Client{newSession: factory, logger: logger, metrics: metrics}
}

// connect establishes the first session.
func (c *Client) connect() error {
	s := c.newSession()
	if err := s.connect(); err != nil {
		c.metrics.RecordConnection(false, "connect")
		return err
	}
	c.metrics.RecordConnection(true, "connect")
	c.s = s
	return nil
}

// Reconnect discards the current session and opens a new one. Logout and
// close of the old session are best effort.
func (c *Client) Reconnect() error {
	c.discard()

	s := c.newSession()
	if err := s.connect(); err != nil {
		c.metrics.RecordConnection(false, "reconnect")
		return err
	}
	if err := s.prepare(); err != nil {
		_ = s.close()
		c.metrics.RecordConnection(false, "reconnect")
		return opError("reconnect", "", ErrConnection, err)
	}

	c.metrics.RecordConnection(true, "reconnect")
	c.s = s
	return nil
}

func (c *Client) discard() {
	if c.s == nil {
		return
	}
	if err := c.s.logout(); err != nil {
		c.logger.Debug("logout failed", "error", err)
	}
	if err := c.s.close(); err != nil {
		c.logger.Debug("disconnect failed", "error", err)
	}
}

// IsConnected reports whether the control connection is believed to be
// open. It does no network I/O.
func (c *Client) IsConnected() bool {
	return c.s != nil && c.s.connected()
}

// IsAvailable reports whether a command can be issued right now.
func (c *Client) IsAvailable() bool {
	return c.s != nil && c.s.available()
}

// Home returns the working directory the server put the session in at login.
func (c *Client) Home() string {
	if c.s == nil {
		return separator
	}
	return c.s.home()
}

// Close logs out and closes the session. Failures are logged, never returned.
func (c *Client) Close() error {
	c.discard()
	return nil
}

func (c *Client) attempt(fn func(sessionClient) error) error {
	if c.s == nil {
		return fmt.Errorf("no session: %w", net.ErrClosed)
	}
	if err := c.s.prepare(); err != nil {
		return err
	}
	return fn(c.s)
}

// do runs fn with the one-shot reconnect and retry policy.
func (c *Client) do(op, path string, fn func(sessionClient) error) error {
	return c.retry(op, path, fn, nil)
}

// retry runs fn, and after a connection failure reconnects and runs it once
// more. rewind, when set, runs against the new session before the second
// attempt; an error from it cancels the retry.
func (c *Client) retry(op, path string, fn func(sessionClient) error, rewind func(sessionClient) error) error {
	start := time.Now()

	err := c.attempt(fn)
	if err == nil || !isConnectionError(err) {
		c.metrics.RecordCommand(op, err == nil, time.Since(start))
		return classify(op, path, err)
	}

	c.logger.Warn("session unusable, reconnecting", "op", op, "path", path, "error", err)

	if rerr := c.Reconnect(); rerr != nil {
		c.logger.Error("reconnect failed", "op", op, "path", path, "error", rerr)
		c.metrics.RecordCommand(op, false, time.Since(start))
		return opError(op, path, ErrConnection, rerr)
	}

	if rewind != nil {
		if rerr := rewind(c.s); rerr != nil {
			c.metrics.RecordCommand(op, false, time.Since(start))
			return opError(op, path, ErrConnection, fmt.Errorf("%w (not retried: %v)", err, rerr))
		}
	}

	err = c.attempt(fn)
	c.metrics.RecordCommand(op, err == nil, time.Since(start))
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return opError(op, path, ErrConnection, err)
	}
	return classify(op, path, err)
}

// ModTime returns the modification time of path (MDTM). A missing path
// yields ErrNotFound.
func (c *Client) ModTime(path string) (time.Time, error) {
	var t time.Time
	err := c.do(opStat, path, func(s sessionClient) error {
		var err error
		t, err = s.modTime(path)
		return err
	})
	return t, err
}

// SizeReply sends SIZE and returns the server's raw reply.
func (c *Client) SizeReply(path string) (string, error) {
	var reply string
	err := c.do(opSize, path, func(s sessionClient) error {
		var err error
		reply, err = s.sizeReply(path)
		return err
	})
	return reply, err
}

// List returns the entries of dir without "." and "..".
func (c *Client) List(dir string) ([]FileRecord, error) {
	var records []FileRecord
	err := c.do(opList, dir, func(s sessionClient) error {
		all, err := s.list(dir)
		if err != nil {
			return err
		}
		records = records[:0]
		for _, r := range all {
			if !isDotEntry(r.Name) {
				records = append(records, r)
			}
		}
		return nil
	})
	return records, err
}

// ListFiles returns the regular files and symlinks of dir.
func (c *Client) ListFiles(dir string) ([]FileRecord, error) {
	return c.listKind(dir, func(r FileRecord) bool { return r.Kind == KindFile || r.Kind == KindSymlink })
}

// ListDirectories returns the subdirectories of dir.
func (c *Client) ListDirectories(dir string) ([]FileRecord, error) {
	return c.listKind(dir, FileRecord.IsDir)
}

func (c *Client) listKind(dir string, keep func(FileRecord) bool) ([]FileRecord, error) {
	all, err := c.List(dir)
	if err != nil {
		return nil, err
	}
	var out []FileRecord
	for _, r := range all {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Rename renames from to to.
func (c *Client) Rename(from, to string) error {
	return c.do(opRename, from, func(s sessionClient) error { return s.rename(from, to) })
}

// Delete deletes a file.
func (c *Client) Delete(path string) error {
	return c.do(opDelete, path, func(s sessionClient) error { return s.delete(path) })
}

// MakeDir creates a directory.
func (c *Client) MakeDir(path string) error {
	return c.do(opMkdir, path, func(s sessionClient) error { return s.makeDir(path) })
}

// RemoveDir removes an empty directory.
func (c *Client) RemoveDir(path string) error {
	return c.do(opRmdir, path, func(s sessionClient) error { return s.removeDir(path) })
}

// ChangeDir changes the working directory.
func (c *Client) ChangeDir(path string) error {
	return c.do(opCwd, path, func(s sessionClient) error { return s.changeDir(path) })
}

// Store uploads r to path. After a connection failure the upload is only
// repeated when nothing was consumed from r yet, or r is an io.Seeker that
// can be rewound; the partial target is deleted first.
func (c *Client) Store(path string, r io.Reader) error {
	cr := &countingReader{r: r}

	var (
		seeker   io.Seeker
		startPos int64
	)
	if sk, ok := r.(io.Seeker); ok {
		if pos, err := sk.Seek(0, io.SeekCurrent); err == nil {
			seeker, startPos = sk, pos
		}
	}

	rewind := func(s sessionClient) error {
		if cr.n > 0 {
			if seeker == nil {
				return fmt.Errorf("%d bytes already sent from a non-seekable source", cr.n)
			}
			if _, err := seeker.Seek(startPos, io.SeekStart); err != nil {
				return fmt.Errorf("rewind source: %w", err)
			}
			cr.n = 0
		}
		if err := s.delete(path); err != nil {
			c.logger.Debug("no partial upload to remove", "path", path, "error", err)
		}
		return nil
	}

	return c.retry(opStore, path, func(s sessionClient) error { return s.store(path, cr) }, rewind)
}

// Retrieve opens a download stream for path. Only opening the stream is
// retried; the caller must Close it before issuing other commands.
func (c *Client) Retrieve(path string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := c.do(opRetrieve, path, func(s sessionClient) error {
		var err error
		rc, err = s.retrieve(path)
		return err
	})
	return rc, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
