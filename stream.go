package ftps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrStreamClosed is returned by Read after Close.
var ErrStreamClosed = errors.New("ftps: transfer stream closed")

// SessionSource hands out clients to transfer streams. A Provider is a
// SessionSource.
type SessionSource interface {
	Acquire(ctx context.Context) (*Client, error)
	Release(c *Client)
}

// TransferIntent describes what should happen to a remote file as it is read.
type TransferIntent struct {
	Dir  string
	Name string

	// DeleteAfterRead deletes the file once it has been read to the end.
	DeleteAfterRead bool

	// Intermediate renames the file to its intermediate name while it is
	// being read, so other consumers skip it.
	Intermediate bool

	// Timestamp is encoded in the intermediate name.
	Timestamp time.Time
}

func (in TransferIntent) path() string { return trimPath(in.Dir, in.Name) }

type streamState int

const (
	streamUnopened streamState = iota
	streamOpen
	streamFinished
	streamClosed
)

// TransferStream is a remote file opened on first Read.
//
// Opening acquires a Client from the SessionSource, renames the file to its
// intermediate name when the intent asks for it, and starts the download.
// The stream finishes when the data reaches its end and the server confirms
// the transfer. Close then deletes the file if the intent asks for that; a
// stream closed before it finished renames the file back. The client is
// released exactly once.
type TransferStream struct {
	ctx    context.Context
	source SessionSource
	record FileRecord
	intent TransferIntent
	logger *slog.Logger

	mu      sync.Mutex
	state   streamState
	client  *Client
	body    io.ReadCloser
	path    string
	renamed bool
	openErr error
	readErr error
}

func newTransferStream(ctx context.Context, source SessionSource, record FileRecord, intent TransferIntent, logger *slog.Logger) *TransferStream {
	return &TransferStream{
		ctx:    ctx,
		source: source,
		record: record,
		intent: intent,
		logger: logger.With("path", intent.path()),
		path:   intent.path(),
	}
}

// Record returns the listing entry the stream was created from.
func (ts *TransferStream) Record() FileRecord { return ts.record }

// Intent returns the intent the stream was created with.
func (ts *TransferStream) Intent() TransferIntent { return ts.intent }

// RemotePath returns where the file currently is: its intermediate name
// while a staged read is in progress or after it finished.
func (ts *TransferStream) RemotePath() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.path
}

// Read implements io.Reader. A failure to open the stream, or a negative
// completion reply at the end of the data, is returned by this and every
// later Read.
func (ts *TransferStream) Read(p []byte) (int, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch ts.state {
	case streamClosed:
		return 0, ErrStreamClosed
	case streamFinished:
		return 0, io.EOF
	case streamUnopened:
		if ts.openErr != nil {
			return 0, ts.openErr
		}
		if err := ts.open(); err != nil {
			ts.openErr = err
			return 0, err
		}
	}
	if ts.readErr != nil {
		return 0, ts.readErr
	}

	n, err := ts.body.Read(p)
	if !errors.Is(err, io.EOF) {
		return n, err
	}

	// The data ended; the transfer only counts once the server agrees.
	cerr := ts.body.Close()
	ts.body = nil
	if cerr != nil {
		ts.readErr = classify(opRetrieve, ts.path, cerr)
		ts.logger.Warn("transfer not confirmed by server", "remote", ts.path, "error", cerr)
		return n, ts.readErr
	}
	ts.state = streamFinished
	return n, io.EOF
}

func (ts *TransferStream) open() error {
	client, err := ts.source.Acquire(ts.ctx)
	if err != nil {
		return err
	}
	ts.client = client

	if ts.intent.Intermediate {
		staged := trimPath(ts.intent.Dir, IntermediateName(ts.intent.Timestamp, ts.intent.Name))
		if err := client.Rename(ts.path, staged); err != nil {
			ts.release()
			return err
		}
		ts.path = staged
		ts.renamed = true
	}

	body, err := client.Retrieve(ts.path)
	if err != nil {
		if ts.renamed {
			_ = ts.rollback()
		}
		ts.release()
		return err
	}

	ts.body = body
	ts.state = streamOpen
	ts.logger.Debug("transfer stream opened", "remote", ts.path)
	return nil
}

// rollback renames the file back to its original name.
func (ts *TransferStream) rollback() error {
	original := ts.intent.path()
	if err := ts.client.Rename(ts.path, original); err != nil {
		ts.logger.Warn("failed to restore original name", "remote", ts.path, "error", err)
		return fmt.Errorf("rename back to %s: %w", original, err)
	}
	ts.path = original
	ts.renamed = false
	return nil
}

func (ts *TransferStream) release() {
	if ts.client == nil {
		return
	}
	ts.source.Release(ts.client)
	ts.client = nil
}

// Close finishes the stream, applies the intent and releases the client.
// Cleanup failures are logged and never returned. Close is idempotent.
func (ts *TransferStream) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.state == streamClosed {
		return nil
	}
	state := ts.state
	ts.state = streamClosed

	var result *multierror.Error
	if ts.body != nil {
		if err := ts.body.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("finish transfer: %w", err))
		}
		ts.body = nil
	}

	switch {
	case ts.client == nil:
	case state == streamFinished && ts.intent.DeleteAfterRead:
		if !ts.client.IsConnected() {
			if err := ts.client.Reconnect(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := ts.client.Delete(ts.path); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete after read: %w", err))
		} else {
			ts.logger.Info("file consumed and deleted", "remote", ts.path)
		}
	case state == streamOpen && ts.renamed:
		if err := ts.rollback(); err != nil {
			result = multierror.Append(result, err)
		} else {
			ts.logger.Info("abandoned read rolled back", "remote", ts.path)
		}
	}

	ts.release()

	if err := result.ErrorOrNil(); err != nil {
		ts.logger.Warn("transfer stream cleanup failed", "error", err)
	}
	return nil
}
