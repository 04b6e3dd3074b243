package ftps

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Error kinds. Every failure returned by Client, Operations and Poller
// matches exactly one of these with errors.Is.
var (
	// ErrConnection means the session could not be established,
	// authenticated or kept alive, even after the one reconnect attempt.
	ErrConnection = errors.New("ftps: connection failure")

	// ErrInvalidSession means the data channel could not resume the
	// control channel's TLS session. It is treated like ErrConnection by
	// the retry policy and stays visible in the chain of the final error.
	ErrInvalidSession = errors.New("ftps: data channel could not reuse the control TLS session")

	// ErrNotFound means the path does not exist on the server.
	ErrNotFound = errors.New("ftps: path not found")

	// ErrAlreadyExists means the target exists and overwriting was not allowed.
	ErrAlreadyExists = errors.New("ftps: path already exists")

	// ErrStillWriting means the file size was not stable between two checks.
	ErrStillWriting = errors.New("ftps: file is still being written")

	// ErrOperationFailed means the server refused the command.
	ErrOperationFailed = errors.New("ftps: operation failed")

	// ErrInvalidArgument means the request itself was malformed.
	ErrInvalidArgument = errors.New("ftps: invalid argument")
)

// OpError records a failed operation together with its error kind and cause.
type OpError struct {
	// Op is the operation name (e.g., "stat", "store", "rename")
	Op string

	// Path is the remote path the operation was working on
	Path string

	// Kind is one of the package Err* values
	Kind error

	// Err is the underlying cause, possibly nil
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Op)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is reports whether target is the kind of this error.
func (e *OpError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying cause.
func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, path string, kind, err error) *OpError {
	return &OpError{Op: op, Path: path, Kind: kind, Err: err}
}

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the raw response received from the server (e.g., "Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftps: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ProtocolError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ProtocolError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// codeServiceNotAvailable is sent by servers that are about to drop the
// control connection (idle timeout, shutdown).
const codeServiceNotAvailable = 421

// isConnectionError reports whether err means the session is unusable and
// should be replaced.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrConnection) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == codeServiceNotAvailable
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// isPermanent reports whether err carries a 5xx reply.
func isPermanent(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Is5xx()
}

// classify maps a session error onto the error taxonomy. A permanent
// negative reply to stat or list means the path does not exist.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	switch {
	case isConnectionError(err):
		return opError(op, path, ErrConnection, err)
	case isPermanent(err) && (op == opStat || op == opList):
		return opError(op, path, ErrNotFound, err)
	default:
		return opError(op, path, ErrOperationFailed, err)
	}
}
