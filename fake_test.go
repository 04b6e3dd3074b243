package ftps

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

var fakeModTime = time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func refused(cmd string) error {
	return &ProtocolError{Command: cmd, Response: "No such file or directory", Code: 550}
}

// fakeServer backs fakeSessions with a flat file table and scripted errors.
// Every session method counts as one call of its name; failNext queues
// errors returned by the next calls.
type fakeServer struct {
	mu       sync.Mutex
	errs     map[string][]error
	calls    map[string]int
	files    map[string][]byte
	dirs     map[string]bool
	sessions []*fakeSession

	// symlinks are files listed as symbolic links.
	symlinks map[string]bool

	// partial is read from the source before a scripted store failure.
	partial int64

	// sizeReplies, when set, are returned by successive SIZE calls.
	sizeReplies []string

	// completionErr, when set, is the completion reply error of every
	// download, reported when its body is closed.
	completionErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		errs:     make(map[string][]error),
		calls:    make(map[string]int),
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true, "/home": true},
		symlinks: make(map[string]bool),
	}
}

func (f *fakeServer) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *fakeServer) call(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeServer) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeServer) put(p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = data
}

func (f *fakeServer) file(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	return data, ok
}

func (f *fakeServer) newSession() sessionClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{srv: f}
	f.sessions = append(f.sessions, s)
	return s
}

func (f *fakeServer) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeServer) client(t *testing.T, m MetricsCollector) *Client {
	t.Helper()
	c := newClient(f.newSession, discardLogger(), m)
	if err := c.connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

type fakeSession struct {
	srv       *fakeServer
	open      bool
	loggedOut bool
}

var _ sessionClient = (*fakeSession)(nil)

func (s *fakeSession) connect() error {
	if err := s.srv.call("connect"); err != nil {
		return err
	}
	s.open = true
	return nil
}

func (s *fakeSession) logout() error {
	s.loggedOut = true
	return s.srv.call("logout")
}

func (s *fakeSession) close() error {
	s.open = false
	return nil
}

func (s *fakeSession) connected() bool { return s.open }
func (s *fakeSession) available() bool { return s.open }
func (s *fakeSession) home() string    { return "/home" }

func (s *fakeSession) prepare() error { return s.srv.call("prepare") }

func (s *fakeSession) modTime(p string) (time.Time, error) {
	if err := s.srv.call("modTime"); err != nil {
		return time.Time{}, err
	}
	if _, ok := s.srv.file(p); !ok {
		return time.Time{}, refused("MDTM")
	}
	return fakeModTime, nil
}

func (s *fakeSession) sizeReply(p string) (string, error) {
	if err := s.srv.call("sizeReply"); err != nil {
		return "", err
	}
	s.srv.mu.Lock()
	if len(s.srv.sizeReplies) > 0 {
		reply := s.srv.sizeReplies[0]
		s.srv.sizeReplies = s.srv.sizeReplies[1:]
		s.srv.mu.Unlock()
		return reply, nil
	}
	s.srv.mu.Unlock()

	data, ok := s.srv.file(p)
	if !ok {
		return "550 No such file", nil
	}
	return fmt.Sprintf("213 %d", len(data)), nil
}

func (s *fakeSession) list(dir string) ([]FileRecord, error) {
	if err := s.srv.call("list"); err != nil {
		return nil, err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if !s.srv.dirs[dir] {
		return nil, refused("MLSD")
	}
	records := []FileRecord{
		{Name: ".", Kind: KindDirectory, Dir: dir},
		{Name: "..", Kind: KindDirectory, Dir: dir},
	}
	for p, data := range s.srv.files {
		if path.Dir(p) == dir {
			kind := KindFile
			if s.srv.symlinks[p] {
				kind = KindSymlink
			}
			records = append(records, FileRecord{Name: path.Base(p), Dir: dir, Kind: kind, Size: int64(len(data)), ModTime: fakeModTime})
		}
	}
	for p := range s.srv.dirs {
		if p != dir && path.Dir(p) == dir {
			records = append(records, FileRecord{Name: path.Base(p), Dir: dir, Kind: KindDirectory})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

func (s *fakeSession) rename(from, to string) error {
	if err := s.srv.call("rename"); err != nil {
		return err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	data, ok := s.srv.files[from]
	if !ok {
		return refused("RNFR")
	}
	delete(s.srv.files, from)
	s.srv.files[to] = data
	return nil
}

func (s *fakeSession) delete(p string) error {
	if err := s.srv.call("delete"); err != nil {
		return err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if _, ok := s.srv.files[p]; !ok {
		return refused("DELE")
	}
	delete(s.srv.files, p)
	return nil
}

func (s *fakeSession) makeDir(p string) error {
	if err := s.srv.call("makeDir"); err != nil {
		return err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if s.srv.dirs[p] {
		return &ProtocolError{Command: "MKD", Response: "File exists", Code: 550}
	}
	s.srv.dirs[p] = true
	return nil
}

func (s *fakeSession) removeDir(p string) error {
	if err := s.srv.call("removeDir"); err != nil {
		return err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if !s.srv.dirs[p] {
		return refused("RMD")
	}
	delete(s.srv.dirs, p)
	return nil
}

func (s *fakeSession) changeDir(p string) error {
	if err := s.srv.call("changeDir"); err != nil {
		return err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if !s.srv.dirs[p] {
		return refused("CWD")
	}
	return nil
}

func (s *fakeSession) store(p string, r io.Reader) error {
	if err := s.srv.call("store"); err != nil {
		if s.srv.partial > 0 {
			_, _ = io.CopyN(io.Discard, r, s.srv.partial)
			// The server keeps what arrived before the failure.
			s.srv.put(p, []byte("partial"))
		}
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.srv.put(p, data)
	return nil
}

func (s *fakeSession) retrieve(p string) (io.ReadCloser, error) {
	if err := s.srv.call("retrieve"); err != nil {
		return nil, err
	}
	data, ok := s.srv.file(p)
	if !ok {
		return nil, refused("RETR")
	}
	s.srv.mu.Lock()
	cerr := s.srv.completionErr
	s.srv.mu.Unlock()
	if cerr != nil {
		return &abortedBody{Reader: bytes.NewReader(data), err: cerr}, nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// abortedBody delivers its data, then fails on Close like a transfer the
// server aborted after the data channel ended.
type abortedBody struct {
	io.Reader
	err error
}

func (b *abortedBody) Close() error { return b.err }

// recordingMetrics keeps every event as "name:outcome".
type recordingMetrics struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMetrics) add(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, fmt.Sprintf(format, args...))
}

func (m *recordingMetrics) RecordCommand(op string, success bool, _ time.Duration) {
	m.add("command %s:%v", op, success)
}

func (m *recordingMetrics) RecordTransfer(op string, n int64, _ time.Duration) {
	m.add("transfer %s:%d", op, n)
}

func (m *recordingMetrics) RecordConnection(success bool, reason string) {
	m.add("connection %s:%v", reason, success)
}

func (m *recordingMetrics) RecordAuthentication(success bool, user string) {
	m.add("auth %s:%v", user, success)
}

func (m *recordingMetrics) RecordStabilityCheck(stable bool) {
	m.add("stability:%v", stable)
}

func (m *recordingMetrics) has(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e == event {
			return true
		}
	}
	return false
}

func (m *recordingMetrics) countOf(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
