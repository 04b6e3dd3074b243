package ftps

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
)

// fakeSource hands out clients of a fakeServer.
type fakeSource struct {
	srv *fakeServer
	err error

	mu       sync.Mutex
	acquired int
	released int
}

func (s *fakeSource) Acquire(context.Context) (*Client, error) {
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c := newClient(s.srv.newSession, discardLogger(), nil)
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *fakeSource) Release(c *Client) {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	_ = c.Close()
}

func newStream(src SessionSource, intent TransferIntent) *TransferStream {
	rec := FileRecord{Dir: intent.Dir, Name: intent.Name, Kind: KindFile, ModTime: intent.Timestamp}
	return newTransferStream(context.Background(), src, rec, intent, discardLogger())
}

func TestTransferStream_DeleteAfterRead(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", []byte("hello"))
	src := &fakeSource{srv: srv}

	ts := newStream(src, TransferIntent{Dir: "/in", Name: "a.txt", DeleteAfterRead: true})
	data, err := io.ReadAll(ts)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("read %q, want %q", data, "hello")
	}
	if err := ts.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ts.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, ok := srv.file("/in/a.txt"); ok {
		t.Error("file not deleted")
	}
	if got := srv.count("delete"); got != 1 {
		t.Errorf("DELE calls = %d, want 1", got)
	}
	if src.acquired != 1 || src.released != 1 {
		t.Errorf("acquired %d, released %d; want 1 and 1", src.acquired, src.released)
	}
	if _, err := ts.Read(make([]byte, 1)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Read after Close = %v, want ErrStreamClosed", err)
	}
}

func TestTransferStream_IntermediateDeleteAfterRead(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", []byte("hello"))
	src := &fakeSource{srv: srv}

	ts := newStream(src, TransferIntent{Dir: "/in", Name: "a.txt", DeleteAfterRead: true, Intermediate: true, Timestamp: fakeModTime})
	if _, err := io.ReadAll(ts); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got, want := ts.RemotePath(), "/in/__20240305140709000_a.txt"; got != want {
		t.Errorf("RemotePath() = %q, want %q", got, want)
	}
	_ = ts.Close()

	if len(srv.files) != 0 {
		t.Errorf("files left: %v", srv.files)
	}
	if srv.count("delete") != 1 || srv.count("rename") != 1 {
		t.Errorf("DELE = %d, RNFR/RNTO = %d; want 1 and 1", srv.count("delete"), srv.count("rename"))
	}
}

func TestTransferStream_AbandonedReadRollsBack(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", []byte("hello"))
	src := &fakeSource{srv: srv}

	ts := newStream(src, TransferIntent{Dir: "/in", Name: "a.txt", DeleteAfterRead: true, Intermediate: true})
	buf := make([]byte, 2)
	if n, err := ts.Read(buf); err != nil || n != 2 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if _, ok := srv.file("/in/__TS_a.txt"); !ok {
		t.Fatal("file not staged while reading")
	}
	_ = ts.Close()

	if _, ok := srv.file("/in/a.txt"); !ok {
		t.Error("original name not restored")
	}
	if got := srv.count("delete"); got != 0 {
		t.Errorf("DELE calls = %d, want 0", got)
	}
	if got := srv.count("rename"); got != 2 {
		t.Errorf("renames = %d, want 2", got)
	}
	if ts.RemotePath() != "/in/a.txt" {
		t.Errorf("RemotePath() = %q", ts.RemotePath())
	}
}

func TestTransferStream_FinishedStagedReadKeepsIntermediateName(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", []byte("hello"))
	src := &fakeSource{srv: srv}

	ts := newStream(src, TransferIntent{Dir: "/in", Name: "a.txt", Intermediate: true})
	if _, err := io.ReadAll(ts); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	_ = ts.Close()

	if _, ok := srv.file("/in/__TS_a.txt"); !ok {
		t.Error("finished staged read did not keep the intermediate name")
	}
	if srv.count("rename") != 1 || srv.count("delete") != 0 {
		t.Errorf("renames = %d, deletes = %d", srv.count("rename"), srv.count("delete"))
	}
}

func TestTransferStream_UnreadCloseIsLocal(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", []byte("hello"))
	src := &fakeSource{srv: srv}

	ts := newStream(src, TransferIntent{Dir: "/in", Name: "a.txt", DeleteAfterRead: true, Intermediate: true})
	if err := ts.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if src.acquired != 0 {
		t.Errorf("unread stream acquired %d clients", src.acquired)
	}
	if _, ok := srv.file("/in/a.txt"); !ok {
		t.Error("unread stream touched the file")
	}
}

func TestTransferStream_OpenFailureIsSticky(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	src := &fakeSource{srv: srv, err: opError("connect", "ftp:21", ErrConnection, io.EOF)}

	ts := newStream(src, TransferIntent{Dir: "/in", Name: "a.txt"})
	for i := range 2 {
		if _, err := ts.Read(make([]byte, 8)); !errors.Is(err, ErrConnection) {
			t.Fatalf("Read %d = %v, want ErrConnection", i, err)
		}
	}
	if src.acquired != 1 {
		t.Errorf("Acquire calls = %d, want 1", src.acquired)
	}
	if err := ts.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestTransferStream_RetrieveFailureRestoresName(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", []byte("hello"))
	srv.failNext("retrieve", &ProtocolError{Command: "RETR", Response: "Denied", Code: 550})
	src := &fakeSource{srv: srv}

	ts := newStream(src, TransferIntent{Dir: "/in", Name: "a.txt", Intermediate: true})
	if _, err := ts.Read(make([]byte, 8)); !errors.Is(err, ErrOperationFailed) {
		t.Fatalf("Read = %v, want ErrOperationFailed", err)
	}
	if _, ok := srv.file("/in/a.txt"); !ok {
		t.Error("original name not restored after failed open")
	}
	if src.released != 1 {
		t.Errorf("released = %d, want 1", src.released)
	}
	_ = ts.Close()
	if src.released != 1 {
		t.Errorf("client released twice")
	}
}

func TestTransferStream_AbortedTransferKeepsFile(t *testing.T) {
	t.Parallel()
	aborted := &ProtocolError{Command: "DATA_TRANSFER", Response: "Transfer aborted", Code: 426}
	tests := []struct {
		name        string
		intent      TransferIntent
		wantRenames int
	}{
		{"delete after read", TransferIntent{Dir: "/in", Name: "a.txt", DeleteAfterRead: true}, 0},
		{"staged delete after read", TransferIntent{Dir: "/in", Name: "a.txt", DeleteAfterRead: true, Intermediate: true, Timestamp: fakeModTime}, 2},
		{"staged", TransferIntent{Dir: "/in", Name: "a.txt", Intermediate: true, Timestamp: fakeModTime}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newFakeServer()
			srv.put("/in/a.txt", []byte("partial"))
			srv.completionErr = aborted
			src := &fakeSource{srv: srv}

			ts := newStream(src, tt.intent)
			data, err := io.ReadAll(ts)
			if !errors.Is(err, ErrOperationFailed) {
				t.Fatalf("ReadAll = %q, %v; want ErrOperationFailed", data, err)
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.Code != 426 {
				t.Errorf("error %v does not carry the 426 reply", err)
			}
			if _, again := ts.Read(make([]byte, 8)); again != err {
				t.Errorf("second Read = %v, want the same error", again)
			}

			if err := ts.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if got := srv.count("delete"); got != 0 {
				t.Errorf("DELE calls = %d, want 0", got)
			}
			if got := srv.count("rename"); got != tt.wantRenames {
				t.Errorf("RNFR calls = %d, want %d", got, tt.wantRenames)
			}
			if _, ok := srv.file("/in/a.txt"); !ok {
				t.Errorf("file not kept under its original name: %v", fileNames(srv))
			}
			if src.released != 1 {
				t.Errorf("released = %d, want 1", src.released)
			}
		})
	}
}
