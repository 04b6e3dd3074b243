package ftps

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestClient_SucceedsWithoutReconnect(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", []byte("hello"))
	m := &recordingMetrics{}
	c := srv.client(t, m)

	mtime, err := c.ModTime("/in/a.txt")
	if err != nil {
		t.Fatalf("ModTime: %v", err)
	}
	if !mtime.Equal(fakeModTime) {
		t.Errorf("ModTime = %v, want %v", mtime, fakeModTime)
	}
	if srv.sessionCount() != 1 {
		t.Errorf("sessions = %d, want 1", srv.sessionCount())
	}
	if srv.count("prepare") != 1 {
		t.Errorf("prepare calls = %d, want 1", srv.count("prepare"))
	}
	if !m.has("command stat:true") || !m.has("connection connect:true") {
		t.Errorf("metrics = %v", m.events)
	}
}

func TestClient_ReconnectsOnceAfterConnectionFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{"closed control channel", fmt.Errorf("failed to read MDTM response: %w", io.EOF)},
		{"service closing", &ProtocolError{Command: "MDTM", Response: "Timeout", Code: 421}},
		{"invalid session", fmt.Errorf("data channel: %w", ErrInvalidSession)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newFakeServer()
			srv.put("/in/a.txt", []byte("hello"))
			m := &recordingMetrics{}
			c := srv.client(t, m)
			srv.failNext("modTime", tt.err)

			if _, err := c.ModTime("/in/a.txt"); err != nil {
				t.Fatalf("ModTime: %v", err)
			}
			if got := srv.sessionCount(); got != 2 {
				t.Errorf("sessions = %d, want 2", got)
			}
			if got := srv.count("modTime"); got != 2 {
				t.Errorf("MDTM calls = %d, want 2", got)
			}
			if old := srv.sessions[0]; !old.loggedOut || old.open {
				t.Error("old session was not logged out and closed")
			}
			if !m.has("connection reconnect:true") {
				t.Errorf("metrics = %v", m.events)
			}
			if n := m.countOf("command stat:true"); n != 1 {
				t.Errorf("stat recorded %d times, want once", n)
			}
		})
	}
}

func TestClient_NoThirdAttempt(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", nil)
	c := srv.client(t, nil)
	srv.failNext("modTime", io.EOF, io.EOF, io.EOF)

	_, err := c.ModTime("/in/a.txt")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
	if got := srv.count("modTime"); got != 2 {
		t.Errorf("MDTM calls = %d, want 2", got)
	}
	if got := srv.sessionCount(); got != 2 {
		t.Errorf("sessions = %d, want 2", got)
	}
}

func TestClient_InvalidSessionTwice(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", []byte("x"))
	c := srv.client(t, nil)
	invalid := fmt.Errorf("data channel handshake was not resumed: %w", ErrInvalidSession)
	srv.failNext("retrieve", invalid, invalid)

	_, err := c.Retrieve("/in/a.txt")
	if !errors.Is(err, ErrConnection) {
		t.Errorf("error = %v, want ErrConnection", err)
	}
	if !errors.Is(err, ErrInvalidSession) {
		t.Errorf("error = %v, want ErrInvalidSession in chain", err)
	}
	var oe *OpError
	if !errors.As(err, &oe) || oe.Op != opRetrieve || oe.Path != "/in/a.txt" {
		t.Errorf("OpError = %+v", oe)
	}
}

func TestClient_PermanentReplyIsNotRetried(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	c := srv.client(t, nil)

	_, err := c.ModTime("/in/missing.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if srv.sessionCount() != 1 {
		t.Errorf("reconnected on a permanent reply")
	}

	err = c.Delete("/in/missing.txt")
	if !errors.Is(err, ErrOperationFailed) {
		t.Errorf("Delete error = %v, want ErrOperationFailed", err)
	}
}

func TestClient_ReconnectFailure(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.put("/in/a.txt", nil)
	m := &recordingMetrics{}
	c := srv.client(t, m)
	srv.failNext("modTime", io.EOF)
	srv.failNext("connect", errors.New("connection refused"))

	_, err := c.ModTime("/in/a.txt")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
	if got := srv.count("modTime"); got != 1 {
		t.Errorf("MDTM calls = %d, want 1", got)
	}
	if !m.has("connection reconnect:false") || !m.has("command stat:false") {
		t.Errorf("metrics = %v", m.events)
	}
}

func TestClient_PrepareFailureTriggersReconnect(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	c := srv.client(t, nil)
	srv.failNext("prepare", fmt.Errorf("PROT: %w", io.EOF))

	if err := c.MakeDir("/out"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	if srv.sessionCount() != 2 {
		t.Errorf("sessions = %d, want 2", srv.sessionCount())
	}
	// Reconnect prepares the new session, then the retry prepares again.
	if got := srv.count("prepare"); got != 3 {
		t.Errorf("prepare calls = %d, want 3", got)
	}
}

func TestClient_StoreRewind(t *testing.T) {
	t.Parallel()

	t.Run("seekable source is rewound", func(t *testing.T) {
		t.Parallel()
		srv := newFakeServer()
		srv.partial = 5
		c := srv.client(t, nil)
		srv.failNext("store", io.ErrUnexpectedEOF)

		src := bytes.NewReader([]byte("hello world"))
		if err := c.Store("/out/a.txt", src); err != nil {
			t.Fatalf("Store: %v", err)
		}
		data, _ := srv.file("/out/a.txt")
		if string(data) != "hello world" {
			t.Errorf("stored %q, want %q", data, "hello world")
		}
		if srv.count("delete") != 1 {
			t.Errorf("partial target deletions = %d, want 1", srv.count("delete"))
		}
	})

	t.Run("seekable source rewinds to its start offset", func(t *testing.T) {
		t.Parallel()
		srv := newFakeServer()
		srv.partial = 3
		c := srv.client(t, nil)
		srv.failNext("store", io.EOF)

		src := bytes.NewReader([]byte("skip:payload"))
		if _, err := src.Seek(5, io.SeekStart); err != nil {
			t.Fatal(err)
		}
		if err := c.Store("/out/a.txt", src); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if data, _ := srv.file("/out/a.txt"); string(data) != "payload" {
			t.Errorf("stored %q, want %q", data, "payload")
		}
	})

	t.Run("consumed stream is not retried", func(t *testing.T) {
		t.Parallel()
		srv := newFakeServer()
		srv.partial = 5
		c := srv.client(t, nil)
		srv.failNext("store", io.EOF)

		src := io.MultiReader(strings.NewReader("hello world"))
		err := c.Store("/out/a.txt", src)
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("error = %v, want ErrConnection", err)
		}
		if got := srv.count("store"); got != 1 {
			t.Errorf("store calls = %d, want 1", got)
		}
	})

	t.Run("untouched stream is retried", func(t *testing.T) {
		t.Parallel()
		srv := newFakeServer()
		c := srv.client(t, nil)
		srv.failNext("store", io.EOF)

		src := io.MultiReader(strings.NewReader("hello"))
		if err := c.Store("/out/a.txt", src); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if data, _ := srv.file("/out/a.txt"); string(data) != "hello" {
			t.Errorf("stored %q", data)
		}
	})
}

func TestClient_List(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.dirs["/in"] = true
	srv.dirs["/in/sub"] = true
	srv.put("/in/a.txt", []byte("a"))
	srv.put("/in/b.txt", []byte("bb"))
	c := srv.client(t, nil)

	all, err := c.List("/in")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, r := range all {
		names = append(names, r.Name)
	}
	if got := strings.Join(names, ","); got != "a.txt,b.txt,sub" {
		t.Errorf("List names = %s", got)
	}

	files, err := c.ListFiles("/in")
	if err != nil || len(files) != 2 {
		t.Errorf("ListFiles = %v, %v", files, err)
	}
	dirs, err := c.ListDirectories("/in")
	if err != nil || len(dirs) != 1 || dirs[0].Name != "sub" {
		t.Errorf("ListDirectories = %v, %v", dirs, err)
	}

	if _, err := c.List("/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("List(missing) error = %v, want ErrNotFound", err)
	}
}

func TestClient_CloseSwallowsErrors(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	c := srv.client(t, nil)
	srv.failNext("logout", io.EOF)

	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() after Close")
	}
}

func TestClient_StateWithoutSession(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	c := newClient(srv.newSession, discardLogger(), nil)

	if c.IsConnected() || c.IsAvailable() {
		t.Error("client without session reports connected")
	}
	if c.Home() != "/" {
		t.Errorf("Home() = %q, want /", c.Home())
	}
	// The first operation establishes a session through the reconnect path.
	if err := c.MakeDir("/x"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	if !c.IsConnected() || c.Home() != "/home" {
		t.Errorf("connected = %v, home = %q", c.IsConnected(), c.Home())
	}
}
