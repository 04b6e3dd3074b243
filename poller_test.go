package ftps

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"
)

var errHandler = errors.New("handler failed")

func newPollerEnv(files ...string) (*fakeServer, *Operations) {
	srv := newFakeServer()
	srv.dirs["/in"] = true
	for _, name := range files {
		srv.put("/in/"+name, []byte("content of "+name))
	}
	ops := &Operations{
		source:   &fakeSource{srv: srv},
		logger:   discardLogger(),
		metrics:  noopMetrics{},
		maxDepth: DefaultMaxRecursionDepth,
		sleep:    func(time.Duration) {},
	}
	return srv, ops
}

func fileNames(srv *fakeServer) []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	var names []string
	for p := range srv.files {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

func TestPoller_PostActions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  PollerConfig
		want []string
	}{
		{"none", PollerConfig{}, []string{"/in/a.txt"}},
		{"auto delete", PollerConfig{AutoDelete: true}, nil},
		{"move", PollerConfig{MoveToDirectory: "/done"}, []string{"/done/a.txt"}},
		{"rename", PollerConfig{RenameTo: "a.bak"}, []string{"/in/a.bak"}},
		{"move and rename", PollerConfig{MoveToDirectory: "/done", RenameTo: "b.txt"}, []string{"/done/b.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, ops := newPollerEnv("a.txt")
			tt.cfg.Request = ListRequest{Dir: "/in"}
			p := NewPoller(ops, tt.cfg)

			var got string
			err := p.Poll(context.Background(), func(_ context.Context, item Item) error {
				data, err := io.ReadAll(item.Stream)
				got = string(data)
				return err
			})
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if got != "content of a.txt" {
				t.Errorf("handler read %q", got)
			}
			if names := fileNames(srv); strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("files = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestPoller_HandlerErrorsAreAggregated(t *testing.T) {
	t.Parallel()
	srv, ops := newPollerEnv("a.txt", "b.txt", "c.txt")
	p := NewPoller(ops, PollerConfig{Request: ListRequest{Dir: "/in"}, AutoDelete: true})

	var seen []string
	err := p.Poll(context.Background(), func(_ context.Context, item Item) error {
		seen = append(seen, item.ID)
		if item.Record.Name != "b.txt" {
			return errHandler
		}
		return nil
	})
	if !errors.Is(err, errHandler) {
		t.Fatalf("Poll() = %v, want the handler error", err)
	}
	if !containsAll(err.Error(), "/in/a.txt", "/in/c.txt") {
		t.Errorf("error does not name the failed files: %v", err)
	}
	if strings.Join(seen, ",") != "/in/a.txt,/in/b.txt,/in/c.txt" {
		t.Errorf("handled %v", seen)
	}
	// Only the handled file is deleted.
	if names := fileNames(srv); strings.Join(names, ",") != "/in/a.txt,/in/c.txt" {
		t.Errorf("files = %v", names)
	}
}

func TestPoller_ApplyOnFailure(t *testing.T) {
	t.Parallel()
	srv, ops := newPollerEnv("a.txt")
	p := NewPoller(ops, PollerConfig{Request: ListRequest{Dir: "/in"}, AutoDelete: true, ApplyOnFailure: true})

	err := p.Poll(context.Background(), func(context.Context, Item) error { return errHandler })
	if !errors.Is(err, errHandler) {
		t.Fatalf("Poll() = %v", err)
	}
	if names := fileNames(srv); len(names) != 0 {
		t.Errorf("files = %v, want none", names)
	}
}

func TestPoller_Watermark(t *testing.T) {
	t.Parallel()
	_, ops := newPollerEnv("a.txt", "b.txt")
	p := NewPoller(ops, PollerConfig{Request: ListRequest{Dir: "/in"}, Watermark: true})

	var calls int
	h := func(_ context.Context, item Item) error {
		calls++
		if !item.Watermark.Equal(fakeModTime) {
			t.Errorf("item watermark = %v", item.Watermark)
		}
		return nil
	}
	if err := p.Poll(context.Background(), h); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if calls != 2 {
		t.Fatalf("first pass handled %d files, want 2", calls)
	}
	if !p.Watermark().Equal(fakeModTime) {
		t.Errorf("Watermark() = %v, want %v", p.Watermark(), fakeModTime)
	}

	if err := p.Poll(context.Background(), h); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if calls != 2 {
		t.Errorf("second pass handled %d files already seen", calls-2)
	}
}

func TestPoller_WatermarkHoldsOnFailure(t *testing.T) {
	t.Parallel()
	_, ops := newPollerEnv("a.txt")
	p := NewPoller(ops, PollerConfig{Request: ListRequest{Dir: "/in"}, Watermark: true})

	_ = p.Poll(context.Background(), func(context.Context, Item) error { return errHandler })
	if !p.Watermark().IsZero() {
		t.Errorf("Watermark() = %v after a failed pass", p.Watermark())
	}
}

func TestPoller_CancelledDuringPass(t *testing.T) {
	t.Parallel()
	srv, ops := newPollerEnv("a.txt", "b.txt")
	p := NewPoller(ops, PollerConfig{Request: ListRequest{Dir: "/in"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	err := p.Poll(ctx, func(context.Context, Item) error {
		calls++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Poll() = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if srv.count("retrieve") != 0 {
		t.Error("unread streams were opened")
	}
}

func TestPoller_ListFailure(t *testing.T) {
	t.Parallel()
	_, ops := newPollerEnv()
	p := NewPoller(ops, PollerConfig{Request: ListRequest{Dir: "/missing"}})

	err := p.Poll(context.Background(), func(context.Context, Item) error {
		t.Error("handler called")
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Poll() = %v, want ErrNotFound", err)
	}
}
