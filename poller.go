package ftps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// PollerConfig describes what a Poller picks up and what it does with a
// file after handing it out.
type PollerConfig struct {
	Request ListRequest

	// AutoDelete deletes the file after it was handled.
	AutoDelete bool

	// RenameTo renames the file after it was handled. Combined with
	// MoveToDirectory the file is moved under the new name.
	RenameTo string

	// MoveToDirectory moves the file into this directory after it was
	// handled.
	MoveToDirectory string

	// ApplyOnFailure runs the post action even when the handler failed.
	ApplyOnFailure bool

	// Watermark skips files not modified after the newest file handled by
	// a previous pass. The watermark lives in memory only.
	Watermark bool
}

// Item is one file handed to a Handler.
type Item struct {
	Result

	// ID identifies the file: its remote path.
	ID string

	// Watermark is the file's modification time when watermarking is on.
	Watermark time.Time
}

// Handler processes one polled file. Reading Item.Stream downloads it; the
// poller closes the stream after the handler returns.
type Handler func(ctx context.Context, item Item) error

// Poller lists a directory and feeds matching files to a Handler, one pass
// per Poll call. Scheduling the passes is up to the caller.
type Poller struct {
	ops    *Operations
	cfg    PollerConfig
	logger *slog.Logger

	mu        sync.Mutex
	watermark time.Time
}

// NewPoller returns a poller over ops.
func NewPoller(ops *Operations, cfg PollerConfig) *Poller {
	return &Poller{ops: ops, cfg: cfg, logger: ops.logger.With("poll_dir", cfg.Request.Dir)}
}

// Watermark returns the modification time of the newest file handled so far.
func (p *Poller) Watermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Poll runs one pass. Handler errors are collected and returned together
// after the pass; post action failures are only logged. A cancelled ctx
// stops the pass and the streams of files not yet handled are closed.
func (p *Poller) Poll(ctx context.Context, h Handler) error {
	req := p.cfg.Request
	if p.cfg.Watermark {
		if wm := p.Watermark(); !wm.IsZero() {
			req.Match = And(req.Match, MatchModifiedAfter(wm))
		}
	}

	results, err := p.ops.List(ctx, req)
	if err != nil {
		return err
	}
	p.logger.Debug("poll pass", "files", len(results))

	var handlerErrs *multierror.Error
	for i, res := range results {
		if err := ctx.Err(); err != nil {
			for _, rest := range results[i:] {
				_ = rest.Stream.Close()
			}
			return err
		}

		item := Item{Result: res, ID: res.Record.Path()}
		if p.cfg.Watermark {
			item.Watermark = res.Record.ModTime
		}

		herr := h(ctx, item)
		_ = res.Stream.Close()

		if herr != nil {
			p.logger.Warn("handler failed", "id", item.ID, "error", herr)
			handlerErrs = multierror.Append(handlerErrs, fmt.Errorf("%s: %w", item.ID, herr))
		} else {
			p.advance(res.Record.ModTime)
		}

		if herr == nil || p.cfg.ApplyOnFailure {
			p.postAction(ctx, res)
		}
	}
	return handlerErrs.ErrorOrNil()
}

func (p *Poller) advance(t time.Time) {
	if !p.cfg.Watermark {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.After(p.watermark) {
		p.watermark = t
	}
}

func (p *Poller) postAction(ctx context.Context, res Result) {
	rec := res.Record
	moving := p.cfg.RenameTo != "" || p.cfg.MoveToDirectory != ""
	if !p.cfg.AutoDelete && !moving {
		return
	}

	current := res.Stream.RemotePath()
	err := p.ops.withClient(ctx, "post-action", func(c *Client) error {
		if p.cfg.AutoDelete {
			return c.Delete(current)
		}
		dir, name := rec.Dir, rec.Name
		if p.cfg.MoveToDirectory != "" {
			dir = p.cfg.MoveToDirectory
		}
		if p.cfg.RenameTo != "" {
			name = p.cfg.RenameTo
		}
		return c.Rename(current, trimPath(dir, name))
	})
	if err != nil {
		p.logger.Warn("post action failed", "id", rec.Path(), "error", err)
	}
}
