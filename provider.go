package ftps

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"

	"github.com/gonzalop/ftps/internal/ratelimit"
)

// Provider creates Clients for one server. It is safe for concurrent use;
// the Clients it returns are not.
type Provider struct {
	cfg Config

	logger     *slog.Logger
	metrics    MetricsCollector
	tlsContext *TLSContext
	dialer     *net.Dialer
	progress   ProgressFunc
	parsers    []ListingParser
	noEPSV     bool

	limiter    *ratelimit.Limiter
	settings   sessionSettings
	newSession func() sessionClient
}

var _ SessionSource = (*Provider)(nil)

// NewProvider validates cfg and prepares the TLS configuration. Invalid
// configuration and unreadable trust or key stores are reported here rather
// than on first connect.
func NewProvider(cfg Config, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		cfg:     cfg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})),
		metrics: noopMetrics{},
		parsers: defaultParsers(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.tlsContext == nil {
		p.tlsContext = NewTLSContext()
	}

	var tlsBase *tls.Config
	if cfg.tlsEnabled() {
		c, err := p.tlsContext.Config(&p.cfg)
		if err != nil {
			return nil, err
		}
		tlsBase = c
	}

	p.limiter = ratelimit.New(cfg.BandwidthLimit)
	p.settings = sessionSettings{
		cfg:      p.cfg,
		tlsBase:  tlsBase,
		dialer:   p.dialer,
		parsers:  p.parsers,
		limiter:  p.limiter,
		progress: p.progress,
		logger:   p.logger,
		metrics:  p.metrics,
		noEPSV:   p.noEPSV,
	}
	p.newSession = func() sessionClient { return newSession(&p.settings) }
	return p, nil
}

// Config returns the validated configuration.
func (p *Provider) Config() Config { return p.cfg }

// Logger returns the provider's logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// Connect opens a new, logged in Client. A context that is already done
// fails immediately; dialing is bounded by Config.ConnectTimeout.
func (p *Provider) Connect(ctx context.Context) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := newClient(p.newSession, p.logger, p.metrics)
	if err := c.connect(); err != nil {
		p.logger.Error("failed to connect", "addr", p.cfg.Addr(), "error", err)
		return nil, err
	}
	return c, nil
}

// Acquire implements SessionSource.
func (p *Provider) Acquire(ctx context.Context) (*Client, error) {
	return p.Connect(ctx)
}

// Release implements SessionSource. It logs out and closes c.
func (p *Provider) Release(c *Client) {
	if c == nil {
		return
	}
	_ = c.Close()
}

// Validate reports whether c still holds an open session, without network
// I/O.
func (p *Provider) Validate(c *Client) error {
	if c == nil || !c.IsConnected() {
		return opError("validate", p.cfg.Addr(), ErrConnection, nil)
	}
	return nil
}

// Close stops the provider's bandwidth limiter. Clients still open keep
// working, unthrottled.
func (p *Provider) Close() error {
	p.limiter.Stop()
	return nil
}
