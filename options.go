package ftps

import (
	"errors"
	"log/slog"
	"net"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider) error

// WithLogger sets the logger used by the provider and every session it
// opens. Protocol chatter is logged at debug level, state changes at info.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	p, _ := ftps.NewProvider(cfg, ftps.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		p.logger = logger
		return nil
	}
}

// WithMetrics sets the collector that receives command, transfer and
// connection events.
func WithMetrics(m MetricsCollector) Option {
	return func(p *Provider) error {
		if m == nil {
			return errors.New("metrics collector must not be nil")
		}
		p.metrics = m
		return nil
	}
}

// WithTLSContext makes the provider take its TLS configuration from t.
// Providers sharing a TLSContext share one *tls.Config; pass
// SharedTLSContext() for the process-wide one. By default every provider
// gets a context of its own.
func WithTLSContext(t *TLSContext) Option {
	return func(p *Provider) error {
		if t == nil {
			return errors.New("tls context must not be nil")
		}
		p.tlsContext = t
		return nil
	}
}

// WithDialer sets a custom net.Dialer for control and data connections.
// This can be used to configure source addresses, keep-alive settings, etc.
// A zero Timeout is replaced by Config.ConnectTimeout.
func WithDialer(dialer *net.Dialer) Option {
	return func(p *Provider) error {
		p.dialer = dialer
		return nil
	}
}

// WithProgress registers a callback receiving the running byte count of
// every upload and download.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Provider) error {
		p.progress = fn
		return nil
	}
}

// WithDisableEPSV disables the use of the EPSV command.
// By default, sessions try EPSV before falling back to PASV.
// This option forces PASV directly, which can be useful
// for servers that don't support EPSV correctly or are behind firewalls
// that block EPSV.
func WithDisableEPSV() Option {
	return func(p *Provider) error {
		p.noEPSV = true
		return nil
	}
}

// WithCustomListParser adds a custom directory listing parser.
// Custom parsers are tried before the built-in parsers (EPLF, DOS, Unix).
// This allows handling non-standard LIST formats.
func WithCustomListParser(parser ListingParser) Option {
	return func(p *Provider) error {
		p.parsers = append([]ListingParser{parser}, p.parsers...)
		return nil
	}
}
