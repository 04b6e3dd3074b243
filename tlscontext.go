package ftps

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
)

// TLSContext builds the TLS client configuration shared by all sessions of
// a provider. The configuration is built once, on first use, from the first
// Config presented to it; later calls return the same value. There is no
// teardown.
type TLSContext struct {
	mu     sync.Mutex
	config atomic.Pointer[tls.Config]
}

// NewTLSContext returns an empty context.
func NewTLSContext() *TLSContext {
	return &TLSContext{}
}

var sharedTLSContext = NewTLSContext()

// SharedTLSContext returns the process-wide context. Providers only use it
// when it is passed to them with WithTLSContext.
func SharedTLSContext() *TLSContext {
	return sharedTLSContext
}

// Config returns the shared configuration, building it from cfg if needed.
// Callers must Clone the result before changing it.
func (t *TLSContext) Config(cfg *Config) (*tls.Config, error) {
	if c := t.config.Load(); c != nil {
		return c, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c := t.config.Load(); c != nil {
		return c, nil
	}

	c, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	t.config.Store(c)
	return c, nil
}

// Built reports whether the configuration has been built.
func (t *TLSContext) Built() bool {
	return t.config.Load() != nil
}

func buildTLSConfig(cfg *Config) (*tls.Config, error) {
	c := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !cfg.CertificateValidation,
	}
	if cfg.TLSv12Only {
		c.MaxVersion = tls.VersionTLS12
	}

	if cfg.TrustStore.Path != "" {
		pool, err := loadTrustStore(cfg.TrustStore)
		if err != nil {
			return nil, fmt.Errorf("tls context: %w", err)
		}
		c.RootCAs = pool
	}

	if cfg.KeyStore.Path != "" {
		cert, err := loadKeyStore(cfg.KeyStore)
		if err != nil {
			return nil, fmt.Errorf("tls context: %w", err)
		}
		c.Certificates = []tls.Certificate{cert}
	}

	return c, nil
}
