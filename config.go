package ftps

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // server time zones must resolve on hosts without zoneinfo
)

// TLSMode selects how the control channel is protected.
type TLSMode string

const (
	// TLSExplicit connects in plain text and upgrades with AUTH TLS.
	TLSExplicit TLSMode = "explicit"
	// TLSImplicit starts the TLS handshake immediately (usually port 990).
	TLSImplicit TLSMode = "implicit"
	// TLSNone disables TLS. Only useful against test servers.
	TLSNone TLSMode = "none"
)

// StoreType is the encoding of a trust or key store.
type StoreType string

const (
	StorePEM    StoreType = "PEM"
	StorePKCS12 StoreType = "PKCS12"
	StoreJKS    StoreType = "JKS"
)

// TrustStore holds the CA certificates used to verify the server.
type TrustStore struct {
	Path     string    `mapstructure:"path"`
	Password string    `mapstructure:"password"`
	Type     StoreType `mapstructure:"type"`
}

// KeyStore holds the client certificate and key presented to the server.
type KeyStore struct {
	Path        string    `mapstructure:"path"`
	Password    string    `mapstructure:"password"`
	KeyPassword string    `mapstructure:"key_password"`
	Alias       string    `mapstructure:"alias"`
	Type        StoreType `mapstructure:"type"`
}

// Config describes how to reach and talk to one FTPS server.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// ConnectTimeout bounds dialing and TLS handshakes.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// SocketTimeout bounds every read and write on the control and data
	// channels.
	SocketTimeout time.Duration `mapstructure:"socket_timeout"`

	// BufferSize is the copy buffer used for transfers.
	BufferSize int `mapstructure:"buffer_size"`

	// DebugCommands logs every command and reply at info level.
	DebugCommands bool `mapstructure:"debug_commands"`

	// SessionReuse requires data channels to resume the control channel's
	// TLS session.
	SessionReuse bool `mapstructure:"session_reuse"`

	// ServerTimeZone is the IANA zone used for LIST timestamps.
	ServerTimeZone string `mapstructure:"server_time_zone"`

	// TLSv12Only pins the protocol version to TLS 1.2.
	TLSv12Only bool `mapstructure:"tls_v12_only"`

	// CertificateValidation verifies the server certificate chain and host name.
	CertificateValidation bool `mapstructure:"certificate_validation"`

	TLSMode    TLSMode    `mapstructure:"tls_mode"`
	TrustStore TrustStore `mapstructure:"trust_store"`
	KeyStore   KeyStore   `mapstructure:"key_store"`

	// BandwidthLimit caps transfer speed in bytes per second. Zero is unlimited.
	BandwidthLimit int64 `mapstructure:"bandwidth_limit"`

	// MaxRecursionDepth bounds recursive directory deletion. Zero means
	// DefaultMaxRecursionDepth.
	MaxRecursionDepth int `mapstructure:"max_recursion_depth"`
}

// Defaults.
const (
	DefaultPort              = 21
	DefaultConnectTimeout    = 60 * time.Second
	DefaultSocketTimeout     = 3600 * time.Second
	DefaultBufferSize        = 8192
	DefaultServerTimeZone    = "Europe/London"
	DefaultMaxRecursionDepth = 64
)

// DefaultConfig returns a Config with the default values filled in.
func DefaultConfig() Config {
	return Config{
		Port:                  DefaultPort,
		ConnectTimeout:        DefaultConnectTimeout,
		SocketTimeout:         DefaultSocketTimeout,
		BufferSize:            DefaultBufferSize,
		SessionReuse:          true,
		ServerTimeZone:        DefaultServerTimeZone,
		TLSv12Only:            true,
		CertificateValidation: true,
		TLSMode:               TLSExplicit,
		MaxRecursionDepth:     DefaultMaxRecursionDepth,
	}
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.ConnectTimeout < 0 || c.SocketTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ServerTimeZone == "" {
		c.ServerTimeZone = DefaultServerTimeZone
	}
	if _, err := time.LoadLocation(c.ServerTimeZone); err != nil {
		errs = append(errs, fmt.Errorf("server time zone: %w", err))
	}
	if c.MaxRecursionDepth <= 0 {
		c.MaxRecursionDepth = DefaultMaxRecursionDepth
	}
	if c.BandwidthLimit < 0 {
		errs = append(errs, errors.New("bandwidth limit must not be negative"))
	}

	switch TLSMode(strings.ToLower(string(c.TLSMode))) {
	case "", TLSExplicit:
		c.TLSMode = TLSExplicit
	case TLSImplicit:
		c.TLSMode = TLSImplicit
	case TLSNone:
		c.TLSMode = TLSNone
	default:
		errs = append(errs, fmt.Errorf("unknown tls mode %q", c.TLSMode))
	}

	for name, t := range map[string]StoreType{"trust store": c.TrustStore.Type, "key store": c.KeyStore.Type} {
		if _, err := normalizeStoreType(t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func normalizeStoreType(t StoreType) (StoreType, error) {
	switch StoreType(strings.ToUpper(string(t))) {
	case "", StorePEM:
		return StorePEM, nil
	case StorePKCS12, "P12", "PFX":
		return StorePKCS12, nil
	case StoreJKS:
		return StoreJKS, nil
	default:
		return "", fmt.Errorf("unsupported store type %q", t)
	}
}

func (c *Config) location() *time.Location {
	loc, err := time.LoadLocation(c.ServerTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) tlsEnabled() bool {
	return c.TLSMode != TLSNone
}
