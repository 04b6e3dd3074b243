// Package config loads ftps.Config from a file and the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/gonzalop/ftps"
)

// EnvPrefix prefixes the environment variables read by Load, e.g.
// FTPS_HOST or FTPS_TRUST_STORE_PATH.
const EnvPrefix = "FTPS"

// Load reads path (yaml, toml or json, chosen by extension) when it is not
// empty, overlays FTPS_* environment variables and returns the validated
// configuration. Unset keys keep the values of ftps.DefaultConfig.
func Load(path string) (ftps.Config, error) {
	v := viper.New()
	setDefaults(v, ftps.DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ftps.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg ftps.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return ftps.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ftps.Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key, so AutomaticEnv can resolve it during
// Unmarshal even when the file does not mention it.
func setDefaults(v *viper.Viper, d ftps.Config) {
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("username", d.Username)
	v.SetDefault("password", d.Password)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("socket_timeout", d.SocketTimeout)
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("debug_commands", d.DebugCommands)
	v.SetDefault("session_reuse", d.SessionReuse)
	v.SetDefault("server_time_zone", d.ServerTimeZone)
	v.SetDefault("tls_v12_only", d.TLSv12Only)
	v.SetDefault("certificate_validation", d.CertificateValidation)
	v.SetDefault("tls_mode", string(d.TLSMode))
	v.SetDefault("bandwidth_limit", d.BandwidthLimit)
	v.SetDefault("max_recursion_depth", d.MaxRecursionDepth)

	v.SetDefault("trust_store.path", "")
	v.SetDefault("trust_store.password", "")
	v.SetDefault("trust_store.type", "")

	v.SetDefault("key_store.path", "")
	v.SetDefault("key_store.password", "")
	v.SetDefault("key_store.key_password", "")
	v.SetDefault("key_store.alias", "")
	v.SetDefault("key_store.type", "")
}
