package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/hostvisor/internal/backend"
	"github.com/loykin/hostvisor/internal/env"
	"github.com/loykin/hostvisor/internal/install"
	"github.com/loykin/hostvisor/internal/logger"
	"github.com/loykin/hostvisor/internal/oplog"
)

// EnvPrefix is the prefix of environment overrides, e.g. HOSTVISOR_PORT or
// HOSTVISOR_SERVER_LISTEN.
const EnvPrefix = "HOSTVISOR"

// Config is the top-level TOML structure.
type Config struct {
	Port            int           `toml:"port" mapstructure:"port"`
	DevMode         bool          `toml:"dev_mode" mapstructure:"dev_mode"`
	LogCapacity     int           `toml:"log_capacity" mapstructure:"log_capacity"`
	PreferencesFile string        `toml:"preferences_file" mapstructure:"preferences_file"`
	Install         InstallConfig `toml:"install" mapstructure:"install"`
	Backend         BackendConfig `toml:"backend" mapstructure:"backend"`
	Log             LogConfig     `toml:"log" mapstructure:"log"`
	Server          ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics         MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History         HistoryConfig `toml:"history" mapstructure:"history"`
}

type InstallConfig struct {
	BundleDir      string   `toml:"bundle_dir" mapstructure:"bundle_dir"`
	DataDir        string   `toml:"data_dir" mapstructure:"data_dir"`
	ExecutableName string   `toml:"executable_name" mapstructure:"executable_name"`
	PlatformTags   []string `toml:"platform_tags" mapstructure:"platform_tags"`
	// HostVersion overrides the build version used in the install stamp.
	HostVersion string `toml:"host_version" mapstructure:"host_version"`
}

type BackendConfig struct {
	GracePeriod time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	KillTimeout time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	WorkDir     string        `toml:"work_dir" mapstructure:"work_dir"`
	Env         []string      `toml:"env" mapstructure:"env"`
	EnvFiles    []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv    bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	// FallbackHost is the interface the dev fallback binds to.
	FallbackHost string `toml:"fallback_host" mapstructure:"fallback_host"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamp  bool   `toml:"timestamp" mapstructure:"timestamp"`
	File       string `toml:"file" mapstructure:"file"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	// RefreshInterval is how often the reachable URL is recomputed.
	RefreshInterval time.Duration `toml:"refresh_interval" mapstructure:"refresh_interval"`
	AllowedOrigins  []string      `toml:"allowed_origins" mapstructure:"allowed_origins"`
	TLS             TLSConfig     `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the control API. Either CertFile/KeyFile or
// Dir (holding tls.crt and tls.key) must be set; with AutoGenerate a
// self-signed pair is created in Dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// SampleInterval drives the child resource sampler; zero disables it.
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("dev_mode", false)
	v.SetDefault("log_capacity", oplog.DefaultCapacity)
	v.SetDefault("preferences_file", "")

	v.SetDefault("install.bundle_dir", "bundle")
	v.SetDefault("install.data_dir", "data")
	v.SetDefault("install.executable_name", install.DefaultExecutableName())
	v.SetDefault("install.platform_tags", install.DefaultPlatformTags())
	v.SetDefault("install.host_version", "")

	v.SetDefault("backend.grace_period", backend.DefaultGracePeriod)
	v.SetDefault("backend.stop_timeout", backend.DefaultStopTimeout)
	v.SetDefault("backend.kill_timeout", backend.DefaultKillTimeout)
	v.SetDefault("backend.work_dir", "")
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_files", []string{})
	v.SetDefault("backend.use_os_env", true)
	v.SetDefault("backend.fallback_host", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamp", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("server.listen", "127.0.0.1:9090")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.refresh_interval", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.common_name", "localhost")
	v.SetDefault("server.tls.dns_names", []string{"localhost"})
	v.SetDefault("server.tls.ip_addresses", []string{"127.0.0.1"})
	v.SetDefault("server.tls.valid_days", 365)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sample_interval", 5*time.Second)

	v.SetDefault("history.dsn", "")
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) { return Load("") }

// Load reads path (TOML) when non-empty, applies HOSTVISOR_* overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.PreferencesFile == "" {
		c.PreferencesFile = filepath.Join(c.Install.DataDir, "preferences.toml")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ranges the rest of the program relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1..65535", c.Port))
	}
	if c.LogCapacity < 0 {
		errs = append(errs, fmt.Errorf("log_capacity must not be negative"))
	}
	if c.Install.DataDir == "" {
		errs = append(errs, errors.New("install.data_dir is required"))
	}
	for name, d := range map[string]time.Duration{
		"backend.grace_period": c.Backend.GracePeriod,
		"backend.stop_timeout": c.Backend.StopTimeout,
		"backend.kill_timeout": c.Backend.KillTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		errs = append(errs, errors.New("server.tls enabled but neither cert_file/key_file nor dir is set"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	return errors.Join(errs...)
}

// InstallerConfig converts the [install] table for install.New.
func (c *Config) InstallerConfig() install.Config {
	return install.Config{
		Bundle:         install.NewOSBundle(c.Install.BundleDir),
		DataDir:        c.Install.DataDir,
		ExecutableName: c.Install.ExecutableName,
		PlatformTags:   c.Install.PlatformTags,
		Stamp:          install.CurrentHostStamp(c.Install.HostVersion),
	}
}

// ExternalConfig converts the [backend] and [log] tables for the external
// backend, given the staged paths.
func (c *Config) ExternalConfig(paths install.Paths) (backend.ExternalConfig, error) {
	e, err := c.Backend.BuildEnv()
	if err != nil {
		return backend.ExternalConfig{}, err
	}
	return backend.ExternalConfig{
		Paths:       paths,
		WorkDir:     c.Backend.WorkDir,
		Env:         e,
		GracePeriod: c.Backend.GracePeriod,
		StopTimeout: c.Backend.StopTimeout,
		KillTimeout: c.Backend.KillTimeout,
		Logs:        c.Log.Logger().File,
	}, nil
}

// Logger converts the [log] table.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:     l.Level,
			Format:    l.Format,
			Color:     l.Color,
			TimeStamp: l.Timestamp,
			Path:      l.File,
		},
		File: logger.FileConfig{
			Dir:        l.Dir,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// BuildEnv composes the child environment. Precedence: OS env (when
// enabled) provides base; then env_files in order; then the env list.
func (b BackendConfig) BuildEnv() (*env.Env, error) {
	e := env.Empty()
	if b.UseOSEnv {
		e = env.New()
	}
	for _, p := range b.EnvFiles {
		vars, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		e = e.WithVars(vars)
	}
	return e.WithVars(env.FromPairs(b.Env)), nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func LoadEnvFile(path string) (env.Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(env.Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
