package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config groups the host's own slog settings and the file sinks used for
// the server child's output.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// SlogConfig controls the host logger.
type SlogConfig struct {
	Level     string `mapstructure:"level"`  // debug, info, warn, error
	Format    string `mapstructure:"format"` // text or json
	Color     bool   `mapstructure:"color"`
	TimeStamp bool   `mapstructure:"timestamp"`
	// Path sends host logs to a rotating file instead of stderr.
	Path string `mapstructure:"path"`
}

// FileConfig describes logging destinations for the server process.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NewSlogger builds the host logger. The returned closer releases a file
// sink when Path is set and is nil otherwise.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	if c.Slog.Path != "" {
		fl := c.File.rotating(c.Slog.Path)
		out, closer = fl, fl
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Slog.Level)}
	if !c.Slog.TimeStamp {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case strings.EqualFold(c.Slog.Format, "json"):
		h = slog.NewJSONHandler(out, opts)
	case c.Slog.Color && closer == nil:
		h = NewColorTextHandler(out, opts, c.Slog.TimeStamp)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer
}

// ProcessWriters returns io.WriteClosers for stdout and stderr for given process name.
// Either writer is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.Writers(name)
}

// Writers is ProcessWriters on the file section alone.
func (f FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.rotating(stdout)
	}
	if stderr != "" {
		errW = f.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
