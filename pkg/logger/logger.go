// Package logger builds the zerolog logger shared by every coretex component.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `toml:"level" json:"level"`

	// Format is the output format (json, console)
	Format string `toml:"format" json:"format"`

	// Console output settings
	Console ConsoleConfig `toml:"console" json:"console"`

	// File output settings
	File FileConfig `toml:"file" json:"file"`

	// Fields are default fields added to all logs
	Fields map[string]string `toml:"fields" json:"fields,omitempty"`

	EnableCaller bool `toml:"enable_caller" json:"enable_caller"`

	// AsyncWrite uses a diode writer; lines are dropped when the buffer is full
	AsyncWrite bool `toml:"async_write" json:"async_write"`
	BufferSize int  `toml:"buffer_size" json:"buffer_size"`
}

// ConsoleConfig for console output.
type ConsoleConfig struct {
	Enable  bool   `toml:"enable" json:"enable"`
	NoColor bool   `toml:"no_color" json:"no_color"`
	Output  string `toml:"output" json:"output"` // stdout, stderr
}

// FileConfig for rotated file output.
type FileConfig struct {
	Enable     bool   `toml:"enable" json:"enable"`
	Path       string `toml:"path" json:"path"`
	MaxSize    int    `toml:"max_size" json:"max_size"` // megabytes
	MaxAge     int    `toml:"max_age" json:"max_age"`   // days
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress"`
}

// DefaultConfig returns default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Console: ConsoleConfig{
			Enable: true,
			Output: "stderr",
		},
		File: FileConfig{
			Path:       "coretex.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		BufferSize: 10000,
	}
}

// Logger is a configured zerolog logger plus the writers it owns.
type Logger struct {
	zerolog.Logger

	closers []io.Closer
}

// Option configures New.
type Option func(*options)

type options struct {
	console io.Writer
}

// WithConsoleWriter replaces stdout/stderr as console target.
func WithConsoleWriter(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// New creates a logger from cfg.
func New(cfg Config, opts ...Option) (*Logger, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	level := zerolog.InfoLevel

	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, ewrap.Wrapf(sentinel.ErrConfiguration, "invalid log level %q", cfg.Level)
		}

		level = parsed
	}

	l := &Logger{}

	var writers []io.Writer

	if cfg.Console.Enable {
		out := o.console
		if out == nil {
			out = os.Stdout
			if cfg.Console.Output == "stderr" {
				out = os.Stderr
			}
		}

		out = consoleOut{out}

		if cfg.Format == "console" {
			out = zerolog.ConsoleWriter{Out: out, NoColor: cfg.Console.NoColor, TimeFormat: time.RFC3339}
		}

		writers = append(writers, out)
	}

	if cfg.File.Enable {
		err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755)
		if err != nil {
			return nil, ewrap.Wrap(err, "create log directory")
		}

		fw := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxAge:     cfg.File.MaxAge,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}

		writers = append(writers, fw)
		l.closers = append(l.closers, fw)
	}

	var writer io.Writer

	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if cfg.AsyncWrite {
		dw := diode.NewWriter(writer, max(cfg.BufferSize, 1), 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})

		writer = dw
		l.closers = append([]io.Closer{dw}, l.closers...)
	}

	zctx := zerolog.New(writer).Level(level).With().Timestamp()

	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}

	for k, v := range cfg.Fields {
		zctx = zctx.Str(k, v)
	}

	l.Logger = zctx.Logger()

	return l, nil
}

// consoleOut keeps process streams open when the writer chain is closed.
type consoleOut struct{ io.Writer }

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Close flushes async buffers and closes log files.
func (l *Logger) Close() error {
	var errs []error

	for _, c := range l.closers {
		err := c.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}

	l.closers = nil

	if len(errs) > 0 {
		return ewrap.Wrapf(errs[0], "close logger (%d errors)", len(errs))
	}

	return nil
}
