// Package monitoring owns the process logger.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias so callers do not import logrus directly.
type Fields = logrus.Fields

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	return l
}

// Logger returns the process logger.
func Logger() *logrus.Logger { return log }

// WithComponent returns an entry tagged with the component name.
func WithComponent(component string) *logrus.Entry {
	return log.WithField("component", component)
}

// Logf is the package-level diagnostic logger for free-form lines. It writes
// through the process logger but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	log.Infof(format, v...)
}

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Options configures the process logger.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output string // stdout, stderr or a file path
	// MaxAgeDays enables rotation through lumberjack when Output is a file.
	MaxAgeDays int
	MaxSizeMB  int
	Caller     bool
}

// Configure applies opts to the process logger. LOG_LEVEL in the
// environment overrides opts.Level.
func Configure(opts Options) error {
	level := opts.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	log.SetLevel(lvl)
	log.SetReportCaller(opts.Caller)

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	switch opts.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return fmt.Errorf("invalid log format '%s'", opts.Format)
	}

	out, err := openOutput(opts)
	if err != nil {
		return err
	}
	log.SetOutput(out)
	return nil
}

func openOutput(opts Options) (io.Writer, error) {
	switch opts.Output {
	case "stderr", "":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if opts.MaxAgeDays > 0 || opts.MaxSizeMB > 0 {
		size := opts.MaxSizeMB
		if size <= 0 {
			size = 100
		}
		return &lumberjack.Logger{
			Filename: opts.Output,
			MaxAge:   opts.MaxAgeDays,
			MaxSize:  size,
			Compress: true,
		}, nil
	}
	f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", opts.Output, err)
	}
	return f, nil
}
