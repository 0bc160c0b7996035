// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	log "github.com/sirupsen/logrus"

	"volreg/internal/errdefs"
)

// Config selects the level and destination of log output.
type Config struct {
	Level   string
	File    string
	MaxSize int // megabytes
	MaxAge  int // days
}

// Setup applies c to the standard logger. Without a file, entries go to
// stderr so they never mix with command output. The returned closer
// releases the log file, if any.
func Setup(c Config) (io.Closer, error) {
	level := log.InfoLevel
	if c.Level != "" {
		l, err := log.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %v: %w", c.Level, err, errdefs.ErrConfig)
		}
		level = l
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if c.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	l := &lumberjack.Logger{
		Filename: c.File,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(l)
	log.WithField("file", c.File).Debug("Sending log messages to rotating file")
	return l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
