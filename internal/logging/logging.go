// Package logging configures the application logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and an optional rotating log file.
type Options struct {
	Level   string // debug | info | warn | error
	Format  string // text | json
	LogFile string // empty = stdout only
}

// New builds a logrus logger from the options. An unknown level falls back
// to info rather than failing startup.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if opts.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if opts.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 7,
			MaxAge:     30, // days
			Compress:   true,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	}

	return logger
}
