// Package logging builds the structured logger shared by smpcache commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/calvinalkan/smpcache/internal/config"
)

// New builds a JSON logger from cfg. Without a log file, records go to
// fallback. When the log file cannot be prepared the logger falls back too
// and says so in its first record.
func New(cfg config.Config, fallback io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", config.ErrLogLevelInvalid, cfg.LogLevel)
	}

	output, outErr := buildOutput(cfg, fallback)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFile,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// Close closes the rotating file behind logger, if any.
func Close(logger *logrus.Logger) error {
	if c, ok := logger.Out.(*lumberjack.Logger); ok {
		return c.Close()
	}

	return nil
}

func buildOutput(cfg config.Config, fallback io.Writer) (io.Writer, error) {
	if fallback == nil {
		fallback = os.Stderr
	}

	if cfg.LogFile == "" {
		return fallback, nil
	}

	path := cfg.LogFile
	if !filepath.IsAbs(path) && cfg.EffectiveCwd != "" {
		path = filepath.Join(cfg.EffectiveCwd, path)
	}

	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return fallback, fmt.Errorf("cannot create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
