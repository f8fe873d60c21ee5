// Package logger configures the global logrus logger.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/denis-savelyev/FaceAttend/config"

	log "github.com/sirupsen/logrus"
)

// Init initializes the global logger based on the provided configuration.
// Output always goes to stdout and, when cfg.File is set, to that file too.
// A log file that cannot be opened is reported and skipped. The opened file,
// or nil, is returned so the caller can close it on shutdown.
func Init(cfg config.LogConfig) (*os.File, error) {
	// Set log level
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', defaulting to 'info': %v", cfg.Level, err)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	// Always log to stdout for container logs
	writers := []io.Writer{os.Stdout}
	var file *os.File

	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			log.Errorf("Failed to create log directory '%s': %v", logDir, err)
		} else {
			file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
			if err != nil {
				// Continue without file logging
				log.Errorf("Failed to open log file '%s': %v", cfg.File, err)
				file = nil
			} else {
				writers = append(writers, file)
				log.Infof("Logging additionally to file: %s", cfg.File)
			}
		}
	}

	log.SetOutput(io.MultiWriter(writers...))

	log.Info("Logger initialized")
	return file, nil
}
