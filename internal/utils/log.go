// Package utils
package utils

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process logger. An empty File logs to stdout only.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Quiet      bool   `yaml:"quiet"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{File: "simple-backtester.log", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28}
}

var (
	logger *log.Logger
	once   sync.Once

	mu        sync.Mutex
	logConfig = DefaultLogConfig()
)

// ConfigureLogger sets the config used when the logger is first requested.
// Later calls have no effect once GetLogger has run.
func ConfigureLogger(cfg LogConfig) {
	mu.Lock()
	defer mu.Unlock()
	logConfig = cfg
}

func GetLogger() *log.Logger {
	once.Do(func() {
		mu.Lock()
		cfg := logConfig
		mu.Unlock()
		logger = NewLogger(cfg)
	})
	return logger
}

// NewLogger builds a logger writing to stdout and, when configured, to a
// size-rotated file.
func NewLogger(cfg LogConfig) *log.Logger {
	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stdout)
	}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}
	if len(writers) == 0 {
		return log.New(io.Discard, "", 0)
	}
	return log.New(io.MultiWriter(writers...), "Simple Backtester: ", log.LstdFlags)
}
