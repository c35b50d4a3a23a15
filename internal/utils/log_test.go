package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bt.log")
	l := NewLogger(LogConfig{File: file, MaxSizeMB: 1, Quiet: true})

	l.Printf("RunBacktest | loaded %d candles", 42)

	content, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Simple Backtester: ")
	assert.Contains(t, string(content), "RunBacktest | loaded 42 candles")
}

func TestNewLoggerQuietWithoutFile(t *testing.T) {
	l := NewLogger(LogConfig{Quiet: true})
	require.NotNil(t, l)
	l.Println("dropped")
}

func TestGetLoggerIsShared(t *testing.T) {
	ConfigureLogger(LogConfig{Quiet: true})
	assert.Same(t, GetLogger(), GetLogger())
}
