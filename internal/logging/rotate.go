package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a rotating log file. An empty Directory disables file output.
type FileConfig struct {
	Directory  string `yaml:"directory"`
	Name       string `yaml:"name"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

func (c FileConfig) withDefaults() FileConfig {
	if c.Name == "" {
		c.Name = "usemu.log"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 25
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 7
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	return c
}

// NewRotating builds a Logger writing to console and, when configured, to a rotating
// file. The returned closer releases the file handle.
func NewRotating(level Level, format Format, console io.Writer, file FileConfig) (Logger, io.Closer, error) {
	if console == nil {
		console = io.Discard
	}
	if file.Directory == "" {
		return New(level, format, console), nopCloser{}, nil
	}
	file = file.withDefaults()
	if err := os.MkdirAll(file.Directory, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(file.Directory, file.Name),
		MaxSize:    file.MaxSizeMB,
		MaxAge:     file.MaxAgeDays,
		MaxBackups: file.MaxBackups,
		Compress:   file.Compress,
	}
	return New(level, format, io.MultiWriter(console, rotator)), rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
