package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum enabled level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format selects the encoder: "json" (production) or "console".
	Format string `koanf:"format"`

	// writer overrides the output destination. For tests.
	writer io.Writer
}

// NewDefaultConfig returns production-ready defaults.
func NewDefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("unknown level %q", c.Level)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("unknown format %q (want json or console)", c.Format)
	}
	return nil
}

// WithWriter returns a copy of the config writing to w instead of stderr.
func (c Config) WithWriter(w io.Writer) Config {
	c.writer = w
	return c
}

func (c Config) output() io.Writer {
	if c.writer != nil {
		return c.writer
	}
	return os.Stderr
}
