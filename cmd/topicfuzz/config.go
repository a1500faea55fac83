package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-topicfuzz/bus"
	"github.com/illmade-knight/go-topicfuzz/entropy"
	"github.com/illmade-knight/go-topicfuzz/metrics"
	"github.com/illmade-knight/go-topicfuzz/tracing"
)

// Config is the process configuration, read from the environment.
type Config struct {
	TopicsFile     string        `env:"TOPICS_FILE" envDefault:"topics.yaml"`
	RunDuration    time.Duration `env:"RUN_DURATION" envDefault:"0s"` // 0 runs until signalled
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"2s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"console"`
	Version        string        `env:"TOPICFUZZ_VERSION" envDefault:"dev"`

	Bus     bus.Config
	Entropy entropy.Config
	Metrics metrics.ServerConfig
	Tracing tracing.Config
}

// loadConfig parses the process environment, or environ when it is not nil.
func loadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return cfg, nil
}

// newLogger builds the root logger. format is "console" or "json".
func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if w == nil {
		w = os.Stderr
	}

	switch format {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
