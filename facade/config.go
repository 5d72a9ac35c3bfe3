// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Service configuration: defaults, .env files and IOQ_* environment
// variables.

package facade

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"

	"github.com/momentics/ioqueue/api"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "IOQ_"

// Config holds parameters fixed for the lifetime of a Service.
// ConnectTimeout and GuardBuffers may be changed later through
// Service.Settings.
type Config struct {
	MaxQueues         int           // open queues; 0 means unbounded
	MaxPending        int           // live tracker entries
	PoolClassCapacity int           // idle buffers kept per size class; 0 shares the process pool
	StreamChunkSize   int           // bytes read or written per stream step
	LoopInboxCapacity int           // loopback datagram inbox depth
	LoopStreamDepth   int           // loopback stream pipe depth, in chunks
	ConnectTimeout    time.Duration // handshake bound; 0 disables
	GuardBuffers      bool          // fingerprint pending pushes to catch reuse
	URingEntries      uint          // io_uring submission queue size for file queues
	WebSocketPath     string        // HTTP path served and dialled by websocket queues
	WebSocketQueue    int           // per-connection message queue depth

	LogLevel      slog.Level
	Logger        *slog.Logger         // overrides LogLevel when set
	MeterProvider metric.MeterProvider // nil uses the global provider
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		MaxQueues:         1024,
		MaxPending:        1 << 16,
		StreamChunkSize:   16 << 10,
		LoopInboxCapacity: 256,
		LoopStreamDepth:   64,
		ConnectTimeout:    10 * time.Second,
		URingEntries:      256,
		WebSocketPath:     "/ws",
		WebSocketQueue:    256,
		LogLevel:          slog.LevelInfo,
	}
}

// LoadConfig starts from DefaultConfig, loads the given .env files (or
// ./.env if none are named and it exists) and applies IOQ_* variables.
// Variables already set in the environment win over .env entries.
func LoadConfig(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, api.Wrap(api.ErrCodeInvalidArgument, "load env file", err)
		}
	}
	cfg := DefaultConfig()
	p := envParser{}
	p.int("MAX_QUEUES", &cfg.MaxQueues)
	p.int("MAX_PENDING", &cfg.MaxPending)
	p.int("POOL_CLASS_CAPACITY", &cfg.PoolClassCapacity)
	p.int("STREAM_CHUNK_SIZE", &cfg.StreamChunkSize)
	p.int("LOOP_INBOX_CAPACITY", &cfg.LoopInboxCapacity)
	p.int("LOOP_STREAM_DEPTH", &cfg.LoopStreamDepth)
	p.duration("CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	p.bool("GUARD_BUFFERS", &cfg.GuardBuffers)
	p.uint("URING_ENTRIES", &cfg.URingEntries)
	p.int("WEBSOCKET_QUEUE", &cfg.WebSocketQueue)
	if v, ok := os.LookupEnv(EnvPrefix + "WEBSOCKET_PATH"); ok && v != "" {
		cfg.WebSocketPath = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			p.fail("LOG_LEVEL", v, err)
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// envParser reads IOQ_* variables and keeps the first parse error.
type envParser struct {
	err error
}

func (p *envParser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := os.LookupEnv(EnvPrefix + key)
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

func (p *envParser) fail(key, val string, err error) {
	if p.err == nil {
		p.err = api.Wrap(api.ErrCodeInvalidArgument, "bad configuration value", err).
			WithContext("variable", EnvPrefix+key).
			WithContext("value", val)
	}
}

func (p *envParser) int(key string, dst *int) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *envParser) uint(key string, dst *uint) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = uint(n)
	}
}

func (p *envParser) bool(key string, dst *bool) {
	if v, ok := p.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	if v, ok := p.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}
