// Package config loads provider configuration from FLAGD_* environment
// variables.
//
// All variables are optional:
//   - FLAGD_RESOLVER: "in-process", "rpc", "rest" or "file"
//     (default "in-process").
//   - FLAGD_HOST: upstream host (default "localhost").
//   - FLAGD_PORT: upstream port (default 8015 in-process, 8013 rpc).
//   - FLAGD_TARGET_URI: full dial target; overrides host/port. Supports
//     plain "host:port", "http(s)://", and "envoy://host:port/service".
//   - FLAGD_SOCKET_PATH: unix domain socket path (rpc resolver only).
//   - FLAGD_TLS: "true" to dial with TLS (default false).
//   - FLAGD_SERVER_CERT_PATH: CA certificate for TLS verification.
//   - FLAGD_DEADLINE_MS: per-request deadline (default "500", > 0).
//   - FLAGD_STREAM_DEADLINE_MS: keep-alive interval for the sync stream
//     (default "600000", "0" disables).
//   - FLAGD_RETRY_BACKOFF_MS: initial reconnect backoff (default "1000").
//   - FLAGD_RETRY_BACKOFF_MAX_MS: backoff ceiling (default "120000").
//   - FLAGD_RETRY_GRACE_PERIOD: failed attempts before init gives up
//     (default "5", > 0).
//   - FLAGD_SOURCE_SELECTOR: scopes which flag sources the upstream serves.
//   - FLAGD_OFFLINE_FLAG_SOURCE_PATH: flag-definition file for the file
//     resolver.
//   - FLAGD_OFFLINE_POLL_MS: file re-read fallback interval
//     (default "5000", > 0).
//   - FLAGD_CACHE: "lru", "mem" or "disabled" (default "lru").
//   - FLAGD_MAX_CACHE_SIZE: lru capacity (default "1000", > 0).
//   - FLAGD_CACHE_TTL: entry lifetime as a Go duration (default "60s", > 0).
//   - FLAGD_LOG_LEVEL: "debug", "info", "warn" or "error" (default "info").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ResolverType selects how flag configuration reaches the provider.
type ResolverType string

const (
	ResolverInProcess ResolverType = "in-process"
	ResolverRPC       ResolverType = "rpc"
	ResolverRest      ResolverType = "rest"
	ResolverFile      ResolverType = "file"
)

// CachePolicy names a resolution-cache strategy.
type CachePolicy string

const (
	CacheLRU      CachePolicy = "lru"
	CacheInMemory CachePolicy = "mem"
	CacheDisabled CachePolicy = "disabled"
)

const (
	defaultHost            = "localhost"
	defaultDeadline        = 500 * time.Millisecond
	defaultStreamDeadline  = 10 * time.Minute
	defaultRetryBackoff    = time.Second
	defaultRetryBackoffMax = 2 * time.Minute
	defaultRetryGrace      = 5
	defaultOfflinePoll     = 5 * time.Second
	defaultMaxCacheSize    = 1000
	defaultCacheTTL        = time.Minute
)

// Config holds the runtime configuration for a flagd provider instance.
type Config struct {
	Resolver         ResolverType
	Host             string
	Port             int
	TargetURI        string
	SocketPath       string
	TLS              bool
	CertPath         string
	Deadline         time.Duration
	StreamDeadline   time.Duration
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	RetryGracePeriod int
	Selector         string
	OfflinePath      string
	OfflinePoll      time.Duration
	CachePolicy      CachePolicy
	MaxCacheSize     int
	CacheTTL         time.Duration
	LogLevel         string
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if optional values fail validation.
func Load() (Config, error) {
	resolver := ResolverInProcess
	if value := strings.TrimSpace(os.Getenv("FLAGD_RESOLVER")); value != "" {
		switch ResolverType(strings.ToLower(value)) {
		case ResolverInProcess, ResolverRPC, ResolverRest, ResolverFile:
			resolver = ResolverType(strings.ToLower(value))
		default:
			return Config{}, fmt.Errorf("FLAGD_RESOLVER must be one of in-process, rpc, rest, file; got %q", value)
		}
	}

	port := 0
	if value := strings.TrimSpace(os.Getenv("FLAGD_PORT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 || parsed > 65535 {
			return Config{}, errors.New("FLAGD_PORT must be a port number")
		}
		port = parsed
	}

	useTLS := false
	if value := strings.TrimSpace(os.Getenv("FLAGD_TLS")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse FLAGD_TLS: %w", err)
		}
		useTLS = parsed
	}

	deadline, err := millisOrDefault("FLAGD_DEADLINE_MS", defaultDeadline, false)
	if err != nil {
		return Config{}, err
	}
	streamDeadline, err := millisOrDefault("FLAGD_STREAM_DEADLINE_MS", defaultStreamDeadline, true)
	if err != nil {
		return Config{}, err
	}
	retryBackoff, err := millisOrDefault("FLAGD_RETRY_BACKOFF_MS", defaultRetryBackoff, false)
	if err != nil {
		return Config{}, err
	}
	retryBackoffMax, err := millisOrDefault("FLAGD_RETRY_BACKOFF_MAX_MS", defaultRetryBackoffMax, false)
	if err != nil {
		return Config{}, err
	}
	if retryBackoffMax < retryBackoff {
		return Config{}, errors.New("FLAGD_RETRY_BACKOFF_MAX_MS must be >= FLAGD_RETRY_BACKOFF_MS")
	}
	offlinePoll, err := millisOrDefault("FLAGD_OFFLINE_POLL_MS", defaultOfflinePoll, false)
	if err != nil {
		return Config{}, err
	}

	retryGrace := defaultRetryGrace
	if value := strings.TrimSpace(os.Getenv("FLAGD_RETRY_GRACE_PERIOD")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			return Config{}, errors.New("FLAGD_RETRY_GRACE_PERIOD must be a positive integer")
		}
		retryGrace = parsed
	}

	cachePolicy := CacheLRU
	if value := strings.TrimSpace(os.Getenv("FLAGD_CACHE")); value != "" {
		switch CachePolicy(strings.ToLower(value)) {
		case CacheLRU, CacheInMemory, CacheDisabled:
			cachePolicy = CachePolicy(strings.ToLower(value))
		default:
			return Config{}, fmt.Errorf("FLAGD_CACHE must be one of lru, mem, disabled; got %q", value)
		}
	}

	maxCacheSize := defaultMaxCacheSize
	if value := strings.TrimSpace(os.Getenv("FLAGD_MAX_CACHE_SIZE")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			return Config{}, errors.New("FLAGD_MAX_CACHE_SIZE must be a positive integer")
		}
		maxCacheSize = parsed
	}

	cacheTTL := defaultCacheTTL
	if value := strings.TrimSpace(os.Getenv("FLAGD_CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse FLAGD_CACHE_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("FLAGD_CACHE_TTL must be > 0")
		}
		cacheTTL = parsed
	}

	offlinePath := strings.TrimSpace(os.Getenv("FLAGD_OFFLINE_FLAG_SOURCE_PATH"))
	if resolver == ResolverFile && offlinePath == "" {
		return Config{}, errors.New("FLAGD_OFFLINE_FLAG_SOURCE_PATH is required for the file resolver")
	}

	return Config{
		Resolver:         resolver,
		Host:             envOrDefault("FLAGD_HOST", defaultHost),
		Port:             port,
		TargetURI:        strings.TrimSpace(os.Getenv("FLAGD_TARGET_URI")),
		SocketPath:       strings.TrimSpace(os.Getenv("FLAGD_SOCKET_PATH")),
		TLS:              useTLS,
		CertPath:         strings.TrimSpace(os.Getenv("FLAGD_SERVER_CERT_PATH")),
		Deadline:         deadline,
		StreamDeadline:   streamDeadline,
		RetryBackoff:     retryBackoff,
		RetryBackoffMax:  retryBackoffMax,
		RetryGracePeriod: retryGrace,
		Selector:         strings.TrimSpace(os.Getenv("FLAGD_SOURCE_SELECTOR")),
		OfflinePath:      offlinePath,
		OfflinePoll:      offlinePoll,
		CachePolicy:      cachePolicy,
		MaxCacheSize:     maxCacheSize,
		CacheTTL:         cacheTTL,
		LogLevel:         envOrDefault("FLAGD_LOG_LEVEL", "info"),
	}, nil
}

// millisOrDefault reads an integer millisecond value. allowZero admits "0"
// (used to disable stream keep-alives).
func millisOrDefault(key string, fallback time.Duration, allowZero bool) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed < 0 || (parsed == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be a positive millisecond count", key)
	}
	return time.Duration(parsed) * time.Millisecond, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
