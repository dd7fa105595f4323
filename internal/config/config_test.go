package config

import (
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so ambient configuration cannot
// leak into tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FLAGD_RESOLVER", "FLAGD_HOST", "FLAGD_PORT", "FLAGD_TARGET_URI",
		"FLAGD_SOCKET_PATH", "FLAGD_TLS", "FLAGD_SERVER_CERT_PATH",
		"FLAGD_DEADLINE_MS", "FLAGD_STREAM_DEADLINE_MS",
		"FLAGD_RETRY_BACKOFF_MS", "FLAGD_RETRY_BACKOFF_MAX_MS",
		"FLAGD_RETRY_GRACE_PERIOD", "FLAGD_SOURCE_SELECTOR",
		"FLAGD_OFFLINE_FLAG_SOURCE_PATH", "FLAGD_OFFLINE_POLL_MS",
		"FLAGD_CACHE", "FLAGD_MAX_CACHE_SIZE", "FLAGD_CACHE_TTL",
		"FLAGD_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.Resolver != ResolverInProcess {
		t.Errorf("Resolver = %q, want %q", cfg.Resolver, ResolverInProcess)
	}
	if cfg.Host != "localhost" {
		t.Errorf("Host = %q, want localhost", cfg.Host)
	}
	if cfg.Port != 0 {
		t.Errorf("Port = %d, want 0 (resolver default)", cfg.Port)
	}
	if cfg.Deadline != 500*time.Millisecond {
		t.Errorf("Deadline = %v, want 500ms", cfg.Deadline)
	}
	if cfg.StreamDeadline != 10*time.Minute {
		t.Errorf("StreamDeadline = %v, want 10m", cfg.StreamDeadline)
	}
	if cfg.RetryBackoff != time.Second {
		t.Errorf("RetryBackoff = %v, want 1s", cfg.RetryBackoff)
	}
	if cfg.RetryBackoffMax != 2*time.Minute {
		t.Errorf("RetryBackoffMax = %v, want 2m", cfg.RetryBackoffMax)
	}
	if cfg.RetryGracePeriod != 5 {
		t.Errorf("RetryGracePeriod = %d, want 5", cfg.RetryGracePeriod)
	}
	if cfg.OfflinePoll != 5*time.Second {
		t.Errorf("OfflinePoll = %v, want 5s", cfg.OfflinePoll)
	}
	if cfg.CachePolicy != CacheLRU {
		t.Errorf("CachePolicy = %q, want %q", cfg.CachePolicy, CacheLRU)
	}
	if cfg.MaxCacheSize != 1000 {
		t.Errorf("MaxCacheSize = %d, want 1000", cfg.MaxCacheSize)
	}
	if cfg.CacheTTL != time.Minute {
		t.Errorf("CacheTTL = %v, want 1m", cfg.CacheTTL)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLAGD_RESOLVER", "file")
	t.Setenv("FLAGD_OFFLINE_FLAG_SOURCE_PATH", "/etc/flagd/flags.json")
	t.Setenv("FLAGD_OFFLINE_POLL_MS", "250")
	t.Setenv("FLAGD_CACHE", "mem")
	t.Setenv("FLAGD_CACHE_TTL", "30s")
	t.Setenv("FLAGD_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Resolver != ResolverFile {
		t.Errorf("Resolver = %q, want file", cfg.Resolver)
	}
	if cfg.OfflinePath != "/etc/flagd/flags.json" {
		t.Errorf("OfflinePath = %q", cfg.OfflinePath)
	}
	if cfg.OfflinePoll != 250*time.Millisecond {
		t.Errorf("OfflinePoll = %v, want 250ms", cfg.OfflinePoll)
	}
	if cfg.CachePolicy != CacheInMemory {
		t.Errorf("CachePolicy = %q, want mem", cfg.CachePolicy)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("CacheTTL = %v, want 30s", cfg.CacheTTL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_UpstreamSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLAGD_HOST", "flagd.svc.cluster.local")
	t.Setenv("FLAGD_PORT", "9090")
	t.Setenv("FLAGD_TLS", "true")
	t.Setenv("FLAGD_SERVER_CERT_PATH", "/etc/certs/ca.pem")
	t.Setenv("FLAGD_DEADLINE_MS", "2000")
	t.Setenv("FLAGD_STREAM_DEADLINE_MS", "0")
	t.Setenv("FLAGD_SOURCE_SELECTOR", "source=database")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Host != "flagd.svc.cluster.local" || cfg.Port != 9090 {
		t.Errorf("Host:Port = %s:%d", cfg.Host, cfg.Port)
	}
	if !cfg.TLS || cfg.CertPath != "/etc/certs/ca.pem" {
		t.Errorf("TLS = %v, CertPath = %q", cfg.TLS, cfg.CertPath)
	}
	if cfg.Deadline != 2*time.Second {
		t.Errorf("Deadline = %v, want 2s", cfg.Deadline)
	}
	if cfg.StreamDeadline != 0 {
		t.Errorf("StreamDeadline = %v, want 0 (disabled)", cfg.StreamDeadline)
	}
	if cfg.Selector != "source=database" {
		t.Errorf("Selector = %q", cfg.Selector)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad resolver", "FLAGD_RESOLVER", "remote", "FLAGD_RESOLVER"},
		{"bad port", "FLAGD_PORT", "70000", "FLAGD_PORT"},
		{"negative port", "FLAGD_PORT", "-1", "FLAGD_PORT"},
		{"bad tls", "FLAGD_TLS", "maybe", "FLAGD_TLS"},
		{"zero deadline", "FLAGD_DEADLINE_MS", "0", "FLAGD_DEADLINE_MS"},
		{"bad deadline", "FLAGD_DEADLINE_MS", "soon", "FLAGD_DEADLINE_MS"},
		{"zero grace", "FLAGD_RETRY_GRACE_PERIOD", "0", "FLAGD_RETRY_GRACE_PERIOD"},
		{"bad cache", "FLAGD_CACHE", "redis", "FLAGD_CACHE"},
		{"zero cache size", "FLAGD_MAX_CACHE_SIZE", "0", "FLAGD_MAX_CACHE_SIZE"},
		{"bad ttl", "FLAGD_CACHE_TTL", "sixty", "FLAGD_CACHE_TTL"},
		{"negative ttl", "FLAGD_CACHE_TTL", "-1s", "FLAGD_CACHE_TTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_BackoffOrdering(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLAGD_RETRY_BACKOFF_MS", "5000")
	t.Setenv("FLAGD_RETRY_BACKOFF_MAX_MS", "1000")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when max backoff is below the initial backoff")
	}
}

func TestLoad_FileResolverRequiresPath(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLAGD_RESOLVER", "file")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for the file resolver without a source path")
	}
}
