package config

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", "localhost")
	f.Add("  flagd.internal  ", "localhost")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "FLAGD_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadCacheTTL(f *testing.F) {
	f.Add("")
	f.Add("60s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, cacheTTL string) {
		if strings.ContainsRune(cacheTTL, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("FLAGD_CACHE_TTL", cacheTTL)

		cfg, err := Load()
		trimmed := strings.TrimSpace(cacheTTL)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty FLAGD_CACHE_TTL", err)
			}
			if cfg.CacheTTL != defaultCacheTTL {
				t.Fatalf("CacheTTL = %s, want %s", cfg.CacheTTL, defaultCacheTTL)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for FLAGD_CACHE_TTL=%q", cacheTTL)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for FLAGD_CACHE_TTL=%q", err, cacheTTL)
		}
		if cfg.CacheTTL != parsed {
			t.Fatalf("CacheTTL = %s, want %s", cfg.CacheTTL, parsed)
		}
	})
}

func FuzzLoadDeadlineMillis(f *testing.F) {
	f.Add("")
	f.Add("500")
	f.Add("0")
	f.Add("-3")
	f.Add("fast")

	f.Fuzz(func(t *testing.T, deadline string) {
		if strings.ContainsRune(deadline, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("FLAGD_DEADLINE_MS", deadline)

		cfg, err := Load()
		trimmed := strings.TrimSpace(deadline)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty FLAGD_DEADLINE_MS", err)
			}
			if cfg.Deadline != defaultDeadline {
				t.Fatalf("Deadline = %s, want %s", cfg.Deadline, defaultDeadline)
			}
			return
		}

		parsed, parseErr := strconv.Atoi(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for FLAGD_DEADLINE_MS=%q", deadline)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for FLAGD_DEADLINE_MS=%q", err, deadline)
		}
		if cfg.Deadline != time.Duration(parsed)*time.Millisecond {
			t.Fatalf("Deadline = %s, want %dms", cfg.Deadline, parsed)
		}
	})
}
