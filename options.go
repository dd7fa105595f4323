package flagd

import (
	"log/slog"
	"time"

	"github.com/open-feature/flagd-provider-go/connector"
	"github.com/open-feature/flagd-provider-go/internal/config"
)

// ProviderOption adjusts provider configuration. Options are applied after
// the FLAGD_* environment variables are read, so explicit options win.
type ProviderOption func(*Provider)

// WithHost sets the upstream flagd host.
func WithHost(host string) ProviderOption {
	return func(p *Provider) { p.cfg.Host = host }
}

// WithPort sets the upstream flagd port.
func WithPort(port int) ProviderOption {
	return func(p *Provider) { p.cfg.Port = port }
}

// WithTargetURI sets a full dial target, overriding host and port. Supports
// "host:port", "http(s)://host:port" and "envoy://host:port/service".
func WithTargetURI(uri string) ProviderOption {
	return func(p *Provider) { p.cfg.TargetURI = uri }
}

// WithSocketPath dials a unix domain socket instead of TCP.
func WithSocketPath(path string) ProviderOption {
	return func(p *Provider) { p.cfg.SocketPath = path }
}

// WithTLS enables TLS on the upstream connection; certPath may name a CA
// certificate, or be empty to use the system pool.
func WithTLS(certPath string) ProviderOption {
	return func(p *Provider) {
		p.cfg.TLS = true
		p.cfg.CertPath = certPath
	}
}

// WithInProcessResolver evaluates flags locally from a flagd sync stream.
// This is the default.
func WithInProcessResolver() ProviderOption {
	return func(p *Provider) { p.cfg.Resolver = config.ResolverInProcess }
}

// WithFileResolver evaluates flags locally from a flag-definition file.
func WithFileResolver(path string) ProviderOption {
	return func(p *Provider) {
		p.cfg.Resolver = config.ResolverFile
		p.cfg.OfflinePath = path
	}
}

// WithPollInterval sets the file resolver's fallback re-read cadence.
func WithPollInterval(interval time.Duration) ProviderOption {
	return func(p *Provider) { p.cfg.OfflinePoll = interval }
}

// WithSelector scopes which flag sources the upstream serves; forwarded to
// the sync service verbatim.
func WithSelector(selector string) ProviderOption {
	return func(p *Provider) { p.cfg.Selector = selector }
}

// WithProviderID overrides the identifier this client presents to the sync
// service. Defaults to a random UUID per provider instance.
func WithProviderID(id string) ProviderOption {
	return func(p *Provider) { p.providerID = id }
}

// WithDeadline bounds a single upstream request or connect attempt.
func WithDeadline(d time.Duration) ProviderOption {
	return func(p *Provider) { p.cfg.Deadline = d }
}

// WithStreamDeadline sets the sync-stream keep-alive interval; zero
// disables keep-alive pings.
func WithStreamDeadline(d time.Duration) ProviderOption {
	return func(p *Provider) { p.cfg.StreamDeadline = d }
}

// WithRetryBackoff shapes the reconnect schedule: initial delay and ceiling.
func WithRetryBackoff(initial, max time.Duration) ProviderOption {
	return func(p *Provider) {
		p.cfg.RetryBackoff = initial
		p.cfg.RetryBackoffMax = max
	}
}

// WithRetryGracePeriod sets how many failed connect attempts initialisation
// tolerates before giving up.
func WithRetryGracePeriod(attempts int) ProviderOption {
	return func(p *Provider) { p.cfg.RetryGracePeriod = attempts }
}

// WithLRUCache caches resolutions in an LRU of the given capacity.
func WithLRUCache(maxSize int) ProviderOption {
	return func(p *Provider) {
		p.cfg.CachePolicy = config.CacheLRU
		p.cfg.MaxCacheSize = maxSize
	}
}

// WithBasicInMemoryCache caches resolutions in an unbounded map.
func WithBasicInMemoryCache() ProviderOption {
	return func(p *Provider) { p.cfg.CachePolicy = config.CacheInMemory }
}

// WithoutCache disables resolution caching.
func WithoutCache() ProviderOption {
	return func(p *Provider) { p.cfg.CachePolicy = config.CacheDisabled }
}

// WithCacheTTL sets the resolution-cache entry lifetime.
func WithCacheTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) { p.cfg.CacheTTL = ttl }
}

// WithCustomConnector feeds the provider from a caller-supplied payload
// source instead of the built-in gRPC or file connectors.
func WithCustomConnector(c connector.Connector) ProviderOption {
	return func(p *Provider) { p.connector = c }
}

// WithLogger routes provider logs to the given logger. Defaults to a
// discarding logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}
