// Package service wires a sync connector, the flag store, the resolution
// cache and the evaluator into one resolution surface. One Service instance
// owns one connector and one store; nothing here is process-global.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/open-feature/flagd-provider-go/connector"
	"github.com/open-feature/flagd-provider-go/internal/cache"
	"github.com/open-feature/flagd-provider-go/internal/evaluator"
	"github.com/open-feature/flagd-provider-go/internal/metrics"
	"github.com/open-feature/flagd-provider-go/internal/model"
	"github.com/open-feature/flagd-provider-go/internal/store"
)

// InitTimeout bounds how long New waits for the connector's first payload.
const InitTimeout = 5 * time.Second

// ErrNotReady is returned when the first sync payload cannot be obtained,
// so the provider never serves before it has seen real configuration.
var ErrNotReady = errors.New("no flag configuration received from source")

const tracerName = "github.com/open-feature/flagd-provider-go"

// Config assembles a Service. Connector is required; zero values elsewhere
// fall back to package defaults.
type Config struct {
	Connector    connector.Connector
	CachePolicy  cache.Policy
	MaxCacheSize int
	CacheTTL     time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Service resolves typed flag values against the most recently synced flag
// set. Safe for concurrent use.
type Service struct {
	connector connector.Connector
	store     *store.Store
	cache     *cache.Cache
	eval      *evaluator.Evaluator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	applierDone chan struct{}
	stopOnce    sync.Once
}

// New starts the connector and blocks until the first flag set has been
// installed, or fails with ErrNotReady when the source cannot produce one
// within InitTimeout.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Connector == nil {
		return nil, errors.New("connector is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CachePolicy == "" {
		cfg.CachePolicy = cache.PolicyLRU
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	resolutionCache, err := cache.New(cfg.CachePolicy, cfg.MaxCacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}

	s := &Service{
		connector:   cfg.Connector,
		store:       store.New(),
		cache:       resolutionCache,
		eval:        evaluator.New(cfg.Logger),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer(tracerName),
		applierDone: make(chan struct{}),
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	if err := cfg.Connector.Init(initCtx); err != nil {
		_ = cfg.Connector.Shutdown()
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	select {
	case payload, ok := <-cfg.Connector.Payloads():
		if !ok {
			return nil, ErrNotReady
		}
		s.metrics.RecordSyncPayload(payload.Kind.String())
		if payload.Kind == connector.KindError {
			_ = cfg.Connector.Shutdown()
			return nil, fmt.Errorf("%w: %s", ErrNotReady, payload.Body)
		}
		if err := s.install(payload); err != nil {
			_ = cfg.Connector.Shutdown()
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
	case <-initCtx.Done():
		_ = cfg.Connector.Shutdown()
		return nil, fmt.Errorf("%w: %v", ErrNotReady, initCtx.Err())
	}

	go s.applyLoop()
	return s, nil
}

// Changes exposes the store's change stream: one notification per install
// attempt, carrying the keys that changed.
func (s *Service) Changes() <-chan store.Change {
	return s.store.Subscribe()
}

// Shutdown stops the connector, waits for in-flight payloads to be applied
// and disables the cache. Idempotent.
func (s *Service) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.connector.Shutdown()
		<-s.applierDone
		s.cache.Disable()
		s.store.Close()
	})
	return err
}

// applyLoop drains the connector until its channel closes. Payload
// processing is strictly sequential, so installs observe FIFO order.
func (s *Service) applyLoop() {
	defer close(s.applierDone)
	for payload := range s.connector.Payloads() {
		s.metrics.RecordSyncPayload(payload.Kind.String())
		if payload.Kind == connector.KindError {
			s.logger.Warn("flag source reported an error, keeping last good flag set",
				"cause", payload.Body)
			s.store.Fail(store.StateError, payload.Metadata)
			continue
		}
		if err := s.install(payload); err != nil {
			s.logger.Error("rejected malformed flag configuration, keeping last good flag set",
				"error", err)
			s.store.Fail(store.StateStale, payload.Metadata)
		}
	}
}

// install parses a data payload and swaps it in. The cache is purged after
// the swap; entries written against the old version are invalidated by
// their version tag regardless of ordering.
func (s *Service) install(payload connector.Payload) error {
	set, err := model.ParseDocument([]byte(payload.Body))
	if err != nil {
		return err
	}

	changed := s.store.Install(set, payload.Metadata)
	s.cache.Purge()
	s.metrics.CachePurgesTotal.Inc()
	s.metrics.RecordInstall(len(set.Flags))
	s.logger.Info("installed flag configuration",
		"flags", len(set.Flags), "changed", len(changed))
	return nil
}

func (s *Service) ResolveBoolean(ctx context.Context, key string, evalCtx map[string]any) evaluator.Detail[bool] {
	return resolve(ctx, s, key, evalCtx, s.eval.ResolveBoolean)
}

func (s *Service) ResolveString(ctx context.Context, key string, evalCtx map[string]any) evaluator.Detail[string] {
	return resolve(ctx, s, key, evalCtx, s.eval.ResolveString)
}

func (s *Service) ResolveInt(ctx context.Context, key string, evalCtx map[string]any) evaluator.Detail[int64] {
	return resolve(ctx, s, key, evalCtx, s.eval.ResolveInt)
}

func (s *Service) ResolveFloat(ctx context.Context, key string, evalCtx map[string]any) evaluator.Detail[float64] {
	return resolve(ctx, s, key, evalCtx, s.eval.ResolveFloat)
}

func (s *Service) ResolveObject(ctx context.Context, key string, evalCtx map[string]any) evaluator.Detail[map[string]any] {
	return resolve(ctx, s, key, evalCtx, s.eval.ResolveObject)
}

// resolve is the shared path: consult the cache, otherwise evaluate against
// the current snapshot and cache the result. Error resolutions are never
// cached.
func resolve[T any](ctx context.Context, s *Service, key string, evalCtx map[string]any,
	eval func(*model.FlagSet, string, map[string]any) evaluator.Detail[T]) evaluator.Detail[T] {

	start := time.Now()
	_, span := s.tracer.Start(ctx, "resolve", trace.WithAttributes(attribute.String("feature_flag.key", key)))
	defer span.End()

	snapshot := s.store.Snapshot()

	if cached, ok := s.cache.Get(key, evalCtx, snapshot.Version); ok {
		if value, typed := cached.Value.(T); typed {
			s.metrics.CacheHitsTotal.Inc()
			s.metrics.RecordEvaluation(string(evaluator.ReasonCached))
			span.SetAttributes(attribute.String("feature_flag.reason", string(evaluator.ReasonCached)))
			return evaluator.Detail[T]{
				Value:    value,
				Variant:  cached.Variant,
				Reason:   evaluator.ReasonCached,
				Metadata: cached.Metadata,
			}
		}
		// A different typed accessor populated this slot; treat as a miss
		// and let the evaluator report the mismatch.
	}
	s.metrics.CacheMissesTotal.Inc()

	detail := eval(snapshot, key, evalCtx)
	if detail.Code == "" {
		s.cache.Put(key, evalCtx, cache.Resolution{
			Value:    detail.Value,
			Variant:  detail.Variant,
			Metadata: detail.Metadata,
		}, snapshot.Version)
	}

	s.metrics.RecordEvaluation(string(detail.Reason))
	s.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("feature_flag.reason", string(detail.Reason)),
		attribute.String("feature_flag.variant", detail.Variant),
	)
	return detail
}
