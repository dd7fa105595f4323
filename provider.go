// Package flagd is an OpenFeature provider that evaluates flagd
// flag-definition documents in-process. Flag configuration arrives over a
// flagd sync stream or from a watched file; evaluations run against an
// in-memory snapshot and never leave the process.
package flagd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	of "github.com/open-feature/go-sdk/openfeature"

	"github.com/open-feature/flagd-provider-go/connector"
	"github.com/open-feature/flagd-provider-go/internal/cache"
	"github.com/open-feature/flagd-provider-go/internal/config"
	"github.com/open-feature/flagd-provider-go/internal/endpoint"
	"github.com/open-feature/flagd-provider-go/internal/evaluator"
	"github.com/open-feature/flagd-provider-go/internal/logging"
	"github.com/open-feature/flagd-provider-go/internal/metrics"
	"github.com/open-feature/flagd-provider-go/internal/service"
	"github.com/open-feature/flagd-provider-go/internal/store"
)

const providerName = "flagd"

// Provider implements the OpenFeature FeatureProvider, StateHandler and
// EventHandler contracts. Each instance owns its own sync connection, flag
// store and cache; multiple instances with different configurations can
// coexist in one process.
type Provider struct {
	cfg        config.Config
	logger     *slog.Logger
	providerID string
	connector  connector.Connector
	metrics    *metrics.Metrics

	mu      sync.Mutex
	service *service.Service
	events  chan of.Event
}

// NewProvider builds a provider from the FLAGD_* environment variables,
// then applies opts on top. The sync connection is not opened until the
// OpenFeature SDK calls Init.
func NewProvider(opts ...ProviderOption) (*Provider, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	p := &Provider{
		cfg:        cfg,
		logger:     logging.Nop(),
		providerID: uuid.NewString(),
		metrics:    metrics.New(),
		events:     make(chan of.Event, 8),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Metadata implements of.FeatureProvider.
func (p *Provider) Metadata() of.Metadata {
	return of.Metadata{Name: providerName}
}

// Hooks implements of.FeatureProvider.
func (p *Provider) Hooks() []of.Hook {
	return nil
}

// Metrics exposes the provider's Prometheus registry so embedding
// applications can serve it.
func (p *Provider) Metrics() *metrics.Metrics {
	return p.metrics
}

// Init implements of.StateHandler. It opens the configured sync source and
// blocks until the first flag set has been installed, so the provider never
// reports ready while serving nothing.
func (p *Provider) Init(_ of.EvaluationContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.service != nil {
		return nil
	}

	conn := p.connector
	if conn == nil {
		built, err := p.buildConnector()
		if err != nil {
			return err
		}
		conn = built
	}

	svc, err := service.New(context.Background(), service.Config{
		Connector:    conn,
		CachePolicy:  cache.Policy(p.cfg.CachePolicy),
		MaxCacheSize: p.cfg.MaxCacheSize,
		CacheTTL:     p.cfg.CacheTTL,
		Logger:       p.logger,
		Metrics:      p.metrics,
	})
	if err != nil {
		return err
	}

	p.service = svc
	go p.pumpEvents(svc)
	return nil
}

// Shutdown implements of.StateHandler.
func (p *Provider) Shutdown() {
	p.mu.Lock()
	svc := p.service
	p.service = nil
	p.mu.Unlock()

	if svc != nil {
		if err := svc.Shutdown(); err != nil {
			p.logger.Warn("shutdown error", "error", err)
		}
	}
}

// EventChannel implements of.EventHandler.
func (p *Provider) EventChannel() <-chan of.Event {
	return p.events
}

func (p *Provider) buildConnector() (connector.Connector, error) {
	switch p.cfg.Resolver {
	case config.ResolverFile:
		return connector.NewFileConnector(p.cfg.OfflinePath, p.cfg.OfflinePoll, p.logger), nil

	case config.ResolverInProcess:
		upstream, err := endpoint.Build(p.cfg.TargetURI, p.cfg.Host, p.cfg.Port,
			p.cfg.SocketPath, p.cfg.TLS, p.cfg.CertPath, endpoint.ModeInProcess)
		if err != nil {
			return nil, err
		}
		return connector.NewGRPCConnector(connector.GRPCConfig{
			Upstream:         upstream,
			ProviderID:       p.providerID,
			Selector:         p.cfg.Selector,
			Deadline:         p.cfg.Deadline,
			StreamDeadline:   p.cfg.StreamDeadline,
			RetryBackoff:     p.cfg.RetryBackoff,
			RetryBackoffMax:  p.cfg.RetryBackoffMax,
			RetryGracePeriod: p.cfg.RetryGracePeriod,
			Logger:           p.logger,
		}), nil

	default:
		return nil, fmt.Errorf("resolver %q requires a flagd evaluation service and is not supported; use the in-process or file resolver", p.cfg.Resolver)
	}
}

// pumpEvents converts store change notifications into OpenFeature events.
// Exits when the service closes its change stream on shutdown.
func (p *Provider) pumpEvents(svc *service.Service) {
	for change := range svc.Changes() {
		var event of.Event
		switch change.State {
		case store.StateOK:
			event = of.Event{
				ProviderName: providerName,
				EventType:    of.ProviderConfigChange,
				ProviderEventDetails: of.ProviderEventDetails{
					Message:       "flag configuration changed",
					FlagChanges:   change.ChangedKeys,
					EventMetadata: change.SyncMetadata,
				},
			}
		case store.StateStale:
			event = of.Event{
				ProviderName: providerName,
				EventType:    of.ProviderStale,
				ProviderEventDetails: of.ProviderEventDetails{
					Message: "flag source produced malformed configuration, serving last good flag set",
				},
			}
		default:
			event = of.Event{
				ProviderName: providerName,
				EventType:    of.ProviderError,
				ProviderEventDetails: of.ProviderEventDetails{
					Message: "flag source unreachable, serving last good flag set",
				},
			}
		}

		select {
		case p.events <- event:
		default:
			// The SDK stopped consuming; dropping an event beats blocking
			// the sync pipeline.
		}
	}
}

// BooleanEvaluation implements of.FeatureProvider.
func (p *Provider) BooleanEvaluation(ctx context.Context, flag string, defaultValue bool, evalCtx of.FlattenedContext) of.BoolResolutionDetail {
	svc := p.currentService()
	if svc == nil {
		return of.BoolResolutionDetail{Value: defaultValue, ProviderResolutionDetail: notReadyDetail()}
	}
	value, detail := convertDetail(svc.ResolveBoolean(ctx, flag, map[string]any(evalCtx)), defaultValue)
	return of.BoolResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

// StringEvaluation implements of.FeatureProvider.
func (p *Provider) StringEvaluation(ctx context.Context, flag string, defaultValue string, evalCtx of.FlattenedContext) of.StringResolutionDetail {
	svc := p.currentService()
	if svc == nil {
		return of.StringResolutionDetail{Value: defaultValue, ProviderResolutionDetail: notReadyDetail()}
	}
	value, detail := convertDetail(svc.ResolveString(ctx, flag, map[string]any(evalCtx)), defaultValue)
	return of.StringResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

// IntEvaluation implements of.FeatureProvider.
func (p *Provider) IntEvaluation(ctx context.Context, flag string, defaultValue int64, evalCtx of.FlattenedContext) of.IntResolutionDetail {
	svc := p.currentService()
	if svc == nil {
		return of.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: notReadyDetail()}
	}
	value, detail := convertDetail(svc.ResolveInt(ctx, flag, map[string]any(evalCtx)), defaultValue)
	return of.IntResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

// FloatEvaluation implements of.FeatureProvider.
func (p *Provider) FloatEvaluation(ctx context.Context, flag string, defaultValue float64, evalCtx of.FlattenedContext) of.FloatResolutionDetail {
	svc := p.currentService()
	if svc == nil {
		return of.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: notReadyDetail()}
	}
	value, detail := convertDetail(svc.ResolveFloat(ctx, flag, map[string]any(evalCtx)), defaultValue)
	return of.FloatResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

// ObjectEvaluation implements of.FeatureProvider.
func (p *Provider) ObjectEvaluation(ctx context.Context, flag string, defaultValue any, evalCtx of.FlattenedContext) of.InterfaceResolutionDetail {
	svc := p.currentService()
	if svc == nil {
		return of.InterfaceResolutionDetail{Value: defaultValue, ProviderResolutionDetail: notReadyDetail()}
	}
	resolved := svc.ResolveObject(ctx, flag, map[string]any(evalCtx))
	if resolved.Code != "" {
		return of.InterfaceResolutionDetail{Value: defaultValue, ProviderResolutionDetail: errorDetail(resolved.Code, resolved.Message, resolved.Metadata)}
	}
	return of.InterfaceResolutionDetail{Value: resolved.Value, ProviderResolutionDetail: successDetail(resolved.Variant, resolved.Reason, resolved.Metadata)}
}

func (p *Provider) currentService() *service.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.service
}

// convertDetail maps an internal resolution onto the OpenFeature shape,
// substituting the caller's default on error.
func convertDetail[T any](d evaluator.Detail[T], defaultValue T) (T, of.ProviderResolutionDetail) {
	if d.Code != "" {
		return defaultValue, errorDetail(d.Code, d.Message, d.Metadata)
	}
	return d.Value, successDetail(d.Variant, d.Reason, d.Metadata)
}

func successDetail(variant string, reason evaluator.Reason, metadata map[string]any) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		Reason:       of.Reason(reason),
		Variant:      variant,
		FlagMetadata: metadata,
	}
}

func errorDetail(code evaluator.Code, message string, metadata map[string]any) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		ResolutionError: resolutionError(code, message),
		Reason:          of.ErrorReason,
		FlagMetadata:    metadata,
	}
}

func notReadyDetail() of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		ResolutionError: of.NewProviderNotReadyResolutionError("provider is not initialised"),
		Reason:          of.ErrorReason,
	}
}

func resolutionError(code evaluator.Code, message string) of.ResolutionError {
	switch code {
	case evaluator.CodeFlagNotFound:
		return of.NewFlagNotFoundResolutionError(message)
	case evaluator.CodeParseError:
		return of.NewParseErrorResolutionError(message)
	case evaluator.CodeTypeMismatch:
		return of.NewTypeMismatchResolutionError(message)
	case evaluator.CodeInvalidContext:
		return of.NewInvalidContextResolutionError(message)
	case evaluator.CodeProviderNotReady:
		return of.NewProviderNotReadyResolutionError(message)
	default:
		return of.NewGeneralResolutionError(message)
	}
}
