package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncv1grpc "buf.build/gen/go/open-feature/flagd/grpc/go/flagd/sync/v1/syncv1grpc"
	syncv1 "buf.build/gen/go/open-feature/flagd/protocolbuffers/go/flagd/sync/v1"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/open-feature/flagd-provider-go/internal/endpoint"
)

const grpcChannelBuffer = 1000

const (
	DefaultDeadline         = 500 * time.Millisecond
	DefaultStreamDeadline   = 10 * time.Minute
	DefaultRetryBackoff     = time.Second
	DefaultRetryBackoffMax  = 2 * time.Minute
	DefaultRetryGracePeriod = 5
)

// GRPCConfig configures a connection to a flagd sync service.
type GRPCConfig struct {
	Upstream endpoint.Upstream
	// ProviderID identifies this client to the sync server.
	ProviderID string
	// Selector scopes which flag sources the server streams; forwarded
	// verbatim.
	Selector string
	// Deadline bounds a single connect attempt (stream open + first
	// message, or the unary fallback).
	Deadline time.Duration
	// StreamDeadline is the HTTP/2 keep-alive ping interval; zero disables
	// pings.
	StreamDeadline time.Duration
	// RetryBackoff and RetryBackoffMax shape the exponential reconnect
	// schedule; RetryGracePeriod is the number of failed attempts after
	// which Init gives up.
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	RetryGracePeriod int
	Logger           *slog.Logger
}

func (c *GRPCConfig) applyDefaults() {
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if c.RetryGracePeriod <= 0 {
		c.RetryGracePeriod = DefaultRetryGracePeriod
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// GRPCConnector streams flag configuration from a flagd sync service,
// reconnecting with exponential backoff when the stream drops.
type GRPCConnector struct {
	cfg    GRPCConfig
	out    chan Payload
	conn   *grpc.ClientConn
	client syncv1grpc.FlagSyncServiceClient

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewGRPCConnector creates a connector; no connection is attempted until
// Init.
func NewGRPCConnector(cfg GRPCConfig) *GRPCConnector {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCConnector{
		cfg:      cfg,
		out:      make(chan Payload, grpcChannelBuffer),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
}

// Init dials the upstream and blocks until the first flag configuration has
// been received. Attempts follow the configured backoff schedule; after the
// grace period a unary FetchAllFlags is tried once so a briefly
// stream-less server can still serve a first payload, and failing that the
// init fails.
func (c *GRPCConnector) Init(ctx context.Context) error {
	dialOpts, err := c.cfg.Upstream.DialOptions()
	if err != nil {
		return err
	}
	dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	if c.cfg.StreamDeadline > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.cfg.StreamDeadline,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}))
	}

	conn, err := grpc.NewClient(c.cfg.Upstream.Target, dialOpts...)
	if err != nil {
		return fmt.Errorf("create channel to %q: %w", c.cfg.Upstream.Target, err)
	}
	c.conn = conn
	c.client = syncv1grpc.NewFlagSyncServiceClient(conn)

	var (
		stream       syncv1grpc.FlagSyncService_SyncFlagsClient
		cancelStream context.CancelFunc
		first        *syncv1.SyncFlagsResponse
	)
	attempt := func() error {
		s, cs, msg, err := c.openStream()
		if err != nil {
			c.cfg.Logger.Debug("sync connect attempt failed",
				"target", c.cfg.Upstream.Target, "error", err)
			return err
		}
		stream, cancelStream, first = s, cs, msg
		return nil
	}

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.RetryGracePeriod-1)), ctx)
	if err := backoff.Retry(attempt, schedule); err != nil {
		body, meta, ferr := c.fetchAll(ctx)
		if ferr != nil {
			return fmt.Errorf("establish sync stream to %q: %w", c.cfg.Upstream.Target, err)
		}
		c.cfg.Logger.Warn("sync stream unavailable, seeded from FetchAllFlags",
			"target", c.cfg.Upstream.Target, "error", err)
		c.emit(Payload{Kind: KindData, Body: body, Metadata: meta})
		c.started = true
		go c.run(nil, nil)
		return nil
	}

	c.emitResponse(first)
	c.started = true
	go c.run(stream, cancelStream)
	return nil
}

func (c *GRPCConnector) Payloads() <-chan Payload {
	return c.out
}

// Shutdown stops the reconnect loop, closes the channel to the server and
// ends the payload stream. Idempotent.
func (c *GRPCConnector) Shutdown() error {
	c.stopOnce.Do(func() {
		c.cancel()
		if c.started {
			<-c.loopDone
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.out)
	})
	return nil
}

// run receives until the stream breaks, then reconnects with a fresh
// backoff schedule. A nil stream starts in the reconnect phase.
func (c *GRPCConnector) run(stream syncv1grpc.FlagSyncService_SyncFlagsClient, cancelStream context.CancelFunc) {
	defer close(c.loopDone)

	schedule := c.newBackOff()
	for {
		if stream == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(schedule.NextBackOff()):
			}
			s, cs, msg, err := c.openStream()
			if err != nil {
				c.cfg.Logger.Debug("sync reconnect attempt failed",
					"target", c.cfg.Upstream.Target, "error", err)
				continue
			}
			c.cfg.Logger.Info("sync stream reconnected", "target", c.cfg.Upstream.Target)
			schedule.Reset()
			stream, cancelStream = s, cs
			c.emitResponse(msg)
		}

		msg, err := stream.Recv()
		if err != nil {
			cancelStream()
			stream = nil
			if c.ctx.Err() != nil {
				return
			}
			c.cfg.Logger.Warn("sync stream interrupted, reconnecting",
				"target", c.cfg.Upstream.Target, "error", err)
			c.emit(Payload{Kind: KindError, Body: err.Error(), Metadata: c.metadata()})
			continue
		}
		c.emitResponse(msg)
	}
}

// openStream opens the server stream and waits for its first message within
// the per-attempt deadline. The returned cancel func tears the stream down.
func (c *GRPCConnector) openStream() (syncv1grpc.FlagSyncService_SyncFlagsClient, context.CancelFunc, *syncv1.SyncFlagsResponse, error) {
	streamCtx, cancelStream := context.WithCancel(c.ctx)
	stream, err := c.client.SyncFlags(streamCtx, &syncv1.SyncFlagsRequest{
		ProviderId: c.cfg.ProviderID,
		Selector:   c.cfg.Selector,
	})
	if err != nil {
		cancelStream()
		return nil, nil, nil, err
	}

	type recvResult struct {
		msg *syncv1.SyncFlagsResponse
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		msg, err := stream.Recv()
		recvCh <- recvResult{msg: msg, err: err}
	}()

	select {
	case result := <-recvCh:
		if result.err != nil {
			cancelStream()
			return nil, nil, nil, result.err
		}
		return stream, cancelStream, result.msg, nil
	case <-time.After(c.cfg.Deadline):
		cancelStream()
		return nil, nil, nil, fmt.Errorf("no payload within %s", c.cfg.Deadline)
	case <-c.ctx.Done():
		cancelStream()
		return nil, nil, nil, c.ctx.Err()
	}
}

func (c *GRPCConnector) fetchAll(ctx context.Context) (string, map[string]any, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()
	resp, err := c.client.FetchAllFlags(fetchCtx, &syncv1.FetchAllFlagsRequest{
		ProviderId: c.cfg.ProviderID,
		Selector:   c.cfg.Selector,
	})
	if err != nil {
		return "", nil, err
	}
	return resp.GetFlagConfiguration(), c.metadata(), nil
}

func (c *GRPCConnector) emitResponse(msg *syncv1.SyncFlagsResponse) {
	meta := c.metadata()
	if sc := msg.GetSyncContext(); sc != nil {
		for k, v := range sc.AsMap() {
			meta[k] = v
		}
	}
	c.emit(Payload{Kind: KindData, Body: msg.GetFlagConfiguration(), Metadata: meta})
}

// emit applies back-pressure: when the buffer is full the receive loop
// stalls rather than dropping configuration.
func (c *GRPCConnector) emit(p Payload) {
	select {
	case c.out <- p:
	case <-c.ctx.Done():
	}
}

func (c *GRPCConnector) metadata() map[string]any {
	return map[string]any{
		"source":      c.cfg.Upstream.Target,
		"provider_id": c.cfg.ProviderID,
	}
}

func (c *GRPCConnector) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBackoff
	bo.MaxInterval = c.cfg.RetryBackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
