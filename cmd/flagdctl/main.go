// Package main is flagdctl, a small command-line client for inspecting
// flagd flag resolution.
//
// It connects with the same FLAGD_* environment configuration the provider
// library uses, resolves one flag, prints the resolution detail as JSON and
// exits. Typical uses:
//
//	flagdctl -flag my-flag -type boolean
//	flagdctl -flag background-color -type string -context '{"company":"initech"}'
//	FLAGD_RESOLVER=file FLAGD_OFFLINE_FLAG_SOURCE_PATH=flags.json flagdctl -flag my-flag -type boolean -watch
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	of "github.com/open-feature/go-sdk/openfeature"

	flagd "github.com/open-feature/flagd-provider-go"
	"github.com/open-feature/flagd-provider-go/internal/logging"
	"github.com/open-feature/flagd-provider-go/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("flagdctl failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flagKey := flag.String("flag", "", "flag key to resolve (required)")
	flagType := flag.String("type", "boolean", "flag type: boolean, string, int, float, object")
	rawContext := flag.String("context", "{}", "evaluation context as a JSON object")
	watch := flag.Bool("watch", false, "stay connected and re-resolve on configuration changes")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	flag.Parse()

	if *flagKey == "" {
		flag.Usage()
		return fmt.Errorf("-flag is required")
	}

	level := *logLevel
	if level == "" {
		level = os.Getenv("FLAGD_LOG_LEVEL")
	}
	log := logging.New(level)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	var evalCtxValues map[string]any
	if err := json.Unmarshal([]byte(*rawContext), &evalCtxValues); err != nil {
		return fmt.Errorf("parse -context: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := flagd.NewProvider(flagd.WithLogger(log))
	if err != nil {
		return fmt.Errorf("configure provider: %w", err)
	}
	if err := of.SetProviderAndWait(provider); err != nil {
		return fmt.Errorf("initialise provider: %w", err)
	}
	defer of.Shutdown()

	client := of.NewClient("flagdctl")
	evalCtx := evaluationContext(evalCtxValues)

	if err := resolveOnce(ctx, client, *flagKey, *flagType, evalCtx); err != nil {
		return err
	}
	if !*watch {
		return nil
	}

	changes := make(chan struct{}, 1)
	onChange := func(details of.EventDetails) {
		select {
		case changes <- struct{}{}:
		default:
		}
	}
	of.AddHandler(of.ProviderConfigChange, &onChange)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			if err := resolveOnce(ctx, client, *flagKey, *flagType, evalCtx); err != nil {
				log.Error("resolve failed", "error", err)
			}
		}
	}
}

// evaluationContext lifts a plain JSON object into an OpenFeature
// evaluation context, treating "targetingKey" specially.
func evaluationContext(values map[string]any) of.EvaluationContext {
	targetingKey, _ := values["targetingKey"].(string)
	attrs := make(map[string]any, len(values))
	for k, v := range values {
		if k == "targetingKey" {
			continue
		}
		attrs[k] = v
	}
	return of.NewEvaluationContext(targetingKey, attrs)
}

func resolveOnce(ctx context.Context, client *of.Client, key, flagType string, evalCtx of.EvaluationContext) error {
	var out any
	var err error

	switch strings.ToLower(flagType) {
	case "boolean", "bool":
		out, err = client.BooleanValueDetails(ctx, key, false, evalCtx)
	case "string":
		out, err = client.StringValueDetails(ctx, key, "", evalCtx)
	case "int", "integer":
		out, err = client.IntValueDetails(ctx, key, 0, evalCtx)
	case "float", "number":
		out, err = client.FloatValueDetails(ctx, key, 0, evalCtx)
	case "object":
		out, err = client.ObjectValueDetails(ctx, key, nil, evalCtx)
	default:
		return fmt.Errorf("unknown flag type %q", flagType)
	}
	if err != nil {
		// The details struct still carries the error code and the default;
		// print it alongside the error.
		slog.Warn("resolution returned an error", "flag", key, "error", err)
	}

	encoded, marshalErr := json.MarshalIndent(out, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("encode resolution: %w", marshalErr)
	}
	fmt.Println(string(encoded))
	return nil
}
