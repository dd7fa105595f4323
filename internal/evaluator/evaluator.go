// Package evaluator resolves a flag plus an evaluation context into a typed
// value with a reason, variant and merged metadata.
package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/open-feature/flagd-provider-go/internal/model"
	"github.com/open-feature/flagd-provider-go/internal/rules"
)

// Reason explains how a resolution was produced.
type Reason string

const (
	ReasonStatic         Reason = "STATIC"
	ReasonDefault        Reason = "DEFAULT"
	ReasonTargetingMatch Reason = "TARGETING_MATCH"
	ReasonDisabled       Reason = "DISABLED"
	ReasonCached         Reason = "CACHED"
	ReasonError          Reason = "ERROR"
)

// Code classifies an evaluation error.
type Code string

const (
	CodeFlagNotFound     Code = "FLAG_NOT_FOUND"
	CodeParseError       Code = "PARSE_ERROR"
	CodeTypeMismatch     Code = "TYPE_MISMATCH"
	CodeInvalidContext   Code = "INVALID_CONTEXT"
	CodeProviderNotReady Code = "PROVIDER_NOT_READY"
	CodeGeneral          Code = "GENERAL"
)

// Detail is the outcome of one typed resolution. When Code is non-empty the
// Value is the caller's default of T and Message describes the failure.
type Detail[T any] struct {
	Value    T
	Variant  string
	Reason   Reason
	Metadata map[string]any
	Code     Code
	Message  string
}

// Evaluator applies targeting rules and variant coercion against flag-set
// snapshots. It is stateless apart from its operator registry and safe for
// concurrent use.
type Evaluator struct {
	registry *rules.Registry
	logger   *slog.Logger
}

// New creates an Evaluator with the default operator registry.
func New(logger *slog.Logger) *Evaluator {
	return &Evaluator{registry: rules.NewRegistry(), logger: logger}
}

// Registry exposes the operator registry for custom operator registration.
func (e *Evaluator) Registry() *rules.Registry {
	return e.registry
}

func (e *Evaluator) ResolveBoolean(set *model.FlagSet, key string, evalCtx map[string]any) Detail[bool] {
	return resolveTyped(e, set, key, evalCtx, func(v any) (bool, bool) {
		b, ok := v.(bool)
		return b, ok
	})
}

func (e *Evaluator) ResolveString(set *model.FlagSet, key string, evalCtx map[string]any) Detail[string] {
	return resolveTyped(e, set, key, evalCtx, func(v any) (string, bool) {
		s, ok := v.(string)
		return s, ok
	})
}

func (e *Evaluator) ResolveInt(set *model.FlagSet, key string, evalCtx map[string]any) Detail[int64] {
	return resolveTyped(e, set, key, evalCtx, asIntValue)
}

func (e *Evaluator) ResolveFloat(set *model.FlagSet, key string, evalCtx map[string]any) Detail[float64] {
	return resolveTyped(e, set, key, evalCtx, asFloatValue)
}

func (e *Evaluator) ResolveObject(set *model.FlagSet, key string, evalCtx map[string]any) Detail[map[string]any] {
	return resolveTyped(e, set, key, evalCtx, asObjectValue)
}

// resolveTyped runs the shared variant-selection algorithm and coerces the
// selected variant's value to T.
func resolveTyped[T any](e *Evaluator, set *model.FlagSet, key string, evalCtx map[string]any, coerce func(any) (T, bool)) Detail[T] {
	variant, value, reason, metadata, err := e.resolveVariant(set, key, evalCtx)
	if err != nil {
		var code Code = CodeGeneral
		var evalErr *evalError
		if errors.As(err, &evalErr) {
			code = evalErr.code
		}
		return Detail[T]{Reason: ReasonError, Code: code, Message: err.Error(), Metadata: metadata}
	}

	typed, ok := coerce(value)
	if !ok {
		return Detail[T]{
			Reason:   ReasonError,
			Code:     CodeTypeMismatch,
			Message:  fmt.Sprintf("variant %q of flag %q does not hold the requested type", variant, key),
			Metadata: metadata,
		}
	}

	return Detail[T]{Value: typed, Variant: variant, Reason: reason, Metadata: metadata}
}

type evalError struct {
	code Code
	msg  string
}

func (e *evalError) Error() string { return e.msg }

func errNotFound(key string) error {
	return &evalError{code: CodeFlagNotFound, msg: fmt.Sprintf("flag %q not found", key)}
}

func errParse(key string, cause error) error {
	return &evalError{code: CodeParseError, msg: fmt.Sprintf("flag %q: %v", key, cause)}
}

func errGeneral(key, msg string) error {
	return &evalError{code: CodeGeneral, msg: fmt.Sprintf("flag %q: %s", key, msg)}
}

// resolveVariant picks the variant for a flag: disabled and untargeted flags
// fall back to the default variant, otherwise the targeting expression
// selects one. The returned metadata is the flag-set metadata merged with
// the flag's own (the flag wins on conflicts).
func (e *Evaluator) resolveVariant(set *model.FlagSet, key string, evalCtx map[string]any) (string, any, Reason, map[string]any, error) {
	flag, ok := set.Flags[key]
	if !ok {
		return "", nil, ReasonError, mergeMetadata(set.Metadata, nil), errNotFound(key)
	}

	metadata := mergeMetadata(set.Metadata, flag.Metadata)

	if flag.State == model.StateDisabled {
		value, err := e.variantValue(flag, flag.DefaultVariant, key)
		if err != nil {
			return "", nil, ReasonError, metadata, err
		}
		return flag.DefaultVariant, value, ReasonDisabled, metadata, nil
	}

	if flag.Targeting == nil {
		value, err := e.variantValue(flag, flag.DefaultVariant, key)
		if err != nil {
			return "", nil, ReasonError, metadata, err
		}
		return flag.DefaultVariant, value, ReasonStatic, metadata, nil
	}

	node, err := rules.Parse(flag.Targeting, e.registry)
	if err != nil {
		return "", nil, ReasonError, metadata, errParse(key, err)
	}
	frame := rules.NewFrame(evalCtx, key)
	result, err := rules.Eval(node, frame, e.registry)
	if err != nil {
		return "", nil, ReasonError, metadata, errParse(key, err)
	}

	selected, ok := variantName(result)
	if !ok || selected == "" {
		// Neither a string nor a {"variant": …} object: static fallback.
		value, verr := e.variantValue(flag, flag.DefaultVariant, key)
		if verr != nil {
			return "", nil, ReasonError, metadata, verr
		}
		reason := ReasonStatic
		if ok {
			reason = ReasonDefault
		}
		return flag.DefaultVariant, value, reason, metadata, nil
	}

	if _, exists := flag.Variants[selected]; !exists {
		e.logger.Debug("targeting selected unknown variant, using default",
			"flag", key, "variant", selected)
		value, verr := e.variantValue(flag, flag.DefaultVariant, key)
		if verr != nil {
			return "", nil, ReasonError, metadata, verr
		}
		return flag.DefaultVariant, value, ReasonDefault, metadata, nil
	}

	return selected, flag.Variants[selected], ReasonTargetingMatch, metadata, nil
}

// variantName interprets an expression result as a variant selection: a
// string is the variant name; an object with a "variant" field uses that
// field; anything else means "no selection".
func variantName(result any) (string, bool) {
	switch r := result.(type) {
	case string:
		return r, true
	case map[string]any:
		name, ok := r["variant"].(string)
		return name, ok
	default:
		return "", false
	}
}

func (e *Evaluator) variantValue(flag model.Flag, variant, key string) (any, error) {
	if variant == "" {
		return nil, errGeneral(key, "no default variant")
	}
	value, ok := flag.Variants[variant]
	if !ok {
		return nil, errGeneral(key, fmt.Sprintf("default variant %q is not defined", variant))
	}
	return value, nil
}

func mergeMetadata(setMeta, flagMeta map[string]any) map[string]any {
	if len(setMeta) == 0 && len(flagMeta) == 0 {
		return nil
	}
	merged := make(map[string]any, len(setMeta)+len(flagMeta))
	for k, v := range setMeta {
		merged[k] = v
	}
	for k, v := range flagMeta {
		merged[k] = v
	}
	return merged
}

func asIntValue(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if math.Trunc(n) != n || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// asObjectValue accepts JSON objects, converting json.Number leaves to
// plain float64/int64 values and dropping JSON nulls.
func asObjectValue(v any) (map[string]any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	converted := convertValue(obj)
	out, ok := converted.(map[string]any)
	return out, ok
}

func convertValue(v any) any {
	switch value := v.(type) {
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i
		}
		f, _ := value.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, elem := range value {
			if elem == nil {
				continue
			}
			out[k] = convertValue(elem)
		}
		return out
	case []any:
		out := make([]any, 0, len(value))
		for _, elem := range value {
			out = append(out, convertValue(elem))
		}
		return out
	default:
		return v
	}
}
