package evaluator

import (
	"log/slog"
	"testing"

	"github.com/open-feature/flagd-provider-go/internal/model"
)

func testEvaluator() *Evaluator {
	return New(slog.New(slog.DiscardHandler))
}

func parseSet(t *testing.T, payload string) *model.FlagSet {
	t.Helper()
	set, err := model.ParseDocument([]byte(payload))
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	return set
}

const goldenFlags = `{
	"flags": {
		"bool-flag": {
			"state": "ENABLED",
			"defaultVariant": "on",
			"variants": {"on": true, "off": false}
		},
		"string-flag": {
			"state": "ENABLED",
			"defaultVariant": "greeting",
			"variants": {"greeting": "hello", "farewell": "goodbye"}
		},
		"color-palette-experiment": {
			"state": "ENABLED",
			"defaultVariant": "grey",
			"variants": {
				"red": "b91c1c", "blue": "0284c7", "green": "16a34a", "grey": "4b5563"
			},
			"targeting": {
				"fractional": [["red", 25], ["blue", 25], ["green", 25], ["grey", 25]]
			}
		},
		"semver-flag": {
			"state": "ENABLED",
			"defaultVariant": "old",
			"variants": {"new": "v2", "old": "v1"},
			"targeting": {
				"if": [{"sem_ver": [{"var": "version"}, ">=", "2.0.0"]}, "new", "old"]
			}
		},
		"email-domain-flag": {
			"state": "ENABLED",
			"defaultVariant": "external",
			"variants": {"internal": true, "external": false},
			"targeting": {
				"if": [{"ends_with": [{"var": "email"}, "@company.com"]}, "internal", "external"]
			}
		}
	}
}`

func TestResolveStaticBoolean(t *testing.T) {
	set := parseSet(t, goldenFlags)

	detail := testEvaluator().ResolveBoolean(set, "bool-flag", nil)
	if detail.Code != "" {
		t.Fatalf("Code = %q (%s)", detail.Code, detail.Message)
	}
	if !detail.Value || detail.Variant != "on" || detail.Reason != ReasonStatic {
		t.Errorf("got %+v, want value=true variant=on reason=STATIC", detail)
	}
}

func TestResolveStaticString(t *testing.T) {
	set := parseSet(t, goldenFlags)

	detail := testEvaluator().ResolveString(set, "string-flag", nil)
	if detail.Value != "hello" || detail.Variant != "greeting" || detail.Reason != ReasonStatic {
		t.Errorf("got %+v, want hello/greeting/STATIC", detail)
	}
}

func TestResolveFractionalTargeting(t *testing.T) {
	set := parseSet(t, goldenFlags)

	detail := testEvaluator().ResolveString(set, "color-palette-experiment",
		map[string]any{"targetingKey": "sessionId-123"})
	if detail.Code != "" {
		t.Fatalf("Code = %q (%s)", detail.Code, detail.Message)
	}
	if detail.Value != "16a34a" || detail.Variant != "green" || detail.Reason != ReasonTargetingMatch {
		t.Errorf("got %+v, want 16a34a/green/TARGETING_MATCH", detail)
	}
}

func TestResolveSemVerTargeting(t *testing.T) {
	set := parseSet(t, goldenFlags)
	e := testEvaluator()

	newDetail := e.ResolveString(set, "semver-flag", map[string]any{"version": "2.1.0"})
	if newDetail.Variant != "new" || newDetail.Reason != ReasonTargetingMatch {
		t.Errorf("version 2.1.0: got %+v, want variant new", newDetail)
	}

	oldDetail := e.ResolveString(set, "semver-flag", map[string]any{"version": "1.9.0"})
	if oldDetail.Variant != "old" || oldDetail.Reason != ReasonTargetingMatch {
		t.Errorf("version 1.9.0: got %+v, want variant old", oldDetail)
	}
}

func TestResolveEndsWithTargeting(t *testing.T) {
	set := parseSet(t, goldenFlags)
	e := testEvaluator()

	internal := e.ResolveBoolean(set, "email-domain-flag", map[string]any{"email": "x@company.com"})
	if !internal.Value || internal.Variant != "internal" {
		t.Errorf("company email: got %+v, want internal/true", internal)
	}

	external := e.ResolveBoolean(set, "email-domain-flag", map[string]any{"email": "x@other.com"})
	if external.Value || external.Variant != "external" {
		t.Errorf("other email: got %+v, want external/false", external)
	}
}

func TestResolveFlagNotFound(t *testing.T) {
	set := parseSet(t, goldenFlags)

	detail := testEvaluator().ResolveBoolean(set, "missing", nil)
	if detail.Reason != ReasonError || detail.Code != CodeFlagNotFound {
		t.Errorf("got %+v, want ERROR/FLAG_NOT_FOUND", detail)
	}
	if detail.Value {
		t.Error("value should be the zero value on error")
	}
}

func TestResolveDisabledFlag(t *testing.T) {
	set := parseSet(t, `{
		"flags": {
			"off-flag": {
				"state": "DISABLED",
				"defaultVariant": "on",
				"variants": {"on": true},
				"targeting": {"if": [true, "on"]}
			}
		}
	}`)

	detail := testEvaluator().ResolveBoolean(set, "off-flag", nil)
	if detail.Reason != ReasonDisabled {
		t.Errorf("Reason = %q, want DISABLED", detail.Reason)
	}
	if !detail.Value || detail.Variant != "on" {
		t.Errorf("disabled flag should serve the default variant, got %+v", detail)
	}
}

func TestResolveTargetingSelectsUnknownVariant(t *testing.T) {
	set := parseSet(t, `{
		"flags": {
			"f": {
				"state": "ENABLED",
				"defaultVariant": "fallback",
				"variants": {"fallback": "safe"},
				"targeting": {"if": [true, "nonexistent", "fallback"]}
			}
		}
	}`)

	detail := testEvaluator().ResolveString(set, "f", nil)
	if detail.Value != "safe" || detail.Reason != ReasonDefault {
		t.Errorf("got %+v, want safe/DEFAULT", detail)
	}
}

func TestResolveTargetingNonVariantResult(t *testing.T) {
	// A targeting expression yielding neither a string nor a variant object
	// falls back to the default variant with reason STATIC.
	set := parseSet(t, `{
		"flags": {
			"f": {
				"state": "ENABLED",
				"defaultVariant": "on",
				"variants": {"on": true},
				"targeting": {"==": [1, 1]}
			}
		}
	}`)

	detail := testEvaluator().ResolveBoolean(set, "f", nil)
	if !detail.Value || detail.Reason != ReasonStatic {
		t.Errorf("got %+v, want true/STATIC", detail)
	}
}

func TestResolveVariantObjectResult(t *testing.T) {
	set := parseSet(t, `{
		"flags": {
			"f": {
				"state": "ENABLED",
				"defaultVariant": "off",
				"variants": {"on": true, "off": false},
				"targeting": {"if": [true, {"variant": "on"}, "off"]}
			}
		}
	}`)

	detail := testEvaluator().ResolveBoolean(set, "f", nil)
	if !detail.Value || detail.Variant != "on" || detail.Reason != ReasonTargetingMatch {
		t.Errorf("got %+v, want on/true/TARGETING_MATCH", detail)
	}
}

func TestResolveUnknownOperatorIsParseError(t *testing.T) {
	set := parseSet(t, `{
		"flags": {
			"f": {
				"state": "ENABLED",
				"defaultVariant": "on",
				"variants": {"on": true},
				"targeting": {"frobnicate": [1, 2]}
			}
		}
	}`)

	detail := testEvaluator().ResolveBoolean(set, "f", nil)
	if detail.Reason != ReasonError || detail.Code != CodeParseError {
		t.Errorf("got %+v, want ERROR/PARSE_ERROR", detail)
	}
}

func TestResolveIntBoundaries(t *testing.T) {
	set := parseSet(t, `{
		"flags": {
			"max-int": {
				"state": "ENABLED",
				"defaultVariant": "v",
				"variants": {"v": 9223372036854775807}
			},
			"too-big": {
				"state": "ENABLED",
				"defaultVariant": "v",
				"variants": {"v": 9223372036854775808}
			},
			"fractional-value": {
				"state": "ENABLED",
				"defaultVariant": "v",
				"variants": {"v": 1.5}
			}
		}
	}`)
	e := testEvaluator()

	max := e.ResolveInt(set, "max-int", nil)
	if max.Code != "" || max.Value != 9223372036854775807 {
		t.Errorf("max-int: got %+v, want 2^63-1", max)
	}

	tooBig := e.ResolveInt(set, "too-big", nil)
	if tooBig.Code != CodeTypeMismatch {
		t.Errorf("too-big: Code = %q, want TYPE_MISMATCH", tooBig.Code)
	}

	frac := e.ResolveInt(set, "fractional-value", nil)
	if frac.Code != CodeTypeMismatch {
		t.Errorf("fractional-value: Code = %q, want TYPE_MISMATCH", frac.Code)
	}

	asFloat := e.ResolveFloat(set, "fractional-value", nil)
	if asFloat.Code != "" || asFloat.Value != 1.5 {
		t.Errorf("fractional-value as float: got %+v, want 1.5", asFloat)
	}
}

func TestResolveTypeMismatch(t *testing.T) {
	set := parseSet(t, goldenFlags)

	detail := testEvaluator().ResolveString(set, "bool-flag", nil)
	if detail.Reason != ReasonError || detail.Code != CodeTypeMismatch {
		t.Errorf("got %+v, want ERROR/TYPE_MISMATCH", detail)
	}
}

func TestResolveObject(t *testing.T) {
	set := parseSet(t, `{
		"flags": {
			"config": {
				"state": "ENABLED",
				"defaultVariant": "v",
				"variants": {
					"v": {"retries": 3, "timeout": 1.5, "name": "primary", "unset": null}
				}
			}
		}
	}`)

	detail := testEvaluator().ResolveObject(set, "config", nil)
	if detail.Code != "" {
		t.Fatalf("Code = %q (%s)", detail.Code, detail.Message)
	}
	if retries, ok := detail.Value["retries"].(int64); !ok || retries != 3 {
		t.Errorf("retries = %v (%T), want int64 3", detail.Value["retries"], detail.Value["retries"])
	}
	if timeout, ok := detail.Value["timeout"].(float64); !ok || timeout != 1.5 {
		t.Errorf("timeout = %v (%T), want float64 1.5", detail.Value["timeout"], detail.Value["timeout"])
	}
	if _, ok := detail.Value["unset"]; ok {
		t.Error("JSON null should be dropped from object values")
	}
}

func TestResolveMetadataMerge(t *testing.T) {
	set := parseSet(t, `{
		"flags": {
			"f": {
				"state": "ENABLED",
				"defaultVariant": "on",
				"variants": {"on": true},
				"metadata": {"team": "growth", "version": "flag-level"}
			}
		},
		"metadata": {"flagSetId": "demo", "version": "set-level"}
	}`)

	detail := testEvaluator().ResolveBoolean(set, "f", nil)
	if detail.Metadata["flagSetId"] != "demo" {
		t.Errorf("flagSetId = %v", detail.Metadata["flagSetId"])
	}
	if detail.Metadata["team"] != "growth" {
		t.Errorf("team = %v", detail.Metadata["team"])
	}
	// Flag metadata wins over set metadata on conflicts.
	if detail.Metadata["version"] != "flag-level" {
		t.Errorf("version = %v, want flag-level", detail.Metadata["version"])
	}
}

func TestResolveNoDefaultVariant(t *testing.T) {
	set := parseSet(t, `{
		"flags": {
			"f": {"state": "ENABLED", "variants": {"on": true}}
		}
	}`)

	detail := testEvaluator().ResolveBoolean(set, "f", nil)
	if detail.Reason != ReasonError || detail.Code != CodeGeneral {
		t.Errorf("got %+v, want ERROR/GENERAL", detail)
	}
}
