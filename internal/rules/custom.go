package rules

import (
	"strings"

	"github.com/Masterminds/semver"
	"github.com/twmb/murmur3"
)

// targetingKeyField is the well-known context field carrying the caller's
// stable identity.
const targetingKeyField = "targetingKey"

// opFractional buckets the evaluation into one of several weighted variants.
//
// The bucketing key is either the first argument (when it evaluates to a
// string) or the concatenation of the current flag key and the caller's
// targeting key. The key is hashed with MurmurHash3 x86-32 (seed 0) and
// projected onto [0, 100); the first variant whose cumulative weight share
// exceeds the bucket wins. Identical (flag key, targeting key, weights)
// always select the same variant.
func opFractional(args []any, frame *Frame) any {
	if len(args) == 0 {
		return nil
	}

	pairs := args
	var bucketKey string
	if explicit, ok := args[0].(string); ok {
		bucketKey = explicit
		pairs = args[1:]
	} else {
		flagKey, _ := frame.Lookup(FlagdKey + ".flagKey")
		targetingKey, _ := frame.Lookup(targetingKeyField)
		fk, _ := flagKey.(string)
		tk, _ := targetingKey.(string)
		bucketKey = fk + tk
	}

	type weighted struct {
		variant string
		weight  float64
	}
	distribution := make([]weighted, 0, len(pairs))
	total := 0.0
	for _, raw := range pairs {
		pair, ok := raw.([]any)
		if !ok || len(pair) == 0 {
			return nil
		}
		variant, ok := pair[0].(string)
		if !ok {
			return nil
		}
		weight := 1.0
		if len(pair) > 1 {
			w, ok := asFloat64(pair[1])
			if !ok || w < 0 {
				return nil
			}
			weight = w
		}
		distribution = append(distribution, weighted{variant: variant, weight: weight})
		total += weight
	}
	if total <= 0 {
		return nil
	}

	hash := murmur3.StringSum32(bucketKey)
	bucket := float64(hash) / (1 << 32) * 100

	cumulative := 0.0
	for _, d := range distribution {
		cumulative += d.weight / total * 100
		if cumulative > bucket {
			return d.variant
		}
	}
	return nil
}

var semVerOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"^": true, "~": true,
}

// opSemVer compares two SemVer 2.0 strings. Unparsable versions and unknown
// comparison operators yield nil (no match).
func opSemVer(args []any, _ *Frame) any {
	if len(args) != 3 {
		return nil
	}
	left, lok := args[0].(string)
	op, ook := args[1].(string)
	right, rok := args[2].(string)
	if !lok || !ook || !rok || !semVerOps[op] {
		return nil
	}

	version, err := semver.NewVersion(left)
	if err != nil {
		return nil
	}

	// ^ and ~ are range shorthands, checked as constraints. The ordering
	// operators compare the two versions directly so pre-release operands
	// follow SemVer 2.0 precedence (2.1.0-beta >= 2.0.0, 1.0.0-alpha <
	// 1.0.0); constraint checks would exclude them.
	if op == "^" || op == "~" {
		constraint, err := semver.NewConstraint(op + right)
		if err != nil {
			return nil
		}
		return constraint.Check(version)
	}

	other, err := semver.NewVersion(right)
	if err != nil {
		return nil
	}
	cmp := version.Compare(other)
	switch op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return nil
}

func opStartsWith(args []any, _ *Frame) any {
	s, affix, ok := stringPair(args)
	if !ok {
		return nil
	}
	return strings.HasPrefix(s, affix)
}

func opEndsWith(args []any, _ *Frame) any {
	s, affix, ok := stringPair(args)
	if !ok {
		return nil
	}
	return strings.HasSuffix(s, affix)
}

func stringPair(args []any) (string, string, bool) {
	if len(args) != 2 {
		return "", "", false
	}
	s, sok := args[0].(string)
	affix, aok := args[1].(string)
	if !sok || !aok {
		return "", "", false
	}
	return s, affix, true
}
