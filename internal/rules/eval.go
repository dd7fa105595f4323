package rules

import (
	"fmt"
	"strings"
	"time"
)

// FlagdKey is the reserved frame key carrying per-evaluation data
// ($flagd.flagKey, $flagd.timestamp).
const FlagdKey = "$flagd"

// Frame is the data visible to var lookups during one evaluation: the
// caller's context augmented with the reserved $flagd entry.
type Frame struct {
	Data map[string]any
}

// NewFrame builds an evaluation frame from a user context and the key of the
// flag under evaluation. The user map is not copied; frames are read-only.
func NewFrame(evalCtx map[string]any, flagKey string) *Frame {
	data := make(map[string]any, len(evalCtx)+1)
	for k, v := range evalCtx {
		data[k] = v
	}
	data[FlagdKey] = map[string]any{
		"flagKey":   flagKey,
		"timestamp": time.Now().Unix(),
	}
	return &Frame{Data: data}
}

// Lookup resolves a dotted path through nested maps.
func (f *Frame) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = f.Data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Eval walks a parsed expression against a frame. Operator type mismatches
// are soft: the sub-expression yields nil and the caller falls back to the
// flag's default variant. The only hard failure is a call to an operator the
// registry does not know.
func Eval(node Node, frame *Frame, reg *Registry) (any, error) {
	switch n := node.(type) {
	case Literal:
		return n.Value, nil
	case Var:
		value, ok := frame.Lookup(n.Path)
		if !ok {
			if n.HasDflt {
				return n.Default, nil
			}
			return nil, nil
		}
		return value, nil
	case Array:
		out := make([]any, len(n.Elems))
		for i, e := range n.Elems {
			v, err := Eval(e, frame, reg)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case Call:
		return evalCall(n, frame, reg)
	default:
		return nil, nil
	}
}

func evalCall(call Call, frame *Frame, reg *Registry) (any, error) {
	switch call.Op {
	case "if":
		return evalIf(call.Args, frame, reg)
	case "and":
		return evalAnd(call.Args, frame, reg)
	case "or":
		return evalOr(call.Args, frame, reg)
	case "missing":
		return evalMissing(call.Args, frame, reg)
	}

	args, err := evalArgs(call.Args, frame, reg)
	if err != nil {
		return nil, err
	}

	switch call.Op {
	case "==":
		return looseEqual(arg(args, 0), arg(args, 1)), nil
	case "!=":
		return !looseEqual(arg(args, 0), arg(args, 1)), nil
	case "==?":
		return arg(args, 0) != nil && arg(args, 1) != nil &&
			looseEqual(args[0], args[1]), nil
	case ">", ">=", "<", "<=":
		return compare(call.Op, arg(args, 0), arg(args, 1)), nil
	case "!":
		return !truthy(arg(args, 0)), nil
	case "in":
		return evalIn(arg(args, 0), arg(args, 1)), nil
	case "cat":
		var sb strings.Builder
		for _, a := range args {
			sb.WriteString(stringify(a))
		}
		return sb.String(), nil
	}

	fn, ok := reg.lookup(call.Op)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, call.Op)
	}
	return fn(args, frame), nil
}

func evalArgs(nodes []Node, frame *Frame, reg *Registry) ([]any, error) {
	args := make([]any, len(nodes))
	for i, n := range nodes {
		v, err := Eval(n, frame, reg)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// evalIf handles [cond1, then1, cond2, then2, ..., else].
func evalIf(args []Node, frame *Frame, reg *Registry) (any, error) {
	i := 0
	for ; i+1 < len(args); i += 2 {
		cond, err := Eval(args[i], frame, reg)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return Eval(args[i+1], frame, reg)
		}
	}
	if i < len(args) {
		return Eval(args[i], frame, reg)
	}
	return nil, nil
}

func evalAnd(args []Node, frame *Frame, reg *Registry) (any, error) {
	var last any = true
	for _, a := range args {
		v, err := Eval(a, frame, reg)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

func evalOr(args []Node, frame *Frame, reg *Registry) (any, error) {
	var last any = false
	for _, a := range args {
		v, err := Eval(a, frame, reg)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

// evalMissing returns the argument names absent from the frame.
func evalMissing(args []Node, frame *Frame, reg *Registry) (any, error) {
	missing := []any{}
	for _, a := range args {
		v, err := Eval(a, frame, reg)
		if err != nil {
			return nil, err
		}
		name, ok := v.(string)
		if !ok {
			continue
		}
		if _, found := frame.Lookup(name); !found {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func evalIn(needle, haystack any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, candidate := range h {
			if looseEqual(needle, candidate) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compare(op string, left, right any) bool {
	if lf, lok := asFloat64(left); lok {
		rf, rok := asFloat64(right)
		if !rok {
			return false
		}
		switch op {
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		}
		return false
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false
	}
	switch op {
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	}
	return false
}
