// Package rules implements the targeting expression language: a
// JsonLogic-like tree with a small built-in operator set and named custom
// operators (fractional rollout, semantic-version checks, string affix
// tests).
//
// The tree is typed: a node is a Literal, a Var reference, an Array of
// sub-expressions, or a Call to a named operator. Trees are parsed from the
// decoded JSON of a flag's targeting field; cycles cannot occur by
// construction.
package rules

import (
	"errors"
	"fmt"
)

// ErrUnknownOperator marks a structurally invalid expression: a call to an
// operator that is neither built in nor registered. Callers surface it as a
// parse error; every other operator misuse degrades to a nil result.
var ErrUnknownOperator = errors.New("unknown operator")

// Node is one vertex of a parsed targeting expression.
type Node interface {
	isNode()
}

// Literal is a constant JSON value (including whole objects).
type Literal struct {
	Value any
}

// Var references a context value by dotted path, with an optional default.
type Var struct {
	Path    string
	Default any
	HasDflt bool
}

// Array is an array whose elements are themselves expressions.
type Array struct {
	Elems []Node
}

// Call applies a named operator to its arguments.
type Call struct {
	Op   string
	Args []Node
}

func (Literal) isNode() {}
func (Var) isNode()     {}
func (Array) isNode()   {}
func (Call) isNode()    {}

// OperatorFunc evaluates a custom operator over already-evaluated argument
// values. A nil return means "no result" and triggers the caller's fallback;
// operator implementations never return errors.
type OperatorFunc func(args []any, frame *Frame) any

// Registry maps operator names to implementations. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	ops map[string]OperatorFunc
}

// NewRegistry returns a registry pre-loaded with the flagd custom operators:
// fractional, sem_ver, starts_with and ends_with.
func NewRegistry() *Registry {
	r := &Registry{ops: map[string]OperatorFunc{}}
	r.Register("fractional", opFractional)
	r.Register("sem_ver", opSemVer)
	r.Register("starts_with", opStartsWith)
	r.Register("ends_with", opEndsWith)
	return r
}

// Register adds or replaces a named operator.
func (r *Registry) Register(name string, fn OperatorFunc) {
	r.ops[name] = fn
}

func (r *Registry) lookup(name string) (OperatorFunc, bool) {
	fn, ok := r.ops[name]
	return fn, ok
}

// builtins are operators with bespoke evaluation (short-circuiting,
// frame access) handled directly by Eval.
var builtins = map[string]bool{
	"if": true, "==": true, "!=": true, ">": true, ">=": true, "<": true,
	"<=": true, "and": true, "or": true, "!": true, "in": true, "cat": true,
	"missing": true, "==?": true,
}

// Parse converts a decoded JSON tree into a typed expression.
//
// A single-key object is an operator call when its key is "var", a built-in,
// or a registered operator. A single-key object with an unknown key and an
// array value is treated as a call to an unknown operator and rejected;
// any other object is a literal (so result shapes like {"variant": "x"}
// pass through untouched).
func Parse(tree any, reg *Registry) (Node, error) {
	switch t := tree.(type) {
	case map[string]any:
		op, arg, ok := singleKey(t)
		if !ok {
			return Literal{Value: t}, nil
		}
		if op == "var" {
			return parseVar(arg)
		}
		_, registered := reg.lookup(op)
		if !builtins[op] && !registered {
			if _, isArgs := arg.([]any); isArgs {
				return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
			}
			return Literal{Value: t}, nil
		}
		args, err := parseArgs(arg, reg)
		if err != nil {
			return nil, err
		}
		return Call{Op: op, Args: args}, nil
	case []any:
		elems := make([]Node, len(t))
		for i, e := range t {
			node, err := Parse(e, reg)
			if err != nil {
				return nil, err
			}
			elems[i] = node
		}
		return Array{Elems: elems}, nil
	default:
		return Literal{Value: tree}, nil
	}
}

func singleKey(m map[string]any) (string, any, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		return k, v, true
	}
	return "", nil, false
}

func parseArgs(arg any, reg *Registry) ([]Node, error) {
	rawArgs, ok := arg.([]any)
	if !ok {
		// Unary sugar: {"!": {"var": "x"}}.
		rawArgs = []any{arg}
	}
	args := make([]Node, len(rawArgs))
	for i, raw := range rawArgs {
		node, err := Parse(raw, reg)
		if err != nil {
			return nil, err
		}
		args[i] = node
	}
	return args, nil
}

func parseVar(arg any) (Node, error) {
	switch a := arg.(type) {
	case string:
		return Var{Path: a}, nil
	case []any:
		if len(a) == 0 {
			return Var{}, nil
		}
		path, _ := a[0].(string)
		v := Var{Path: path}
		if len(a) > 1 {
			v.Default = a[1]
			v.HasDflt = true
		}
		return v, nil
	default:
		return Var{}, nil
	}
}
