package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedDocument = errors.New("malformed flag document")
	ErrUnresolvedRef     = errors.New("unresolved $ref")
	ErrRefCycle          = errors.New("$ref cycle")
)

type document struct {
	Flags      map[string]json.RawMessage `json:"flags"`
	Evaluators map[string]json.RawMessage `json:"$evaluators"`
	Metadata   map[string]any             `json:"metadata"`
}

type flagDoc struct {
	State          State          `json:"state"`
	DefaultVariant string         `json:"defaultVariant"`
	Variants       map[string]any `json:"variants"`
	Targeting      any            `json:"targeting"`
	Metadata       map[string]any `json:"metadata"`
}

// ParseDocument decodes a flagd flag-definition document into a FlagSet.
// Numbers are decoded as json.Number so integer variants keep full 64-bit
// precision. Every {"$ref": name} occurrence inside targeting expressions is
// substituted from the $evaluators dictionary; a missing name or a reference
// cycle is a parse error.
func ParseDocument(payload []byte) (*FlagSet, error) {
	var probe map[string]json.RawMessage
	if err := decodeNumber(payload, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	rawFlags, ok := probe["flags"]
	if !ok {
		return nil, fmt.Errorf("%w: missing \"flags\"", ErrMalformedDocument)
	}
	if len(rawFlags) == 0 || rawFlags[0] != '{' {
		return nil, fmt.Errorf("%w: \"flags\" is not an object", ErrMalformedDocument)
	}

	var doc document
	if err := decodeNumber(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	evaluators := make(map[string]any, len(doc.Evaluators))
	for name, raw := range doc.Evaluators {
		var tree any
		if err := decodeNumber(raw, &tree); err != nil {
			return nil, fmt.Errorf("%w: $evaluators[%q]: %v", ErrMalformedDocument, name, err)
		}
		evaluators[name] = tree
	}

	set := &FlagSet{
		Flags:    make(map[string]Flag, len(doc.Flags)),
		Metadata: doc.Metadata,
	}
	if set.Metadata == nil {
		set.Metadata = map[string]any{}
	}

	for key, raw := range doc.Flags {
		var fd flagDoc
		if err := decodeNumber(raw, &fd); err != nil {
			return nil, fmt.Errorf("%w: flag %q: %v", ErrMalformedDocument, key, err)
		}
		if fd.State != StateEnabled && fd.State != StateDisabled {
			return nil, fmt.Errorf("%w: flag %q: invalid state %q", ErrMalformedDocument, key, fd.State)
		}

		targeting := fd.Targeting
		if targeting != nil {
			resolved, err := substituteRefs(targeting, evaluators, map[string]bool{})
			if err != nil {
				return nil, fmt.Errorf("flag %q: %w", key, err)
			}
			targeting = resolved
		}

		set.Flags[key] = Flag{
			Key:            key,
			State:          fd.State,
			DefaultVariant: fd.DefaultVariant,
			Variants:       fd.Variants,
			Targeting:      targeting,
			Metadata:       fd.Metadata,
		}
	}

	return set, nil
}

// Serialise renders a FlagSet back into the flag-definition document shape.
// parse(Serialise(set)) yields a set equal to the input.
func Serialise(set *FlagSet) ([]byte, error) {
	doc := struct {
		Flags    map[string]Flag `json:"flags"`
		Metadata map[string]any  `json:"metadata,omitempty"`
	}{
		Flags:    set.Flags,
		Metadata: set.Metadata,
	}
	return json.Marshal(doc)
}

// substituteRefs replaces {"$ref": name} nodes with the named evaluator
// fragment. Substituted fragments are resolved in turn; revisiting a name
// already on the resolution path is a cycle.
func substituteRefs(node any, evaluators map[string]any, path map[string]bool) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := refName(n); ok {
			fragment, ok := evaluators[ref]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnresolvedRef, ref)
			}
			if path[ref] {
				return nil, fmt.Errorf("%w: %q", ErrRefCycle, ref)
			}
			path[ref] = true
			resolved, err := substituteRefs(fragment, evaluators, path)
			delete(path, ref)
			return resolved, err
		}
		out := make(map[string]any, len(n))
		for k, v := range n {
			resolved, err := substituteRefs(v, evaluators, path)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			resolved, err := substituteRefs(v, evaluators, path)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return node, nil
	}
}

func refName(node map[string]any) (string, bool) {
	if len(node) != 1 {
		return "", false
	}
	ref, ok := node["$ref"]
	if !ok {
		return "", false
	}
	name, ok := ref.(string)
	return name, ok
}

func decodeNumber(payload []byte, into any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(into)
}
