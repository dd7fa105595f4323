// Package model holds the immutable flag-set data model and the parser for
// the flagd flag-definition JSON document.
package model

import (
	"reflect"
	"sort"
)

// State is the lifecycle state of a flag.
type State string

const (
	StateEnabled  State = "ENABLED"
	StateDisabled State = "DISABLED"
)

// Flag is a single named toggle. Variants hold decoded JSON values (numbers
// are json.Number so 64-bit integers survive). Targeting is the decoded
// expression tree with all $ref fragments already substituted.
type Flag struct {
	Key            string         `json:"-"`
	State          State          `json:"state"`
	DefaultVariant string         `json:"defaultVariant,omitempty"`
	Variants       map[string]any `json:"variants"`
	Targeting      any            `json:"targeting,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// FlagSet is a point-in-time view of all flags plus document-level metadata.
// A FlagSet is never mutated after construction; the store replaces it
// wholesale on every sync event. Version is assigned by the store at install
// time and is zero until then.
type FlagSet struct {
	Flags    map[string]Flag
	Metadata map[string]any
	Version  uint64
}

// Empty returns a FlagSet with no flags, used before the first install.
func Empty() *FlagSet {
	return &FlagSet{Flags: map[string]Flag{}, Metadata: map[string]any{}}
}

// Diff returns the keys that were added, removed, or changed between two
// flag sets, sorted. Change detection is structural equality on the Flag
// value. Either argument may be nil.
func Diff(old, new *FlagSet) []string {
	changed := make([]string, 0)

	oldFlags := map[string]Flag{}
	if old != nil {
		oldFlags = old.Flags
	}
	newFlags := map[string]Flag{}
	if new != nil {
		newFlags = new.Flags
	}

	for key, oldFlag := range oldFlags {
		newFlag, ok := newFlags[key]
		if !ok || !reflect.DeepEqual(oldFlag, newFlag) {
			changed = append(changed, key)
		}
	}
	for key := range newFlags {
		if _, ok := oldFlags[key]; !ok {
			changed = append(changed, key)
		}
	}

	sort.Strings(changed)
	return changed
}
