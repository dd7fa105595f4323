// Package connector produces the stream of flag-configuration payloads that
// feeds the store: either a flagd gRPC sync stream or a watched local file.
package connector

import "context"

// Kind distinguishes configuration data from source failures.
type Kind int

const (
	KindData Kind = iota
	KindError
)

func (k Kind) String() string {
	if k == KindError {
		return "error"
	}
	return "data"
}

// Payload is one message from a connector. Body carries the raw
// flag-definition JSON for KindData and a human-readable cause for
// KindError. Duplicate data payloads are harmless: installs are idempotent.
type Payload struct {
	Kind     Kind
	Body     string
	Metadata map[string]any
}

// Connector acquires flag configuration from one source.
//
// Init blocks until the first payload has been emitted or a fatal error is
// known; the caller bounds the wait through ctx. Payloads delivers in FIFO
// order on a bounded channel and is closed by Shutdown. Shutdown releases
// the underlying transport and is safe to call more than once.
type Connector interface {
	Init(ctx context.Context) error
	Payloads() <-chan Payload
	Shutdown() error
}
