// Package store owns the current flag set. Readers take lock-free
// snapshots via an atomic pointer; writers build the replacement off-line
// and swap it in under an install mutex, so a snapshot taken before an
// install stays valid for as long as its holder needs it.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/open-feature/flagd-provider-go/internal/model"
)

// State classifies a change notification.
type State string

const (
	StateOK    State = "OK"
	StateStale State = "STALE"
	StateError State = "ERROR"
)

// Change is emitted after every install attempt. ChangedKeys is empty for
// STALE and ERROR notifications.
type Change struct {
	State        State
	ChangedKeys  []string
	SyncMetadata map[string]any
}

const changeBuffer = 32

// Store holds the current FlagSet and notifies a single subscriber of
// installs. The zero value is not usable; construct with New.
type Store struct {
	current   atomic.Pointer[model.FlagSet]
	installMu sync.Mutex
	version   uint64
	changes   chan Change
	closeOnce sync.Once
}

func New() *Store {
	s := &Store{changes: make(chan Change, changeBuffer)}
	s.current.Store(model.Empty())
	return s
}

// Install atomically replaces the current flag set, assigns it the next
// version, and emits an OK change carrying the keys that differ from the
// previous set. It returns the changed keys. Only one install runs at a
// time; readers are never blocked.
func (s *Store) Install(set *model.FlagSet, syncMetadata map[string]any) []string {
	s.installMu.Lock()
	defer s.installMu.Unlock()

	previous := s.current.Load()
	changed := model.Diff(previous, set)

	s.version++
	set.Version = s.version
	s.current.Store(set)

	s.emit(Change{State: StateOK, ChangedKeys: changed, SyncMetadata: syncMetadata})
	return changed
}

// Fail records a sync failure without touching the current flag set: the
// previous data keeps serving and subscribers see the given state.
func (s *Store) Fail(state State, syncMetadata map[string]any) {
	s.installMu.Lock()
	defer s.installMu.Unlock()
	s.emit(Change{State: state, SyncMetadata: syncMetadata})
}

// Snapshot returns the current immutable flag set. Never nil, never blocks.
func (s *Store) Snapshot() *model.FlagSet {
	return s.current.Load()
}

// Subscribe returns the change channel. The store supports one consumer;
// when the consumer lags, the oldest notification is dropped rather than
// blocking installs.
func (s *Store) Subscribe() <-chan Change {
	return s.changes
}

// Close ends the change stream. Install and Fail must not be called after
// Close.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.changes) })
}

func (s *Store) emit(change Change) {
	for {
		select {
		case s.changes <- change:
			return
		default:
		}
		select {
		case <-s.changes:
		default:
		}
	}
}
