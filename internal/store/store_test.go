package store

import (
	"reflect"
	"testing"
	"time"

	"github.com/open-feature/flagd-provider-go/internal/model"
)

func parseSet(t *testing.T, payload string) *model.FlagSet {
	t.Helper()
	set, err := model.ParseDocument([]byte(payload))
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	return set
}

const twoFlags = `{"flags": {
	"a": {"state": "ENABLED", "defaultVariant": "on", "variants": {"on": true}},
	"b": {"state": "ENABLED", "defaultVariant": "on", "variants": {"on": true}}
}}`

func receiveChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case change, ok := <-ch:
		if !ok {
			t.Fatal("change channel closed unexpectedly")
		}
		return change
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a change")
	}
	return Change{}
}

func TestStoreEmptyOnConstruction(t *testing.T) {
	s := New()

	snapshot := s.Snapshot()
	if snapshot == nil {
		t.Fatal("Snapshot() = nil")
	}
	if len(snapshot.Flags) != 0 {
		t.Errorf("new store holds %d flags, want 0", len(snapshot.Flags))
	}
	if snapshot.Version != 0 {
		t.Errorf("Version = %d, want 0", snapshot.Version)
	}
}

func TestStoreInstall(t *testing.T) {
	s := New()
	ch := s.Subscribe()

	changed := s.Install(parseSet(t, twoFlags), map[string]any{"source": "test"})
	want := []string{"a", "b"}
	if !reflect.DeepEqual(changed, want) {
		t.Errorf("Install() changed = %v, want %v", changed, want)
	}

	snapshot := s.Snapshot()
	if snapshot.Version != 1 {
		t.Errorf("Version = %d, want 1", snapshot.Version)
	}
	if len(snapshot.Flags) != 2 {
		t.Errorf("snapshot holds %d flags, want 2", len(snapshot.Flags))
	}

	change := receiveChange(t, ch)
	if change.State != StateOK {
		t.Errorf("State = %q, want OK", change.State)
	}
	if !reflect.DeepEqual(change.ChangedKeys, want) {
		t.Errorf("ChangedKeys = %v, want %v", change.ChangedKeys, want)
	}
	if change.SyncMetadata["source"] != "test" {
		t.Errorf("SyncMetadata = %v", change.SyncMetadata)
	}
}

func TestStoreVersionsAreMonotonic(t *testing.T) {
	s := New()

	for i := uint64(1); i <= 5; i++ {
		s.Install(parseSet(t, twoFlags), nil)
		if got := s.Snapshot().Version; got != i {
			t.Fatalf("install %d: Version = %d", i, got)
		}
	}
}

func TestStoreIdenticalInstall(t *testing.T) {
	s := New()
	s.Install(parseSet(t, twoFlags), nil)

	// Re-installing the same definition still bumps the version but reports
	// no changed keys.
	changed := s.Install(parseSet(t, twoFlags), nil)
	if len(changed) != 0 {
		t.Errorf("identical install changed = %v, want empty", changed)
	}
	if got := s.Snapshot().Version; got != 2 {
		t.Errorf("Version = %d, want 2", got)
	}
}

func TestStoreSnapshotSurvivesInstall(t *testing.T) {
	s := New()
	s.Install(parseSet(t, twoFlags), nil)

	before := s.Snapshot()
	s.Install(parseSet(t, `{"flags": {
		"a": {"state": "DISABLED", "defaultVariant": "on", "variants": {"on": true}}
	}}`), nil)

	// The earlier snapshot is untouched by the swap.
	if len(before.Flags) != 2 {
		t.Errorf("old snapshot holds %d flags, want 2", len(before.Flags))
	}
	if before.Flags["a"].State != model.StateEnabled {
		t.Errorf("old snapshot state = %q, want ENABLED", before.Flags["a"].State)
	}
	if len(s.Snapshot().Flags) != 1 {
		t.Errorf("new snapshot holds %d flags, want 1", len(s.Snapshot().Flags))
	}
}

func TestStoreFailKeepsData(t *testing.T) {
	s := New()
	ch := s.Subscribe()
	s.Install(parseSet(t, twoFlags), nil)
	receiveChange(t, ch)

	s.Fail(StateStale, map[string]any{"source": "grpc"})

	change := receiveChange(t, ch)
	if change.State != StateStale {
		t.Errorf("State = %q, want STALE", change.State)
	}
	if len(change.ChangedKeys) != 0 {
		t.Errorf("ChangedKeys = %v, want empty", change.ChangedKeys)
	}
	snapshot := s.Snapshot()
	if len(snapshot.Flags) != 2 || snapshot.Version != 1 {
		t.Errorf("Fail() altered the snapshot: %d flags, version %d", len(snapshot.Flags), snapshot.Version)
	}

	s.Fail(StateError, nil)
	if change := receiveChange(t, ch); change.State != StateError {
		t.Errorf("State = %q, want ERROR", change.State)
	}
}

func TestStoreDropsOldestWhenConsumerLags(t *testing.T) {
	s := New()
	ch := s.Subscribe()

	// Overfill the buffer; installs must not block.
	for i := 0; i < changeBuffer+10; i++ {
		s.Install(parseSet(t, twoFlags), map[string]any{"seq": i})
	}

	var got []int
	for {
		select {
		case change := <-ch:
			got = append(got, change.SyncMetadata["seq"].(int))
			continue
		default:
		}
		break
	}

	if len(got) != changeBuffer {
		t.Fatalf("received %d changes, want %d", len(got), changeBuffer)
	}
	// The oldest notifications were dropped, the newest survived.
	if last := got[len(got)-1]; last != changeBuffer+9 {
		t.Errorf("last seq = %d, want %d", last, changeBuffer+9)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("changes out of order: %v", got)
		}
	}
}

func TestStoreClose(t *testing.T) {
	s := New()
	ch := s.Subscribe()

	s.Close()
	s.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed and drained")
	}
}
