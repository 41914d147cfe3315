package channels

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
)

func TestBindSameInstanceIsIdempotent(t *testing.T) {
	s := New()

	first, err := s.Bind("inst-a", "telegram", "123:abc")
	if err != nil {
		t.Fatalf("first bind: %v", err)
	}
	second, err := s.Bind("inst-a", "Telegram", "123:abc")
	if err != nil {
		t.Fatalf("second bind: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("rebind should keep the binding id")
	}

	active := 0
	for _, b := range s.ListBindings() {
		if b.Status == adapter.BindingActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active binding, got %d", active)
	}
}

func TestBindConflict(t *testing.T) {
	s := New()
	if _, err := s.Bind("inst-a", "telegram", "123:abc"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Bind("inst-b", "telegram", "123:abc")
	if !errors.Is(err, ErrTokenBound) {
		t.Fatalf("expected ErrTokenBound, got %v", err)
	}
	if !strings.Contains(err.Error(), "inst-a") {
		t.Errorf("conflict should name the owner, got %q", err.Error())
	}

	// Same token on another channel type is a different key.
	if _, err := s.Bind("inst-b", "discord", "123:abc"); err != nil {
		t.Errorf("different channel type should bind: %v", err)
	}
}

func TestBindAfterRelease(t *testing.T) {
	s := New()
	b, err := s.Bind("inst-a", "slack", "xoxb-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Unbind(b.ID); err != nil {
		t.Fatalf("unbind: %v", err)
	}

	nb, err := s.Bind("inst-b", "slack", "xoxb-1")
	if err != nil {
		t.Fatalf("bind after release: %v", err)
	}
	if nb.ID == b.ID {
		t.Error("new owner should get a new binding")
	}

	old, ok := s.GetBinding(b.ID)
	if !ok || old.Status != adapter.BindingReleased || old.InstanceID != "inst-a" {
		t.Errorf("released binding should remain queryable, got %+v", old)
	}
	if len(s.ListBindings()) != 2 {
		t.Errorf("expected history of 2 bindings, got %d", len(s.ListBindings()))
	}
}

func TestBindNeverStoresRawToken(t *testing.T) {
	s := New()
	b, err := s.Bind("inst-a", "telegram", "raw-secret-token")
	if err != nil {
		t.Fatal(err)
	}
	if b.TokenHash == "raw-secret-token" || len(b.TokenHash) != 64 {
		t.Errorf("expected hex sha256 hash, got %q", b.TokenHash)
	}
	if b.TokenHash != HashToken("raw-secret-token") {
		t.Error("hash mismatch")
	}
}

func TestDetectConflictsAfterBypass(t *testing.T) {
	s := New()
	a, err := s.Bind("inst-a", "telegram", "token-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Bind("inst-b", "telegram", "token-b"); err != nil {
		t.Fatal(err)
	}
	if got := s.DetectConflicts(); len(got) != 0 {
		t.Fatalf("expected no conflicts, got %+v", got)
	}

	// Simulate a write that skipped the ownership check.
	s.ForceBind("inst-b", adapter.ChannelTelegram, a.TokenHash)

	conflicts := s.DetectConflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict group, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.TokenHash != a.TokenHash || c.ChannelType != adapter.ChannelTelegram {
		t.Errorf("unexpected conflict key: %+v", c)
	}
	if len(c.InstanceIDs) != 2 || c.InstanceIDs[0] != "inst-a" || c.InstanceIDs[1] != "inst-b" {
		t.Errorf("unexpected instances: %v", c.InstanceIDs)
	}
}

func TestUnbindErrors(t *testing.T) {
	s := New()
	if _, err := s.Unbind("nope"); !errors.Is(err, ErrBindingNotFound) {
		t.Errorf("expected ErrBindingNotFound, got %v", err)
	}
	if _, err := s.UnbindIndex(0); !errors.Is(err, ErrBindingNotFound) {
		t.Errorf("expected ErrBindingNotFound for index, got %v", err)
	}
	if _, err := s.Bind("inst-a", "nostr", "nsec1"); err != nil {
		t.Fatal(err)
	}
	b, err := s.UnbindIndex(0)
	if err != nil {
		t.Fatalf("unbind index: %v", err)
	}
	if b.Status != adapter.BindingReleased {
		t.Errorf("expected released, got %s", b.Status)
	}
	if _, err := s.UnbindIndex(-1); !errors.Is(err, ErrBindingNotFound) {
		t.Errorf("expected ErrBindingNotFound for negative index, got %v", err)
	}
}

func TestBindPersistsAndLoads(t *testing.T) {
	s := New()
	p := newMemPersister()
	s.SetPersister(p)

	b, err := s.Bind("inst-a", "matrix", "syt_token")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.bindings[b.ID]; !ok {
		t.Fatal("binding not persisted")
	}

	restored := New()
	snap := Snapshot{}
	for _, pb := range p.bindings {
		snap.Bindings = append(snap.Bindings, pb)
	}
	restored.Load(snap)

	if _, err := restored.Bind("inst-b", "matrix", "syt_token"); !errors.Is(err, ErrTokenBound) {
		t.Errorf("restored store should enforce ownership, got %v", err)
	}
}

func TestConcurrentBindSingleWinner(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := "inst-" + string(rune('a'+i))
			if _, err := s.Bind(inst, "telegram", "shared"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
	if got := s.DetectConflicts(); len(got) != 0 {
		t.Errorf("expected no conflicts, got %+v", got)
	}
}

func TestLoadKeepsEarliestActiveOwner(t *testing.T) {
	s := New()
	p := newMemPersister()
	s.SetPersister(p)
	tick := time.UnixMilli(1_000)
	s.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}

	if _, err := s.Bind("inst-a", "telegram", "shared"); err != nil {
		t.Fatal(err)
	}
	s.ForceBind("inst-b", adapter.ChannelTelegram, HashToken("shared"))
	if _, err := s.Bind("inst-a", "telegram", "shared"); err != nil {
		t.Fatalf("rebind by owner: %v", err)
	}

	restored := New()
	snap := Snapshot{}
	for _, pb := range p.bindings {
		snap.Bindings = append(snap.Bindings, pb)
	}
	restored.Load(snap)

	for _, inst := range []string{"inst-b", "inst-c"} {
		_, err := restored.Bind(inst, "telegram", "shared")
		if !errors.Is(err, ErrTokenBound) || !strings.Contains(err.Error(), "inst-a") {
			t.Errorf("Bind(%s) after reload: expected ErrTokenBound naming inst-a, got %v", inst, err)
		}
	}
	if _, err := restored.Bind("inst-a", "telegram", "shared"); err != nil {
		t.Errorf("owner rebind after reload: %v", err)
	}
}
