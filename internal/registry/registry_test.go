package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/adapter/adaptertest"
)

func TestRegisterAndGet(t *testing.T) {
	reg := New()
	zero := adaptertest.New(adapter.RuntimeZeroClaw, "chat", "reasoning")
	reg.Register(zero)

	if !reg.Has(adapter.RuntimeZeroClaw) {
		t.Fatal("expected zeroclaw to be registered")
	}
	got, err := reg.Get(adapter.RuntimeZeroClaw)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != zero {
		t.Error("expected the registered adapter instance")
	}

	if _, err := reg.Get(adapter.RuntimePicoClaw); !errors.Is(err, ErrAdapterNotFound) {
		t.Errorf("expected ErrAdapterNotFound, got %v", err)
	}
}

func TestRegisterDynamicDisplaces(t *testing.T) {
	reg := New()
	first := adaptertest.New(adapter.RuntimeOpenClaw, "chat")
	second := adaptertest.New(adapter.RuntimeOpenClaw, "chat", "tools")

	if reg.RegisterDynamic(first) {
		t.Error("first registration should not displace")
	}
	if !reg.RegisterDynamic(second) {
		t.Error("second registration should displace")
	}

	got, err := reg.Get(adapter.RuntimeOpenClaw)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != second {
		t.Error("expected the replacement adapter")
	}
}

func TestUnregister(t *testing.T) {
	reg := New()
	reg.Register(adaptertest.New(adapter.RuntimePicoClaw, "chat"))

	if !reg.Unregister(adapter.RuntimePicoClaw) {
		t.Error("expected unregister to report removal")
	}
	if reg.Unregister(adapter.RuntimePicoClaw) {
		t.Error("second unregister should report false")
	}
	if reg.Has(adapter.RuntimePicoClaw) {
		t.Error("picoclaw should be gone")
	}
}

func TestListSorted(t *testing.T) {
	reg := New()
	reg.Register(adaptertest.New(adapter.RuntimeZeroClaw))
	reg.Register(adaptertest.New(adapter.RuntimeOpenClaw))
	reg.Register(adaptertest.New(adapter.RuntimePicoClaw))

	want := []adapter.Runtime{adapter.RuntimeOpenClaw, adapter.RuntimePicoClaw, adapter.RuntimeZeroClaw}
	got := reg.List()
	if len(got) != len(want) {
		t.Fatalf("expected %d runtimes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	meta := reg.ListMetadata()
	for i := range want {
		if meta[i].Runtime != want[i] {
			t.Errorf("ListMetadata()[%d] = %s, want %s", i, meta[i].Runtime, want[i])
		}
	}
}

func TestDetectRuntimeForCapability(t *testing.T) {
	reg := New()
	reg.Register(adaptertest.New(adapter.RuntimeOpenClaw, "chat", "tools"))
	reg.Register(adaptertest.New(adapter.RuntimePicoClaw, "chat", "embedded"))

	rt, ok := reg.DetectRuntimeForCapability("TOOLS")
	if !ok || rt != adapter.RuntimeOpenClaw {
		t.Errorf("expected openclaw for tools, got %q (ok=%v)", rt, ok)
	}

	// Both qualify for chat; only membership is guaranteed.
	rt, ok = reg.DetectRuntimeForCapability("chat")
	if !ok || (rt != adapter.RuntimeOpenClaw && rt != adapter.RuntimePicoClaw) {
		t.Errorf("unexpected runtime for chat: %q (ok=%v)", rt, ok)
	}

	if _, ok := reg.DetectRuntimeForCapability("vision"); ok {
		t.Error("no adapter should serve vision")
	}
}

func TestConcurrentAccess(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.RegisterDynamic(adaptertest.New(adapter.RuntimeZeroClaw, "chat"))
		}()
		go func() {
			defer wg.Done()
			reg.List()
			reg.DetectRuntimeForCapability("chat")
		}()
	}
	wg.Wait()

	if !reg.Has(adapter.RuntimeZeroClaw) {
		t.Error("expected zeroclaw after concurrent registration")
	}
}
