package control

import (
	"testing"
	"time"
)

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	dp.RegisterProbe("b", func() any { return 2 })
	dp.RegisterProbe("a", func() any { return 1 })
	RegisterPlatformProbes(dp)

	state := dp.DumpState()
	if state["a"] != 1 || state["b"] != 2 {
		t.Fatalf("state = %v", state)
	}
	if _, ok := state["platform.cpus"]; !ok {
		t.Fatal("platform probe missing")
	}
	names := dp.Names()
	if names[0] != "a" {
		t.Fatalf("names not sorted: %v", names)
	}
	dp.UnregisterProbe("a")
	if _, ok := dp.DumpState()["a"]; ok {
		t.Fatal("probe not removed")
	}
}

func TestConfigStoreNotifiesListeners(t *testing.T) {
	cs := NewConfigStore(map[string]any{"connect_timeout": time.Second})
	var seen map[string]any
	cs.OnReload(func(changed map[string]any) { seen = changed })

	cs.SetConfig(map[string]any{"guard_buffers": true})
	if !cs.Bool("guard_buffers", false) {
		t.Fatal("value not stored")
	}
	if cs.Duration("connect_timeout", 0) != time.Second {
		t.Fatal("initial value lost")
	}
	if seen["guard_buffers"] != true || len(seen) != 1 {
		t.Fatalf("listener saw %v", seen)
	}
	if cs.Duration("missing", 5*time.Second) != 5*time.Second {
		t.Fatal("default not applied")
	}
}
