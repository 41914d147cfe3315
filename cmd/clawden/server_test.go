package main

import (
	"errors"
	"slices"
	"testing"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/config"
)

func TestAgentConfig(t *testing.T) {
	cfg, err := agentConfig("helper", config.AgentDefinition{
		Runtime:  "ZeroClaw",
		Args:     []string{"--verbose"},
		Env:      map[string]string{"A": "1"},
		Channels: []string{"tg-main"},
	})
	if err != nil {
		t.Fatalf("agentConfig: %v", err)
	}
	if cfg.Name != "helper" || cfg.Runtime != adapter.RuntimeZeroClaw {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if !slices.Equal(cfg.Channels, []string{"tg-main"}) {
		t.Errorf("channels = %v", cfg.Channels)
	}
}

func TestAgentConfigByCapability(t *testing.T) {
	cfg, err := agentConfig("any", config.AgentDefinition{Capability: "reasoning"})
	if err != nil {
		t.Fatalf("agentConfig: %v", err)
	}
	if cfg.Runtime != "" || cfg.Capability != "reasoning" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestAgentConfigUnknownRuntime(t *testing.T) {
	_, err := agentConfig("x", config.AgentDefinition{Runtime: "megaclaw"})
	if !errors.Is(err, adapter.ErrUnknownRuntime) {
		t.Errorf("expected ErrUnknownRuntime, got %v", err)
	}
}

func TestSortedKeys(t *testing.T) {
	got := sortedKeys(map[string]int{"b": 1, "c": 2, "a": 3})
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("sortedKeys = %v", got)
	}
	if got := sortedKeys(map[string]int(nil)); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
}
