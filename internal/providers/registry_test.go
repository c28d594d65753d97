package providers

import (
	"errors"
	"testing"

	"github.com/tamias-dev/tamias/internal/config"
)

// TestRegistryResolve verifies "{nickname}/{modelId}" resolution including
// model ids with embedded slashes.
func TestRegistryResolve(t *testing.T) {
	t.Setenv("TAMIAS_TEST_REG_KEY", "k")
	cfg := config.Default()
	cfg.Connections = map[string]config.Connection{
		"main": {Provider: config.ProviderAnthropic, EnvKeyName: "TAMIAS_TEST_REG_KEY"},
		"or":   {Provider: config.ProviderOpenRouter, EnvKeyName: "TAMIAS_TEST_REG_KEY"},
		"loc":  {Provider: config.ProviderOllama, BaseURL: "http://localhost:11434/v1"},
	}

	r := FromConfig(cfg)

	p, model, err := r.Resolve("main/claude-sonnet-4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Name() != "anthropic" || model != "claude-sonnet-4" {
		t.Errorf("got %s %q", p.Name(), model)
	}

	p, model, err = r.Resolve("or/anthropic/claude-sonnet-4")
	if err != nil {
		t.Fatalf("Resolve openrouter: %v", err)
	}
	if p.Name() != "openrouter" || model != "anthropic/claude-sonnet-4" {
		t.Errorf("got %s %q", p.Name(), model)
	}

	if _, _, err := r.Resolve("ghost/gpt-4o"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("unknown nickname err = %v", err)
	}
	if _, _, err := r.Resolve("no-slash"); err == nil {
		t.Error("malformed ref should fail")
	}
}

// TestRegistryNicknames verifies stable ordering for display surfaces.
func TestRegistryNicknames(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", NewOllamaProvider(""))
	r.Register("alpha", NewOllamaProvider(""))

	got := r.Nicknames()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("Nicknames = %v", got)
	}
}

// TestCleanSchema covers metadata stripping and empty-schema normalisation.
func TestCleanSchema(t *testing.T) {
	got := cleanSchema(nil)
	if got["type"] != "object" {
		t.Errorf("empty schema = %v", got)
	}

	in := map[string]interface{}{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
	}
	got = cleanSchema(in)
	if _, ok := got["$schema"]; ok {
		t.Error("$schema not stripped")
	}
	props := got["properties"].(map[string]interface{})
	if props["path"].(map[string]interface{})["type"] != "string" {
		t.Errorf("properties damaged: %v", props)
	}
	if _, ok := in["$schema"]; !ok {
		t.Error("input mutated")
	}
}
