package cli

import (
	"testing"

	"github.com/cozyapp/cozylink/internal/config"
	"github.com/cozyapp/cozylink/internal/workflow"
)

func TestBuildParametersSamplerOverrides(t *testing.T) {
	f := &generateFlags{
		promptText: "a red fox",
		negative:   "blurry",
		steps:      30,
		cfgScale:   6.5,
		sampler:    "euler_ancestral",
	}

	params, err := f.buildParameters()
	if err != nil {
		t.Fatalf("buildParameters() error = %v", err)
	}
	if params.Prompt != "a red fox" || params.Negative != "blurry" {
		t.Errorf("prompt fields not carried over: %+v", params)
	}
	settings, ok := params.Sampler[workflow.BaseNodeClass]
	if !ok {
		t.Fatalf("expected sampler settings for %s", workflow.BaseNodeClass)
	}
	if settings.Steps != 30 || settings.CFG != 6.5 || settings.Sampler != "euler_ancestral" {
		t.Errorf("sampler settings = %+v", settings)
	}
}

func TestBuildParametersSeedOnlyWhenSet(t *testing.T) {
	f := &generateFlags{promptText: "x", seed: 42}
	params, err := f.buildParameters()
	if err != nil {
		t.Fatalf("buildParameters() error = %v", err)
	}
	if params.Seed != nil {
		t.Errorf("seed should stay nil when the flag was not set")
	}

	f.seedSet = true
	params, err = f.buildParameters()
	if err != nil {
		t.Fatalf("buildParameters() error = %v", err)
	}
	if params.Seed == nil || *params.Seed != 42 {
		t.Errorf("Seed = %v, want 42", params.Seed)
	}
}

func TestBuildParametersRejectsUnknownDetailer(t *testing.T) {
	f := &generateFlags{promptText: "x", detailer: "hands"}
	if _, err := f.buildParameters(); err == nil {
		t.Error("expected error for unknown detailer mode")
	}
}

func TestApplyConfigKey(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
		check   func(*config.Config) bool
	}{
		{"server.host", "10.0.0.5", false, func(c *config.Config) bool { return c.ServerHost == "10.0.0.5" }},
		{"server.port", "9000", false, func(c *config.Config) bool { return c.ServerPort == 9000 }},
		{"server.port", "nope", true, nil},
		{"server.use_tls", "true", false, func(c *config.Config) bool { return c.UseTLS }},
		{"proxy.mode", "system", false, func(c *config.Config) bool { return c.ProxyMode == "system" }},
		{"cache.max_age_days", "14", false, func(c *config.Config) bool { return c.CacheMaxAgeDays == 14 }},
		{"cache.enabled", "maybe", true, nil},
		{"no.such.key", "x", true, nil},
	}

	for _, tt := range tests {
		cfg := config.New()
		err := applyConfigKey(cfg, tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("applyConfigKey(%s, %s) error = %v, wantErr %t", tt.key, tt.value, err, tt.wantErr)
			continue
		}
		if tt.check != nil && !tt.check(cfg) {
			t.Errorf("applyConfigKey(%s, %s) did not apply", tt.key, tt.value)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 50); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := "a very long prompt that goes on and on and on and on and on"
	got := truncate(long, 20)
	if len(got) != 20 || got[17:] != "..." {
		t.Errorf("truncate(long, 20) = %q", got)
	}
}
