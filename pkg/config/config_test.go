package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contextd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
classifier:
  domains:
    backend: ["api", "database"]
predictor:
  confidence_floor: 0.9
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("expected overridden addr, got %q", cfg.Server.Addr)
	}
	if cfg.Predictor.ConfidenceFloor != 0.9 {
		t.Errorf("expected confidence floor 0.9, got %v", cfg.Predictor.ConfidenceFloor)
	}
	if len(cfg.Classifier.Domains["backend"]) != 2 {
		t.Errorf("expected backend domain keywords, got %v", cfg.Classifier.Domains)
	}
	// Unset sections keep their defaults.
	if cfg.Store.MaxAttempts != 3 {
		t.Errorf("expected default store.max_attempts, got %d", cfg.Store.MaxAttempts)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout, got %s", cfg.Server.ReadTimeout)
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/2")
	path := writeConfig(t, `
cache:
  redis_url: ${TEST_REDIS_URL}
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Cache.RedisURL != "redis://localhost:6379/2" {
		t.Errorf("expected expanded redis URL, got %q", cfg.Cache.RedisURL)
	}
}

func TestValidateRejectsBadLayer(t *testing.T) {
	cfg := Default()
	cfg.Assembler.Layers[0].Budget = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero layer budget")
	}

	cfg = Default()
	cfg.Assembler.Layers[1].Ordinal = 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for duplicate layer ordinal")
	}
}

func TestValidateRejectsBadQualityDimension(t *testing.T) {
	cfg := Default()
	cfg.Quality = append(cfg.Quality, QualityDimension{Name: "x", Evaluator: "x", Threshold: 1.5})
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for threshold out of range")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/contextd.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
