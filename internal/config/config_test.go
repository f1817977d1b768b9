package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("UXAUDIT_SERVER__PORT")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %v, want 8080", cfg.Server.Port)
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Errorf("model = %v, want gpt-4o", cfg.OpenAI.Model)
	}
	if cfg.Pipeline.DRImageCap != 10 {
		t.Errorf("dr_image_cap = %v, want 10", cfg.Pipeline.DRImageCap)
	}
	if cfg.Pipeline.EvalImageCap != 9 {
		t.Errorf("eval_image_cap = %v, want 9", cfg.Pipeline.EvalImageCap)
	}
	if cfg.Paths.IndexCacheFile != ".vector_store_cache.json" {
		t.Errorf("index_cache_file = %v", cfg.Paths.IndexCacheFile)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("UXAUDIT_SERVER__PORT", "9000")
	os.Setenv("UXAUDIT_OPENAI__MODEL", "gpt-5-mini")
	defer os.Unsetenv("UXAUDIT_SERVER__PORT")
	defer os.Unsetenv("UXAUDIT_OPENAI__MODEL")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %v, want 9000", cfg.Server.Port)
	}
	if cfg.OpenAI.Model != "gpt-5-mini" {
		t.Errorf("model = %v, want gpt-5-mini", cfg.OpenAI.Model)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  port: 7860\npipeline:\n  index_settle_seconds: 0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Server.Port != 7860 {
		t.Errorf("port = %v, want 7860", cfg.Server.Port)
	}
	if cfg.Pipeline.IndexSettleSeconds != 0 {
		t.Errorf("index_settle_seconds = %v, want 0", cfg.Pipeline.IndexSettleSeconds)
	}
}

func TestAllowsModel(t *testing.T) {
	cfg := &Config{OpenAI: OpenAIConfig{Models: []string{"gpt-4o", "gpt-5"}}}

	if !cfg.AllowsModel("gpt-4o") {
		t.Error("AllowsModel(gpt-4o) = false, want true")
	}
	if cfg.AllowsModel("gpt-3.5-turbo") {
		t.Error("AllowsModel(gpt-3.5-turbo) = true, want false")
	}
}
