package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	OpenAI   OpenAIConfig   `koanf:"openai"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Paths    PathsConfig    `koanf:"paths"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type OpenAIConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`
	Models  []string `koanf:"models"`
}

type PipelineConfig struct {
	// DRImageCap and EvalImageCap bound attachments per first turn. The
	// evaluator cap is one lower because its first turn spends a part on
	// the DR JSON text.
	DRImageCap   int `koanf:"dr_image_cap"`
	EvalImageCap int `koanf:"eval_image_cap"`

	// IndexSettleSeconds is how long to wait after building a retrieval
	// index before it is assumed queryable.
	IndexSettleSeconds int `koanf:"index_settle_seconds"`

	// CredentialTTLMinutes bounds how long a supplied API credential and
	// its derived sessions stay live.
	CredentialTTLMinutes int `koanf:"credential_ttl_minutes"`

	// TokenBudget is the conversation size above which a warning is logged.
	TokenBudget int `koanf:"token_budget"`
}

type PathsConfig struct {
	OutputDir       string `koanf:"output_dir"`
	PromptsDir      string `koanf:"prompts_dir"`
	ReferencesDir   string `koanf:"references_dir"`
	IndexCacheFile  string `koanf:"index_cache_file"`
	ReportCacheFile string `koanf:"report_cache_file"`
	DBPath          string `koanf:"db_path"`
}

// Load reads configuration from an optional config.yaml and UXAUDIT_-prefixed
// environment variables, env taking precedence.
func Load() (*Config, error) {
	return LoadFrom("config.yaml")
}

// LoadFrom is Load with an explicit config file path, for tests.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Environment variables: UXAUDIT_OPENAI__API_KEY -> openai.api_key
	if err := k.Load(env.Provider("UXAUDIT_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "UXAUDIT_")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	defaults := map[string]any{
		"server.port":                     8080,
		"openai.base_url":                 "https://api.openai.com/v1",
		"openai.model":                    "gpt-4o",
		"openai.models":                   []string{"gpt-4o", "gpt-5", "gpt-5-mini", "gpt-5-nano"},
		"pipeline.dr_image_cap":           10,
		"pipeline.eval_image_cap":         9,
		"pipeline.index_settle_seconds":   3,
		"pipeline.credential_ttl_minutes": 60,
		"pipeline.token_budget":           100000,
		"paths.output_dir":                "output",
		"paths.prompts_dir":               "prompts",
		"paths.references_dir":            "references",
		"paths.index_cache_file":          ".vector_store_cache.json",
		"paths.report_cache_file":         ".final_report_vector_cache.json",
		"paths.db_path":                   "uxaudit.db",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AllowsModel reports whether model is in the configured catalog.
func (c *Config) AllowsModel(model string) bool {
	for _, m := range c.OpenAI.Models {
		if m == model {
			return true
		}
	}
	return false
}
