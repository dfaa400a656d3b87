package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
bot_token: file-token
client_id: "123"
allowed_channel_ids: ["c1"]
max_text: 5000
providers:
  openai:
    base_url: https://api.openai.com/v1
    api_key: sk-test
  ollama:
    base_url: http://localhost:11434/v1
model:
  default: openai/gpt-4o
  "42": ollama/llama3.2-vision
  "role-mods": openai/gpt-4o-mini
extra_api_parameters:
  temperature: 0.7
  max_tokens: 4096
system_prompts:
  default: You are a helpful bot.
  "chan-1": Talk like a pirate.
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.MaxText != 5000 || cfg.MaxImages != 5 || cfg.MaxMessages != 25 {
		t.Fatalf("unexpected limits: text=%d images=%d messages=%d", cfg.MaxText, cfg.MaxImages, cfg.MaxMessages)
	}
	if !cfg.AllowDMs {
		t.Fatal("expected DMs to be allowed by default")
	}
	if cfg.MaxMessageNodes != 100 || cfg.EditDelay != time.Second || cfg.ReplyRetention != 168*time.Hour {
		t.Fatalf("unexpected runtime defaults: %+v", cfg)
	}
	if cfg.Providers["ollama"].APIKey != "" {
		t.Fatal("expected empty api key for ollama")
	}
	if cfg.ExtraAPIParameters["temperature"] != 0.7 {
		t.Fatalf("unexpected extra params %v", cfg.ExtraAPIParameters)
	}
	if cfg.SystemPrompts["chan-1"] != "Talk like a pirate." {
		t.Fatalf("unexpected system prompts %v", cfg.SystemPrompts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample config should validate: %v", err)
	}
}

func TestScopedAcceptsScalar(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("model: openai/gpt-4o\nsystem_prompts: Be brief.\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Models.Default() != "openai/gpt-4o" {
		t.Fatalf("unexpected model %v", cfg.Models)
	}
	if cfg.SystemPrompts.Default() != "Be brief." {
		t.Fatalf("unexpected prompts %v", cfg.SystemPrompts)
	}

	if _, err := Parse([]byte("model: [a, b]\n")); err == nil {
		t.Fatal("expected error for a sequence")
	}
}

func TestModelFor(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	tests := []struct {
		name   string
		userID string
		roles  []string
		want   string
	}{
		{name: "user override", userID: "42", roles: []string{"role-mods"}, want: "ollama/llama3.2-vision"},
		{name: "role override", userID: "7", roles: []string{"other", "role-mods"}, want: "openai/gpt-4o-mini"},
		{name: "default", userID: "7", want: "openai/gpt-4o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := cfg.ModelFor(tt.userID, tt.roles); got != tt.want {
				t.Fatalf("ModelFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing token", mutate: func(c *Config) { c.BotToken = "" }, wantErr: "bot_token"},
		{name: "no providers", mutate: func(c *Config) { c.Providers = nil }, wantErr: "provider"},
		{name: "no default model", mutate: func(c *Config) { delete(c.Models, DefaultScope) }, wantErr: "model.default"},
		{name: "malformed model", mutate: func(c *Config) { c.Models["42"] = "gpt-4o" }, wantErr: "provider/model"},
		{name: "unknown provider", mutate: func(c *Config) { c.Models[DefaultScope] = "mistral/large" }, wantErr: "unknown provider"},
		{name: "zero max text", mutate: func(c *Config) { c.MaxText = 0 }, wantErr: "max_text"},
		{name: "zero max messages", mutate: func(c *Config) { c.MaxMessages = 0 }, wantErr: "max_messages"},
		{name: "zero cache size", mutate: func(c *Config) { c.MaxMessageNodes = 0 }, wantErr: "MAX_MESSAGE_NODES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Parse([]byte(sampleYAML))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("BOT_TOKEN", "env-token")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("MAX_MESSAGE_NODES", "250")
	t.Setenv("EDIT_DELAY", "1500ms")
	t.Setenv("REPLY_RETENTION", "not-a-duration")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BotToken != "env-token" || cfg.HTTPAddr != ":9090" || cfg.MaxMessageNodes != 250 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.EditDelay != 1500*time.Millisecond {
		t.Fatalf("unexpected edit delay %v", cfg.EditDelay)
	}
	if cfg.ReplyRetention != 168*time.Hour {
		t.Fatalf("invalid duration should keep the default, got %v", cfg.ReplyRetention)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Fatalf("unexpected level %v", cfg.SlogLevel())
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestInviteURL(t *testing.T) {
	t.Parallel()

	cfg := &Config{ClientID: "123"}
	if got := cfg.InviteURL(); !strings.Contains(got, "client_id=123") {
		t.Fatalf("unexpected invite url %q", got)
	}
	if (&Config{}).InviteURL() != "" {
		t.Fatal("expected empty invite url without client id")
	}
}
