// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultScope is the scope key used when nothing more specific matches.
const DefaultScope = "default"

// Config holds all application configuration.
type Config struct {
	BotToken      string
	ClientID      string
	StatusMessage string

	AllowDMs          bool
	AllowedChannelIDs []string
	AllowedRoleIDs    []string

	MaxText           int
	MaxImages         int
	MaxMessages       int
	UsePlainResponses bool

	Providers          map[string]Provider
	Models             Scoped
	ExtraAPIParameters map[string]any
	SystemPrompts      Scoped

	HTTPAddr        string
	DBPath          string
	MaxMessageNodes int
	EditDelay       time.Duration
	ReplyRetention  time.Duration
	LogLevel        string
}

// Provider is an OpenAI-compatible endpoint.
type Provider struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Scoped maps a scope (default, user id, role id, channel id or category id)
// to a value. A bare scalar in YAML is taken as the default.
type Scoped map[string]string

// UnmarshalYAML accepts either a scalar or a mapping.
func (s *Scoped) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = Scoped{DefaultScope: node.Value}
		return nil
	case yaml.MappingNode:
		m := make(map[string]string, len(node.Content)/2)
		if err := node.Decode(&m); err != nil {
			return err
		}
		*s = m
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a mapping of scopes", node.Line)
	}
}

// Lookup returns the value of the first scope present.
func (s Scoped) Lookup(scopes ...string) (value, scope string, ok bool) {
	for _, sc := range scopes {
		if sc == "" {
			continue
		}
		if v, found := s[sc]; found && v != "" {
			return v, sc, true
		}
	}
	return "", "", false
}

// Default returns the default-scope value.
func (s Scoped) Default() string {
	return s[DefaultScope]
}

// fileConfig mirrors the YAML file; pointers distinguish unset from zero.
type fileConfig struct {
	BotToken           string              `yaml:"bot_token"`
	ClientID           string              `yaml:"client_id"`
	StatusMessage      string              `yaml:"status_message"`
	AllowDMs           *bool               `yaml:"allow_dms"`
	AllowedChannelIDs  []string            `yaml:"allowed_channel_ids"`
	AllowedRoleIDs     []string            `yaml:"allowed_role_ids"`
	MaxText            *int                `yaml:"max_text"`
	MaxImages          *int                `yaml:"max_images"`
	MaxMessages        *int                `yaml:"max_messages"`
	UsePlainResponses  bool                `yaml:"use_plain_responses"`
	Providers          map[string]Provider `yaml:"providers"`
	Model              Scoped              `yaml:"model"`
	ExtraAPIParameters map[string]any      `yaml:"extra_api_parameters"`
	SystemPrompts      Scoped              `yaml:"system_prompts"`
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration and fills defaults. It does not read the
// environment or validate.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}

	cfg := &Config{
		BotToken:           fc.BotToken,
		ClientID:           fc.ClientID,
		StatusMessage:      fc.StatusMessage,
		AllowDMs:           derefOr(fc.AllowDMs, true),
		AllowedChannelIDs:  fc.AllowedChannelIDs,
		AllowedRoleIDs:     fc.AllowedRoleIDs,
		MaxText:            derefOr(fc.MaxText, 100000),
		MaxImages:          derefOr(fc.MaxImages, 5),
		MaxMessages:        derefOr(fc.MaxMessages, 25),
		UsePlainResponses:  fc.UsePlainResponses,
		Providers:          fc.Providers,
		Models:             fc.Model,
		ExtraAPIParameters: fc.ExtraAPIParameters,
		SystemPrompts:      fc.SystemPrompts,

		HTTPAddr:        ":8080",
		DBPath:          "./data/chaincord.db",
		MaxMessageNodes: 100,
		EditDelay:       time.Second,
		ReplyRetention:  7 * 24 * time.Hour,
		LogLevel:        "info",
	}
	if cfg.StatusMessage == "" {
		cfg.StatusMessage = "github.com/ashureev/chaincord"
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.BotToken = getEnv("BOT_TOKEN", c.BotToken)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.MaxMessageNodes = getEnvInt("MAX_MESSAGE_NODES", c.MaxMessageNodes)
	c.EditDelay = getEnvDuration("EDIT_DELAY", c.EditDelay)
	c.ReplyRetention = getEnvDuration("REPLY_RETENTION", c.ReplyRetention)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.AllowDMs = getEnvBool("ALLOW_DMS", c.AllowDMs)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return errors.New("bot_token (or BOT_TOKEN) cannot be empty")
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	def := c.Models.Default()
	if def == "" {
		return errors.New("model.default cannot be empty")
	}
	for scope, model := range c.Models {
		provider, _, ok := strings.Cut(model, "/")
		if !ok || provider == "" {
			return fmt.Errorf("model %q for scope %q must be of the form provider/model", model, scope)
		}
		if _, found := c.Providers[provider]; !found {
			return fmt.Errorf("model %q for scope %q uses unknown provider %q", model, scope, provider)
		}
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q has no base_url", name)
		}
	}
	if c.MaxText <= 0 {
		return errors.New("max_text must be > 0")
	}
	if c.MaxImages < 0 {
		return errors.New("max_images cannot be negative")
	}
	if c.MaxMessages <= 0 {
		return errors.New("max_messages must be > 0")
	}
	if c.MaxMessageNodes <= 0 {
		return errors.New("MAX_MESSAGE_NODES must be > 0")
	}
	if c.EditDelay < 0 {
		return errors.New("EDIT_DELAY cannot be negative")
	}
	if c.ReplyRetention <= 0 {
		return errors.New("REPLY_RETENTION must be > 0")
	}
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	return nil
}

// ModelFor resolves the model for an author: user id, then role ids in
// order, then the default.
func (c *Config) ModelFor(userID string, roleIDs []string) string {
	scopes := append([]string{userID}, roleIDs...)
	if model, _, ok := c.Models.Lookup(scopes...); ok {
		return model
	}
	return c.Models.Default()
}

// InviteURL returns the bot authorization link, or "" without a client id.
func (c *Config) InviteURL() string {
	if c.ClientID == "" {
		return ""
	}
	return "https://discord.com/oauth2/authorize?client_id=" + c.ClientID + "&permissions=412317191168&scope=bot"
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func derefOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
