package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel            = "fable-large-2"
	DefaultMaxTokens        = 1024
	DefaultTemperature      = 0.8
	DefaultCallTimeout      = 30
	DefaultMaxAttempts      = 4
	DefaultBackoffBaseMs    = 500
	DefaultBackoffMaxMs     = 15000
	DefaultFailureThreshold = 5
	DefaultCooldownSec      = 30
	DefaultCooldownMaxSec   = 300
	DefaultContextTurns     = 20
	DefaultMaxPayloadBytes  = 64 << 10
	DefaultCacheCapacity    = 512
	DefaultCacheTTLSec      = 300
	DefaultMemoryBound      = 200
	DefaultSalienceWeight   = 0.5
	DefaultHalfLifeHours    = 72
	DefaultSummarizeCron    = "0 0 3 * * *"
	DefaultMaxReconnects    = 5
	DefaultHeartbeatSec     = 20
	DefaultGapTimeoutSec    = 5
)

type Config struct {
	Service    ServiceConfig    `json:"service"`
	Context    ContextConfig    `json:"context"`
	Cache      CacheConfig      `json:"cache"`
	Memory     MemoryConfig     `json:"memory"`
	Stream     StreamConfig     `json:"stream"`
	Characters CharactersConfig `json:"characters"`
	Channels   ChannelsConfig   `json:"channels"`
}

// ServiceConfig describes the remote character-response generation service
// and the resilience policy applied to non-streaming calls.
type ServiceConfig struct {
	BaseURL          string `json:"baseUrl"`
	APIKey           string `json:"apiKey"`
	CallTimeoutSec   int    `json:"callTimeoutSec"`
	MaxAttempts      int    `json:"maxAttempts"`
	BackoffBaseMs    int    `json:"backoffBaseMs"`
	BackoffMaxMs     int    `json:"backoffMaxMs"`
	FailureThreshold int    `json:"failureThreshold"`
	CooldownSec      int    `json:"cooldownSec"`
	CooldownMaxSec   int    `json:"cooldownMaxSec"`
}

type ContextConfig struct {
	MaxTurns        int `json:"maxTurns"`
	MaxPayloadBytes int `json:"maxPayloadBytes"`
}

type CacheConfig struct {
	Capacity int `json:"capacity"`
	TTLSec   int `json:"ttlSec"`
}

type MemoryConfig struct {
	DBPath         string           `json:"dbPath,omitempty"`
	Bound          int              `json:"bound"`
	PruneOnAppend  bool             `json:"pruneOnAppend"`
	SalienceWeight float64          `json:"salienceWeight"`
	HalfLifeHours  int              `json:"halfLifeHours"`
	SummarizeCron  string           `json:"summarizeCron,omitempty"`
	Summarizer     SummarizerConfig `json:"summarizer"`
}

// SummarizerConfig points at the chat-completions endpoint used to condense
// evicted memory entries. Falls back to the main service credentials when
// empty.
type SummarizerConfig struct {
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type StreamConfig struct {
	MaxReconnects       int `json:"maxReconnects"`
	HeartbeatTimeoutSec int `json:"heartbeatTimeoutSec"`
	GapTimeoutSec       int `json:"gapTimeoutSec"`
}

type CharactersConfig struct {
	Dir         string `json:"dir,omitempty"`
	CacheTTLSec int    `json:"cacheTtlSec"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled          bool     `json:"enabled"`
	Token            string   `json:"token"`
	DefaultCharacter string   `json:"defaultCharacter"`
	AllowFrom        []string `json:"allowFrom"`
}

func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			CallTimeoutSec:   DefaultCallTimeout,
			MaxAttempts:      DefaultMaxAttempts,
			BackoffBaseMs:    DefaultBackoffBaseMs,
			BackoffMaxMs:     DefaultBackoffMaxMs,
			FailureThreshold: DefaultFailureThreshold,
			CooldownSec:      DefaultCooldownSec,
			CooldownMaxSec:   DefaultCooldownMaxSec,
		},
		Context: ContextConfig{
			MaxTurns:        DefaultContextTurns,
			MaxPayloadBytes: DefaultMaxPayloadBytes,
		},
		Cache: CacheConfig{
			Capacity: DefaultCacheCapacity,
			TTLSec:   DefaultCacheTTLSec,
		},
		Memory: MemoryConfig{
			Bound:          DefaultMemoryBound,
			PruneOnAppend:  true,
			SalienceWeight: DefaultSalienceWeight,
			HalfLifeHours:  DefaultHalfLifeHours,
			SummarizeCron:  DefaultSummarizeCron,
		},
		Stream: StreamConfig{
			MaxReconnects:       DefaultMaxReconnects,
			HeartbeatTimeoutSec: DefaultHeartbeatSec,
			GapTimeoutSec:       DefaultGapTimeoutSec,
		},
		Characters: CharactersConfig{
			CacheTTLSec: 60,
		},
		Channels: ChannelsConfig{},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".fablecast")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("FABLECAST_API_KEY"); key != "" {
		cfg.Service.APIKey = key
	}
	if url := os.Getenv("FABLECAST_BASE_URL"); url != "" {
		cfg.Service.BaseURL = url
	}
	if path := os.Getenv("FABLECAST_DB_PATH"); path != "" {
		cfg.Memory.DBPath = path
	}
	if dir := os.Getenv("FABLECAST_CHARACTERS_DIR"); dir != "" {
		cfg.Characters.Dir = dir
	}
	if token := os.Getenv("FABLECAST_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if key := os.Getenv("FABLECAST_SUMMARIZER_API_KEY"); key != "" {
		cfg.Memory.Summarizer.APIKey = key
	}
	if url := os.Getenv("FABLECAST_SUMMARIZER_BASE_URL"); url != "" {
		cfg.Memory.Summarizer.BaseURL = url
	}
	if model := os.Getenv("FABLECAST_SUMMARIZER_MODEL"); model != "" {
		cfg.Memory.Summarizer.Model = model
	}
	if bound := os.Getenv("FABLECAST_MEMORY_BOUND"); bound != "" {
		if parsed, err := strconv.Atoi(bound); err == nil && parsed > 0 {
			cfg.Memory.Bound = parsed
		}
	}

	applyFallbacks(cfg)
	return cfg, nil
}

func applyFallbacks(cfg *Config) {
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(ConfigDir(), "data", "memory.db")
	}
	if cfg.Characters.Dir == "" {
		cfg.Characters.Dir = filepath.Join(ConfigDir(), "characters")
	}
	if cfg.Memory.Bound <= 0 {
		cfg.Memory.Bound = DefaultMemoryBound
	}
	if cfg.Memory.SalienceWeight < 0 || cfg.Memory.SalienceWeight > 1 {
		cfg.Memory.SalienceWeight = DefaultSalienceWeight
	}
	if cfg.Memory.HalfLifeHours <= 0 {
		cfg.Memory.HalfLifeHours = DefaultHalfLifeHours
	}
	if cfg.Memory.SummarizeCron == "" {
		cfg.Memory.SummarizeCron = DefaultSummarizeCron
	}
	if cfg.Service.MaxAttempts <= 0 {
		cfg.Service.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Service.FailureThreshold <= 0 {
		cfg.Service.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Context.MaxTurns <= 0 {
		cfg.Context.MaxTurns = DefaultContextTurns
	}
	if cfg.Context.MaxPayloadBytes <= 0 {
		cfg.Context.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = DefaultCacheCapacity
	}
	if cfg.Cache.TTLSec <= 0 {
		cfg.Cache.TTLSec = DefaultCacheTTLSec
	}
	if cfg.Stream.MaxReconnects <= 0 {
		cfg.Stream.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.Stream.HeartbeatTimeoutSec <= 0 {
		cfg.Stream.HeartbeatTimeoutSec = DefaultHeartbeatSec
	}
	if cfg.Stream.GapTimeoutSec <= 0 {
		cfg.Stream.GapTimeoutSec = DefaultGapTimeoutSec
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
