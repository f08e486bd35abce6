package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ItzCrazyKns/deepresearch/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Models   ModelsConfig   `koanf:"models"`
	Search   SearchConfig   `koanf:"search"`
	Research ResearchConfig `koanf:"research"`
	Store    StoreConfig    `koanf:"store"`
	Daemon   DaemonConfig   `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type ModelsConfig struct {
	Default             string          `koanf:"default"`
	Fallback            string          `koanf:"fallback"`
	Embedding           string          `koanf:"embedding"`
	MaxFallbackAttempts int             `koanf:"max_fallback_attempts"`
	Registry            []ModelRegistry `koanf:"registry"`
}

type ModelRegistry struct {
	Name           string `koanf:"name"`
	Provider       string `koanf:"provider"`
	BaseURL        string `koanf:"base_url"`
	APIKey         string `koanf:"api_key"`
	RequestTimeout string `koanf:"request_timeout"`
}

type SearchConfig struct {
	BaseURL          string `koanf:"base_url"`
	Timeout          string `koanf:"timeout"`
	MaxResults       int    `koanf:"max_results"`
	FetchTimeout     string `koanf:"fetch_timeout"`
	MaxContentLength int    `koanf:"max_content_length"`
}

type ResearchConfig struct {
	WallClockBudget      string  `koanf:"wall_clock_budget"`
	LLMTurnsHard         int     `koanf:"llm_turns_hard"`
	LLMTurnsSoft         int     `koanf:"llm_turns_soft"`
	MaxSubQueries        int     `koanf:"max_sub_queries"`
	MaxParallelRetrieval int     `koanf:"max_parallel_retrieval"`
	MaxFetchPerQuery     int     `koanf:"max_fetch_per_query"`
	ClusterSimilarity    float64 `koanf:"cluster_similarity"`
	RequeryMaxRounds     int     `koanf:"requery_max_rounds"`
}

type StoreConfig struct {
	RootPath     string `koanf:"root_path"`
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
	InboxSize    int    `koanf:"inbox_size"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl"`
	SessionGracePeriod     string `koanf:"session_grace_period"`
	SweepSchedule          string `koanf:"sweep_schedule"`
}

const (
	DefaultServerPort             = 8080
	DefaultServerLogLevel         = "info"
	DefaultServerReadTimeout      = "10s"
	DefaultServerWriteTimeout     = "0s" // streaming responses manage their own lifetime
	DefaultServerIdleTimeout      = "60s"
	DefaultServerShutdownTimeout  = "5s"
	DefaultModelDefault           = "gpt-4o-mini"
	DefaultModelFallback          = "claude-3-5-haiku-latest"
	DefaultModelEmbedding         = "text-embedding-3-small"
	DefaultModelMaxFallback       = 2
	DefaultOpenAIBaseURL          = "https://api.openai.com/v1"
	DefaultSearchBaseURL          = "http://localhost:4000"
	DefaultSearchTimeout          = "10s"
	DefaultSearchMaxResults       = 8
	DefaultSearchFetchTimeout     = "15s"
	DefaultSearchMaxContentLength = 20000
	DefaultWallClockBudget        = "5m"
	DefaultLLMTurnsHard           = 20
	DefaultLLMTurnsSoft           = 12
	DefaultMaxSubQueries          = 5
	DefaultMaxParallelRetrieval   = 4
	DefaultMaxFetchPerQuery       = 3
	DefaultClusterSimilarity      = 0.72
	DefaultRequeryMaxRounds       = 1
	DefaultStoreLockTimeout       = "30s"
	DefaultStoreLockRetry         = "100ms"
	DefaultStoreLockMaxRetry      = 300
	DefaultStoreInboxSize         = 100
	DefaultDaemonShutdownTimeout  = "30s"
	DefaultDaemonStartupShutdown  = "10s"
	DefaultDaemonHealthInterval   = "30s"
	DefaultDaemonPreflightTimeout = "10s"
	DefaultDaemonStaleLockTTL     = "15m"
	DefaultSessionGracePeriod     = "2m"
	DefaultSweepSchedule          = "@every 30s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                  DefaultServerPort,
		"server.log_level":             DefaultServerLogLevel,
		"server.read_timeout":          DefaultServerReadTimeout,
		"server.write_timeout":         DefaultServerWriteTimeout,
		"server.idle_timeout":          DefaultServerIdleTimeout,
		"server.shutdown_timeout":      DefaultServerShutdownTimeout,
		"models.default":               DefaultModelDefault,
		"models.fallback":              DefaultModelFallback,
		"models.embedding":             DefaultModelEmbedding,
		"models.max_fallback_attempts": DefaultModelMaxFallback,
		"models.registry": []ModelRegistry{
			{Name: DefaultModelDefault, Provider: "openai"},
			{Name: DefaultModelFallback, Provider: "anthropic"},
			{Name: DefaultModelEmbedding, Provider: "openai"},
		},
		"search.base_url":                 DefaultSearchBaseURL,
		"search.timeout":                  DefaultSearchTimeout,
		"search.max_results":              DefaultSearchMaxResults,
		"search.fetch_timeout":            DefaultSearchFetchTimeout,
		"search.max_content_length":       DefaultSearchMaxContentLength,
		"research.wall_clock_budget":      DefaultWallClockBudget,
		"research.llm_turns_hard":         DefaultLLMTurnsHard,
		"research.llm_turns_soft":         DefaultLLMTurnsSoft,
		"research.max_sub_queries":        DefaultMaxSubQueries,
		"research.max_parallel_retrieval": DefaultMaxParallelRetrieval,
		"research.max_fetch_per_query":    DefaultMaxFetchPerQuery,
		"research.cluster_similarity":     DefaultClusterSimilarity,
		"research.requery_max_rounds":     DefaultRequeryMaxRounds,
		"store.root_path":                 filepath.Join(os.Getenv("HOME"), ".deepresearch", "sessions"),
		"store.lock_timeout":              DefaultStoreLockTimeout,
		"store.lock_retry":                DefaultStoreLockRetry,
		"store.lock_max_retry":            DefaultStoreLockMaxRetry,
		"store.inbox_size":                DefaultStoreInboxSize,
		"daemon.shutdown_timeout":         DefaultDaemonShutdownTimeout,
		"daemon.startup_shutdown_timeout": DefaultDaemonStartupShutdown,
		"daemon.health_check_interval":    DefaultDaemonHealthInterval,
		"daemon.preflight_timeout":        DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":           DefaultDaemonStaleLockTTL,
		"daemon.session_grace_period":     DefaultSessionGracePeriod,
		"daemon.sweep_schedule":           DefaultSweepSchedule,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".deepresearch", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("DEEPRESEARCH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DEEPRESEARCH_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, m := range cfg.Models.Registry {
		if m.Provider == "" {
			cfg.Models.Registry[i].Provider = "openai"
		}
	}

	if expanded, err := pathutil.Expand(cfg.Store.RootPath); err == nil && expanded != "" {
		cfg.Store.RootPath = expanded
	}

	// Post-Process: Inject standard Env Vars if missing
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Provider == "openai" && m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Provider == "anthropic" && m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Provider == "gemini" && m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = key
			}
		}
	}
	if url := os.Getenv("SEARXNG_API_URL"); url != "" && cfg.Search.BaseURL == DefaultSearchBaseURL {
		cfg.Search.BaseURL = url
	}

	return &cfg, nil
}
