package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"okami/internal/logging"
)

// recognizedTopLevel is the set of keys Load accepts; anything else is
// reported as a warning rather than an error.
var recognizedTopLevel = map[string]bool{
	"server": true, "specs": true, "llm": true, "embedder": true,
	"memory": true, "knowledge": true, "guardrails": true,
	"rate_limits": true, "evolution": true, "retries": true,
	"timeouts": true, "tracing": true,
}

// Load reads okami.yaml from the given directory (or the working directory
// when empty), applies OKAMI_ environment overrides, and fills defaults.
func Load(dir string) (*Config, error) {
	log := logging.NewComponentLogger("config")

	v := viper.New()
	v.SetConfigName("okami")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("OKAMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Info("No okami.yaml found, using defaults and environment")
	}

	for _, key := range v.AllKeys() {
		top := strings.SplitN(key, ".", 2)[0]
		if !recognizedTopLevel[top] {
			log.Warn("Unknown config key %q ignored", key)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	normalize(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.queue_size", 64)
	v.SetDefault("server.default_crew", "main_crew")
	v.SetDefault("specs.dir", "config")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("embedder.provider", "openai")
	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.cache_size", 10000)
	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.provider", "basic")
	v.SetDefault("memory.short_term_size", 20)
	v.SetDefault("memory.search_top_k", 5)
	v.SetDefault("memory.persist_path", "storage/memory")
	v.SetDefault("knowledge.root", "knowledge")
	v.SetDefault("knowledge.backup_dir", "backups")
	v.SetDefault("knowledge.persist_path", "storage/knowledge")
	v.SetDefault("knowledge.duplicate_threshold", 0.92)
	v.SetDefault("rate_limits.max_rpm_default", 0)
	v.SetDefault("rate_limits.rpm_wait_budget_ms", 30000)
	v.SetDefault("evolution.enabled", true)
	v.SetDefault("evolution.crew", "evolution_crew")
	v.SetDefault("evolution.max_changes", 10)
	v.SetDefault("evolution.auto_apply", true)
	v.SetDefault("retries.completer", 5)
	v.SetDefault("retries.tool", 3)
	v.SetDefault("retries.guardrail", 2)
	v.SetDefault("timeouts.task_ms", 300000)
	v.SetDefault("timeouts.request_ms", 600000)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "okami")
}

func normalize(cfg *Config) {
	if cfg.Memory.ShortTermSize <= 0 {
		cfg.Memory.ShortTermSize = 20
	}
	if cfg.Memory.SearchTopK <= 0 {
		cfg.Memory.SearchTopK = 5
	}
	if cfg.Knowledge.DuplicateThreshold <= 0 || cfg.Knowledge.DuplicateThreshold > 1 {
		cfg.Knowledge.DuplicateThreshold = 0.92
	}
	if cfg.Evolution.MaxChanges <= 0 {
		cfg.Evolution.MaxChanges = 10
	}
	if cfg.Server.QueueSize <= 0 {
		cfg.Server.QueueSize = 64
	}
}
