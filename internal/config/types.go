package config

import "time"

// Config is the process-wide engine configuration. Values come from
// okami.yaml, environment overrides (OKAMI_ prefix), and defaults, in that
// precedence order.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Specs     SpecsConfig     `mapstructure:"specs"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedder  EmbedderConfig  `mapstructure:"embedder"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Guardrail GuardrailConfig `mapstructure:"guardrails"`
	RateLimit RateLimitConfig `mapstructure:"rate_limits"`
	Evolution EvolutionConfig `mapstructure:"evolution"`
	Retries   RetriesConfig   `mapstructure:"retries"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	QueueSize   int    `mapstructure:"queue_size"`
	DefaultCrew string `mapstructure:"default_crew"`
}

// SpecsConfig locates the declarative agent/task/crew documents.
type SpecsConfig struct {
	Dir string `mapstructure:"dir"` // contains agents/, tasks/, crews/
}

// LLMConfig configures the completer client.
type LLMConfig struct {
	Provider   string `mapstructure:"provider"` // openai-compatible
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// EmbedderConfig configures the embedding provider.
type EmbedderConfig struct {
	Provider  string `mapstructure:"provider"` // openai | hash (tests/offline)
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	CacheSize int    `mapstructure:"cache_size"`
}

// MemoryConfig configures the three memory tiers and the optional sidecar.
type MemoryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Provider      string        `mapstructure:"provider"` // basic | mem0
	UserID        string        `mapstructure:"user_id"`
	PersistPath   string        `mapstructure:"persist_path"`
	ShortTermSize int           `mapstructure:"short_term_size"` // recent-entry window, default 20
	SearchTopK    int           `mapstructure:"search_top_k"`    // semantic hits per block, default 5
	Sidecar       SidecarConfig `mapstructure:"sidecar"`
}

// SidecarConfig points at a mem0-compatible external memory service.
type SidecarConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// KnowledgeConfig configures the knowledge corpus.
type KnowledgeConfig struct {
	Root               string  `mapstructure:"root"`        // knowledge/
	BackupDir          string  `mapstructure:"backup_dir"`  // backups/
	PersistPath        string  `mapstructure:"persist_path"` // vector index storage
	DuplicateThreshold float64 `mapstructure:"duplicate_threshold"` // cosine, default 0.92
}

// GuardrailSpec configures one pipeline entry, in order.
type GuardrailSpec struct {
	Type   string         `mapstructure:"type"` // quality | relevance | safety | hallucination
	Strict bool           `mapstructure:"strict"`
	Params map[string]any `mapstructure:"params"`
}

// GuardrailConfig is the ordered default pipeline applied to tasks without
// their own guardrail refs.
type GuardrailConfig struct {
	Pipeline []GuardrailSpec `mapstructure:"pipeline"`
}

// RateLimitConfig throttles completer calls per agent.
type RateLimitConfig struct {
	MaxRPMDefault   int `mapstructure:"max_rpm_default"`
	RPMWaitBudgetMS int `mapstructure:"rpm_wait_budget_ms"`
}

// EvolutionConfig controls the post-run self-improvement pipeline.
type EvolutionConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Crew       string `mapstructure:"crew"`
	MaxChanges int    `mapstructure:"max_changes"`
	AutoApply  bool   `mapstructure:"auto_apply"`
}

// RetriesConfig bounds retry budgets per failure class.
type RetriesConfig struct {
	Completer int `mapstructure:"completer"`
	Tool      int `mapstructure:"tool"`
	Guardrail int `mapstructure:"guardrail"`
}

// TimeoutsConfig bounds task and request durations.
type TimeoutsConfig struct {
	TaskMS    int `mapstructure:"task_ms"`
	RequestMS int `mapstructure:"request_ms"`
}

// TracingConfig configures optional OTLP span export.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// TaskTimeout returns the configured per-task timeout.
func (c TimeoutsConfig) TaskTimeout() time.Duration {
	if c.TaskMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TaskMS) * time.Millisecond
}

// RequestTimeout returns the configured per-request timeout.
func (c TimeoutsConfig) RequestTimeout() time.Duration {
	if c.RequestMS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.RequestMS) * time.Millisecond
}

// RPMWaitBudget returns how long a throttled call may block before failing.
func (c RateLimitConfig) RPMWaitBudget() time.Duration {
	if c.RPMWaitBudgetMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RPMWaitBudgetMS) * time.Millisecond
}
