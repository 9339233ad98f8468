// Package crew compiles declarative agent/task/crew specs into executable
// plans and drives them to completion under the sequential or hierarchical
// process, emitting a full execution trace.
package crew

import (
	"time"

	"okami/internal/guardrail"
	"okami/internal/llm"
)

// Process disciplines.
const (
	ProcessSequential   = "sequential"
	ProcessHierarchical = "hierarchical"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// Step verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// AgentSpec describes one agent. Immutable once a run is compiled.
type AgentSpec struct {
	Name            string   `yaml:"name"`
	Role            string   `yaml:"role"`
	Goal            string   `yaml:"goal"`
	Backstory       string   `yaml:"backstory"`
	SystemTemplate  string   `yaml:"system_template"`
	PromptTemplate  string   `yaml:"prompt_template"`
	Tools           []string `yaml:"tools"`
	MaxIter         int      `yaml:"max_iter"`
	MaxRPM          int      `yaml:"max_rpm"`
	AllowDelegation bool     `yaml:"allow_delegation"`
	MemoryEnabled   bool     `yaml:"memory_enabled"`
	KnowledgeRefs   []string `yaml:"knowledge_refs"`
}

// TaskSpec describes one task. Tasks form a DAG through Context.
type TaskSpec struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	ExpectedOutput string   `yaml:"expected_output"`
	AgentRef       string   `yaml:"agent"`
	ContextRefs    []string `yaml:"context"`
	GuardrailRefs  []string `yaml:"guardrails"`
	MaxRetries     int      `yaml:"max_retries"`
	OutputSchema   string   `yaml:"output_schema"`
	Async          bool     `yaml:"async"`
	Tools          []string `yaml:"tools"`
}

// CrewSpec describes one crew.
type CrewSpec struct {
	Name               string   `yaml:"name"`
	Process            string   `yaml:"process"`
	Agents             []string `yaml:"agents"`
	Tasks              []string `yaml:"tasks"`
	ManagerAgent       string   `yaml:"manager_agent"`
	MemoryEnabled      bool     `yaml:"memory_enabled"`
	KnowledgeSources   []string `yaml:"knowledge_sources"`
	PlanningEnabled    bool     `yaml:"planning_enabled"`
	MaxDelegationDepth int      `yaml:"max_delegation_depth"`
}

// ToolCallRecord is one tool invocation in a step's transcript.
type ToolCallRecord struct {
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Result   string         `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// ExecutionStep is the per-task artifact recorded in the trace.
type ExecutionStep struct {
	TaskName          string              `json:"task_name"`
	AgentName         string              `json:"agent_name"`
	Attempts          int                 `json:"attempts"`
	ToolCalls         []ToolCallRecord    `json:"tool_calls,omitempty"`
	RawOutput         string              `json:"raw_output"`
	GuardrailVerdicts []guardrail.Verdict `json:"guardrail_verdicts,omitempty"`
	FinalVerdict      string              `json:"final_verdict"`
	Duration          time.Duration       `json:"duration"`
	Error             string              `json:"error,omitempty"`
}

// ExecutionTrace is created at run start, mutated only by the executor, and
// frozen at run end.
type ExecutionTrace struct {
	CrewName    string            `json:"crew_name"`
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Steps       []ExecutionStep   `json:"steps"`
	FinalOutput string            `json:"final_output"`
	Status      string            `json:"status"`
}

// CrewResult is what a run returns to the caller.
type CrewResult struct {
	FinalOutput string          `json:"final_output"`
	TasksOutput []ExecutionStep `json:"tasks_output"`
	TokenUsage  llm.TokenUsage  `json:"token_usage"`
	Trace       *ExecutionTrace `json:"trace"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
}
