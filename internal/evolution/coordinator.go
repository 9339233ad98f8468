package evolution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"okami/internal/config"
	"okami/internal/crew"
	"okami/internal/logging"
)

const defaultAnalysisCrew = "evolution"

const analysisTimeout = 5 * time.Minute

// Runner abstracts crew execution so the coordinator can be tested without a
// live completer.
type Runner interface {
	Run(ctx context.Context, plan *crew.Plan, inputs map[string]string) *crew.CrewResult
}

// Coordinator fires the analysis crew after a primary run finishes and feeds
// its payload through the parser and applier. It never blocks the caller's
// response path.
type Coordinator struct {
	runner   Runner
	registry *crew.Registry
	parser   *Parser
	applier  *Applier
	cfg      config.EvolutionConfig
	metrics  *Metrics
	logger   *logging.Logger
	tracer   trace.Tracer

	wg sync.WaitGroup
}

// NewCoordinator wires the pipeline. A disabled config yields a coordinator
// whose triggers are no-ops.
func NewCoordinator(runner Runner, registry *crew.Registry, applier *Applier, cfg config.EvolutionConfig, metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	return &Coordinator{
		runner:   runner,
		registry: registry,
		parser:   NewParser(),
		applier:  applier,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logging.NewComponentLogger("evolution"),
		tracer:   otel.Tracer("okami/evolution"),
	}
}

// TriggerAfterRun schedules one analysis pass in the background. Called after
// the primary response has been handed to the caller; the primary trace is
// read-only here.
func (c *Coordinator) TriggerAfterRun(userInput string, result *crew.CrewResult) {
	if !c.cfg.Enabled || result == nil || result.Trace == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
		defer cancel()
		if _, err := c.Analyze(ctx, userInput, result); err != nil {
			c.logger.Warn("evolution pass for run %s: %v", result.Trace.RunID, err)
		}
	}()
}

// Wait blocks until every in-flight background pass has finished. Used on
// shutdown and in tests.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Analyze runs one synchronous evolution pass and returns the per-change
// outcomes.
func (c *Coordinator) Analyze(ctx context.Context, userInput string, result *crew.CrewResult) ([]Outcome, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "evolution.analyze", trace.WithAttributes(
		attribute.String("run_id", result.Trace.RunID),
	))
	defer span.End()
	defer func() { c.metrics.ObserveRun(time.Since(start)) }()

	crewName := c.cfg.Crew
	if crewName == "" {
		crewName = defaultAnalysisCrew
	}
	plan, err := crew.Compile(c.registry, crewName)
	if err != nil {
		return nil, fmt.Errorf("compile analysis crew %q: %w", crewName, err)
	}

	inputs := map[string]string{
		"task":          analysisPrompt(userInput, result),
		"user_input":    userInput,
		"main_response": result.FinalOutput,
		"trace_summary": TraceSummary(result.Trace),
	}

	analysis := c.runner.Run(ctx, plan, inputs)
	if analysis.Status == crew.StatusFailed {
		return nil, fmt.Errorf("analysis crew failed: %s", analysis.Error)
	}

	changes, rejected := c.parser.Parse(analysis.FinalOutput)
	if rejected > 0 {
		c.logger.Warn("dropped %d malformed changes from analysis payload", rejected)
	}
	if len(changes) == 0 {
		c.logger.Info("run %s: nothing to improve", result.Trace.RunID)
		return nil, nil
	}

	outcomes := c.applier.Apply(ctx, changes)
	c.logger.Info("run %s: %d changes, %s", result.Trace.RunID, len(changes), summarizeOutcomes(outcomes))
	return outcomes, nil
}

func analysisPrompt(userInput string, result *crew.CrewResult) string {
	var b strings.Builder
	b.WriteString("Analyze the following task execution and suggest knowledge improvements.\n")
	b.WriteString("Respond with JSON: {\"changes\": [...]} using add_knowledge or update_knowledge entries, or an empty list.\n\n")
	fmt.Fprintf(&b, "User input: %s\n\n", userInput)
	fmt.Fprintf(&b, "Main response: %s\n\n", clipReason(result.FinalOutput))
	b.WriteString("Execution trace:\n")
	b.WriteString(TraceSummary(result.Trace))
	return b.String()
}

// TraceSummary compacts a trace into one line per step: agent, attempts,
// guardrail outcome, duration, and any error excerpt.
func TraceSummary(t *crew.ExecutionTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "crew=%s status=%s steps=%d\n", t.CrewName, t.Status, len(t.Steps))
	for _, step := range t.Steps {
		fmt.Fprintf(&b, "- %s (%s) attempts=%d verdict=%s duration=%s",
			step.TaskName, step.AgentName, step.Attempts, step.FinalVerdict, step.Duration.Round(time.Millisecond))
		for _, v := range step.GuardrailVerdicts {
			if !v.Passed {
				fmt.Fprintf(&b, " guardrail=%s(%s)", v.Guardrail, v.Reason)
			}
		}
		if step.Error != "" {
			fmt.Fprintf(&b, " error=%s", clipReason(step.Error))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func summarizeOutcomes(outcomes []Outcome) string {
	counts := map[string]int{}
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return fmt.Sprintf("applied=%d skipped=%d failed=%d proposed=%d",
		counts[OutcomeApplied], counts[OutcomeSkipped], counts[OutcomeFailed], counts[OutcomeProposed])
}
