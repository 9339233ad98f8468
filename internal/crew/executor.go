package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"okami/internal/config"
	"okami/internal/errorx"
	"okami/internal/guardrail"
	"okami/internal/ids"
	"okami/internal/knowledge"
	"okami/internal/llm"
	"okami/internal/logging"
	"okami/internal/memory"
	"okami/internal/tools"
	"okami/internal/vector"
)

// Options wires an Executor. Memory, Knowledge and Embedder may be nil; the
// executor degrades to running without retrieval context.
type Options struct {
	Completer llm.Completer
	Tools     *tools.Registry
	Memory    *memory.Service
	Knowledge *knowledge.Store
	Embedder  vector.Embedder
	Config    *config.Config
	Metrics   *Metrics
}

// Executor drives compiled plans to completion.
type Executor struct {
	completer llm.Completer
	tools     *tools.Registry
	memory    *memory.Service
	knowledge *knowledge.Store
	embedder  vector.Embedder
	cfg       *config.Config
	metrics   *Metrics
	logger    *logging.Logger
	tracer    trace.Tracer

	defaultPipeline *guardrail.Pipeline

	limitersMu sync.Mutex
	limiters   map[string]*rpmLimiter
}

// NewExecutor builds an executor and its default guardrail pipeline.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Completer == nil {
		return nil, fmt.Errorf("executor requires a completer")
	}
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = DefaultMetrics()
	}

	pipeline, err := guardrail.FromSpecs(opts.Config.Guardrail.Pipeline, opts.Embedder, opts.Knowledge)
	if err != nil {
		return nil, err
	}

	return &Executor{
		completer:       opts.Completer,
		tools:           opts.Tools,
		memory:          opts.Memory,
		knowledge:       opts.Knowledge,
		embedder:        opts.Embedder,
		cfg:             opts.Config,
		metrics:         opts.Metrics,
		logger:          logging.NewComponentLogger("crew"),
		tracer:          otel.Tracer("okami/crew"),
		defaultPipeline: pipeline,
		limiters:        map[string]*rpmLimiter{},
	}, nil
}

// runState is the mutable per-run context shared by task executions.
type runState struct {
	plan   *Plan
	trace  *ExecutionTrace
	inputs map[string]string

	mu      sync.Mutex
	outputs map[string]string
	usage   llm.TokenUsage
	dseq    int
}

func (st *runState) appendStep(step *ExecutionStep) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.trace.Steps = append(st.trace.Steps, *step)
}

func (st *runState) setOutput(task, output string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outputs[task] = output
}

func (st *runState) output(task string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	out, ok := st.outputs[task]
	return out, ok
}

func (st *runState) addUsage(u llm.TokenUsage) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.usage.Add(u)
}

func (st *runState) nextDelegation() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.dseq++
	return st.dseq
}

// Run executes a compiled plan. The returned result always carries a
// terminal status and the trace, including on failure.
func (e *Executor) Run(ctx context.Context, plan *Plan, inputs map[string]string) *CrewResult {
	runID := ids.NewRunID()
	ctx = ids.WithRunID(ctx, runID)
	ctx, span := e.tracer.Start(ctx, "crew.run", trace.WithAttributes(
		attribute.String("crew", plan.Crew.Name),
		attribute.String("run_id", runID),
	))
	defer span.End()

	e.metrics.IncActiveRuns()
	defer e.metrics.DecActiveRuns()

	st := &runState{
		plan:    plan,
		inputs:  inputs,
		outputs: map[string]string{},
		trace: &ExecutionTrace{
			CrewName:  plan.Crew.Name,
			RunID:     runID,
			StartedAt: time.Now().UTC(),
			Inputs:    inputs,
		},
	}

	var runErr error
	switch plan.Crew.Process {
	case ProcessHierarchical:
		runErr = e.runHierarchical(ctx, st)
	default:
		runErr = e.runSequential(ctx, st)
	}

	st.trace.EndedAt = time.Now().UTC()
	result := &CrewResult{
		TasksOutput: st.trace.Steps,
		TokenUsage:  st.usage,
		Trace:       st.trace,
	}

	switch {
	case runErr != nil:
		st.trace.Status = StatusFailed
		result.Status = StatusFailed
		if errorx.IsCancelled(runErr) {
			result.Error = "Cancelled"
		} else {
			result.Error = runErr.Error()
		}
	case anyStepFailed(st.trace.Steps):
		st.trace.Status = StatusPartial
		result.Status = StatusPartial
	default:
		st.trace.Status = StatusCompleted
		result.Status = StatusCompleted
	}

	st.trace.FinalOutput = lastOutput(st.trace.Steps)
	result.FinalOutput = st.trace.FinalOutput

	if e.memory != nil && plan.Crew.MemoryEnabled {
		summary := ""
		if result.Status != StatusFailed {
			summary = result.FinalOutput
		}
		if err := e.memory.EndRun(ctx, runID, summary); err != nil {
			e.logger.Warn("end run %s: %v", runID, err)
		}
	}

	e.logger.Info("run %s crew=%s status=%s steps=%d tokens=%d",
		runID, plan.Crew.Name, result.Status, len(st.trace.Steps), st.usage.TotalTokens)
	return result
}

func (e *Executor) runSequential(ctx context.Context, st *runState) error {
	done := map[string]bool{}
	i := 0
	for i < len(st.plan.Tasks) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if batch := asyncBatch(st.plan.Tasks, i, done); len(batch) > 1 {
			g, gctx := errgroup.WithContext(ctx)
			for _, task := range batch {
				task := task
				g.Go(func() error {
					_, err := e.runTask(gctx, st, task, 0, false)
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			for _, task := range batch {
				done[task.Name] = true
			}
			i += len(batch)
			continue
		}

		task := st.plan.Tasks[i]
		if _, err := e.runTask(ctx, st, task, 0, false); err != nil {
			return err
		}
		done[task.Name] = true
		i++
	}
	return nil
}

// asyncBatch collects the run of consecutive async tasks starting at i whose
// dependencies are already complete.
func asyncBatch(tasks []TaskSpec, i int, done map[string]bool) []TaskSpec {
	var batch []TaskSpec
	for j := i; j < len(tasks); j++ {
		t := tasks[j]
		if !t.Async || !depsDone(t, done) {
			break
		}
		batch = append(batch, t)
	}
	return batch
}

func depsDone(task TaskSpec, done map[string]bool) bool {
	for _, dep := range task.ContextRefs {
		if !done[dep] {
			return false
		}
	}
	return true
}

func (e *Executor) runHierarchical(ctx context.Context, st *runState) error {
	root := TaskSpec{
		Name:           "main_task",
		Description:    mainTaskDescription(st.inputs),
		ExpectedOutput: "A complete final answer, assembled from the delegated subtask results.",
		AgentRef:       st.plan.Manager.Name,
	}
	_, err := e.runTask(ctx, st, root, 0, true)
	return err
}

func mainTaskDescription(inputs map[string]string) string {
	if task, ok := inputs["task"]; ok && task != "" {
		return task
	}
	raw, _ := json.Marshal(inputs)
	return string(raw)
}

// runTask executes one task through the attempt loop: iterate to a candidate
// output, enforce the output schema, run the guardrail pipeline, and retry
// with corrective hints while the retry budget lasts. The produced step is
// appended to the trace; a non-nil error means the task failed fatally.
func (e *Executor) runTask(ctx context.Context, st *runState, task TaskSpec, depth int, manager bool) (*ExecutionStep, error) {
	agent, err := e.resolveAgent(st, task)
	if err != nil {
		return nil, err
	}
	pipeline, err := e.pipelineFor(task)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "crew.task", trace.WithAttributes(
		attribute.String("task", task.Name),
		attribute.String("agent", agent.Name),
	))
	defer span.End()

	step := &ExecutionStep{TaskName: task.Name, AgentName: agent.Name}
	start := time.Now()
	gctx := guardrail.Context{
		TaskDescription: task.Description,
		TaskInput:       st.inputs["task"],
		AgentName:       agent.Name,
	}

	var hints []string
	var fatal error

attempts:
	for attempt := 1; attempt <= task.MaxRetries+1; attempt++ {
		step.Attempts = attempt

		raw, calls, iterErr := e.iterate(ctx, st, task, agent, hints, depth, manager)
		step.ToolCalls = append(step.ToolCalls, calls...)
		if iterErr != nil {
			fatal = iterErr
			step.Error = errorMessage(iterErr)
			step.FinalVerdict = VerdictFail
			break
		}
		step.RawOutput = raw

		if serr := validateSchema(task.OutputSchema, raw); serr != nil {
			verdict := guardrail.Verdict{Guardrail: "output_schema", Reason: serr.Error()}
			step.GuardrailVerdicts = append(step.GuardrailVerdicts, verdict)
			e.metrics.IncGuardrailFailure("output_schema")
			if attempt <= task.MaxRetries {
				hints = append(hints, guardrail.CorrectiveHint(verdict))
				e.metrics.IncTaskRetry(task.Name)
				continue attempts
			}
			step.FinalVerdict = VerdictFail
			break
		}

		final, verdicts := pipeline.Validate(ctx, raw, gctx)
		step.GuardrailVerdicts = append(step.GuardrailVerdicts, verdicts...)
		if final.Passed {
			step.FinalVerdict = VerdictPass
			break
		}
		e.metrics.IncGuardrailFailure(final.Guardrail)
		if attempt <= task.MaxRetries {
			hints = append(hints, guardrail.CorrectiveHint(final))
			e.metrics.IncTaskRetry(task.Name)
			continue
		}
		step.FinalVerdict = VerdictFail
	}

	step.Duration = time.Since(start)
	e.metrics.ObserveTask(task.Name, step.FinalVerdict, step.Duration)
	st.appendStep(step)
	st.setOutput(task.Name, step.RawOutput)

	if step.FinalVerdict == VerdictPass && e.memory != nil && st.plan.Crew.MemoryEnabled && agent.MemoryEnabled {
		runID := ids.RunIDFromContext(ctx)
		content := fmt.Sprintf("[%s] %s: %s", agent.Name, task.Name, clip(step.RawOutput, 500))
		if _, merr := e.memory.SaveShortTerm(ctx, runID, content, map[string]string{
			"agent": agent.Name,
			"task":  task.Name,
		}); merr != nil {
			e.logger.Warn("save short-term for %s: %v", task.Name, merr)
		}
	}

	return step, fatal
}

// iterate runs the completer/tool loop for one attempt, bounded by the
// agent's max_iter. A tool-call response on the final iteration is a cap hit:
// the tool is not invoked.
func (e *Executor) iterate(ctx context.Context, st *runState, task TaskSpec, agent AgentSpec, hints []string, depth int, manager bool) (string, []ToolCallRecord, error) {
	messages := e.composePrompt(ctx, st, task, agent, hints, manager)
	var calls []ToolCallRecord

	for iter := 1; iter <= agent.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return "", calls, err
		}

		resp, err := e.complete(ctx, agent, messages)
		if err != nil {
			return "", calls, err
		}
		st.addUsage(resp.Usage)
		e.metrics.AddTokens(resp.Usage.TotalTokens)

		if !resp.IsToolCall() {
			return resp.Content, calls, nil
		}
		if iter == agent.MaxIter {
			return "", calls, &errorx.MaxIterError{Agent: agent.Name, MaxIter: agent.MaxIter}
		}

		call := resp.ToolCall
		rec := ToolCallRecord{Name: call.Name, Args: call.Args}
		t0 := time.Now()
		result, terr := e.dispatchTool(ctx, st, task, agent, call, depth, manager)
		rec.Duration = time.Since(t0)

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
		if terr != nil {
			rec.Error = terr.Error()
			calls = append(calls, rec)
			var toolErr *errorx.ToolError
			if errors.As(terr, &toolErr) && !toolErr.Strict {
				messages = append(messages, llm.Message{
					Role:    "user",
					Content: fmt.Sprintf("Tool %q failed: %v. Recover with another tool or answer directly.", call.Name, toolErr.Err),
				})
				continue
			}
			return "", calls, terr
		}
		rec.Result = clip(result, 4000)
		calls = append(calls, rec)
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("Result of %s:\n%s", call.Name, result),
		})
	}

	return "", calls, &errorx.MaxIterError{Agent: agent.Name, MaxIter: agent.MaxIter}
}

// complete calls the completer under the agent's rpm bucket and the standard
// transient-retry policy.
func (e *Executor) complete(ctx context.Context, agent AgentSpec, messages []llm.Message) (*llm.Response, error) {
	limiter := e.limiterFor(agent)
	retryCfg := errorx.CompleterRetryConfig()
	if e.cfg.Retries.Completer > 0 {
		retryCfg.MaxAttempts = e.cfg.Retries.Completer
	}

	ctx = ids.WithRequestID(ctx, ids.NewRequestID())
	ctx, span := e.tracer.Start(ctx, "crew.complete", trace.WithAttributes(
		attribute.String("agent", agent.Name),
	))
	defer span.End()

	return errorx.RetryWithResult(ctx, retryCfg, func(ctx context.Context) (*llm.Response, error) {
		if err := limiter.wait(ctx, e.cfg.RateLimit.RPMWaitBudget()); err != nil {
			return nil, err
		}
		return e.completer.Complete(ctx, llm.Request{Messages: messages})
	})
}

func (e *Executor) dispatchTool(ctx context.Context, st *runState, task TaskSpec, agent AgentSpec, call *llm.ToolCall, depth int, manager bool) (string, error) {
	if call.Name == tools.DelegateToolName {
		if st.plan.Crew.Process != ProcessHierarchical {
			return "", &errorx.ToolError{Tool: call.Name, Err: fmt.Errorf("delegation is only available in hierarchical crews")}
		}
		return e.handleDelegate(ctx, st, call.Args, depth)
	}

	allowed := append(append([]string{}, agent.Tools...), task.Tools...)
	if len(allowed) > 0 && !containsString(allowed, call.Name) {
		return "", &errorx.ToolError{Tool: call.Name, Err: fmt.Errorf("tool not permitted for agent %q", agent.Name)}
	}
	return e.tools.Invoke(ctx, call.Name, call.Args)
}

// handleDelegate resolves one delegation synchronously. Rejections (unknown
// target, delegation disallowed, depth cap) come back as structured results
// so the manager can adjust; they still consume its iteration.
func (e *Executor) handleDelegate(ctx context.Context, st *runState, args map[string]any, depth int) (string, error) {
	agentName, _ := args["agent"].(string)
	taskDesc, _ := args["task"].(string)
	extra, _ := args["context"].(string)

	if depth+1 > st.plan.MaxDelegationDepth {
		return delegationError(fmt.Sprintf("delegation depth %d exceeds the cap of %d", depth+1, st.plan.MaxDelegationDepth)), nil
	}
	target, ok := st.plan.Agents[agentName]
	if !ok {
		return delegationError(fmt.Sprintf("unknown agent %q", agentName)), nil
	}
	if !target.AllowDelegation {
		return delegationError(fmt.Sprintf("agent %q does not accept delegation", agentName)), nil
	}
	if taskDesc == "" {
		return delegationError("delegation requires a task description"), nil
	}

	description := taskDesc
	if extra != "" {
		description += "\n\nContext: " + extra
	}
	child := TaskSpec{
		Name:           fmt.Sprintf("delegated_%s_%d", agentName, st.nextDelegation()),
		Description:    description,
		ExpectedOutput: "A complete answer to the delegated task.",
		AgentRef:       agentName,
	}

	step, err := e.runTask(ctx, st, child, depth+1, false)
	if err != nil {
		if errorx.IsCancelled(err) {
			return "", err
		}
		return delegationError(fmt.Sprintf("delegated task failed: %v", err)), nil
	}
	return step.RawOutput, nil
}

func delegationError(reason string) string {
	raw, _ := json.Marshal(map[string]string{"error": reason})
	return string(raw)
}

func (e *Executor) resolveAgent(st *runState, task TaskSpec) (AgentSpec, error) {
	if st.plan.Manager != nil && task.AgentRef == st.plan.Manager.Name {
		return *st.plan.Manager, nil
	}
	agent, ok := st.plan.Agents[task.AgentRef]
	if !ok {
		return AgentSpec{}, &errorx.ValidationError{Entity: task.Name, Reason: fmt.Sprintf("unresolved agent ref %q", task.AgentRef)}
	}
	return agent, nil
}

// pipelineFor builds the task's guardrail pipeline: its refs resolved against
// the configured pipeline entries (falling back to defaults per type), or the
// crew-wide default pipeline when the task declares none.
func (e *Executor) pipelineFor(task TaskSpec) (*guardrail.Pipeline, error) {
	if len(task.GuardrailRefs) == 0 {
		return e.defaultPipeline, nil
	}
	var specs []config.GuardrailSpec
	for _, ref := range task.GuardrailRefs {
		spec := config.GuardrailSpec{Type: ref}
		for _, configured := range e.cfg.Guardrail.Pipeline {
			if configured.Type == ref {
				spec = configured
				break
			}
		}
		specs = append(specs, spec)
	}
	return guardrail.FromSpecs(specs, e.embedder, e.knowledge)
}

func (e *Executor) limiterFor(agent AgentSpec) *rpmLimiter {
	rpm := agent.MaxRPM
	if rpm == 0 {
		rpm = e.cfg.RateLimit.MaxRPMDefault
	}
	if rpm <= 0 {
		return nil
	}
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()
	if limiter, ok := e.limiters[agent.Name]; ok {
		return limiter
	}
	limiter := newRPMLimiter(agent.Name, rpm)
	e.limiters[agent.Name] = limiter
	return limiter
}

func knowledgeFilterFor(st *runState, agent AgentSpec) knowledge.Filter {
	refs := agent.KnowledgeRefs
	if len(refs) == 0 {
		refs = st.plan.Crew.KnowledgeSources
	}
	for _, ref := range refs {
		for _, category := range knowledge.Categories {
			if ref == category {
				return knowledge.Filter{Category: category}
			}
		}
	}
	return knowledge.Filter{}
}

func anyStepFailed(steps []ExecutionStep) bool {
	for _, step := range steps {
		if step.FinalVerdict != VerdictPass {
			return true
		}
	}
	return false
}

// lastOutput is the raw output of the last step that produced one.
func lastOutput(steps []ExecutionStep) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].RawOutput != "" {
			return steps[i].RawOutput
		}
	}
	return ""
}

func errorMessage(err error) string {
	if errorx.IsCancelled(err) {
		return "Cancelled"
	}
	return err.Error()
}

func containsString(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}

// clip truncates to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
