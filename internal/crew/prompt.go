package crew

import (
	"context"
	"fmt"
	"strings"

	"okami/internal/ids"
	"okami/internal/llm"
)

// renderTemplate substitutes {placeholder} tokens. Unknown placeholders stay
// verbatim so a typo is visible in the transcript instead of silently empty.
func renderTemplate(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

func (e *Executor) systemPrompt(agent AgentSpec) string {
	if agent.SystemTemplate != "" {
		return renderTemplate(agent.SystemTemplate, map[string]string{
			"role":      agent.Role,
			"goal":      agent.Goal,
			"backstory": agent.Backstory,
		})
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", agent.Role)
	if agent.Goal != "" {
		fmt.Fprintf(&b, " Your goal: %s.", agent.Goal)
	}
	if agent.Backstory != "" {
		fmt.Fprintf(&b, "\n%s", agent.Backstory)
	}
	return b.String()
}

// composePrompt builds the initial message pair for a task attempt: agent
// templates, the task contract, ordered dependency outputs, the retrieval
// context block, the tool manifest, and any corrective hints from failed
// attempts.
func (e *Executor) composePrompt(ctx context.Context, st *runState, task TaskSpec, agent AgentSpec, hints []string, manager bool) []llm.Message {
	deps := e.dependencyBlock(st, task)
	retrieval := e.retrievalBlock(ctx, st, task, agent)
	toolBlock := e.toolBlock(st, task, agent, manager)

	var user string
	if agent.PromptTemplate != "" {
		user = renderTemplate(agent.PromptTemplate, map[string]string{
			"description":     task.Description,
			"expected_output": task.ExpectedOutput,
			"context":         strings.TrimSpace(deps + "\n" + retrieval),
			"tools":           toolBlock,
		})
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "Task: %s\n", task.Description)
		if task.ExpectedOutput != "" {
			fmt.Fprintf(&b, "\nExpected output: %s\n", task.ExpectedOutput)
		}
		if deps != "" {
			b.WriteString("\n" + deps)
		}
		if retrieval != "" {
			b.WriteString("\n" + retrieval)
		}
		if toolBlock != "" {
			b.WriteString("\n" + toolBlock)
		}
		user = b.String()
	}

	for _, hint := range hints {
		user += "\n\n" + hint
	}

	return []llm.Message{
		{Role: "system", Content: e.systemPrompt(agent)},
		{Role: "user", Content: strings.TrimSpace(user)},
	}
}

// dependencyBlock concatenates the final outputs of the task's context refs,
// in the listed order.
func (e *Executor) dependencyBlock(st *runState, task TaskSpec) string {
	if len(task.ContextRefs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, dep := range task.ContextRefs {
		output, ok := st.output(dep)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "Output of task %s:\n%s\n\n", dep, output)
	}
	return strings.TrimSpace(b.String()) + "\n"
}

// retrievalBlock assembles short-term memory and knowledge hits for the task.
func (e *Executor) retrievalBlock(ctx context.Context, st *runState, task TaskSpec, agent AgentSpec) string {
	var sections []string

	if e.memory != nil && st.plan.Crew.MemoryEnabled {
		runID := ids.RunIDFromContext(ctx)
		records, err := e.memory.ShortTermBlock(ctx, runID, task.Description)
		if err != nil {
			e.logger.Warn("short-term block for %s: %v", task.Name, err)
		}
		if len(records) > 0 {
			var b strings.Builder
			b.WriteString("Relevant memory from this run:\n")
			for _, rec := range records {
				fmt.Fprintf(&b, "- %s\n", rec.Content)
			}
			sections = append(sections, b.String())
		}
	}

	if e.knowledge != nil {
		hits, err := e.knowledge.Search(ctx, task.Description, 3, knowledgeFilterFor(st, agent))
		if err != nil {
			e.logger.Warn("knowledge search for %s: %v", task.Name, err)
		}
		if len(hits) > 0 {
			var b strings.Builder
			b.WriteString("Relevant knowledge:\n")
			for _, hit := range hits {
				fmt.Fprintf(&b, "[%s] %s\n", hit.Path, hit.Content)
			}
			sections = append(sections, b.String())
		}
	}

	return strings.TrimSpace(strings.Join(sections, "\n"))
}

func (e *Executor) toolBlock(st *runState, task TaskSpec, agent AgentSpec, manager bool) string {
	allowed := append(append([]string{}, agent.Tools...), task.Tools...)
	block := e.tools.Manifest(allowed)

	if manager {
		var b strings.Builder
		b.WriteString("You manage the following agents:\n")
		for _, name := range st.plan.Crew.Agents {
			worker := st.plan.Agents[name]
			fmt.Fprintf(&b, "- %s: %s\n", worker.Name, worker.Role)
		}
		b.WriteString(`Delegate a subtask with {"tool": "delegate", "args": {"agent": name, "task": description, "context": optional}}.` + "\n")
		b.WriteString("When every subtask is done, reply with the final answer as plain text.\n")
		if block != "" {
			block += "\n"
		}
		block += b.String()
	}
	return strings.TrimSpace(block)
}
