package crew

import (
	"fmt"

	"okami/internal/errorx"
)

// DefaultMaxDelegationDepth caps recursive delegation in hierarchical mode.
const DefaultMaxDelegationDepth = 3

const defaultMaxIter = 10

// Plan is a compiled, validated crew ready to execute. Task order is
// topological for sequential crews.
type Plan struct {
	Crew               CrewSpec
	Agents             map[string]AgentSpec
	Tasks              []TaskSpec
	Manager            *AgentSpec
	MaxDelegationDepth int
}

// Compile resolves a crew's references and validates the spec. It rejects
// unresolved refs, dependency cycles, a hierarchical manager that is missing
// or listed among the workers, sequential tasks without an agent, and unknown
// output schemas.
func Compile(reg *Registry, crewName string) (*Plan, error) {
	spec, ok := reg.Crew(crewName)
	if !ok {
		return nil, &errorx.ValidationError{Entity: crewName, Reason: "unknown crew"}
	}
	if spec.Process != ProcessSequential && spec.Process != ProcessHierarchical {
		return nil, &errorx.ValidationError{Entity: spec.Name, Reason: fmt.Sprintf("unknown process %q", spec.Process)}
	}

	agents := map[string]AgentSpec{}
	for _, name := range spec.Agents {
		agent, ok := reg.Agent(name)
		if !ok {
			return nil, &errorx.ValidationError{Entity: spec.Name, Reason: fmt.Sprintf("unresolved agent ref %q", name)}
		}
		agents[name] = normalizeAgent(agent)
	}

	var manager *AgentSpec
	if spec.Process == ProcessHierarchical {
		if spec.ManagerAgent == "" {
			return nil, &errorx.ValidationError{Entity: spec.Name, Reason: "hierarchical crew requires manager_agent"}
		}
		if _, listed := agents[spec.ManagerAgent]; listed {
			return nil, &errorx.ValidationError{Entity: spec.Name, Reason: fmt.Sprintf("manager_agent %q must not be listed in agents", spec.ManagerAgent)}
		}
		m, ok := reg.Agent(spec.ManagerAgent)
		if !ok {
			return nil, &errorx.ValidationError{Entity: spec.Name, Reason: fmt.Sprintf("unresolved manager_agent %q", spec.ManagerAgent)}
		}
		normalized := normalizeAgent(m)
		manager = &normalized
	}

	known := map[string]bool{}
	for _, name := range spec.Tasks {
		known[name] = true
	}

	var tasks []TaskSpec
	for _, name := range spec.Tasks {
		task, ok := reg.Task(name)
		if !ok {
			return nil, &errorx.ValidationError{Entity: spec.Name, Reason: fmt.Sprintf("unresolved task ref %q", name)}
		}
		if spec.Process == ProcessSequential && task.AgentRef == "" {
			return nil, &errorx.ValidationError{Entity: task.Name, Reason: "sequential task requires an agent"}
		}
		if task.AgentRef != "" {
			if _, ok := agents[task.AgentRef]; !ok {
				return nil, &errorx.ValidationError{Entity: task.Name, Reason: fmt.Sprintf("unresolved agent ref %q", task.AgentRef)}
			}
		}
		for _, dep := range task.ContextRefs {
			if !known[dep] {
				return nil, &errorx.ValidationError{Entity: task.Name, Reason: fmt.Sprintf("unresolved context ref %q", dep)}
			}
		}
		if !KnownSchema(task.OutputSchema) {
			return nil, &errorx.ValidationError{Entity: task.Name, Reason: fmt.Sprintf("unknown output schema %q", task.OutputSchema)}
		}
		tasks = append(tasks, task)
	}

	ordered, err := topoSort(tasks)
	if err != nil {
		return nil, err
	}

	depth := spec.MaxDelegationDepth
	if depth <= 0 {
		depth = DefaultMaxDelegationDepth
	}

	return &Plan{
		Crew:               spec,
		Agents:             agents,
		Tasks:              ordered,
		Manager:            manager,
		MaxDelegationDepth: depth,
	}, nil
}

func normalizeAgent(agent AgentSpec) AgentSpec {
	if agent.MaxIter <= 0 {
		agent.MaxIter = defaultMaxIter
	}
	return agent
}

// topoSort orders tasks by their context dependencies, preserving the listed
// order among independent tasks. A cycle is a validation error.
func topoSort(tasks []TaskSpec) ([]TaskSpec, error) {
	byName := map[string]TaskSpec{}
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, t := range tasks {
		byName[t.Name] = t
		indegree[t.Name] = len(t.ContextRefs)
		for _, dep := range t.ContextRefs {
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	var ordered []TaskSpec
	for len(ordered) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if indegree[t.Name] != 0 {
				continue
			}
			ordered = append(ordered, byName[t.Name])
			indegree[t.Name] = -1
			for _, dep := range dependents[t.Name] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			return nil, &errorx.ValidationError{Reason: "task dependency cycle detected"}
		}
	}
	return ordered, nil
}
