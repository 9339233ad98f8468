package crew

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okami/internal/errorx"
)

func registryWith(agents []AgentSpec, tasks []TaskSpec, crews ...CrewSpec) *Registry {
	r := NewRegistry()
	for _, a := range agents {
		r.AddAgent(a)
	}
	for _, t := range tasks {
		r.AddTask(t)
	}
	for _, c := range crews {
		r.AddCrew(c)
	}
	return r
}

func TestCompileSequential(t *testing.T) {
	reg := registryWith(
		[]AgentSpec{{Name: "research", Role: "Researcher"}, {Name: "writer", Role: "Writer"}},
		[]TaskSpec{
			{Name: "gather", AgentRef: "research"},
			{Name: "draft", AgentRef: "writer", ContextRefs: []string{"gather"}},
		},
		CrewSpec{Name: "report", Process: ProcessSequential, Agents: []string{"research", "writer"}, Tasks: []string{"gather", "draft"}},
	)

	plan, err := Compile(reg, "report")
	require.NoError(t, err)
	assert.Len(t, plan.Tasks, 2)
	assert.Equal(t, "gather", plan.Tasks[0].Name)
	assert.Nil(t, plan.Manager)
	assert.Equal(t, DefaultMaxDelegationDepth, plan.MaxDelegationDepth)
	// max_iter default applied during compile
	assert.Equal(t, defaultMaxIter, plan.Agents["research"].MaxIter)
}

func TestCompileTopoOrderOverListedOrder(t *testing.T) {
	reg := registryWith(
		[]AgentSpec{{Name: "a"}},
		[]TaskSpec{
			{Name: "second", AgentRef: "a", ContextRefs: []string{"first"}},
			{Name: "first", AgentRef: "a"},
		},
		CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"second", "first"}},
	)

	plan, err := Compile(reg, "c")
	require.NoError(t, err)
	assert.Equal(t, "first", plan.Tasks[0].Name)
	assert.Equal(t, "second", plan.Tasks[1].Name)
}

func TestCompileRejections(t *testing.T) {
	agents := []AgentSpec{{Name: "a"}, {Name: "mgr"}}
	tasks := []TaskSpec{
		{Name: "t1", AgentRef: "a"},
		{Name: "bad_agent", AgentRef: "ghost"},
		{Name: "bad_ctx", AgentRef: "a", ContextRefs: []string{"ghost"}},
		{Name: "bad_schema", AgentRef: "a", OutputSchema: "xml"},
		{Name: "no_agent"},
		{Name: "loop_a", AgentRef: "a", ContextRefs: []string{"loop_b"}},
		{Name: "loop_b", AgentRef: "a", ContextRefs: []string{"loop_a"}},
	}

	cases := []struct {
		name string
		crew CrewSpec
	}{
		{"unknown process", CrewSpec{Name: "c", Process: "parallel", Tasks: []string{"t1"}}},
		{"unresolved agent ref", CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"ghost"}}},
		{"unresolved task ref", CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"ghost"}}},
		{"task with unresolved agent", CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"bad_agent"}}},
		{"unresolved context ref", CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"bad_ctx"}}},
		{"unknown output schema", CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"bad_schema"}}},
		{"sequential task without agent", CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"no_agent"}}},
		{"dependency cycle", CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"loop_a", "loop_b"}}},
		{"hierarchical without manager", CrewSpec{Name: "c", Process: ProcessHierarchical, Agents: []string{"a"}}},
		{"manager listed in agents", CrewSpec{Name: "c", Process: ProcessHierarchical, Agents: []string{"a", "mgr"}, ManagerAgent: "mgr"}},
		{"unresolved manager", CrewSpec{Name: "c", Process: ProcessHierarchical, Agents: []string{"a"}, ManagerAgent: "ghost"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := registryWith(agents, tasks, tc.crew)
			_, err := Compile(reg, "c")
			require.Error(t, err)
			assert.Equal(t, errorx.KindValidation, errorx.KindOf(err))
		})
	}
}

func TestCompileUnknownCrew(t *testing.T) {
	_, err := Compile(NewRegistry(), "ghost")
	require.Error(t, err)
}

func TestCompileHierarchicalInjectsManager(t *testing.T) {
	reg := registryWith(
		[]AgentSpec{{Name: "worker", AllowDelegation: true}, {Name: "mgr", Role: "Manager"}},
		nil,
		CrewSpec{Name: "c", Process: ProcessHierarchical, Agents: []string{"worker"}, ManagerAgent: "mgr", MaxDelegationDepth: 5},
	)

	plan, err := Compile(reg, "c")
	require.NoError(t, err)
	require.NotNil(t, plan.Manager)
	assert.Equal(t, "mgr", plan.Manager.Name)
	assert.NotContains(t, plan.Agents, "mgr")
	assert.Equal(t, 5, plan.MaxDelegationDepth)
}
