package crew

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"okami/internal/logging"
)

// Registry holds the declarative spec inventory. Specs load from YAML files
// under <dir>/agents, <dir>/tasks and <dir>/crews, one spec per file; names
// default to the file name. Unknown fields are ignored with a warning.
type Registry struct {
	agents map[string]AgentSpec
	tasks  map[string]TaskSpec
	crews  map[string]CrewSpec
	logger *logging.Logger
}

// NewRegistry returns an empty registry, useful for programmatic setup.
func NewRegistry() *Registry {
	return &Registry{
		agents: map[string]AgentSpec{},
		tasks:  map[string]TaskSpec{},
		crews:  map[string]CrewSpec{},
		logger: logging.NewComponentLogger("crew"),
	}
}

// LoadRegistry reads every spec document under dir.
func LoadRegistry(dir string) (*Registry, error) {
	r := NewRegistry()

	if err := loadSpecs(filepath.Join(dir, "agents"), r.logger, func(name string, raw []byte) error {
		var spec AgentSpec
		if err := decodeSpec(raw, &spec, name, r.logger); err != nil {
			return err
		}
		if spec.Name == "" {
			spec.Name = name
		}
		r.AddAgent(spec)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadSpecs(filepath.Join(dir, "tasks"), r.logger, func(name string, raw []byte) error {
		var spec TaskSpec
		if err := decodeSpec(raw, &spec, name, r.logger); err != nil {
			return err
		}
		if spec.Name == "" {
			spec.Name = name
		}
		r.AddTask(spec)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadSpecs(filepath.Join(dir, "crews"), r.logger, func(name string, raw []byte) error {
		var spec CrewSpec
		if err := decodeSpec(raw, &spec, name, r.logger); err != nil {
			return err
		}
		if spec.Name == "" {
			spec.Name = name
		}
		r.AddCrew(spec)
		return nil
	}); err != nil {
		return nil, err
	}

	return r, nil
}

// AddAgent registers an agent spec, replacing any prior entry.
func (r *Registry) AddAgent(spec AgentSpec) { r.agents[spec.Name] = spec }

// AddTask registers a task spec.
func (r *Registry) AddTask(spec TaskSpec) { r.tasks[spec.Name] = spec }

// AddCrew registers a crew spec.
func (r *Registry) AddCrew(spec CrewSpec) { r.crews[spec.Name] = spec }

// Agent resolves an agent by name.
func (r *Registry) Agent(name string) (AgentSpec, bool) {
	spec, ok := r.agents[name]
	return spec, ok
}

// Task resolves a task by name.
func (r *Registry) Task(name string) (TaskSpec, bool) {
	spec, ok := r.tasks[name]
	return spec, ok
}

// Crew resolves a crew by name.
func (r *Registry) Crew(name string) (CrewSpec, bool) {
	spec, ok := r.crews[name]
	return spec, ok
}

// CrewNames lists registered crews.
func (r *Registry) CrewNames() []string {
	names := make([]string, 0, len(r.crews))
	for name := range r.crews {
		names = append(names, name)
	}
	return names
}

func loadSpecs(dir string, logger *logging.Logger, handle func(name string, raw []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("spec dir %s absent, skipping", dir)
			return nil
		}
		return fmt.Errorf("read spec dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read spec %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".yaml"), ".yml")
		if err := handle(name, raw); err != nil {
			return fmt.Errorf("parse spec %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// decodeSpec first tries a strict decode; on unknown fields it warns and
// falls back to a lenient pass so extra keys never fail loading.
func decodeSpec(raw []byte, out any, name string, logger *logging.Logger) error {
	strict := yaml.NewDecoder(strings.NewReader(string(raw)))
	strict.KnownFields(true)
	if err := strict.Decode(out); err == nil {
		return nil
	} else if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "field") {
		logger.Warn("spec %s has unrecognized fields: %v", name, err)
	}
	return yaml.Unmarshal(raw, out)
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
