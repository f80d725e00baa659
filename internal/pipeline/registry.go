package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultAnalyzer is the name of the built-in simulated analyzer.
const DefaultAnalyzer = "mock"

// Analyzer pairs a Workload with the Generator that consumes its output.
type Analyzer struct {
	Name        string
	Description string
	Workload    Workload
	Generator   Generator
}

// AnalyzerInfo is the public description of a registered analyzer.
type AnalyzerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewMockAnalyzer returns the simulated analyzer with the given step count
// and per-step delay.
func NewMockAnalyzer(steps int, delay time.Duration) Analyzer {
	return Analyzer{
		Name:        DefaultAnalyzer,
		Description: "Simulated processing with deterministic sample segments.",
		Workload:    SimulatedWorkload{Steps: steps, Delay: delay},
		Generator:   MockGenerator{},
	}
}

// Registry holds named analyzers.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[string]Analyzer
}

// NewRegistry creates an empty analyzer registry.
func NewRegistry() *Registry {
	return &Registry{analyzers: make(map[string]Analyzer)}
}

// Register adds or replaces an analyzer under its name.
func (r *Registry) Register(a Analyzer) error {
	if a.Name == "" || a.Workload == nil || a.Generator == nil {
		return fmt.Errorf("register analyzer %q: name, workload and generator are required", a.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzers[a.Name] = a
	return nil
}

// Resolve returns the analyzer registered under name.
func (r *Registry) Resolve(name string) (Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[name]
	if !ok {
		return Analyzer{}, fmt.Errorf("analyzer %q is not registered", name)
	}
	return a, nil
}

// List returns all registered analyzers sorted by name for a stable API response.
func (r *Registry) List() []AnalyzerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AnalyzerInfo, 0, len(r.analyzers))
	for _, a := range r.analyzers {
		infos = append(infos, AnalyzerInfo{Name: a.Name, Description: a.Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
