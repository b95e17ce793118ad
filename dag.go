package cascade

import "fmt"

// DAG is a directed acyclic graph of step definitions connected by
// depends_on edges. Steps execute in dependency order with maximum
// parallelism: any step whose dependencies are satisfied can run
// immediately, without waiting for unrelated steps in the same layer.
//
// Adjacency is kept in the forward direction (dependency -> dependents),
// which is what cascade-skip and in-degree scheduling need.
type DAG struct {
	Name        string
	Description string

	// Steps is the registry of definitions keyed by step name. stepOrder
	// preserves insertion order so ready-queue seeding is deterministic.
	Steps     map[string]*StepDefinition
	stepOrder []string

	// Experimental DAGs may validate with zero steps.
	Experimental bool
}

// NewDAG creates an empty DAG.
func NewDAG(name, description string) *DAG {
	return &DAG{
		Name:        name,
		Description: description,
		Steps:       make(map[string]*StepDefinition),
	}
}

// Add registers a step. Returns an error if the name is already taken.
func (d *DAG) Add(step *StepDefinition) error {
	if _, exists := d.Steps[step.Name]; exists {
		return fmt.Errorf("step %q already exists in DAG", step.Name)
	}
	d.Steps[step.Name] = step
	d.stepOrder = append(d.stepOrder, step.Name)
	return nil
}

// AddMany registers multiple steps, stopping at the first error.
func (d *DAG) AddMany(steps ...*StepDefinition) error {
	for _, s := range steps {
		if err := d.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// StepNames returns step names in insertion order.
func (d *DAG) StepNames() []string {
	out := make([]string, len(d.stepOrder))
	copy(out, d.stepOrder)
	return out
}

// Validate checks the DAG structure in three passes: non-empty (unless
// experimental), dependency existence, and cycle detection via
// three-color DFS over the forward adjacency.
func (d *DAG) Validate() error {
	if len(d.Steps) == 0 {
		if d.Experimental {
			return nil
		}
		return fmt.Errorf("DAG %q has no steps", d.Name)
	}
	for _, name := range d.stepOrder {
		for _, dep := range d.Steps[name].DependsOn {
			if _, ok := d.Steps[dep]; !ok {
				return &MissingDependencyError{Step: name, MissingDep: dep}
			}
		}
	}
	return d.detectCycles()
}

// AdjacencyList builds the forward adjacency: each key maps to the steps
// that depend on it. Dependent lists follow insertion order.
func (d *DAG) AdjacencyList() map[string][]string {
	adj := make(map[string][]string, len(d.Steps))
	for _, name := range d.stepOrder {
		if _, ok := adj[name]; !ok {
			adj[name] = nil
		}
	}
	for _, name := range d.stepOrder {
		for _, dep := range d.Steps[name].DependsOn {
			adj[dep] = append(adj[dep], name)
		}
	}
	return adj
}

// detectCycles runs the classic white/gray/black DFS. A back-edge to a
// gray node means the path from that node to the current one is a cycle;
// the error reports the cycle path from the repeated node back to itself.
func (d *DAG) detectCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	adj := d.AdjacencyList()
	color := make(map[string]int, len(d.Steps))
	var stack []string

	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		stack = append(stack, node)

		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), next)
				return &CycleDetectedError{Path: path}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = black
		return nil
	}

	for _, node := range d.stepOrder {
		if color[node] == white {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExecutionOrder returns a topological ordering via Kahn's algorithm. The
// ready queue is FIFO seeded in insertion order, so identical DAG
// definitions always produce the same ordering.
func (d *DAG) ExecutionOrder() ([]string, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	adj := d.AdjacencyList()
	inDegree := make(map[string]int, len(d.Steps))
	for _, name := range d.stepOrder {
		inDegree[name] = len(d.Steps[name].DependsOn)
	}

	var ready []string
	for _, name := range d.stepOrder {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(d.Steps))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, dep := range adj[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(d.Steps) {
		// A cycle that survived the DFS check. Defensive.
		return nil, &CycleDetectedError{Path: order}
	}
	return order, nil
}

// ReadySteps returns names of steps that have not completed and whose
// dependencies are all in the completed set, in insertion order.
func (d *DAG) ReadySteps(completed map[string]bool) []string {
	var ready []string
	for _, name := range d.stepOrder {
		if completed[name] {
			continue
		}
		ok := true
		for _, dep := range d.Steps[name].DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// Dependents returns the steps that directly depend on name.
func (d *DAG) Dependents(name string) []string {
	return d.AdjacencyList()[name]
}
