package cascade

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// --- YAML schema ---

// WorkflowInput declares one workflow input. Scalar shorthand in YAML
// ("inputs: {name: value}") becomes a default-only input.
type WorkflowInput struct {
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Default     any      `yaml:"default"`
	Required    bool     `yaml:"required"`
	Enum        []string `yaml:"enum"`
}

// WorkflowOutput declares one workflow output, resolved from an
// expression over the final context. Expression shorthand ("outputs:
// {name: "${...}"}") becomes a required output.
type WorkflowOutput struct {
	From     string `yaml:"from"`
	Optional bool   `yaml:"optional"`
}

// StepSpec is one step entry in a workflow YAML file.
type StepSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Agent       string            `yaml:"agent"`
	DependsOn   []string          `yaml:"depends_on"`
	When        string            `yaml:"when"`
	Unless      string            `yaml:"unless"`
	Inputs      map[string]string `yaml:"inputs"`
	Outputs     map[string]string `yaml:"outputs"`
	LoopUntil   string            `yaml:"loop_until"`
	LoopMax     int               `yaml:"loop_max"`
	Timeout     float64           `yaml:"timeout"`
	PromptFile  string            `yaml:"prompt_file"`
	// Tools is the allowlist; absent = all tier-eligible tools.
	Tools *[]string `yaml:"tools"`
	Retry *struct {
		MaxRetries int     `yaml:"max_retries"`
		Strategy   string  `yaml:"strategy"`
		BaseDelay  float64 `yaml:"base_delay"`
		MaxDelay   float64 `yaml:"max_delay"`
		Jitter     float64 `yaml:"jitter"`
	} `yaml:"retry"`
}

// WorkflowDefinition is a parsed workflow YAML file.
type WorkflowDefinition struct {
	Name         string                    `yaml:"name"`
	Description  string                    `yaml:"description"`
	Version      string                    `yaml:"version"`
	Experimental bool                      `yaml:"experimental"`
	Inputs       map[string]WorkflowInput  `yaml:"-"`
	Outputs      map[string]WorkflowOutput `yaml:"-"`
	Capabilities struct {
		Inputs  []string `yaml:"inputs"`
		Outputs []string `yaml:"outputs"`
	} `yaml:"capabilities"`
	// Evaluation is opaque, passed through to the scoring layer.
	Evaluation map[string]any `yaml:"evaluation"`
	Steps      []StepSpec     `yaml:"steps"`
}

// rawDefinition captures the flexible input/output shorthand before
// normalization.
type rawDefinition struct {
	WorkflowDefinition `yaml:",inline"`
	RawInputs          map[string]yaml.Node `yaml:"inputs"`
	RawOutputs         map[string]yaml.Node `yaml:"outputs"`
}

// ParseDefinition parses workflow YAML.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	def := raw.WorkflowDefinition
	if def.Version == "" {
		def.Version = "1.0"
	}

	def.Inputs = make(map[string]WorkflowInput, len(raw.RawInputs))
	for name, node := range raw.RawInputs {
		var input WorkflowInput
		if node.Kind == yaml.MappingNode {
			if err := node.Decode(&input); err != nil {
				return nil, fmt.Errorf("input %q: %w", name, err)
			}
		} else {
			// Scalar shorthand: the value is the default.
			var v any
			if err := node.Decode(&v); err != nil {
				return nil, fmt.Errorf("input %q: %w", name, err)
			}
			input.Default = v
		}
		def.Inputs[name] = input
	}

	def.Outputs = make(map[string]WorkflowOutput, len(raw.RawOutputs))
	for name, node := range raw.RawOutputs {
		var output WorkflowOutput
		if node.Kind == yaml.MappingNode {
			if err := node.Decode(&output); err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
		} else {
			var expr string
			if err := node.Decode(&expr); err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			output.From = expr
		}
		def.Outputs[name] = output
	}

	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads and parses a workflow YAML file.
func LoadDefinition(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func (d *WorkflowDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(d.Steps) == 0 && !d.Experimental {
		return fmt.Errorf("workflow %q has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q: step %d has no name", d.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %q: duplicate step name %q", d.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Agent == "" {
			return fmt.Errorf("workflow %q: step %q has no agent", d.Name, s.Name)
		}
		if s.LoopMax < 0 {
			return fmt.Errorf("workflow %q: step %q: loop_max must not be negative", d.Name, s.Name)
		}
	}
	return nil
}

// BuildDAG converts a parsed definition into an executable DAG. Agent
// functions are resolved through ResolveAgent: tier-0 agents map to
// deterministic implementations, higher tiers get LLM-backed step
// functions bound to the given prompt loader.
func (d *WorkflowDefinition) BuildDAG(prompts *PromptLoader, logger *slog.Logger) (*DAG, error) {
	if logger == nil {
		logger = nopLogger
	}
	dag := NewDAG(d.Name, d.Description)
	dag.Experimental = d.Experimental

	for _, spec := range d.Steps {
		step := NewStep(spec.Name).WithDescription(spec.Description)
		step.Metadata["agent"] = spec.Agent
		if spec.PromptFile != "" {
			step.Metadata["prompt_file"] = spec.PromptFile
		}
		if spec.Tools != nil {
			step.Metadata["tools"] = *spec.Tools
		}
		step.DependsOn = append(step.DependsOn, spec.DependsOn...)
		step.WhenExpr = spec.When
		step.UnlessExpr = spec.Unless
		for k, v := range spec.Inputs {
			step.InputMapping[k] = v
		}
		for k, v := range spec.Outputs {
			step.OutputMapping[k] = v
		}
		if spec.LoopUntil != "" {
			max := spec.LoopMax
			if max == 0 {
				max = defaultLoopMax
			}
			step.WithLoopUntil(spec.LoopUntil, max)
		}
		if spec.Timeout > 0 {
			step.TimeoutSeconds = spec.Timeout
		}
		if spec.Retry != nil {
			retry := DefaultRetryConfig()
			retry.MaxRetries = spec.Retry.MaxRetries
			if spec.Retry.Strategy != "" {
				retry.Strategy = RetryStrategy(spec.Retry.Strategy)
			}
			if spec.Retry.BaseDelay > 0 {
				retry.BaseDelay = secondsToDuration(spec.Retry.BaseDelay)
			}
			if spec.Retry.MaxDelay > 0 {
				retry.MaxDelay = secondsToDuration(spec.Retry.MaxDelay)
			}
			if spec.Retry.Jitter > 0 {
				retry.Jitter = spec.Retry.Jitter
			}
			step.Retry = retry
		}

		if err := ResolveAgent(step, prompts, logger); err != nil {
			return nil, err
		}
		if err := dag.Add(step); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", d.Name, err)
		}
	}

	if err := dag.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", d.Name, err)
	}
	return dag, nil
}

// SeedInputs resolves initial variables from declared inputs and provided
// values: provided values win, declared defaults fill gaps, and missing
// required inputs are an error.
func (d *WorkflowDefinition) SeedInputs(provided map[string]any) (map[string]any, error) {
	seeded := make(map[string]any, len(d.Inputs))
	for name, input := range d.Inputs {
		if v, ok := provided[name]; ok {
			seeded[name] = v
			continue
		}
		if input.Default != nil {
			seeded[name] = input.Default
			continue
		}
		if input.Required {
			return nil, fmt.Errorf("workflow %q: required input %q not provided", d.Name, name)
		}
	}
	// Pass through extra provided values untouched.
	for name, v := range provided {
		if _, ok := seeded[name]; !ok {
			seeded[name] = v
		}
	}
	return seeded, nil
}

// ResolveOutputs evaluates declared outputs against the final context.
// Missing non-optional outputs resolve to nil rather than erroring; the
// caller decides whether that matters.
func (d *WorkflowDefinition) ResolveOutputs(ec *ExecutionContext) map[string]any {
	ev := NewExpressionEvaluator(ec)
	outputs := make(map[string]any, len(d.Outputs))
	for name, output := range d.Outputs {
		expr := output.From
		if len(expr) > 3 && expr[:2] == "${" && expr[len(expr)-1] == '}' {
			outputs[name] = ev.ResolveVariable(expr[2 : len(expr)-1])
		} else if v, ok := ec.Get(expr); ok {
			outputs[name] = v
		} else {
			outputs[name] = nil
		}
	}
	return outputs
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
