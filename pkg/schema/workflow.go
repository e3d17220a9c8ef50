package schema

import (
	"encoding/json"
	"fmt"
)

// WorkflowDefinition is the serializable workflow format (YAML or JSON).
// A workflow is either a flat ordered list of steps, or a list of phases
// each containing steps, decision points, and loop bodies. Exactly one of
// Steps/Phases is expected to be non-empty.
type WorkflowDefinition struct {
	Name     string         `json:"name" yaml:"name"`
	Steps    []Step         `json:"steps,omitempty" yaml:"steps,omitempty"`
	Phases   []Phase        `json:"phases,omitempty" yaml:"phases,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Phase groups steps, decisions, and loops under a named stage.
type Phase struct {
	Name      string     `json:"name" yaml:"name"`
	Steps     []Step     `json:"steps,omitempty" yaml:"steps,omitempty"`
	Decisions []Decision `json:"decisions,omitempty" yaml:"decisions,omitempty"`
	Loops     []Loop     `json:"loops,omitempty" yaml:"loops,omitempty"`
}

// Decision is a branch point: the condition selects one of two step lists.
type Decision struct {
	ID        string `json:"id" yaml:"id"`
	Condition string `json:"condition" yaml:"condition"`
	IfYes     []Step `json:"if_yes,omitempty" yaml:"if_yes,omitempty"`
	IfNo      []Step `json:"if_no,omitempty" yaml:"if_no,omitempty"`
}

// Loop repeats its body while the condition holds, bounded by MaxIter.
// A non-positive bound runs the body once.
type Loop struct {
	ID        string `json:"id" yaml:"id"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaxIter   int    `json:"max_iter,omitempty" yaml:"max_iter,omitempty"`
	Body      []Step `json:"body" yaml:"body"`
}

// Step is one unit of work. It is executed by an external agent or tool and
// produces one or more named artifacts, gated by validation before the run
// advances. Step IDs are unique within a workflow and may be fractional
// strings such as "0.5".
type Step struct {
	ID               string          `json:"id" yaml:"id"`
	Name             string          `json:"name,omitempty" yaml:"name,omitempty"`
	Agent            string          `json:"agent,omitempty" yaml:"agent,omitempty"`
	Tool             string          `json:"tool,omitempty" yaml:"tool,omitempty"`
	Inputs           []string        `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs          []Output        `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Condition        string          `json:"condition,omitempty" yaml:"condition,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	Validation       *ValidationSpec `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// Output is a declared step output: either a plain artifact name, or an
// object carrying a reasoning sub-path alongside the artifact name.
type Output struct {
	Name      string `json:"name" yaml:"name"`
	Reasoning string `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
}

// UnmarshalJSON accepts both the string form ("plan.json") and the object
// form ({"name": "plan.json", "reasoning": "notes/plan.md"}).
func (o *Output) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		o.Name = s
		o.Reasoning = ""
		return nil
	}
	type alias Output
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("output must be a string or an object with a name: %w", err)
	}
	*o = Output(a)
	return nil
}

// MarshalJSON emits the compact string form when no reasoning path is set.
func (o Output) MarshalJSON() ([]byte, error) {
	if o.Reasoning == "" {
		return json.Marshal(o.Name)
	}
	type alias Output
	return json.Marshal(alias(o))
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML workflow documents.
func (o *Output) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		o.Name = s
		o.Reasoning = ""
		return nil
	}
	type alias struct {
		Name      string `yaml:"name"`
		Reasoning string `yaml:"reasoning"`
	}
	var a alias
	if err := unmarshal(&a); err != nil {
		return fmt.Errorf("output must be a string or an object with a name: %w", err)
	}
	o.Name = a.Name
	o.Reasoning = a.Reasoning
	return nil
}

// ValidationSpec declares how a step's artifacts are gated.
type ValidationSpec struct {
	Schema           string        `json:"schema,omitempty" yaml:"schema,omitempty"`
	Gate             string        `json:"gate" yaml:"gate"`
	SecondaryOutputs []string      `json:"secondary_outputs,omitempty" yaml:"secondary_outputs,omitempty"`
	CustomChecks     []CustomCheck `json:"custom_checks,omitempty" yaml:"custom_checks,omitempty"`
	SecurityChecks   []string      `json:"security_checks,omitempty" yaml:"security_checks,omitempty"`
}

// CheckKind selects the engine a custom check runs on.
type CheckKind string

const (
	CheckKindStructural CheckKind = "structural"
	CheckKindSecurity   CheckKind = "security"
	CheckKindJQ         CheckKind = "jq"
	CheckKindExpr       CheckKind = "expr"
	CheckKindCEL        CheckKind = "cel"
)

// CustomCheck is one business rule applied to a produced artifact.
// Structural and security checks are built in and keyed by Name; jq, expr,
// and cel checks evaluate Expr against the artifact document.
type CustomCheck struct {
	Name     string    `json:"name" yaml:"name"`
	Kind     CheckKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Expr     string    `json:"expr,omitempty" yaml:"expr,omitempty"`
	Message  string    `json:"message,omitempty" yaml:"message,omitempty"`
	Blocking bool      `json:"blocking,omitempty" yaml:"blocking,omitempty"`
}
