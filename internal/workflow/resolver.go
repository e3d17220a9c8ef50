package workflow

import (
	"strings"

	"github.com/rendis/runway/pkg/schema"
)

// ContainerKind tags where a step lives inside the workflow document.
type ContainerKind string

const (
	ContainerFlat        ContainerKind = "flat"
	ContainerPhase       ContainerKind = "phase"
	ContainerDecisionYes ContainerKind = "decision_yes"
	ContainerDecisionNo  ContainerKind = "decision_no"
	ContainerLoop        ContainerKind = "loop"
)

// Locator points at one step in its container. Exactly one shape applies:
// flat steps carry no phase, phase steps carry the phase name, and
// decision/loop steps additionally carry their container's ID and (for
// loops and decisions) the governing condition.
type Locator struct {
	Step      *schema.Step
	Kind      ContainerKind
	Phase     string // owning phase name, "" for flat workflows
	Container string // decision or loop ID, "" otherwise
	Condition string // guard for this step: the decision/loop condition, negated for if_no branches
	MaxIter   int    // loop bound, 0 otherwise
	Index     int    // position in the resolved execution order
}

// Resolved is a workflow definition flattened into a single execution order
// with every step addressable by ID.
type Resolved struct {
	Definition *schema.WorkflowDefinition
	order      []string
	byID       map[string]*Locator
}

// Resolve flattens a workflow definition into execution order. Phases run in
// document order; within a phase, steps precede decisions, which precede
// loops. Duplicate step IDs anywhere in the document are rejected.
func Resolve(def *schema.WorkflowDefinition) (*Resolved, error) {
	r := &Resolved{
		Definition: def,
		byID:       make(map[string]*Locator),
	}

	add := func(step *schema.Step, loc Locator) error {
		if step.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step without an id in workflow %q", def.Name)
		}
		if _, dup := r.byID[step.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate step id %q in workflow %q", step.ID, def.Name)
		}
		loc.Step = step
		loc.Index = len(r.order)
		r.byID[step.ID] = &loc
		r.order = append(r.order, step.ID)
		return nil
	}

	for i := range def.Steps {
		if err := add(&def.Steps[i], Locator{Kind: ContainerFlat}); err != nil {
			return nil, err
		}
	}

	for pi := range def.Phases {
		phase := &def.Phases[pi]
		for si := range phase.Steps {
			if err := add(&phase.Steps[si], Locator{
				Kind:  ContainerPhase,
				Phase: phase.Name,
			}); err != nil {
				return nil, err
			}
		}
		for di := range phase.Decisions {
			dec := &phase.Decisions[di]
			for si := range dec.IfYes {
				if err := add(&dec.IfYes[si], Locator{
					Kind:      ContainerDecisionYes,
					Phase:     phase.Name,
					Container: dec.ID,
					Condition: dec.Condition,
				}); err != nil {
					return nil, err
				}
			}
			for si := range dec.IfNo {
				if err := add(&dec.IfNo[si], Locator{
					Kind:      ContainerDecisionNo,
					Phase:     phase.Name,
					Container: dec.ID,
					Condition: negateCondition(dec.Condition),
				}); err != nil {
					return nil, err
				}
			}
		}
		for li := range phase.Loops {
			loop := &phase.Loops[li]
			for si := range loop.Body {
				if err := add(&loop.Body[si], Locator{
					Kind:      ContainerLoop,
					Phase:     phase.Name,
					Container: loop.ID,
					Condition: loop.Condition,
					MaxIter:   loop.MaxIter,
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	if len(r.order) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q resolves to zero steps", def.Name)
	}
	return r, nil
}

// negateCondition guards an if_no branch: its steps run exactly when the
// decision condition does not hold.
func negateCondition(cond string) string {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return ""
	}
	return "NOT (" + cond + ")"
}

// Find returns the locator for a step ID.
func (r *Resolved) Find(stepID string) (*Locator, bool) {
	loc, ok := r.byID[stepID]
	return loc, ok
}

// Order returns step IDs in execution order.
func (r *Resolved) Order() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of resolved steps.
func (r *Resolved) Len() int {
	return len(r.order)
}

// At returns the locator at an execution-order index.
func (r *Resolved) At(index int) (*Locator, bool) {
	if index < 0 || index >= len(r.order) {
		return nil, false
	}
	return r.byID[r.order[index]], true
}

// Next returns the locator following stepID in execution order, or false
// when stepID is last or unknown.
func (r *Resolved) Next(stepID string) (*Locator, bool) {
	loc, ok := r.byID[stepID]
	if !ok || loc.Index+1 >= len(r.order) {
		return nil, false
	}
	return r.byID[r.order[loc.Index+1]], true
}
