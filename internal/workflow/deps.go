package workflow

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rendis/runway/internal/template"
	"github.com/rendis/runway/pkg/schema"
)

// InputRef is a parsed step-input reference. Inputs either name a plain
// artifact ("context.json") or point at another step's output using the
// annotated form "report.json (from step 3)" with an optional ", optional"
// suffix marking the dependency non-blocking.
type InputRef struct {
	Artifact string
	FromStep string
	Optional bool
}

var fromStepPattern = regexp.MustCompile(`^(.*?)\s*\(from step ([^,)]+)(,\s*optional)?\)\s*$`)

// ParseInputRef decodes one input declaration. The second return value
// reports whether the input carried a "(from step ...)" annotation.
func ParseInputRef(input string) (InputRef, bool) {
	m := fromStepPattern.FindStringSubmatch(input)
	if m == nil {
		return InputRef{Artifact: strings.TrimSpace(input)}, false
	}
	return InputRef{
		Artifact: strings.TrimSpace(m[1]),
		FromStep: strings.TrimSpace(m[2]),
		Optional: m[3] != "",
	}, true
}

// PrimaryOutput elects the artifact that represents a step's main product:
// the first JSON output with no reasoning sub-path, else the first JSON
// output, else the first declared output's reasoning path (or name when no
// reasoning path exists). Returns false for steps without outputs.
func PrimaryOutput(step *schema.Step) (string, bool) {
	if len(step.Outputs) == 0 {
		return "", false
	}
	for _, o := range step.Outputs {
		if strings.HasSuffix(o.Name, ".json") && o.Reasoning == "" {
			return o.Name, true
		}
	}
	for _, o := range step.Outputs {
		if strings.HasSuffix(o.Name, ".json") {
			return o.Name, true
		}
	}
	first := step.Outputs[0]
	if first.Reasoning != "" {
		return first.Reasoning, true
	}
	return first.Name, true
}

// MissingInput describes one unsatisfied step dependency.
type MissingInput struct {
	Artifact string `json:"artifact"`
	FromStep string `json:"from_step"`
	Reason   string `json:"reason"`
}

// DepResult is the outcome of validating a step's inputs.
type DepResult struct {
	Valid    bool
	Missing  []MissingInput
	Warnings []string
}

// ValidateDependencies checks every annotated input of a step against the
// producing step's declared outputs and the filesystem. Artifact names match
// a producer's outputs exactly or by basename (outputs may be declared as
// templated paths). A missing non-optional dependency fails validation with
// a diagnostic naming the producing step; missing optional dependencies
// surface as warnings.
func ValidateDependencies(r *Resolved, step *schema.Step, vals template.Values, exists func(string) bool) (*DepResult, error) {
	res := &DepResult{Valid: true}

	for _, input := range step.Inputs {
		ref, annotated := ParseInputRef(input)
		if !annotated {
			continue
		}

		producer, ok := r.Find(ref.FromStep)
		if !ok {
			res.Valid = false
			res.Missing = append(res.Missing, MissingInput{
				Artifact: ref.Artifact,
				FromStep: ref.FromStep,
				Reason:   "workflow has no step " + ref.FromStep,
			})
			continue
		}

		resolved, err := resolveAgainstOutputs(producer.Step, ref.Artifact, vals)
		if err != nil {
			return nil, err
		}
		if resolved == "" {
			msg := "step " + ref.FromStep + " does not declare output " + ref.Artifact
			if ref.Optional {
				res.Warnings = append(res.Warnings, msg+" (optional)")
				continue
			}
			res.Valid = false
			res.Missing = append(res.Missing, MissingInput{
				Artifact: ref.Artifact, FromStep: ref.FromStep, Reason: msg,
			})
			continue
		}

		if exists != nil && !exists(resolved) {
			msg := "artifact " + resolved + " from step " + ref.FromStep + " not produced yet"
			if ref.Optional {
				res.Warnings = append(res.Warnings, msg+" (optional)")
				continue
			}
			res.Valid = false
			res.Missing = append(res.Missing, MissingInput{
				Artifact: resolved, FromStep: ref.FromStep, Reason: msg,
			})
		}
	}
	return res, nil
}

// resolveAgainstOutputs matches a wanted artifact against a producer's
// declared outputs after template interpolation, by exact path first and
// basename second. Returns "" when no output matches.
func resolveAgainstOutputs(producer *schema.Step, artifact string, vals template.Values) (string, error) {
	wantRes, err := template.Interpolate(artifact, vals)
	if err != nil {
		return "", err
	}
	want := wantRes.Path

	var byBase string
	for _, o := range producer.Outputs {
		for _, candidate := range []string{o.Name, o.Reasoning} {
			if candidate == "" {
				continue
			}
			res, err := template.Interpolate(candidate, vals)
			if err != nil {
				return "", err
			}
			if res.Path == want {
				return res.Path, nil
			}
			if byBase == "" && filepath.Base(res.Path) == filepath.Base(want) {
				byBase = res.Path
			}
		}
	}
	return byBase, nil
}
