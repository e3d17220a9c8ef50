package template

import (
	"regexp"
	"strings"

	"github.com/rendis/runway/pkg/schema"
)

// Values holds the run-scoped identifiers substituted into path templates.
type Values struct {
	WorkflowID string
	StoryID    string
	EpicID     string
}

// Result reports the outcome of an interpolation: the resolved path and any
// non-fatal warnings (unresolved optional tokens).
type Result struct {
	Path     string
	Warnings []string
}

var (
	identPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)
	tokenPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
)

// maxIdentLen caps run/workflow identifiers used to build filesystem paths.
const maxIdentLen = 255

// ValidateIdentifier checks a run/workflow identifier against the allowlist
// pattern. Identifiers feed directly into filesystem paths, so traversal
// sequences are rejected outright.
func ValidateIdentifier(id string) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeConfig, "identifier is empty")
	}
	if len(id) > maxIdentLen {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"identifier exceeds %d characters (%d)", maxIdentLen, len(id))
	}
	if strings.Contains(id, "..") {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"identifier %q contains a path traversal sequence", id)
	}
	if !identPattern.MatchString(id) {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"identifier %q contains characters outside [A-Za-z0-9._:-]", id)
	}
	return nil
}

// ValidateSyntax rejects malformed templates before any substitution:
// an unclosed '{' or an orphaned '}' is a hard error.
func ValidateSyntax(tpl string) error {
	depth := 0
	for i := 0; i < len(tpl); i++ {
		switch tpl[i] {
		case '{':
			if depth > 0 {
				return schema.NewErrorf(schema.ErrCodeConfig,
					"nested '{' at position %d in template %q", i, tpl)
			}
			depth++
		case '}':
			if depth == 0 {
				return schema.NewErrorf(schema.ErrCodeConfig,
					"orphaned '}' at position %d in template %q", i, tpl)
			}
			depth--
		}
	}
	if depth != 0 {
		return schema.NewErrorf(schema.ErrCodeConfig, "unclosed '{' in template %q", tpl)
	}
	return nil
}

// Interpolate substitutes {workflow_id}, {story_id}, and {epic_id} into a
// path template and scans for leftovers. An unresolved {workflow_id} is a
// hard error — the workflow id is mandatory and auto-generated when absent —
// while other unresolved tokens are surfaced as warnings only.
func Interpolate(tpl string, vals Values) (*Result, error) {
	if err := ValidateSyntax(tpl); err != nil {
		return nil, err
	}
	if vals.WorkflowID != "" {
		if err := ValidateIdentifier(vals.WorkflowID); err != nil {
			return nil, err
		}
	}

	out := tpl
	replacements := map[string]string{
		"{workflow_id}": vals.WorkflowID,
		"{story_id}":    vals.StoryID,
		"{epic_id}":     vals.EpicID,
	}
	for token, val := range replacements {
		if val != "" {
			out = strings.ReplaceAll(out, token, val)
		}
	}

	res := &Result{Path: out}
	for _, m := range tokenPattern.FindAllStringSubmatch(out, -1) {
		name := m[1]
		if name == "workflow_id" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"unresolved {workflow_id} in %q: workflow id is mandatory", tpl)
		}
		res.Warnings = append(res.Warnings,
			"unresolved template token {"+name+"} in "+out)
	}
	return res, nil
}
