package gate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"
	"github.com/itchyny/gojq"

	"github.com/rendis/runway/pkg/schema"
)

// CheckEngine runs custom business checks against a produced artifact
// document. Expression checks (jq, expr, cel) compile once and are cached;
// structural and security checks are built in and keyed by check name.
// Safe for concurrent use.
type CheckEngine struct {
	celEnv *cel.Env

	mu        sync.RWMutex
	jqCache   map[string]*gojq.Code
	exprCache map[string]*vm.Program
	celCache  map[string]cel.Program
}

// NewCheckEngine creates a check engine with a shared CEL environment.
// Expressions see the artifact document as the variable `doc`.
func NewCheckEngine() (*CheckEngine, error) {
	env, err := cel.NewEnv(cel.Variable("doc", cel.DynType))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "create cel environment").WithCause(err)
	}
	return &CheckEngine{
		celEnv:    env,
		jqCache:   make(map[string]*gojq.Code),
		exprCache: make(map[string]*vm.Program),
		celCache:  make(map[string]cel.Program),
	}, nil
}

// Run evaluates one check against the decoded artifact document. The result
// is a pass/fail with a message; a failing non-blocking security check is
// the caller's signal to demote the failure to a warning.
func (e *CheckEngine) Run(check schema.CustomCheck, doc any) schema.CheckResult {
	switch check.Kind {
	case schema.CheckKindJQ:
		return e.runJQ(check, doc)
	case schema.CheckKindExpr:
		return e.runExpr(check, doc)
	case schema.CheckKindCEL:
		return e.runCEL(check, doc)
	case schema.CheckKindSecurity:
		return runSecurity(check, doc)
	case schema.CheckKindStructural, "":
		return runStructural(check, doc)
	default:
		return schema.CheckResult{
			Passed:  false,
			Message: fmt.Sprintf("unknown check kind %q", check.Kind),
		}
	}
}

func (e *CheckEngine) runJQ(check schema.CustomCheck, doc any) schema.CheckResult {
	code, err := e.compileJQ(check.Expr)
	if err != nil {
		return failResult(check, "invalid jq expression: "+err.Error())
	}

	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return failResult(check, "jq expression produced no result")
	}
	if runErr, isErr := v.(error); isErr {
		return failResult(check, "jq evaluation failed: "+runErr.Error())
	}
	if !truthyResult(v) {
		return failResult(check, "")
	}
	return schema.CheckResult{Passed: true}
}

func (e *CheckEngine) runExpr(check schema.CustomCheck, doc any) schema.CheckResult {
	program, err := e.compileExpr(check.Expr)
	if err != nil {
		return failResult(check, "invalid expr expression: "+err.Error())
	}

	out, err := expr.Run(program, map[string]any{"doc": doc})
	if err != nil {
		return failResult(check, "expr evaluation failed: "+err.Error())
	}
	if !truthyResult(out) {
		return failResult(check, "")
	}
	return schema.CheckResult{Passed: true}
}

func (e *CheckEngine) runCEL(check schema.CustomCheck, doc any) schema.CheckResult {
	program, err := e.compileCEL(check.Expr)
	if err != nil {
		return failResult(check, "invalid cel expression: "+err.Error())
	}

	out, _, err := program.Eval(map[string]any{"doc": doc})
	if err != nil {
		return failResult(check, "cel evaluation failed: "+err.Error())
	}
	if !truthyResult(out.Value()) {
		return failResult(check, "")
	}
	return schema.CheckResult{Passed: true}
}

func (e *CheckEngine) compileJQ(src string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.jqCache[src]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.jqCache[src]; ok {
		return code, nil
	}

	query, err := gojq.Parse(src)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}
	e.jqCache[src] = code
	return code, nil
}

func (e *CheckEngine) compileExpr(src string) (*vm.Program, error) {
	e.mu.RLock()
	if program, ok := e.exprCache[src]; ok {
		e.mu.RUnlock()
		return program, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.exprCache[src]; ok {
		return program, nil
	}

	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.exprCache[src] = program
	return program, nil
}

func (e *CheckEngine) compileCEL(src string) (cel.Program, error) {
	e.mu.RLock()
	if program, ok := e.celCache[src]; ok {
		e.mu.RUnlock()
		return program, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.celCache[src]; ok {
		return program, nil
	}

	ast, iss := e.celEnv.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	program, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, err
	}
	e.celCache[src] = program
	return program, nil
}

// Built-in structural check names.
const (
	CheckFeaturesComplete = "features_complete"
	CheckDependencyIDs    = "dependency_id_format"
	CheckNonEmpty         = "non_empty"
)

var dependencyIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// runStructural dispatches the built-in structural rules by check name.
func runStructural(check schema.CustomCheck, doc any) schema.CheckResult {
	obj, _ := doc.(map[string]any)

	switch check.Name {
	case CheckFeaturesComplete:
		return checkFeaturesComplete(check, obj)
	case CheckDependencyIDs:
		return checkDependencyIDs(check, obj)
	case CheckNonEmpty:
		if len(obj) == 0 {
			return failResult(check, "artifact document is empty")
		}
		return schema.CheckResult{Passed: true}
	default:
		return failResult(check, fmt.Sprintf("unknown structural check %q", check.Name))
	}
}

// checkFeaturesComplete requires every entry under "features" to carry
// id, name, description, and priority.
func checkFeaturesComplete(check schema.CustomCheck, obj map[string]any) schema.CheckResult {
	features, ok := obj["features"].([]any)
	if !ok {
		return failResult(check, "artifact has no features array")
	}
	required := []string{"id", "name", "description", "priority"}
	for i, f := range features {
		feature, ok := f.(map[string]any)
		if !ok {
			return failResult(check, fmt.Sprintf("features[%d] is not an object", i))
		}
		for _, field := range required {
			v, present := feature[field]
			if !present || v == nil || v == "" {
				return failResult(check, fmt.Sprintf("features[%d] missing %s", i, field))
			}
		}
	}
	return schema.CheckResult{Passed: true}
}

// checkDependencyIDs validates the format of every id referenced in any
// "dependencies" array anywhere in the document.
func checkDependencyIDs(check schema.CustomCheck, obj map[string]any) schema.CheckResult {
	var bad []string
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			if deps, ok := node["dependencies"].([]any); ok {
				for _, d := range deps {
					s, isStr := d.(string)
					if !isStr || !dependencyIDPattern.MatchString(s) {
						bad = append(bad, fmt.Sprintf("%v", d))
					}
				}
			}
			for _, child := range node {
				walk(child)
			}
		case []any:
			for _, child := range node {
				walk(child)
			}
		}
	}
	walk(obj)

	if len(bad) > 0 {
		return failResult(check, "malformed dependency ids: "+strings.Join(bad, ", "))
	}
	return schema.CheckResult{Passed: true}
}

// secretPatterns flag hard-coded credentials in artifact content.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*["']?\s*[:=]\s*["'][^"']{8,}["']`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{20,}`),
}

// runSecurity scans the serialized document for hard-coded secrets. The
// caller decides whether a hit blocks or is demoted to a warning based on
// the check's Blocking flag.
func runSecurity(check schema.CustomCheck, doc any) schema.CheckResult {
	content := serializeForScan(doc)
	for _, p := range secretPatterns {
		if loc := p.FindString(content); loc != "" {
			return failResult(check, "possible hard-coded secret matching "+p.String())
		}
	}
	return schema.CheckResult{Passed: true}
}

func serializeForScan(doc any) string {
	if s, ok := doc.(string); ok {
		return s
	}
	var b strings.Builder
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			for k, child := range node {
				b.WriteString(k)
				b.WriteByte('\n')
				walk(child)
			}
		case []any:
			for _, child := range node {
				walk(child)
			}
		case string:
			b.WriteString(node)
			b.WriteByte('\n')
		default:
			fmt.Fprintf(&b, "%v\n", node)
		}
	}
	walk(doc)
	return b.String()
}

func failResult(check schema.CustomCheck, fallback string) schema.CheckResult {
	msg := check.Message
	if msg == "" {
		msg = fallback
	}
	if msg == "" {
		msg = "check " + check.Name + " failed"
	}
	return schema.CheckResult{Passed: false, Message: msg}
}

func truthyResult(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}
