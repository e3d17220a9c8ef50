package condition

import (
	"strconv"
	"strings"

	"github.com/rendis/runway/pkg/schema"
)

// Context is the typed evaluation context for step conditions.
type Context struct {
	Config     map[string]any    // config.<field>
	Env        map[string]string // env.<VAR>
	Artifacts  map[string]any    // artifacts.<dot.path>
	StepOutput map[string]any    // step.output.<field>
	Providers  []string          // providers.includes('name')
	Extra      map[string]any    // last-resort direct lookup for bare flags
}

// Evaluate decides whether a step executes. An empty expression means
// "always execute". Unknown bare identifiers resolve to false (fail-closed);
// any error raised while evaluating the overall expression makes the step
// execute anyway (fail-open). The asymmetry is deliberate and load-bearing:
// callers depend on a broken expression never silently disabling a step.
func Evaluate(expr string, ctx *Context) bool {
	result, err := EvaluateErr(expr, ctx)
	if err != nil {
		return true
	}
	return result
}

// EvaluateErr is Evaluate without the fail-open wrapper, for callers that
// need the error for audit records.
func EvaluateErr(expr string, ctx *Context) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if ctx == nil {
		ctx = &Context{}
	}
	root, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return evalNode(root, ctx)
}

// evalNode walks the AST. Both operands of AND/OR are evaluated eagerly:
// atom resolution is side-effect-free, and an error in either operand must
// surface so the fail-open contract applies to the whole expression.
func evalNode(n Node, ctx *Context) (bool, error) {
	switch node := n.(type) {
	case *OrNode:
		left, err := evalNode(node.Left, ctx)
		if err != nil {
			return false, err
		}
		right, err := evalNode(node.Right, ctx)
		if err != nil {
			return false, err
		}
		return left || right, nil

	case *AndNode:
		left, err := evalNode(node.Left, ctx)
		if err != nil {
			return false, err
		}
		right, err := evalNode(node.Right, ctx)
		if err != nil {
			return false, err
		}
		return left && right, nil

	case *NotNode:
		v, err := evalNode(node.Operand, ctx)
		if err != nil {
			return false, err
		}
		return !v, nil

	case *CompareNode:
		return evalCompare(node, ctx)

	case *CallNode:
		return evalCall(node, ctx)

	case *AtomNode:
		val, _ := resolve(node.Path, ctx)
		return truthy(val), nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeInternal, "unknown AST node %T", n)
	}
}

func evalCompare(node *CompareNode, ctx *Context) (bool, error) {
	val, _ := resolve(node.Path, ctx)

	if node.Lit.IsNumber {
		num, ok := asNumber(val)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"%s is not numeric (got %T), cannot apply %q", node.Path, val, node.Op)
		}
		switch node.Op {
		case ">":
			return num > node.Lit.Number, nil
		case ">=":
			return num >= node.Lit.Number, nil
		case "<":
			return num < node.Lit.Number, nil
		case "<=":
			return num <= node.Lit.Number, nil
		case "==":
			return num == node.Lit.Number, nil
		case "!=":
			return num != node.Lit.Number, nil
		}
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", node.Op)
	}

	// String/bool comparison supports equality only.
	lit := node.Lit.Text
	switch node.Op {
	case "==":
		return stringValue(val) == lit, nil
	case "!=":
		return stringValue(val) != lit, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"operator %q requires a numeric literal", node.Op)
	}
}

func evalCall(node *CallNode, ctx *Context) (bool, error) {
	// providers.includes('name') is the only supported predicate call.
	if node.Path == "providers.includes" {
		if len(node.Args) != 1 {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"providers.includes expects exactly one argument, got %d", len(node.Args))
		}
		for _, p := range ctx.Providers {
			if p == node.Args[0] {
				return true, nil
			}
		}
		return false, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation,
		"unknown predicate call %q", node.Path)
}

// resolve looks up an identifier path in the context. The boolean reports
// whether the path was found; missing paths yield (nil, false) so bare
// atoms stay fail-closed.
func resolve(path string, ctx *Context) (any, bool) {
	switch {
	case strings.HasPrefix(path, "config."):
		return lookupPath(ctx.Config, strings.TrimPrefix(path, "config."))

	case strings.HasPrefix(path, "env."):
		key := strings.TrimPrefix(path, "env.")
		if ctx.Env == nil {
			return nil, false
		}
		v, ok := ctx.Env[key]
		return v, ok

	case strings.HasPrefix(path, "artifacts."):
		return lookupPath(ctx.Artifacts, strings.TrimPrefix(path, "artifacts."))

	case strings.HasPrefix(path, "step.output."):
		return lookupPath(ctx.StepOutput, strings.TrimPrefix(path, "step.output."))

	case !strings.Contains(path, "."):
		// Bare snake_case flag: config, then artifacts, then uppercased env,
		// then direct context lookup. Unknown resolves to false.
		if v, ok := lookupPath(ctx.Config, path); ok {
			return v, true
		}
		if v, ok := lookupPath(ctx.Artifacts, path); ok {
			return v, true
		}
		if ctx.Env != nil {
			if v, ok := ctx.Env[strings.ToUpper(path)]; ok {
				return v, true
			}
		}
		if v, ok := ctx.Extra[path]; ok {
			return v, true
		}
		return nil, false
	}

	return nil, false
}

// lookupPath traverses a dot-delimited path through nested maps.
func lookupPath(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	// Direct hit first — supports keys containing dots.
	if v, ok := root[path]; ok {
		return v, true
	}
	var current any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// truthy converts a resolved value to a boolean. Missing values (nil) are
// false; strings are false when empty or the literal "false"/"0".
func truthy(val any) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "0"
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return true
	}
}

func asNumber(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringValue(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}
