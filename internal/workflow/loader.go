package workflow

import (
	"encoding/json"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/runway/pkg/schema"
)

// deprecatedKeys maps legacy camelCase workflow keys to their snake_case
// replacements. When both forms are present the new key wins.
var deprecatedKeys = map[string]string{
	"customChecks":     "custom_checks",
	"secondaryOutputs": "secondary_outputs",
	"securityChecks":   "security_checks",
}

// Load reads and parses a workflow definition document (YAML or JSON).
func Load(path string, logger *slog.Logger) (*schema.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition not found: %s", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "read workflow %s: %s", path, err.Error()).WithCause(err)
	}
	return Parse(raw, logger)
}

// Parse decodes a workflow document. YAML is a superset of JSON here, so a
// single decode path handles both. Deprecated camelCase keys are migrated
// to snake_case with a logged warning before decoding into typed structs.
func Parse(raw []byte, logger *slog.Logger) (*schema.WorkflowDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"malformed workflow document: %s", err.Error()).WithCause(err)
	}

	doc = migrateKeys(doc, logger)

	// Round-trip through JSON so the typed structs' JSON tags (and the
	// Output string-or-object decoder) apply uniformly.
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow document is not JSON-representable: %s", err.Error()).WithCause(err)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(buf, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid workflow definition: %s", err.Error()).WithCause(err)
	}

	if len(def.Steps) == 0 && len(def.Phases) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"workflow definition has neither steps nor phases")
	}
	return &def, nil
}

// migrateKeys walks the raw document renaming deprecated keys. Conflicts
// (both forms present) keep the new key and drop the deprecated one.
func migrateKeys(doc any, logger *slog.Logger) any {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if replacement, deprecated := deprecatedKeys[key]; deprecated {
				if logger != nil {
					logger.Warn("deprecated workflow key, use snake_case",
						slog.String("key", key),
						slog.String("replacement", replacement))
				}
				if _, conflict := v[replacement]; conflict {
					continue // new key present — it wins
				}
				out[replacement] = migrateKeys(val, logger)
				continue
			}
			out[key] = migrateKeys(val, logger)
		}
		return out
	case []any:
		for i, item := range v {
			v[i] = migrateKeys(item, logger)
		}
		return v
	default:
		return doc
	}
}
