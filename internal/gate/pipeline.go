package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/runway/internal/cache"
	"github.com/rendis/runway/pkg/schema"
)

// Pipeline validates a step's produced artifacts and persists the resulting
// gate record. Schema compilation results are cached per schema file; the
// file cache backs all artifact and schema reads.
type Pipeline struct {
	files  *cache.FileCache
	checks *CheckEngine
	policy RetryPolicy
	logger *slog.Logger
	clock  cache.Clock

	mu           sync.RWMutex
	schemaCache  map[string]*jsonschema.Schema
	schemaSerial int
}

// NewPipeline creates a gate validation pipeline.
func NewPipeline(files *cache.FileCache, logger *slog.Logger) (*Pipeline, error) {
	checks, err := NewCheckEngine()
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = cache.DefaultFileCache()
	}
	return &Pipeline{
		files:       files,
		checks:      checks,
		policy:      DefaultRetryPolicy,
		logger:      logger,
		clock:       time.Now,
		schemaCache: make(map[string]*jsonschema.Schema),
	}, nil
}

// WithRetryPolicy overrides the validation retry policy (tests shrink the
// backoff to keep runs fast).
func (p *Pipeline) WithRetryPolicy(policy RetryPolicy) *Pipeline {
	p.policy = policy
	return p
}

// WithClock overrides the timestamp source.
func (p *Pipeline) WithClock(clock cache.Clock) *Pipeline {
	p.clock = clock
	return p
}

// Validate runs the full gate for a step's primary artifact and writes the
// gate record under the run directory. The primary validation pass is
// retried for transient failures per the pipeline policy; deterministic
// validation failures are final on the first attempt.
func (p *Pipeline) Validate(ctx context.Context, runDir string, step *schema.Step, artifactPath string) (*schema.GateRecord, error) {
	record := schema.NewGateRecord()
	record.ValidatedAt = p.clock().UTC()

	attempts := 0
	err := p.policy.Retry(ctx, p.logger, "gate "+step.ID, func() error {
		attempts++
		fresh := schema.NewGateRecord()
		fresh.ValidatedAt = p.clock().UTC()
		if err := p.validateOnce(step, artifactPath, fresh); err != nil {
			return err
		}
		record = fresh
		return nil
	})
	record.Attempts = attempts

	if err != nil {
		record.AddError(err.Error())
		if werr := WriteRecord(runDir, step.ID, record); werr != nil && p.logger != nil {
			p.logger.Error("persist gate record failed",
				slog.String("step", step.ID), slog.String("error", werr.Error()))
		}
		return record, err
	}

	if werr := WriteRecord(runDir, step.ID, record); werr != nil {
		return record, werr
	}
	return record, nil
}

// validateOnce performs one validation pass: artifact existence, schema
// validation with an autofix attempt, custom checks, security checks, and
// secondary outputs. Deterministic failures land in the record; errors
// returned to the caller are candidates for retry classification.
func (p *Pipeline) validateOnce(step *schema.Step, artifactPath string, record *schema.GateRecord) error {
	raw, err := p.files.Read(artifactPath)
	if err != nil {
		return err
	}

	var doc any
	if strings.HasSuffix(artifactPath, ".json") {
		if err := json.Unmarshal(raw, &doc); err != nil {
			record.AddError(fmt.Sprintf("artifact %s is not valid JSON: %s", filepath.Base(artifactPath), err.Error()))
			record.Valid = false
			return nil
		}
	} else {
		doc = string(raw)
	}

	v := step.Validation
	if v == nil {
		record.Valid = true
		return nil
	}

	valid := true
	if v.Schema != "" {
		ok, err := p.validateSchema(v.Schema, artifactPath, doc, record)
		if err != nil {
			return err
		}
		valid = valid && ok
	}

	for _, check := range v.CustomChecks {
		result := p.checks.Run(check, doc)
		if record.CustomValidation == nil {
			record.CustomValidation = make(map[string]schema.CheckResult)
		}
		record.CustomValidation[check.Name] = result
		if result.Passed {
			continue
		}
		if check.Kind == schema.CheckKindSecurity && !check.Blocking {
			record.AddWarning(check.Name + ": " + result.Message)
			continue
		}
		record.AddError(check.Name + ": " + result.Message)
		valid = false
	}

	for _, name := range v.SecurityChecks {
		check := schema.CustomCheck{Name: name, Kind: schema.CheckKindSecurity, Blocking: true}
		result := runSecurity(check, doc)
		if record.CustomValidation == nil {
			record.CustomValidation = make(map[string]schema.CheckResult)
		}
		record.CustomValidation[name] = result
		if !result.Passed {
			record.AddError(name + ": " + result.Message)
			valid = false
		}
	}

	if err := p.validateSecondary(v, filepath.Dir(artifactPath), record); err != nil {
		return err
	}
	for _, sub := range record.Secondary {
		valid = valid && sub.Valid
	}

	record.Valid = valid
	return nil
}

// validateSchema validates the document against the declared schema file,
// applying one autofix pass for missing required top-level fields before
// declaring failure.
func (p *Pipeline) validateSchema(schemaPath, artifactPath string, doc any, record *schema.GateRecord) (bool, error) {
	if _, err := os.Stat(schemaPath); err != nil {
		if os.IsNotExist(err) {
			return false, schema.NewErrorf(schema.ErrCodeDependency,
				"schema file not found: %s", schemaPath)
		}
		return false, schema.NewErrorf(schema.ErrCodeTransient,
			"stat schema %s: %s", schemaPath, err.Error()).WithCause(err)
	}

	compiled, err := p.getOrCompileSchema(schemaPath)
	if err != nil {
		return false, err
	}

	normalized, err := toJSONValue(doc)
	if err != nil {
		record.AddError("artifact is not JSON-representable: " + err.Error())
		return false, nil
	}

	verr := compiled.Validate(normalized)
	if verr == nil {
		return true, nil
	}

	fixed, count, fixErr := p.autofix(schemaPath, doc)
	if fixErr == nil && count > 0 {
		normalized, err = toJSONValue(fixed)
		if err == nil && compiled.Validate(normalized) == nil {
			record.AutofixApplied = true
			record.FixedFieldsCount = count
			if err := writeArtifact(artifactPath, fixed); err != nil {
				return false, err
			}
			p.files.Invalidate(artifactPath)
			record.AddWarning(fmt.Sprintf("autofix filled %d missing field(s)", count))
			return true, nil
		}
	}

	for _, violation := range collectViolations(verr) {
		record.AddError(violation)
	}
	return false, nil
}

// validateSecondary validates each declared secondary output independently,
// writing a sub-record per artifact: existence, JSON well-formedness, and
// schema validation when a schema resolves for the artifact. Secondary paths
// resolve relative to the primary artifact's directory unless absolute.
func (p *Pipeline) validateSecondary(v *schema.ValidationSpec, baseDir string, record *schema.GateRecord) error {
	for _, name := range v.SecondaryOutputs {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, name)
		}

		sub := schema.NewGateRecord()
		sub.ValidatedAt = p.clock().UTC()

		raw, err := p.files.Read(path)
		if err != nil {
			var rwErr *schema.RunwayError
			if errors.As(err, &rwErr) && rwErr.Code == schema.ErrCodeDependency {
				sub.AddError("secondary artifact not found: " + path)
			} else {
				return err
			}
		} else if strings.HasSuffix(path, ".json") {
			var doc any
			if jerr := json.Unmarshal(raw, &doc); jerr != nil {
				sub.AddError("secondary artifact is not valid JSON: " + jerr.Error())
			} else if schemaPath := p.secondarySchemaPath(v, name); schemaPath != "" {
				ok, serr := p.validateSchema(schemaPath, path, doc, sub)
				if serr != nil {
					return serr
				}
				sub.Valid = ok
			} else {
				sub.Valid = true
			}
		} else {
			sub.Valid = true
		}

		if record.Secondary == nil {
			record.Secondary = make(map[string]*schema.GateRecord)
		}
		record.Secondary[name] = sub
	}
	return nil
}

// secondarySchemaPath resolves the schema for a secondary artifact by naming
// convention: "<basename>.schema.json" next to the step's primary schema.
// Steps without a primary schema get no secondary schema validation.
func (p *Pipeline) secondarySchemaPath(v *schema.ValidationSpec, name string) string {
	if v.Schema == "" {
		return ""
	}
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	path := filepath.Join(filepath.Dir(v.Schema), base+".schema.json")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// autofix fills missing required top-level fields with type-appropriate
// zero values per the schema's properties block. It returns the fixed
// document and the number of fields filled.
func (p *Pipeline) autofix(schemaPath string, doc any) (any, int, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return doc, 0, nil
	}

	raw, err := p.files.Read(schemaPath)
	if err != nil {
		return doc, 0, err
	}
	var schemaDoc struct {
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return doc, 0, err
	}

	fixed := make(map[string]any, len(obj))
	for k, v := range obj {
		fixed[k] = v
	}
	count := 0
	for _, field := range schemaDoc.Required {
		if _, present := fixed[field]; present {
			continue
		}
		fixed[field] = zeroValueFor(schemaDoc.Properties[field])
		count++
	}
	return fixed, count, nil
}

func zeroValueFor(prop map[string]any) any {
	t, _ := prop["type"].(string)
	switch t {
	case "string":
		return ""
	case "number", "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return nil
	}
}

// WritePassed persists a passing gate record that carries no validation
// work, for steps that declare no outputs. Exactly one gate record must
// exist per step after an attempted execution, output-less steps included.
func (p *Pipeline) WritePassed(runDir string, step *schema.Step, reason string) (*schema.GateRecord, error) {
	record := schema.NewGateRecord()
	record.ValidatedAt = p.clock().UTC()
	record.Valid = true
	record.Reason = reason

	if err := WriteRecord(runDir, step.ID, record); err != nil {
		return nil, err
	}
	return record, nil
}

// WriteSkipped persists the gate record for a step skipped by its
// condition. Skipped records count as success for run advancement.
func (p *Pipeline) WriteSkipped(runDir string, step *schema.Step, condition string, evalContext map[string]any) (*schema.GateRecord, error) {
	record := schema.NewGateRecord()
	record.ValidatedAt = p.clock().UTC()
	record.Valid = true
	record.Skipped = true
	record.Reason = "Condition not met: " + condition
	record.Condition = condition
	record.Context = evalContext

	if err := WriteRecord(runDir, step.ID, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GatePath returns the gate record location for a step within a run.
func GatePath(runDir, stepID string) string {
	return filepath.Join(runDir, "gates", stepID+".json")
}

// WriteRecord persists a gate record atomically.
func WriteRecord(runDir, stepID string, record *schema.GateRecord) error {
	path := GatePath(runDir, stepID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create gates dir: %s", err.Error()).WithCause(err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode gate record: %s", err.Error()).WithCause(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write gate record: %s", err.Error()).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write gate record: %s", err.Error()).WithCause(err)
	}
	return nil
}

// LoadRecord reads a previously persisted gate record.
func LoadRecord(runDir, stepID string) (*schema.GateRecord, error) {
	raw, err := os.ReadFile(GatePath(runDir, stepID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound,
				"no gate record for step %s", stepID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient,
			"read gate record: %s", err.Error()).WithCause(err)
	}
	var record schema.GateRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"corrupt gate record for step %s: %s", stepID, err.Error()).WithCause(err)
	}
	return &record, nil
}

// getOrCompileSchema compiles a schema file once and caches the result
// keyed by path.
func (p *Pipeline) getOrCompileSchema(path string) (*jsonschema.Schema, error) {
	p.mu.RLock()
	if compiled, ok := p.schemaCache[path]; ok {
		p.mu.RUnlock()
		return compiled, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if compiled, ok := p.schemaCache[path]; ok {
		return compiled, nil
	}

	raw, err := p.files.Read(path)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"schema %s is not valid JSON: %s", path, err.Error()).WithCause(err)
	}

	p.schemaSerial++
	url := fmt.Sprintf("runway://schemas/%d", p.schemaSerial)
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"register schema %s: %s", path, err.Error()).WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile schema %s: %s", path, err.Error()).WithCause(err)
	}
	p.schemaCache[path] = compiled
	return compiled, nil
}

// toJSONValue round-trips a value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations flattens a validation error tree into per-location
// messages.
func collectViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func writeArtifact(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode autofixed artifact: %s", err.Error()).WithCause(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write autofixed artifact: %s", err.Error()).WithCause(err)
	}
	return nil
}
