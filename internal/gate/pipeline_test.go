package gate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/pkg/schema"
)

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(nil, nil)
	require.NoError(t, err)
	return p.WithRetryPolicy(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond})
}

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestValidate_NoValidationBlockPasses(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)
	artifact := writeJSON(t, dir, "plan.json", map[string]any{"title": "x"})

	record, err := p.Validate(context.Background(), dir, &schema.Step{ID: "1"}, artifact)
	require.NoError(t, err)
	assert.True(t, record.Valid)
	assert.Equal(t, 1, record.Attempts)

	// The record is persisted at the per-step gate location.
	loaded, err := LoadRecord(dir, "1")
	require.NoError(t, err)
	assert.True(t, loaded.Valid)
}

func TestValidate_MissingArtifactIsDependencyError(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)
	step := &schema.Step{ID: "1"}

	record, err := p.Validate(context.Background(), dir, step, filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.False(t, record.Valid)

	var rwErr *schema.RunwayError
	require.ErrorAs(t, err, &rwErr)
	assert.Equal(t, schema.ErrCodeDependency, rwErr.Code)
}

func TestValidate_SchemaPassAndViolation(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)

	schemaPath := writeJSON(t, dir, "plan.schema.json", map[string]any{
		"type":     "object",
		"required": []string{"title"},
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
		},
	})
	step := &schema.Step{ID: "1", Validation: &schema.ValidationSpec{Schema: schemaPath, Gate: "plan"}}

	good := writeJSON(t, dir, "good.json", map[string]any{"title": "x"})
	record, err := p.Validate(context.Background(), dir, step, good)
	require.NoError(t, err)
	assert.True(t, record.Valid)

	// A type violation cannot be autofixed and fails deterministically.
	bad := writeJSON(t, dir, "bad.json", map[string]any{"title": "x", "count": "three"})
	record, err = p.Validate(context.Background(), dir, step, bad)
	require.NoError(t, err)
	assert.False(t, record.Valid)
	assert.NotEmpty(t, record.Errors)
}

func TestValidate_AutofixFillsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)

	schemaPath := writeJSON(t, dir, "plan.schema.json", map[string]any{
		"type":     "object",
		"required": []string{"title", "tasks"},
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"tasks": map[string]any{"type": "array"},
		},
	})
	step := &schema.Step{ID: "1", Validation: &schema.ValidationSpec{Schema: schemaPath, Gate: "plan"}}

	artifact := writeJSON(t, dir, "plan.json", map[string]any{"title": "x"})
	record, err := p.Validate(context.Background(), dir, step, artifact)
	require.NoError(t, err)

	assert.True(t, record.Valid)
	assert.True(t, record.AutofixApplied)
	assert.Equal(t, 1, record.FixedFieldsCount)

	// The fixed document was written back.
	raw, err := os.ReadFile(artifact)
	require.NoError(t, err)
	var fixed map[string]any
	require.NoError(t, json.Unmarshal(raw, &fixed))
	assert.Contains(t, fixed, "tasks")
}

func TestValidate_MissingSchemaFileAborts(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)
	artifact := writeJSON(t, dir, "plan.json", map[string]any{"title": "x"})
	step := &schema.Step{ID: "1", Validation: &schema.ValidationSpec{
		Schema: filepath.Join(dir, "missing.schema.json"), Gate: "plan",
	}}

	_, err := p.Validate(context.Background(), dir, step, artifact)
	require.Error(t, err)
	var rwErr *schema.RunwayError
	require.ErrorAs(t, err, &rwErr)
	assert.Equal(t, schema.ErrCodeDependency, rwErr.Code)
}

func TestValidate_BlockingAndNonBlockingChecks(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)
	artifact := writeJSON(t, dir, "plan.json", map[string]any{
		"snippet": `password = "hunter2hunter2"`,
		"title":   "x",
	})

	// Non-blocking security hit demotes to a warning; the gate still passes.
	step := &schema.Step{ID: "1", Validation: &schema.ValidationSpec{
		Gate: "plan",
		CustomChecks: []schema.CustomCheck{
			{Name: "no_secrets", Kind: schema.CheckKindSecurity, Blocking: false},
		},
	}}
	record, err := p.Validate(context.Background(), dir, step, artifact)
	require.NoError(t, err)
	assert.True(t, record.Valid)
	assert.NotEmpty(t, record.Warnings)
	assert.False(t, record.CustomValidation["no_secrets"].Passed)

	// The same hit under security_checks is always blocking.
	step = &schema.Step{ID: "2", Validation: &schema.ValidationSpec{
		Gate:           "plan",
		SecurityChecks: []string{"no_secrets"},
	}}
	record, err = p.Validate(context.Background(), dir, step, artifact)
	require.NoError(t, err)
	assert.False(t, record.Valid)
}

func TestValidate_SecondaryOutputs(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)
	artifact := writeJSON(t, dir, "plan.json", map[string]any{"title": "x"})
	writeJSON(t, dir, "notes.json", map[string]any{"ok": true})

	step := &schema.Step{ID: "1", Validation: &schema.ValidationSpec{
		Gate:             "plan",
		SecondaryOutputs: []string{"notes.json", "absent.json"},
	}}
	record, err := p.Validate(context.Background(), dir, step, artifact)
	require.NoError(t, err)

	require.Len(t, record.Secondary, 2)
	assert.True(t, record.Secondary["notes.json"].Valid)
	assert.False(t, record.Secondary["absent.json"].Valid)
	assert.False(t, record.Valid, "a failing secondary fails the gate")
}

func TestValidate_SecondarySchemaViolation(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)

	schemaPath := writeJSON(t, dir, "plan.schema.json", map[string]any{"type": "object"})
	writeJSON(t, dir, "notes.schema.json", map[string]any{
		"type":       "object",
		"properties": map[string]any{"count": map[string]any{"type": "integer"}},
	})
	artifact := writeJSON(t, dir, "plan.json", map[string]any{"title": "x"})
	// Well-formed JSON that violates notes.schema.json.
	writeJSON(t, dir, "notes.json", map[string]any{"count": "many"})

	step := &schema.Step{ID: "1", Validation: &schema.ValidationSpec{
		Gate:             "plan",
		Schema:           schemaPath,
		SecondaryOutputs: []string{"notes.json"},
	}}
	record, err := p.Validate(context.Background(), dir, step, artifact)
	require.NoError(t, err)

	require.Contains(t, record.Secondary, "notes.json")
	sub := record.Secondary["notes.json"]
	assert.False(t, sub.Valid)
	assert.NotEmpty(t, sub.Errors)
	assert.False(t, record.Valid)
}

func TestWriteSkipped(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)
	step := &schema.Step{ID: "3"}

	record, err := p.WriteSkipped(dir, step, "config.deploy_enabled", map[string]any{"deploy_enabled": false})
	require.NoError(t, err)

	assert.True(t, record.Valid)
	assert.True(t, record.Skipped)
	assert.Equal(t, "Condition not met: config.deploy_enabled", record.Reason)

	loaded, err := LoadRecord(dir, "3")
	require.NoError(t, err)
	assert.True(t, loaded.Skipped)
	assert.Empty(t, loaded.Errors)
}

func TestValidate_MalformedJSONArtifact(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t)
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	record, err := p.Validate(context.Background(), dir, &schema.Step{ID: "1"}, path)
	require.NoError(t, err)
	assert.False(t, record.Valid)
	assert.Contains(t, record.Errors[0], "not valid JSON")
}
