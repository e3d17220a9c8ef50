package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/pkg/schema"
)

func TestLayout_RejectsUnsafeRunID(t *testing.T) {
	l := Layout{Root: t.TempDir()}

	_, err := l.RunDir("../escape")
	require.Error(t, err)

	_, err = l.RunDir("run/with/slashes")
	require.Error(t, err)

	dir, err := l.RunDir("run_42.a:b-c")
	require.NoError(t, err)
	assert.Contains(t, dir, "run_42.a:b-c")
}

func TestLayout_RunRoundTrip(t *testing.T) {
	l := Layout{Root: t.TempDir()}

	run := &schema.Run{
		RunID:          "run42",
		WorkflowName:   "build",
		Status:         schema.RunStatusInProgress,
		CompletedSteps: []string{"1"},
	}
	_, err := l.InitRunDir(run.RunID)
	require.NoError(t, err)
	require.NoError(t, l.SaveRun(run))

	loaded, err := l.LoadRun("run42")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusInProgress, loaded.Status)
	assert.Equal(t, []string{"1"}, loaded.CompletedSteps)
}

func TestLayout_LoadMissingRun(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	_, err := l.LoadRun("ghost")
	var rwErr *schema.RunwayError
	require.ErrorAs(t, err, &rwErr)
	assert.Equal(t, schema.ErrCodeNotFound, rwErr.Code)
}

func TestRegistry_LifecycleAndPersistence(t *testing.T) {
	dir := t.TempDir()

	r, err := OpenRegistry(dir)
	require.NoError(t, err)
	require.NoError(t, r.Register("plan.json", dir+"/artifacts/plan.json", "1"))

	e, ok := r.Get("plan.json")
	require.True(t, ok)
	assert.Equal(t, StatusPending, e.Status)

	require.NoError(t, r.SetStatus("plan.json", StatusPass))

	// A fresh registry instance sees the persisted state.
	r2, err := OpenRegistry(dir)
	require.NoError(t, err)
	e, ok = r2.Get("plan.json")
	require.True(t, ok)
	assert.Equal(t, StatusPass, e.Status)
	assert.NotNil(t, e.ValidatedAt)
}

func TestRegistry_SetStatusUnknownArtifact(t *testing.T) {
	r, err := OpenRegistry(t.TempDir())
	require.NoError(t, err)
	err = r.SetStatus("nope.json", StatusFail)
	var rwErr *schema.RunwayError
	require.ErrorAs(t, err, &rwErr)
	assert.Equal(t, schema.ErrCodeNotFound, rwErr.Code)
}
