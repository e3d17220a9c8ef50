package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	runs    []*store.ScheduledRun
	updates map[string]store.ScheduledRunUpdate
}

func (f *fakeStore) ListScheduledRuns(_ context.Context, enabledOnly bool) ([]*store.ScheduledRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ScheduledRun
	for _, sr := range f.runs {
		if !enabledOnly || sr.Enabled {
			out = append(out, sr)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateScheduledRun(_ context.Context, id string, upd store.ScheduledRunUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]store.ScheduledRunUpdate)
	}
	f.updates[id] = upd
	return nil
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	block   chan struct{}
	started chan struct{}
}

func (f *fakeRunner) RunWorkflow(_ context.Context, path string, _ map[string]any) error {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	return nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func due(id string) *store.ScheduledRun {
	past := time.Now().UTC().Add(-time.Minute)
	return &store.ScheduledRun{
		ID:             id,
		WorkflowPath:   "workflows/" + id + ".yaml",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}
}

func TestTick_TriggersDueRuns(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	notDue := due("later")
	notDue.NextRunAt = &future
	disabled := due("off")
	disabled.Enabled = false

	st := &fakeStore{runs: []*store.ScheduledRun{due("hourly"), notDue, disabled}}
	runner := &fakeRunner{}
	s := New(st, runner, discard())

	s.Tick(context.Background())

	assert.Equal(t, []string{"workflows/hourly.yaml"}, runner.calls)

	upd, ok := st.updates["hourly"]
	require.True(t, ok)
	assert.Equal(t, "success", upd.LastRunStatus)
	require.NotNil(t, upd.NextRunAt)
	assert.True(t, upd.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTick_NilNextRunIsDue(t *testing.T) {
	sr := due("fresh")
	sr.NextRunAt = nil
	st := &fakeStore{runs: []*store.ScheduledRun{sr}}
	runner := &fakeRunner{}

	New(st, runner, discard()).Tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
}

func TestTick_DeduplicatesInFlight(t *testing.T) {
	st := &fakeStore{runs: []*store.ScheduledRun{due("slow")}}
	runner := &fakeRunner{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	s := New(st, runner, discard())

	done := make(chan struct{})
	go func() {
		s.Tick(context.Background())
		close(done)
	}()
	<-runner.started

	// A second tick while the first trigger is still running must skip it.
	s.Tick(context.Background())
	assert.Equal(t, 1, runner.callCount())

	close(runner.block)
	<-done
}

func TestTick_MalformedParamsRecordsError(t *testing.T) {
	sr := due("bad")
	sr.Params = []byte(`{not json`)
	st := &fakeStore{runs: []*store.ScheduledRun{sr}}
	runner := &fakeRunner{}

	New(st, runner, discard()).Tick(context.Background())

	assert.Zero(t, runner.callCount())
	assert.Equal(t, "error", st.updates["bad"].LastRunStatus)
}

type fakeSweeper struct{ swept int }

func (f *fakeSweeper) SweepExpired() int {
	f.swept++
	return f.swept
}

func TestTick_SweepsCaches(t *testing.T) {
	sw := &fakeSweeper{}
	s := New(&fakeStore{}, &fakeRunner{}, discard(), sw)
	s.Tick(context.Background())
	assert.Equal(t, 1, sw.swept)
}

func TestNextRun_StandardCron(t *testing.T) {
	s := New(&fakeStore{}, &fakeRunner{}, discard())
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := s.NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("not a cron", from)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s := New(&fakeStore{}, &fakeRunner{}, discard())
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
