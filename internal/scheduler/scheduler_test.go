package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routerbackup/internal/orchestrator"
)

type fakeRunner struct {
	name string

	mu       sync.Mutex
	triggers []orchestrator.Trigger
	err      error
	ran      chan struct{}
}

func newFakeRunner(name string) *fakeRunner {
	return &fakeRunner{name: name, ran: make(chan struct{}, 8)}
}

func (f *fakeRunner) Job() string { return f.name }

func (f *fakeRunner) Run(ctx context.Context, trigger orchestrator.Trigger) (orchestrator.Result, error) {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	err := f.err
	f.mu.Unlock()
	f.ran <- struct{}{}
	return orchestrator.Result{Outcome: "success"}, err
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("0 3 * * *"))
	require.NoError(t, Validate("@daily"))
	require.Error(t, Validate("61 * * * *"))
	require.Error(t, Validate("* * * * * *"))
}

func TestAdd_InvalidCron(t *testing.T) {
	s := New(zerolog.Nop())
	require.Error(t, s.Add("not cron", false, newFakeRunner("openwrt")))
}

func TestAdd_Duplicate(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Add("0 3 * * *", false, newFakeRunner("openwrt")))
	require.Error(t, s.Add("0 4 * * *", false, newFakeRunner("openwrt")))
}

func TestStart_RunNow(t *testing.T) {
	s := New(zerolog.Nop())
	r := newFakeRunner("openwrt")
	idle := newFakeRunner("ikuai")
	require.NoError(t, s.Add("0 3 * * *", true, r))
	require.NoError(t, s.Add("0 3 * * *", false, idle))

	s.Start(context.Background())
	select {
	case <-r.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("run-now job did not run")
	}
	s.Stop()

	assert.Equal(t, []orchestrator.Trigger{orchestrator.TriggerStartup}, r.triggers)
	assert.Empty(t, idle.triggers)
}

func TestStart_RunInProgressIsSkipped(t *testing.T) {
	s := New(zerolog.Nop())
	r := newFakeRunner("openwrt")
	r.err = orchestrator.ErrRunInProgress
	require.NoError(t, s.Add("", true, r))

	s.Start(context.Background())
	<-r.ran
	s.Stop()
	assert.Len(t, r.triggers, 1)
}

func TestNext(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Add("0 3 * * *", false, newFakeRunner("openwrt")))
	require.NoError(t, s.Add("", false, newFakeRunner("manual")))
	s.Start(context.Background())
	defer s.Stop()

	next := s.Next("openwrt")
	require.False(t, next.IsZero())
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.True(t, s.Next("manual").IsZero())
	assert.True(t, s.Next("unknown").IsZero())
}
