package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/agent/internal/runtime"
	"github.com/ankaios-go/ankaios/shared/model"
	"github.com/ankaios-go/ankaios/shared/wire"
)

// recorder collects every reported (workload, state) transition in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) report(name string, state model.ExecutionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name+":"+state.String())
}

func (r *recorder) last(name string) model.ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last model.ExecutionState = model.ExecUnknown
	prefix := name + ":"
	for _, e := range r.events {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			for s := model.ExecPending; s <= model.ExecRemoved; s++ {
				if e[len(prefix):] == s.String() {
					last = s
				}
			}
		}
	}
	return last
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestAddWorkloadRunsWithNoDependencies(t *testing.T) {
	driver := runtime.NewFakeDriverWithDelays(zap.NewNop(), 10*time.Millisecond, 10*time.Millisecond)
	rec := &recorder{}
	s := New(zap.NewNop(), driver, rec.report, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Apply(wire.UpdateWorkload{Added: []model.AddedWorkload{
		{Name: "nginx", Workload: model.Workload{Agent: "a", Runtime: "fake"}},
	}})

	waitFor(t, time.Second, func() bool {
		return s.Snapshot()["nginx"] == model.ExecRunning
	})
}

func TestAddWorkloadWaitsOnDependency(t *testing.T) {
	driver := runtime.NewFakeDriverWithDelays(zap.NewNop(), 10*time.Millisecond, 10*time.Millisecond)
	rec := &recorder{}
	s := New(zap.NewNop(), driver, rec.report, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Apply(wire.UpdateWorkload{Added: []model.AddedWorkload{
		{Name: "web", Workload: model.Workload{
			Agent:        "a",
			Runtime:      "fake",
			Dependencies: map[string]model.AddCondition{"db": model.AddConditionRunning},
		}},
	}})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.ExecPending, s.Snapshot()["web"])

	s.UpdateDependencyState("db", model.ExecRunning)

	waitFor(t, time.Second, func() bool {
		return s.Snapshot()["web"] == model.ExecRunning
	})
}

func TestDeleteWaitsOnDependantCondition(t *testing.T) {
	driver := runtime.NewFakeDriverWithDelays(zap.NewNop(), 10*time.Millisecond, 10*time.Millisecond)
	rec := &recorder{}
	s := New(zap.NewNop(), driver, rec.report, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Apply(wire.UpdateWorkload{Added: []model.AddedWorkload{
		{Name: "db", Workload: model.Workload{Agent: "a", Runtime: "fake"}},
	}})
	waitFor(t, time.Second, func() bool { return s.Snapshot()["db"] == model.ExecRunning })

	s.Apply(wire.UpdateWorkload{Deleted: []model.DeletedWorkload{
		{Name: "db", DependantsDeleted: map[string]model.DeleteCondition{
			"web": model.DeleteConditionRunning,
		}},
	}})

	s.UpdateDependencyState("web", model.ExecRunning)
	time.Sleep(50 * time.Millisecond)
	_, stillManaged := s.Snapshot()["db"]
	assert.True(t, stillManaged, "must not delete while dependant still running")

	s.UpdateDependencyState("web", model.ExecRemoved)

	waitFor(t, time.Second, func() bool {
		_, ok := s.Snapshot()["db"]
		return !ok
	})
}

func TestUpdateStrategyAtMostOnceStopsBeforeStart(t *testing.T) {
	driver := runtime.NewFakeDriverWithDelays(zap.NewNop(), 10*time.Millisecond, 10*time.Millisecond)
	rec := &recorder{}
	s := New(zap.NewNop(), driver, rec.report, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Apply(wire.UpdateWorkload{Added: []model.AddedWorkload{
		{Name: "svc", Workload: model.Workload{Agent: "a", Runtime: "fake", RuntimeConfig: "v1"}},
	}})
	waitFor(t, time.Second, func() bool { return s.Snapshot()["svc"] == model.ExecRunning })

	s.Apply(wire.UpdateWorkload{
		Added: []model.AddedWorkload{
			{Name: "svc", Workload: model.Workload{Agent: "a", Runtime: "fake", RuntimeConfig: "v2", UpdateStrategy: model.UpdateStrategyAtMostOnce}},
		},
		Deleted: []model.DeletedWorkload{{Name: "svc"}},
	})

	waitFor(t, time.Second, func() bool { return s.Snapshot()["svc"] == model.ExecRunning })
}

// callOrderDriver wraps FakeDriver and records the sequence of Start/Stop
// calls per workload, so UpdateStrategy ordering can be asserted directly
// instead of only inferred from timing.
type callOrderDriver struct {
	*runtime.FakeDriver
	mu    sync.Mutex
	calls []string
}

func newCallOrderDriver(startDelay, stopDelay time.Duration) *callOrderDriver {
	return &callOrderDriver{FakeDriver: runtime.NewFakeDriverWithDelays(zap.NewNop(), startDelay, stopDelay)}
}

func (d *callOrderDriver) Start(ctx context.Context, name string, w model.Workload) error {
	d.mu.Lock()
	d.calls = append(d.calls, "start:"+name)
	d.mu.Unlock()
	return d.FakeDriver.Start(ctx, name, w)
}

func (d *callOrderDriver) Stop(ctx context.Context, name string) error {
	d.mu.Lock()
	d.calls = append(d.calls, "stop:"+name)
	d.mu.Unlock()
	return d.FakeDriver.Stop(ctx, name)
}

func (d *callOrderDriver) callSeq() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// TestUpdateStrategyAtLeastOnceStartsBeforeStop asserts the converse of
// TestUpdateStrategyAtMostOnceStopsBeforeStart: under AT_LEAST_ONCE the
// driver receives a second Start call for the new revision and no Stop
// call follows it.
func TestUpdateStrategyAtLeastOnceStartsBeforeStop(t *testing.T) {
	driver := newCallOrderDriver(10*time.Millisecond, 10*time.Millisecond)
	rec := &recorder{}
	s := New(zap.NewNop(), driver, rec.report, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Apply(wire.UpdateWorkload{Added: []model.AddedWorkload{
		{Name: "svc", Workload: model.Workload{Agent: "a", Runtime: "fake", RuntimeConfig: "v1"}},
	}})
	waitFor(t, time.Second, func() bool { return s.Snapshot()["svc"] == model.ExecRunning })

	s.Apply(wire.UpdateWorkload{
		Added: []model.AddedWorkload{
			{Name: "svc", Workload: model.Workload{Agent: "a", Runtime: "fake", RuntimeConfig: "v2", UpdateStrategy: model.UpdateStrategyAtLeastOnce}},
		},
		Deleted: []model.DeletedWorkload{{Name: "svc"}},
	})

	waitFor(t, time.Second, func() bool { return s.Snapshot()["svc"] == model.ExecRunning })

	calls := driver.callSeq()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "start:svc", calls[0])
	assert.Equal(t, "start:svc", calls[len(calls)-1], "last driver call must be the new revision's Start, not a Stop")
}

// failOnceDriver starts a workload straight into ExecFailed on its first
// Start call and into ExecRunning on every subsequent one, so restart
// behavior can be asserted deterministically.
type failOnceDriver struct {
	mu     sync.Mutex
	starts map[string]int
	states map[string]model.ExecutionState
}

func newFailOnceDriver() *failOnceDriver {
	return &failOnceDriver{starts: map[string]int{}, states: map[string]model.ExecutionState{}}
}

func (d *failOnceDriver) Start(_ context.Context, name string, _ model.Workload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts[name]++
	if d.starts[name] == 1 {
		d.states[name] = model.ExecFailed
	} else {
		d.states[name] = model.ExecRunning
	}
	return nil
}

func (d *failOnceDriver) Stop(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[name] = model.ExecRemoved
	return nil
}

func (d *failOnceDriver) State(name string) model.ExecutionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.states[name]; ok {
		return s
	}
	return model.ExecUnknown
}

func TestRestartOnFailure(t *testing.T) {
	driver := newFailOnceDriver()
	rec := &recorder{}
	s := New(zap.NewNop(), driver, rec.report, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Apply(wire.UpdateWorkload{Added: []model.AddedWorkload{
		{Name: "flaky", Workload: model.Workload{Agent: "a", Runtime: "fake", Restart: true}},
	}})

	// The first restart attempt waits out the 1s base backoff (spec §4.6).
	waitFor(t, 3*time.Second, func() bool { return s.Snapshot()["flaky"] == model.ExecRunning })
}

func TestScheduleRestartBackoffGrowsThenResetsAfterStableRun(t *testing.T) {
	j := &job{name: "flaky"}
	now := time.Now()

	j.scheduleRestartLocked(now)
	assert.Equal(t, restartBackoffInitial, j.restartBackoff)

	j.scheduleRestartLocked(now)
	assert.Equal(t, 2*restartBackoffInitial, j.restartBackoff)

	j.scheduleRestartLocked(now)
	assert.Equal(t, 4*restartBackoffInitial, j.restartBackoff)

	// Growth caps at restartBackoffMax regardless of how many more failures
	// follow in quick succession.
	for i := 0; i < 10; i++ {
		j.scheduleRestartLocked(now)
	}
	assert.Equal(t, restartBackoffMax, j.restartBackoff)

	// A full stable minute since the last Running resets to the base.
	j.runningSince = now.Add(-2 * restartStableWindow)
	j.scheduleRestartLocked(now)
	assert.Equal(t, restartBackoffInitial, j.restartBackoff)
}
