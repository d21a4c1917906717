// Package runtime defines the driver interface the agent-side scheduler
// uses to actually start and stop a workload, and a fake in-memory driver
// used in tests and in development without a container engine.
package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/shared/model"
)

// Driver starts, stops, and reports on workloads. The agent uses a single
// Driver for every workload it manages; Workload.Runtime does not select
// between drivers.
type Driver interface {
	// Start begins bringing name up. It must not block until name is
	// actually running — State is polled separately for that.
	Start(ctx context.Context, name string, w model.Workload) error
	// Stop begins tearing name down. Like Start, it should not block for
	// the full shutdown.
	Stop(ctx context.Context, name string) error
	// State returns the last observed ExecutionState for name.
	State(name string) model.ExecutionState
}

// FakeDriver is an in-memory Driver that simulates the normal Starting ->
// Running and Stopping -> Removed transitions on a timer, used wherever no
// real container engine is available (tests, CI, a laptop with no
// container runtime installed).
type FakeDriver struct {
	log *zap.Logger

	mu     sync.Mutex
	states map[string]model.ExecutionState

	// startDelay and stopDelay control how long the simulated transition
	// takes; overridable in tests via NewFakeDriverWithDelays.
	startDelay time.Duration
	stopDelay  time.Duration
}

// NewFakeDriver returns a FakeDriver with realistic (non-instant) timing.
func NewFakeDriver(log *zap.Logger) *FakeDriver {
	return NewFakeDriverWithDelays(log, 200*time.Millisecond, 100*time.Millisecond)
}

// NewFakeDriverWithDelays returns a FakeDriver with the given start/stop
// simulated delays.
func NewFakeDriverWithDelays(log *zap.Logger, startDelay, stopDelay time.Duration) *FakeDriver {
	return &FakeDriver{
		log:        log.Named("runtime.fake"),
		states:     make(map[string]model.ExecutionState),
		startDelay: startDelay,
		stopDelay:  stopDelay,
	}
}

func (d *FakeDriver) Start(ctx context.Context, name string, w model.Workload) error {
	d.setState(name, model.ExecStarting)
	go func() {
		select {
		case <-time.After(d.startDelay):
			d.setState(name, model.ExecRunning)
		case <-ctx.Done():
		}
	}()
	return nil
}

func (d *FakeDriver) Stop(ctx context.Context, name string) error {
	d.setState(name, model.ExecStopping)
	go func() {
		select {
		case <-time.After(d.stopDelay):
			d.setState(name, model.ExecRemoved)
		case <-ctx.Done():
		}
	}()
	return nil
}

func (d *FakeDriver) State(name string) model.ExecutionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.states[name]; ok {
		return s
	}
	return model.ExecUnknown
}

func (d *FakeDriver) setState(name string, s model.ExecutionState) {
	d.mu.Lock()
	d.states[name] = s
	d.mu.Unlock()
}
