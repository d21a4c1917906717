// Package scheduler implements the agent-side Workload Scheduler (spec
// §4.6): it owns every workload assigned to this agent, gates starts on
// AddCondition dependencies, gates stops on the DependantsDeleted
// DeleteConditions contributed by dependents, applies the AT_LEAST_ONCE /
// AT_MOST_ONCE UpdateStrategy when a workload's configuration changes in
// place, restarts workloads marked Restart on failure, and reports every
// observed ExecutionState transition upstream.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/agent/internal/runtime"
	"github.com/ankaios-go/ankaios/shared/model"
	"github.com/ankaios-go/ankaios/shared/wire"
)

// Reporter is called whenever a managed workload's ExecutionState changes,
// so the connection layer can forward it to the server as an
// UpdateWorkloadState report.
type Reporter func(workloadName string, state model.ExecutionState)

// Restart backoff parameters (spec §4.6): exponential from a 1s base,
// capped at 30s, reset once a restarted workload has stayed Running for a
// full minute. Timed off a monotonic clock (time.Now()/time.Since), never
// wall-clock, per spec §9 design note.
const (
	restartBackoffInitial = time.Second
	restartBackoffMax     = 30 * time.Second
	restartBackoffFactor  = 2.0
	restartStableWindow   = time.Minute
)

// job is one workload this agent currently manages or is tearing down.
type job struct {
	name     string
	workload model.Workload
	state    model.ExecutionState

	// awaitingDelete is non-nil while the workload is queued for removal:
	// it must stay up until every dependant's DeleteCondition is satisfied.
	awaitingDelete map[string]model.DeleteCondition

	// pendingUpdate holds the next config revision for this workload while
	// an UpdateStrategy-ordered swap is in flight; a second update arriving
	// before the first resolves overwrites this single slot rather than
	// queuing (spec §4.6 coalescing).
	pendingUpdate *model.Workload
	swapping      bool

	// restart backoff state; zero values behave as "restart immediately",
	// which is correct the first time a workload ever fails.
	restartBackoff time.Duration
	restartAt      time.Time
	runningSince   time.Time
}

// scheduleRestartLocked arms j's next restart attempt, growing the backoff
// exponentially unless the workload just finished a stable run.
func (j *job) scheduleRestartLocked(now time.Time) {
	if !j.runningSince.IsZero() && now.Sub(j.runningSince) >= restartStableWindow {
		j.restartBackoff = 0
	}
	if j.restartBackoff == 0 {
		j.restartBackoff = restartBackoffInitial
	} else {
		j.restartBackoff = time.Duration(float64(j.restartBackoff) * restartBackoffFactor)
		if j.restartBackoff > restartBackoffMax {
			j.restartBackoff = restartBackoffMax
		}
	}
	j.restartAt = now.Add(j.restartBackoff)
}

// Scheduler is the agent's per-workload state machine. It is safe for
// concurrent use; Apply and UpdateDependencyState may be called from the
// connection layer's goroutines while Run's tick loop is active.
type Scheduler struct {
	log       *zap.Logger
	driver    runtime.Driver
	report    Reporter
	tickEvery time.Duration

	mu   chan struct{} // binary mutex; buffered chan avoids a bare sync.Mutex import just for lock/unlock symmetry with select-based Run
	jobs map[string]*job

	// depStates caches the last known ExecutionState of every dependency
	// this agent's jobs reference, whether owned locally (updated directly
	// from this agent's own jobs) or remotely (updated from
	// UpdateDependencyState, fed by the connection layer's periodic
	// CompleteStateRequest poll).
	depStates map[string]model.ExecutionState
}

// New constructs a Scheduler. tickEvery controls how often pending
// gates (add and delete) are re-evaluated and the driver polled for state
// changes; 250ms is a reasonable default for FakeDriver and small fleets.
func New(log *zap.Logger, driver runtime.Driver, report Reporter, tickEvery time.Duration) *Scheduler {
	if tickEvery <= 0 {
		tickEvery = 250 * time.Millisecond
	}
	s := &Scheduler{
		log:       log.Named("scheduler"),
		driver:    driver,
		report:    report,
		tickEvery: tickEvery,
		mu:        make(chan struct{}, 1),
		jobs:      make(map[string]*job),
		depStates: make(map[string]model.ExecutionState),
	}
	s.mu <- struct{}{}
	return s
}

func (s *Scheduler) lock()   { <-s.mu }
func (s *Scheduler) unlock() { s.mu <- struct{}{} }

// Apply processes one UpdateWorkload batch from the server. A name present
// in both Added and Deleted is an in-place configuration change, ordered by
// its new UpdateStrategy; names present in only one list are a plain
// start or stop.
func (s *Scheduler) Apply(update wire.UpdateWorkload) {
	s.lock()
	defer s.unlock()

	deletedByName := make(map[string]model.DeletedWorkload, len(update.Deleted))
	for _, d := range update.Deleted {
		deletedByName[d.Name] = d
	}
	addedByName := make(map[string]model.AddedWorkload, len(update.Added))
	for _, a := range update.Added {
		addedByName[a.Name] = a
	}

	for name, a := range addedByName {
		if _, isUpdate := deletedByName[name]; isUpdate {
			s.applyUpdateLocked(name, a.Workload)
			delete(deletedByName, name)
			continue
		}
		s.addWorkloadLocked(a.Name, a.Workload)
	}
	for name, d := range deletedByName {
		s.deleteWorkloadLocked(name, d.DependantsDeleted)
	}
}

func (s *Scheduler) addWorkloadLocked(name string, w model.Workload) {
	if _, exists := s.jobs[name]; exists {
		s.log.Warn("ignoring add for already-managed workload", zap.String("workload", name))
		return
	}
	s.log.Info("workload assigned", zap.String("workload", name), zap.String("runtime", w.Runtime))
	j := &job{name: name, workload: w, state: model.ExecPending}
	s.jobs[name] = j
	s.setStateLocked(j, model.ExecPending)
}

func (s *Scheduler) deleteWorkloadLocked(name string, dependantsDeleted map[string]model.DeleteCondition) {
	j, ok := s.jobs[name]
	if !ok {
		s.log.Warn("ignoring delete for unmanaged workload", zap.String("workload", name))
		return
	}
	s.log.Info("workload marked for deletion", zap.String("workload", name))
	j.awaitingDelete = dependantsDeleted
	if j.awaitingDelete == nil {
		j.awaitingDelete = map[string]model.DeleteCondition{}
	}
}

// applyUpdateLocked begins an UpdateStrategy-ordered swap of an existing
// workload's configuration. AT_MOST_ONCE stops the old instance before the
// new one starts (never two live at once, brief gap); anything else
// (AT_LEAST_ONCE, or unspecified) issues Start for the new revision under
// the same name while the old one is still up and issues no Stop: the
// driver replaces the instance in place, and no second instance runs
// alongside the old one.
func (s *Scheduler) applyUpdateLocked(name string, newWorkload model.Workload) {
	j, ok := s.jobs[name]
	if !ok {
		s.addWorkloadLocked(name, newWorkload)
		return
	}
	cp := newWorkload.Clone()
	j.pendingUpdate = &cp
	if j.swapping {
		// Already mid-swap: the new pendingUpdate slot supersedes whatever
		// revision was queued; the in-flight stop/start still completes
		// against the job's current live workload and will pick this up
		// once it settles.
		return
	}
	j.swapping = true
	if newWorkload.UpdateStrategy == model.UpdateStrategyAtMostOnce {
		s.log.Info("updating workload (stop-then-start)", zap.String("workload", name))
		_ = s.driver.Stop(context.Background(), name)
		s.setStateLocked(j, model.ExecWaitingToStop)
	} else {
		s.log.Info("updating workload (start-then-stop)", zap.String("workload", name))
		// Drive the new revision now; tick() finalizes the swap once the
		// driver reports it Running (or Succeeded) under the shared name.
		_ = s.driver.Start(context.Background(), name, newWorkload)
		s.setStateLocked(j, model.ExecWaitingToStart)
	}
}

// UpdateDependencyState records the last observed state of a dependency,
// whether it is one of this agent's own jobs or one learned from the
// server via a poll response. tick uses this to re-evaluate gated jobs.
func (s *Scheduler) UpdateDependencyState(workloadName string, state model.ExecutionState) {
	s.lock()
	s.depStates[workloadName] = state
	s.unlock()
}

// Run ticks the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.lock()
	defer s.unlock()

	for name, j := range s.jobs {
		// Keep depStates current with our own jobs' latest observation so
		// sibling jobs depending on a local workload never wait on a stale
		// remote poll.
		s.depStates[name] = j.state

		if j.awaitingDelete != nil {
			s.tickDeleteLocked(ctx, j)
			continue
		}
		s.tickLifecycleLocked(ctx, j)
	}

	for name, j := range s.jobs {
		if j.awaitingDelete != nil && j.state == model.ExecRemoved {
			delete(s.jobs, name)
			delete(s.depStates, name)
		}
	}
}

func (s *Scheduler) tickDeleteLocked(ctx context.Context, j *job) {
	if j.state == model.ExecRemoved {
		return
	}
	if !allDeleteConditionsSatisfied(j.awaitingDelete, s.depStates) {
		return
	}
	switch j.state {
	case model.ExecPending, model.ExecWaitingToStart:
		s.setStateLocked(j, model.ExecRemoved)
	case model.ExecStopping:
		observed := s.driver.State(j.name)
		if observed == model.ExecRemoved {
			s.setStateLocked(j, model.ExecRemoved)
		}
	default:
		_ = s.driver.Stop(ctx, j.name)
		s.setStateLocked(j, model.ExecStopping)
	}
}

func (s *Scheduler) tickLifecycleLocked(ctx context.Context, j *job) {
	observed := s.driver.State(j.name)

	switch j.state {
	case model.ExecPending:
		if dependenciesSatisfied(j.workload.Dependencies, s.depStates) {
			s.setStateLocked(j, model.ExecWaitingToStart)
		}

	case model.ExecWaitingToStart:
		if j.swapping {
			// Mid update: the new revision's Start was already issued by
			// applyUpdateLocked/applyUpdateFromRunningLocked when the swap
			// began; just wait for the driver to report it settled.
			if observed == model.ExecRunning || observed == model.ExecSucceeded {
				j.workload = *j.pendingUpdate
				j.pendingUpdate = nil
				j.swapping = false
				s.setStateLocked(j, observed)
			}
			return
		}
		if !dependenciesSatisfied(j.workload.Dependencies, s.depStates) {
			s.setStateLocked(j, model.ExecPending)
			return
		}
		_ = s.driver.Start(ctx, j.name, j.workload)
		s.setStateLocked(j, model.ExecStarting)

	case model.ExecWaitingToStop:
		// AT_MOST_ONCE swap: waiting for the old instance to fully stop
		// before starting the replacement.
		if observed == model.ExecRemoved || observed == model.ExecUnknown {
			_ = s.driver.Start(ctx, j.name, *j.pendingUpdate)
			j.workload = *j.pendingUpdate
			j.pendingUpdate = nil
			j.swapping = false
			s.setStateLocked(j, model.ExecStarting)
		}

	case model.ExecStarting, model.ExecStopping:
		if observed != j.state && observed != model.ExecUnknown {
			s.setStateLocked(j, observed)
		}

	case model.ExecRunning:
		if observed != j.state && observed != model.ExecUnknown {
			s.setStateLocked(j, observed)
		}
		if j.pendingUpdate != nil && !j.swapping {
			s.applyUpdateFromRunningLocked(ctx, j)
		}

	case model.ExecSucceeded, model.ExecFailed:
		if j.workload.Restart {
			now := time.Now()
			if j.restartAt.IsZero() {
				j.scheduleRestartLocked(now)
			}
			if now.Before(j.restartAt) {
				return
			}
			s.log.Info("restarting workload", zap.String("workload", j.name),
				zap.String("last_state", j.state.String()), zap.Duration("backoff", j.restartBackoff))
			_ = s.driver.Start(ctx, j.name, j.workload)
			j.restartAt = time.Time{}
			s.setStateLocked(j, model.ExecWaitingToStart)
		} else if j.pendingUpdate != nil {
			s.applyUpdateFromRunningLocked(ctx, j)
		}
	}
}

// applyUpdateFromRunningLocked re-enters the update-swap machinery for a
// job whose pendingUpdate was set while it was already settled (Running,
// Succeeded, or Failed) rather than mid-tick.
func (s *Scheduler) applyUpdateFromRunningLocked(ctx context.Context, j *job) {
	j.swapping = true
	if j.pendingUpdate.UpdateStrategy == model.UpdateStrategyAtMostOnce {
		_ = s.driver.Stop(ctx, j.name)
		s.setStateLocked(j, model.ExecWaitingToStop)
	} else {
		_ = s.driver.Start(ctx, j.name, *j.pendingUpdate)
		s.setStateLocked(j, model.ExecWaitingToStart)
	}
}

func (s *Scheduler) setStateLocked(j *job, state model.ExecutionState) {
	if j.state == state {
		return
	}
	if state == model.ExecRunning {
		j.runningSince = time.Now()
	}
	j.state = state
	if s.report != nil {
		s.report(j.name, state)
	}
}

func dependenciesSatisfied(deps map[string]model.AddCondition, known map[string]model.ExecutionState) bool {
	for depName, cond := range deps {
		state, ok := known[depName]
		if !ok || !cond.Satisfies(state) {
			return false
		}
	}
	return true
}

func allDeleteConditionsSatisfied(conds map[string]model.DeleteCondition, known map[string]model.ExecutionState) bool {
	for depName, cond := range conds {
		state, ok := known[depName]
		if !ok {
			// A dependant we have never heard from is treated as not live,
			// since it cannot be blocking a delete it was never assigned
			// against.
			continue
		}
		if !cond.Satisfies(state) {
			return false
		}
	}
	return true
}

// Snapshot returns the current state of every managed workload, for tests
// and for an agent-local status endpoint.
func (s *Scheduler) Snapshot() map[string]model.ExecutionState {
	s.lock()
	defer s.unlock()
	out := make(map[string]model.ExecutionState, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.state
	}
	return out
}
