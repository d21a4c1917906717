// Package statemgr is the State Manager (spec §4.3): it owns the immutable
// startup state and the live current state, serializes every read and
// patch against them, and computes the per-agent diff (added/deleted
// workloads) a state transition produces.
package statemgr

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/server/internal/aggregator"
	"github.com/ankaios-go/ankaios/shared/fieldmask"
	"github.com/ankaios-go/ankaios/shared/model"
	"github.com/ankaios-go/ankaios/shared/wire"
)

// Manager serializes all reads and writes of CompleteState behind a single
// mutex — spec §4.3 requires update_state requests to be processed one at a
// time, in arrival order, so two concurrent patches can never interleave
// into an invalid intermediate state.
//
// Reported workload states are not stored here: they live in the
// Workload-State Aggregator, which this Manager merges into CompleteState
// on read.
type Manager struct {
	log *zap.Logger
	agg *aggregator.Aggregator

	mu    sync.Mutex
	state model.CompleteState
}

// New returns a Manager seeded with startup as both StartupState and the
// initial CurrentState, reading workload states from agg. startup must
// already have passed Validate.
func New(log *zap.Logger, startup model.State, agg *aggregator.Aggregator) *Manager {
	cs := model.NewCompleteState()
	cs.StartupState = startup
	cs.CurrentState = startup.Clone()
	return &Manager{
		log:   log.Named("statemgr"),
		agg:   agg,
		state: cs,
	}
}

// GetCompleteState returns the projection of the current CompleteState
// (including reported workload states merged in from the aggregator)
// restricted to masks. An empty mask set returns everything.
func (m *Manager) GetCompleteState(masks []string) (model.CompleteState, error) {
	m.mu.Lock()
	snapshot := m.state
	snapshot.WorkloadStates = m.agg.Snapshot()
	m.mu.Unlock()
	return fieldmask.Project(snapshot, masks)
}

// AgentUpdate is one agent's slice of an UpdateState diff: the workloads it
// must start managing and the workloads it must stop managing.
type AgentUpdate struct {
	AgentName string
	Update    wire.UpdateWorkload
}

// UpdateState patches CurrentState with newState, restricted to
// updateMask (an empty mask replaces CurrentState wholesale, per spec
// §4.3), validates the result, and — only if it validates — commits it and
// returns the per-agent diffs to push. On validation failure, CurrentState
// is left untouched and the error is returned.
func (m *Manager) UpdateState(newState model.State, updateMask []string) ([]AgentUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidate, err := fieldmask.Apply(m.state.CurrentState, newState, updateMask)
	if err != nil {
		return nil, fmt.Errorf("statemgr: apply mask: %w", err)
	}
	if err := candidate.Validate(); err != nil {
		return nil, fmt.Errorf("statemgr: rejected update: %w", err)
	}

	diffs := diffStates(m.state.CurrentState, candidate)
	m.state.CurrentState = candidate

	updates := make([]AgentUpdate, 0, len(diffs))
	for agent, u := range diffs {
		updates = append(updates, AgentUpdate{AgentName: agent, Update: *u})
	}
	m.log.Info("current state updated", zap.Int("affected_agents", len(updates)))
	return updates, nil
}

// RecordWorkloadState forwards a reported ExecutionState for
// (workloadName, agentName) to the aggregator.
func (m *Manager) RecordWorkloadState(workloadName, agentName string, state model.ExecutionState) {
	m.agg.Update(workloadName, agentName, state)
}

// diffStates computes, for every agent with at least one affected workload,
// the set of workloads it must start managing (Added) and stop managing
// (Deleted) to move from old to new.
func diffStates(old, new model.State) map[string]*wire.UpdateWorkload {
	updates := map[string]*wire.UpdateWorkload{}
	ensure := func(agent string) *wire.UpdateWorkload {
		u, ok := updates[agent]
		if !ok {
			u = &wire.UpdateWorkload{}
			updates[agent] = u
		}
		return u
	}

	for name, ow := range old.Workloads {
		nw, stillPresent := new.Workloads[name]
		if stillPresent && workloadsEqual(ow, nw) {
			continue
		}
		u := ensure(ow.Agent)
		u.Deleted = append(u.Deleted, model.DeletedWorkload{
			Name:              name,
			DependantsDeleted: dependantsOf(name, old),
		})
	}

	for name, nw := range new.Workloads {
		ow, existedBefore := old.Workloads[name]
		if existedBefore && workloadsEqual(ow, nw) {
			continue
		}
		u := ensure(nw.Agent)
		u.Added = append(u.Added, model.AddedWorkload{Name: name, Workload: nw})
	}

	return updates
}

// workloadsEqual reports whether two Workload definitions are identical in
// every field relevant to the agent (anything else is a delete+add, not a
// no-op).
func workloadsEqual(a, b model.Workload) bool {
	return reflect.DeepEqual(a, b)
}

// dependantsOf returns, for every workload in state that declares a
// dependency on target, that dependant's name mapped to the DeleteCondition
// translated from its AddCondition (spec §4.3 step 3). The owning agent
// uses this to know when it is safe to actually stop target: once every
// dependant satisfies its DeleteCondition.
func dependantsOf(target string, state model.State) map[string]model.DeleteCondition {
	var result map[string]model.DeleteCondition
	for name, w := range state.Workloads {
		if ac, ok := w.Dependencies[target]; ok {
			if result == nil {
				result = make(map[string]model.DeleteCondition)
			}
			result[name] = model.DeleteConditionFromAddCondition(ac)
		}
	}
	return result
}
