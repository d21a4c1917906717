package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeExecutionStateGap(t *testing.T) {
	assert.Equal(t, ExecUnknown, DecodeExecutionState(9))
	assert.Equal(t, ExecUnknown, DecodeExecutionState(42))
	assert.Equal(t, ExecRunning, DecodeExecutionState(4))
	assert.Equal(t, ExecRemoved, DecodeExecutionState(10))
}

func TestDeleteConditionFromAddCondition(t *testing.T) {
	assert.Equal(t, DeleteConditionRunning, DeleteConditionFromAddCondition(AddConditionRunning))
	assert.Equal(t, DeleteConditionNotPendingNorRunning, DeleteConditionFromAddCondition(AddConditionSucceeded))
	assert.Equal(t, DeleteConditionNotPendingNorRunning, DeleteConditionFromAddCondition(AddConditionFailed))
}

func TestStateValidateDanglingDependency(t *testing.T) {
	s := NewState()
	s.Workloads["nginx"] = Workload{
		Dependencies: map[string]AddCondition{"missing": AddConditionRunning},
	}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workload")
}

func TestStateValidateCycle(t *testing.T) {
	s := NewState()
	s.Workloads["a"] = Workload{Dependencies: map[string]AddCondition{"b": AddConditionRunning}}
	s.Workloads["b"] = Workload{Dependencies: map[string]AddCondition{"c": AddConditionRunning}}
	s.Workloads["c"] = Workload{Dependencies: map[string]AddCondition{"a": AddConditionRunning}}

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestStateValidateAcyclic(t *testing.T) {
	s := NewState()
	s.Workloads["a"] = Workload{Dependencies: map[string]AddCondition{"b": AddConditionRunning}}
	s.Workloads["b"] = Workload{}
	assert.NoError(t, s.Validate())
}

func TestStateValidateCronjobUnknownWorkload(t *testing.T) {
	s := NewState()
	s.Cronjobs["nightly"] = Cronjob{Workload: "missing", Schedule: "0 0 * * *"}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workload")
}

func TestStateValidateCronjobBadSchedule(t *testing.T) {
	s := NewState()
	s.Workloads["nginx"] = Workload{}
	s.Cronjobs["nightly"] = Cronjob{Workload: "nginx", Schedule: "not-a-schedule"}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestWorkloadCloneIsIndependent(t *testing.T) {
	w := Workload{
		Dependencies: map[string]AddCondition{"logger": AddConditionRunning},
		Tags:         map[string]string{"env": "prod"},
	}
	cp := w.Clone()
	cp.Dependencies["logger"] = AddConditionFailed
	cp.Tags["env"] = "staging"

	assert.Equal(t, AddConditionRunning, w.Dependencies["logger"])
	assert.Equal(t, "prod", w.Tags["env"])
}

func TestCompleteStateSetWorkloadState(t *testing.T) {
	cs := NewCompleteState()
	cs.SetWorkloadState("nginx", "agent_a", ExecRunning)
	cs.SetWorkloadState("nginx", "agent_b", ExecPending)

	assert.Equal(t, ExecRunning, cs.WorkloadStates["nginx"]["agent_a"])
	assert.Equal(t, ExecPending, cs.WorkloadStates["nginx"]["agent_b"])
}

func TestAddConditionSatisfies(t *testing.T) {
	assert.True(t, AddConditionRunning.Satisfies(ExecRunning))
	assert.False(t, AddConditionRunning.Satisfies(ExecPending))
	assert.True(t, AddConditionSucceeded.Satisfies(ExecSucceeded))
	assert.True(t, AddConditionFailed.Satisfies(ExecFailed))
}
