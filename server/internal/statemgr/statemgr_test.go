package statemgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/server/internal/aggregator"
	"github.com/ankaios-go/ankaios/shared/model"
)

func baseStartup() model.State {
	s := model.NewState()
	s.Workloads["nginx"] = model.Workload{Agent: "agent_a", Runtime: "podman"}
	return s
}

func TestUpdateStateAddsWorkload(t *testing.T) {
	m := New(zap.NewNop(), baseStartup(), aggregator.New(zap.NewNop()))

	newState := baseStartup()
	newState.Workloads["redis"] = model.Workload{Agent: "agent_b", Runtime: "podman"}

	updates, err := m.UpdateState(newState, nil)
	require.NoError(t, err)

	var forB *AgentUpdate
	for i := range updates {
		if updates[i].AgentName == "agent_b" {
			forB = &updates[i]
		}
	}
	require.NotNil(t, forB)
	require.Len(t, forB.Update.Added, 1)
	assert.Equal(t, "redis", forB.Update.Added[0].Name)
}

func TestUpdateStateDeletesWorkloadWithDependants(t *testing.T) {
	startup := model.NewState()
	startup.Workloads["logger"] = model.Workload{Agent: "agent_a"}
	startup.Workloads["nginx"] = model.Workload{
		Agent:        "agent_b",
		Dependencies: map[string]model.AddCondition{"logger": model.AddConditionRunning},
	}
	m := New(zap.NewNop(), startup, aggregator.New(zap.NewNop()))

	newState := startup.Clone()
	delete(newState.Workloads, "logger")
	// nginx's dependency now dangles, so drop it too to keep the candidate valid.
	nginx := newState.Workloads["nginx"]
	nginx.Dependencies = nil
	newState.Workloads["nginx"] = nginx

	updates, err := m.UpdateState(newState, nil)
	require.NoError(t, err)

	var forA *AgentUpdate
	for i := range updates {
		if updates[i].AgentName == "agent_a" {
			forA = &updates[i]
		}
	}
	require.NotNil(t, forA)
	require.Len(t, forA.Update.Deleted, 1)
	assert.Equal(t, "logger", forA.Update.Deleted[0].Name)
	assert.Equal(t, model.DeleteConditionRunning, forA.Update.Deleted[0].DependantsDeleted["nginx"])
}

func TestUpdateStateRejectsInvalidCandidate(t *testing.T) {
	m := New(zap.NewNop(), baseStartup(), aggregator.New(zap.NewNop()))

	bad := baseStartup()
	bad.Workloads["broken"] = model.Workload{
		Agent:        "agent_c",
		Dependencies: map[string]model.AddCondition{"ghost": model.AddConditionRunning},
	}

	_, err := m.UpdateState(bad, nil)
	require.Error(t, err)

	// CurrentState must be untouched.
	got, err := m.GetCompleteState(nil)
	require.NoError(t, err)
	assert.NotContains(t, got.CurrentState.Workloads, "broken")
}

func TestUpdateStateMaskedReplaceOnlyTouchesPath(t *testing.T) {
	m := New(zap.NewNop(), baseStartup(), aggregator.New(zap.NewNop()))

	patch := model.NewState()
	patch.Workloads["nginx"] = model.Workload{Agent: "agent_z", Runtime: "podman"}

	_, err := m.UpdateState(patch, []string{"workloads.nginx"})
	require.NoError(t, err)

	got, err := m.GetCompleteState(nil)
	require.NoError(t, err)
	assert.Equal(t, "agent_z", got.CurrentState.Workloads["nginx"].Agent)
}

func TestGetCompleteStateProjection(t *testing.T) {
	m := New(zap.NewNop(), baseStartup(), aggregator.New(zap.NewNop()))
	m.RecordWorkloadState("nginx", "agent_a", model.ExecRunning)

	got, err := m.GetCompleteState([]string{"workloadStates"})
	require.NoError(t, err)
	assert.Equal(t, model.ExecRunning, got.WorkloadStates["nginx"]["agent_a"])
	assert.Empty(t, got.CurrentState.Workloads)
}
