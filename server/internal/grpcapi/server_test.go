package grpcapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/server/internal/aggregator"
	"github.com/ankaios-go/ankaios/server/internal/registry"
	"github.com/ankaios-go/ankaios/server/internal/statemgr"
	"github.com/ankaios-go/ankaios/shared/model"
	"github.com/ankaios-go/ankaios/shared/wire"
)

func newTestServer(startup model.State) *Server {
	log := zap.NewNop()
	agg := aggregator.New(log)
	return New(Config{}, log, registry.New(log), statemgr.New(log, startup, agg), agg)
}

func TestHandleRequestCompleteState(t *testing.T) {
	startup := model.NewState()
	startup.Workloads["nginx"] = model.Workload{Agent: "agent_a"}
	s := newTestServer(startup)

	resp := s.handleRequest(&wire.Request{
		RequestID:            "r1",
		CompleteStateRequest: &wire.CompleteStateRequest{},
	})

	require.Empty(t, resp.Error)
	require.NotNil(t, resp.CompleteState)
	assert.Contains(t, resp.CompleteState.CurrentState.Workloads, "nginx")
	assert.Equal(t, "r1", resp.RequestID)
}

func TestHandleRequestUpdateStateAppliesPatch(t *testing.T) {
	startup := model.NewState()
	s := newTestServer(startup)

	patch := model.NewState()
	patch.Workloads["redis"] = model.Workload{Agent: "agent_b"}

	resp := s.handleRequest(&wire.Request{
		RequestID: "r2",
		UpdateStateRequest: &wire.UpdateStateRequest{
			NewState:   patch,
			UpdateMask: []string{"workloads.redis"},
		},
	})
	require.Empty(t, resp.Error)

	after := s.handleRequest(&wire.Request{
		RequestID:            "r3",
		CompleteStateRequest: &wire.CompleteStateRequest{},
	})
	assert.Contains(t, after.CompleteState.CurrentState.Workloads, "redis")
}

func TestHandleRequestUpdateStateDeniedByAccessRights(t *testing.T) {
	startup := model.NewState()
	startup.Workloads["nginx"] = model.Workload{
		Agent: "agent_a",
		AccessRights: model.AccessRights{
			Deny: []model.AccessRule{{UpdateMask: []string{"workloads.nginx"}}},
		},
	}
	s := newTestServer(startup)

	patch := model.NewState()
	patch.Workloads["nginx"] = model.Workload{Agent: "agent_z"}

	resp := s.handleRequest(&wire.Request{
		RequestID: "r4",
		UpdateStateRequest: &wire.UpdateStateRequest{
			NewState:   patch,
			UpdateMask: []string{"workloads.nginx"},
		},
	})
	require.NotEmpty(t, resp.Error)
}

func TestHandleRequestEmpty(t *testing.T) {
	s := newTestServer(model.NewState())
	resp := s.handleRequest(&wire.Request{RequestID: "r5"})
	assert.Equal(t, "empty request", resp.Error)
}

func TestWorkloadNameFromPath(t *testing.T) {
	name, ok := workloadNameFromPath("workloads.nginx.tags.env")
	assert.True(t, ok)
	assert.Equal(t, "nginx", name)

	_, ok = workloadNameFromPath("configs.greeting")
	assert.False(t, ok)
}
