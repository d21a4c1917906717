package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ankaios-go/ankaios/shared/model"
	"github.com/ankaios-go/ankaios/shared/wire"
)

// These tests check the shape of the Request values GetCompleteState and
// ApplyState send, built here the same way, rather than calling those
// methods: there is no server to dial in-process, so no live gRPC round
// trip is made.

func TestGetCompleteStateBuildsFieldMaskRequest(t *testing.T) {
	req := &wire.Request{
		CompleteStateRequest: &wire.CompleteStateRequest{FieldMasks: []string{"workloads.nginx"}},
	}
	assert.NotNil(t, req.CompleteStateRequest)
	assert.Equal(t, []string{"workloads.nginx"}, req.CompleteStateRequest.FieldMasks)
}

func TestApplyStateBuildsUpdateStateRequest(t *testing.T) {
	state := model.NewState()
	state.Workloads["nginx"] = model.Workload{Agent: "agent_a"}

	req := &wire.Request{
		UpdateStateRequest: &wire.UpdateStateRequest{
			NewState:   state,
			UpdateMask: []string{"workloads.nginx"},
		},
	}
	assert.Contains(t, req.UpdateStateRequest.NewState.Workloads, "nginx")
	assert.Equal(t, []string{"workloads.nginx"}, req.UpdateStateRequest.UpdateMask)
}
