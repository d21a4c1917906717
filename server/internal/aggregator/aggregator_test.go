package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/shared/model"
)

func TestUpdateMergesAndSnapshot(t *testing.T) {
	a := New(zap.NewNop())
	a.Update("nginx", "agent_a", model.ExecRunning)
	a.Update("redis", "agent_b", model.ExecPending)

	snap := a.Snapshot()
	assert.Equal(t, model.ExecRunning, snap["nginx"]["agent_a"])
	assert.Equal(t, model.ExecPending, snap["redis"]["agent_b"])
}

func TestUpdateRemovedEvicts(t *testing.T) {
	a := New(zap.NewNop())
	a.Update("nginx", "agent_a", model.ExecRunning)
	a.Update("nginx", "agent_a", model.ExecRemoved)

	snap := a.Snapshot()
	assert.NotContains(t, snap, "nginx")
}

// TestEvictAgentForcesUnknown verifies spec §3's agent-session lifecycle
// rule ("every workload owned by the agent has its state forced to
// EXEC_UNKNOWN") and end-to-end scenario 5: a disconnected agent's last
// reported state becomes EXEC_UNKNOWN, it does not vanish from the table
// the way an EXEC_REMOVED report does.
func TestEvictAgentForcesUnknown(t *testing.T) {
	a := New(zap.NewNop())
	a.Update("nginx", "agent_a", model.ExecRunning)
	a.Update("nginx", "agent_b", model.ExecRunning)

	a.EvictAgent("agent_a")

	snap := a.Snapshot()
	assert.Equal(t, model.ExecUnknown, snap["nginx"]["agent_a"])
	assert.Equal(t, model.ExecRunning, snap["nginx"]["agent_b"])
}

func TestSubscribeReceivesDeltas(t *testing.T) {
	a := New(zap.NewNop())
	ch := make(chan Delta, 4)
	a.Subscribe(ch)

	a.Update("nginx", "agent_a", model.ExecRunning)

	select {
	case d := <-ch:
		require.Equal(t, "nginx", d.WorkloadName)
		assert.Equal(t, model.ExecRunning, d.State)
		assert.False(t, d.Removed)
	case <-time.After(time.Second):
		t.Fatal("expected a delta")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a := New(zap.NewNop())
	ch := make(chan Delta, 4)
	a.Subscribe(ch)
	a.Unsubscribe(ch)

	a.Update("nginx", "agent_a", model.ExecRunning)

	select {
	case <-ch:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}
