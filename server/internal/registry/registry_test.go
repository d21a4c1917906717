package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/shared/wire"
)

type fakeConn struct {
	mu  sync.Mutex
	got []*wire.FromServer
}

func (f *fakeConn) Send(m *wire.FromServer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, m)
	return nil
}

func TestRegisterAgentRejectsDuplicate(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.RegisterAgent("agent_a", &fakeConn{}))

	err := r.RegisterAgent("agent_a", &fakeConn{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateAgent))
}

func TestDeregisterOnlyRemovesMatchingConn(t *testing.T) {
	r := New(zap.NewNop())
	first := &fakeConn{}
	require.NoError(t, r.RegisterAgent("agent_a", first))

	stale := &fakeConn{}
	r.DeregisterAgent("agent_a", stale)
	assert.True(t, r.IsAgentConnected("agent_a"), "deregister with wrong conn must be a no-op")

	r.DeregisterAgent("agent_a", first)
	assert.False(t, r.IsAgentConnected("agent_a"))
}

func TestSendToUnknownAgent(t *testing.T) {
	r := New(zap.NewNop())
	err := r.SendToAgent("ghost", &wire.FromServer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownAgent))
}

func TestBroadcastReachesAllAgents(t *testing.T) {
	r := New(zap.NewNop())
	a, b := &fakeConn{}, &fakeConn{}
	require.NoError(t, r.RegisterAgent("agent_a", a))
	require.NoError(t, r.RegisterAgent("agent_b", b))

	r.BroadcastToAgents(&wire.FromServer{})

	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestConnectedAgentsConcurrentAccess(t *testing.T) {
	r := New(zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i%26))
			_ = r.RegisterAgent(name, &fakeConn{})
			_ = r.ConnectedAgents()
		}(i)
	}
	wg.Wait()
}
