// Package aggregator is the Workload-State Aggregator (spec §4.5): it merges
// UpdateWorkloadState reports from every agent into a single authoritative
// workloadName -> agentName -> ExecutionState table, evicts an entry the
// instant it is reported EXEC_REMOVED, and publishes every change as a
// Delta to whoever is subscribed (the statusfeed mirror).
package aggregator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/shared/model"
)

// Delta is one published change to the aggregated table.
type Delta struct {
	WorkloadName string
	AgentName    string
	State        model.ExecutionState
	Removed      bool
}

// Aggregator holds the live, merged table and fans out deltas to
// subscribers. The zero value is not usable; construct with New.
type Aggregator struct {
	log *zap.Logger

	mu     sync.RWMutex
	table  map[string]map[string]model.ExecutionState
	subs   map[chan<- Delta]struct{}
	subsMu sync.Mutex
}

// New returns an empty Aggregator.
func New(log *zap.Logger) *Aggregator {
	return &Aggregator{
		log:   log.Named("aggregator"),
		table: make(map[string]map[string]model.ExecutionState),
		subs:  make(map[chan<- Delta]struct{}),
	}
}

// Update merges one reported (workloadName, agentName, state) triple into
// the table. EXEC_REMOVED evicts the entry outright rather than recording
// it, so a removed workload eventually drops out of CompleteState responses
// entirely instead of lingering at EXEC_REMOVED forever.
func (a *Aggregator) Update(workloadName, agentName string, state model.ExecutionState) {
	a.mu.Lock()
	removed := state == model.ExecRemoved
	if removed {
		if inner, ok := a.table[workloadName]; ok {
			delete(inner, agentName)
			if len(inner) == 0 {
				delete(a.table, workloadName)
			}
		}
	} else {
		inner, ok := a.table[workloadName]
		if !ok {
			inner = make(map[string]model.ExecutionState)
			a.table[workloadName] = inner
		}
		inner[agentName] = state
	}
	a.mu.Unlock()

	a.publish(Delta{WorkloadName: workloadName, AgentName: agentName, State: state, Removed: removed})
}

// EvictAgent forces every workload last reported by agentName to
// EXEC_UNKNOWN, used when the Connection Registry reports that agent as
// disconnected. Per spec §3's agent-session lifecycle ("every workload
// owned by the agent has its state forced to EXEC_UNKNOWN") and end-to-end
// scenario 5, the entry is NOT deleted — an EXEC_REMOVED report is the only
// thing that evicts a (workloadName, agentName) pair from the table; a lost
// connection just makes the last-known state unknown until a fresh report
// (from this agent's next session) says otherwise.
func (a *Aggregator) EvictAgent(agentName string) {
	a.mu.Lock()
	var affected []string
	for name, inner := range a.table {
		if s, ok := inner[agentName]; ok && s != model.ExecUnknown {
			inner[agentName] = model.ExecUnknown
			affected = append(affected, name)
		}
	}
	a.mu.Unlock()

	for _, name := range affected {
		a.publish(Delta{WorkloadName: name, AgentName: agentName, State: model.ExecUnknown})
	}
}

// Snapshot returns a deep copy of the current table, suitable for merging
// into a CompleteState response.
func (a *Aggregator) Snapshot() map[string]map[string]model.ExecutionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]map[string]model.ExecutionState, len(a.table))
	for name, inner := range a.table {
		cp := make(map[string]model.ExecutionState, len(inner))
		for agent, state := range inner {
			cp[agent] = state
		}
		out[name] = cp
	}
	return out
}

// Subscribe registers ch to receive every future Delta. The caller must
// drain ch promptly; Subscribe does not buffer beyond the channel's own
// capacity, and a Delta that finds ch full is dropped for this subscriber
// (with a warning logged) rather than blocking the publisher. Call
// Unsubscribe to stop delivery.
func (a *Aggregator) Subscribe(ch chan<- Delta) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.subs[ch] = struct{}{}
}

// Unsubscribe removes ch from the subscriber set.
func (a *Aggregator) Unsubscribe(ch chan<- Delta) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	delete(a.subs, ch)
}

func (a *Aggregator) publish(d Delta) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	for ch := range a.subs {
		select {
		case ch <- d:
		default:
			a.log.Warn("dropping delta for slow subscriber",
				zap.String("workload", d.WorkloadName), zap.String("agent", d.AgentName))
		}
	}
}
