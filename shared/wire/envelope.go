package wire

import (
	"github.com/ankaios-go/ankaios/shared/model"
)

// ToServer is the tagged-union envelope carried upstream on every Control
// connection (agent or CLI), one message at a time. Exactly one field should
// be non-nil; handlers dispatch on whichever is set.
type ToServer struct {
	AgentHello          *AgentHello          `wire:"1"`
	UpdateWorkloadState *UpdateWorkloadState `wire:"2"`
	Request             *Request             `wire:"3"`
	Goodbye             *Goodbye             `wire:"4"`
}

// FromServer is the tagged-union envelope carried downstream on every
// Control connection.
type FromServer struct {
	UpdateWorkload *UpdateWorkload `wire:"1"`
	Response       *Response       `wire:"2"`
}

// AgentHello is the first message an agent sends after connecting, naming
// itself and (supplemented feature) declaring its own build version plus a
// snapshot of the host it's running on, so the server can log skew between
// agent and server releases and tell operators what kind of machine backs
// each agent name.
type AgentHello struct {
	AgentName    string `wire:"1"`
	AgentVersion string `wire:"2"`
	HostOS       string `wire:"3"`
	HostPlatform string `wire:"4"`
	CPUCount     int32  `wire:"5"`
}

// UpdateWorkloadState reports the latest observed ExecutionState of one or
// more workloads the sending agent manages; the agent sends one entry per
// observed state change.
type UpdateWorkloadState struct {
	States []model.WorkloadState `wire:"1"`
}

// Goodbye is an explicit, orderly disconnect notice. Distinct from a
// transport-level stream close so the server's agent stream handler can
// distinguish a clean shutdown from a lost connection in its logs.
type Goodbye struct{}

// Request wraps one of the client-initiated RPCs (CompleteState query or
// UpdateState patch), tagged with a RequestID the caller correlates against
// the eventual Response.
type Request struct {
	RequestID            string                `wire:"1"`
	CompleteStateRequest *CompleteStateRequest `wire:"2"`
	UpdateStateRequest   *UpdateStateRequest   `wire:"3"`
}

// CompleteStateRequest asks for a (possibly masked) projection of the
// server's CompleteState.
type CompleteStateRequest struct {
	FieldMasks []string `wire:"1"`
}

// UpdateStateRequest patches CurrentState with newState, restricted to
// UpdateMask (an empty mask replaces CurrentState wholesale).
type UpdateStateRequest struct {
	NewState   model.State `wire:"1"`
	UpdateMask []string    `wire:"2"`
}

// Response carries the result of a Request back to its originator, matched
// by RequestID.
type Response struct {
	RequestID     string               `wire:"1"`
	CompleteState *model.CompleteState `wire:"2"`
	Error         string               `wire:"3"`
}

// UpdateWorkload is the server's push to an agent describing the workloads
// it should start managing and stop managing, computed by the State
// Manager's diff engine (spec §4.3).
type UpdateWorkload struct {
	Added   []model.AddedWorkload   `wire:"1"`
	Deleted []model.DeletedWorkload `wire:"2"`
}
