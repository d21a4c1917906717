// Package model defines the Ankaios desired-state data model shared by the
// server and every agent: workloads, their dependency conditions, execution
// states, and the access-control rules that gate patches to the state tree.
package model

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"google.golang.org/protobuf/types/known/timestamppb"
	"gopkg.in/yaml.v3"
)

// parseEnum looks up name in table and returns the matching key, erroring
// with the available options otherwise. Shared by every enum's
// UnmarshalYAML so a startup-state manifest can be hand-written with the
// same symbolic names the wire format's String() methods print.
func parseEnum[T ~int32](name string, table map[string]T) (T, error) {
	if v, ok := table[name]; ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("unrecognized enum value %q", name)
}

// AddCondition gates when a dependent workload may start.
type AddCondition int32

const (
	AddConditionUnspecified AddCondition = 0
	AddConditionRunning     AddCondition = 1
	AddConditionSucceeded   AddCondition = 2
	AddConditionFailed      AddCondition = 3
)

func (c AddCondition) String() string {
	switch c {
	case AddConditionRunning:
		return "ADD_COND_RUNNING"
	case AddConditionSucceeded:
		return "ADD_COND_SUCCEEDED"
	case AddConditionFailed:
		return "ADD_COND_FAILED"
	default:
		return "ADD_COND_UNSPECIFIED"
	}
}

var addConditionNames = map[string]AddCondition{
	"ADD_COND_UNSPECIFIED": AddConditionUnspecified,
	"ADD_COND_RUNNING":     AddConditionRunning,
	"ADD_COND_SUCCEEDED":   AddConditionSucceeded,
	"ADD_COND_FAILED":      AddConditionFailed,
}

func (c AddCondition) MarshalYAML() (any, error) { return c.String(), nil }

func (c *AddCondition) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	v, err := parseEnum(name, addConditionNames)
	if err != nil {
		return fmt.Errorf("AddCondition: %w", err)
	}
	*c = v
	return nil
}

// Satisfies reports whether the observed ExecutionState of a dependency
// satisfies this AddCondition.
func (c AddCondition) Satisfies(state ExecutionState) bool {
	switch c {
	case AddConditionRunning:
		return state == ExecRunning
	case AddConditionSucceeded:
		return state == ExecSucceeded
	case AddConditionFailed:
		return state == ExecFailed
	default:
		return false
	}
}

// DeleteCondition gates when a workload being removed may actually stop.
// Translated from the AddCondition of dependents, per spec §4.3 step 3.
type DeleteCondition int32

const (
	DeleteConditionUnspecified          DeleteCondition = 0
	DeleteConditionRunning              DeleteCondition = 1
	DeleteConditionNotPendingNorRunning DeleteCondition = 2
)

func (c DeleteCondition) String() string {
	switch c {
	case DeleteConditionRunning:
		return "DEL_COND_RUNNING"
	case DeleteConditionNotPendingNorRunning:
		return "DEL_COND_NOT_PENDING_NOR_RUNNING"
	default:
		return "DEL_COND_UNSPECIFIED"
	}
}

var deleteConditionNames = map[string]DeleteCondition{
	"DEL_COND_UNSPECIFIED":             DeleteConditionUnspecified,
	"DEL_COND_RUNNING":                 DeleteConditionRunning,
	"DEL_COND_NOT_PENDING_NOR_RUNNING": DeleteConditionNotPendingNorRunning,
}

func (c DeleteCondition) MarshalYAML() (any, error) { return c.String(), nil }

func (c *DeleteCondition) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	v, err := parseEnum(name, deleteConditionNames)
	if err != nil {
		return fmt.Errorf("DeleteCondition: %w", err)
	}
	*c = v
	return nil
}

// DeleteConditionFromAddCondition implements the translation table in spec §4.3 step 3:
// ADD_COND_RUNNING collapses to DEL_COND_RUNNING; the other two (Succeeded,
// Failed) both collapse to DEL_COND_NOT_PENDING_NOR_RUNNING.
func DeleteConditionFromAddCondition(a AddCondition) DeleteCondition {
	if a == AddConditionRunning {
		return DeleteConditionRunning
	}
	return DeleteConditionNotPendingNorRunning
}

// UpdateStrategy chooses the relative ordering of stop-old/start-new when a
// workload's configuration changes in place.
type UpdateStrategy int32

const (
	UpdateStrategyUnspecified UpdateStrategy = 0
	UpdateStrategyAtLeastOnce UpdateStrategy = 1
	UpdateStrategyAtMostOnce  UpdateStrategy = 2
)

func (u UpdateStrategy) String() string {
	switch u {
	case UpdateStrategyAtLeastOnce:
		return "AT_LEAST_ONCE"
	case UpdateStrategyAtMostOnce:
		return "AT_MOST_ONCE"
	default:
		return "UNSPECIFIED"
	}
}

var updateStrategyNames = map[string]UpdateStrategy{
	"UNSPECIFIED":   UpdateStrategyUnspecified,
	"AT_LEAST_ONCE": UpdateStrategyAtLeastOnce,
	"AT_MOST_ONCE":  UpdateStrategyAtMostOnce,
}

func (u UpdateStrategy) MarshalYAML() (any, error) { return u.String(), nil }

func (u *UpdateStrategy) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	v, err := parseEnum(name, updateStrategyNames)
	if err != nil {
		return fmt.Errorf("UpdateStrategy: %w", err)
	}
	*u = v
	return nil
}

// ExecutionState is the authoritative lifecycle graph of a workload, as
// observed and reported by the owning agent. Wire values 0-8 and 10 are
// normative; value 9 is intentionally unassigned and must decode to
// EXEC_UNKNOWN (spec §9 Open Question) for forward wire compatibility.
type ExecutionState int32

const (
	ExecUnknown        ExecutionState = 0
	ExecPending        ExecutionState = 1
	ExecWaitingToStart ExecutionState = 2
	ExecStarting       ExecutionState = 3
	ExecRunning        ExecutionState = 4
	ExecSucceeded      ExecutionState = 5
	ExecFailed         ExecutionState = 6
	ExecWaitingToStop  ExecutionState = 7
	ExecStopping       ExecutionState = 8
	// value 9 deliberately skipped — reserved gap, see DecodeExecutionState.
	ExecRemoved ExecutionState = 10
)

func (s ExecutionState) String() string {
	switch s {
	case ExecPending:
		return "EXEC_PENDING"
	case ExecWaitingToStart:
		return "EXEC_WAITING_TO_START"
	case ExecStarting:
		return "EXEC_STARTING"
	case ExecRunning:
		return "EXEC_RUNNING"
	case ExecSucceeded:
		return "EXEC_SUCCEEDED"
	case ExecFailed:
		return "EXEC_FAILED"
	case ExecWaitingToStop:
		return "EXEC_WAITING_TO_STOP"
	case ExecStopping:
		return "EXEC_STOPPING"
	case ExecRemoved:
		return "EXEC_REMOVED"
	default:
		return "EXEC_UNKNOWN"
	}
}

// DecodeExecutionState maps a raw wire value to an ExecutionState, collapsing
// the reserved gap (9) and any future-unknown value into EXEC_UNKNOWN instead
// of erroring, so older deployments never choke on a newer peer's wire value.
func DecodeExecutionState(raw int32) ExecutionState {
	switch ExecutionState(raw) {
	case ExecPending, ExecWaitingToStart, ExecStarting, ExecRunning,
		ExecSucceeded, ExecFailed, ExecWaitingToStop, ExecStopping, ExecRemoved:
		return ExecutionState(raw)
	default:
		return ExecUnknown
	}
}

func (s ExecutionState) MarshalYAML() (any, error) { return s.String(), nil }

// UnmarshalYAML accepts any symbolic name, including "EXEC_UNKNOWN" and
// names that round-trip through DecodeExecutionState; a name this type
// doesn't recognize at all is still an error, since a human-edited manifest
// should never declare a workload's state (states are always reported by
// agents, never set in a startup or current-state document) — this only
// exists so CompleteState responses round-trip cleanly through the
// field-mask engine's generic YAML tree.
func (s *ExecutionState) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	for _, candidate := range []ExecutionState{
		ExecUnknown, ExecPending, ExecWaitingToStart, ExecStarting, ExecRunning,
		ExecSucceeded, ExecFailed, ExecWaitingToStop, ExecStopping, ExecRemoved,
	} {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("ExecutionState: unrecognized enum value %q", name)
}

// IsAddGate reports whether s is one of the three states an
// AddCondition can be satisfied by.
func (s ExecutionState) IsAddGate() bool {
	return s == ExecRunning || s == ExecSucceeded || s == ExecFailed
}

// Satisfies reports whether a dependent's observed state lets this
// DeleteCondition be considered met, i.e. deleting the workload that
// contributed this condition will no longer break the dependent.
func (c DeleteCondition) Satisfies(state ExecutionState) bool {
	switch c {
	case DeleteConditionRunning:
		return state != ExecRunning && !state.IsLiveForDelete()
	case DeleteConditionNotPendingNorRunning:
		return state != ExecPending && !state.IsLiveForDelete()
	default:
		return true
	}
}

// IsLiveForDelete reports whether s counts as "live" when checking whether a
// dependent workload still blocks this workload's stop (spec §4.6 Deletions).
func (s ExecutionState) IsLiveForDelete() bool {
	return s == ExecWaitingToStart || s == ExecStarting || s == ExecRunning
}

// AccessOperation is the inferred kind of change a patch path represents.
type AccessOperation int32

const (
	OpUnspecified AccessOperation = 0
	OpAdd         AccessOperation = 1
	OpRemove      AccessOperation = 2
	OpReplace     AccessOperation = 3
)

func (o AccessOperation) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpRemove:
		return "REMOVE"
	case OpReplace:
		return "REPLACE"
	default:
		return "UNSPECIFIED"
	}
}

var accessOperationNames = map[string]AccessOperation{
	"UNSPECIFIED": OpUnspecified,
	"ADD":         OpAdd,
	"REMOVE":      OpRemove,
	"REPLACE":     OpReplace,
}

func (o AccessOperation) MarshalYAML() (any, error) { return o.String(), nil }

func (o *AccessOperation) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	v, err := parseEnum(name, accessOperationNames)
	if err != nil {
		return fmt.Errorf("AccessOperation: %w", err)
	}
	*o = v
	return nil
}

// AccessRule is a single allow/deny entry in a Workload's AccessRights.
type AccessRule struct {
	Operation  AccessOperation `yaml:"operation" wire:"1"`
	UpdateMask []string        `yaml:"updateMask" wire:"2"`
	Value      []string        `yaml:"value,omitempty" wire:"3"`
}

// AccessRights holds the allow/deny rule lists evaluated by the Access
// Control Filter (spec §4.4) before a patch touching this workload is
// admitted. There is no root rule set: paths outside any workload are not
// checked against any AccessRights.
type AccessRights struct {
	Allow []AccessRule `yaml:"allow,omitempty" wire:"1"`
	Deny  []AccessRule `yaml:"deny,omitempty" wire:"2"`
}

// Workload is a named, runtime-specific unit of deployable work pinned to
// one agent.
type Workload struct {
	Agent          string                  `yaml:"agent" wire:"1"`
	Runtime        string                  `yaml:"runtime" wire:"2"`
	RuntimeConfig  string                  `yaml:"runtimeConfig" wire:"3"`
	Restart        bool                    `yaml:"restart" wire:"4"`
	UpdateStrategy UpdateStrategy          `yaml:"updateStrategy" wire:"5"`
	Dependencies   map[string]AddCondition `yaml:"dependencies,omitempty" wire:"6"`
	Tags           map[string]string       `yaml:"tags,omitempty" wire:"7"`
	AccessRights   AccessRights            `yaml:"accessRights,omitempty" wire:"8"`
}

// Clone returns a deep copy of w, used everywhere old/new snapshots must not
// alias each other's maps (diffing, field-mask apply).
func (w Workload) Clone() Workload {
	cp := w
	if w.Dependencies != nil {
		cp.Dependencies = make(map[string]AddCondition, len(w.Dependencies))
		for k, v := range w.Dependencies {
			cp.Dependencies[k] = v
		}
	}
	if w.Tags != nil {
		cp.Tags = make(map[string]string, len(w.Tags))
		for k, v := range w.Tags {
			cp.Tags[k] = v
		}
	}
	cp.AccessRights.Allow = append([]AccessRule(nil), w.AccessRights.Allow...)
	cp.AccessRights.Deny = append([]AccessRule(nil), w.AccessRights.Deny...)
	return cp
}

// Cronjob binds a cron schedule to an existing workload name. No scheduling
// behavior is attached to it in this core (spec §9 Open Question) — it is
// stored, round-tripped, and schedule-string validated only.
type Cronjob struct {
	Workload string `yaml:"workload" wire:"1"`
	Schedule string `yaml:"schedule" wire:"2"`
}

// ValidateSchedule parses Schedule with the standard 5-field cron grammar,
// returning a descriptive error if it is malformed. It never causes anything
// to be scheduled — see the Cronjob type comment.
func (c Cronjob) ValidateSchedule() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("cronjob %q: invalid schedule %q: %w", c.Workload, c.Schedule, err)
	}
	return nil
}

// State is the declarative desired (or current) state of the whole fleet.
type State struct {
	Workloads map[string]Workload `yaml:"workloads,omitempty" wire:"1"`
	Configs   map[string]string   `yaml:"configs,omitempty" wire:"2"`
	Cronjobs  map[string]Cronjob  `yaml:"cronjobs,omitempty" wire:"3"`
}

// NewState returns a State with all maps initialized (never nil), so callers
// never have to nil-check before indexing.
func NewState() State {
	return State{
		Workloads: make(map[string]Workload),
		Configs:   make(map[string]string),
		Cronjobs:  make(map[string]Cronjob),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	cp := NewState()
	for name, w := range s.Workloads {
		cp.Workloads[name] = w.Clone()
	}
	for k, v := range s.Configs {
		cp.Configs[k] = v
	}
	for name, c := range s.Cronjobs {
		cp.Cronjobs[name] = c
	}
	return cp
}

// Validate enforces the State invariants from spec §3: dependency names
// must reference workloads present in the same State, the dependency graph
// must be acyclic, and every Cronjob must reference an existing workload.
func (s State) Validate() error {
	for name, w := range s.Workloads {
		for dep := range w.Dependencies {
			if _, ok := s.Workloads[dep]; !ok {
				return fmt.Errorf("workload %q depends on unknown workload %q", name, dep)
			}
		}
	}
	if cycle := findCycle(s.Workloads); cycle != nil {
		return fmt.Errorf("dependency cycle detected: %v", cycle)
	}
	for name, cj := range s.Cronjobs {
		if _, ok := s.Workloads[cj.Workload]; !ok {
			return fmt.Errorf("cronjob %q references unknown workload %q", name, cj.Workload)
		}
		if err := cj.ValidateSchedule(); err != nil {
			return err
		}
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency adjacency list and
// returns the first cycle found (as a slice of workload names), or nil if
// the graph is acyclic. Adjacency is keyed by workload name, per spec §9
// design note ("store graph as adjacency lists keyed by workload name").
func findCycle(workloads map[string]Workload) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(workloads))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)
		for dep := range workloads[name].Dependencies {
			switch color[dep] {
			case gray:
				// Found the back edge — extract the cycle from path.
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append([]string(nil), path[start:]...)
				cycle = append(cycle, dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for name := range workloads {
		if color[name] == white {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

// WorkloadStateKey identifies one authoritative WorkloadState entry.
type WorkloadStateKey struct {
	WorkloadName string
	AgentName    string
}

// WorkloadState is the last execution state reported for a single
// (workloadName, agentName) pair, timestamped by the reporting agent.
type WorkloadState struct {
	WorkloadName string                 `wire:"1"`
	AgentName    string                 `wire:"2"`
	State        ExecutionState         `wire:"3"`
	ObservedAt   *timestamppb.Timestamp `wire:"4"`
}

// Key returns the (workloadName, agentName) identity of ws.
func (ws WorkloadState) Key() WorkloadStateKey {
	return WorkloadStateKey{WorkloadName: ws.WorkloadName, AgentName: ws.AgentName}
}

// CompleteState is the triple returned in full-state queries: the immutable
// startup snapshot, the live current state, and the aggregated execution
// states of every known workload.
//
// WorkloadStates is keyed workloadName -> agentName -> ExecutionState rather
// than by a composite struct key, so it round-trips cleanly through the
// field-mask engine's generic YAML tree (map keys there must be strings) and
// so a mask like "workloadStates.nginx.agent_a" addresses a single entry the
// same way "currentState.workloads.nginx" does.
type CompleteState struct {
	StartupState   State                                `yaml:"startupState" wire:"1"`
	CurrentState   State                                `yaml:"currentState" wire:"2"`
	WorkloadStates map[string]map[string]ExecutionState `yaml:"workloadStates,omitempty" wire:"3"`
}

// NewCompleteState returns a CompleteState with every map initialized.
func NewCompleteState() CompleteState {
	return CompleteState{
		StartupState:   NewState(),
		CurrentState:   NewState(),
		WorkloadStates: make(map[string]map[string]ExecutionState),
	}
}

// SetWorkloadState records the execution state for (workloadName, agentName),
// creating the inner map if necessary.
func (cs *CompleteState) SetWorkloadState(workloadName, agentName string, state ExecutionState) {
	if cs.WorkloadStates == nil {
		cs.WorkloadStates = make(map[string]map[string]ExecutionState)
	}
	inner, ok := cs.WorkloadStates[workloadName]
	if !ok {
		inner = make(map[string]ExecutionState)
		cs.WorkloadStates[workloadName] = inner
	}
	inner[agentName] = state
}

// AddedWorkload is one entry in an UpdateWorkload batch sent to an agent: a
// workload (by name) the agent should start managing.
type AddedWorkload struct {
	Name     string   `wire:"1"`
	Workload Workload `wire:"2"`
}

// DeletedWorkload is one entry in an UpdateWorkload batch sent to an agent: a
// workload (by name) the agent should stop managing, with the translated
// DeleteCondition(s) contributed by the workloads that depended on it.
type DeletedWorkload struct {
	Name              string                     `wire:"1"`
	DependantsDeleted map[string]DeleteCondition `wire:"2"`
}
