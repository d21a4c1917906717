// Package connection maintains the agent's persistent Control connection to
// the server: it dials, sends the initial AgentHello, forwards
// UpdateWorkload batches to the scheduler, reports workload state changes
// upstream, and periodically polls the server's CompleteState for the
// states of the workloads its assigned workloads depend on. On any
// failure it reconnects with exponential backoff and jitter.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ankaios-go/ankaios/shared/model"
	"github.com/ankaios-go/ankaios/shared/wire"
)

const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	dependencyPollInterval = 2 * time.Second
)

// agentState is the minimal state persisted to disk across restarts — just
// the agent's own name, so it presents the same identity to the server
// after a crash or redeploy instead of being treated as a brand new agent.
type agentState struct {
	AgentName string `json:"agentName"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

func loadState(stateDir string) (*agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("connection: failed to read state: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("connection: failed to parse state: %w", err)
	}
	return &s, nil
}

func saveState(stateDir string, s *agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("connection: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// Scheduler is the subset of agent/internal/scheduler.Scheduler the
// connection layer drives; declared narrowly here so this package doesn't
// import scheduler's runtime.Driver dependency.
type Scheduler interface {
	Apply(update wire.UpdateWorkload)
	UpdateDependencyState(workloadName string, state model.ExecutionState)
}

// Config holds everything needed to connect to the server.
type Config struct {
	ServerAddr   string
	SharedSecret string
	StateDir     string
	AgentName    string
	AgentVersion string
}

// Manager owns the Control stream lifecycle for one agent.
type Manager struct {
	cfg   Config
	sched Scheduler
	log   *zap.Logger

	mu     sync.RWMutex
	client wire.ControlAgentConnectClient

	// pendingDeps is the set of dependency workload names named by any
	// Added workload the connection layer has passed to scheduler.Apply,
	// including dependencies this agent manages itself; names are added and
	// never removed.
	depsMu      sync.Mutex
	pendingDeps map[string]struct{}
}

// New constructs a Manager. Call Run to start the connection loop.
func New(cfg Config, sched Scheduler, log *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		sched:       sched,
		log:         log.Named("connection"),
		pendingDeps: make(map[string]struct{}),
	}
}

// Run starts the reconnect loop. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.log.Info("connection manager stopped")
			return
		}

		m.log.Info("connecting to server", zap.String("addr", m.cfg.ServerAddr))

		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// connect only returns nil if ctx was cancelled mid-stream.
		backoff = backoffInitial
	}
}

func (m *Manager) connect(ctx context.Context) error {
	conn, err := grpc.NewClient(m.cfg.ServerAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		wire.ForceClientCodec(),
	)
	if err != nil {
		return fmt.Errorf("connection: dial: %w", err)
	}
	defer conn.Close()

	streamCtx := ctx
	if m.cfg.SharedSecret != "" {
		streamCtx = metadata.NewOutgoingContext(ctx, metadata.Pairs("ank-secret", m.cfg.SharedSecret))
	}

	client := wire.NewControlClient(conn)
	stream, err := client.AgentConnect(streamCtx)
	if err != nil {
		return fmt.Errorf("connection: open stream: %w", err)
	}

	if err := stream.Send(&wire.ToServer{AgentHello: hostHello(m.cfg.AgentName, m.cfg.AgentVersion)}); err != nil {
		return fmt.Errorf("connection: send hello: %w", err)
	}

	if err := saveState(m.cfg.StateDir, &agentState{AgentName: m.cfg.AgentName}); err != nil {
		m.log.Warn("failed to persist agent state", zap.Error(err))
	}

	m.mu.Lock()
	m.client = stream
	m.mu.Unlock()

	m.log.Info("connected", zap.String("agent", m.cfg.AgentName))

	errCh := make(chan error, 2)
	go func() { errCh <- m.recvLoop(stream) }()
	go func() { errCh <- m.pollDependenciesLoop(ctx, stream) }()

	err = <-errCh
	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// recvLoop reads FromServer messages and dispatches UpdateWorkload batches
// to the scheduler, recording each Added entry's dependency names so the
// poll loop knows what to ask about. Responses to dependency polls are fed
// to the scheduler as dependency states.
func (m *Manager) recvLoop(stream wire.ControlAgentConnectClient) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("connection: server closed stream")
			}
			return fmt.Errorf("connection: recv: %w", err)
		}
		if msg.Response != nil && msg.Response.CompleteState != nil {
			for workloadName, byAgent := range msg.Response.CompleteState.WorkloadStates {
				for _, state := range byAgent {
					m.sched.UpdateDependencyState(workloadName, state)
				}
			}
		}
		if msg.UpdateWorkload == nil {
			continue
		}
		m.trackDependencies(*msg.UpdateWorkload)
		m.sched.Apply(*msg.UpdateWorkload)
	}
}

func (m *Manager) trackDependencies(update wire.UpdateWorkload) {
	m.depsMu.Lock()
	defer m.depsMu.Unlock()
	for _, a := range update.Added {
		for dep := range a.Workload.Dependencies {
			m.pendingDeps[dep] = struct{}{}
		}
	}
}

// pollDependenciesLoop periodically issues a CompleteStateRequest scoped to
// the workloadStates of every dependency this agent's jobs reference
// (locally managed ones included); recvLoop feeds the responses to the
// scheduler so cross-agent AddCondition/DeleteCondition gates can be
// evaluated.
func (m *Manager) pollDependenciesLoop(ctx context.Context, stream wire.ControlAgentConnectClient) error {
	ticker := time.NewTicker(dependencyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.pollOnce(stream); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) pollOnce(stream wire.ControlAgentConnectClient) error {
	m.depsMu.Lock()
	masks := make([]string, 0, len(m.pendingDeps))
	for dep := range m.pendingDeps {
		masks = append(masks, "workloadStates."+dep)
	}
	m.depsMu.Unlock()
	if len(masks) == 0 {
		return nil
	}

	reqID := fmt.Sprintf("%s-dep-poll-%d", m.cfg.AgentName, time.Now().UnixNano())
	if err := stream.Send(&wire.ToServer{Request: &wire.Request{
		RequestID:            reqID,
		CompleteStateRequest: &wire.CompleteStateRequest{FieldMasks: masks},
	}}); err != nil {
		return fmt.Errorf("connection: send dependency poll: %w", err)
	}
	return nil
}

// ReportState sends a workload's current execution state upstream. Safe to
// call concurrently. With a nil client (mid-reconnect) the report is
// dropped; it is not queued or resent, so the server next hears about this
// workload when the scheduler reports its next state change.
func (m *Manager) ReportState(workloadName string, state model.ExecutionState) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return
	}
	err := client.Send(&wire.ToServer{UpdateWorkloadState: &wire.UpdateWorkloadState{
		States: []model.WorkloadState{{
			WorkloadName: workloadName,
			AgentName:    m.cfg.AgentName,
			State:        state,
			ObservedAt:   timestamppb.Now(),
		}},
	}})
	if err != nil {
		m.log.Debug("failed to report workload state, will retry on next observed transition", zap.Error(err))
	}
}

// hostHello builds an AgentHello carrying a best-effort host snapshot; a
// failure to read host/CPU info (sandboxed or minimal containers) degrades
// to empty/zero fields rather than blocking the connection.
func hostHello(name, version string) *wire.AgentHello {
	hello := &wire.AgentHello{AgentName: name, AgentVersion: version}
	if info, err := host.Info(); err == nil {
		hello.HostOS = info.OS
		hello.HostPlatform = info.Platform
	}
	if counts, err := cpu.Counts(true); err == nil {
		hello.CPUCount = int32(counts)
	}
	return hello
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// LoadPersistedAgentName returns the agent name persisted by a previous run
// under stateDir, if any, so the composition root can keep presenting the
// same identity to the server across restarts instead of minting a new one.
func LoadPersistedAgentName(stateDir string) (string, bool) {
	s, err := loadState(stateDir)
	if err != nil || s == nil {
		return "", false
	}
	return s.AgentName, s.AgentName != ""
}
