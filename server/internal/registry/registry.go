// Package registry is the Connection Registry (spec §4.2): it tracks every
// live agent and CLI connection, rejects a second connection from an agent
// name already registered, and routes outbound FromServer envelopes to a
// named agent or to every connected agent at once.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/shared/wire"
)

// ErrDuplicateAgent is returned by RegisterAgent when the name is already
// connected.
var ErrDuplicateAgent = errors.New("registry: agent already connected")

// ErrUnknownAgent is returned by SendToAgent when no connection is
// registered for the given name.
var ErrUnknownAgent = errors.New("registry: unknown agent")

// AgentConn is the registry's view of one agent's outbound stream. It is
// satisfied by the gRPC server-stream wrapper in grpcapi, and by a fake in
// tests.
type AgentConn interface {
	Send(*wire.FromServer) error
}

// CliConn is the registry's view of one CLI connection's outbound stream.
type CliConn interface {
	Send(*wire.FromServer) error
}

// Registry is the single in-memory table of connected agents and CLI
// sessions. The zero value is not usable; construct with New.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	agents map[string]AgentConn
	clis   map[string]CliConn
}

// New returns an empty Registry logging under the given zap.Logger.
func New(log *zap.Logger) *Registry {
	return &Registry{
		log:    log.Named("registry"),
		agents: make(map[string]AgentConn),
		clis:   make(map[string]CliConn),
	}
}

// RegisterAgent adds conn under name. It returns ErrDuplicateAgent without
// replacing the existing entry if name is already connected — spec §4.2
// requires the second connection to be rejected, not to silently evict the
// first.
func (r *Registry) RegisterAgent(name string, conn AgentConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAgent, name)
	}
	r.agents[name] = conn
	r.log.Info("agent registered", zap.String("agent", name))
	return nil
}

// DeregisterAgent removes name's connection, if it is still the one passed
// in (a late deregister from a connection already superseded or rejected is
// a no-op).
func (r *Registry) DeregisterAgent(name string, conn AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[name]; ok && cur == conn {
		delete(r.agents, name)
		r.log.Info("agent deregistered", zap.String("agent", name))
	}
}

// RegisterCli adds conn under connID (typically a freshly generated UUID).
// CLI connections never collide on identity the way agents do, so there is
// no duplicate-rejection path here.
func (r *Registry) RegisterCli(connID string, conn CliConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clis[connID] = conn
	r.log.Debug("cli connected", zap.String("conn_id", connID))
}

// DeregisterCli removes connID's connection.
func (r *Registry) DeregisterCli(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clis, connID)
	r.log.Debug("cli disconnected", zap.String("conn_id", connID))
}

// SendToAgent routes msg to the named agent's stream. Returns ErrUnknownAgent
// if no such agent is currently connected.
func (r *Registry) SendToAgent(name string, msg *wire.FromServer) error {
	r.mu.RLock()
	conn, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return conn.Send(msg)
}

// SendToCli routes msg to one CLI connection by id, ignoring the call if
// that connection has already gone away (a Response racing a client
// disconnect is not an error worth surfacing).
func (r *Registry) SendToCli(connID string, msg *wire.FromServer) error {
	r.mu.RLock()
	conn, ok := r.clis[connID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.Send(msg)
}

// BroadcastToAgents sends msg to every currently connected agent, logging
// (but not aborting on) individual send failures.
func (r *Registry) BroadcastToAgents(msg *wire.FromServer) {
	r.mu.RLock()
	conns := make(map[string]AgentConn, len(r.agents))
	for name, c := range r.agents {
		conns[name] = c
	}
	r.mu.RUnlock()

	for name, conn := range conns {
		if err := conn.Send(msg); err != nil {
			r.log.Warn("broadcast send failed", zap.String("agent", name), zap.Error(err))
		}
	}
}

// IsAgentConnected reports whether name currently has a live connection.
func (r *Registry) IsAgentConnected(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// ConnectedAgents returns the names of every currently connected agent.
func (r *Registry) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}
