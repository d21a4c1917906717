// Package grpcapi is the Control service implementation (spec §4.1): it
// terminates both agent and CLI gRPC connections, delegates connection
// lifecycle to the Connection Registry, authorizes CLI patches through the
// Access Control Filter, and drives the State Manager and Workload-State
// Aggregator on every inbound message.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ankaios-go/ankaios/server/internal/accesscontrol"
	"github.com/ankaios-go/ankaios/server/internal/aggregator"
	"github.com/ankaios-go/ankaios/server/internal/registry"
	"github.com/ankaios-go/ankaios/server/internal/statemgr"
	"github.com/ankaios-go/ankaios/shared/model"
	"github.com/ankaios-go/ankaios/shared/wire"
)

// Config holds the gRPC server's network and auth settings.
type Config struct {
	ListenAddr string
	// SharedSecret, if non-empty, is required in the "ank-secret" metadata
	// key on every connection. Empty disables auth (development only).
	SharedSecret string
}

// Server implements wire.ControlServer.
type Server struct {
	cfg Config
	log *zap.Logger

	reg   *registry.Registry
	state *statemgr.Manager
	agg   *aggregator.Aggregator
}

// New constructs a Server wired to the given registry, state manager, and
// aggregator.
func New(cfg Config, log *zap.Logger, reg *registry.Registry, state *statemgr.Manager, agg *aggregator.Aggregator) *Server {
	return &Server{
		cfg:   cfg,
		log:   log.Named("grpcapi"),
		reg:   reg,
		state: state,
		agg:   agg,
	}
}

// ListenAndServe starts the gRPC server on cfg.ListenAddr and blocks until
// ctx is cancelled, then gracefully drains in-flight streams.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("grpcapi: listen on %s: %w", s.cfg.ListenAddr, err)
	}

	grpcServer := grpc.NewServer(
		wire.ForceServerCodec(),
		grpc.ChainStreamInterceptor(s.authStreamInterceptor),
	)
	wire.RegisterControlServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		s.log.Info("grpc server shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	s.log.Info("grpc server listening", zap.String("addr", s.cfg.ListenAddr))
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpcapi: serve: %w", err)
	}
	return nil
}

func (s *Server) authStreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	_ *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if s.cfg.SharedSecret == "" {
		return handler(srv, ss)
	}
	md, ok := metadata.FromIncomingContext(ss.Context())
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("ank-secret")
	if len(values) == 0 || values[0] != s.cfg.SharedSecret {
		return status.Error(codes.Unauthenticated, "invalid shared secret")
	}
	return handler(srv, ss)
}

// AgentConnect implements wire.ControlServer. The first message on the
// stream must be an AgentHello; every message after that is an
// UpdateWorkloadState report, a Request (answered with a Response on the
// same stream), or a Goodbye.
func (s *Server) AgentConnect(stream wire.ControlAgentConnectServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.AgentHello == nil {
		return status.Error(codes.InvalidArgument, "first message must be AgentHello")
	}
	name := first.AgentHello.AgentName
	log := s.log.With(
		zap.String("agent", name),
		zap.String("agent_version", first.AgentHello.AgentVersion),
		zap.String("host_os", first.AgentHello.HostOS),
		zap.String("host_platform", first.AgentHello.HostPlatform),
		zap.Int32("cpu_count", first.AgentHello.CPUCount),
	)

	if err := s.reg.RegisterAgent(name, stream); err != nil {
		log.Warn("rejecting duplicate agent connection", zap.Error(err))
		return status.Errorf(codes.AlreadyExists, "agent %q already connected", name)
	}
	defer func() {
		s.reg.DeregisterAgent(name, stream)
		s.agg.EvictAgent(name)
	}()
	log.Info("agent connected")

	if err := s.sendInitialAssignment(name, stream); err != nil {
		log.Warn("failed to send initial assignment", zap.Error(err))
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("agent disconnected")
				return nil
			}
			return err
		}

		switch {
		case msg.UpdateWorkloadState != nil:
			for _, ws := range msg.UpdateWorkloadState.States {
				s.state.RecordWorkloadState(ws.WorkloadName, ws.AgentName, ws.State)
			}
		case msg.Request != nil:
			// Agents reuse the same Request/Response path CLIs use, to poll
			// for the current state of workloads their own scheduler's
			// dependency gates reference but that live on other agents.
			resp := s.handleRequest(msg.Request)
			if err := stream.Send(&wire.FromServer{Response: resp}); err != nil {
				return err
			}
		case msg.Goodbye != nil:
			log.Info("agent said goodbye")
			return nil
		}
	}
}

// sendInitialAssignment pushes every workload currently assigned to name as
// an Added entry, so a (re)connecting agent is brought fully up to date
// instead of waiting for the next incremental UpdateState diff.
func (s *Server) sendInitialAssignment(name string, stream wire.ControlAgentConnectServer) error {
	complete, err := s.state.GetCompleteState(nil)
	if err != nil {
		return err
	}
	var added []model.AddedWorkload
	for workloadName, w := range complete.CurrentState.Workloads {
		if w.Agent == name {
			added = append(added, model.AddedWorkload{Name: workloadName, Workload: w})
		}
	}
	if len(added) == 0 {
		return nil
	}
	return stream.Send(&wire.FromServer{UpdateWorkload: &wire.UpdateWorkload{Added: added}})
}

// CliConnect implements wire.ControlServer. Every inbound message is a
// Request, answered in place with a Response carrying the same RequestID.
func (s *Server) CliConnect(stream wire.ControlCliConnectServer) error {
	connID := uuid.NewString()
	log := s.log.With(zap.String("cli_conn", connID))
	s.reg.RegisterCli(connID, stream)
	defer s.reg.DeregisterCli(connID)
	log.Debug("cli connected")

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Request == nil {
			continue
		}
		resp := s.handleRequest(msg.Request)
		if err := stream.Send(&wire.FromServer{Response: resp}); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(req *wire.Request) *wire.Response {
	resp := &wire.Response{RequestID: req.RequestID}

	switch {
	case req.CompleteStateRequest != nil:
		cs, err := s.state.GetCompleteState(req.CompleteStateRequest.FieldMasks)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.CompleteState = &cs

	case req.UpdateStateRequest != nil:
		if err := s.authorizeUpdate(req.UpdateStateRequest); err != nil {
			resp.Error = err.Error()
			return resp
		}
		updates, err := s.state.UpdateState(req.UpdateStateRequest.NewState, req.UpdateStateRequest.UpdateMask)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		for _, u := range updates {
			if err := s.reg.SendToAgent(u.AgentName, &wire.FromServer{UpdateWorkload: &u.Update}); err != nil {
				s.log.Debug("agent not connected, assignment will be sent on reconnect",
					zap.String("agent", u.AgentName), zap.Error(err))
			}
		}

	default:
		resp.Error = "empty request"
	}
	return resp
}

// authorizeUpdate runs the Access Control Filter (spec §4.4) over every
// update-mask path that falls under a specific workload's namespace,
// checked against that workload's own AccessRights — a workload governs
// what mutations may be made to its own entry. Paths outside any workload's
// namespace (configs, cronjobs, or a wholesale replace) are not currently
// scoped by any AccessRights object and are admitted unchecked; see
// DESIGN.md for this Open Question's resolution.
func (s *Server) authorizeUpdate(req *wire.UpdateStateRequest) error {
	complete, err := s.state.GetCompleteState(nil)
	if err != nil {
		return err
	}
	oldState := complete.CurrentState
	newState, err := applyPreview(oldState, req.NewState, req.UpdateMask)
	if err != nil {
		return err
	}

	for _, path := range req.UpdateMask {
		name, ok := workloadNameFromPath(path)
		if !ok {
			continue
		}
		rights, ok := workloadRights(oldState, newState, name)
		if !ok {
			continue
		}
		if err := accesscontrol.Authorize(rights, oldState, newState, []string{path}); err != nil {
			return err
		}
	}
	return nil
}

func workloadNameFromPath(path string) (string, bool) {
	const prefix = "workloads."
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	name, _, _ := strings.Cut(rest, ".")
	if name == "" {
		return "", false
	}
	return name, true
}

// workloadRights returns the AccessRights governing name: those of the
// existing workload when there is one, so a patch cannot lift its own
// rules, otherwise those of the workload the patch adds.
func workloadRights(oldState, newState model.State, name string) (model.AccessRights, bool) {
	if w, ok := oldState.Workloads[name]; ok {
		return w.AccessRights, true
	}
	if w, ok := newState.Workloads[name]; ok {
		return w.AccessRights, true
	}
	return model.AccessRights{}, false
}
