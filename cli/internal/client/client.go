// Package client is a thin synchronous wrapper around the Control service's
// CliConnect stream: it opens one stream, sends a single Request, waits for
// the matching Response, and closes. Ankaios' own CLI keeps a stream open
// across a whole session; this core's CLI surface is intentionally minimal
// (spec §6's "the exact command set is out of scope"), so one request per
// process invocation is enough to exercise the wire protocol end to end.
package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/ankaios-go/ankaios/shared/model"
	"github.com/ankaios-go/ankaios/shared/wire"
)

// Config holds the connection settings shared by every ank-cli invocation.
type Config struct {
	ServerAddr   string
	SharedSecret string
}

// Client issues one Request/Response round trip per call against the
// Control service's CliConnect stream.
type Client struct {
	cfg Config
}

// New constructs a Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) dial(ctx context.Context) (wire.ControlCliConnectClient, func(), error) {
	conn, err := grpc.NewClient(c.cfg.ServerAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		wire.ForceClientCodec(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("client: dial: %w", err)
	}

	streamCtx := ctx
	if c.cfg.SharedSecret != "" {
		streamCtx = metadata.NewOutgoingContext(ctx, metadata.Pairs("ank-secret", c.cfg.SharedSecret))
	}

	stream, err := wire.NewControlClient(conn).CliConnect(streamCtx)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("client: open stream: %w", err)
	}
	return stream, func() { conn.Close() }, nil
}

// roundTrip sends req and returns the Response carrying the same RequestID.
func (c *Client) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	stream, closeFn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if err := stream.Send(&wire.ToServer{Request: req}); err != nil {
		return nil, fmt.Errorf("client: send request: %w", err)
	}
	for {
		msg, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("client: recv response: %w", err)
		}
		if msg.Response == nil || msg.Response.RequestID != req.RequestID {
			continue
		}
		return msg.Response, nil
	}
}

// GetCompleteState requests the state projected through fieldMasks (empty
// means the whole tree).
func (c *Client) GetCompleteState(ctx context.Context, fieldMasks []string) (model.CompleteState, error) {
	resp, err := c.roundTrip(ctx, &wire.Request{
		RequestID:            uuid.NewString(),
		CompleteStateRequest: &wire.CompleteStateRequest{FieldMasks: fieldMasks},
	})
	if err != nil {
		return model.CompleteState{}, err
	}
	if resp.Error != "" {
		return model.CompleteState{}, fmt.Errorf("server: %s", resp.Error)
	}
	if resp.CompleteState == nil {
		return model.CompleteState{}, fmt.Errorf("client: empty response")
	}
	return *resp.CompleteState, nil
}

// ApplyState sends newState as a masked (or wholesale, if mask is empty)
// patch to the server's current state.
func (c *Client) ApplyState(ctx context.Context, newState model.State, mask []string) error {
	resp, err := c.roundTrip(ctx, &wire.Request{
		RequestID: uuid.NewString(),
		UpdateStateRequest: &wire.UpdateStateRequest{
			NewState:   newState,
			UpdateMask: mask,
		},
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("server: %s", resp.Error)
	}
	return nil
}
