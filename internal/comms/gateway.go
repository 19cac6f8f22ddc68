package comms

import (
	"context"

	"github.com/crewline/crewline/internal/gateway"
)

// clientGateway adapts *gateway.Client to the Gateway interface. Only
// Subscribe needs adapting: its concrete return type becomes a Stream.
type clientGateway struct {
	c *gateway.Client
}

// WrapGateway exposes a store client as the controller's Gateway.
func WrapGateway(c *gateway.Client) Gateway {
	return clientGateway{c: c}
}

func (g clientGateway) Subscribe(ctx context.Context, crewID string) (Stream, error) {
	return g.c.Subscribe(ctx, crewID)
}

func (g clientGateway) Write(ctx context.Context, wr *gateway.WriteRequest) (*gateway.WriteResult, error) {
	return g.c.Write(ctx, wr)
}

func (g clientGateway) MarkRead(ctx context.Context, crewID, messageID, memberID string) error {
	return g.c.MarkRead(ctx, crewID, messageID, memberID)
}

func (g clientGateway) Members(ctx context.Context, crewID string) ([]string, error) {
	return g.c.Members(ctx, crewID)
}
