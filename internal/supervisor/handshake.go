package supervisor

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chukul/cloudchat/internal/rpc"
	"github.com/chukul/cloudchat/internal/version"
)

const clientName = "cloudchat"

// handshake runs the MCP initialize exchange. A server is only Ready after it
// answered initialize and was told the session is initialized.
func handshake(ctx context.Context, conn *rpc.Conn, protocolVersion string) (*mcp.InitializeResult, error) {
	params := &mcp.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      &mcp.Implementation{Name: clientName, Version: version.Current},
		Capabilities:    &mcp.ClientCapabilities{},
	}
	var res mcp.InitializeResult
	if err := conn.Call(ctx, rpc.NewID(), "initialize", params, &res); err != nil {
		return nil, err
	}
	if res.ProtocolVersion == "" {
		return nil, fmt.Errorf("%w: initialize result has no protocol version", rpc.ErrMalformed)
	}
	if err := conn.Notify(ctx, "notifications/initialized", &mcp.InitializedParams{}); err != nil {
		return nil, err
	}
	return &res, nil
}
