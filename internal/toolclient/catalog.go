package toolclient

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/rpc"
)

const listTimeout = 10 * time.Second

// maxPages bounds tools/list pagination against servers that never stop
// returning cursors.
const maxPages = 50

// ListTools returns the operations a server offers. The list is cached until
// the server is restarted.
func (c *Client) ListTools(ctx context.Context, server string) ([]*mcp.Tool, error) {
	const op = "toolclient.ListTools"
	conn, gen, err := c.ready(ctx, server)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	entry, ok := c.catalog[server]
	c.mu.Unlock()
	if ok && entry.generation == gen {
		return entry.tools, nil
	}

	lctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	var (
		tools  []*mcp.Tool
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		var res mcp.ListToolsResult
		err := conn.Call(lctx, rpc.NewID(), "tools/list", &mcp.ListToolsParams{Cursor: cursor}, &res)
		if err != nil {
			return nil, classify(ctx, op, err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	c.mu.Lock()
	c.catalog[server] = catalogEntry{generation: gen, tools: tools}
	c.mu.Unlock()
	return tools, nil
}

// Tool looks up one operation by name.
func (c *Client) Tool(ctx context.Context, server, name string) (*mcp.Tool, error) {
	tools, err := c.ListTools(ctx, server)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, apperr.NotFound("toolclient.Tool", "server %q has no operation %q", server, name)
}

func classify(ctx context.Context, op string, err error) error {
	var rerr *rpc.RemoteError
	switch {
	case ctx.Err() != nil:
		return apperr.Cancelled(op)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.TimedOut(op, err)
	case errors.As(err, &rerr):
		return apperr.ToolFailed(op, err)
	default:
		return apperr.Transport(op, err)
	}
}
