// Package supervisortest provides an in-memory Launcher backed by real MCP
// servers, for tests of code that talks to tool servers.
package supervisortest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chukul/cloudchat/internal/rpc"
	"github.com/chukul/cloudchat/internal/supervisor"
)

// Launcher starts in-memory MCP servers. The zero value serves NewServer.
type Launcher struct {
	// Server builds the server for a launch. Defaults to NewServer.
	Server func(spec supervisor.Spec) *mcp.Server
	// Err, when set, fails every launch.
	Err error
	// Gate, when set, holds every launch until it is closed or the launch
	// context ends.
	Gate chan struct{}
	// Drop lists methods that new workers silently ignore.
	Drop []string

	mu       sync.Mutex
	launches int
	workers  []*Worker
	envs     [][]string
}

func (l *Launcher) Launch(ctx context.Context, spec supervisor.Spec, env []string) (supervisor.Worker, error) {
	l.mu.Lock()
	l.launches++
	l.envs = append(l.envs, env)
	gate, launchErr, drop := l.Gate, l.Err, append([]string(nil), l.Drop...)
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if launchErr != nil {
		return nil, launchErr
	}

	build := l.Server
	if build == nil {
		build = NewServer
	}
	w, err := Start(ctx, spec.ID, build(spec), drop...)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.workers = append(l.workers, w)
	l.mu.Unlock()
	return w, nil
}

// Launches counts Launch calls, including failed ones.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Last returns the most recently started worker.
func (l *Launcher) Last() *Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.workers) == 0 {
		return nil
	}
	return l.workers[len(l.workers)-1]
}

// LastEnv returns the environment of the most recent launch.
func (l *Launcher) LastEnv() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.envs) == 0 {
		return nil
	}
	return l.envs[len(l.envs)-1]
}

// Worker is an in-memory tool server.
type Worker struct {
	conn    *rpc.Conn
	session *mcp.ServerSession
	filter  *filterConn

	once    sync.Once
	stopped chan struct{}
}

// Start connects a client to server over in-memory pipes.
func Start(ctx context.Context, label string, server *mcp.Server, drop ...string) (*Worker, error) {
	clientT, serverT := mcp.NewInMemoryTransports()
	ft := &filterTransport{inner: serverT, drop: map[string]bool{}}
	for _, m := range drop {
		ft.drop[m] = true
	}
	session, err := server.Connect(ctx, ft, nil)
	if err != nil {
		return nil, err
	}
	conn, err := rpc.Dial(ctx, clientT, label)
	if err != nil {
		session.Close()
		return nil, err
	}
	return &Worker{conn: conn, session: session, filter: ft.conn, stopped: make(chan struct{})}, nil
}

func (w *Worker) Conn() *rpc.Conn { return w.conn }

func (w *Worker) PID() int { return 0 }

func (w *Worker) Stop() error {
	w.once.Do(func() {
		w.conn.Close()
		w.session.Close()
		close(w.stopped)
	})
	return nil
}

// Stopped is closed once Stop was called.
func (w *Worker) Stopped() <-chan struct{} { return w.stopped }

// Crash closes the server end, as if the process died.
func (w *Worker) Crash() {
	w.session.Close()
}

// Mute makes the server ignore method from now on.
func (w *Worker) Mute(method string) { w.filter.set(method, true) }

// Unmute undoes Mute.
func (w *Worker) Unmute(method string) { w.filter.set(method, false) }

type filterTransport struct {
	inner mcp.Transport
	drop  map[string]bool
	conn  *filterConn
}

func (t *filterTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	c, err := t.inner.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = &filterConn{Connection: c, drop: t.drop}
	return t.conn, nil
}

// filterConn drops incoming requests for muted methods.
type filterConn struct {
	mcp.Connection
	mu   sync.Mutex
	drop map[string]bool
}

func (c *filterConn) set(method string, on bool) {
	c.mu.Lock()
	c.drop[method] = on
	c.mu.Unlock()
}

func (c *filterConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	for {
		msg, err := c.Connection.Read(ctx)
		if err != nil {
			return nil, err
		}
		if req, ok := msg.(*jsonrpc.Request); ok {
			c.mu.Lock()
			skip := c.drop[req.Method]
			c.mu.Unlock()
			if skip {
				continue
			}
		}
		return msg, nil
	}
}

type echoArgs struct {
	Text string `json:"text"`
}

type sleepArgs struct {
	Millis int `json:"millis"`
}

// NewServer returns a server with three tools: echo returns its "text"
// argument, sleep waits "millis" milliseconds, and fail always reports a tool
// error.
func NewServer(spec supervisor.Spec) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: spec.ID, Version: "test"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "Echo the text argument",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args echoArgs
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: args.Text}}}, nil
	})
	server.AddTool(&mcp.Tool{
		Name:        "sleep",
		Description: "Sleep for a while",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"millis": map[string]any{"type": "integer"}},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args sleepArgs
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(args.Millis) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("slept %dms", args.Millis)}}}, nil
	})
	server.AddTool(&mcp.Tool{
		Name:        "fail",
		Description: "Always fails",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "this tool always fails"}},
		}, nil
	})
	return server
}
