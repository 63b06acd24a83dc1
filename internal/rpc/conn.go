// Package rpc multiplexes JSON-RPC calls to a tool server over a single
// connection. Responses are matched to callers by request id only, so any
// number of calls may be outstanding and may complete in any order.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned for calls on, or pending when, the connection closed.
var ErrClosed = errors.New("connection closed")

// ErrMalformed wraps a response that could not be decoded.
var ErrMalformed = errors.New("malformed response")

// RemoteError is a JSON-RPC error returned by the peer.
type RemoteError struct {
	Code    int64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Conn is a client-side JSON-RPC connection. It is safe for concurrent use.
type Conn struct {
	conn mcp.Connection

	mu      sync.Mutex
	pending map[string]chan *jsonrpc.Response
	err     error

	done      chan struct{}
	closeOnce sync.Once
	label     string
}

// Dial connects the transport and starts reading responses.
func Dial(ctx context.Context, t mcp.Transport, label string) (*Conn, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, label), nil
}

// NewConn takes ownership of conn. label appears in log fields.
func NewConn(conn mcp.Connection, label string) *Conn {
	c := &Conn{
		conn:    conn,
		pending: map[string]chan *jsonrpc.Response{},
		done:    make(chan struct{}),
		label:   label,
	}
	go c.readLoop()
	return c
}

// NewID returns a fresh request id.
func NewID() string {
	return uuid.NewString()
}

// Call sends a request with the given id and waits for its response or for ctx
// to end. When ctx ends first the pending entry is dropped and a late response
// is discarded. result may be nil.
func (c *Conn) Call(ctx context.Context, id, method string, params, result any) error {
	rid, err := jsonrpc.MakeID(id)
	if err != nil {
		return err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	ch := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return fmt.Errorf("request id %q already in flight", id)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.Write(ctx, &jsonrpc.Request{ID: rid, Method: method, Params: raw}); err != nil {
		c.forget(id)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: write %s: %v", ErrClosed, method, err)
	}

	select {
	case resp := <-ch:
		return decodeResponse(resp, result)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		c.forget(id)
		// A response may have raced the close.
		select {
		case resp := <-ch:
			return decodeResponse(resp, result)
		default:
		}
		return c.Err()
	}
}

// Notify sends a notification. It does not wait for anything.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	if err := c.Err(); err != nil {
		return err
	}
	if err := c.conn.Write(ctx, &jsonrpc.Request{Method: method, Params: raw}); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrClosed, method, err)
	}
	return nil
}

// Pending reports the number of calls waiting for a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection stops reading.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.pending = map[string]chan *jsonrpc.Response{}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	ctx := context.Background()
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			c.deliver(m)
		case *jsonrpc.Request:
			c.handleRequest(ctx, m)
		}
	}
}

func (c *Conn) deliver(resp *jsonrpc.Response) {
	id, ok := resp.ID.Raw().(string)
	if !ok {
		log.WithFields(log.Fields{"server": c.label, "id": resp.ID.Raw()}).Warn("dropping response with unexpected id")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		log.WithFields(log.Fields{"server": c.label, "id": id}).Debug("discarding late response")
		return
	}
	ch <- resp
}

// handleRequest answers requests the server sends us. Only ping is supported.
func (c *Conn) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	if !req.IsCall() {
		log.WithFields(log.Fields{"server": c.label, "method": req.Method}).Debug("server notification")
		return
	}
	resp := &jsonrpc.Response{ID: req.ID}
	if req.Method == "ping" {
		resp.Result = json.RawMessage("{}")
	} else {
		resp.Error = &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not supported: " + req.Method}
	}
	if err := c.conn.Write(ctx, resp); err != nil {
		log.WithError(err).WithField("server", c.label).Debug("failed to answer server request")
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return b, nil
}

func decodeResponse(resp *jsonrpc.Response, result any) error {
	if resp.Error != nil {
		var wire *jsonrpc.Error
		if errors.As(resp.Error, &wire) {
			return &RemoteError{Code: wire.Code, Message: wire.Message}
		}
		return &RemoteError{Message: resp.Error.Error()}
	}
	if result == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%w: empty result", ErrMalformed)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
