// Package toolclient invokes operations on supervised tool servers. Every
// invocation carries its own id, so any number may be in flight per server
// and responses may arrive in any order.
package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/rpc"
	"github.com/chukul/cloudchat/internal/supervisor"
)

const cancelNotifyTimeout = time.Second

// Outcome is the terminal result of an invocation.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Invocation is the record of one tool call.
type Invocation struct {
	ID        string         `json:"id"`
	Server    string         `json:"server"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Outcome   Outcome        `json:"outcome"`
	Error     string         `json:"error,omitempty"`
}

// Result is a successful tool response.
type Result struct {
	Text       string
	Structured any
	Raw        *mcp.CallToolResult
}

// Supervisor is the part of the supervisor the client relies on. The client
// never changes a server's lifecycle beyond asking for it to be running or
// checked.
type Supervisor interface {
	EnsureRunning(ctx context.Context, id string) error
	HealthCheck(ctx context.Context, id string) supervisor.State
	Session(id string) (supervisor.Session, error)
}

// Observer is told about every finished invocation.
type Observer interface {
	InvocationFinished(server, operation string, outcome Outcome, d time.Duration)
}

type Options struct {
	DefaultTimeout time.Duration
	// ServerTimeouts overrides DefaultTimeout per server.
	ServerTimeouts map[string]time.Duration
	HistorySize    int
	// TimeoutThreshold consecutive timeouts against a server trigger a
	// health check.
	TimeoutThreshold int
	Observer         Observer
	Now              func() time.Time
}

type Client struct {
	sup  Supervisor
	opts Options

	mu       sync.Mutex
	inflight map[string]*Handle
	history  []Invocation
	timeouts map[string]int
	catalog  map[string]catalogEntry
}

type catalogEntry struct {
	generation int
	tools      []*mcp.Tool
}

func New(sup Supervisor, opts Options) *Client {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.TimeoutThreshold <= 0 {
		opts.TimeoutThreshold = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		sup:      sup,
		opts:     opts,
		inflight: map[string]*Handle{},
		timeouts: map[string]int{},
		catalog:  map[string]catalogEntry{},
	}
}

// Handle is an invocation in flight.
type Handle struct {
	client *Client
	conn   *rpc.Conn
	cancel context.CancelFunc
	done   chan struct{}

	// Guarded by client.mu.
	inv    Invocation
	result *Result
	err    error
}

func (h *Handle) ID() string { return h.inv.ID }

// Done is closed once the outcome is set.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the invocation has an outcome.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	return h.result, h.err
}

// Outcome returns the current outcome.
func (h *Handle) Outcome() Outcome {
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	return h.inv.Outcome
}

// Cancel marks the invocation Cancelled right away and asks the server to
// stop working on it. The server may ignore the request.
func (h *Handle) Cancel() {
	c := h.client
	op := h.inv.Server + ":" + h.inv.Operation
	if !c.settle(h, OutcomeCancelled, nil, apperr.Cancelled(op)) {
		return
	}
	h.cancel()
	go c.notifyCancelled(h.conn, h.inv.ID, "cancelled by user")
}

// Invoke calls operation on server and waits up to timeout for the result.
// A zero timeout uses the server's configured timeout.
func (c *Client) Invoke(ctx context.Context, server, operation string, params map[string]any, timeout time.Duration) (*Result, error) {
	h, err := c.Start(ctx, server, operation, params, timeout)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// Start sends an invocation and returns without waiting for its response.
// Cancelling ctx cancels the invocation.
func (c *Client) Start(ctx context.Context, server, operation string, params map[string]any, timeout time.Duration) (*Handle, error) {
	op := server + ":" + operation
	if timeout <= 0 {
		timeout = c.timeoutFor(server)
	}

	conn, _, err := c.ready(ctx, server)
	if err != nil {
		c.recordRejected(server, operation, params, err)
		return nil, err
	}

	if params == nil {
		params = map[string]any{}
	}
	args, err := json.Marshal(params)
	if err != nil {
		err = apperr.Validation(op, "arguments cannot be encoded: %v", err)
		c.recordRejected(server, operation, params, err)
		return nil, err
	}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	h := &Handle{
		client: c,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		inv: Invocation{
			ID:        rpc.NewID(),
			Server:    server,
			Operation: operation,
			Params:    params,
			StartedAt: c.opts.Now(),
			Outcome:   OutcomePending,
		},
	}
	c.mu.Lock()
	c.inflight[h.inv.ID] = h
	c.mu.Unlock()

	log.WithFields(log.Fields{"server": server, "operation": operation, "invocation": h.inv.ID}).Debug("invoking tool")

	go func() {
		defer cancel()
		var res mcp.CallToolResult
		err := conn.Call(ictx, h.inv.ID, "tools/call", &mcp.CallToolParams{
			Name:      operation,
			Arguments: json.RawMessage(args),
		}, &res)
		c.complete(ctx, h, &res, err)
	}()
	return h, nil
}

// ready returns the connection of a Ready server, asking the supervisor to
// start it once if needed. A worker running on stale credentials is
// relaunched first.
func (c *Client) ready(ctx context.Context, server string) (*rpc.Conn, int, error) {
	const op = "toolclient.Invoke"
	sess, err := c.sup.Session(server)
	if err != nil {
		return nil, 0, err
	}
	if sess.State == supervisor.StateReady && sess.Conn != nil && !sess.Stale {
		return sess.Conn, sess.Generation, nil
	}
	if err := c.sup.EnsureRunning(ctx, server); err != nil {
		if errors.Is(err, apperr.ErrNotAuthenticated) || errors.Is(err, apperr.ErrServerUnavailable) {
			return nil, 0, err
		}
		return nil, 0, apperr.ServerUnavailable(op, server, err)
	}
	sess, err = c.sup.Session(server)
	if err != nil {
		return nil, 0, err
	}
	if sess.State != supervisor.StateReady || sess.Conn == nil {
		return nil, 0, apperr.ServerUnavailable(op, server, fmt.Errorf("server %q is %s", server, sess.State))
	}
	return sess.Conn, sess.Generation, nil
}

func (c *Client) complete(parent context.Context, h *Handle, res *mcp.CallToolResult, err error) {
	op := h.inv.Server + ":" + h.inv.Operation
	server := h.inv.Server

	var rerr *rpc.RemoteError
	switch {
	case err == nil && res.IsError:
		c.settle(h, OutcomeFailed, nil, apperr.ToolFailed(op, errors.New(contentText(res))))
		c.resetTimeouts(server)
	case err == nil:
		c.settle(h, OutcomeSucceeded, &Result{Text: contentText(res), Structured: res.StructuredContent, Raw: res}, nil)
		c.resetTimeouts(server)
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		if c.settle(h, OutcomeTimedOut, nil, apperr.TimedOut(op, fmt.Errorf("no response from %s", server))) {
			c.countTimeout(server)
		}
	case errors.Is(err, context.Canceled), parent.Err() != nil:
		if c.settle(h, OutcomeCancelled, nil, apperr.Cancelled(op)) {
			go c.notifyCancelled(h.conn, h.inv.ID, "caller went away")
		}
	case errors.As(err, &rerr):
		c.settle(h, OutcomeFailed, nil, apperr.ToolFailed(op, errors.New(rerr.Message)))
		c.resetTimeouts(server)
	default:
		// Broken pipe, process exit or an undecodable response.
		c.settle(h, OutcomeFailed, nil, apperr.Transport(op, err))
	}
}

// settle sets the outcome once. It reports whether this call set it.
func (c *Client) settle(h *Handle, outcome Outcome, res *Result, err error) bool {
	c.mu.Lock()
	if h.inv.Outcome != OutcomePending {
		c.mu.Unlock()
		return false
	}
	h.inv.Outcome = outcome
	h.inv.Duration = c.opts.Now().Sub(h.inv.StartedAt)
	h.result, h.err = res, err
	if err != nil {
		h.inv.Error = apperr.UserMessage(err)
	}
	delete(c.inflight, h.inv.ID)
	c.appendHistoryLocked(h.inv)
	inv := h.inv
	c.mu.Unlock()
	close(h.done)

	entry := log.WithFields(log.Fields{
		"server":     inv.Server,
		"operation":  inv.Operation,
		"invocation": inv.ID,
		"outcome":    outcome,
		"duration":   inv.Duration,
	})
	if err != nil {
		entry.WithError(err).Debug("tool invocation finished")
	} else {
		entry.Debug("tool invocation finished")
	}
	if c.opts.Observer != nil {
		c.opts.Observer.InvocationFinished(inv.Server, inv.Operation, outcome, inv.Duration)
	}
	return true
}

func (c *Client) recordRejected(server, operation string, params map[string]any, err error) {
	c.mu.Lock()
	c.appendHistoryLocked(Invocation{
		ID:        rpc.NewID(),
		Server:    server,
		Operation: operation,
		Params:    params,
		StartedAt: c.opts.Now(),
		Outcome:   OutcomeFailed,
		Error:     apperr.UserMessage(err),
	})
	c.mu.Unlock()
	if c.opts.Observer != nil {
		c.opts.Observer.InvocationFinished(server, operation, OutcomeFailed, 0)
	}
}

func (c *Client) appendHistoryLocked(inv Invocation) {
	c.history = append(c.history, inv)
	if over := len(c.history) - c.opts.HistorySize; over > 0 {
		c.history = append([]Invocation(nil), c.history[over:]...)
	}
}

func (c *Client) countTimeout(server string) {
	c.mu.Lock()
	c.timeouts[server]++
	trip := c.timeouts[server] >= c.opts.TimeoutThreshold
	if trip {
		c.timeouts[server] = 0
	}
	c.mu.Unlock()
	if !trip {
		return
	}
	log.WithField("server", server).Warn("repeated timeouts, checking server health")
	go c.sup.HealthCheck(context.Background(), server)
}

func (c *Client) resetTimeouts(server string) {
	c.mu.Lock()
	c.timeouts[server] = 0
	c.mu.Unlock()
}

func (c *Client) notifyCancelled(conn *rpc.Conn, id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelNotifyTimeout)
	defer cancel()
	err := conn.Notify(ctx, "notifications/cancelled", &mcp.CancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		log.WithError(err).WithField("invocation", id).Debug("could not send cancellation")
	}
}

func (c *Client) timeoutFor(server string) time.Duration {
	if d, ok := c.opts.ServerTimeouts[server]; ok && d > 0 {
		return d
	}
	return c.opts.DefaultTimeout
}

// History returns recent finished invocations, oldest first.
func (c *Client) History() []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Invocation(nil), c.history...)
}

// Inflight returns invocations still waiting for a response.
func (c *Client) Inflight() []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Invocation, 0, len(c.inflight))
	for _, h := range c.inflight {
		out = append(out, h.inv)
	}
	return out
}

func contentText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			return string(b)
		}
	}
	return strings.Join(parts, "\n")
}
