package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Conn, mcp.Connection) {
	t.Helper()
	ctx := context.Background()
	clientT, serverT := mcp.NewInMemoryTransports()
	c, err := Dial(ctx, clientT, "test")
	require.NoError(t, err)
	srv, err := serverT.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return c, srv
}

func readRequest(t *testing.T, srv mcp.Connection) *jsonrpc.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := srv.Read(ctx)
	require.NoError(t, err)
	req, ok := msg.(*jsonrpc.Request)
	require.True(t, ok, "expected a request, got %T", msg)
	return req
}

func reply(t *testing.T, srv mcp.Connection, id jsonrpc.ID, result any) {
	t.Helper()
	b, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, srv.Write(context.Background(), &jsonrpc.Response{ID: id, Result: b}))
}

type echo struct {
	Value string `json:"value"`
}

func TestCallRoundTrip(t *testing.T) {
	c, srv := newPair(t)

	go func() {
		req := readRequest(t, srv)
		var in echo
		_ = json.Unmarshal(req.Params, &in)
		reply(t, srv, req.ID, echo{Value: req.Method + ":" + in.Value})
	}()

	var out echo
	err := c.Call(context.Background(), NewID(), "echo", echo{Value: "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", out.Value)
	assert.Equal(t, 0, c.Pending())
}

func TestResponsesInReverseOrder(t *testing.T) {
	c, srv := newPair(t)

	go func() {
		first := readRequest(t, srv)
		second := readRequest(t, srv)
		for _, req := range []*jsonrpc.Request{second, first} {
			var in echo
			_ = json.Unmarshal(req.Params, &in)
			reply(t, srv, req.ID, in)
		}
	}()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, v := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out echo
			if err := c.Call(context.Background(), NewID(), "echo", echo{Value: v}, &out); err == nil {
				results[i] = out.Value
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"alpha", "beta"}, results)
}

func TestCallTimeoutDiscardsLateResponse(t *testing.T) {
	c, srv := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	late := make(chan jsonrpc.ID, 1)
	go func() { late <- readRequest(t, srv).ID }()

	err := c.Call(ctx, NewID(), "slow", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())

	reply(t, srv, <-late, echo{Value: "too late"})

	go func() {
		req := readRequest(t, srv)
		reply(t, srv, req.ID, echo{Value: "fresh"})
	}()
	var out echo
	require.NoError(t, c.Call(context.Background(), NewID(), "fast", nil, &out))
	assert.Equal(t, "fresh", out.Value)
}

func TestRemoteError(t *testing.T) {
	c, srv := newPair(t)

	go func() {
		req := readRequest(t, srv)
		_ = srv.Write(context.Background(), &jsonrpc.Response{
			ID:    req.ID,
			Error: &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "missing region"},
		})
	}()

	err := c.Call(context.Background(), NewID(), "tools/call", nil, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.EqualValues(t, jsonrpc.CodeInvalidParams, remote.Code)
	assert.Equal(t, "missing region", remote.Message)
}

func TestMalformedResult(t *testing.T) {
	c, srv := newPair(t)

	go func() {
		req := readRequest(t, srv)
		reply(t, srv, req.ID, "not an object")
	}()

	var out echo
	err := c.Call(context.Background(), NewID(), "echo", nil, &out)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	c, srv := newPair(t)

	go func() {
		readRequest(t, srv)
		srv.Close()
	}()

	err := c.Call(context.Background(), NewID(), "hang", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	<-c.Done()

	err = c.Call(context.Background(), NewID(), "after", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Notify(context.Background(), "notifications/cancelled", nil), ErrClosed)
}

func TestAnswersServerPing(t *testing.T) {
	_, srv := newPair(t)

	id, err := jsonrpc.MakeID("server-1")
	require.NoError(t, err)
	require.NoError(t, srv.Write(context.Background(), &jsonrpc.Request{ID: id, Method: "ping"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := srv.Read(ctx)
	require.NoError(t, err)
	resp, ok := msg.(*jsonrpc.Response)
	require.True(t, ok)
	assert.Equal(t, "server-1", resp.ID.Raw())
	assert.NoError(t, resp.Error)
}

func TestDuplicateIDRejected(t *testing.T) {
	c, srv := newPair(t)
	go func() {
		req := readRequest(t, srv)
		time.Sleep(50 * time.Millisecond)
		reply(t, srv, req.ID, echo{})
	}()

	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "fixed", "a", nil, nil) }()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Error(t, c.Call(context.Background(), "fixed", "b", nil, nil))
	assert.NoError(t, <-done)
}
