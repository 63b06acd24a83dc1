// Package agent turns a user request into tool invocations and an answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/sso"
	"github.com/chukul/cloudchat/internal/toolclient"
)

const defaultFanOut = 4

// Call is one planned tool invocation.
type Call struct {
	Server    string         `json:"server"`
	Operation string         `json:"operation"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

func (c Call) String() string { return c.Server + ":" + c.Operation }

// Step is an executed Call.
type Step struct {
	Call     Call
	Result   *toolclient.Result
	Err      error
	Duration time.Duration
	// Dropped lists arguments removed because the operation does not accept them.
	Dropped []string
}

// Request is what a Planner sees: the user's words and what has been done so far.
type Request struct {
	Utterance string
	Profile   string
	Steps     []Step
	Iteration int
}

// Plan is either more calls to make or a final answer.
type Plan struct {
	Calls  []Call
	Answer string
}

// Planner decides what to do next for a request.
type Planner interface {
	Plan(ctx context.Context, req Request) (Plan, error)
}

// Invoker runs tool operations.
type Invoker interface {
	Invoke(ctx context.Context, server, operation string, params map[string]any, timeout time.Duration) (*toolclient.Result, error)
	Tool(ctx context.Context, server, name string) (*mcp.Tool, error)
}

// CredentialSource is asked for fresh credentials before every call.
type CredentialSource interface {
	GetCredentials(ctx context.Context, profile string) (sso.Credentials, error)
}

// ConfirmFunc asks the user whether a call may run.
type ConfirmFunc func(ctx context.Context, call Call) (bool, error)

type Options struct {
	Profile string
	// ServerProfiles maps servers bound to their own profile. Calls to other
	// servers run with Profile.
	ServerProfiles map[string]string
	MaxIterations int
	// FanOut bounds concurrent calls within one plan.
	FanOut int
	// AutoApprove lists, per server, operations that run without Confirm.
	AutoApprove map[string][]string
	// Confirm is consulted for calls not auto-approved. Nil approves everything.
	Confirm ConfirmFunc
}

// Answer is the outcome of one request.
type Answer struct {
	Text  string
	Steps []Step
}

type Agent struct {
	planner Planner
	tools   Invoker
	creds   CredentialSource
	opts    Options
}

func New(planner Planner, tools Invoker, creds CredentialSource, opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 5
	}
	if opts.FanOut <= 0 {
		opts.FanOut = defaultFanOut
	}
	return &Agent{planner: planner, tools: tools, creds: creds, opts: opts}
}

// Ask handles one user request. Tool failures become part of the answer; an
// error is returned only when nothing useful can be said, such as when the
// profile is not logged in.
func (a *Agent) Ask(ctx context.Context, utterance string) (*Answer, error) {
	var steps []Step
	for i := 0; i < a.opts.MaxIterations; i++ {
		plan, err := a.planner.Plan(ctx, Request{
			Utterance: utterance,
			Profile:   a.opts.Profile,
			Steps:     steps,
			Iteration: i,
		})
		if err != nil {
			return nil, fmt.Errorf("planning failed: %w", err)
		}
		if len(plan.Calls) == 0 {
			return &Answer{Text: plan.Answer, Steps: steps}, nil
		}

		if _, err := a.creds.GetCredentials(ctx, a.opts.Profile); err != nil {
			return nil, err
		}

		done, err := a.execute(ctx, plan.Calls)
		if err != nil {
			return nil, err
		}
		steps = append(steps, done...)
	}
	log.WithField("iterations", a.opts.MaxIterations).Warn("agent stopped before the planner produced an answer")
	return &Answer{Text: Summarize(steps), Steps: steps}, nil
}

// execute runs calls concurrently. Results keep the order of calls.
func (a *Agent) execute(ctx context.Context, calls []Call) ([]Step, error) {
	steps := make([]Step, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.FanOut)
	for i, call := range calls {
		g.Go(func() error {
			steps[i] = a.run(gctx, call)
			// Losing the session mid-plan stops the remaining calls.
			if errors.Is(steps[i].Err, apperr.ErrNotAuthenticated) {
				return steps[i].Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return steps, nil
}

func (a *Agent) run(ctx context.Context, call Call) Step {
	step := Step{Call: call}
	entry := log.WithFields(log.Fields{"server": call.Server, "operation": call.Operation})

	tool, err := a.tools.Tool(ctx, call.Server, call.Operation)
	if err != nil {
		step.Err = err
		return step
	}
	args, dropped, err := fitArguments(call.String(), tool.InputSchema, call.Arguments)
	step.Dropped = dropped
	if err != nil {
		step.Err = err
		return step
	}
	if len(dropped) > 0 {
		entry.WithField("dropped", dropped).Debug("removed unknown arguments")
	}

	if !a.autoApproved(call) && a.opts.Confirm != nil {
		ok, err := a.opts.Confirm(ctx, call)
		if err != nil {
			step.Err = err
			return step
		}
		if !ok {
			step.Err = apperr.Cancelled(call.String())
			return step
		}
	}

	// The server runs with its own profile's credentials, so that session must
	// still be live right before the call.
	if _, err := a.creds.GetCredentials(ctx, a.profileFor(call.Server)); err != nil {
		step.Err = err
		return step
	}

	start := time.Now()
	step.Result, step.Err = a.tools.Invoke(ctx, call.Server, call.Operation, args, 0)
	step.Duration = time.Since(start)
	if step.Err != nil {
		entry.WithError(step.Err).Info("tool call failed")
	}
	return step
}

func (a *Agent) profileFor(server string) string {
	if p := a.opts.ServerProfiles[server]; p != "" {
		return p
	}
	return a.opts.Profile
}

func (a *Agent) autoApproved(call Call) bool {
	return slices.Contains(a.opts.AutoApprove[call.Server], call.Operation)
}
