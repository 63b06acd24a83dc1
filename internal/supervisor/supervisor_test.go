package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/supervisor"
	"github.com/chukul/cloudchat/internal/supervisor/supervisortest"
)

type recorder struct {
	mu       sync.Mutex
	states   []supervisor.State
	restarts int
}

func (r *recorder) ServerState(server string, state supervisor.State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recorder) ServerRestarted(server string) {
	r.mu.Lock()
	r.restarts++
	r.mu.Unlock()
}

func newSupervisor(t *testing.T, l supervisor.Launcher, policy supervisor.Policy, opts ...func(*supervisor.Options)) *supervisor.Supervisor {
	t.Helper()
	o := supervisor.Options{Policy: policy, Launcher: l}
	for _, f := range opts {
		f(&o)
	}
	s, err := supervisor.New([]supervisor.Spec{{ID: "aws-api", Command: "aws-api-server"}}, o)
	require.NoError(t, err)
	t.Cleanup(func() { s.ShutdownAll(context.Background()) })
	return s
}

func state(t *testing.T, s *supervisor.Supervisor) supervisor.State {
	t.Helper()
	st, err := s.Status("aws-api")
	require.NoError(t, err)
	return st.State
}

func TestNewValidatesSpecs(t *testing.T) {
	_, err := supervisor.New([]supervisor.Spec{{ID: "x"}}, supervisor.Options{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = supervisor.New([]supervisor.Spec{{ID: "x", Command: "a"}, {ID: "x", Command: "b"}}, supervisor.Options{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	s, err := supervisor.New([]supervisor.Spec{{ID: "aws-tools", Builtin: true}}, supervisor.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"aws-tools"}, s.IDs())
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	l := &supervisortest.Launcher{}
	rec := &recorder{}
	s := newSupervisor(t, l, supervisor.Policy{}, func(o *supervisor.Options) { o.Observer = rec })

	assert.Equal(t, supervisor.StateStopped, state(t, s))
	require.NoError(t, s.EnsureRunning(context.Background(), "aws-api"))
	require.NoError(t, s.EnsureRunning(context.Background(), "aws-api"))

	assert.Equal(t, 1, l.Launches())
	assert.Equal(t, supervisor.StateReady, state(t, s))
	assert.Equal(t, []supervisor.State{supervisor.StateStarting, supervisor.StateReady}, rec.states)

	sess, err := s.Session("aws-api")
	require.NoError(t, err)
	assert.NotNil(t, sess.Conn)
	assert.Equal(t, 1, sess.Generation)
}

func TestEnsureRunningUnknownServer(t *testing.T) {
	s := newSupervisor(t, &supervisortest.Launcher{}, supervisor.Policy{})
	assert.ErrorIs(t, s.EnsureRunning(context.Background(), "nope"), apperr.ErrNotFound)
	_, err := s.Status("nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEnsureRunningDoesNotWaitForLaunchInProgress(t *testing.T) {
	gate := make(chan struct{})
	l := &supervisortest.Launcher{Gate: gate}
	s := newSupervisor(t, l, supervisor.Policy{HandshakeTimeout: 10 * time.Second})

	first := make(chan error, 1)
	go func() { first <- s.EnsureRunning(context.Background(), "aws-api") }()
	require.Eventually(t, func() bool { return state(t, s) == supervisor.StateStarting }, time.Second, time.Millisecond)

	start := time.Now()
	err := s.EnsureRunning(context.Background(), "aws-api")
	assert.ErrorIs(t, err, apperr.ErrServerUnavailable)
	assert.Less(t, time.Since(start), time.Second)

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, supervisor.StateReady, state(t, s))
	assert.Equal(t, 1, l.Launches())
}

func TestLaunchFailureCrashes(t *testing.T) {
	l := &supervisortest.Launcher{Err: errors.New(`executable "aws-api-server" not found`)}
	s := newSupervisor(t, l, supervisor.Policy{})

	err := s.EnsureRunning(context.Background(), "aws-api")
	require.ErrorIs(t, err, apperr.ErrLaunch)
	assert.Equal(t, supervisor.StateCrashed, state(t, s))

	st, _ := s.Status("aws-api")
	assert.Contains(t, st.LastError, "not found")
}

func TestHandshakeTimeoutIsLaunchError(t *testing.T) {
	l := &supervisortest.Launcher{Drop: []string{"initialize"}}
	s := newSupervisor(t, l, supervisor.Policy{HandshakeTimeout: 100 * time.Millisecond})

	err := s.EnsureRunning(context.Background(), "aws-api")
	assert.ErrorIs(t, err, apperr.ErrLaunch)
	assert.Equal(t, supervisor.StateCrashed, state(t, s))
}

func TestRestartBudgetExhaustion(t *testing.T) {
	l := &supervisortest.Launcher{Err: errors.New("boom")}
	rec := &recorder{}
	s := newSupervisor(t, l, supervisor.Policy{MaxRestarts: 3, RestartWindow: time.Hour},
		func(o *supervisor.Options) { o.Observer = rec })

	// The first start is not a restart.
	require.ErrorIs(t, s.EnsureRunning(context.Background(), "aws-api"), apperr.ErrLaunch)
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, s.EnsureRunning(context.Background(), "aws-api"), apperr.ErrLaunch)
	}
	assert.Equal(t, 4, l.Launches())

	err := s.EnsureRunning(context.Background(), "aws-api")
	assert.ErrorIs(t, err, apperr.ErrLaunch)
	assert.Equal(t, 4, l.Launches(), "no launch once the budget is spent")

	st, _ := s.Status("aws-api")
	assert.Equal(t, supervisor.StateCrashed, st.State)
	assert.True(t, st.GaveUp)
	assert.Equal(t, 3, st.RestartCount)
	assert.Equal(t, 3, rec.restarts)

	// An operator stop resets the budget.
	require.NoError(t, s.Shutdown(context.Background(), "aws-api"))
	l.Err = nil
	require.NoError(t, s.EnsureRunning(context.Background(), "aws-api"))
	assert.Equal(t, supervisor.StateReady, state(t, s))
}

func TestRestartWindowSlides(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := &supervisortest.Launcher{Err: errors.New("boom")}
	s := newSupervisor(t, l, supervisor.Policy{MaxRestarts: 1, RestartWindow: time.Minute},
		func(o *supervisor.Options) { o.Now = clock })

	_ = s.EnsureRunning(context.Background(), "aws-api")
	_ = s.EnsureRunning(context.Background(), "aws-api")
	assert.Equal(t, 2, l.Launches())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_ = s.EnsureRunning(context.Background(), "aws-api")
	assert.Equal(t, 3, l.Launches(), "old restarts fall out of the window")
}

func TestHealthCheckDegradesThenCrashes(t *testing.T) {
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{ProbeTimeout: 50 * time.Millisecond, DegradedThreshold: 2})
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	assert.Equal(t, supervisor.StateReady, s.HealthCheck(ctx, "aws-api"))

	w := l.Last()
	w.Mute("ping")
	assert.Equal(t, supervisor.StateDegraded, s.HealthCheck(ctx, "aws-api"))

	w.Unmute("ping")
	assert.Equal(t, supervisor.StateReady, s.HealthCheck(ctx, "aws-api"))

	w.Mute("ping")
	assert.Equal(t, supervisor.StateDegraded, s.HealthCheck(ctx, "aws-api"))
	assert.Equal(t, supervisor.StateCrashed, s.HealthCheck(ctx, "aws-api"))

	select {
	case <-w.Stopped():
	case <-time.After(time.Second):
		t.Fatal("unresponsive worker was not stopped")
	}

	st, _ := s.Status("aws-api")
	assert.False(t, st.LastHealthCheckAt.IsZero())
}

func TestDegradedThresholdOfOneStillDegradesFirst(t *testing.T) {
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{ProbeTimeout: 50 * time.Millisecond, DegradedThreshold: 1})
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	l.Last().Mute("ping")
	assert.Equal(t, supervisor.StateDegraded, s.HealthCheck(ctx, "aws-api"))
	assert.Equal(t, supervisor.StateCrashed, s.HealthCheck(ctx, "aws-api"))
}

func TestHealthCheckNeverFails(t *testing.T) {
	s := newSupervisor(t, &supervisortest.Launcher{}, supervisor.Policy{})
	assert.Equal(t, supervisor.StateStopped, s.HealthCheck(context.Background(), "aws-api"))
	assert.Equal(t, supervisor.StateStopped, s.HealthCheck(context.Background(), "missing"))
}

func TestWorkerExitMarksCrashed(t *testing.T) {
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{})
	require.NoError(t, s.EnsureRunning(context.Background(), "aws-api"))

	l.Last().Crash()
	require.Eventually(t, func() bool { return state(t, s) == supervisor.StateCrashed }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.EnsureRunning(context.Background(), "aws-api"))
	st, _ := s.Status("aws-api")
	assert.Equal(t, supervisor.StateReady, st.State)
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, 2, st.Generation)
}

func TestRunRestartsCrashedServer(t *testing.T) {
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{HealthInterval: time.Hour})
	require.NoError(t, s.EnsureRunning(context.Background(), "aws-api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	l.Last().Crash()
	require.Eventually(t, func() bool {
		st, _ := s.Status("aws-api")
		return st.State == supervisor.StateReady && st.RestartCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, l.Launches())
}

func TestShutdownAlwaysStops(t *testing.T) {
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{})
	ctx := context.Background()

	require.NoError(t, s.Shutdown(ctx, "aws-api"))
	assert.Equal(t, supervisor.StateStopped, state(t, s))

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	w := l.Last()
	require.NoError(t, s.Shutdown(ctx, "aws-api"))
	assert.Equal(t, supervisor.StateStopped, state(t, s))
	<-w.Stopped()

	assert.ErrorIs(t, s.Shutdown(ctx, "missing"), apperr.ErrNotFound)
}

func TestShutdownWhileStarting(t *testing.T) {
	gate := make(chan struct{})
	l := &supervisortest.Launcher{Gate: gate}
	s := newSupervisor(t, l, supervisor.Policy{})

	done := make(chan error, 1)
	go func() { done <- s.EnsureRunning(context.Background(), "aws-api") }()
	require.Eventually(t, func() bool { return state(t, s) == supervisor.StateStarting }, time.Second, time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background(), "aws-api"))
	close(gate)

	assert.ErrorIs(t, <-done, apperr.ErrServerUnavailable)
	assert.Equal(t, supervisor.StateStopped, state(t, s))
	require.Eventually(t, func() bool {
		w := l.Last()
		if w == nil {
			return false
		}
		select {
		case <-w.Stopped():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCredentialFailureDoesNotCrash(t *testing.T) {
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{}, func(o *supervisor.Options) {
		o.Env = func(ctx context.Context, spec supervisor.Spec) (supervisor.Environment, error) {
			return supervisor.Environment{}, apperr.NotAuthenticated("sso.GetCredentials", "dev")
		}
	})

	err := s.EnsureRunning(context.Background(), "aws-api")
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	assert.Equal(t, supervisor.StateStopped, state(t, s))
	assert.Equal(t, 0, l.Launches())
}

func TestEnvironmentPassedToLauncher(t *testing.T) {
	l := &supervisortest.Launcher{}
	specs := []supervisor.Spec{{ID: "aws-api", Command: "x", Env: map[string]string{"B": "2", "A": "1"}}}
	s, err := supervisor.New(specs, supervisor.Options{
		Launcher: l,
		Env: func(ctx context.Context, spec supervisor.Spec) (supervisor.Environment, error) {
			return supervisor.Environment{Vars: []string{"AWS_ACCESS_KEY_ID=AKIA"}}, nil
		},
	})
	require.NoError(t, err)
	defer s.ShutdownAll(context.Background())

	require.NoError(t, s.EnsureRunning(context.Background(), "aws-api"))
	assert.Equal(t, []string{"A=1", "B=2", "AWS_ACCESS_KEY_ID=AKIA"}, l.LastEnv())
}

func TestStartAllAndSnapshot(t *testing.T) {
	l := &supervisortest.Launcher{}
	specs := []supervisor.Spec{
		{ID: "aws-tools", Builtin: true},
		{ID: "aws-api", Command: "uvx"},
		{ID: "aws-docs", Command: "uvx"},
	}
	s, err := supervisor.New(specs, supervisor.Options{Launcher: l})
	require.NoError(t, err)
	defer s.ShutdownAll(context.Background())

	require.NoError(t, s.StartAll(context.Background()))
	snap := s.Snapshot()
	require.Len(t, snap, 3)
	for i, id := range []string{"aws-tools", "aws-api", "aws-docs"} {
		assert.Equal(t, id, snap[i].ServerID)
		assert.Equal(t, supervisor.StateReady, snap[i].State)
	}
}

func TestRedact(t *testing.T) {
	got := supervisor.Redact([]string{
		"AWS_ACCESS_KEY_ID=AKIA123",
		"AWS_SECRET_ACCESS_KEY=shh",
		"AWS_SESSION_TOKEN=tok",
		"AWS_REGION=ca-central-1",
		"EMPTY_TOKEN=",
		"bare",
	})
	assert.Equal(t, []string{
		"AWS_ACCESS_KEY_ID=****",
		"AWS_SECRET_ACCESS_KEY=****",
		"AWS_SESSION_TOKEN=****",
		"AWS_REGION=ca-central-1",
		"EMPTY_TOKEN=",
		"bare",
	}, got)
}

// tokenEnv hands out a new session token on every call, valid for an hour.
type tokenEnv struct {
	mu    sync.Mutex
	calls int
	fail  error
	now   func() time.Time
}

func (e *tokenEnv) env(ctx context.Context, spec supervisor.Spec) (supervisor.Environment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return supervisor.Environment{}, e.fail
	}
	e.calls++
	return supervisor.Environment{
		Vars:    []string{fmt.Sprintf("AWS_SESSION_TOKEN=token-%d", e.calls)},
		Expires: e.now().Add(time.Hour),
	}, nil
}

func (e *tokenEnv) setFail(err error) {
	e.mu.Lock()
	e.fail = err
	e.mu.Unlock()
}

func TestExpiredLaunchCredentialsRelaunchWorker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	env := &tokenEnv{now: clock}
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{}, func(o *supervisor.Options) {
		o.Now = clock
		o.Env = env.env
	})
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	assert.Equal(t, 1, l.Launches())
	first := l.Last()

	mu.Lock()
	now = now.Add(59*time.Minute + 30*time.Second)
	mu.Unlock()

	sess, err := s.Session("aws-api")
	require.NoError(t, err)
	assert.True(t, sess.Stale)

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	assert.Equal(t, 2, l.Launches())
	assert.Equal(t, []string{"AWS_SESSION_TOKEN=token-2"}, l.LastEnv())
	<-first.Stopped()

	st, _ := s.Status("aws-api")
	assert.Equal(t, supervisor.StateReady, st.State)
	assert.Equal(t, 0, st.RestartCount, "a credential relaunch is not a restart")
	sess, _ = s.Session("aws-api")
	assert.False(t, sess.Stale)
}

func TestRefreshEnvironmentRelaunchesOnNextUse(t *testing.T) {
	env := &tokenEnv{now: time.Now}
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{}, func(o *supervisor.Options) { o.Env = env.env })
	ctx := context.Background()

	s.RefreshEnvironment()
	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	assert.Equal(t, 1, l.Launches(), "a stopped server has nothing to refresh")

	s.RefreshEnvironment("aws-api")
	assert.Equal(t, 1, l.Launches(), "relaunching waits for the next use")
	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	assert.Equal(t, 2, l.Launches())
	assert.Equal(t, []string{"AWS_SESSION_TOKEN=token-2"}, l.LastEnv())
}

func TestStaleWorkerKeptWhenCredentialsUnavailable(t *testing.T) {
	env := &tokenEnv{now: time.Now}
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{}, func(o *supervisor.Options) { o.Env = env.env })
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	w := l.Last()
	s.RefreshEnvironment()
	env.setFail(apperr.NotAuthenticated("sso.GetCredentials", "dev"))

	err := s.EnsureRunning(ctx, "aws-api")
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	assert.Equal(t, supervisor.StateReady, state(t, s))
	assert.Equal(t, 1, l.Launches())
	select {
	case <-w.Stopped():
		t.Fatal("worker stopped before a replacement could be launched")
	default:
	}

	env.setFail(nil)
	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	assert.Equal(t, 2, l.Launches())
}

func TestRotationKeepsOldWorkerServing(t *testing.T) {
	env := &tokenEnv{now: time.Now}
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{}, func(o *supervisor.Options) { o.Env = env.env })
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	old := l.Last()
	before, err := s.Session("aws-api")
	require.NoError(t, err)

	gate := make(chan struct{})
	l.Gate = gate
	s.RefreshEnvironment("aws-api")

	rotated := make(chan error, 1)
	go func() { rotated <- s.EnsureRunning(ctx, "aws-api") }()
	require.Eventually(t, func() bool { return l.Launches() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, supervisor.StateReady, state(t, s))
	require.NoError(t, s.EnsureRunning(ctx, "aws-api"), "other callers do not wait for the replacement")
	assert.Equal(t, 2, l.Launches())
	during, err := s.Session("aws-api")
	require.NoError(t, err)
	assert.Same(t, old.Conn(), during.Conn)
	assert.Equal(t, before.Generation, during.Generation)

	close(gate)
	require.NoError(t, <-rotated)
	after, err := s.Session("aws-api")
	require.NoError(t, err)
	assert.NotSame(t, old.Conn(), after.Conn)
	assert.Greater(t, after.Generation, before.Generation)
	assert.False(t, after.Stale)
	<-old.Stopped()
	assert.Equal(t, supervisor.StateReady, state(t, s), "retiring the old worker is not a crash")
}

func TestRotationLaunchFailureKeepsOldWorker(t *testing.T) {
	env := &tokenEnv{now: time.Now}
	l := &supervisortest.Launcher{}
	s := newSupervisor(t, l, supervisor.Policy{}, func(o *supervisor.Options) { o.Env = env.env })
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	old := l.Last()
	l.Err = errors.New("exec: not found")
	s.RefreshEnvironment()

	require.NoError(t, s.EnsureRunning(ctx, "aws-api"))
	assert.Equal(t, 2, l.Launches())
	assert.Equal(t, supervisor.StateReady, state(t, s))
	sess, err := s.Session("aws-api")
	require.NoError(t, err)
	assert.Same(t, old.Conn(), sess.Conn)
	assert.True(t, sess.Stale, "the next use tries again")
}
