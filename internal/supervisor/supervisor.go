// Package supervisor runs tool servers as child processes and keeps them
// healthy. Each server moves through an explicit state machine:
//
//	Stopped -> Starting -> Ready <-> Degraded -> Crashed -> Starting ...
//
// Automatic restarts are bounded by a sliding-window budget. A server that
// exhausts its budget stays Crashed until an operator stops and starts it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/rpc"
)

const (
	startConcurrency = 4
	// credentialMargin relaunches a worker this long before its launch
	// credentials expire.
	credentialMargin = time.Minute
	drainPoll        = 20 * time.Millisecond
)

type Options struct {
	Policy   Policy
	Launcher Launcher
	Env      EnvFunc
	Observer Observer
	Now      func() time.Time
}

type process struct {
	spec         Spec
	state        State
	worker       Worker
	generation   int
	restartCount int
	restarts     []time.Time
	failures     int
	lastHealth   time.Time
	lastErr      error
	gaveUp       bool
	wanted       bool
	envExpires   time.Time
	envStale     bool
	rotating     bool
}

// Supervisor owns the registry of tool server processes. Only the Supervisor
// changes a server's state.
type Supervisor struct {
	opts   Options
	policy Policy

	mu    sync.Mutex
	procs map[string]*process
	order []string

	kick chan struct{}
}

func New(specs []Spec, opts Options) (*Supervisor, error) {
	policy := opts.Policy.withDefaults()
	if opts.Launcher == nil {
		opts.Launcher = &ExecLauncher{Grace: policy.ShutdownGrace}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Supervisor{
		opts:   opts,
		policy: policy,
		procs:  map[string]*process{},
		kick:   make(chan struct{}, 1),
	}
	for _, spec := range specs {
		if err := s.Add(spec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a server in state Stopped.
func (s *Supervisor) Add(spec Spec) error {
	const op = "supervisor.Add"
	if spec.ID == "" {
		return apperr.Validation(op, "server id is required")
	}
	if spec.Command == "" && !spec.Builtin {
		return apperr.Validation(op, "server %q has no command", spec.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[spec.ID]; ok {
		return apperr.Validation(op, "server %q is configured twice", spec.ID)
	}
	s.procs[spec.ID] = &process{spec: spec, state: StateStopped}
	s.order = append(s.order, spec.ID)
	return nil
}

// IDs returns server ids in registration order.
func (s *Supervisor) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// EnsureRunning makes sure the server is up. It returns immediately when the
// server is Ready, and fails fast with ServerUnavailable when another caller
// is already starting it. From Stopped or Crashed it launches the worker and
// completes the handshake before returning. A running worker whose launch
// credentials are stale is replaced by one with a fresh environment; the old
// worker keeps serving until the new one has completed its handshake.
func (s *Supervisor) EnsureRunning(ctx context.Context, id string) error {
	const op = "supervisor.EnsureRunning"
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound(op, "tool server %q is not configured", id)
	}

	switch p.state {
	case StateReady, StateDegraded:
		if s.staleLocked(p) && !p.rotating {
			p.rotating = true
			gen, old, spec := p.generation, p.worker, p.spec
			s.mu.Unlock()
			return s.rotate(ctx, p, gen, old, spec)
		}
		degraded := p.state == StateDegraded
		s.mu.Unlock()
		if degraded {
			s.HealthCheck(ctx, id)
		}
		return nil
	case StateStarting:
		s.mu.Unlock()
		return apperr.ServerUnavailable(op, id, fmt.Errorf("server %q is still starting", id))
	}
	if p.rotating {
		// The old worker died while its replacement is starting.
		s.mu.Unlock()
		return apperr.ServerUnavailable(op, id, fmt.Errorf("server %q is still starting", id))
	}

	prev := p.state
	restart := prev == StateCrashed
	if restart && !s.allowRestartLocked(p) {
		err := apperr.Launch(op, fmt.Errorf("server %q crashed %d times within %s and will not be restarted: %v",
			id, len(p.restarts), s.policy.RestartWindow, p.lastErr))
		s.mu.Unlock()
		return err
	}
	p.wanted = true
	p.generation++
	gen := p.generation
	spec := p.spec
	s.setStateLocked(p, StateStarting)
	s.mu.Unlock()

	env, err := s.environment(ctx, spec)
	if err != nil {
		// Credential problems need the operator, not a restart.
		s.mu.Lock()
		if p.generation == gen {
			p.lastErr = err
			s.setStateLocked(p, prev)
		}
		s.mu.Unlock()
		return err
	}

	if restart {
		s.mu.Lock()
		p.restarts = append(p.restarts, s.opts.Now())
		p.restartCount++
		s.mu.Unlock()
		if s.opts.Observer != nil {
			s.opts.Observer.ServerRestarted(id)
		}
	}

	worker, err := s.launch(ctx, spec, env.Vars)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.generation != gen {
		if worker != nil {
			go worker.Stop()
		}
		return apperr.ServerUnavailable(op, id, fmt.Errorf("server %q was stopped while starting", id))
	}
	if err != nil {
		p.lastErr = err
		s.setStateLocked(p, StateCrashed)
		log.WithError(err).WithField("server", id).Warn("tool server failed to start")
		return apperr.Launch(op, err)
	}
	s.installLocked(p, worker, env)
	return nil
}

// rotate launches a replacement for a worker whose launch credentials are
// stale. The server stays Ready on the old worker while the replacement
// starts, so calls keep flowing. If no replacement can be started the old
// worker is kept and the next call tries again; only credential errors are
// returned.
func (s *Supervisor) rotate(ctx context.Context, p *process, gen int, old Worker, spec Spec) error {
	entry := log.WithField("server", spec.ID)
	entry.Info("launch credentials are stale, relaunching tool server")

	env, err := s.environment(ctx, spec)
	if err != nil {
		s.mu.Lock()
		p.rotating = false
		p.lastErr = err
		s.mu.Unlock()
		return err
	}
	worker, err := s.launch(ctx, spec, env.Vars)

	s.mu.Lock()
	defer s.mu.Unlock()
	p.rotating = false
	if p.generation != gen {
		// Shut down while the replacement was starting.
		if worker != nil {
			go worker.Stop()
		}
		return nil
	}
	if err != nil {
		entry.WithError(err).Warn("could not relaunch tool server, keeping the running worker")
		return nil
	}
	p.generation++
	s.installLocked(p, worker, env)
	if old != nil {
		go s.retire(spec.ID, old)
	}
	return nil
}

func (s *Supervisor) installLocked(p *process, w Worker, env Environment) {
	p.worker = w
	p.failures = 0
	p.lastErr = nil
	p.lastHealth = s.opts.Now()
	p.envExpires = env.Expires
	p.envStale = false
	s.setStateLocked(p, StateReady)
	go s.watch(p.spec.ID, w)
}

// retire stops a replaced worker once its in-flight calls have finished, or
// after the drain timeout. It waits at least one poll so callers that picked up
// the old connection just before the swap still get their request in.
func (s *Supervisor) retire(id string, w Worker) {
	deadline := time.NewTimer(s.policy.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()
	for drained := false; !drained; {
		select {
		case <-deadline.C:
			log.WithFields(log.Fields{"server": id, "pending": w.Conn().Pending()}).Warn("replaced tool server still busy, stopping it")
			_ = w.Stop()
			return
		case <-w.Conn().Done():
			_ = w.Stop()
			return
		case <-tick.C:
			drained = w.Conn().Pending() == 0
		}
	}
	log.WithFields(log.Fields{"server": id, "pid": w.PID()}).Debug("stopping replaced tool server")
	if err := w.Stop(); err != nil {
		log.WithError(err).WithField("server", id).Debug("tool server exit status")
	}
}

// staleLocked reports whether a running worker must be relaunched to pick up
// new credentials.
func (s *Supervisor) staleLocked(p *process) bool {
	if p.envStale {
		return true
	}
	return !p.envExpires.IsZero() && !s.opts.Now().Before(p.envExpires.Add(-credentialMargin))
}

// RefreshEnvironment marks the running workers of the given servers, or of all
// servers when ids is empty, as stale. Each is relaunched with a fresh
// environment the next time EnsureRunning is called for it.
func (s *Supervisor) RefreshEnvironment(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		ids = s.order
	}
	for _, id := range ids {
		if p, ok := s.procs[id]; ok && p.worker != nil {
			p.envStale = true
		}
	}
}

// allowRestartLocked applies the sliding-window restart budget. Once it is
// exhausted the server gives up for good.
func (s *Supervisor) allowRestartLocked(p *process) bool {
	if p.gaveUp {
		return false
	}
	cutoff := s.opts.Now().Add(-s.policy.RestartWindow)
	kept := p.restarts[:0]
	for _, t := range p.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.restarts = kept
	if len(p.restarts) < s.policy.MaxRestarts {
		return true
	}
	p.gaveUp = true
	log.WithFields(log.Fields{
		"server":   p.spec.ID,
		"restarts": len(p.restarts),
		"window":   s.policy.RestartWindow,
	}).Error("tool server keeps crashing, giving up")
	return false
}

func (s *Supervisor) environment(ctx context.Context, spec Spec) (Environment, error) {
	env := Environment{Vars: spec.envList()}
	if s.opts.Env == nil {
		return env, nil
	}
	extra, err := s.opts.Env(ctx, spec)
	if err != nil {
		return Environment{}, err
	}
	env.Vars = append(env.Vars, extra.Vars...)
	env.Expires = extra.Expires
	return env, nil
}

func (s *Supervisor) launch(ctx context.Context, spec Spec, env []string) (Worker, error) {
	log.WithFields(log.Fields{
		"server":  spec.ID,
		"command": spec.CommandLine(),
		"env":     Redact(env),
	}).Debug("launching tool server")

	hctx, cancel := context.WithTimeout(ctx, s.policy.HandshakeTimeout)
	defer cancel()

	w, err := s.opts.Launcher.Launch(hctx, spec, env)
	if err != nil {
		return nil, err
	}
	info, err := handshake(hctx, w.Conn(), s.policy.ProtocolVersion)
	if err != nil {
		go w.Stop()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	fields := log.Fields{"server": spec.ID, "pid": w.PID()}
	if info.ServerInfo != nil {
		fields["name"] = info.ServerInfo.Name
		fields["version"] = info.ServerInfo.Version
	}
	log.WithFields(fields).Info("tool server ready")
	return w, nil
}

// watch marks the server Crashed when its worker goes away on its own.
func (s *Supervisor) watch(id string, w Worker) {
	<-w.Conn().Done()

	s.mu.Lock()
	p := s.procs[id]
	if p.worker != w {
		s.mu.Unlock()
		return
	}
	p.worker = nil
	p.lastErr = errors.New("tool server exited unexpectedly")
	s.setStateLocked(p, StateCrashed)
	s.mu.Unlock()

	log.WithField("server", id).Warn("tool server exited unexpectedly")
	if err := w.Stop(); err != nil {
		log.WithError(err).WithField("server", id).Debug("tool server exit status")
	}
	s.poke()
}

// HealthCheck pings the server with a short timeout and returns the resulting
// state. It never fails; probe errors only move the state machine.
func (s *Supervisor) HealthCheck(ctx context.Context, id string) State {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return StateStopped
	}
	if p.state != StateReady && p.state != StateDegraded {
		st := p.state
		s.mu.Unlock()
		return st
	}
	w, gen := p.worker, p.generation
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, s.policy.ProbeTimeout)
	err := w.Conn().Call(pctx, rpc.NewID(), "ping", &mcp.PingParams{}, nil)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.generation != gen || p.worker != w {
		return p.state
	}
	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about the server.
		return p.state
	}
	p.lastHealth = s.opts.Now()
	if err == nil {
		if p.state == StateDegraded {
			log.WithField("server", id).Info("tool server recovered")
		}
		p.failures = 0
		s.setStateLocked(p, StateReady)
		return p.state
	}

	p.failures++
	p.lastErr = err
	entry := log.WithError(err).WithFields(log.Fields{"server": id, "failures": p.failures})
	if p.failures >= s.policy.DegradedThreshold {
		entry.Warn("tool server unresponsive, stopping it")
		p.worker = nil
		s.setStateLocked(p, StateCrashed)
		go w.Stop()
		s.poke()
		return p.state
	}
	entry.Debug("health probe failed")
	s.setStateLocked(p, StateDegraded)
	return p.state
}

// Shutdown stops the server, forcing termination after the grace period. The
// server is Stopped afterwards no matter what, and its restart budget is reset.
func (s *Supervisor) Shutdown(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound("supervisor.Shutdown", "tool server %q is not configured", id)
	}
	p.generation++
	w := p.worker
	p.worker = nil
	p.wanted = false
	p.gaveUp = false
	p.restarts = nil
	p.failures = 0
	s.setStateLocked(p, StateStopped)
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- w.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			log.WithError(err).WithField("server", id).Debug("tool server exit status")
		}
	case <-ctx.Done():
		log.WithField("server", id).Warn("tool server still terminating")
	}
	return nil
}

// StartAll starts the given servers concurrently, or every registered server
// when ids is empty.
func (s *Supervisor) StartAll(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		ids = s.IDs()
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(startConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.EnsureRunning(gctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ShutdownAll stops every server.
func (s *Supervisor) ShutdownAll(ctx context.Context) {
	var g errgroup.Group
	for _, id := range s.IDs() {
		g.Go(func() error { return s.Shutdown(ctx, id) })
	}
	_ = g.Wait()
}

// Run probes running servers every health interval and restarts crashed ones
// that are still wanted, until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.IDs() {
				s.HealthCheck(ctx, id)
			}
			s.restartCrashed(ctx)
		case <-s.kick:
			s.restartCrashed(ctx)
		}
	}
}

func (s *Supervisor) restartCrashed(ctx context.Context) {
	var due []string
	s.mu.Lock()
	for _, id := range s.order {
		p := s.procs[id]
		if p.state == StateCrashed && p.wanted && !p.gaveUp {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}
	if err := s.StartAll(ctx, due...); err != nil {
		log.WithError(err).Warn("tool server restart failed")
	}
}

func (s *Supervisor) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Session returns the live connection of a server. Callers must check State
// themselves; Conn is nil unless a worker is running.
func (s *Supervisor) Session(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return Session{}, apperr.NotFound("supervisor.Session", "tool server %q is not configured", id)
	}
	sess := Session{Generation: p.generation, State: p.state}
	if p.worker != nil {
		sess.Conn = p.worker.Conn()
		sess.Stale = s.staleLocked(p)
	}
	return sess, nil
}

// Status returns the supervision status of one server.
func (s *Supervisor) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return Status{}, apperr.NotFound("supervisor.Status", "tool server %q is not configured", id)
	}
	return p.status(), nil
}

// Snapshot returns every server's status in registration order.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.procs[id].status())
	}
	return out
}

func (p *process) status() Status {
	st := Status{
		ServerID:          p.spec.ID,
		Command:           p.spec.CommandLine(),
		Description:       p.spec.Description,
		State:             p.state,
		LastHealthCheckAt: p.lastHealth,
		RestartCount:      p.restartCount,
		Generation:        p.generation,
		GaveUp:            p.gaveUp,
	}
	if p.worker != nil {
		st.PID = p.worker.PID()
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

func (s *Supervisor) setStateLocked(p *process, st State) {
	if p.state == st {
		return
	}
	log.WithFields(log.Fields{"server": p.spec.ID, "from": p.state, "to": st}).Debug("tool server state")
	p.state = st
	if s.opts.Observer != nil {
		s.opts.Observer.ServerState(p.spec.ID, st)
	}
}
