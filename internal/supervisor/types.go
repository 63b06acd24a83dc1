package supervisor

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/chukul/cloudchat/internal/config"
	"github.com/chukul/cloudchat/internal/rpc"
)

// State is the supervision state of one tool server.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateCrashed  State = "crashed"
)

// Spec says how to launch a tool server.
type Spec struct {
	ID          string
	Command     string
	Args        []string
	Env         map[string]string
	WorkingDir  string
	Profile     string
	Region      string
	Builtin     bool
	Description string
}

// SpecFromConfig turns a configured server into a launch spec.
func SpecFromConfig(id string, sc config.ServerConfig) Spec {
	return Spec{
		ID:          id,
		Command:     sc.Command,
		Args:        sc.Args,
		Env:         sc.Env,
		WorkingDir:  sc.WorkingDir,
		Profile:     sc.Profile,
		Region:      sc.Region,
		Builtin:     sc.Builtin,
		Description: sc.Description,
	}
}

// CommandLine renders the command for display.
func (s Spec) CommandLine() string {
	if s.Builtin {
		return "(built-in) serve-tools"
	}
	line := s.Command
	for _, a := range s.Args {
		line += " " + a
	}
	return line
}

// envList renders the configured environment in a stable order.
func (s Spec) envList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.ExpandEnv(s.Env[k]))
	}
	return out
}

// Policy holds the supervision limits.
type Policy struct {
	// MaxRestarts automatic restarts are allowed within RestartWindow before
	// the server is left Crashed for good.
	MaxRestarts   int
	RestartWindow time.Duration

	HealthInterval time.Duration
	ProbeTimeout   time.Duration
	// DegradedThreshold consecutive failed probes crash the server. Values
	// below 2 are raised to 2 so a server is always Degraded first.
	DegradedThreshold int

	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration
	// DrainTimeout is how long a worker replaced for fresh credentials may
	// keep finishing its in-flight calls before it is stopped.
	DrainTimeout    time.Duration
	ProtocolVersion string
}

func PolicyFromConfig(sc config.SupervisorConfig) Policy {
	return Policy{
		MaxRestarts:       sc.MaxRestarts,
		RestartWindow:     sc.RestartWindow(),
		HealthInterval:    sc.HealthInterval(),
		ProbeTimeout:      sc.ProbeTimeout(),
		DegradedThreshold: sc.DegradedThreshold,
		HandshakeTimeout:  sc.HandshakeTimeout(),
		ShutdownGrace:     sc.ShutdownGrace(),
		DrainTimeout:      sc.DrainTimeout(),
		ProtocolVersion:   config.DefaultProtocolVersion,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 3
	}
	if p.RestartWindow <= 0 {
		p.RestartWindow = 5 * time.Minute
	}
	if p.HealthInterval <= 0 {
		p.HealthInterval = 30 * time.Second
	}
	if p.ProbeTimeout <= 0 {
		p.ProbeTimeout = 3 * time.Second
	}
	if p.DegradedThreshold <= 0 {
		p.DegradedThreshold = 3
	}
	if p.DegradedThreshold < 2 {
		// A single failed ping only degrades a server.
		p.DegradedThreshold = 2
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = 30 * time.Second
	}
	if p.ShutdownGrace <= 0 {
		p.ShutdownGrace = 2 * time.Second
	}
	if p.DrainTimeout <= 0 {
		p.DrainTimeout = time.Minute
	}
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = config.DefaultProtocolVersion
	}
	return p
}

// Worker is a launched tool server.
type Worker interface {
	// Conn is the request channel to the server. Conn().Done() closes when
	// the server goes away.
	Conn() *rpc.Conn
	PID() int
	// Stop terminates the server, forcing it after the grace period.
	Stop() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec Spec, env []string) (Worker, error)
}

// Environment is the extra launch environment of one worker.
type Environment struct {
	Vars []string
	// Expires is when the credentials in Vars stop working. Zero means never.
	Expires time.Time
}

// EnvFunc returns extra environment for a server, e.g. AWS credentials of its
// bound profile.
type EnvFunc func(ctx context.Context, spec Spec) (Environment, error)

// Observer is notified of supervision events.
type Observer interface {
	ServerState(server string, state State)
	ServerRestarted(server string)
}

// Status is the UI view of one server.
type Status struct {
	ServerID          string    `json:"server_id"`
	Command           string    `json:"command"`
	Description       string    `json:"description,omitempty"`
	State             State     `json:"state"`
	LastHealthCheckAt time.Time `json:"last_health_check_at,omitempty"`
	RestartCount      int       `json:"restart_count"`
	Generation        int       `json:"generation"`
	PID               int       `json:"pid,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	GaveUp            bool      `json:"gave_up,omitempty"`
}

// Session is a ready connection to a server, tagged with the worker
// generation it belongs to.
type Session struct {
	Conn       *rpc.Conn
	Generation int
	State      State
	// Stale is set once the worker's launch credentials have expired or were
	// replaced; the next EnsureRunning relaunches it.
	Stale bool
}
