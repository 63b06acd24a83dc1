package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"

	"github.com/chukul/cloudchat/internal/rpc"
)

// BuiltinCommand is the subcommand that serves the built-in tools.
const BuiltinCommand = "serve-tools"

// ExecLauncher starts tool servers as child processes speaking MCP over
// stdin/stdout. Their stderr goes to the debug log.
type ExecLauncher struct {
	// Executable runs built-in servers. Defaults to the running binary.
	Executable string
	// Grace is how long Stop waits after closing stdin, and again after
	// SIGTERM, before killing the process.
	Grace time.Duration
}

func (l *ExecLauncher) Launch(ctx context.Context, spec Spec, env []string) (Worker, error) {
	name, args := spec.Command, spec.Args
	if spec.Builtin {
		exe := l.Executable
		if exe == "" {
			var err error
			if exe, err = os.Executable(); err != nil {
				return nil, fmt.Errorf("cannot locate own executable: %w", err)
			}
		}
		name = exe
		args = append([]string{BuiltinCommand}, spec.Args...)
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("executable %q not found: %w", name, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), env...)
	stderr := log.WithField("server", spec.ID).WriterLevel(log.DebugLevel)
	cmd.Stderr = stderr

	transport := &mcp.CommandTransport{Command: cmd, TerminateDuration: l.Grace}
	conn, err := transport.Connect(ctx)
	if err != nil {
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	return &execWorker{cmd: cmd, conn: rpc.NewConn(conn, spec.ID), stderr: stderr}, nil
}

type execWorker struct {
	cmd    *exec.Cmd
	conn   *rpc.Conn
	stderr io.Closer

	once    sync.Once
	stopErr error
}

func (w *execWorker) Conn() *rpc.Conn { return w.conn }

func (w *execWorker) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Stop closes stdin and waits for the process, escalating to SIGTERM and then
// SIGKILL when it does not exit within the grace period.
func (w *execWorker) Stop() error {
	w.once.Do(func() {
		w.stopErr = w.conn.Close()
		w.stderr.Close()
	})
	return w.stopErr
}

var secretMarkers = []string{"SECRET", "TOKEN", "PASSWORD", "ACCESS_KEY", "CREDENTIAL"}

// Redact masks the values of secret-looking variables for logging.
func Redact(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			out[i] = kv
			continue
		}
		upper := strings.ToUpper(k)
		for _, m := range secretMarkers {
			if strings.Contains(upper, m) && v != "" {
				v = "****"
				break
			}
		}
		out[i] = k + "=" + v
	}
	return out
}
