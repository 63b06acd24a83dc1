package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type pidFile string

func statePIDFile(name string) pidFile {
	return pidFile(filepath.Join(cfg.StateDir, name+".pid"))
}

// claim writes the current PID, refusing when another live process holds it.
func (p pidFile) claim() error {
	if pid, err := p.read(); err == nil && processAlive(pid) {
		return fmt.Errorf("already running with PID %d (%s)", pid, p)
	}
	return os.WriteFile(string(p), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (p pidFile) release() {
	if pid, err := p.read(); err == nil && pid == os.Getpid() {
		os.Remove(string(p))
	}
}

// stop interrupts the process holding the file.
func (p pidFile) stop() (int, error) {
	pid, err := p.read()
	if err != nil {
		return 0, fmt.Errorf("not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil || !processAlive(pid) {
		os.Remove(string(p))
		return pid, fmt.Errorf("process %d is gone", pid)
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return pid, err
	}
	return pid, nil
}
