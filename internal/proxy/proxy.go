// Package proxy implements the named proxy instance lifecycle (spec
// §4.3/§6): forking a detached background worker, persisting its state in
// the shape external tooling expects, polling liveness, and graceful
// SIGTERM-then-SIGKILL teardown.
package proxy

import (
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/acolita/remote/internal/errs"
	"github.com/acolita/remote/internal/ports"
	"github.com/acolita/remote/internal/procutil"
	"github.com/acolita/remote/internal/socksproxy"
	"github.com/acolita/remote/internal/state"
	"github.com/acolita/remote/internal/tunnelengine"
)

// childEnvVar/nameEnvVar flag a re-exec'd process as the background worker
// for one named instance, and name it, per spec §4.3's "fork child
// process" step.
const (
	childEnvVar = "REMOTE_PROXY_CHILD"
	nameEnvVar  = "REMOTE_PROXY_NAME"
)

// stopGracePeriod is the SIGTERM-to-SIGKILL window (spec §5).
const stopGracePeriod = 1 * time.Second

// pollInterval is how often RunChild checks for external stop requests.
const pollInterval = 500 * time.Millisecond

// Mode selects the built-in proxy's wire protocol.
type Mode string

const (
	ModeHTTP   Mode = "http"
	ModeSocks5 Mode = "socks5"
)

// Config is a named instance's configuration, persisted verbatim.
type Config struct {
	LocalPort  int    `json:"localPort"`
	RemotePort int    `json:"remotePort"`
	Mode       Mode   `json:"mode"`
	LocalHost  string `json:"localHost"`
	UseBuiltin bool   `json:"useBuiltin"`
}

// TunnelInfo mirrors the subset of Config the tunnel engine actually needs,
// persisted alongside it for external inspection (spec §6).
type TunnelInfo struct {
	RemotePort int    `json:"remotePort"`
	LocalHost  string `json:"localHost"`
	LocalPort  int    `json:"localPort"`
}

// State is one named instance's persisted record.
type State struct {
	Name      string     `json:"name"`
	Config    Config     `json:"config"`
	SSHHost   string     `json:"sshHost"`
	PID       int        `json:"pid"`
	StartedAt float64    `json:"startedAt"`
	Tunnel    TunnelInfo `json:"tunnel"`
}

// NewEngine builds the tunnelengine.Engine for cfg over client. It is the
// canonical newRunner passed to RunChild once a caller has an established
// SSH connection for the instance's sshHost.
func NewEngine(client tunnelengine.Transport, cfg Config) (*tunnelengine.Engine, error) {
	return tunnelengine.New(client, tunnelengine.Config{
		RemotePort: cfg.RemotePort,
		LocalHost:  cfg.LocalHost,
		LocalPort:  cfg.LocalPort,
		UseBuiltin: cfg.UseBuiltin,
		Mode:       socksproxy.Mode(cfg.Mode),
	})
}

// Runner is the subset of tunnelengine.Engine the service drives: start the
// engine, report whether it is still healthy, and stop it. Defined locally
// so RunChild's poll loop can be tested against a fake.
type Runner interface {
	Start() error
	Stop() error
	Alive() bool
}

// Service manages named proxy instances over a state.Store.
type Service struct {
	store *state.Store
	clock ports.Clock

	// executable/args are what Start re-execs as the background worker.
	// Defaulted to the current process's own binary and arguments, so the
	// re-exec'd child observes IsChildProcess true and runs RunChild
	// instead of its normal entrypoint.
	executable string
	args       []string
}

// New creates a Service backed by store, using clock for timestamps.
func New(store *state.Store, clock ports.Clock) *Service {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return &Service{store: store, clock: clock, executable: exe, args: os.Args}
}

// IsChildProcess reports whether the current process was re-exec'd by
// Start to run as a named instance's background worker, and returns the
// instance name if so.
func IsChildProcess() (name string, ok bool) {
	if os.Getenv(childEnvVar) != "1" {
		return "", false
	}
	return os.Getenv(nameEnvVar), true
}

// Start persists cfg/sshHost as name's state and forks a detached
// background process to run it. It returns once the child has been
// started and its PID recorded; it does not wait for the child to reach
// Running — callers that need that should poll Status.
func (s *Service) Start(name string, cfg Config, sshHost string) error {
	if alive, err := s.store.Exists(name); err != nil {
		return err
	} else if alive {
		return errs.Proxy(nil, "proxy %q already running", name)
	}

	outFile, err := os.OpenFile(s.store.OutPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Proxy(err, "open stdout log for %q", name)
	}
	defer outFile.Close()
	errFile, err := os.OpenFile(s.store.ErrPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Proxy(err, "open stderr log for %q", name)
	}
	defer errFile.Close()

	env := append(os.Environ(), childEnvVar+"=1", nameEnvVar+"="+name)
	proc, err := os.StartProcess(s.executable, s.args, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{nil, outFile, errFile},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return errs.Proxy(err, "fork background process for %q", name)
	}

	st := State{
		Name:      name,
		Config:    cfg,
		SSHHost:   sshHost,
		PID:       proc.Pid,
		StartedAt: float64(s.clock.Now().Unix()),
		Tunnel: TunnelInfo{
			RemotePort: cfg.RemotePort,
			LocalHost:  cfg.LocalHost,
			LocalPort:  cfg.LocalPort,
		},
	}
	if err := s.store.Save(name, st); err != nil {
		return err
	}
	if err := s.store.SavePid(name, proc.Pid); err != nil {
		return err
	}

	slog.Info("proxy started", slog.String("name", name), slog.Int("pid", proc.Pid), slog.String("ssh_host", sshHost))
	return nil
}

// Stop sends SIGTERM to name's process, escalating to SIGKILL after
// stopGracePeriod, then removes its persisted state. Stopping an unknown
// instance is a no-op.
func (s *Service) Stop(name string) error {
	pid, ok, err := s.store.LoadPid(name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := procutil.Stop(pid, stopGracePeriod); err != nil {
		return errs.Proxy(err, "stop proxy %q", name)
	}
	slog.Info("proxy stopped", slog.String("name", name), slog.Int("pid", pid))
	return s.store.Delete(name)
}

// StopAll stops every live instance, continuing past individual failures
// and returning the first error encountered, if any.
func (s *Service) StopAll() error {
	names, err := s.store.List()
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range names {
		if err := s.Stop(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status loads name's persisted state along with its current liveness. ok
// is false if no instance by that name is known.
func (s *Service) Status(name string) (st State, ok bool, err error) {
	found, err := s.store.Load(name, &st)
	if err != nil || !found {
		return State{}, false, err
	}
	alive, err := s.store.Exists(name)
	if err != nil {
		return State{}, false, err
	}
	return st, alive, nil
}

// List returns the names of all currently live instances.
func (s *Service) List() ([]string, error) {
	return s.store.List()
}

// RunChild runs name's instance in the foreground: it loads the state
// persisted by Start, builds its engine via newRunner(cfg, sshHost), starts
// it, and polls until name's state is gone (external Stop) or the engine
// reports it is no longer healthy (spec §4.3's Running-state polling loop),
// then stops the engine and cleans up any remaining state. It is meant to
// be called from the re-exec'd child process identified by IsChildProcess.
func (s *Service) RunChild(name string, newRunner func(cfg Config, sshHost string) (Runner, error)) error {
	var st State
	found, err := s.store.Load(name, &st)
	if err != nil {
		return err
	}
	if !found {
		return errs.Proxy(nil, "no persisted state for %q", name)
	}

	runner, err := newRunner(st.Config, st.SSHHost)
	if err != nil {
		return errs.Proxy(err, "build engine for %q", name)
	}
	if err := runner.Start(); err != nil {
		return errs.Proxy(err, "start engine for %q", name)
	}

	for {
		alive, err := s.store.Exists(name)
		if err != nil || !alive {
			break
		}
		if !runner.Alive() {
			break
		}
		s.clock.Sleep(pollInterval)
	}

	runner.Stop()
	return s.store.Delete(name)
}
