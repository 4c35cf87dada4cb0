package proxy

import (
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/acolita/remote/internal/procutil"
	"github.com/acolita/remote/internal/state"
	"github.com/acolita/remote/internal/testing/fakes/fakeclock"
)

func TestState_JSONFieldNames(t *testing.T) {
	st := State{
		Name: "office",
		Config: Config{
			LocalPort: 1080, RemotePort: 9000, Mode: ModeSocks5,
			LocalHost: "127.0.0.1", UseBuiltin: true,
		},
		SSHHost:   "office-box",
		PID:       4242,
		StartedAt: 1700000000.5,
		Tunnel:    TunnelInfo{RemotePort: 9000, LocalHost: "127.0.0.1", LocalPort: 1080},
	}

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"name", "config", "sshHost", "pid", "startedAt", "tunnel"} {
		if _, ok := generic[key]; !ok {
			t.Errorf("missing top-level key %q in %s", key, data)
		}
	}

	cfg, ok := generic["config"].(map[string]any)
	if !ok {
		t.Fatalf("config not an object: %s", data)
	}
	for _, key := range []string{"localPort", "remotePort", "mode", "localHost", "useBuiltin"} {
		if _, ok := cfg[key]; !ok {
			t.Errorf("missing config key %q in %s", key, data)
		}
	}

	tunnel, ok := generic["tunnel"].(map[string]any)
	if !ok {
		t.Fatalf("tunnel not an object: %s", data)
	}
	for _, key := range []string{"remotePort", "localHost", "localPort"} {
		if _, ok := tunnel[key]; !ok {
			t.Errorf("missing tunnel key %q in %s", key, data)
		}
	}
}

func TestIsChildProcess_Unset(t *testing.T) {
	if _, ok := IsChildProcess(); ok {
		t.Error("expected IsChildProcess to be false when env unset")
	}
}

func TestIsChildProcess_Set(t *testing.T) {
	t.Setenv(childEnvVar, "1")
	t.Setenv(nameEnvVar, "office")
	name, ok := IsChildProcess()
	if !ok || name != "office" {
		t.Errorf("got (%q, %v), want (office, true)", name, ok)
	}
}

// sleepBinary locates a real "sleep" executable so Service.Start can fork a
// harmless long-lived process instead of re-executing the test binary.
func sleepBinary(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("sleep binary not available: %v", err)
	}
	return path
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	store, err := state.New(dir)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	return New(store, fakeclock.New(time.Now()))
}

func TestService_Start_PersistsStateAndForksProcess(t *testing.T) {
	svc := newTestService(t)
	svc.executable = sleepBinary(t)
	svc.args = []string{"sleep", "5"}

	cfg := Config{LocalPort: 1080, RemotePort: 9000, Mode: ModeSocks5, LocalHost: "127.0.0.1", UseBuiltin: true}
	if err := svc.Start("office", cfg, "office-box"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop("office")

	st, alive, err := svc.Status("office")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !alive {
		t.Error("expected instance to be alive right after Start")
	}
	if st.Config != cfg || st.SSHHost != "office-box" {
		t.Errorf("got state %+v", st)
	}
	if !procutil.Alive(st.PID) {
		t.Error("expected forked pid to be alive")
	}
}

func TestService_Start_AlreadyRunning(t *testing.T) {
	svc := newTestService(t)
	svc.executable = sleepBinary(t)
	svc.args = []string{"sleep", "5"}

	cfg := Config{LocalPort: 1080, RemotePort: 9000}
	if err := svc.Start("office", cfg, "office-box"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop("office")

	if err := svc.Start("office", cfg, "office-box"); err == nil {
		t.Error("expected second Start of the same name to fail")
	}
}

func TestService_Stop_SendsSIGTERMAndDeletesState(t *testing.T) {
	svc := newTestService(t)

	cmd := exec.Command(sleepBinary(t), "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	defer cmd.Wait()

	st := State{Name: "office", PID: cmd.Process.Pid}
	if err := svc.store.Save("office", st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.store.SavePid("office", cmd.Process.Pid); err != nil {
		t.Fatalf("SavePid: %v", err)
	}

	if err := svc.Stop("office"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if procutil.Alive(cmd.Process.Pid) {
		t.Error("expected process to be stopped")
	}
	if _, ok, _ := svc.Status("office"); ok {
		t.Error("expected state to be deleted after Stop")
	}
}

func TestService_List(t *testing.T) {
	svc := newTestService(t)
	svc.executable = sleepBinary(t)
	svc.args = []string{"sleep", "5"}

	if err := svc.Start("office", Config{}, "office-box"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop("office")

	names, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "office" {
		t.Errorf("got %v, want [office]", names)
	}
}

// fakeRunner implements Runner for exercising RunChild's poll loop without
// a real tunnel engine or SSH connection.
type fakeRunner struct {
	startErr   error
	aliveAfter int // Alive() returns true this many times, then false
	calls      int
	stopped    bool
}

func (f *fakeRunner) Start() error { return f.startErr }
func (f *fakeRunner) Stop() error  { f.stopped = true; return nil }
func (f *fakeRunner) Alive() bool {
	f.calls++
	return f.calls <= f.aliveAfter
}

func TestRunChild_StopsWhenRunnerBecomesUnhealthy(t *testing.T) {
	svc := newTestService(t)
	cfg := Config{LocalPort: 1080, RemotePort: 9000}
	if err := svc.store.Save("office", State{Name: "office", Config: cfg, SSHHost: "office-box", PID: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.store.SavePid("office", 1); err != nil {
		t.Fatalf("SavePid: %v", err)
	}

	runner := &fakeRunner{aliveAfter: 3}
	err := svc.RunChild("office", func(cfg Config, sshHost string) (Runner, error) {
		if sshHost != "office-box" {
			t.Errorf("sshHost = %q, want office-box", sshHost)
		}
		return runner, nil
	})
	if err != nil {
		t.Fatalf("RunChild: %v", err)
	}
	if !runner.stopped {
		t.Error("expected runner.Stop to have been called")
	}
	if _, ok, _ := svc.Status("office"); ok {
		t.Error("expected state to be cleaned up after RunChild returns")
	}
}

func TestRunChild_StopsWhenStateDeletedExternally(t *testing.T) {
	svc := newTestService(t)
	cfg := Config{LocalPort: 1080, RemotePort: 9000}
	if err := svc.store.Save("office", State{Name: "office", Config: cfg, SSHHost: "office-box"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.store.SavePid("office", 1); err != nil {
		t.Fatalf("SavePid: %v", err)
	}

	runner := &fakeRunner{aliveAfter: 1000}
	done := make(chan error, 1)
	go func() {
		done <- svc.RunChild("office", func(cfg Config, sshHost string) (Runner, error) {
			return runner, nil
		})
	}()

	// Simulate an external "stop": the state is deleted out from under the
	// running child.
	if err := svc.store.Delete("office"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunChild: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunChild did not return after state was deleted externally")
	}
	if !runner.stopped {
		t.Error("expected runner.Stop to have been called")
	}
}

func TestRunChild_PropagatesStartError(t *testing.T) {
	svc := newTestService(t)
	cfg := Config{LocalPort: 1080, RemotePort: 9000}
	if err := svc.store.Save("office", State{Name: "office", Config: cfg}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.store.SavePid("office", 1); err != nil {
		t.Fatalf("SavePid: %v", err)
	}

	runner := &fakeRunner{startErr: errBoom}
	err := svc.RunChild("office", func(cfg Config, sshHost string) (Runner, error) {
		return runner, nil
	})
	if err == nil {
		t.Fatal("expected error when runner.Start fails")
	}
}

var errBoom = &stubErr{"boom"}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }
