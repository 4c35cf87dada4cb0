package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestAlive_CurrentProcess(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("expected current process to be alive")
	}
}

func TestAlive_InvalidPid(t *testing.T) {
	if Alive(0) {
		t.Error("expected pid 0 to be reported not alive")
	}
	if Alive(-1) {
		t.Error("expected negative pid to be reported not alive")
	}
}

func TestStop_AlreadyDead(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	if err := Stop(cmd.Process.Pid, 100*time.Millisecond); err != nil {
		t.Errorf("Stop on a reaped pid: %v", err)
	}
}

func TestStop_GracefulExit(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	defer cmd.Wait()

	if err := Stop(cmd.Process.Pid, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if Alive(cmd.Process.Pid) {
		t.Error("expected process to be stopped")
	}
}
