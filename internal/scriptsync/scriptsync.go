// Package scriptsync implements the upload-execute-cleanup script engine
// (spec §4.8): resolves an interpreter from an explicit override, the
// source file's shebang, or a global default, builds the command line for
// exec-vs-source mode, and runs it either as a plain streaming exec or as a
// pseudo-interactive PTY session with a 60-second wall clock.
package scriptsync

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/acolita/remote/internal/errs"
	"github.com/acolita/remote/internal/ssh"
	"github.com/google/uuid"
)

// Mode is the tagged-sum ScriptExec timing mode.
type Mode string

const (
	ModeInit   Mode = "init"
	ModeAlways Mode = "always"
)

// ExecMode is the tagged-sum dispatch mode.
type ExecMode string

const (
	ExecModeExec   ExecMode = "exec"
	ExecModeSource ExecMode = "source"
)

// GlobalEnv is the default interpreter environment used by source-mode
// scripts and as the last resort for exec-mode interpreter resolution.
type GlobalEnv struct {
	Interpreter string
	Flags       []string
}

// DefaultGlobalEnv returns the spec's default global interpreter.
func DefaultGlobalEnv() GlobalEnv {
	return GlobalEnv{Interpreter: "/bin/bash"}
}

// ScriptExec is one declared script execution unit.
type ScriptExec struct {
	Src         string
	Mode        Mode
	ExecMode    ExecMode
	Interpreter string
	Flags       []string
	Args        []string
	Interactive bool
	AllowFail   bool
}

// Result is the outcome of running one script.
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Skipped    bool
	SkipReason string
}

// interactiveTimeout is the hard wall-clock limit for a pseudo-interactive
// run, per spec §5.
const interactiveTimeout = 60 * time.Second

// remoteTempDir is where uploaded local scripts land before execution.
const remoteTempDir = "/tmp"

// Engine runs ScriptExec items over one SSH client.
type Engine struct {
	client   *ssh.Client
	readFile func(path string) ([]byte, error)
}

// New creates an Engine using client for upload and execution.
func New(client *ssh.Client, readFile func(path string) ([]byte, error)) *Engine {
	return &Engine{client: client, readFile: readFile}
}

// Run executes s under global, skipping init-mode scripts on a non-first
// connection unless forceInit is set.
func (e *Engine) Run(s ScriptExec, global GlobalEnv, isFirstConnect bool, forceInit bool) (Result, error) {
	if s.Mode == ModeInit && !isFirstConnect && !forceInit {
		return Result{Skipped: true, SkipReason: "init mode, not first connection"}, nil
	}

	remotePath, uploaded, shebang, err := e.resolveSrc(s.Src)
	if err != nil {
		return Result{}, errs.ScriptExec(err, "resolve script src %q", s.Src)
	}
	if uploaded {
		defer e.cleanup(remotePath)
	}

	interpreter := resolveInterpreter(s.Interpreter, shebang, global.Interpreter)
	cmd := buildCommand(s, global, interpreter, remotePath)

	var res Result
	if s.Interactive {
		res, err = e.runInteractive(cmd)
	} else {
		res, err = e.runStreaming(cmd)
	}
	if err != nil {
		return res, errs.ScriptExec(err, "run script %q", s.Src)
	}

	if res.ExitCode != 0 && !s.AllowFail {
		return res, errs.ScriptExec(nil, "script %q exited %d", s.Src, res.ExitCode)
	}
	return res, nil
}

// resolveSrc returns the remote path to execute. A ":"-prefixed src is
// already a remote path; anything else is uploaded from the local
// filesystem to a fresh temp path, chmod 0755. shebang is the local file's
// interpreter line, if any ("" for remote-path scripts, since their
// content is not fetched).
func (e *Engine) resolveSrc(src string) (remotePath string, uploaded bool, shebang string, err error) {
	if strings.HasPrefix(src, ":") {
		return strings.TrimPrefix(src, ":"), false, "", nil
	}

	data, err := e.readFile(src)
	if err != nil {
		return "", false, "", fmt.Errorf("read local script %s: %w", src, err)
	}

	remotePath = fmt.Sprintf("%s/.remote-script-%s", remoteTempDir, uuid.NewString())

	sftpClient, err := e.client.SFTPClient()
	if err != nil {
		return "", false, "", err
	}
	if err := sftpClient.WriteFile(remotePath, data, 0o755); err != nil {
		return "", false, "", fmt.Errorf("upload script to %s: %w", remotePath, err)
	}
	if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
		return "", false, "", fmt.Errorf("chmod %s: %w", remotePath, err)
	}

	return remotePath, true, shebangLine(data), nil
}

// shebangLine extracts the interpreter named by a "#!" first line, or "" if
// the file has none.
func shebangLine(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return ""
	}
	line := scanner.Text()
	if !strings.HasPrefix(line, "#!") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "#!"))
}

// resolveInterpreter implements spec §4.8 step 3's priority order.
func resolveInterpreter(explicit, shebang, globalDefault string) string {
	if explicit != "" {
		return explicit
	}
	if shebang != "" {
		return shebang
	}
	return globalDefault
}

// buildCommand implements spec §4.8 step 4.
func buildCommand(s ScriptExec, global GlobalEnv, interpreter, remotePath string) string {
	argsStr := strings.Join(s.Args, " ")

	if s.ExecMode == ExecModeSource {
		globalInterp := global.Interpreter
		if globalInterp == "" {
			globalInterp = "/bin/bash"
		}
		inner := fmt.Sprintf("source %s", remotePath)
		if argsStr != "" {
			inner += " " + argsStr
		}
		parts := []string{globalInterp}
		parts = append(parts, global.Flags...)
		parts = append(parts, "-c", fmt.Sprintf("%q", inner))
		return strings.Join(parts, " ")
	}

	parts := []string{interpreter}
	parts = append(parts, s.Flags...)
	parts = append(parts, remotePath)
	if argsStr != "" {
		parts = append(parts, argsStr)
	}
	return strings.Join(parts, " ")
}

func (e *Engine) runStreaming(cmd string) (Result, error) {
	var out, errBuf bytes.Buffer
	code, err := e.client.ExecStreaming(cmd,
		func(p []byte) { out.Write(p) },
		func(p []byte) { errBuf.Write(p) },
	)
	return Result{Stdout: out.String(), Stderr: errBuf.String(), ExitCode: code}, err
}

// runInteractive sends cmd over a PTY shell session, followed by "exit\n",
// and drains output until the shell exits or interactiveTimeout elapses.
// Per spec §9(b) this is a degraded pseudo-interactive mode, not a true
// TTY passthrough.
func (e *Engine) runInteractive(cmd string) (Result, error) {
	pty, err := ssh.NewSSHPTY(e.client, ssh.DefaultSSHPTYOptions())
	if err != nil {
		return Result{}, fmt.Errorf("open interactive session: %w", err)
	}
	defer pty.Close()

	if _, err := pty.WriteString(cmd + "\n"); err != nil {
		return Result{}, fmt.Errorf("write command: %w", err)
	}
	if _, err := pty.WriteString("exit\n"); err != nil {
		return Result{}, fmt.Errorf("write exit: %w", err)
	}

	deadline := time.Now().Add(interactiveTimeout)
	if err := pty.SetReadDeadline(deadline); err != nil {
		return Result{}, fmt.Errorf("set deadline: %w", err)
	}

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, readErr := pty.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}

	waitErr := pty.Wait()
	return Result{Stdout: out.String(), ExitCode: exitCodeFromWait(waitErr)}, nil
}

func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	return -1
}

// cleanup removes an uploaded script, ignoring errors per spec §4.8 step 7.
func (e *Engine) cleanup(remotePath string) {
	sftpClient, err := e.client.SFTPClient()
	if err != nil {
		return
	}
	_ = sftpClient.Remove(remotePath)
}
