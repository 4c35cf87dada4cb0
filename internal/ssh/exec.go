package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// OutputSink receives a chunk of bytes drained from a stream during a
// streaming exec. It is called with the raw bytes read; callers that need
// to retain the data past the call must copy it.
type OutputSink func(p []byte)

// Exec runs cmd to completion on a fresh session channel, reading both
// streams to EOF before returning.
func (c *Client) Exec(cmd string) (stdout string, stderr string, exitCode int, err error) {
	session, err := c.NewSession()
	if err != nil {
		return "", "", -1, err
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runErr := session.Run(cmd)
	exitCode = exitCodeFromErr(runErr)
	if runErr != nil && exitCode == -1 {
		return outBuf.String(), errBuf.String(), exitCode, fmt.Errorf("exec %q: %w", cmd, runErr)
	}
	return outBuf.String(), errBuf.String(), exitCode, nil
}

// ExecStreaming runs cmd on a fresh session channel, invoking onOut/onErr
// with every buffer drained from stdout/stderr as it arrives. Each stream is
// drained by a dedicated goroutine doing blocking reads; a zero-length read
// with no error (which the underlying channel never produces in practice)
// is handled by a short idle sleep rather than a tight retry loop, so the
// drain never busy-spins. Returns the terminal exit code once the command
// completes.
func (c *Client) ExecStreaming(cmd string, onOut, onErr OutputSink) (exitCode int, err error) {
	session, err := c.NewSession()
	if err != nil {
		return -1, err
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("start %q: %w", cmd, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go drainStream(stdoutPipe, onOut, &wg)
	go drainStream(stderrPipe, onErr, &wg)
	wg.Wait()

	runErr := session.Wait()
	exitCode = exitCodeFromErr(runErr)
	if runErr != nil && exitCode == -1 {
		return exitCode, fmt.Errorf("exec %q: %w", cmd, runErr)
	}
	return exitCode, nil
}

func drainStream(r io.Reader, sink OutputSink, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && sink != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink(chunk)
		}
		if err != nil {
			return
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// exitCodeFromErr extracts a remote exit code from the error session.Run/
// session.Wait returns, following the same convention as a POSIX shell:
// 0 on success, the remote exit status on ExitError, -1 when the status is
// unknown (session closed without an exit status, e.g. on signal).
func exitCodeFromErr(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
