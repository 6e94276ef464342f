package tools

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"time"
)

// outputLimit caps how much of each stream a RunResult keeps. The tail is
// what carries the error message.
const outputLimit = 64 << 10

// waitDelay bounds how long a cancelled tool may hold its pipes open.
var waitDelay = 5 * time.Second

// RunOptions receives live output in addition to the captured tail.
type RunOptions struct {
	Stdout io.Writer
	Stderr io.Writer
}

// RunResult is a finished process. Stdout and Stderr hold at most the last
// outputLimit bytes written to each.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes external processes. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, command string, args []string, opts RunOptions) (RunResult, error)
}

// CmdRunner runs tools with os/exec. Cancelling ctx kills the process.
type CmdRunner struct{}

func (CmdRunner) Run(ctx context.Context, command string, args []string, opts RunOptions) (RunResult, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.WaitDelay = waitDelay

	stdout := &tailBuffer{limit: outputLimit}
	stderr := &tailBuffer{limit: outputLimit}
	cmd.Stdout = tee(stdout, opts.Stdout)
	cmd.Stderr = tee(stderr, opts.Stderr)

	err := cmd.Run()
	res := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res, err
}

var _ Runner = CmdRunner{}

func tee(buf io.Writer, live io.Writer) io.Writer {
	if live == nil {
		return buf
	}
	return io.MultiWriter(buf, live)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.limit {
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.buf
}

// combinedOutput joins stdout and stderr for error details.
func combinedOutput(res RunResult) string {
	out := bytes.TrimSpace(res.Stdout)
	errOut := bytes.TrimSpace(res.Stderr)
	switch {
	case len(out) == 0:
		return string(errOut)
	case len(errOut) == 0:
		return string(out)
	default:
		return string(out) + "\n" + string(errOut)
	}
}
