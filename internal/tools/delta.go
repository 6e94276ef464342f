package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"patchpilot/internal/failure"
)

// Placeholders understood by the delta tool argument templates.
const (
	PlaceholderSource = "{source}"
	PlaceholderDelta  = "{delta}"
	PlaceholderDeltas = "{deltas}"
	PlaceholderOutput = "{output}"
)

var progressBytesRegex = regexp.MustCompile(`(\d+) bytes`)

// DeltaTool invokes the external binary-delta tool.
type DeltaTool struct {
	Path      string
	ApplyArgs []string
	MergeArgs []string
	Runner    Runner
}

// Apply writes output by applying delta to source. onBytes, when set,
// receives the cumulative output byte count parsed from tool output.
func (t DeltaTool) Apply(ctx context.Context, source, delta, output string, onBytes func(int64)) error {
	args := expandArgs(t.ApplyArgs, map[string]string{
		PlaceholderSource: source,
		PlaceholderDelta:  delta,
		PlaceholderOutput: output,
	}, nil)
	return t.run(ctx, "apply delta", output, args, onBytes)
}

// Merge combines an ordered chain of deltas into a single delta at output.
func (t DeltaTool) Merge(ctx context.Context, deltas []string, output string) error {
	if len(deltas) < 2 {
		return fmt.Errorf("merge needs at least two deltas, got %d", len(deltas))
	}
	args := expandArgs(t.MergeArgs, map[string]string{PlaceholderOutput: output}, mergeList(deltas))
	return t.run(ctx, "merge deltas", output, args, nil)
}

// mergeList renders "-m d1 ... -m dn-1 dn": every delta except the last is
// passed as a merge input.
func mergeList(deltas []string) []string {
	out := make([]string, 0, 2*len(deltas))
	for _, d := range deltas[:len(deltas)-1] {
		out = append(out, "-m", d)
	}
	return append(out, deltas[len(deltas)-1])
}

func (t DeltaTool) run(ctx context.Context, op, target string, args []string, onBytes func(int64)) error {
	runner := t.Runner
	if runner == nil {
		runner = CmdRunner{}
	}
	opts := RunOptions{}
	if onBytes != nil {
		w := newProgressWriter(onBytes)
		opts.Stdout = w
		opts.Stderr = w
	}
	res, err := runner.Run(ctx, t.Path, args, opts)
	if err != nil {
		if ctxErr := failure.FromContext(ctx, op); ctxErr != nil {
			return ctxErr
		}
		return failure.New(failure.KindExternalTool, op, target,
			fmt.Errorf("%s exited with code %d: %w", t.Path, res.ExitCode, err)).
			WithDetail(combinedOutput(res))
	}
	return nil
}

// expandArgs substitutes placeholders in a template. The {deltas}
// placeholder expands in place to list.
func expandArgs(template []string, values map[string]string, list []string) []string {
	out := make([]string, 0, len(template)+len(list))
	for _, arg := range template {
		if arg == PlaceholderDeltas {
			out = append(out, list...)
			continue
		}
		for k, v := range values {
			arg = strings.ReplaceAll(arg, k, v)
		}
		out = append(out, arg)
	}
	return out
}

// progressWriter scans tool output line by line for byte counts.
type progressWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onBytes func(int64)
}

func newProgressWriter(onBytes func(int64)) *progressWriter {
	return &progressWriter{onBytes: onBytes}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err == io.EOF {
			// Keep the incomplete tail for the next write.
			rest := append([]byte(nil), line...)
			w.buf.Reset()
			w.buf.Write(rest)
			break
		}
		w.scan(line)
	}
	return len(p), nil
}

func (w *progressWriter) scan(line []byte) {
	sc := bufio.NewScanner(bytes.NewReader(line))
	sc.Split(splitCR)
	for sc.Scan() {
		if m := progressBytesRegex.FindSubmatch(sc.Bytes()); m != nil {
			if n, err := strconv.ParseInt(string(m[1]), 10, 64); err == nil {
				w.onBytes(n)
			}
		}
	}
}

// splitCR splits on either \r or \n so carriage-return progress redraws are
// seen individually.
func splitCR(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
