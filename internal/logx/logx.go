package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"patchpilot/internal/paths"
)

// KeepLogs is how many log files survive a call to New.
var KeepLogs = 20

// Options tunes a command logger.
type Options struct {
	// Command is appended to the file name, e.g. 20240102-150405-update.log.
	Command string
	// Echo also receives every line when set.
	Echo io.Writer
}

// New creates a logger that writes to a timestamped file inside the state
// logs directory and prunes older files beyond KeepLogs. The returned closer
// should be closed when logging is no longer needed.
func New(p paths.AppPaths, opts Options) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(p.LogsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("ensure logs directory: %w", err)
	}

	filename := time.Now().Format("20060102-150405")
	if opts.Command != "" {
		filename += "-" + opts.Command
	}
	filePath := filepath.Join(p.LogsDir, filename+".log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	Prune(p.LogsDir, KeepLogs)

	var w io.Writer = file
	if opts.Echo != nil {
		w = io.MultiWriter(file, opts.Echo)
	}
	logger := log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	return logger, file, nil
}

// Prune removes the oldest *.log files in dir until at most keep remain.
// Names sort chronologically, so no stat calls are needed. Errors are ignored.
func Prune(dir string, keep int) {
	if keep <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			logs = append(logs, e.Name())
		}
	}
	if len(logs) <= keep {
		return
	}
	sort.Strings(logs)
	for _, name := range logs[:len(logs)-keep] {
		os.Remove(filepath.Join(dir, name))
	}
}
