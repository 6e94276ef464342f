package tools

import (
	"context"
	"errors"
	"fmt"

	"patchpilot/internal/failure"
)

// archiveExitCodes names the archive tool's documented exit statuses.
var archiveExitCodes = map[int]string{
	1:   "warning",
	2:   "fatal error",
	3:   "CRC error, archive is corrupt",
	4:   "archive is locked",
	5:   "write error",
	6:   "open error",
	7:   "wrong command line option",
	8:   "not enough memory",
	9:   "create error",
	10:  "no files matching the request",
	11:  "wrong password",
	255: "user break",
}

// ArchiveExitMessage describes an archive tool exit code.
func ArchiveExitMessage(code int) string {
	if msg, ok := archiveExitCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("unclassified exit code %d", code)
}

// ArchiveTool invokes the external archive extractor.
type ArchiveTool struct {
	Path   string
	Runner Runner
}

// Extract unpacks members (all members when empty) of archive into outDir,
// overwriting without prompting. Exit code 1 is a warning and counts as
// success.
func (t ArchiveTool) Extract(ctx context.Context, archive, outDir string, members []string, password string) error {
	args := []string{"x", "-o+", "-y", "-idq"}
	if password != "" {
		args = append(args, "-p"+password)
	} else {
		args = append(args, "-p-")
	}
	args = append(args, archive)
	args = append(args, members...)
	args = append(args, ensureTrailingSep(outDir))

	runner := t.Runner
	if runner == nil {
		runner = CmdRunner{}
	}
	res, err := runner.Run(ctx, t.Path, args, RunOptions{})
	if err == nil {
		return nil
	}
	if ctxErr := failure.FromContext(ctx, "extract"); ctxErr != nil {
		return ctxErr
	}
	if res.ExitCode == 1 {
		return nil
	}
	var cause error = errors.New(ArchiveExitMessage(res.ExitCode))
	if res.ExitCode <= 0 {
		cause = fmt.Errorf("%s: %w", t.Path, err)
	}
	return failure.New(failure.KindExternalTool, "extract", archive, cause).
		WithDetail(combinedOutput(res))
}

func ensureTrailingSep(dir string) string {
	if dir == "" {
		return dir
	}
	last := dir[len(dir)-1]
	if last == '/' || last == '\\' {
		return dir
	}
	return dir + string(separator)
}
