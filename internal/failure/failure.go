// Package failure defines the error taxonomy shared by every stage of the
// update pipeline. Callers switch on Kind instead of matching concrete types.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Kind discriminates the class of a pipeline failure.
type Kind string

const (
	KindUnknown             Kind = ""
	KindManifestStructure   Kind = "manifest-structure"
	KindNoPath              Kind = "no-path"
	KindIntegrity           Kind = "integrity"
	KindTransfer            Kind = "transfer"
	KindCancelled           Kind = "cancelled"
	KindRequiredFileMissing Kind = "required-file-missing"
	KindInsufficientSpace   Kind = "insufficient-space"
	KindExternalTool        Kind = "external-tool"
	KindPermission          Kind = "permission"
	KindUnknownVersion      Kind = "unknown-version"
	KindNoLocalConfigFormat Kind = "no-local-config-format"
	KindInvalidInstall      Kind = "invalid-install"
)

// Error is the tagged error carried through the pipeline.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "download" or "apply delta".
	Op string
	// Path is the file or URL involved, when there is one.
	Path string
	// Detail holds diagnostic text such as expected/observed hashes or raw
	// tool output.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Newf builds an Error whose cause is a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithDetail returns a copy of e carrying the diagnostic detail.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = strings.TrimSpace(detail)
	return &cp
}

// KindOf reports the Kind of the first *Error in err's chain. Context
// cancellation is reported as KindCancelled even when not wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Cancelled wraps a context error as a cancellation failure.
func Cancelled(op string, err error) *Error {
	if err == nil {
		err = context.Canceled
	}
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}

// FromContext returns a cancellation failure when ctx is done, nil otherwise.
func FromContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(op, err)
	}
	return nil
}

// FileOp classifies a filesystem error from a live-directory mutation. Access
// denials become KindPermission; everything else is returned wrapped as-is.
func FileOp(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return &Error{Kind: KindPermission, Op: op, Path: path, Err: err,
			Detail: "write denied; another process or security software may be holding the file"}
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}
