// Package download fetches remote archives with resume-on-interrupt and
// post-transfer MD5 verification.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"patchpilot/internal/failure"
	"patchpilot/internal/fingerprint"
	"patchpilot/internal/manifest"
)

// PartialSuffix marks an in-progress download beside its final path.
const PartialSuffix = ".part"

// DefaultChunkSize is used when Options.ChunkSize is unset.
const DefaultChunkSize = 64 * 1024

// Logger is the minimal logging surface used by the downloader.
type Logger interface {
	Printf(format string, v ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// ProgressFunc receives cumulative bytes and the best known total. It is
// invoked on the downloading goroutine.
type ProgressFunc func(done, total int64)

// Result describes one completed fetch.
type Result struct {
	Path             string
	Verified         bool
	Resumed          bool
	BytesTransferred int64
}

// Options configures a Downloader.
type Options struct {
	Client    *http.Client
	ChunkSize int
	Retry     RetryPolicy
	Logger    Logger
}

// Downloader streams descriptors into a destination directory.
type Downloader struct {
	client    *http.Client
	chunkSize int
	retry     RetryPolicy
	logger    Logger
}

// New constructs a Downloader.
func New(opts Options) *Downloader {
	d := &Downloader{
		client:    opts.Client,
		chunkSize: opts.ChunkSize,
		retry:     opts.Retry,
		logger:    opts.Logger,
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.chunkSize <= 0 {
		d.chunkSize = DefaultChunkSize
	}
	if d.retry.MaxAttempts <= 0 {
		d.retry = DefaultRetryPolicy()
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}
	return d
}

// Destination returns the final path of fd under dir.
func Destination(dir string, fd manifest.FileDescriptor) string {
	return filepath.Join(dir, filepath.Base(filepath.FromSlash(fd.Filename)))
}

// Fetch downloads fd into dir, retrying transient failures. Cancellation
// leaves the partial file in place for a later resume.
func (d *Downloader) Fetch(ctx context.Context, fd manifest.FileDescriptor, dir string, progress ProgressFunc) (Result, error) {
	if err := failure.FromContext(ctx, "download"); err != nil {
		return Result{}, err
	}
	var transferred int64
	res, err := Do(ctx, d.retry, func() (Result, error) {
		r, err := d.fetchOnce(ctx, fd, dir, progress)
		transferred += r.BytesTransferred
		return r, err
	}, func(err error, wait time.Duration) {
		d.logger.Printf("download %s: retrying in %s: %v", fd.Filename, wait.Round(time.Millisecond), err)
	})
	res.BytesTransferred = transferred
	return res, err
}

func (d *Downloader) fetchOnce(ctx context.Context, fd manifest.FileDescriptor, dir string, progress ProgressFunc) (Result, error) {
	final := Destination(dir, fd)
	partial := final + PartialSuffix
	res := Result{Path: final}

	if ok, err := alreadyComplete(final, fd); err != nil {
		return res, err
	} else if ok {
		res.Verified = fd.MD5 != ""
		d.logger.Printf("download %s: already present", fd.Filename)
		return res, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, fmt.Errorf("create download dir: %w", err)
	}

	var offset int64
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
	}
	if fd.Size > 0 && offset > fd.Size {
		if err := os.Remove(partial); err != nil {
			return res, fmt.Errorf("discard oversized partial: %w", err)
		}
		offset = 0
	}

	if fd.Size > 0 && offset == fd.Size {
		res.Resumed = true
		return d.finish(fd, partial, final, res)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fd.URL, nil)
	if err != nil {
		return res, fmt.Errorf("create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := failure.FromContext(ctx, "download"); ctxErr != nil {
			return res, ctxErr
		}
		return res, failure.New(failure.KindTransfer, "download", fd.URL, err)
	}
	defer resp.Body.Close()

	total := fd.Size
	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			os.Remove(partial)
			return res, failure.Newf(failure.KindTransfer, "download",
				"%s: unusable Content-Range %q for offset %d", fd.Filename, resp.Header.Get("Content-Range"), offset)
		}
		if size > 0 {
			total = size
		}
		flags |= os.O_APPEND
		res.Resumed = offset > 0
	case http.StatusOK:
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
		flags |= os.O_TRUNC
		offset = 0
	case http.StatusRequestedRangeNotSatisfiable:
		os.Remove(partial)
		return res, failure.Newf(failure.KindTransfer, "download",
			"%s: server rejected resume at offset %d", fd.Filename, offset)
	default:
		return res, failure.New(failure.KindTransfer, "download", fd.URL,
			&manifest.StatusError{URL: fd.URL, StatusCode: resp.StatusCode})
	}

	file, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return res, fmt.Errorf("open partial: %w", err)
	}

	n, copyErr := d.stream(ctx, file, resp.Body, offset, total, progress)
	res.BytesTransferred = n
	syncErr := file.Sync()
	closeErr := file.Close()
	if copyErr != nil {
		return res, copyErr
	}
	if syncErr != nil {
		return res, fmt.Errorf("sync partial: %w", syncErr)
	}
	if closeErr != nil {
		return res, fmt.Errorf("close partial: %w", closeErr)
	}
	return d.finish(fd, partial, final, res)
}

// stream copies body into w in fixed-size chunks, checking ctx before every
// chunk.
func (d *Downloader) stream(ctx context.Context, w io.Writer, body io.Reader, offset, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, d.chunkSize)
	var written int64
	for {
		if err := failure.FromContext(ctx, "download"); err != nil {
			return written, err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write partial: %w", err)
			}
			written += int64(n)
			if progress != nil {
				done := offset + written
				if total < done {
					total = done
				}
				progress(done, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			if err := failure.FromContext(ctx, "download"); err != nil {
				return written, err
			}
			return written, failure.New(failure.KindTransfer, "download", "", readErr)
		}
	}
}

// finish verifies the partial file and renames it into place.
func (d *Downloader) finish(fd manifest.FileDescriptor, partial, final string, res Result) (Result, error) {
	info, err := os.Stat(partial)
	if err != nil {
		return res, fmt.Errorf("stat partial: %w", err)
	}
	if fd.Size > 0 && info.Size() != fd.Size && fd.MD5 == "" {
		os.Remove(partial)
		return res, failure.New(failure.KindIntegrity, "verify", fd.Filename, errors.New("size mismatch")).
			WithDetail(fmt.Sprintf("expected %d bytes, got %d", fd.Size, info.Size()))
	}
	if fd.MD5 != "" {
		got, err := fingerprint.HashFile(partial)
		if err != nil {
			return res, err
		}
		if got != fingerprint.NormalizeHash(fd.MD5) {
			os.Remove(partial)
			return res, failure.New(failure.KindIntegrity, "verify", fd.Filename, errors.New("md5 mismatch")).
				WithDetail(fmt.Sprintf("expected %s, got %s", fingerprint.NormalizeHash(fd.MD5), got))
		}
		res.Verified = true
	}
	if err := os.Rename(partial, final); err != nil {
		return res, fmt.Errorf("finalize download: %w", err)
	}
	d.logger.Printf("download %s: complete (%d bytes this run, resumed=%v)", fd.Filename, res.BytesTransferred, res.Resumed)
	return res, nil
}

// alreadyComplete reports whether final already holds fd's content. Without
// an expected hash only the size is compared.
func alreadyComplete(final string, fd manifest.FileDescriptor) (bool, error) {
	info, err := os.Stat(final)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat download: %w", err)
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}
	if fd.MD5 == "" {
		return fd.Size > 0 && info.Size() == fd.Size, nil
	}
	if fd.Size > 0 && info.Size() != fd.Size {
		return false, nil
	}
	got, err := fingerprint.HashFile(final)
	if err != nil {
		return false, err
	}
	return got == fingerprint.NormalizeHash(fd.MD5), nil
}

// parseContentRange extracts start and total from "bytes start-end/total".
// An unknown total ("*") yields -1.
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	rest := strings.TrimPrefix(v, "bytes ")
	rng, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if size == "*" {
		return s, -1, true
	}
	t, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return s, t, true
}
