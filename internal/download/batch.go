package download

import (
	"context"
	"sync"

	"patchpilot/internal/failure"
	"patchpilot/internal/manifest"
)

// batchCounter folds per-file progress into one monotonically increasing
// batch counter.
type batchCounter struct {
	mu        sync.Mutex
	completed int64
	reported  int64
	total     int64
	progress  ProgressFunc
}

func (c *batchCounter) file(done int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.completed + done
	if v <= c.reported {
		return
	}
	c.reported = v
	if c.reported > c.total {
		c.total = c.reported
	}
	if c.progress != nil {
		c.progress(c.reported, c.total)
	}
}

func (c *batchCounter) complete(size int64) {
	c.mu.Lock()
	c.completed += size
	c.mu.Unlock()
	c.file(0)
}

// FetchAll downloads every descriptor in order into dir. Cancellation is
// checked before each file.
func (d *Downloader) FetchAll(ctx context.Context, fds []manifest.FileDescriptor, dir string, progress ProgressFunc) ([]Result, error) {
	counter := &batchCounter{progress: progress}
	for _, fd := range fds {
		counter.total += fd.Size
	}

	results := make([]Result, 0, len(fds))
	for _, fd := range fds {
		if err := failure.FromContext(ctx, "download"); err != nil {
			return results, err
		}
		res, err := d.Fetch(ctx, fd, dir, func(done, _ int64) {
			counter.file(done)
		})
		if err != nil {
			return results, err
		}
		size := fd.Size
		if size <= 0 {
			size = res.BytesTransferred
		}
		counter.complete(size)
		results = append(results, res)
	}
	return results, nil
}
