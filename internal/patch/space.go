package patch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"patchpilot/internal/failure"
)

// FreeSpaceFunc reports the bytes available to the caller on the volume
// holding path.
type FreeSpaceFunc func(path string) (uint64, error)

// existingAncestor walks up from p to the nearest directory that exists.
func existingAncestor(p string) string {
	for {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// ensureSpace fails with an insufficient-space error when fewer than need
// bytes are free at dir.
func ensureSpace(free FreeSpaceFunc, op, dir string, need int64) error {
	if free == nil || need <= 0 {
		return nil
	}
	avail, err := free(existingAncestor(dir))
	if err != nil {
		return fmt.Errorf("query free space at %s: %w", dir, err)
	}
	if avail < uint64(need) {
		return failure.New(failure.KindInsufficientSpace, op, dir, nil).
			WithDetail(humanize.Bytes(uint64(need)) + " required, " + humanize.Bytes(avail) + " available")
	}
	return nil
}
