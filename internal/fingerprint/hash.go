package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// HashChunkSize is the read buffer used when streaming files through MD5.
const HashChunkSize = 1 << 20

// HashFile returns the lowercase hex MD5 digest of the file at path. The file
// is streamed in fixed-size chunks so memory stays constant regardless of size.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer file.Close()

	h := md5.New()
	buf := make([]byte, HashChunkSize)
	if _, err := io.CopyBuffer(h, file, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeHash canonicalises a hex digest for comparison.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// NormalizeProbe canonicalises a probe path to a clean forward-slash path
// relative to the installation root. Paths that would leave the root, or
// carry a volume name, normalise to "" and are dropped by every caller.
func NormalizeProbe(probe string) string {
	p := strings.Trim(strings.ReplaceAll(strings.TrimSpace(probe), "\\", "/"), "/")
	if p == "" || strings.Contains(p, ":") {
		return ""
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}
