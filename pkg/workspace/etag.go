package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// computeETag derives a concurrency token from a file's size, modification
// time (nanoseconds), and a hash of its content. The function is fixed for
// the life of a running server, so a client may memoize its results.
func computeETag(size int64, mtimeNs int64, content []byte) string {
	h := sha256.Sum256(content)
	prefix := hex.EncodeToString(h[:8])
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", size, mtimeNs, prefix)))
	return hex.EncodeToString(sum[:])[:16]
}
