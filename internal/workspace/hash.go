package workspace

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// HashContent returns a stable hex digest of content. The indexer compares
// it against the stored digest to skip re-embedding unchanged files.
func HashContent(content string) string {
	h := xxh3.HashString128(content)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

