package storagenode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/erasure"
)

// Wire protocol headers.
const (
	HeaderDigest  = "X-Shard-Digest"
	HeaderAttempt = "X-Attempt-ID"
	HeaderNode    = "X-Node-ID"
)

const shardPrefix = "/shard/"

// ShardPath returns the request path for a shard.
func ShardPath(fp blob.Fingerprint, index int) string {
	return fmt.Sprintf("%s%s/%d", shardPrefix, fp, index)
}

// ParseShardPath splits /shard/{fingerprint}/{index}.
func ParseShardPath(p string) (blob.Fingerprint, int, error) {
	rest, ok := strings.CutPrefix(p, shardPrefix)
	if !ok {
		return blob.Fingerprint{}, 0, fmt.Errorf("not a shard path: %s", p)
	}
	fpText, idxText, ok := strings.Cut(rest, "/")
	if !ok {
		return blob.Fingerprint{}, 0, fmt.Errorf("missing shard index: %s", p)
	}
	fp, err := blob.ParseFingerprint(fpText)
	if err != nil {
		return blob.Fingerprint{}, 0, err
	}
	index, err := strconv.Atoi(idxText)
	if err != nil || index < 0 || index >= erasure.MaxShards {
		return blob.Fingerprint{}, 0, fmt.Errorf("bad shard index %q", idxText)
	}
	return fp, index, nil
}
