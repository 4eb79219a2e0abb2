// Package archive provides the content-addressed raw-payload snapshot port.
// Every successful upstream fetch is archived exactly once; the object key
// embeds the sha256 of the canonical payload so replays are detectable.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Archiver stores one raw upstream payload and returns the object key.
type Archiver interface {
	Store(ctx context.Context, tenantID, dataset string, payload []byte) (string, error)
}

// Key builds the archive object key:
//
//	prefix/tenantID/dataset/YYYY-MM-DDTHH-mm-ss-sssZ_<sha256[0:12]>.json
func Key(prefix, tenantID, dataset string, at time.Time, payload []byte) string {
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])[:12]
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(at.UTC().Format("2006-01-02T15:04:05.000Z"))
	return fmt.Sprintf("%s/%s/%s/%s_%s.json", strings.TrimSuffix(prefix, "/"), tenantID, dataset, ts, digest)
}
