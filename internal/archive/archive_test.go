package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFormat(t *testing.T) {
	at := time.Date(2026, 3, 15, 9, 4, 5, 123_000_000, time.UTC)
	payload := []byte(`{"ok":true}`)
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])[:12]

	key := Key("raw", "tenant-1", "inventory", at, payload)
	assert.Equal(t, fmt.Sprintf("raw/tenant-1/inventory/2026-03-15T09-04-05-123Z_%s.json", digest), key)
}

func TestKeyHasNoColonsOrDots(t *testing.T) {
	key := Key("raw/", "t1", "orders", time.Now(), []byte("x"))
	// Only the .json suffix may carry a dot; the timestamp is flattened.
	re := regexp.MustCompile(`^raw/t1/orders/[0-9T\-Z]+_[0-9a-f]{12}\.json$`)
	assert.Regexp(t, re, key)
}

func TestKeyIsContentAddressed(t *testing.T) {
	at := time.Now()
	k1 := Key("raw", "t1", "inventory", at, []byte("payload-a"))
	k2 := Key("raw", "t1", "inventory", at, []byte("payload-b"))
	k3 := Key("raw", "t1", "inventory", at, []byte("payload-a"))
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, k3)
}

func TestMemoryArchiverStores(t *testing.T) {
	m := NewMemory()
	key, err := m.Store(context.Background(), "t1", "inventory", []byte(`{"page":1}`))
	require.NoError(t, err)
	assert.Contains(t, key, "/t1/inventory/")
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, []byte(`{"page":1}`), m.Objects[key])
}
