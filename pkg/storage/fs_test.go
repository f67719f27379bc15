/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFsStore(t *testing.T) *FsStore {
	store, err := NewFsStore(t.TempDir(), "test-signing-key", "http://localhost:8080")
	require.NoError(t, err)
	return store
}

func TestFsStorePutGet(t *testing.T) {
	ctx := context.Background()
	store := newTestFsStore(t)

	data := []byte(`{"version": 4}`)
	meta, err := store.Put(ctx, "state/ws1/sv1.tfstate", data, "application/json", map[string]string{"run": "r1"})
	require.NoError(t, err)
	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.ETag)
	assert.Equal(t, int64(len(data)), meta.Size)

	got, err := store.Get(ctx, "state/ws1/sv1.tfstate")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	head, err := store.Head(ctx, "state/ws1/sv1.tfstate")
	require.NoError(t, err)
	assert.Equal(t, "application/json", head.ContentType)
	assert.Equal(t, meta.ETag, head.ETag)
	assert.Equal(t, "r1", head.Metadata["run"])

	exists, err := store.Exists(ctx, "state/ws1/sv1.tfstate")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFsStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestFsStore(t)

	_, err := store.Get(ctx, "state/ws1/none.tfstate")
	assert.Error(t, err)

	exists, err := store.Exists(ctx, "state/ws1/none.tfstate")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFsStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestFsStore(t)

	_, err := store.Put(ctx, "plans/ws1/r1.tfplan", []byte("plan"), "", nil)
	require.NoError(t, err)
	assert.NoError(t, store.Delete(ctx, "plans/ws1/r1.tfplan"))
	// Second delete succeeds on an absent key.
	assert.NoError(t, store.Delete(ctx, "plans/ws1/r1.tfplan"))
}

func TestFsStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestFsStore(t)

	_, err := store.Put(ctx, "logs/ws1/plans/r1.log", []byte("a"), "text/plain", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "logs/ws1/applies/r1.log", []byte("b"), "text/plain", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "state/ws1/sv1.tfstate", []byte("c"), "", nil)
	require.NoError(t, err)

	items, err := store.ListPrefix(ctx, "logs/ws1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestFsStorePathTraversalRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestFsStore(t)

	_, err := store.Put(ctx, "../escape", []byte("x"), "", nil)
	assert.Error(t, err)
	_, err = store.Get(ctx, "/etc/passwd")
	assert.Error(t, err)
	_, err = store.PresignedGetURL(ctx, "a/../../b", time.Hour)
	assert.Error(t, err)
}

func TestFsStorePresignedURLVerify(t *testing.T) {
	ctx := context.Background()
	store := newTestFsStore(t)

	signed, err := store.PresignedGetURL(ctx, "state/ws1/sv1.tfstate", time.Hour)
	require.NoError(t, err)

	parsed, err := url.Parse(signed.URL)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(parsed.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	sig := parsed.Query().Get("sig")

	now := time.Now()
	assert.True(t, store.Verify(OpGet, "state/ws1/sv1.tfstate", sig, expires, now))
	// Wrong op, wrong key, tampered sig, expired window.
	assert.False(t, store.Verify(OpPut, "state/ws1/sv1.tfstate", sig, expires, now))
	assert.False(t, store.Verify(OpGet, "state/ws1/other.tfstate", sig, expires, now))
	assert.False(t, store.Verify(OpGet, "state/ws1/sv1.tfstate", sig+"00", expires, now))
	assert.False(t, store.Verify(OpGet, "state/ws1/sv1.tfstate", sig, expires, now.Add(2*time.Hour)))
}

func TestFsStorePresignedPutHeaders(t *testing.T) {
	ctx := context.Background()
	store := newTestFsStore(t)

	signed, err := store.PresignedPutURL(ctx, "config/ws1/cv1.tar.gz", "application/x-tar", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "application/x-tar", signed.Headers["Content-Type"])
	assert.True(t, signed.ExpiresAt.After(time.Now()))
}
