package sync_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-data/tern/internal/checkpoint"
	"github.com/tern-data/tern/internal/config"
	"github.com/tern-data/tern/internal/objectstore"
	syncpkg "github.com/tern-data/tern/internal/sync"
)

type fakeObjectStore struct {
	objects map[string][]byte // key -> body
	listErr error
	gets    int
}

func (f *fakeObjectStore) ListObjects(_ context.Context, _, prefix string) ([]objectstore.ObjectInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []objectstore.ObjectInfo
	for key, body := range f.objects {
		if len(prefix) > 0 && len(key) >= len(prefix) && key[:len(prefix)] != prefix {
			continue
		}
		sum := sha256.Sum256(body)
		out = append(out, objectstore.ObjectInfo{
			Key:  key,
			ETag: hex.EncodeToString(sum[:8]),
			Size: int64(len(body)),
		})
	}
	return out, nil
}

func (f *fakeObjectStore) GetObject(_ context.Context, _, key string) (io.ReadCloser, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object does not exist")
	}
	f.gets++
	return io.NopCloser(bytes.NewReader(body)), nil
}

func testEngine(t *testing.T, client objectstore.Client) (*syncpkg.Engine, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "tern.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return syncpkg.NewEngine(client, store, logger), store
}

func testBucket() config.BucketConfig {
	return config.BucketConfig{
		Name: "acme-retail", Bucket: "landing", Prefix: "exports/",
		Tenant: "acme", Purchaser: "retail",
	}
}

func TestSyncBucket_DownloadsAndRegisters(t *testing.T) {
	client := &fakeObjectStore{objects: map[string][]byte{
		"exports/2026/a.pdf": []byte("alpha"),
		"exports/2026/b.pdf": []byte("bravo"),
	}}
	engine, store := testEngine(t, client)
	staging := t.TempDir()

	var synced []syncpkg.Job
	res, err := engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{
		OnFileSynced: func(j syncpkg.Job) { synced = append(synced, j) },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 0, res.Skipped)
	assert.Len(t, synced, 2)

	data, err := os.ReadFile(filepath.Join(staging, "acme", "retail", "2026", "a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	entry, err := store.GetFile(context.Background(), "acme/exports/2026/a.pdf")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.NotEmpty(t, entry.SHA256)
	assert.NotEmpty(t, entry.ETag)
	assert.False(t, entry.Legacy())
	require.NotNil(t, entry.SyncedAt)
}

func TestSyncBucket_SkipsUnchangedByETagWithoutDownload(t *testing.T) {
	client := &fakeObjectStore{objects: map[string][]byte{
		"exports/a.pdf": []byte("alpha"),
	}}
	engine, _ := testEngine(t, client)
	staging := t.TempDir()

	_, err := engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, client.gets)

	res, err := engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, client.gets, "unchanged object must not be fetched again")
}

func TestSyncBucket_RedownloadsWhenRemoteChanged(t *testing.T) {
	client := &fakeObjectStore{objects: map[string][]byte{
		"exports/a.pdf": []byte("alpha"),
	}}
	engine, _ := testEngine(t, client)
	staging := t.TempDir()

	_, err := engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{})
	require.NoError(t, err)

	client.objects["exports/a.pdf"] = []byte("alpha-v2")
	res, err := engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	data, err := os.ReadFile(filepath.Join(staging, "acme", "retail", "a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "alpha-v2", string(data))
}

func TestSyncBucket_RecoveryPathAdoptsLocalFile(t *testing.T) {
	body := []byte("alpha")
	client := &fakeObjectStore{objects: map[string][]byte{
		"exports/a.pdf": body,
	}}
	engine, store := testEngine(t, client)
	staging := t.TempDir()

	// Local file already present with matching size, but no manifest entry.
	dest := filepath.Join(staging, "acme", "retail", "a.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, body, 0o644))

	res, err := engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, client.gets)

	entry, err := store.GetFile(context.Background(), "acme/exports/a.pdf")
	require.NoError(t, err)
	require.NotNil(t, entry)
	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), entry.SHA256)
}

func TestSyncBucket_HotSetFastSkip(t *testing.T) {
	client := &fakeObjectStore{objects: map[string][]byte{
		"exports/a.pdf": []byte("alpha"),
	}}
	engine, _ := testEngine(t, client)
	staging := t.TempDir()

	dest := filepath.Join(staging, "acme", "retail", "a.pdf")
	res, err := engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{
		AlreadyExtracted: map[string]struct{}{dest: {}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, client.gets)
}

func TestSyncBucket_LimitBoundsNewDownloadsOnly(t *testing.T) {
	client := &fakeObjectStore{objects: map[string][]byte{
		"exports/a.pdf": []byte("alpha"),
		"exports/b.pdf": []byte("bravo"),
		"exports/c.pdf": []byte("charlie"),
	}}
	engine, _ := testEngine(t, client)
	staging := t.TempDir()

	limit := 2
	res, err := engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{
		LimitRemaining: &limit,
		InitialLimit:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 0, limit)

	// Second pass: the two synced files skip for free, the third consumes
	// the fresh budget.
	limit = 2
	res, err = engine.SyncBucket(context.Background(), testBucket(), staging, syncpkg.Options{
		LimitRemaining: &limit,
		InitialLimit:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, limit)
}

func TestSyncBucket_ListingErrorFailsBucket(t *testing.T) {
	client := &fakeObjectStore{listErr: errors.New("connection reset")}
	engine, _ := testEngine(t, client)

	res, err := engine.SyncBucket(context.Background(), testBucket(), t.TempDir(), syncpkg.Options{})
	assert.Error(t, err)
	assert.Equal(t, 1, res.Errors)
}

func TestSyncBucket_ProgressAgainstLimit(t *testing.T) {
	client := &fakeObjectStore{objects: map[string][]byte{
		"exports/a.pdf": []byte("alpha"),
		"exports/b.pdf": []byte("bravo"),
	}}
	engine, _ := testEngine(t, client)

	limit := 2
	var last [2]int
	_, err := engine.SyncBucket(context.Background(), testBucket(), t.TempDir(), syncpkg.Options{
		LimitRemaining: &limit,
		InitialLimit:   2,
		OnProgress:     func(done, total int) { last = [2]int{done, total} },
	})
	require.NoError(t, err)
	assert.Equal(t, [2]int{2, 2}, last)
}
