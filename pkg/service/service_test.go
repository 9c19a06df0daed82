package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zots0127/dedupstore/pkg/catalog"
	"github.com/zots0127/dedupstore/pkg/storage"
	"github.com/zots0127/dedupstore/pkg/types"
)

type testEnv struct {
	files    *FileService
	stats    *StatsService
	catalog  *catalog.Catalog
	store    *storage.Store
	basePath string
	dbPath   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "catalog.db")
	cat, err := catalog.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	basePath := filepath.Join(dir, "blobs")
	store, err := storage.NewStore(basePath)
	require.NoError(t, err)

	cfg := DefaultServiceConfig()
	cfg.EnableLogging = false

	return &testEnv{
		files:    NewFileService(cat, store, cfg),
		stats:    NewStatsService(cat, cfg),
		catalog:  cat,
		store:    store,
		basePath: basePath,
		dbPath:   dbPath,
	}
}

func (e *testEnv) ingest(t *testing.T, name, content string) *types.FileRecord {
	t.Helper()
	rec, _, err := e.files.Ingest(context.Background(), name, "", bytes.NewReader([]byte(content)))
	require.NoError(t, err)
	return rec
}

func (e *testEnv) summary(t *testing.T) *types.StorageSummary {
	t.Helper()
	s, err := e.stats.Summary(context.Background())
	require.NoError(t, err)
	return s
}

func TestIngestNewContent(t *testing.T) {
	env := newTestEnv(t)

	rec, isNew, err := env.files.Ingest(context.Background(), "doc.txt", "", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "doc.txt", rec.OriginalFilename)
	assert.Equal(t, "txt", rec.FileType)
	assert.Equal(t, int64(5), rec.FileSize)
	assert.Equal(t, int64(1), rec.RefCount)
	assert.Equal(t, storage.HashBytes([]byte("hello")), rec.ContentFingerprint)
	assert.True(t, env.store.Exists(rec.ContentFingerprint))
}

func TestIngestDeclaredTypeWins(t *testing.T) {
	env := newTestEnv(t)
	rec, _, err := env.files.Ingest(context.Background(), "data.bin", "application/x-custom", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "application/x-custom", rec.FileType)
}

// Scenario: upload "hello" twice under different names, then delete both.
func TestDeduplicationLifecycle(t *testing.T) {
	env := newTestEnv(t)

	a := env.ingest(t, "a.txt", "hello")
	b, isNew, err := env.files.Ingest(context.Background(), "b.txt", "", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.False(t, isNew)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ContentFingerprint, b.ContentFingerprint)
	assert.Equal(t, int64(2), b.RefCount)

	// Both records read through to the shared count.
	got, err := env.files.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RefCount)

	s := env.summary(t)
	assert.Equal(t, int64(10), s.TotalFileSize)
	assert.Equal(t, int64(5), s.DeduplicatedStorage)
	assert.Equal(t, int64(5), s.StorageSaved)
	assert.Equal(t, 50.0, s.SavingsPercentage)

	// Deleting one record keeps the blob.
	reclaimed, err := env.files.Delete(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, reclaimed)
	assert.True(t, env.store.Exists(b.ContentFingerprint))

	got, err = env.files.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RefCount)

	s = env.summary(t)
	assert.Equal(t, int64(5), s.TotalFileSize)
	assert.Equal(t, int64(5), s.DeduplicatedStorage)
	assert.Equal(t, int64(0), s.StorageSaved)
	assert.Equal(t, 0.0, s.SavingsPercentage)

	// Deleting the last record reclaims the payload.
	reclaimed, err = env.files.Delete(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, reclaimed)
	assert.False(t, env.store.Exists(b.ContentFingerprint))

	s = env.summary(t)
	assert.Equal(t, int64(0), s.TotalFileSize)
	assert.Equal(t, int64(0), s.DeduplicatedStorage)
	assert.Equal(t, int64(0), s.StorageSaved)
	assert.Equal(t, 0.0, s.SavingsPercentage)
}

func TestDeleteMissing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.files.Delete(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDownloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	payload := make([]byte, 1<<16)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	rec, _, err := env.files.Ingest(context.Background(), "blob.bin", "bin", bytes.NewReader(payload))
	require.NoError(t, err)

	got, reader, err := env.files.OpenDownload(context.Background(), rec.ID)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, rec.ID, got.ID)

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadCorruptedBlob(t *testing.T) {
	env := newTestEnv(t)
	rec := env.ingest(t, "victim.txt", "pristine content")

	fp := rec.ContentFingerprint
	path := filepath.Join(env.basePath, fp[:2], fp[2:4], fp)
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0644))

	_, _, err := env.files.OpenDownload(context.Background(), rec.ID)
	assert.ErrorIs(t, err, types.ErrIntegrity)
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		filename string
	}{
		{"Empty filename", "  "},
		{"Parent traversal", "../etc/passwd"},
		{"Path separator", "dir/file.txt"},
		{"Backslash", "dir\\file.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.files.Ingest(context.Background(), tt.filename, "", bytes.NewReader([]byte("x")))
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestUploadSizeCap(t *testing.T) {
	env := newTestEnv(t)
	env.files.config.MaxUploadSize = 8

	_, _, err := env.files.Ingest(context.Background(), "big.bin", "", bytes.NewReader(make([]byte, 9)))
	assert.ErrorIs(t, err, types.ErrValidation)

	// Nothing leaked into the engine.
	s := env.summary(t)
	assert.Zero(t, s.TotalFileSize)
}

func TestValidateFilter(t *testing.T) {
	min := int64(1048576)
	max := int64(512000)
	err := ValidateFilter(&types.SearchFilter{MinSize: &min, MaxSize: &max})
	assert.ErrorIs(t, err, types.ErrValidation)

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	err = ValidateFilter(&types.SearchFilter{StartDate: &start, EndDate: &end})
	assert.ErrorIs(t, err, types.ErrValidation)

	err = ValidateFilter(&types.SearchFilter{Filename: "ok", Page: 1, PageSize: 20})
	assert.NoError(t, err)
}

func TestSearchRejectsContradictoryRange(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "present.txt", "content")

	min := int64(10)
	max := int64(1)
	_, err := env.files.Search(context.Background(), &types.SearchFilter{MinSize: &min, MaxSize: &max})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestIngestCompensatesOnCatalogFailure(t *testing.T) {
	env := newTestEnv(t)

	rec := env.ingest(t, "keep.txt", "kept content")

	// Breaking the files table makes the final record insert fail while
	// Acquire still succeeds, forcing the rollback path.
	db, err := sql.Open("sqlite", env.dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("DROP TABLE files")
	require.NoError(t, err)

	// Novel content: the acquired reference and the published payload are
	// both rolled back, leaving no leaked blob.
	payload := []byte("novel content")
	_, _, err = env.files.Ingest(context.Background(), "new.txt", "", bytes.NewReader(payload))
	require.Error(t, err)

	fp := storage.HashBytes(payload)
	_, err = env.catalog.BlobStat(fp)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, env.store.Exists(fp))

	// Duplicate content: the increment is compensated and the existing
	// payload survives for its remaining reference.
	_, _, err = env.files.Ingest(context.Background(), "dup.txt", "", bytes.NewReader([]byte("kept content")))
	require.Error(t, err)

	stat, err := env.catalog.BlobStat(rec.ContentFingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.RefCount)
	assert.True(t, env.store.Exists(rec.ContentFingerprint))
}

func TestConcurrentIngestIdenticalContent(t *testing.T) {
	env := newTestEnv(t)
	payload := make([]byte, 1<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	records := make([]*types.FileRecord, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, _, err := env.files.Ingest(context.Background(),
				fmt.Sprintf("copy-%d.bin", i), "bin", bytes.NewReader(payload))
			records[i] = rec
			errs[i] = err
		}(i)
	}
	wg.Wait()

	fp := storage.HashBytes(payload)
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fp, records[i].ContentFingerprint)
		ids[records[i].ID] = true
	}
	assert.Len(t, ids, n)

	stat, err := env.catalog.BlobStat(fp)
	require.NoError(t, err)
	assert.Equal(t, int64(n), stat.RefCount)

	s := env.summary(t)
	assert.Equal(t, int64(n*len(payload)), s.TotalFileSize)
	assert.Equal(t, int64(len(payload)), s.DeduplicatedStorage)
}

func TestConcurrentDeleteSharedContent(t *testing.T) {
	env := newTestEnv(t)

	const n = 20
	records := make([]*types.FileRecord, n)
	for i := 0; i < n; i++ {
		records[i] = env.ingest(t, fmt.Sprintf("dup-%d.txt", i), "shared payload")
	}
	fp := records[0].ContentFingerprint

	var wg sync.WaitGroup
	reclaims := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reclaims[i], errs[i] = env.files.Delete(context.Background(), records[i].ID)
		}(i)
	}
	wg.Wait()

	reclaimed := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if reclaims[i] {
			reclaimed++
		}
	}
	// Exactly one delete reclaims the payload.
	assert.Equal(t, 1, reclaimed)
	assert.False(t, env.store.Exists(fp))

	_, err := env.catalog.BlobStat(fp)
	assert.ErrorIs(t, err, types.ErrNotFound)

	s := env.summary(t)
	assert.Zero(t, s.TotalFileSize)
	assert.Zero(t, s.DeduplicatedStorage)
}

func TestInterleavedIngestDelete(t *testing.T) {
	env := newTestEnv(t)

	const workers = 8
	const rounds = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				content := fmt.Sprintf("shared-%d", r%3)
				rec, _, err := env.files.Ingest(context.Background(),
					fmt.Sprintf("w%d-r%d.txt", w, r), "", bytes.NewReader([]byte(content)))
				if err != nil {
					errsInterleaved(t, err)
					return
				}
				if r%2 == 0 {
					if _, err := env.files.Delete(context.Background(), rec.ID); err != nil {
						errsInterleaved(t, err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	// The accounting invariants hold at quiescence.
	s := env.summary(t)
	assert.GreaterOrEqual(t, s.StorageSaved, int64(0))
	assert.Equal(t, s.TotalFileSize-s.DeduplicatedStorage, s.StorageSaved)
}

func errsInterleaved(t *testing.T, err error) {
	t.Errorf("interleaved ingest/delete failed: %v", err)
}

func TestKeyLock(t *testing.T) {
	locks := newKeyLock()
	ctx := context.Background()

	require.NoError(t, locks.Lock(ctx, "a"))

	// A different key does not contend.
	require.NoError(t, locks.Lock(ctx, "b"))
	locks.Unlock("b")

	// A bounded wait on a held key surfaces ErrBusy.
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := locks.Lock(timeoutCtx, "a")
	assert.ErrorIs(t, err, types.ErrBusy)

	locks.Unlock("a")
	require.NoError(t, locks.Lock(ctx, "a"))
	locks.Unlock("a")

	// The table does not accumulate entries.
	locks.mu.Lock()
	assert.Empty(t, locks.locks)
	locks.mu.Unlock()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.files.Health(context.Background()))
}
