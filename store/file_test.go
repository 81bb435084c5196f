package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gpu-claim-bot/allocator"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, size int) *File {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "gpu_status.json"), size, time.Second)
}

func TestLoad_InitializesMissingDocument(t *testing.T) {
	f := newTestFile(t, 4)
	table, err := f.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2", "3"}, allocator.ValidIDs(table))
	for id, rec := range table {
		assert.True(t, rec.IsAvailable(), "gpu %s", id)
	}

	b, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Len(t, raw, 4)
	assert.Equal(t, "available", raw["0"]["status"])
}

func TestLoad_ConcurrentInitialization(t *testing.T) {
	f := newTestFile(t, 8)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each goroutine gets its own lock handles, like separate processes
			table, err := New(f.Path(), 8, time.Second).Load(ctx)
			if err == nil && len(table) != 8 {
				err = errors.New("unexpected table size")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	table, err := f.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, table, 8)
}

func TestLoad_ExistingPoolSizeWins(t *testing.T) {
	f := newTestFile(t, 2)
	_, err := f.Load(context.Background())
	require.NoError(t, err)

	table, err := New(f.Path(), 6, time.Second).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, table, 2)
}

func TestLoad_DecodeErrorKeepsDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"truncated", `{"0": {"status": "avail`},
		{"null", `null`},
		{"unknown status", `{"0": {"status": "reserved"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFile(t, 2)
			require.NoError(t, os.WriteFile(f.Path(), []byte(tt.doc), 0o644))

			_, err := f.Load(context.Background())
			var storeErr *allocator.StoreError
			require.True(t, errors.As(err, &storeErr), "got %v", err)
			assert.Equal(t, "decode", storeErr.Op)

			err = f.Update(context.Background(), func(allocator.Table) (bool, error) { return true, nil })
			assert.Error(t, err)

			b, err := os.ReadFile(f.Path())
			require.NoError(t, err)
			assert.Equal(t, tt.doc, string(b), "a corrupt document must not be reset")
		})
	}
}

func TestLoad_ReadsLegacyFormat(t *testing.T) {
	f := newTestFile(t, 2)
	doc := `{
  "0": {"status": "in_use", "user_id": "U1", "user_name": "alice", "purpose": "train",
        "claim_time": "2024-05-01T10:00:00.123456+00:00", "release_time": "2024-05-01T12:00:00.123456+00:00"},
  "1": {"status": "available"}
}`
	require.NoError(t, os.WriteFile(f.Path(), []byte(doc), 0o644))

	table, err := f.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, table["0"].Claim)
	assert.Equal(t, "alice", table["0"].Claim.UserName)
	assert.Equal(t, 2*time.Hour, table["0"].Claim.Duration())
	assert.True(t, table["1"].IsAvailable())
}

func TestUpdate_SavesOnlyOnChange(t *testing.T) {
	f := newTestFile(t, 2)
	ctx := context.Background()
	_, err := f.Load(ctx)
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(f.Path(), old, old))

	require.NoError(t, f.Update(ctx, func(allocator.Table) (bool, error) { return false, nil }))
	info, err := os.Stat(f.Path())
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "unchanged table must not be written")

	boom := errors.New("boom")
	err = f.Update(ctx, func(t allocator.Table) (bool, error) {
		t["0"] = allocator.InUse(allocator.Claim{UserID: "U1"})
		return true, boom
	})
	assert.ErrorIs(t, err, boom)
	table, err := f.Load(ctx)
	require.NoError(t, err)
	assert.True(t, table["0"].IsAvailable(), "failed update must not be written")

	claimed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.Update(ctx, func(t allocator.Table) (bool, error) {
		t["1"] = allocator.InUse(allocator.Claim{UserID: "U1", UserName: "alice", ClaimedAt: claimed, ExpiresAt: claimed.Add(time.Hour)})
		return true, nil
	}))
	table, err = f.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, table["1"].Claim)
	assert.Equal(t, claimed.Add(time.Hour), table["1"].Claim.ExpiresAt)
}

func TestUpdate_InitializesMissingDocument(t *testing.T) {
	f := newTestFile(t, 3)
	var seen int
	require.NoError(t, f.Update(context.Background(), func(t allocator.Table) (bool, error) {
		seen = len(t)
		return false, nil
	}))
	assert.Equal(t, 3, seen)
	_, err := os.Stat(f.Path())
	assert.NoError(t, err)
}

func TestSave_NoTempFilesLeft(t *testing.T) {
	f := newTestFile(t, 2)
	require.NoError(t, f.Save(context.Background(), allocator.NewTable(2)))
	entries, err := os.ReadDir(filepath.Dir(f.Path()))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"gpu_status.json", "gpu_status.json.lock"}, names)
}

func TestLock_Timeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpu_status.json")
	f := New(path, 2, 50*time.Millisecond)

	holder := flock.New(path + ".lock")
	require.NoError(t, holder.Lock())
	defer holder.Unlock()

	startedAt := time.Now()
	_, err := f.Load(context.Background())
	assert.ErrorIs(t, err, allocator.ErrLockTimeout)
	assert.Less(t, time.Since(startedAt), 2*time.Second)

	err = f.Update(context.Background(), func(allocator.Table) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, allocator.ErrLockTimeout)
	assert.Error(t, f.Ping(context.Background()))
}

func TestConcurrentClaimsAcrossEngines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpu_status.json")
	ctx := context.Background()

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// separate engines share nothing but the document, like two replicas
			e := allocator.NewEngine(New(path, 2, 5*time.Second), nil, nil)
			_, err := e.Claim(ctx, "1", allocator.Caller{ID: string(rune('A' + i)), Name: "user"}, "race", "1h")
			mu.Lock()
			defer mu.Unlock()
			var conflict *allocator.ConflictError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &conflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
}
