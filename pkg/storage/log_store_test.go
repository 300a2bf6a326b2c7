package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tidalsched/pkg/metrics"
	"tidalsched/pkg/resilience"
)

func testMeta() ArtifactMeta {
	return ArtifactMeta{
		TaskName:  "albums.txt",
		Stem:      "albums",
		StartedAt: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC),
	}
}

func TestLocalArtifactStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config", "download_logs")
	store, err := NewLocalArtifactStore(dir)
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, dir, store.Dir())
}

func TestLocalArtifactStore_NeverOverwrites(t *testing.T) {
	store, err := NewLocalArtifactStore(t.TempDir())
	require.NoError(t, err)

	first, err := store.Store(context.Background(), testMeta(), []byte("first"))
	require.NoError(t, err)
	second, err := store.Store(context.Background(), testMeta(), []byte("second"))
	require.NoError(t, err)

	assert.Equal(t, "albums_20240102_150000.log", filepath.Base(first))
	assert.Equal(t, "albums_20240102_150000_2.log", filepath.Base(second))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestLocalArtifactStore_ConcurrentWritersGetDistinctNames(t *testing.T) {
	store, err := NewLocalArtifactStore(t.TempDir())
	require.NoError(t, err)

	const writers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = map[string]struct{}{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := store.Store(context.Background(), testMeta(), []byte("x"))
			assert.NoError(t, err)
			mu.Lock()
			names[p] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, names, writers)
}

type fakeStore struct {
	mu    sync.Mutex
	calls []ArtifactMeta
	err   error
}

func (f *fakeStore) Store(_ context.Context, meta ArtifactMeta, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, meta)
	if f.err != nil {
		return "", f.err
	}
	return "remote/" + meta.Name, nil
}

func TestTeeStore_MirrorsUnderLocalName(t *testing.T) {
	local, err := NewLocalArtifactStore(t.TempDir())
	require.NoError(t, err)
	archive := &fakeStore{}

	ref, err := NewTeeStore(local, archive, nil, zap.NewNop()).Store(context.Background(), testMeta(), []byte("body"))
	require.NoError(t, err)

	require.Len(t, archive.calls, 1)
	assert.Equal(t, filepath.Base(ref), archive.calls[0].Name)
}

func TestTeeStore_ArchiveFailureIsNotFatal(t *testing.T) {
	local, err := NewLocalArtifactStore(t.TempDir())
	require.NoError(t, err)
	archive := &fakeStore{err: errors.New("bucket unreachable")}
	breaker := resilience.NewCircuitBreaker("test-archive", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	})
	tee := NewTeeStore(local, archive, breaker, zap.NewNop())
	failuresBefore := testutil.ToFloat64(metrics.ArchiveUploads.WithLabelValues("failure"))

	for i := 0; i < 3; i++ {
		ref, err := tee.Store(context.Background(), testMeta(), []byte("body"))
		require.NoError(t, err)
		assert.FileExists(t, ref)
	}

	// The breaker opened after two failures and kept the third upload from reaching the archive.
	assert.Len(t, archive.calls, 2)
	assert.Equal(t, resilience.CircuitOpen, breaker.State())
	assert.Equal(t, failuresBefore+3, testutil.ToFloat64(metrics.ArchiveUploads.WithLabelValues("failure")))
}

func TestTeeStore_PrimaryFailureSkipsArchive(t *testing.T) {
	primary := &fakeStore{err: errors.New("disk full")}
	archive := &fakeStore{}

	_, err := NewTeeStore(primary, archive, nil, zap.NewNop()).Store(context.Background(), testMeta(), nil)
	assert.Error(t, err)
	assert.Empty(t, archive.calls)
}

func TestS3ArtifactArchive_Key(t *testing.T) {
	archive, err := NewS3ArtifactArchive(context.Background(), S3ArchiveConfig{
		Bucket:          "logs",
		Prefix:          "download_logs/",
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	meta := testMeta()
	assert.Equal(t, "download_logs/albums/albums_20240102_150000.log", archive.Key(meta))

	meta.Name = "albums_20240102_150000_3.log"
	assert.Equal(t, "download_logs/albums/albums_20240102_150000_3.log", archive.Key(meta))
}

func TestNewS3ArtifactArchive_RequiresBucket(t *testing.T) {
	_, err := NewS3ArtifactArchive(context.Background(), S3ArchiveConfig{Region: "us-east-1"})
	assert.Error(t, err)
}
