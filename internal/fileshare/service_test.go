package fileshare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sharebox/sharebox/internal/access"
	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/config"
	"github.com/sharebox/sharebox/internal/file"
	"github.com/sharebox/sharebox/internal/grant"
	"github.com/sharebox/sharebox/internal/metadata"
	"github.com/sharebox/sharebox/internal/metrics"
	"github.com/sharebox/sharebox/internal/share"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryObjects is an ObjectStore that keeps objects in a map
type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (m *memoryObjects) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	return nil
}

func (m *memoryObjects) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (m *memoryObjects) Close() error { return nil }

func (m *memoryObjects) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

// failingCreates rejects every file record insert
type failingCreates struct {
	metadata.Store
}

func (failingCreates) CreateFile(ctx context.Context, f *metadata.File) error {
	return errors.New("disk full")
}

type staticDirectory map[string]string

func (d staticDirectory) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	return d, nil
}

type testEnv struct {
	svc     *Service
	objects *memoryObjects
	metrics *metrics.Manager
	now     time.Time
}

func (env *testEnv) clock() time.Time { return env.now }

func setupTestEnv(t *testing.T, wrap func(metadata.Store) metadata.Store) *testEnv {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	store, err := metadata.NewSQLiteStoreAt(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var records metadata.Store = store
	if wrap != nil {
		records = wrap(store)
	}

	env := &testEnv{
		objects: newMemoryObjects(),
		metrics: metrics.NewManager(config.MetricsConfig{}, t.TempDir()),
		now:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	files := file.NewManager(records, logger)
	files.SetClock(env.clock)
	shares := share.NewManager(records, files, logger)
	shares.SetClock(env.clock)
	engine := access.NewEngine(files, shares, env.objects, env.metrics, logger)
	engine.SetClock(env.clock)
	issuer := grant.NewIssuer(files, shares, env.metrics, logger)

	env.svc = NewService(env.objects, files, issuer, engine, staticDirectory{"alice": "Alice"}, env.metrics, logger,
		Options{MaxFileSize: 64, FrontendURL: "https://app.example.com/"})
	return env
}

func (env *testEnv) upload(t *testing.T, owner, name string) *metadata.File {
	f, err := env.svc.Upload(context.Background(), owner, strings.NewReader("hello"), name, "text/plain", 5)
	require.NoError(t, err)
	return f
}

func TestUpload(t *testing.T) {
	env := setupTestEnv(t, nil)

	f := env.upload(t, "alice", "../report 2025.pdf")
	assert.Equal(t, "alice", f.OwnerID)
	assert.Equal(t, "../report 2025.pdf", f.FileName)
	assert.True(t, strings.HasSuffix(f.StorageKey, "-report_2025.pdf"), f.StorageKey)
	assert.Equal(t, []string{f.StorageKey}, env.objects.keys())
}

func TestUpload_DoubleDotName(t *testing.T) {
	env := setupTestEnv(t, nil)

	f := env.upload(t, "alice", "report..final.pdf")
	assert.Equal(t, "report..final.pdf", f.FileName)
	assert.True(t, strings.HasSuffix(f.StorageKey, "-report.final.pdf"), f.StorageKey)
	assert.NotContains(t, f.StorageKey, "..")
}

func TestUpload_TooLarge(t *testing.T) {
	env := setupTestEnv(t, nil)

	_, err := env.svc.Upload(context.Background(), "alice", bytes.NewReader(make([]byte, 65)), "big.bin", "", 65)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.Empty(t, env.objects.keys())
}

func TestUpload_StoreFailure(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.objects.putErr = apperr.Store("put failed", errors.New("boom"))

	_, err := env.svc.Upload(context.Background(), "alice", strings.NewReader("x"), "a.txt", "text/plain", 1)
	assert.ErrorIs(t, err, apperr.ErrStore)

	files, err := env.svc.ListFiles(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUpload_OrphanedObject(t *testing.T) {
	env := setupTestEnv(t, func(s metadata.Store) metadata.Store { return failingCreates{s} })

	_, err := env.svc.Upload(context.Background(), "alice", strings.NewReader("x"), "a.txt", "text/plain", 1)
	require.Error(t, err)

	assert.Len(t, env.objects.keys(), 1, "object stays in place")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.OrphanedObjectsCounter()))
}

func TestListFiles(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()

	own := env.upload(t, "bob", "mine.txt")
	env.now = env.now.Add(time.Minute)
	shared := env.upload(t, "alice", "shared.txt")
	env.upload(t, "alice", "private.txt")
	require.NoError(t, env.svc.ShareWithUsers(ctx, shared.ID, "alice", []string{"bob"}, nil))

	entries, err := env.svc.ListFiles(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, shared.ID, entries[0].ID)
	assert.False(t, entries[0].IsOwner)
	assert.Equal(t, "Alice", entries[0].OwnerName)

	assert.Equal(t, own.ID, entries[1].ID)
	assert.True(t, entries[1].IsOwner)
}

func TestShareLinkFlow(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()
	f := env.upload(t, "alice", "a.txt")

	shareID, err := env.svc.CreateShareLink(ctx, f.ID, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/view-file/"+shareID, env.svc.ShareURL(shareID))

	url, err := env.svc.ResolveSharedViewURL(ctx, shareID)
	require.NoError(t, err)
	assert.Contains(t, url, f.StorageKey)
	assert.Contains(t, url, "ttl=900")

	env.now = env.now.Add(61 * time.Minute)
	_, err = env.svc.ResolveSharedViewURL(ctx, shareID)
	assert.ErrorIs(t, err, apperr.ErrExpiredOrInvalid)

	_, err = env.svc.ResolveSharedViewURL(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrExpiredOrInvalid)
}

func TestCreateShareLink_NotOwner(t *testing.T) {
	env := setupTestEnv(t, nil)
	f := env.upload(t, "alice", "a.txt")

	_, err := env.svc.CreateShareLink(context.Background(), f.ID, "bob", 24)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
}

func TestResolveViewURL(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()
	f := env.upload(t, "alice", "a.txt")

	_, err := env.svc.ResolveViewURL(ctx, f.ID, "alice")
	require.NoError(t, err)

	_, err = env.svc.ResolveViewURL(ctx, f.ID, "carol")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	expiresAt := env.now.Add(time.Hour)
	require.NoError(t, env.svc.ShareWithUsers(ctx, f.ID, "alice", []string{"carol"}, &expiresAt))
	_, err = env.svc.ResolveViewURL(ctx, f.ID, "carol")
	require.NoError(t, err)

	_, err = env.svc.ResolveViewURL(ctx, f.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(newMemoryObjects(), nil, nil, nil, nil, nil, nil, Options{})
	assert.Equal(t, int64(DefaultMaxFileSize), svc.MaxFileSize())
}
