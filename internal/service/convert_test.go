package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/debumedia/image-optimizer/internal/model"
	"github.com/debumedia/image-optimizer/pkg/apperrors"
	"github.com/debumedia/image-optimizer/pkg/storage"
)

// memRepo is an in-memory SessionRepositoryInterface for tests.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	records  map[string]map[string]*model.FileRecord
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[string]time.Time),
		records:  make(map[string]map[string]*model.FileRecord),
	}
}

func (m *memRepo) CreateIfAbsent(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.sessions[sessionID] = time.Now()
		m.records[sessionID] = make(map[string]*model.FileRecord)
	}
	return nil
}

func (m *memRepo) Upsert(ctx context.Context, record *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.SessionID]; !ok {
		m.records[record.SessionID] = make(map[string]*model.FileRecord)
	}
	cp := *record
	m.records[record.SessionID][record.StorageName] = &cp
	return nil
}

func (m *memRepo) ListFiles(ctx context.Context, sessionID string) ([]model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.FileRecord
	for _, rec := range m.records[sessionID] {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StorageName < out[j].StorageName })
	return out, nil
}

func (m *memRepo) FindByDisplayName(ctx context.Context, sessionID, displayName string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *model.FileRecord
	for _, rec := range m.records[sessionID] {
		if rec.DisplayName != displayName {
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			newest = rec
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *memRepo) FindByStorageName(ctx context.Context, sessionID, storageName string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID][storageName]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memRepo) DeleteRecord(ctx context.Context, sessionID, storageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[sessionID], storageName)
	return nil
}

func (m *memRepo) DeleteAllForSession(ctx context.Context, sessionID string) error {
	return m.DeleteSession(ctx, sessionID)
}

func (m *memRepo) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.records, sessionID)
	return nil
}

func (m *memRepo) CountRemaining(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[sessionID]), nil
}

func (m *memRepo) hasSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// stubConverter produces deterministic bytes without touching pixels.
type stubConverter struct{}

func (stubConverter) Convert(data []byte, format string) ([]byte, error) {
	return append([]byte("conv-"+format+":"), data...), nil
}

func (stubConverter) Thumbnail(data []byte) ([]byte, error) {
	return append([]byte("thumb:"), data...), nil
}

// failingConverter fails every conversion.
type failingConverter struct{}

func (failingConverter) Convert(data []byte, format string) ([]byte, error) {
	return nil, fmt.Errorf("codec exploded")
}

func (failingConverter) Thumbnail(data []byte) ([]byte, error) {
	return nil, fmt.Errorf("codec exploded")
}

func newTestServices(t *testing.T) (*ConversionService, *LifecycleService, *memRepo, *storage.Layout) {
	t.Helper()
	layout, err := storage.NewLayout(t.TempDir())
	require.NoError(t, err)
	repo := newMemRepo()
	logger := zap.NewNop()
	return NewConversionService(layout, repo, stubConverter{}, logger),
		NewLifecycleService(layout, repo, logger),
		repo, layout
}

func upload(name, contentType, body string) model.Upload {
	return model.Upload{Name: name, ContentType: contentType, Data: []byte(body)}
}

func TestProcess_RejectsUnsupportedFormat(t *testing.T) {
	svc, _, repo, _ := newTestServices(t)

	_, err := svc.Process(context.Background(), &model.Batch{
		Format:  "gif",
		Uploads: []model.Upload{upload("cat.jpg", "image/jpeg", "jpeg-bytes")},
	})

	assert.True(t, errors.Is(err, apperrors.ErrUnsupportedFormat))
	assert.Empty(t, repo.sessions, "no session may be created for a rejected batch")
}

func TestProcess_FreshUpload_CommitsRecordAndFiles(t *testing.T) {
	svc, _, repo, layout := newTestServices(t)

	result, err := svc.Process(context.Background(), &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads:   []model.Upload{upload("cat.jpg", "image/jpeg", "jpeg-bytes")},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Empty(t, result.Failures)

	desc := result.Files[0]
	assert.Equal(t, "cat.jpg", desc.DisplayName)
	assert.Equal(t, "cat.webp", desc.StorageName)
	assert.Equal(t, "webp", desc.Format)
	assert.Equal(t, "cat_thumb.webp", desc.ThumbnailName)
	assert.Equal(t, int64(len("jpeg-bytes")), desc.OriginalSize)
	assert.NotZero(t, desc.ConvertedSize)

	assert.True(t, layout.OriginalExists("sess-1", "cat.jpg"))
	assert.True(t, layout.OutputExists("sess-1", "cat.webp"))
	assert.True(t, layout.OutputExists("sess-1", "cat_thumb.webp"))

	rec, err := repo.FindByStorageName(context.Background(), "sess-1", "cat.webp")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cat.jpg", rec.OriginalFileName)
}

func TestProcess_GeneratesSessionID(t *testing.T) {
	svc, _, repo, _ := newTestServices(t)

	result, err := svc.Process(context.Background(), &model.Batch{
		Format:  "png",
		Uploads: []model.Upload{upload("cat.jpg", "image/jpeg", "jpeg-bytes")},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
	assert.True(t, repo.hasSession(result.SessionID))
}

func TestProcess_MediaTypeFailureIsPerItem(t *testing.T) {
	svc, _, _, _ := newTestServices(t)

	result, err := svc.Process(context.Background(), &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads: []model.Upload{
			upload("notes.txt", "text/plain", "not an image"),
			upload("dog.png", "image/png", "png-bytes"),
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "dog.png", result.Files[0].DisplayName)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, "notes.txt", result.Failures[0].Name)
	assert.Equal(t, "UNSUPPORTED_MEDIA_TYPE", result.Failures[0].Code)
}

func TestProcess_DisambiguatesCollidingNamesWithinBatch(t *testing.T) {
	svc, _, _, layout := newTestServices(t)

	result, err := svc.Process(context.Background(), &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads: []model.Upload{
			upload("cat.jpg", "image/jpeg", "first"),
			upload("cat.jpg", "image/jpeg", "second"),
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 2)

	names := []string{result.Files[0].StorageName, result.Files[1].StorageName}
	sort.Strings(names)
	assert.Equal(t, []string{"cat(1).webp", "cat.webp"}, names)

	// originals are disambiguated the same way so neither overwrites the other
	assert.True(t, layout.OriginalExists("sess-1", "cat.jpg"))
	assert.True(t, layout.OriginalExists("sess-1", "cat(1).jpg"))
}

func TestProcess_DisambiguatesAgainstEarlierBatches(t *testing.T) {
	svc, _, _, _ := newTestServices(t)
	ctx := context.Background()

	_, err := svc.Process(ctx, &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads:   []model.Upload{upload("cat.jpg", "image/jpeg", "first")},
	})
	require.NoError(t, err)

	result, err := svc.Process(ctx, &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads:   []model.Upload{upload("cat.jpg", "image/jpeg", "second")},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "cat(1).webp", result.Files[0].StorageName)
}

func TestProcess_Reconvert(t *testing.T) {
	svc, _, repo, layout := newTestServices(t)
	ctx := context.Background()
	svc.now = func() time.Time {
		return time.Date(2024, time.March, 5, 14, 30, 45, 0, time.UTC)
	}

	_, err := svc.Process(ctx, &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads:   []model.Upload{upload("cat.jpg", "image/jpeg", "jpeg-bytes")},
	})
	require.NoError(t, err)

	result, err := svc.Process(ctx, &model.Batch{
		SessionID:  "sess-1",
		Format:     "png",
		Reconverts: []model.Reconvert{{Source: "cat.jpg", Name: "cat-in-png"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	desc := result.Files[0]
	assert.Equal(t, "cat-in-png", desc.DisplayName)
	assert.Regexp(t, regexp.MustCompile(`^cat_\d{14}\.png$`), desc.StorageName)
	assert.NotEqual(t, "cat.webp", desc.StorageName)
	assert.True(t, layout.OutputExists("sess-1", desc.StorageName))
	assert.True(t, layout.OutputExists("sess-1", desc.ThumbnailName))

	// the re-convert propagates the shared original linkage
	rec, err := repo.FindByStorageName(ctx, "sess-1", desc.StorageName)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cat.jpg", rec.OriginalFileName)
}

func TestProcess_ReconvertTwiceInSameSecond(t *testing.T) {
	svc, _, _, _ := newTestServices(t)
	ctx := context.Background()
	svc.now = func() time.Time {
		return time.Date(2024, time.March, 5, 14, 30, 45, 0, time.UTC)
	}

	_, err := svc.Process(ctx, &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads:   []model.Upload{upload("cat.jpg", "image/jpeg", "jpeg-bytes")},
	})
	require.NoError(t, err)

	result, err := svc.Process(ctx, &model.Batch{
		SessionID: "sess-1",
		Format:    "png",
		Reconverts: []model.Reconvert{
			{Source: "cat.jpg"},
			{Source: "cat.jpg"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 2)
	assert.NotEqual(t, result.Files[0].StorageName, result.Files[1].StorageName)
}

func TestProcess_ReconvertSourceNotFound_SiblingsSucceed(t *testing.T) {
	svc, _, _, _ := newTestServices(t)

	result, err := svc.Process(context.Background(), &model.Batch{
		SessionID:  "sess-1",
		Format:     "webp",
		Uploads:    []model.Upload{upload("dog.png", "image/png", "png-bytes")},
		Reconverts: []model.Reconvert{{Source: "never-uploaded.jpg"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "dog.png", result.Files[0].DisplayName)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, "never-uploaded.jpg", result.Failures[0].Name)
	assert.Equal(t, "SOURCE_NOT_FOUND", result.Failures[0].Code)
}

func TestProcess_ReconvertFallsBackToOriginal(t *testing.T) {
	svc, _, _, layout := newTestServices(t)
	ctx := context.Background()

	_, err := svc.Process(ctx, &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads:   []model.Upload{upload("cat.jpg", "image/jpeg", "jpeg-bytes")},
	})
	require.NoError(t, err)

	// lose the output artifact, keep the original
	path, err := layout.OutputPath("sess-1", "cat.webp")
	require.NoError(t, err)
	require.NoError(t, layout.DeleteIfExists(path))

	result, err := svc.Process(ctx, &model.Batch{
		SessionID:  "sess-1",
		Format:     "png",
		Reconverts: []model.Reconvert{{Source: "cat.jpg"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Empty(t, result.Failures)
}

func TestProcess_ConverterFailureLeavesNoRecord(t *testing.T) {
	layout, err := storage.NewLayout(t.TempDir())
	require.NoError(t, err)
	repo := newMemRepo()
	svc := NewConversionService(layout, repo, failingConverter{}, zap.NewNop())

	result, err := svc.Process(context.Background(), &model.Batch{
		SessionID: "sess-1",
		Format:    "webp",
		Uploads:   []model.Upload{upload("cat.jpg", "image/jpeg", "jpeg-bytes")},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Files)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "PROCESSING_FAILED", result.Failures[0].Code)

	count, err := repo.CountRemaining(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, layout.OriginalExists("sess-1", "cat.jpg"), "partial original must be discarded")
}
