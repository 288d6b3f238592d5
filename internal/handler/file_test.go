package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/debumedia/image-optimizer/internal/model"
	"github.com/debumedia/image-optimizer/internal/repository"
	"github.com/debumedia/image-optimizer/internal/service"
	"github.com/debumedia/image-optimizer/pkg/storage"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[string][]model.FileRecord
}

var _ repository.SessionRepositoryInterface = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string][]model.FileRecord)}
}

func (r *fakeRepo) CreateIfAbsent(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[sessionID]; !ok {
		r.records[sessionID] = nil
	}
	return nil
}

func (r *fakeRepo) Upsert(ctx context.Context, record *model.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.SessionID] = append(r.records[record.SessionID], *record)
	return nil
}

func (r *fakeRepo) ListFiles(ctx context.Context, sessionID string) ([]model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.FileRecord(nil), r.records[sessionID]...), nil
}

func (r *fakeRepo) FindByDisplayName(ctx context.Context, sessionID, displayName string) (*model.FileRecord, error) {
	return nil, nil
}

func (r *fakeRepo) FindByStorageName(ctx context.Context, sessionID, storageName string) (*model.FileRecord, error) {
	return nil, nil
}

func (r *fakeRepo) DeleteRecord(ctx context.Context, sessionID, storageName string) error {
	return nil
}

func (r *fakeRepo) DeleteAllForSession(ctx context.Context, sessionID string) error { return nil }

func (r *fakeRepo) DeleteSession(ctx context.Context, sessionID string) error { return nil }

func (r *fakeRepo) CountRemaining(ctx context.Context, sessionID string) (int, error) {
	return 0, nil
}

func (r *fakeRepo) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type stubConverter struct{}

func (stubConverter) Convert(data []byte, format string) ([]byte, error) {
	return []byte("converted"), nil
}

func (stubConverter) Thumbnail(data []byte) ([]byte, error) {
	return []byte("thumb"), nil
}

func newConvertRouter(t *testing.T, maxUpload int64) (*gin.Engine, *fakeRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	layout, err := storage.NewLayout(t.TempDir())
	require.NoError(t, err)
	repo := newFakeRepo()
	svc := service.NewConversionService(layout, repo, stubConverter{}, zap.NewNop())
	h := NewFileHandler(svc, nil, zap.NewNop(), maxUpload)

	router := gin.New()
	router.POST("/api/v1/convert", h.Convert)
	return router, repo
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func postConvert(t *testing.T, router *gin.Engine, files map[string][]byte) *model.BatchResult {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("format", "webp"))
	for name, data := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result model.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return &result
}

func TestConvert_EmptyAndOversizedFilesFailPerItem(t *testing.T) {
	router, _ := newConvertRouter(t, 2048)

	result := postConvert(t, router, map[string][]byte{
		"empty.png": nil,
		"big.png":   bytes.Repeat([]byte("x"), 4096),
		"ok.png":    pngBytes(t),
	})

	require.Len(t, result.Files, 1)
	assert.Equal(t, "ok.png", result.Files[0].DisplayName)
	assert.Equal(t, "ok.webp", result.Files[0].StorageName)

	codes := make(map[string]string, len(result.Failures))
	for _, f := range result.Failures {
		codes[f.Name] = f.Code
	}
	assert.Equal(t, "EMPTY_FILE", codes["empty.png"])
	assert.Equal(t, "FILE_TOO_LARGE", codes["big.png"])
}

func TestConvert_AllFilesRejectedStillReportsFailures(t *testing.T) {
	router, repo := newConvertRouter(t, 2048)

	result := postConvert(t, router, map[string][]byte{
		"empty.png": nil,
	})

	assert.Empty(t, result.Files)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "EMPTY_FILE", result.Failures[0].Code)
	assert.Equal(t, "empty.png", result.Failures[0].Name)

	// nothing converted, so no session came into being
	assert.Zero(t, repo.sessionCount())
}
