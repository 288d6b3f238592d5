package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/debumedia/image-optimizer/internal/model"
	"github.com/debumedia/image-optimizer/internal/repository"
	"github.com/debumedia/image-optimizer/pkg/apperrors"
	"github.com/debumedia/image-optimizer/pkg/imgconv"
	"github.com/debumedia/image-optimizer/pkg/naming"
	"github.com/debumedia/image-optimizer/pkg/storage"
)

// ConversionService drives a batch of uploads and re-convert requests through
// the opaque Convert/Thumbnail capability and commits records only after both
// the output and thumbnail writes succeed.
type ConversionService struct {
	layout    *storage.Layout
	repo      repository.SessionRepositoryInterface
	converter imgconv.Converter
	logger    *zap.Logger
	now       func() time.Time
}

func NewConversionService(layout *storage.Layout, repo repository.SessionRepositoryInterface, converter imgconv.Converter, logger *zap.Logger) *ConversionService {
	return &ConversionService{
		layout:    layout,
		repo:      repo,
		converter: converter,
		logger:    logger,
		now:       time.Now,
	}
}

// uploadPlan fixes the names of one fresh upload before fan-out. All name
// derivation happens against the session's name set as of the start of the
// batch, so concurrent items cannot race each other into a collision.
type uploadPlan struct {
	item         model.Upload
	displayName  string
	storageName  string
	thumbName    string
	originalName string
}

type reconvertPlan struct {
	req         model.Reconvert
	displayName string
	storageName string
	thumbName   string
}

// Process validates and runs a batch. The output format gates the whole
// batch; everything else fails per item without blocking siblings.
func (s *ConversionService) Process(ctx context.Context, batch *model.Batch) (*model.BatchResult, error) {
	if !imgconv.IsSupportedFormat(batch.Format) {
		return nil, apperrors.ErrUnsupportedFormat
	}

	result := &model.BatchResult{SessionID: batch.SessionID}
	if len(batch.Uploads) == 0 && len(batch.Reconverts) == 0 {
		return result, nil
	}

	sessionID := batch.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	result.SessionID = sessionID

	if err := s.layout.EnsureSessionDirs(sessionID); err != nil {
		return nil, err
	}
	if err := s.repo.CreateIfAbsent(ctx, sessionID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}

	existing, err := s.repo.ListFiles(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}
	taken := naming.NewSet()
	for _, rec := range existing {
		taken.Add(rec.StorageName)
	}

	ext := imgconv.Extension(batch.Format)
	batchTime := s.now()

	var uploadPlans []uploadPlan
	for _, item := range batch.Uploads {
		if !imgconv.IsSupportedMediaType(item.ContentType) {
			result.Failures = append(result.Failures, itemFailure(item.Name, apperrors.ErrUnsupportedMediaType))
			continue
		}
		base, origExt := naming.SplitExt(naming.SanitizeBaseName(item.Name))
		if origExt == "" {
			origExt = extensionForMediaType(item.ContentType)
		}
		storageName := naming.DeriveStorageName(base, ext, taken)
		storageBase, _ := naming.SplitExt(storageName)
		uploadPlans = append(uploadPlans, uploadPlan{
			item:         item,
			displayName:  item.Name,
			storageName:  storageName,
			thumbName:    naming.ThumbnailName(storageName),
			originalName: storageBase + "." + origExt,
		})
	}

	var reconvertPlans []reconvertPlan
	for _, req := range batch.Reconverts {
		storageName := naming.DeriveReconvertName(req.Source, ext, batchTime, taken)
		displayName := req.Name
		if displayName == "" {
			displayName = storageName
		}
		reconvertPlans = append(reconvertPlans, reconvertPlan{
			req:         req,
			displayName: displayName,
			storageName: storageName,
			thumbName:   naming.ThumbnailName(storageName),
		})
	}

	uploaded := make([]*model.FileRecord, len(uploadPlans))
	reconverted := make([]*model.FileRecord, len(reconvertPlans))
	uploadErrs := make([]error, len(uploadPlans))
	reconvertErrs := make([]error, len(reconvertPlans))

	// Item outcomes land in the indexed slices; a failed item never fails
	// its siblings, so there is no group error to collect.
	var wg sync.WaitGroup
	for i, plan := range uploadPlans {
		i, plan := i, plan
		wg.Add(1)
		go func() {
			defer wg.Done()
			uploaded[i], uploadErrs[i] = s.processUpload(ctx, sessionID, batch.Format, plan)
		}()
	}
	for i, plan := range reconvertPlans {
		i, plan := i, plan
		wg.Add(1)
		go func() {
			defer wg.Done()
			reconverted[i], reconvertErrs[i] = s.processReconvert(ctx, sessionID, batch.Format, plan)
		}()
	}
	wg.Wait()

	for i, rec := range uploaded {
		if uploadErrs[i] != nil {
			s.logger.Warn("upload item failed",
				zap.Error(uploadErrs[i]),
				zap.String("session_id", sessionID),
				zap.String("name", uploadPlans[i].displayName))
			result.Failures = append(result.Failures, itemFailure(uploadPlans[i].displayName, uploadErrs[i]))
			continue
		}
		result.Files = append(result.Files, rec.Descriptor())
	}
	for i, rec := range reconverted {
		if reconvertErrs[i] != nil {
			s.logger.Warn("re-convert item failed",
				zap.Error(reconvertErrs[i]),
				zap.String("session_id", sessionID),
				zap.String("source", reconvertPlans[i].req.Source))
			result.Failures = append(result.Failures, itemFailure(reconvertPlans[i].req.Source, reconvertErrs[i]))
			continue
		}
		result.Files = append(result.Files, rec.Descriptor())
	}

	return result, nil
}

func (s *ConversionService) processUpload(ctx context.Context, sessionID, format string, plan uploadPlan) (*model.FileRecord, error) {
	if err := s.layout.WriteOriginal(sessionID, plan.originalName, plan.item.Data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}

	converted, err := s.converter.Convert(plan.item.Data, format)
	if err != nil {
		s.discard(sessionID, plan.originalName, "", "")
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}
	if err := s.layout.WriteOutput(sessionID, plan.storageName, converted); err != nil {
		s.discard(sessionID, plan.originalName, "", "")
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}

	// Thumbnails come from the original bytes, not the converted ones: the
	// cover crop must look the same whatever the output format.
	thumb, err := s.converter.Thumbnail(plan.item.Data)
	if err != nil {
		s.discard(sessionID, plan.originalName, plan.storageName, "")
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}
	if err := s.layout.WriteThumbnail(sessionID, plan.thumbName, thumb); err != nil {
		s.discard(sessionID, plan.originalName, plan.storageName, "")
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}

	record := &model.FileRecord{
		SessionID:        sessionID,
		DisplayName:      plan.displayName,
		StorageName:      plan.storageName,
		Format:           format,
		ThumbnailName:    plan.thumbName,
		OriginalFileName: plan.originalName,
		OriginalSize:     int64(len(plan.item.Data)),
		ConvertedSize:    int64(len(converted)),
		CreatedAt:        s.now(),
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		s.discard(sessionID, plan.originalName, plan.storageName, plan.thumbName)
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}
	return record, nil
}

func (s *ConversionService) processReconvert(ctx context.Context, sessionID, format string, plan reconvertPlan) (*model.FileRecord, error) {
	src, err := s.repo.FindByDisplayName(ctx, sessionID, plan.req.Source)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}
	if src == nil {
		return nil, apperrors.ErrSourceNotFound
	}

	// Chain from the most recent artifact: output area first, original as
	// the fallback when the output has drifted away.
	data, err := s.layout.ReadOutput(sessionID, src.StorageName)
	if err != nil {
		data, err = s.layout.ReadOriginal(sessionID, src.OriginalFileName)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSourceNotFound, err)
		}
	}

	converted, err := s.converter.Convert(data, format)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}
	if err := s.layout.WriteOutput(sessionID, plan.storageName, converted); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}

	thumb, err := s.converter.Thumbnail(data)
	if err != nil {
		s.discard(sessionID, "", plan.storageName, "")
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}
	if err := s.layout.WriteThumbnail(sessionID, plan.thumbName, thumb); err != nil {
		s.discard(sessionID, "", plan.storageName, "")
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}

	record := &model.FileRecord{
		SessionID:        sessionID,
		DisplayName:      plan.displayName,
		StorageName:      plan.storageName,
		Format:           format,
		ThumbnailName:    plan.thumbName,
		OriginalFileName: src.OriginalFileName,
		OriginalSize:     src.OriginalSize,
		ConvertedSize:    int64(len(converted)),
		CreatedAt:        s.now(),
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		s.discard(sessionID, "", plan.storageName, plan.thumbName)
		return nil, apperrors.Wrap(apperrors.ErrProcessingFailed, err)
	}
	return record, nil
}

// discard cleans up partial writes of a failed item so no unreferenced file
// lingers. Best-effort: the read-path reconciliation catches anything missed.
func (s *ConversionService) discard(sessionID, originalName, storageName, thumbName string) {
	for _, pair := range []struct {
		name     string
		resolver func(string, string) (string, error)
	}{
		{originalName, s.layout.OriginalPath},
		{storageName, s.layout.OutputPath},
		{thumbName, s.layout.OutputPath},
	} {
		if pair.name == "" {
			continue
		}
		if path, err := pair.resolver(sessionID, pair.name); err == nil {
			s.layout.DeleteIfExists(path)
		}
	}
}

func itemFailure(name string, err error) model.ItemFailure {
	code := "PROCESSING_FAILED"
	reason := "image processing failed"
	var ce *apperrors.ConversionError
	if errors.As(err, &ce) {
		code = ce.Code
		reason = ce.UserMessage
	}
	return model.ItemFailure{Name: name, Code: code, Reason: reason}
}

func extensionForMediaType(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}
