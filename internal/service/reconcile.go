package service

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/debumedia/image-optimizer/internal/model"
	"github.com/debumedia/image-optimizer/internal/repository"
	"github.com/debumedia/image-optimizer/pkg/archive"
	"github.com/debumedia/image-optimizer/pkg/storage"
)

// LifecycleService keeps the relational index and the directory tree in
// lockstep: reads self-heal stale rows, deletes sweep files, shared originals
// survive until their last referencing record goes.
type LifecycleService struct {
	layout *storage.Layout
	repo   repository.SessionRepositoryInterface
	logger *zap.Logger
}

func NewLifecycleService(layout *storage.Layout, repo repository.SessionRepositoryInterface, logger *zap.Logger) *LifecycleService {
	return &LifecycleService{layout: layout, repo: repo, logger: logger}
}

// healthy reports whether both files backing a record still exist.
func (s *LifecycleService) healthy(rec *model.FileRecord) bool {
	return s.layout.OutputExists(rec.SessionID, rec.StorageName) &&
		s.layout.OutputExists(rec.SessionID, rec.ThumbnailName)
}

// purgeStale drops a record whose files have drifted away. Missing files are
// routine, not an error: external cleanup and partial writes both cause them.
func (s *LifecycleService) purgeStale(ctx context.Context, rec *model.FileRecord) {
	s.logger.Info("purging stale file record",
		zap.String("session_id", rec.SessionID),
		zap.String("storage_name", rec.StorageName))
	if err := s.repo.DeleteRecord(ctx, rec.SessionID, rec.StorageName); err != nil {
		s.logger.Warn("failed to purge stale record", zap.Error(err),
			zap.String("session_id", rec.SessionID),
			zap.String("storage_name", rec.StorageName))
	}
}

// ListFiles returns the surviving descriptors of a session, purging any
// record whose output or thumbnail no longer exists on disk.
func (s *LifecycleService) ListFiles(ctx context.Context, sessionID string) ([]model.FileDescriptor, error) {
	records, err := s.repo.ListFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	descriptors := make([]model.FileDescriptor, 0, len(records))
	for i := range records {
		rec := &records[i]
		if !s.healthy(rec) {
			s.purgeStale(ctx, rec)
			continue
		}
		descriptors = append(descriptors, rec.Descriptor())
	}
	return descriptors, nil
}

// Resolve looks a record up by storage name, verifying its files still exist.
// Returns nil when unknown or stale; stale rows are purged on the way.
func (s *LifecycleService) Resolve(ctx context.Context, sessionID, storageName string) (*model.FileRecord, error) {
	// Prove the name resolves inside the session sandbox before touching
	// anything; crafted names are rejected, not looked up.
	if _, err := s.layout.OutputPath(sessionID, storageName); err != nil {
		return nil, err
	}
	rec, err := s.repo.FindByStorageName(ctx, sessionID, storageName)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if !s.healthy(rec) {
		s.purgeStale(ctx, rec)
		return nil, nil
	}
	return rec, nil
}

// DeleteOne removes a record by display or storage name together with its
// output and thumbnail files. The shared original is removed only when no
// other surviving record references it; the last record's deletion also
// removes the session's directories and row. Deleting something already
// absent succeeds.
func (s *LifecycleService) DeleteOne(ctx context.Context, sessionID, name string) error {
	rec, err := s.repo.FindByDisplayName(ctx, sessionID, name)
	if err != nil {
		return err
	}
	if rec == nil {
		if rec, err = s.repo.FindByStorageName(ctx, sessionID, name); err != nil {
			return err
		}
	}
	if rec == nil {
		return nil
	}

	s.removeFiles(rec)

	shared, err := s.sharesOriginal(ctx, rec)
	if err != nil {
		return err
	}
	if !shared {
		if path, perr := s.layout.OriginalPath(sessionID, rec.OriginalFileName); perr == nil {
			s.layout.DeleteIfExists(path)
		}
	}

	if err := s.repo.DeleteRecord(ctx, sessionID, rec.StorageName); err != nil {
		return err
	}

	remaining, err := s.repo.CountRemaining(ctx, sessionID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := s.layout.RemoveSessionTree(sessionID); err != nil {
			s.logger.Warn("failed to remove session tree", zap.Error(err),
				zap.String("session_id", sessionID))
		}
		if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
			return err
		}
		s.logger.Info("session emptied and removed", zap.String("session_id", sessionID))
	}
	return nil
}

// DeleteAll sweeps every record's files, then removes the session tree and
// all its rows unconditionally.
func (s *LifecycleService) DeleteAll(ctx context.Context, sessionID string) error {
	records, err := s.repo.ListFiles(ctx, sessionID)
	if err != nil {
		return err
	}
	for i := range records {
		s.removeFiles(&records[i])
	}
	if err := s.layout.RemoveSessionTree(sessionID); err != nil {
		s.logger.Warn("failed to remove session tree", zap.Error(err),
			zap.String("session_id", sessionID))
	}
	return s.repo.DeleteAllForSession(ctx, sessionID)
}

// ArchiveEntries collects the surviving output files of a session for
// bundling. Self-heals on the way, like any other read.
func (s *LifecycleService) ArchiveEntries(ctx context.Context, sessionID string) ([]archive.Entry, error) {
	descriptors, err := s.ListFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries := make([]archive.Entry, 0, len(descriptors))
	for _, d := range descriptors {
		data, err := s.layout.ReadOutput(sessionID, d.StorageName)
		if err != nil {
			s.logger.Warn("skipping unreadable file during archive", zap.Error(err),
				zap.String("session_id", sessionID),
				zap.String("storage_name", d.StorageName))
			continue
		}
		entries = append(entries, archive.Entry{Name: d.StorageName, Data: data})
	}
	return entries, nil
}

// OpenOutput opens an output-area file for streaming. Caller closes it.
func (s *LifecycleService) OpenOutput(sessionID, name string) (io.ReadCloser, int64, error) {
	return s.layout.OpenOutput(sessionID, name)
}

// removeFiles deletes a record's output and thumbnail, best-effort.
func (s *LifecycleService) removeFiles(rec *model.FileRecord) {
	for _, name := range []string{rec.StorageName, rec.ThumbnailName} {
		if path, err := s.layout.OutputPath(rec.SessionID, name); err == nil {
			s.layout.DeleteIfExists(path)
		}
	}
}

// sharesOriginal reports whether any other record of the session references
// the same original file.
func (s *LifecycleService) sharesOriginal(ctx context.Context, rec *model.FileRecord) (bool, error) {
	records, err := s.repo.ListFiles(ctx, rec.SessionID)
	if err != nil {
		return false, err
	}
	for i := range records {
		other := &records[i]
		if other.StorageName != rec.StorageName && other.OriginalFileName == rec.OriginalFileName {
			return true, nil
		}
	}
	return false, nil
}
