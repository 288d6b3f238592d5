package repository

import (
	"context"

	"github.com/debumedia/image-optimizer/internal/model"
)

// SessionRepositoryInterface defines the relational index over sessions and
// their file records. Operations on an unknown session return empty results,
// never an error: absence of a session is a valid state.
type SessionRepositoryInterface interface {
	CreateIfAbsent(ctx context.Context, sessionID string) error
	Upsert(ctx context.Context, record *model.FileRecord) error
	ListFiles(ctx context.Context, sessionID string) ([]model.FileRecord, error)
	FindByDisplayName(ctx context.Context, sessionID, displayName string) (*model.FileRecord, error)
	FindByStorageName(ctx context.Context, sessionID, storageName string) (*model.FileRecord, error)
	DeleteRecord(ctx context.Context, sessionID, storageName string) error
	DeleteAllForSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	CountRemaining(ctx context.Context, sessionID string) (int, error)
}
