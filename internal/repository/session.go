package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/debumedia/image-optimizer/internal/model"
)

const listCacheTTL = 10 * time.Minute

// SessionRepository indexes sessions and file records in Postgres with a
// read-through Redis cache for per-session file lists.
type SessionRepository struct {
	db     *pgxpool.Pool
	cache  *redis.Client
	logger *zap.Logger
}

var _ SessionRepositoryInterface = (*SessionRepository)(nil)

func NewSessionRepository(db *pgxpool.Pool, cache *redis.Client, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{db: db, cache: cache, logger: logger}
}

// EnsureSchema creates the sessions and files tables if needed. Keeping the
// migration in code lets docker-compose bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	storage_name TEXT NOT NULL,
	display_name TEXT NOT NULL,
	format TEXT NOT NULL,
	thumbnail_name TEXT NOT NULL,
	original_file_name TEXT NOT NULL,
	original_size BIGINT NOT NULL,
	converted_size BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, storage_name)
);
CREATE INDEX IF NOT EXISTS idx_files_display_name ON files(session_id, display_name);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func listCacheKey(sessionID string) string {
	return fmt.Sprintf("session_files:%s", sessionID)
}

func (r *SessionRepository) invalidate(ctx context.Context, sessionID string) {
	if err := r.cache.Del(ctx, listCacheKey(sessionID)).Err(); err != nil {
		r.logger.Warn("failed to invalidate file list cache",
			zap.Error(err), zap.String("session_id", sessionID))
	}
}

// CreateIfAbsent registers a session, tolerating repeats. Called on every
// upload so sessions come into being lazily.
func (r *SessionRepository) CreateIfAbsent(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO sessions (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a record keyed by (session_id, storage_name).
// A colliding later write replaces the earlier record, which is acceptable
// because both deterministically produced equivalent output.
func (r *SessionRepository) Upsert(ctx context.Context, record *model.FileRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO files (session_id, storage_name, display_name, format, thumbnail_name,
			original_file_name, original_size, converted_size, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id, storage_name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			format = EXCLUDED.format,
			thumbnail_name = EXCLUDED.thumbnail_name,
			original_file_name = EXCLUDED.original_file_name,
			original_size = EXCLUDED.original_size,
			converted_size = EXCLUDED.converted_size,
			created_at = EXCLUDED.created_at
	`, record.SessionID, record.StorageName, record.DisplayName, record.Format,
		record.ThumbnailName, record.OriginalFileName, record.OriginalSize,
		record.ConvertedSize, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert file record: %w", err)
	}
	r.invalidate(ctx, record.SessionID)
	return nil
}

// ListFiles returns every record for a session, empty for unknown sessions.
func (r *SessionRepository) ListFiles(ctx context.Context, sessionID string) ([]model.FileRecord, error) {
	cacheKey := listCacheKey(sessionID)
	if val, err := r.cache.Get(ctx, cacheKey).Result(); err == nil {
		var records []model.FileRecord
		if err := json.Unmarshal([]byte(val), &records); err == nil {
			return records, nil
		}
	}

	rows, err := r.db.Query(ctx, `
		SELECT session_id, storage_name, display_name, format, thumbnail_name,
			original_file_name, original_size, converted_size, created_at
		FROM files WHERE session_id = $1 ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var records []model.FileRecord
	for rows.Next() {
		var rec model.FileRecord
		if err := rows.Scan(&rec.SessionID, &rec.StorageName, &rec.DisplayName, &rec.Format,
			&rec.ThumbnailName, &rec.OriginalFileName, &rec.OriginalSize,
			&rec.ConvertedSize, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	if data, err := json.Marshal(records); err == nil {
		r.cache.Set(ctx, cacheKey, data, listCacheTTL)
	}

	return records, nil
}

func (r *SessionRepository) findBy(ctx context.Context, sessionID, column, value string) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT session_id, storage_name, display_name, format, thumbnail_name,
			original_file_name, original_size, converted_size, created_at
		FROM files WHERE session_id = $1 AND %s = $2
		ORDER BY created_at DESC LIMIT 1
	`, column), sessionID, value).Scan(
		&rec.SessionID, &rec.StorageName, &rec.DisplayName, &rec.Format,
		&rec.ThumbnailName, &rec.OriginalFileName, &rec.OriginalSize,
		&rec.ConvertedSize, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find file record: %w", err)
	}
	return &rec, nil
}

// FindByDisplayName resolves a record by its user-visible name, the newest
// one when several share it. Returns nil without error when absent.
func (r *SessionRepository) FindByDisplayName(ctx context.Context, sessionID, displayName string) (*model.FileRecord, error) {
	return r.findBy(ctx, sessionID, "display_name", displayName)
}

// FindByStorageName resolves a record by its on-disk name. Returns nil
// without error when absent.
func (r *SessionRepository) FindByStorageName(ctx context.Context, sessionID, storageName string) (*model.FileRecord, error) {
	return r.findBy(ctx, sessionID, "storage_name", storageName)
}

// DeleteRecord removes one record; deleting an absent record is a no-op.
func (r *SessionRepository) DeleteRecord(ctx context.Context, sessionID, storageName string) error {
	_, err := r.db.Exec(ctx,
		"DELETE FROM files WHERE session_id = $1 AND storage_name = $2",
		sessionID, storageName)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	r.invalidate(ctx, sessionID)
	return nil
}

// DeleteAllForSession removes every record of a session and the session row.
func (r *SessionRepository) DeleteAllForSession(ctx context.Context, sessionID string) error {
	// files rows cascade from the session row
	if err := r.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

// DeleteSession removes the session row; file rows cascade.
func (r *SessionRepository) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx, "DELETE FROM sessions WHERE id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	r.invalidate(ctx, sessionID)
	return nil
}

// CountRemaining reports how many records a session still holds, zero for
// unknown sessions.
func (r *SessionRepository) CountRemaining(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM files WHERE session_id = $1", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return count, nil
}
