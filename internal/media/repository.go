package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

const selectColumns = `id, uploader_id, state, variant, filename, alt, content_type, size_bytes, width, height,
duration_ms, storage_key, thumbnail_keys, created_at`

// Repository persists Media records once they leave the in-memory pendingUpload stage (i.e. from Processing
// onward). Transferring-stage uploads live only in the in-process uploadRegistry, matching spec §5's "uploads table
// (in-flight media) is a concurrent map" versus the durable row created once processing completes.
type Repository interface {
	// Insert persists a newly processed Media row.
	Insert(ctx context.Context, m *Media) error

	// GetByID returns a single Media by ID.
	GetByID(ctx context.Context, id ids.MediaID) (*Media, error)

	// SetThumbnailKey records the storage key for one generated thumbnail size.
	SetThumbnailKey(ctx context.Context, id ids.MediaID, size int, key string) error

	// MarkConsumed transitions a Media row from Uploaded to Consumed once it has been attached to a message or
	// another permanent resource, matching the original's "media not referenced ... will be removed after a period
	// of time" note on unlinked uploads.
	MarkConsumed(ctx context.Context, id ids.MediaID) error

	// Delete removes a Media row and returns its storage key and thumbnail keys for file cleanup.
	Delete(ctx context.Context, id ids.MediaID) (storageKey string, thumbnailKeys []string, err error)

	// PurgeUnconsumed deletes Uploaded-but-never-Consumed rows older than the given threshold and returns their
	// storage keys (including thumbnails) for file cleanup, mirroring attachment.Repository.PurgeOrphans.
	PurgeUnconsumed(ctx context.Context, olderThan time.Time) ([]string, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed media repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) Insert(ctx context.Context, m *Media) error {
	thumbJSON, err := json.Marshal(m.ThumbnailKeys)
	if err != nil {
		return fmt.Errorf("marshal thumbnail keys: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO media (id, uploader_id, state, variant, filename, alt, content_type, size_bytes, width, height,
		duration_ms, storage_key, thumbnail_keys, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		uuid.UUID(m.ID), m.UploaderID, int(m.State), int(m.Variant), m.Filename, m.Alt, m.ContentType, m.SizeBytes,
		m.Width, m.Height, m.DurationMS, m.StorageKey, thumbJSON, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

func (r *PGRepository) GetByID(ctx context.Context, id ids.MediaID) (*Media, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM media WHERE id = $1", uuid.UUID(id))
	m, err := scanMedia(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query media by id: %w", err)
	}
	return m, nil
}

func (r *PGRepository) SetThumbnailKey(ctx context.Context, id ids.MediaID, size int, key string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE media SET thumbnail_keys = jsonb_set(coalesce(thumbnail_keys, '{}'::jsonb), $2, to_jsonb($3::text))
		 WHERE id = $1`,
		uuid.UUID(id), fmt.Sprintf("{%d}", size), key,
	)
	if err != nil {
		return fmt.Errorf("set thumbnail key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) MarkConsumed(ctx context.Context, id ids.MediaID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE media SET state = $1 WHERE id = $2 AND state = $3",
		int(StateConsumed), uuid.UUID(id), int(StateUploaded),
	)
	if err != nil {
		return fmt.Errorf("mark media consumed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Delete(ctx context.Context, id ids.MediaID) (string, []string, error) {
	row := r.db.QueryRow(ctx,
		"DELETE FROM media WHERE id = $1 RETURNING storage_key, thumbnail_keys", uuid.UUID(id))
	var storageKey string
	var thumbJSON []byte
	if err := row.Scan(&storageKey, &thumbJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("delete media: %w", err)
	}
	return storageKey, thumbnailValues(thumbJSON), nil
}

func (r *PGRepository) PurgeUnconsumed(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM media WHERE state = $1 AND created_at < $2 RETURNING storage_key, thumbnail_keys`,
		int(StateUploaded), olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("purge unconsumed media: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var storageKey string
		var thumbJSON []byte
		if err := rows.Scan(&storageKey, &thumbJSON); err != nil {
			return nil, fmt.Errorf("scan purged media: %w", err)
		}
		keys = append(keys, storageKey)
		keys = append(keys, thumbnailValues(thumbJSON)...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purged media: %w", err)
	}
	return keys, nil
}

func scanMedia(row pgx.Row) (*Media, error) {
	var m Media
	var id uuid.UUID
	var state, variant int
	var thumbJSON []byte
	err := row.Scan(
		&id, &m.UploaderID, &state, &variant, &m.Filename, &m.Alt, &m.ContentType, &m.SizeBytes,
		&m.Width, &m.Height, &m.DurationMS, &m.StorageKey, &thumbJSON, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ID = ids.MediaID(id)
	m.State = State(state)
	m.Variant = Variant(variant)
	m.ThumbnailKeys = thumbnailMap(thumbJSON)
	return &m, nil
}

func thumbnailMap(raw []byte) map[int]string {
	if len(raw) == 0 {
		return map[int]string{}
	}
	var strKeyed map[string]string
	if err := json.Unmarshal(raw, &strKeyed); err != nil {
		return map[int]string{}
	}
	out := make(map[int]string, len(strKeyed))
	for k, v := range strKeyed {
		var size int
		if _, err := fmt.Sscanf(k, "%d", &size); err == nil {
			out[size] = v
		}
	}
	return out
}

func thumbnailValues(raw []byte) []string {
	m := thumbnailMap(raw)
	vals := make([]string, 0, len(m))
	for _, v := range m {
		vals = append(vals, v)
	}
	return vals
}
