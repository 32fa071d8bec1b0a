package repository

import (
	"context"
	"encoding/json"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/database"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

// AuditRepository appends and replays immutable audit log entries. The
// interface deliberately has no update or delete: append-only is enforced
// at the type level, and the table carries a delete-prevention trigger as
// a second line of defence. Entry ids come from a BIGSERIAL sequence, so
// replay order is creation order.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry and fills in its sequence id.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditLogEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO audit_log
		    (entity_type, entity_id, actor_type, actor_id, action,
		     before_value, after_value, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	return r.db.QueryRow(ctx, query,
		entry.EntityType,
		entry.EntityID,
		entry.ActorType,
		entry.ActorID,
		entry.Action,
		nullableRaw(entry.Before),
		nullableRaw(entry.After),
		metadataJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// ReplayForEntity returns every entry for an entity in creation order.
func (r *AuditRepository) ReplayForEntity(ctx context.Context, entityType, entityID string) ([]*AuditLogEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, actor_type, actor_id, action,
		       before_value, after_value, metadata, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to replay audit log")
	}
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		entry := &AuditLogEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.ActorType,
			&entry.ActorID,
			&entry.Action,
			&entry.Before,
			&entry.After,
			&metadataJSON,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func nullableRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
