package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/platform/lineageevent"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

type LineageStore struct {
	db DB
}

func NewLineageStore(db DB) *LineageStore {
	if db == nil {
		return nil
	}
	return &LineageStore{db: db}
}

const listLineageByRunQuery = `SELECT event_id, occurred_at, actor, run_id, subject_type, subject_id,
			predicate, object_type, object_id, metadata, integrity_sha256
		 FROM lineage_events
		 WHERE run_id = $1
		 ORDER BY event_id ASC`

func (s *LineageStore) RecordLineage(ctx context.Context, event lineageevent.Event) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("lineage store not initialized")
	}
	return lineageevent.Insert(ctx, s.db, event)
}

func (s *LineageStore) ListLineage(ctx context.Context, runID string) ([]repo.LineageRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("lineage store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listLineageByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list lineage: %w", err)
	}
	defer rows.Close()

	out := make([]repo.LineageRecord, 0)
	for rows.Next() {
		var (
			rec          repo.LineageRecord
			metadataJSON []byte
		)
		e := &rec.Event
		if err := rows.Scan(&rec.ID, &e.OccurredAt, &e.Actor, &e.RunID, &e.SubjectType, &e.SubjectID,
			&e.Predicate, &e.ObjectType, &e.ObjectID, &metadataJSON, &rec.Integrity); err != nil {
			return nil, fmt.Errorf("scan lineage event: %w", err)
		}
		e.OccurredAt = e.OccurredAt.UTC()
		if len(metadataJSON) > 0 {
			var metadata map[string]any
			if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
				return nil, fmt.Errorf("decode lineage metadata: %w", err)
			}
			e.Metadata = metadata
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage events: %w", err)
	}
	return out, nil
}
