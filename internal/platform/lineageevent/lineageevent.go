// Package lineageevent records which stage produced or consumed which
// artifact, with an integrity hash over each row.
package lineageevent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	PredicateProduced = "produced"
	PredicateConsumed = "consumed"

	SubjectStage   = "stage"
	ObjectArtifact = "artifact"
)

type Event struct {
	OccurredAt  time.Time
	Actor       string
	RunID       string
	SubjectType string
	SubjectID   string
	Predicate   string
	ObjectType  string
	ObjectID    string
	Metadata    any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Produced is the event for stage publishing the artifact handle.
func Produced(runID, stage, handle string, metadata any) Event {
	return Event{
		Actor:       "orchestrator",
		RunID:       runID,
		SubjectType: SubjectStage,
		SubjectID:   stage,
		Predicate:   PredicateProduced,
		ObjectType:  ObjectArtifact,
		ObjectID:    handle,
		Metadata:    metadata,
	}
}

// Consumed is the event for stage reading the artifact handle.
func Consumed(runID, stage, handle string, metadata any) Event {
	e := Produced(runID, stage, handle, metadata)
	e.Predicate = PredicateConsumed
	return e
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	if strings.TrimSpace(e.SubjectType) == "" {
		return errors.New("SubjectType is required")
	}
	if strings.TrimSpace(e.SubjectID) == "" {
		return errors.New("SubjectID is required")
	}
	switch strings.TrimSpace(e.Predicate) {
	case PredicateProduced, PredicateConsumed:
	case "":
		return errors.New("Predicate is required")
	default:
		return fmt.Errorf("unknown predicate %q", e.Predicate)
	}
	if strings.TrimSpace(e.ObjectType) == "" {
		return errors.New("ObjectType is required")
	}
	if strings.TrimSpace(e.ObjectID) == "" {
		return errors.New("ObjectID is required")
	}
	return nil
}

const insertLineageEventQuery = `INSERT INTO lineage_events (
			occurred_at,
			actor,
			run_id,
			subject_type,
			subject_id,
			predicate,
			object_type,
			object_id,
			metadata,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING event_id`

// Prepare fills defaults, validates the event and returns its metadata
// encoding and integrity hash.
func Prepare(event Event) (Event, []byte, string, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return Event{}, nil, "", err
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return Event{}, nil, "", fmt.Errorf("marshal metadata: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		return Event{}, nil, "", err
	}
	return event, metadataJSON, integrity, nil
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	event, metadataJSON, integrity, err := Prepare(event)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertLineageEventQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.RunID),
		strings.TrimSpace(event.SubjectType),
		strings.TrimSpace(event.SubjectID),
		strings.TrimSpace(event.Predicate),
		strings.TrimSpace(event.ObjectType),
		strings.TrimSpace(event.ObjectID),
		metadataJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert lineage event: %w", err)
	}
	return id, nil
}

func ComputeIntegritySHA256(event Event, metadataJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt  time.Time       `json:"occurred_at"`
		Actor       string          `json:"actor"`
		RunID       string          `json:"run_id"`
		SubjectType string          `json:"subject_type"`
		SubjectID   string          `json:"subject_id"`
		Predicate   string          `json:"predicate"`
		ObjectType  string          `json:"object_type"`
		ObjectID    string          `json:"object_id"`
		Metadata    json.RawMessage `json:"metadata"`
	}

	if len(metadataJSON) == 0 {
		metadataJSON = []byte("{}")
	}
	in := integrityInput{
		OccurredAt:  event.OccurredAt.UTC(),
		Actor:       strings.TrimSpace(event.Actor),
		RunID:       strings.TrimSpace(event.RunID),
		SubjectType: strings.TrimSpace(event.SubjectType),
		SubjectID:   strings.TrimSpace(event.SubjectID),
		Predicate:   strings.TrimSpace(event.Predicate),
		ObjectType:  strings.TrimSpace(event.ObjectType),
		ObjectID:    strings.TrimSpace(event.ObjectID),
		Metadata:    metadataJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
