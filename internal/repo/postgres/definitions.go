package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	pgplatform "github.com/animus-labs/animus-deploy/internal/platform/postgres"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

type DefinitionStore struct {
	db DB
}

func NewDefinitionStore(db DB) *DefinitionStore {
	if db == nil {
		return nil
	}
	return &DefinitionStore{db: db}
}

const selectCurrentDefinitionQuery = `SELECT environment, pipeline, version, fingerprint, definition, source_run_id, created_at
		 FROM pipeline_definitions
		 WHERE environment = $1
		 ORDER BY version DESC
		 LIMIT 1`

// insertDefinitionQuery writes the next version only when the current
// version's fingerprint differs. No row comes back when nothing changed.
const insertDefinitionQuery = `WITH current AS (
			SELECT version, fingerprint
			FROM pipeline_definitions
			WHERE environment = $1
			ORDER BY version DESC
			LIMIT 1
		)
		INSERT INTO pipeline_definitions (
			environment,
			pipeline,
			version,
			fingerprint,
			definition,
			source_run_id,
			created_at
		)
		SELECT $1, $2, COALESCE((SELECT version FROM current), 0) + 1, $3, $4, $5, $6
		WHERE NOT EXISTS (SELECT 1 FROM current WHERE fingerprint = $3)
		RETURNING version, created_at`

func (s *DefinitionStore) CurrentDefinition(ctx context.Context, environment string) (repo.Definition, error) {
	if s == nil || s.db == nil {
		return repo.Definition{}, fmt.Errorf("definition store not initialized")
	}
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return repo.Definition{}, fmt.Errorf("environment is required")
	}
	var (
		def         repo.Definition
		sourceRunID sql.NullString
	)
	row := s.db.QueryRowContext(ctx, selectCurrentDefinitionQuery, environment)
	if err := row.Scan(&def.Environment, &def.Pipeline, &def.Version, &def.Fingerprint, &def.Raw, &sourceRunID, &def.CreatedAt); err != nil {
		return repo.Definition{}, handleNotFound(err)
	}
	def.SourceRunID = sourceRunID.String
	def.CreatedAt = def.CreatedAt.UTC()
	return def, nil
}

func (s *DefinitionStore) SaveDefinition(ctx context.Context, def repo.Definition) (repo.Definition, bool, error) {
	if s == nil || s.db == nil {
		return repo.Definition{}, false, fmt.Errorf("definition store not initialized")
	}
	def.Environment = strings.TrimSpace(def.Environment)
	def.Fingerprint = strings.TrimSpace(def.Fingerprint)
	if def.Environment == "" {
		return repo.Definition{}, false, fmt.Errorf("environment is required")
	}
	if def.Fingerprint == "" {
		return repo.Definition{}, false, fmt.Errorf("fingerprint is required")
	}
	if len(def.Raw) == 0 {
		return repo.Definition{}, false, fmt.Errorf("definition body is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		insertDefinitionQuery,
		def.Environment,
		strings.TrimSpace(def.Pipeline),
		def.Fingerprint,
		def.Raw,
		nullIfEmpty(def.SourceRunID),
		normalizeTime(def.CreatedAt),
	)
	err := row.Scan(&def.Version, &def.CreatedAt)
	switch {
	case err == nil:
		def.CreatedAt = def.CreatedAt.UTC()
		return def, true, nil
	case errors.Is(err, sql.ErrNoRows):
		current, err := s.CurrentDefinition(ctx, def.Environment)
		if err != nil {
			return repo.Definition{}, false, err
		}
		return current, false, nil
	case pgplatform.IsUniqueViolation(err):
		// A concurrent writer took the version; unchanged if it stored the same definition.
		current, cerr := s.CurrentDefinition(ctx, def.Environment)
		if cerr == nil && current.Fingerprint == def.Fingerprint {
			return current, false, nil
		}
		return repo.Definition{}, false, fmt.Errorf("insert definition: %w", err)
	default:
		return repo.Definition{}, false, fmt.Errorf("insert definition: %w", err)
	}
}
