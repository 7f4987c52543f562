package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/pipeline/definition"
	"github.com/animus-labs/animus-deploy/internal/repo"
	"github.com/animus-labs/animus-deploy/internal/storage/objectstore"
)

// ErrNoDefinition is returned by Current when an environment has never been
// synthesized.
var ErrNoDefinition = errors.New("no pipeline definition stored")

// Update is the outcome of storing a synthesized definition.
type Update struct {
	Version int64
	Changed bool
}

// DefinitionStore holds the current pipeline definition of each environment.
// Update must be a no-op when the definition's fingerprint matches the
// current one.
type DefinitionStore interface {
	Current(ctx context.Context, environment string) (definition.Definition, error)
	Update(ctx context.Context, def definition.Definition, sourceRunID string) (Update, error)
}

// RepoDefinitions adapts a repo.DefinitionRepository.
type RepoDefinitions struct {
	repo repo.DefinitionRepository
}

func NewDefinitionStore(r repo.DefinitionRepository) *RepoDefinitions {
	if r == nil {
		return nil
	}
	return &RepoDefinitions{repo: r}
}

func (s *RepoDefinitions) Current(ctx context.Context, environment string) (definition.Definition, error) {
	if s == nil || s.repo == nil {
		return definition.Definition{}, fmt.Errorf("definition store not initialized")
	}
	stored, err := s.repo.CurrentDefinition(ctx, strings.TrimSpace(environment))
	if errors.Is(err, repo.ErrNotFound) {
		return definition.Definition{}, fmt.Errorf("%s: %w", environment, ErrNoDefinition)
	}
	if err != nil {
		return definition.Definition{}, err
	}
	def, err := definition.Parse(stored.Raw)
	if err != nil {
		return definition.Definition{}, fmt.Errorf("decode stored definition %s v%d: %w", environment, stored.Version, err)
	}
	if def.Fingerprint != stored.Fingerprint {
		return definition.Definition{}, fmt.Errorf("stored definition %s v%d fingerprint mismatch", environment, stored.Version)
	}
	return def, nil
}

func (s *RepoDefinitions) Update(ctx context.Context, def definition.Definition, sourceRunID string) (Update, error) {
	if s == nil || s.repo == nil {
		return Update{}, fmt.Errorf("definition store not initialized")
	}
	stored, written, err := s.repo.SaveDefinition(ctx, repo.Definition{
		Environment: def.Environment,
		Pipeline:    def.Pipeline,
		Fingerprint: def.Fingerprint,
		Raw:         def.Raw,
		SourceRunID: sourceRunID,
	})
	if err != nil {
		return Update{}, fmt.Errorf("store definition: %w", err)
	}
	return Update{Version: stored.Version, Changed: written}, nil
}

// MirroredDefinitions copies every newly written definition version into a
// bucket as <environment>/v<version>/pipeline.json. Unchanged updates are not
// mirrored.
type MirroredDefinitions struct {
	Store   DefinitionStore
	Objects objectstore.Store
	Bucket  string
}

func (m *MirroredDefinitions) Current(ctx context.Context, environment string) (definition.Definition, error) {
	if m == nil || m.Store == nil {
		return definition.Definition{}, fmt.Errorf("definition store not initialized")
	}
	return m.Store.Current(ctx, environment)
}

func (m *MirroredDefinitions) Update(ctx context.Context, def definition.Definition, sourceRunID string) (Update, error) {
	if m == nil || m.Store == nil {
		return Update{}, fmt.Errorf("definition store not initialized")
	}
	u, err := m.Store.Update(ctx, def, sourceRunID)
	if err != nil || !u.Changed || m.Objects == nil {
		return u, err
	}
	key := MirrorKey(def.Environment, u.Version)
	if err := m.Objects.Put(ctx, m.Bucket, key, bytes.NewReader(def.Raw), int64(len(def.Raw)), "application/json"); err != nil {
		return u, fmt.Errorf("mirror definition %s: %w", key, err)
	}
	return u, nil
}

// MirrorKey is the object key of one mirrored definition version.
func MirrorKey(environment string, version int64) string {
	return path.Join(environment, fmt.Sprintf("v%d", version), "pipeline.json")
}
