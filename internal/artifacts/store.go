// Package artifacts publishes stage outputs as content-addressed handles and
// keeps a per-run namespace of them.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/animus-labs/animus-deploy/internal/domain"
	store "github.com/animus-labs/animus-deploy/internal/storage/objectstore"
)

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrAlreadyExists = errors.New("artifact already produced in run")
)

// Store handles artifact persistence into object storage.
type Store struct {
	bucket string
	store  store.Store
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]map[string]domain.Artifact
}

// Publication describes the files a stage hands on under one name.
type Publication struct {
	RunID    string
	Producer string
	Name     string
	Dir      string
	Files    []string
	Revision string
	Metadata domain.Metadata
}

// Manifest is the object stored for every artifact.
type Manifest struct {
	Name     string          `json:"name"`
	RunID    string          `json:"runId"`
	Producer string          `json:"producer"`
	Revision string          `json:"revision,omitempty"`
	SHA256   string          `json:"sha256"`
	Files    []ManifestEntry `json:"files"`
}

type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

func NewStore(objectStore store.Store, bucket string) (*Store, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{
		bucket: bucket,
		store:  objectStore,
		now:    time.Now,
		runs:   make(map[string]map[string]domain.Artifact),
	}, nil
}

// Publish digests the declared files under pub.Dir, uploads them with a
// manifest and registers the artifact in the run's namespace. Every pattern
// must match at least one file.
func (s *Store) Publish(ctx context.Context, pub Publication) (domain.Artifact, error) {
	if s == nil || s.store == nil {
		return domain.Artifact{}, errors.New("artifact store not initialized")
	}
	pub.RunID = strings.TrimSpace(pub.RunID)
	pub.Name = strings.TrimSpace(pub.Name)
	pub.Producer = strings.TrimSpace(pub.Producer)
	if pub.RunID == "" {
		return domain.Artifact{}, errors.New("run id is required")
	}
	if pub.Name == "" {
		return domain.Artifact{}, errors.New("artifact name is required")
	}
	if pub.Producer == "" {
		return domain.Artifact{}, errors.New("producer is required")
	}
	if strings.TrimSpace(pub.Dir) == "" {
		return domain.Artifact{}, errors.New("artifact directory is required")
	}

	s.mu.Lock()
	_, exists := s.runs[pub.RunID][pub.Name]
	s.mu.Unlock()
	if exists {
		return domain.Artifact{}, fmt.Errorf("%s in run %s: %w", pub.Name, pub.RunID, ErrAlreadyExists)
	}

	manifest, err := Digest(pub.Dir, pub.Files)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("artifact %s: %w", pub.Name, err)
	}
	manifest.Name = pub.Name
	manifest.RunID = pub.RunID
	manifest.Producer = pub.Producer
	manifest.Revision = pub.Revision

	prefix := objectPrefix(pub.RunID, pub.Name)
	var size int64
	files := make([]string, 0, len(manifest.Files))
	for _, entry := range manifest.Files {
		if err := s.upload(ctx, pub.Dir, prefix, entry); err != nil {
			return domain.Artifact{}, err
		}
		size += entry.Size
		files = append(files, entry.Path)
	}

	rawManifest, err := json.Marshal(manifest)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("encode manifest: %w", err)
	}
	manifestKey := prefix + "manifest.json"
	if err := s.store.Put(ctx, s.bucket, manifestKey, bytes.NewReader(rawManifest), int64(len(rawManifest)), "application/json"); err != nil {
		return domain.Artifact{}, fmt.Errorf("put manifest %s: %w", manifestKey, err)
	}

	artifact := domain.Artifact{
		Name:      pub.Name,
		RunID:     pub.RunID,
		Producer:  pub.Producer,
		Files:     files,
		Dir:       pub.Dir,
		Revision:  pub.Revision,
		ObjectKey: manifestKey,
		SHA256:    manifest.SHA256,
		SizeBytes: size,
		Metadata:  pub.Metadata.Clone(),
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.runs[pub.RunID]
	if !ok {
		ns = make(map[string]domain.Artifact)
		s.runs[pub.RunID] = ns
	}
	if _, exists := ns[pub.Name]; exists {
		return domain.Artifact{}, fmt.Errorf("%s in run %s: %w", pub.Name, pub.RunID, ErrAlreadyExists)
	}
	ns[pub.Name] = artifact
	return artifact, nil
}

// Resolve returns the artifact named name in runID.
func (s *Store) Resolve(runID, name string) (domain.Artifact, error) {
	if s == nil {
		return domain.Artifact{}, errors.New("artifact store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.runs[runID][name]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%s in run %s: %w", name, runID, ErrNotFound)
	}
	return artifact, nil
}

// Artifacts lists the run's artifacts by name.
func (s *Store) Artifacts(runID string) []domain.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Artifact, 0, len(s.runs[runID]))
	for _, artifact := range s.runs[runID] {
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Verify recomputes the digest of the artifact's files in place and fails if
// they changed since publication.
func (s *Store) Verify(artifact domain.Artifact) error {
	manifest, err := Digest(artifact.Dir, artifact.Files)
	if err != nil {
		return fmt.Errorf("verify %s: %w", artifact.Name, err)
	}
	current := artifact
	current.SHA256 = manifest.SHA256
	current.SizeBytes = 0
	current.Files = make([]string, 0, len(manifest.Files))
	for _, entry := range manifest.Files {
		current.SizeBytes += entry.Size
		current.Files = append(current.Files, entry.Path)
	}
	if err := domain.EnsureArtifactImmutable(artifact, current); err != nil {
		return fmt.Errorf("verify %s: %w", artifact.Name, err)
	}
	return nil
}

// Open streams one file of a published artifact from object storage.
func (s *Store) Open(ctx context.Context, artifact domain.Artifact, file string) (io.ReadCloser, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("artifact store not initialized")
	}
	if strings.TrimSpace(artifact.ObjectKey) == "" {
		return nil, errors.New("object key is required")
	}
	reader, _, err := s.store.Get(ctx, s.bucket, objectPrefix(artifact.RunID, artifact.Name)+"files/"+file)
	if err != nil {
		return nil, err
	}
	return reader, nil
}

// Discard drops the run's namespace. Stored objects are left to the bucket's
// retention policy.
func (s *Store) Discard(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

func (s *Store) upload(ctx context.Context, dir, prefix string, entry ManifestEntry) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(entry.Path)))
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Path, err)
	}
	defer f.Close()
	key := prefix + "files/" + entry.Path
	if err := s.store.Put(ctx, s.bucket, key, f, entry.Size, "application/octet-stream"); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func objectPrefix(runID, name string) string {
	return fmt.Sprintf("runs/%s/%s/", runID, name)
}

// Digest matches patterns under dir and returns the manifest of the matched
// files. The manifest digest covers each path and its content hash, in path
// order.
func Digest(dir string, patterns []string) (Manifest, error) {
	if len(patterns) == 0 {
		return Manifest{}, errors.New("no files declared")
	}
	fsys := os.DirFS(dir)
	matched := make(map[string]struct{})
	for _, pattern := range patterns {
		pattern = path.Clean(strings.TrimPrefix(filepath.ToSlash(pattern), "./"))
		if !doublestar.ValidatePattern(pattern) {
			return Manifest{}, fmt.Errorf("invalid file pattern %q", pattern)
		}
		names, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return Manifest{}, fmt.Errorf("match %q: %w", pattern, err)
		}
		count := 0
		for _, name := range names {
			if ignored(name) {
				continue
			}
			info, err := fs.Stat(fsys, name)
			if err != nil {
				return Manifest{}, fmt.Errorf("stat %s: %w", name, err)
			}
			if !info.Mode().IsRegular() {
				continue
			}
			matched[name] = struct{}{}
			count++
		}
		if count == 0 {
			return Manifest{}, fmt.Errorf("declared file %q not produced", pattern)
		}
	}

	paths := make([]string, 0, len(matched))
	for name := range matched {
		paths = append(paths, name)
	}
	sort.Strings(paths)

	total := sha256.New()
	entries := make([]ManifestEntry, 0, len(paths))
	for _, name := range paths {
		entry, err := hashFile(fsys, name)
		if err != nil {
			return Manifest{}, err
		}
		entries = append(entries, entry)
		fmt.Fprintf(total, "%s\x00%s\n", entry.Path, entry.SHA256)
	}
	return Manifest{
		SHA256: hex.EncodeToString(total.Sum(nil)),
		Files:  entries,
	}, nil
}

func hashFile(fsys fs.FS, name string) (ManifestEntry, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("hash %s: %w", name, err)
	}
	return ManifestEntry{Path: name, SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// ignored skips version control metadata.
func ignored(name string) bool {
	for _, segment := range strings.Split(name, "/") {
		if segment == ".git" {
			return true
		}
	}
	return false
}
