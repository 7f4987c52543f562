package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Artifact is a content-addressed handle to the output of one stage within
// one run. Consumers hold the handle; the files stay where the producer left
// them.
type Artifact struct {
	Name      string
	RunID     string
	Producer  string
	Files     []string
	Dir       string
	Revision  string
	ObjectKey string
	SHA256    string
	SizeBytes int64
	Metadata  Metadata
	CreatedAt time.Time
}

// Handle is the addressable identity of the artifact: name plus digest.
func (a Artifact) Handle() string {
	return a.Name + "@sha256:" + a.SHA256
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("artifact name is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(a.Producer) == "" {
		return errors.New("producer is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("sha256 is required")
	}
	return nil
}

// EnsureArtifactImmutable rejects any change to an artifact's identity or
// content between two observations.
func EnsureArtifactImmutable(before, after Artifact) error {
	if before.Name == "" || after.Name == "" {
		return errors.New("artifact names are required")
	}
	if before.Name != after.Name {
		return fmt.Errorf("artifact name changed from %q to %q", before.Name, after.Name)
	}
	if before.RunID != after.RunID {
		return errors.New("run id is immutable")
	}
	if before.Producer != after.Producer {
		return errors.New("producer is immutable")
	}
	if before.ObjectKey != after.ObjectKey {
		return errors.New("object key is immutable")
	}
	if before.SHA256 != after.SHA256 {
		return errors.New("sha256 is immutable")
	}
	if before.SizeBytes != after.SizeBytes {
		return errors.New("size bytes is immutable")
	}
	if !reflect.DeepEqual(before.Files, after.Files) {
		return errors.New("files are immutable")
	}
	return nil
}
