package lineageevent

import (
	"strings"
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Produced("run-1", "Build", "imagedefinitions@sha256:abc", nil)
	event.OccurredAt = time.Unix(1700000000, 0).UTC()
	metadataJSON := []byte(`{"a":1,"b":"x"}`)

	a, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_ChangesOnPredicate(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	produced := Produced("run-1", "Build", "BuildOutput@sha256:abc", nil)
	produced.OccurredAt = at
	consumed := Consumed("run-1", "Build", "BuildOutput@sha256:abc", nil)
	consumed.OccurredAt = at

	a, err := ComputeIntegritySHA256(produced, nil)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(consumed, nil)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestPrepareFillsDefaults(t *testing.T) {
	event, metadataJSON, integrity, err := Prepare(Consumed("run-1", "Deploy", "taskdefinition@sha256:abc", nil))
	if err != nil {
		t.Fatalf("Prepare() err=%v", err)
	}
	if event.OccurredAt.IsZero() {
		t.Fatalf("expected OccurredAt default")
	}
	if string(metadataJSON) != "{}" {
		t.Fatalf("metadata=%s", metadataJSON)
	}
	if len(integrity) != 64 {
		t.Fatalf("integrity=%q", integrity)
	}
}

func TestValidateRejectsUnknownPredicate(t *testing.T) {
	event := Produced("run-1", "Build", "x@sha256:1", nil)
	event.OccurredAt = time.Now()
	event.Predicate = "used_by"
	if err := event.Validate(); err == nil || !strings.Contains(err.Error(), "unknown predicate") {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestInsertQueryReturnsID(t *testing.T) {
	if !strings.Contains(insertLineageEventQuery, "RETURNING event_id") {
		t.Fatalf("expected RETURNING clause")
	}
	if !strings.Contains(insertLineageEventQuery, "integrity_sha256") {
		t.Fatalf("expected integrity column")
	}
}
