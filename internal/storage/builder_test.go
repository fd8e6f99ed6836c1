// internal/storage/builder_test.go
package storage

import (
	"testing"

	"github.com/nhs-notify/template-store-go/internal/model"
)

// TestSplitPathUnescapesDots tests the path grammar used for nested document
// addresses.
func TestSplitPathUnescapesDots(t *testing.T) {
	cases := []struct {
		path string
		want []string
	}{
		{"name", []string{"name"}},
		{"files.pdfTemplate.currentVersion", []string{"files", "pdfTemplate", "currentVersion"}},
		{`files.proofs.proof\.final\.pdf`, []string{"files", "proofs", "proof.final.pdf"}},
	}

	for _, tc := range cases {
		got := splitPath(tc.path)
		if len(got) != len(tc.want) {
			t.Errorf("splitPath(%q) = %v, want %v", tc.path, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitPath(%q)[%d] = %q, want %q", tc.path, i, got[i], tc.want[i])
			}
		}
	}
}

// TestEscapeSegmentRoundTrips tests that an escaped segment survives the path
// split intact.
func TestEscapeSegmentRoundTrips(t *testing.T) {
	fileName := "west.sussex.proof.pdf"
	path := "files.proofs." + EscapeSegment(fileName)

	segments := splitPath(path)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %v", segments)
	}
	if segments[2] != fileName {
		t.Errorf("expected final segment %q, got %q", fileName, segments[2])
	}
}

// TestExpectLockNumberIsAbsentOrEqual tests the OR-group produced by the lock
// assertion: records without a lock attribute pass, matching locks pass, and
// stale locks fail.
func TestExpectLockNumberIsAbsentOrEqual(t *testing.T) {
	spec := NewUpdate().ExpectLockNumber(5).Build()
	if len(spec.Conditions) != 1 {
		t.Fatalf("expected 1 condition, got %d", len(spec.Conditions))
	}
	cond := spec.Conditions[0]

	if !evalCondition(map[string]any{"id": "t"}, cond) {
		t.Error("expected record without lockNumber to pass")
	}
	if !evalCondition(map[string]any{"lockNumber": float64(5)}, cond) {
		t.Error("expected matching lock number to pass")
	}
	if evalCondition(map[string]any{"lockNumber": float64(6)}, cond) {
		t.Error("expected stale lock number to fail")
	}
}

// TestExpectFileScanPassedOrAbsent tests the submit gate on uploaded files.
func TestExpectFileScanPassedOrAbsent(t *testing.T) {
	spec := NewUpdate().ExpectFileScanPassedOrAbsent("pdfTemplate").Build()
	cond := spec.Conditions[0]

	// No file uploaded at all
	if !evalCondition(map[string]any{}, cond) {
		t.Error("expected absent file to pass")
	}

	passed := map[string]any{"files": map[string]any{"pdfTemplate": map[string]any{"virusScanStatus": "PASSED"}}}
	if !evalCondition(passed, cond) {
		t.Error("expected passed scan to pass")
	}

	pending := map[string]any{"files": map[string]any{"pdfTemplate": map[string]any{"virusScanStatus": "PENDING"}}}
	if evalCondition(pending, cond) {
		t.Error("expected pending scan to fail")
	}

	failedScan := map[string]any{"files": map[string]any{"pdfTemplate": map[string]any{"virusScanStatus": "FAILED"}}}
	if evalCondition(failedScan, cond) {
		t.Error("expected failed scan to fail")
	}
}

// TestExpectNotFinalStatus tests the terminal-state guard.
func TestExpectNotFinalStatus(t *testing.T) {
	spec := NewUpdate().ExpectNotFinalStatus().Build()
	cond := spec.Conditions[0]

	if !evalCondition(map[string]any{"templateStatus": "NOT_YET_SUBMITTED"}, cond) {
		t.Error("expected non-terminal status to pass")
	}
	if evalCondition(map[string]any{"templateStatus": "SUBMITTED"}, cond) {
		t.Error("expected SUBMITTED to fail")
	}
	if evalCondition(map[string]any{"templateStatus": "DELETED"}, cond) {
		t.Error("expected DELETED to fail")
	}
}

// TestBuilderCollectsWrites tests that the fluent setters land in the right
// parts of the spec.
func TestBuilderCollectsWrites(t *testing.T) {
	spec := NewUpdate().
		SetName("name").
		SetStatus(model.StatusSubmitted).
		SetUpdatedBy("INTERNAL_USER#user-1", "2025-06-01T12:00:00.000Z").
		InitialiseProofs().
		IncrementLockNumber().
		ExpectExists().
		ExpectStatus(model.StatusNotYetSubmitted).
		Build()

	if spec.Sets["name"] != "name" {
		t.Errorf("expected name set, got %v", spec.Sets["name"])
	}
	if spec.Sets["templateStatus"] != model.StatusSubmitted {
		t.Errorf("expected status set, got %v", spec.Sets["templateStatus"])
	}
	if spec.Sets["updatedBy"] != "INTERNAL_USER#user-1" {
		t.Errorf("expected updatedBy set, got %v", spec.Sets["updatedBy"])
	}
	if _, ok := spec.SetsIfNotExists["files.proofs"]; !ok {
		t.Error("expected proofs map initialisation")
	}
	if spec.LockIncrement != 1 {
		t.Errorf("expected lock increment 1, got %d", spec.LockIncrement)
	}
	if len(spec.Conditions) != 2 {
		t.Errorf("expected 2 conditions, got %d", len(spec.Conditions))
	}
}
