// internal/repository/repository_test.go
// Package repository provides unit tests for the template store operations,
// running against the in-memory storage backend.
package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nhs-notify/template-store-go/internal/model"
	"github.com/nhs-notify/template-store-go/internal/outcome"
	"github.com/nhs-notify/template-store-go/internal/storage"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const deletedRetention = 30 * 24 * time.Hour

// newTestRepository creates a repository over a fresh in-memory store with a
// frozen clock and sequential template ids.
func newTestRepository(t *testing.T) (*Repository, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	seq := 0
	repo := New(store, log, deletedRetention).
		WithClock(func() time.Time { return testTime }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("template-%d", seq)
		})
	return repo, store
}

func testUser() model.User {
	return model.User{InternalUserID: "user-1", ClientID: "client-1"}
}

// seed writes a template directly into the store, bypassing the repository.
func seed(t *testing.T, store *storage.MemoryStore, template model.Template) {
	t.Helper()
	if template.Version == 0 {
		template.Version = 1
	}
	if err := store.Put(context.Background(), &template, nil); err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
}

func seededLetter(id string, status model.TemplateStatus) model.Template {
	return model.Template{
		ID:              id,
		Owner:           "CLIENT#client-1",
		ClientID:        "client-1",
		TemplateType:    model.TemplateTypeLetter,
		TemplateStatus:  status,
		Name:            "letter",
		ProofingEnabled: true,
		Files: &model.LetterFiles{
			PdfTemplate: &model.FileDetails{
				FileName:        "letter.pdf",
				CurrentVersion:  "v1",
				VirusScanStatus: model.ScanPassed,
			},
			Proofs: map[string]model.ProofFileDetails{},
		},
		CreatedAt: "2025-05-01T00:00:00.000Z",
		UpdatedAt: "2025-05-01T00:00:00.000Z",
	}
}

// expectError asserts a result failed with the given code and description.
func expectError[T any](t *testing.T, result outcome.Result[T], code outcome.ErrorCode, description string) *outcome.StoreError {
	t.Helper()
	if result.Error == nil {
		t.Fatalf("expected error %s, got success", code)
	}
	if result.Error.Code != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, result.Error.Code, result.Error.Description)
	}
	if result.Error.Description != description {
		t.Errorf("expected description %q, got %q", description, result.Error.Description)
	}
	return result.Error
}

// TestCreateInitialisesEntity verifies that create assigns ownership, audit
// fields and the initial lock number.
func TestCreateInitialisesEntity(t *testing.T) {
	repo, _ := newTestRepository(t)

	result := repo.Create(context.Background(), &model.CreateTemplateProperties{
		TemplateType: model.TemplateTypeEmail,
		Name:         "welcome",
		Subject:      "Welcome",
		Message:      "Hello",
	}, testUser(), model.StatusNotYetSubmitted, "")

	if result.Error != nil {
		t.Fatalf("create failed: %v", result.Error)
	}
	got := result.Data
	if got.ID != "template-1" {
		t.Errorf("unexpected id %q", got.ID)
	}
	if got.Owner != "CLIENT#client-1" {
		t.Errorf("unexpected owner %q", got.Owner)
	}
	if got.ClientID != "client-1" {
		t.Errorf("unexpected clientId %q", got.ClientID)
	}
	if got.LockNumber != 0 {
		t.Errorf("expected lock number 0, got %d", got.LockNumber)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
	if got.CreatedBy != "INTERNAL_USER#user-1" || got.UpdatedBy != "INTERNAL_USER#user-1" {
		t.Errorf("unexpected audit fields %q / %q", got.CreatedBy, got.UpdatedBy)
	}
	if got.CreatedAt != "2025-06-01T12:00:00.000Z" || got.UpdatedAt != got.CreatedAt {
		t.Errorf("unexpected timestamps %q / %q", got.CreatedAt, got.UpdatedAt)
	}
	if got.CampaignID != "" {
		t.Errorf("campaignId should not be set for email templates, got %q", got.CampaignID)
	}
}

// TestCreateLetterKeepsCampaign verifies the campaign id is applied to letter
// templates only.
func TestCreateLetterKeepsCampaign(t *testing.T) {
	repo, _ := newTestRepository(t)

	result := repo.Create(context.Background(), &model.CreateTemplateProperties{
		TemplateType: model.TemplateTypeLetter,
		Name:         "letter",
	}, testUser(), model.StatusPendingValidation, "campaign-7")

	if result.Error != nil {
		t.Fatalf("create failed: %v", result.Error)
	}
	if result.Data.CampaignID != "campaign-7" {
		t.Errorf("expected campaign id to be stored, got %q", result.Data.CampaignID)
	}
	if result.Data.TemplateStatus != model.StatusPendingValidation {
		t.Errorf("expected initial status to be honoured, got %s", result.Data.TemplateStatus)
	}
}

// TestGetReturnsTemplate verifies a round trip through create and get.
func TestGetReturnsTemplate(t *testing.T) {
	repo, _ := newTestRepository(t)

	created := repo.Create(context.Background(), &model.CreateTemplateProperties{
		TemplateType: model.TemplateTypeSMS,
		Name:         "reminder",
		Message:      "Your appointment",
	}, testUser(), model.StatusNotYetSubmitted, "")
	if created.Error != nil {
		t.Fatalf("create failed: %v", created.Error)
	}

	got := repo.Get(context.Background(), created.Data.ID, "client-1")
	if got.Error != nil {
		t.Fatalf("get failed: %v", got.Error)
	}
	if got.Data.Name != "reminder" {
		t.Errorf("unexpected name %q", got.Data.Name)
	}
}

// TestGetMissingTemplate verifies absent records are reported as not found.
func TestGetMissingTemplate(t *testing.T) {
	repo, _ := newTestRepository(t)

	result := repo.Get(context.Background(), "nope", "client-1")
	expectError(t, result, outcome.NotFound, "Template not found")
}

// TestGetDeletedTemplate verifies soft-deleted records read as not found.
func TestGetDeletedTemplate(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusDeleted))

	result := repo.Get(context.Background(), "t1", "client-1")
	expectError(t, result, outcome.NotFound, "Template not found")
}

// TestListExcludesDeleted verifies list filters soft-deleted records.
func TestListExcludesDeleted(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusNotYetSubmitted))
	seed(t, store, seededLetter("t2", model.StatusDeleted))

	result := repo.List(context.Background(), "client-1")
	if result.Error != nil {
		t.Fatalf("list failed: %v", result.Error)
	}
	if len(*result.Data) != 1 || (*result.Data)[0].ID != "t1" {
		t.Errorf("expected only t1, got %v", *result.Data)
	}
}

// TestUpdateHappyPath verifies an accepted update writes content, audit
// fields and bumps the lock number by one.
func TestUpdateHappyPath(t *testing.T) {
	repo, _ := newTestRepository(t)

	created := repo.Create(context.Background(), &model.CreateTemplateProperties{
		TemplateType: model.TemplateTypeEmail,
		Name:         "old",
		Subject:      "Old subject",
		Message:      "Old body",
	}, testUser(), model.StatusNotYetSubmitted, "")
	if created.Error != nil {
		t.Fatalf("create failed: %v", created.Error)
	}

	updated := repo.Update(context.Background(), created.Data.ID, &model.UpdateTemplateProperties{
		TemplateType: model.TemplateTypeEmail,
		Name:         "new",
		Subject:      "New subject",
		Message:      "New body",
	}, testUser(), model.StatusNotYetSubmitted, 0)

	if updated.Error != nil {
		t.Fatalf("update failed: %v", updated.Error)
	}
	if updated.Data.Name != "new" || updated.Data.Subject != "New subject" || updated.Data.Message != "New body" {
		t.Errorf("content not updated: %+v", updated.Data)
	}
	if updated.Data.LockNumber != 1 {
		t.Errorf("expected lock number 1, got %d", updated.Data.LockNumber)
	}
}

// TestUpdateLockMismatch verifies a stale lock number is rejected as a
// conflict and nothing is written.
func TestUpdateLockMismatch(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusNotYetSubmitted)
	template.TemplateType = model.TemplateTypeSMS
	template.Files = nil
	template.LockNumber = 3
	seed(t, store, template)

	result := repo.Update(context.Background(), "t1", &model.UpdateTemplateProperties{
		TemplateType: model.TemplateTypeSMS,
		Name:         "new",
	}, testUser(), model.StatusNotYetSubmitted, 2)

	expectError(t, result, outcome.Conflict, "Lock number mismatch - Template has been modified since last read")

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Error != nil {
		t.Fatalf("get failed: %v", after.Error)
	}
	if after.Data.Name != "letter" || after.Data.LockNumber != 3 {
		t.Errorf("rejected update must not modify the record: %+v", after.Data)
	}
}

// TestUpdateSubmittedTemplate verifies terminal submitted records refuse
// content updates, and that this outranks a lock mismatch.
func TestUpdateSubmittedTemplate(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusSubmitted)
	template.LockNumber = 5
	seed(t, store, template)

	result := repo.Update(context.Background(), "t1", &model.UpdateTemplateProperties{
		TemplateType: model.TemplateTypeLetter,
		Name:         "new",
	}, testUser(), model.StatusNotYetSubmitted, 0)

	expectError(t, result, outcome.AlreadySubmitted, "Template with status SUBMITTED cannot be updated")
}

// TestUpdateDeletedTemplate verifies deleted records read as not found even
// when every other precondition would also have failed.
func TestUpdateDeletedTemplate(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusDeleted)
	template.LockNumber = 5
	seed(t, store, template)

	result := repo.Update(context.Background(), "t1", &model.UpdateTemplateProperties{
		TemplateType: model.TemplateTypeSMS,
		Name:         "new",
	}, testUser(), model.StatusNotYetSubmitted, 0)

	expectError(t, result, outcome.NotFound, "Template not found")
}

// TestUpdateMissingTemplate verifies updates of absent records are not found.
func TestUpdateMissingTemplate(t *testing.T) {
	repo, _ := newTestRepository(t)

	result := repo.Update(context.Background(), "nope", &model.UpdateTemplateProperties{
		TemplateType: model.TemplateTypeSMS,
		Name:         "new",
	}, testUser(), model.StatusNotYetSubmitted, 0)

	expectError(t, result, outcome.NotFound, "Template not found")
}

// TestUpdateTemplateTypeImmutable verifies the channel type cannot change and
// the failure reports the expected versus submitted types.
func TestUpdateTemplateTypeImmutable(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusNotYetSubmitted)
	template.TemplateType = model.TemplateTypeSMS
	template.Files = nil
	seed(t, store, template)

	result := repo.Update(context.Background(), "t1", &model.UpdateTemplateProperties{
		TemplateType: model.TemplateTypeEmail,
		Name:         "new",
	}, testUser(), model.StatusNotYetSubmitted, 0)

	err := expectError(t, result, outcome.CannotChangeType, "Can not change template templateType")
	if err.Details["templateType"] != "Expected SMS but got EMAIL" {
		t.Errorf("unexpected details: %v", err.Details)
	}
}

// TestDeleteSoftDeletes verifies delete moves the record to its terminal
// state, schedules expiry and bumps the lock.
func TestDeleteSoftDeletes(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusNotYetSubmitted))

	result := repo.Delete(context.Background(), "t1", testUser(), 0)
	if result.Error != nil {
		t.Fatalf("delete failed: %v", result.Error)
	}
	if result.Data.TemplateStatus != model.StatusDeleted {
		t.Errorf("expected DELETED, got %s", result.Data.TemplateStatus)
	}
	wantTTL := testTime.Add(deletedRetention).Unix()
	if result.Data.TTL != wantTTL {
		t.Errorf("expected ttl %d, got %d", wantTTL, result.Data.TTL)
	}
	if result.Data.LockNumber != 1 {
		t.Errorf("expected lock number 1, got %d", result.Data.LockNumber)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	expectError(t, after, outcome.NotFound, "Template not found")
}

// TestDeleteSubmittedTemplate verifies submitted records cannot be deleted.
func TestDeleteSubmittedTemplate(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusSubmitted))

	result := repo.Delete(context.Background(), "t1", testUser(), 0)
	expectError(t, result, outcome.AlreadySubmitted, "Template with status SUBMITTED cannot be updated")
}

// TestDeleteLockMismatch verifies delete honours the optimistic lock.
func TestDeleteLockMismatch(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusNotYetSubmitted)
	template.LockNumber = 2
	seed(t, store, template)

	result := repo.Delete(context.Background(), "t1", testUser(), 1)
	expectError(t, result, outcome.Conflict, "Lock number mismatch - Template has been modified since last read")
}

// TestSubmitFromNotYetSubmitted verifies the plain submission path.
func TestSubmitFromNotYetSubmitted(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusNotYetSubmitted))

	result := repo.Submit(context.Background(), "t1", testUser(), 0)
	if result.Error != nil {
		t.Fatalf("submit failed: %v", result.Error)
	}
	if result.Data.TemplateStatus != model.StatusSubmitted {
		t.Errorf("expected SUBMITTED, got %s", result.Data.TemplateStatus)
	}
	if result.Data.LockNumber != 1 {
		t.Errorf("expected lock number 1, got %d", result.Data.LockNumber)
	}
}

// TestSubmitFromProofAvailable verifies proofed letters submit from
// PROOF_AVAILABLE.
func TestSubmitFromProofAvailable(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusProofAvailable))

	result := repo.Submit(context.Background(), "t1", testUser(), 0)
	if result.Error != nil {
		t.Fatalf("submit failed: %v", result.Error)
	}
}

// TestSubmitWrongStatus verifies submission from an ineligible state fails
// with the submit-specific code.
func TestSubmitWrongStatus(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusPendingValidation))

	result := repo.Submit(context.Background(), "t1", testUser(), 0)
	expectError(t, result, outcome.CannotSubmit, "Template cannot be submitted")
}

// TestSubmitDirtyFile verifies a template whose upload has not passed its
// virus scan cannot be submitted.
func TestSubmitDirtyFile(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusNotYetSubmitted)
	template.Files.PdfTemplate.VirusScanStatus = model.ScanPending
	seed(t, store, template)

	result := repo.Submit(context.Background(), "t1", testUser(), 0)
	expectError(t, result, outcome.CannotSubmit, "Template cannot be submitted")
}

// TestSubmitLockMismatch verifies a stale lock is reported as a conflict
// rather than a submission failure.
func TestSubmitLockMismatch(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusNotYetSubmitted)
	template.LockNumber = 4
	seed(t, store, template)

	result := repo.Submit(context.Background(), "t1", testUser(), 3)
	expectError(t, result, outcome.Conflict, "Lock number mismatch - Template has been modified since last read")
}

// TestSubmitDeletedTemplate verifies deleted templates read as not found.
func TestSubmitDeletedTemplate(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusDeleted))

	result := repo.Submit(context.Background(), "t1", testUser(), 0)
	expectError(t, result, outcome.NotFound, "Template not found")
}

// TestApproveProof verifies proof approval from PROOF_AVAILABLE.
func TestApproveProof(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusProofAvailable))

	result := repo.ApproveProof(context.Background(), "t1", testUser(), 0)
	if result.Error != nil {
		t.Fatalf("approve proof failed: %v", result.Error)
	}
	if result.Data.TemplateStatus != model.StatusProofApproved {
		t.Errorf("expected PROOF_APPROVED, got %s", result.Data.TemplateStatus)
	}
}

// TestApproveProofWrongStatus verifies approval outside PROOF_AVAILABLE fails
// with the approval-specific code.
func TestApproveProofWrongStatus(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusWaitingForProof))

	result := repo.ApproveProof(context.Background(), "t1", testUser(), 0)
	expectError(t, result, outcome.CannotApproveProof, "Proof cannot be approved")
}

// TestFinaliseLetterUpload verifies the transition into PENDING_VALIDATION.
func TestFinaliseLetterUpload(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusNotYetSubmitted))

	result := repo.FinaliseLetterUpload(context.Background(), "t1", testUser())
	if result.Error != nil {
		t.Fatalf("finalise failed: %v", result.Error)
	}
	if result.Data.TemplateStatus != model.StatusPendingValidation {
		t.Errorf("expected PENDING_VALIDATION, got %s", result.Data.TemplateStatus)
	}
}

// TestUpdateStatusIgnoresLock verifies the pipeline status write succeeds
// regardless of how many user edits have happened since.
func TestUpdateStatusIgnoresLock(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusPendingValidation)
	template.LockNumber = 17
	seed(t, store, template)

	result := repo.UpdateStatus(context.Background(), "t1", model.ClientOwner("client-1"), model.StatusValidationFailed)
	if result.Error != nil {
		t.Fatalf("update status failed: %v", result.Error)
	}
	if result.Data.TemplateStatus != model.StatusValidationFailed {
		t.Errorf("expected VALIDATION_FAILED, got %s", result.Data.TemplateStatus)
	}
	if result.Data.LockNumber != 18 {
		t.Errorf("expected lock number 18, got %d", result.Data.LockNumber)
	}
}

// TestUpdateStatusSubmittedTemplate verifies even pipeline writes cannot move
// a terminal record.
func TestUpdateStatusSubmittedTemplate(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusSubmitted))

	result := repo.UpdateStatus(context.Background(), "t1", model.ClientOwner("client-1"), model.StatusPendingValidation)
	expectError(t, result, outcome.AlreadySubmitted, "Template with status SUBMITTED cannot be updated")
}

// TestProofRequestUpdate verifies the proof request transition and that the
// supplier maps are initialised for the downstream flows.
func TestProofRequestUpdate(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusPendingProofRequest)
	template.Files.Proofs = nil
	seed(t, store, template)

	result := repo.ProofRequestUpdate(context.Background(), "t1", testUser(), 0)
	if result.Error != nil {
		t.Fatalf("proof request failed: %v", result.Error)
	}
	if result.Data.TemplateStatus != model.StatusWaitingForProof {
		t.Errorf("expected WAITING_FOR_PROOF, got %s", result.Data.TemplateStatus)
	}
	if result.Data.SupplierReferences == nil {
		t.Errorf("expected supplier references to be initialised")
	}
	if result.Data.Files == nil || result.Data.Files.Proofs == nil {
		t.Errorf("expected proofs map to be initialised")
	}
}

// TestProofRequestUpdateNotEligible verifies a proofing-disabled template is
// refused with the proofing-specific code.
func TestProofRequestUpdateNotEligible(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusPendingProofRequest)
	template.ProofingEnabled = false
	seed(t, store, template)

	result := repo.ProofRequestUpdate(context.Background(), "t1", testUser(), 0)
	expectError(t, result, outcome.CannotProof, "Template cannot be proofed")
}

// TestProofRequestUpdateLockMismatch verifies lock staleness outranks the
// proofing failure code.
func TestProofRequestUpdateLockMismatch(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusPendingProofRequest)
	template.LockNumber = 2
	seed(t, store, template)

	result := repo.ProofRequestUpdate(context.Background(), "t1", testUser(), 1)
	expectError(t, result, outcome.Conflict, "Lock number mismatch - Template has been modified since last read")
}

// TestProofRequestUpdateMissing verifies absent records are not found.
func TestProofRequestUpdateMissing(t *testing.T) {
	repo, _ := newTestRepository(t)

	result := repo.ProofRequestUpdate(context.Background(), "nope", testUser(), 0)
	expectError(t, result, outcome.NotFound, "Template not found")
}

// TestGetClientID verifies owner resolution by template id.
func TestGetClientID(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusNotYetSubmitted))

	clientID, err := repo.GetClientID(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get client id failed: %v", err)
	}
	if clientID != "client-1" {
		t.Errorf("expected client-1, got %q", clientID)
	}
}

// TestGetClientIDMissing verifies resolution fails for unknown ids.
func TestGetClientIDMissing(t *testing.T) {
	repo, _ := newTestRepository(t)

	if _, err := repo.GetClientID(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for an unknown id")
	}
}

func letterKey() model.TemplateKey {
	return model.TemplateKey{TemplateID: "t1", ClientID: "client-1"}
}

// TestUploadScanPassed verifies a passing scan result is recorded against the
// tracked file version.
func TestUploadScanPassed(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusPendingValidation)
	template.Files.PdfTemplate.VirusScanStatus = model.ScanPending
	seed(t, store, template)

	err := repo.SetLetterFileVirusScanStatusForUpload(context.Background(), letterKey(), model.FileTypePdfTemplate, "v1", model.ScanPassed)
	if err != nil {
		t.Fatalf("scan callback failed: %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Error != nil {
		t.Fatalf("get failed: %v", after.Error)
	}
	if after.Data.Files.PdfTemplate.VirusScanStatus != model.ScanPassed {
		t.Errorf("scan status not recorded: %+v", after.Data.Files.PdfTemplate)
	}
	if after.Data.TemplateStatus != model.StatusPendingValidation {
		t.Errorf("passing scan must not change status, got %s", after.Data.TemplateStatus)
	}
	if after.Data.LockNumber != 1 {
		t.Errorf("expected lock number 1, got %d", after.Data.LockNumber)
	}
}

// TestUploadScanFailedPdf verifies a failing pdf scan fails the template.
func TestUploadScanFailedPdf(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusPendingValidation))

	err := repo.SetLetterFileVirusScanStatusForUpload(context.Background(), letterKey(), model.FileTypePdfTemplate, "v1", model.ScanFailed)
	if err != nil {
		t.Fatalf("scan callback failed: %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Error != nil {
		t.Fatalf("get failed: %v", after.Error)
	}
	if after.Data.TemplateStatus != model.StatusVirusScanFailed {
		t.Errorf("expected VIRUS_SCAN_FAILED, got %s", after.Data.TemplateStatus)
	}
}

// TestUploadScanFailedDocx verifies a failing docx scan fails validation and
// records the validation error code.
func TestUploadScanFailedDocx(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusPendingValidation)
	template.Files.DocxTemplate = &model.FileDetails{
		FileName:        "letter.docx",
		CurrentVersion:  "v2",
		VirusScanStatus: model.ScanPending,
	}
	seed(t, store, template)

	err := repo.SetLetterFileVirusScanStatusForUpload(context.Background(), letterKey(), model.FileTypeDocxTemplate, "v2", model.ScanFailed)
	if err != nil {
		t.Fatalf("scan callback failed: %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Error != nil {
		t.Fatalf("get failed: %v", after.Error)
	}
	if after.Data.TemplateStatus != model.StatusValidationFailed {
		t.Errorf("expected VALIDATION_FAILED, got %s", after.Data.TemplateStatus)
	}
	if len(after.Data.ValidationErrors) != 1 || after.Data.ValidationErrors[0] != "VIRUS_SCAN_FAILED" {
		t.Errorf("expected virus scan validation error, got %v", after.Data.ValidationErrors)
	}
}

// TestUploadScanStaleVersion verifies a result for a superseded upload is
// swallowed without modifying the record.
func TestUploadScanStaleVersion(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusPendingValidation)
	template.Files.PdfTemplate.CurrentVersion = "v2"
	seed(t, store, template)

	err := repo.SetLetterFileVirusScanStatusForUpload(context.Background(), letterKey(), model.FileTypePdfTemplate, "v1", model.ScanFailed)
	if err != nil {
		t.Fatalf("stale scan result must be swallowed, got %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Error != nil {
		t.Fatalf("get failed: %v", after.Error)
	}
	if after.Data.TemplateStatus != model.StatusPendingValidation || after.Data.LockNumber != 0 {
		t.Errorf("stale scan result must not modify the record: %+v", after.Data)
	}
}

// TestValidationResultValidWithProofing verifies a passing validation routes
// the template into the proofing flow and records discovered parameters.
func TestValidationResultValidWithProofing(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusPendingValidation))

	err := repo.SetLetterValidationResult(context.Background(), letterKey(), "v1", true,
		[]string{"firstName"}, []string{"nhsNumber", "firstName"}, true)
	if err != nil {
		t.Fatalf("validation callback failed: %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Error != nil {
		t.Fatalf("get failed: %v", after.Error)
	}
	if after.Data.TemplateStatus != model.StatusPendingProofRequest {
		t.Errorf("expected PENDING_PROOF_REQUEST, got %s", after.Data.TemplateStatus)
	}
	if len(after.Data.PersonalisationParameters) != 1 || len(after.Data.TestDataCsvHeaders) != 2 {
		t.Errorf("validation outputs not recorded: %+v", after.Data)
	}
}

// TestValidationResultValidWithoutProofing verifies a passing validation
// returns the template to NOT_YET_SUBMITTED when proofing does not apply.
func TestValidationResultValidWithoutProofing(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusPendingValidation))

	err := repo.SetLetterValidationResult(context.Background(), letterKey(), "v1", true, nil, nil, false)
	if err != nil {
		t.Fatalf("validation callback failed: %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Data.TemplateStatus != model.StatusNotYetSubmitted {
		t.Errorf("expected NOT_YET_SUBMITTED, got %s", after.Data.TemplateStatus)
	}
}

// TestValidationResultInvalid verifies a failing validation moves the
// template to VALIDATION_FAILED without touching the parameters.
func TestValidationResultInvalid(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusPendingValidation))

	err := repo.SetLetterValidationResult(context.Background(), letterKey(), "v1", false, nil, nil, true)
	if err != nil {
		t.Fatalf("validation callback failed: %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Data.TemplateStatus != model.StatusValidationFailed {
		t.Errorf("expected VALIDATION_FAILED, got %s", after.Data.TemplateStatus)
	}
	if after.Data.PersonalisationParameters != nil {
		t.Errorf("failing validation must not record parameters")
	}
}

// TestValidationResultStaleVersion verifies results against superseded
// uploads are swallowed.
func TestValidationResultStaleVersion(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusPendingValidation)
	template.Files.PdfTemplate.CurrentVersion = "v9"
	seed(t, store, template)

	err := repo.SetLetterValidationResult(context.Background(), letterKey(), "v1", true, nil, nil, true)
	if err != nil {
		t.Fatalf("stale validation result must be swallowed, got %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Data.TemplateStatus != model.StatusPendingValidation {
		t.Errorf("stale validation result must not modify the record")
	}
}

// TestProofDeliveryPromotes verifies a clean proof is recorded and the
// template promoted to PROOF_AVAILABLE in the second conditional step.
func TestProofDeliveryPromotes(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusWaitingForProof))

	err := repo.SetLetterFileVirusScanStatusForProof(context.Background(), letterKey(), "proof.pdf", "SUPPLIER_A", model.ScanPassed)
	if err != nil {
		t.Fatalf("proof callback failed: %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Error != nil {
		t.Fatalf("get failed: %v", after.Error)
	}
	proof, ok := after.Data.Files.Proofs["proof.pdf"]
	if !ok {
		t.Fatalf("proof entry missing: %+v", after.Data.Files.Proofs)
	}
	if proof.Supplier != "SUPPLIER_A" || proof.VirusScanStatus != model.ScanPassed {
		t.Errorf("unexpected proof entry: %+v", proof)
	}
	if after.Data.TemplateStatus != model.StatusProofAvailable {
		t.Errorf("expected PROOF_AVAILABLE, got %s", after.Data.TemplateStatus)
	}
	// one increment for the proof entry, one for the promotion
	if after.Data.LockNumber != 2 {
		t.Errorf("expected lock number 2, got %d", after.Data.LockNumber)
	}
}

// TestProofDeliveryFailedScan verifies a failed proof scan records the entry
// but does not promote the template.
func TestProofDeliveryFailedScan(t *testing.T) {
	repo, store := newTestRepository(t)
	seed(t, store, seededLetter("t1", model.StatusWaitingForProof))

	err := repo.SetLetterFileVirusScanStatusForProof(context.Background(), letterKey(), "proof.pdf", "SUPPLIER_A", model.ScanFailed)
	if err != nil {
		t.Fatalf("proof callback failed: %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Data.TemplateStatus != model.StatusWaitingForProof {
		t.Errorf("failed proof must not promote, got %s", after.Data.TemplateStatus)
	}
	if after.Data.Files.Proofs["proof.pdf"].VirusScanStatus != model.ScanFailed {
		t.Errorf("failed proof entry not recorded")
	}
}

// TestProofDeliveryDuplicate verifies a redelivered proof is swallowed and
// writes nothing.
func TestProofDeliveryDuplicate(t *testing.T) {
	repo, store := newTestRepository(t)
	template := seededLetter("t1", model.StatusProofAvailable)
	template.Files.Proofs["proof.pdf"] = model.ProofFileDetails{
		FileName:        "proof.pdf",
		VirusScanStatus: model.ScanPassed,
		Supplier:        "SUPPLIER_A",
	}
	template.LockNumber = 2
	seed(t, store, template)

	err := repo.SetLetterFileVirusScanStatusForProof(context.Background(), letterKey(), "proof.pdf", "SUPPLIER_B", model.ScanPassed)
	if err != nil {
		t.Fatalf("duplicate proof must be swallowed, got %v", err)
	}

	after := repo.Get(context.Background(), "t1", "client-1")
	if after.Data.Files.Proofs["proof.pdf"].Supplier != "SUPPLIER_A" {
		t.Errorf("duplicate proof must not overwrite the original entry")
	}
	if after.Data.LockNumber != 2 {
		t.Errorf("duplicate proof must not bump the lock, got %d", after.Data.LockNumber)
	}
}

// TestLockNumberMonotonic verifies each accepted mutation increments the lock
// by exactly one.
func TestLockNumberMonotonic(t *testing.T) {
	repo, _ := newTestRepository(t)

	created := repo.Create(context.Background(), &model.CreateTemplateProperties{
		TemplateType: model.TemplateTypeNHSApp,
		Name:         "v1",
		Message:      "m1",
	}, testUser(), model.StatusNotYetSubmitted, "")
	if created.Error != nil {
		t.Fatalf("create failed: %v", created.Error)
	}

	id := created.Data.ID
	for i := 0; i < 3; i++ {
		updated := repo.Update(context.Background(), id, &model.UpdateTemplateProperties{
			TemplateType: model.TemplateTypeNHSApp,
			Name:         fmt.Sprintf("v%d", i+2),
			Message:      "m",
		}, testUser(), model.StatusNotYetSubmitted, i)
		if updated.Error != nil {
			t.Fatalf("update %d failed: %v", i, updated.Error)
		}
		if updated.Data.LockNumber != i+1 {
			t.Fatalf("expected lock number %d, got %d", i+1, updated.Data.LockNumber)
		}
	}
}
