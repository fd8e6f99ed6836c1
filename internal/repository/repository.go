// internal/repository/repository.go
// Package repository implements the template store's operations on top of the
// conditional-write storage layer. Lifecycle rules are never checked with a
// read before the write: every rule is attached to the write itself as a
// storage condition, and a rejected write is classified afterwards by
// inspecting the record pre-image the backend returns. Two racing mutations
// can therefore never both succeed, regardless of interleaving.
//
// Operations come in two shapes. Request/response operations (get, create,
// update, submit, delete, proof request, proof approval) return an
// outcome.Result that the API layer maps onto transport responses.
// Callback operations driven by asynchronous events (virus scans, validation
// results, proof deliveries) return plain errors instead: a rejected
// conditional write is an expected race there, logged and swallowed, while
// unexpected storage failures propagate so the event source can redeliver.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nhs-notify/template-store-go/internal/model"
	"github.com/nhs-notify/template-store-go/internal/outcome"
	"github.com/nhs-notify/template-store-go/internal/storage"
)

// timestampFormat matches the millisecond-precision UTC timestamps written by
// the other services sharing the table.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// Repository exposes the template store operations.
type Repository struct {
	store      storage.Store
	log        *slog.Logger
	deletedTTL time.Duration

	// now and newID are swapped out by tests.
	now   func() time.Time
	newID func() string
}

// New creates a repository. deletedTTL is how long soft-deleted records are
// retained before the backend's expiry sweep removes them.
func New(store storage.Store, log *slog.Logger, deletedTTL time.Duration) *Repository {
	return &Repository{
		store:      store,
		log:        log,
		deletedTTL: deletedTTL,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// WithClock overrides the time source. Intended for tests.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// WithIDGenerator overrides template id generation. Intended for tests.
func (r *Repository) WithIDGenerator(newID func() string) *Repository {
	r.newID = newID
	return r
}

// Get fetches a template for a client. Soft-deleted records are reported as
// not found.
func (r *Repository) Get(ctx context.Context, templateID, clientID string) outcome.Result[model.Template] {
	t, err := r.store.Get(ctx, templateID, model.ClientOwner(clientID).Key())
	if errors.Is(err, storage.ErrNotFound) {
		return outcome.Failure[model.Template](outcome.NotFound, "Template not found", nil)
	}
	if err != nil {
		return outcome.Failure[model.Template](outcome.Internal, "Failed to get template", err)
	}
	if t.TemplateStatus == model.StatusDeleted {
		return outcome.Failure[model.Template](outcome.NotFound, "Template not found", nil)
	}
	return outcome.OK(t)
}

// List returns all of a client's templates, excluding soft-deleted records
// still awaiting expiry.
func (r *Repository) List(ctx context.Context, clientID string) outcome.Result[[]model.Template] {
	all, err := r.store.QueryByOwner(ctx, model.ClientOwner(clientID).Key())
	if err != nil {
		return outcome.Failure[[]model.Template](outcome.Internal, "Failed to list templates", err)
	}
	live := make([]model.Template, 0, len(all))
	for _, t := range all {
		if t.TemplateStatus != model.StatusDeleted {
			live = append(live, t)
		}
	}
	return outcome.OK(&live)
}

// Create stores a new template owned by the acting user's client. The lock
// number starts at zero; campaignID applies to letter templates only.
func (r *Repository) Create(ctx context.Context, properties *model.CreateTemplateProperties, user model.User, initialStatus model.TemplateStatus, campaignID string) outcome.Result[model.Template] {
	date := r.timestamp()
	entity := &model.Template{
		ID:              r.newID(),
		Owner:           user.Owner().Key(),
		ClientID:        user.ClientID,
		TemplateType:    properties.TemplateType,
		TemplateStatus:  initialStatus,
		Version:         1,
		LockNumber:      0,
		Name:            properties.Name,
		Message:         properties.Message,
		Subject:         properties.Subject,
		Language:        properties.Language,
		LetterType:      properties.LetterType,
		ProofingEnabled: properties.ProofingEnabled,
		Files:           properties.Files,
		CreatedAt:       date,
		UpdatedAt:       date,
		CreatedBy:       user.Key(),
		UpdatedBy:       user.Key(),
	}
	if properties.TemplateType == model.TemplateTypeLetter {
		entity.CampaignID = campaignID
	}

	err := r.store.Put(ctx, entity, []storage.Condition{
		{Path: "id", Op: storage.OpNotExists},
	})
	if err != nil {
		return outcome.Failure[model.Template](outcome.Internal, "Failed to create template", err)
	}
	return outcome.OK(entity)
}

// Update replaces the editable content of a template. The caller states the
// status it believes the template is in and the lock number it last read;
// both are enforced on the write.
func (r *Repository) Update(ctx context.Context, templateID string, properties *model.UpdateTemplateProperties, user model.User, expectedStatus model.TemplateStatus, lockNumber int) outcome.Result[model.Template] {
	update := storage.NewUpdate().
		SetName(properties.Name).
		SetMessage(properties.Message).
		ExpectExists().
		ExpectStatus(expectedStatus).
		ExpectNotFinalStatus().
		ExpectTemplateType(properties.TemplateType).
		ExpectLockNumber(lockNumber).
		SetUpdatedBy(user.Key(), r.timestamp()).
		IncrementLockNumber()

	if properties.TemplateType == model.TemplateTypeEmail {
		update.SetSubject(properties.Subject)
	}

	t, err := r.store.Update(ctx, templateID, user.Owner().Key(), update.Build())
	if err != nil {
		return r.classifyUpdateError(err, properties.TemplateType, lockNumber, "Failed to update template")
	}
	return outcome.OK(t)
}

// Delete soft-deletes a template by moving it to its terminal deleted state
// and scheduling the record for expiry.
func (r *Repository) Delete(ctx context.Context, templateID string, user model.User, lockNumber int) outcome.Result[model.Template] {
	update := storage.NewUpdate().
		SetStatus(model.StatusDeleted).
		SetTTL(r.now().Add(r.deletedTTL).Unix()).
		ExpectExists().
		ExpectNotFinalStatus().
		ExpectLockNumber(lockNumber).
		SetUpdatedBy(user.Key(), r.timestamp()).
		IncrementLockNumber()

	t, err := r.store.Update(ctx, templateID, user.Owner().Key(), update.Build())
	if err != nil {
		return r.classifyUpdateError(err, "", lockNumber, "Failed to delete template")
	}
	return outcome.OK(t)
}

// Submit moves a template to its terminal submitted state. Eligible starting
// states are NOT_YET_SUBMITTED and, for proofed letters, PROOF_AVAILABLE; any
// uploaded files must have passed their virus scans.
func (r *Repository) Submit(ctx context.Context, templateID string, user model.User, lockNumber int) outcome.Result[model.Template] {
	update := storage.NewUpdate().
		SetStatus(model.StatusSubmitted).
		ExpectExists().
		ExpectNotFinalStatus().
		ExpectFileScanPassedOrAbsent("pdfTemplate").
		ExpectFileScanPassedOrAbsent("testDataCsv").
		ExpectStatusIn(model.StatusNotYetSubmitted, model.StatusProofAvailable).
		ExpectLockNumber(lockNumber).
		SetUpdatedBy(user.Key(), r.timestamp()).
		IncrementLockNumber()

	t, err := r.store.Update(ctx, templateID, user.Owner().Key(), update.Build())
	if err != nil {
		return r.classifyGatedStatusError(err, lockNumber, outcome.CannotSubmit, "Template cannot be submitted")
	}
	return outcome.OK(t)
}

// ApproveProof accepts an available proof, moving the template to
// PROOF_APPROVED. Only templates currently in PROOF_AVAILABLE with clean
// files qualify.
func (r *Repository) ApproveProof(ctx context.Context, templateID string, user model.User, lockNumber int) outcome.Result[model.Template] {
	update := storage.NewUpdate().
		SetStatus(model.StatusProofApproved).
		ExpectExists().
		ExpectNotFinalStatus().
		ExpectFileScanPassedOrAbsent("pdfTemplate").
		ExpectFileScanPassedOrAbsent("testDataCsv").
		ExpectStatus(model.StatusProofAvailable).
		ExpectLockNumber(lockNumber).
		SetUpdatedBy(user.Key(), r.timestamp()).
		IncrementLockNumber()

	t, err := r.store.Update(ctx, templateID, user.Owner().Key(), update.Build())
	if err != nil {
		return r.classifyGatedStatusError(err, lockNumber, outcome.CannotApproveProof, "Proof cannot be approved")
	}
	return outcome.OK(t)
}

// FinaliseLetterUpload marks a letter's upload as complete, moving it to
// PENDING_VALIDATION so the validation pipeline picks it up.
func (r *Repository) FinaliseLetterUpload(ctx context.Context, templateID string, user model.User) outcome.Result[model.Template] {
	update := storage.NewUpdate().
		SetStatus(model.StatusPendingValidation).
		ExpectExists().
		ExpectNotFinalStatus().
		SetUpdatedBy(user.Key(), r.timestamp()).
		IncrementLockNumber()

	t, err := r.store.Update(ctx, templateID, user.Owner().Key(), update.Build())
	if err != nil {
		return r.classifyStatusOnlyError(err, "Failed to update template")
	}
	return outcome.OK(t)
}

// UpdateStatus sets the lifecycle status on behalf of internal pipelines.
// It carries no lock assertion: pipeline transitions must not be starved by
// concurrent user edits.
func (r *Repository) UpdateStatus(ctx context.Context, templateID string, owner model.Owner, status model.TemplateStatus) outcome.Result[model.Template] {
	update := storage.NewUpdate().
		SetStatus(status).
		SetUpdatedAt(r.timestamp()).
		ExpectExists().
		ExpectNotFinalStatus().
		IncrementLockNumber()

	t, err := r.store.Update(ctx, templateID, owner.Key(), update.Build())
	if err != nil {
		return r.classifyStatusOnlyError(err, "Failed to update template")
	}
	return outcome.OK(t)
}

// ProofRequestUpdate moves a letter from PENDING_PROOF_REQUEST to
// WAITING_FOR_PROOF and prepares the maps the supplier flows write into.
func (r *Repository) ProofRequestUpdate(ctx context.Context, templateID string, user model.User, lockNumber int) outcome.Result[model.Template] {
	update := storage.NewUpdate().
		SetStatus(model.StatusWaitingForProof).
		ExpectStatus(model.StatusPendingProofRequest).
		SetUpdatedBy(user.Key(), r.timestamp()).
		InitialiseSupplierReferences().
		InitialiseProofs().
		ExpectTemplateType(model.TemplateTypeLetter).
		ExpectClientID(user.ClientID).
		ExpectProofingEnabled().
		ExpectLockNumber(lockNumber).
		IncrementLockNumber()

	t, err := r.store.Update(ctx, templateID, user.Owner().Key(), update.Build())
	if err != nil {
		var failed *storage.ConditionFailedError
		if !errors.As(err, &failed) {
			return outcome.Failure[model.Template](outcome.Internal, "Failed to update template", err)
		}
		if failed.Prior == nil || failed.Prior.TemplateStatus == model.StatusDeleted {
			return outcome.Failure[model.Template](outcome.NotFound, "Template not found", nil)
		}
		if failed.Prior.LockNumber != lockNumber {
			return outcome.Failure[model.Template](outcome.Conflict, "Lock number mismatch - Template has been modified since last read", err)
		}
		return outcome.Failure[model.Template](outcome.CannotProof, "Template cannot be proofed", err)
	}
	return outcome.OK(t)
}

// GetClientID resolves the owning client of a template by id alone. Internal
// flows that receive only a template id use this before addressing the
// record.
func (r *Repository) GetClientID(ctx context.Context, templateID string) (string, error) {
	items, err := r.store.QueryByID(ctx, templateID)
	if err != nil {
		return "", fmt.Errorf("failed to query template by id: %w", err)
	}
	if len(items) != 1 {
		return "", fmt.Errorf("could not identify item by id %s", templateID)
	}
	return model.ClientIDFromOwnerKey(items[0].Owner)
}

// SetLetterFileVirusScanStatusForUpload records the scan result for an
// uploaded letter file. A failed scan also fails the template: docx uploads
// fail validation (the scan is part of validation there) while pdf and test
// data uploads move to VIRUS_SCAN_FAILED. Results for superseded uploads and
// finalised templates lose the conditional write and are dropped.
func (r *Repository) SetLetterFileVirusScanStatusForUpload(ctx context.Context, key model.TemplateKey, fileType model.FileType, versionID string, status model.VirusScanStatus) error {
	field := fileType.FieldName()
	if field == "" {
		return fmt.Errorf("unknown letter file type %q", fileType)
	}

	update := storage.NewUpdate().
		Set("files."+field+".virusScanStatus", status).
		SetUpdatedAt(r.timestamp()).
		ExpectFileVersion(field, versionID).
		ExpectNotFinalStatus().
		IncrementLockNumber()

	if status == model.ScanFailed {
		if fileType == model.FileTypeDocxTemplate {
			update.SetStatus(model.StatusValidationFailed).
				AppendValidationErrors("VIRUS_SCAN_FAILED")
		} else {
			update.SetStatus(model.StatusVirusScanFailed)
		}
	}

	_, err := r.store.Update(ctx, key.TemplateID, model.ClientOwner(key.ClientID).Key(), update.Build())
	if err != nil {
		var failed *storage.ConditionFailedError
		if errors.As(err, &failed) {
			r.logConditionFailure(ctx, "conditional check failed when setting file virus scan status", key, err)
			return nil
		}
		return fmt.Errorf("failed to set virus scan status: %w", err)
	}
	return nil
}

// SetLetterValidationResult records the outcome of validating a letter's pdf
// upload. A passing result restores the template to an actionable state,
// PENDING_PROOF_REQUEST when proofing applies, and captures the parameters
// discovered during validation. Stale results lose the conditional write and
// are dropped.
func (r *Repository) SetLetterValidationResult(ctx context.Context, key model.TemplateKey, versionID string, valid bool, personalisationParameters, testDataCsvHeaders []string, proofingEnabled bool) error {
	status := model.StatusValidationFailed
	if valid {
		status = model.StatusNotYetSubmitted
		if proofingEnabled {
			status = model.StatusPendingProofRequest
		}
	}

	update := storage.NewUpdate().
		SetStatus(status).
		SetUpdatedAt(r.timestamp()).
		ExpectFileVersion("pdfTemplate", versionID).
		ExpectNotFinalStatus().
		IncrementLockNumber()

	if valid {
		update.Set("personalisationParameters", personalisationParameters).
			Set("testDataCsvHeaders", testDataCsvHeaders)
	}

	_, err := r.store.Update(ctx, key.TemplateID, model.ClientOwner(key.ClientID).Key(), update.Build())
	if err != nil {
		var failed *storage.ConditionFailedError
		if errors.As(err, &failed) {
			r.logConditionFailure(ctx, "conditional check failed when setting letter validation status", key, err)
			return nil
		}
		return fmt.Errorf("failed to set validation result: %w", err)
	}
	return nil
}

// SetLetterFileVirusScanStatusForProof records a proof file delivered by a
// print supplier. The proof entry is written at most once per file name, and
// a passing scan promotes the template from WAITING_FOR_PROOF to
// PROOF_AVAILABLE in a second conditional step. Either step losing its write
// is an expected race and is dropped.
func (r *Repository) SetLetterFileVirusScanStatusForProof(ctx context.Context, key model.TemplateKey, fileName, supplier string, status model.VirusScanStatus) error {
	owner := model.ClientOwner(key.ClientID).Key()

	record := storage.NewUpdate().
		SetProofEntry(fileName, model.ProofFileDetails{
			FileName:        fileName,
			VirusScanStatus: status,
			Supplier:        supplier,
		}).
		SetUpdatedAt(r.timestamp()).
		ExpectNoProofEntry(fileName).
		ExpectNotFinalStatus().
		IncrementLockNumber()

	t, err := r.store.Update(ctx, key.TemplateID, owner, record.Build())
	if err != nil {
		var failed *storage.ConditionFailedError
		if errors.As(err, &failed) {
			// The promotion below has a stronger condition than this write,
			// so there is no point attempting it either.
			r.logConditionFailure(ctx, "conditional check failed when adding proof details to template", key, err)
			return nil
		}
		return fmt.Errorf("failed to record proof file: %w", err)
	}

	if status == model.ScanFailed || t.TemplateStatus != model.StatusWaitingForProof {
		return nil
	}

	promote := storage.NewUpdate().
		SetStatus(model.StatusProofAvailable).
		SetUpdatedAt(r.timestamp()).
		ExpectStatus(model.StatusWaitingForProof).
		IncrementLockNumber()

	if _, err := r.store.Update(ctx, key.TemplateID, owner, promote.Build()); err != nil {
		var failed *storage.ConditionFailedError
		if errors.As(err, &failed) {
			r.logConditionFailure(ctx, "conditional check failed when setting template status", key, err)
			return nil
		}
		return fmt.Errorf("failed to set proof available status: %w", err)
	}
	return nil
}

// classifyUpdateError turns a rejected content mutation into an outcome by
// inspecting the pre-image. expectedType is empty for operations that do not
// assert the channel type.
func (r *Repository) classifyUpdateError(err error, expectedType model.TemplateType, lockNumber int, internalDescription string) outcome.Result[model.Template] {
	var failed *storage.ConditionFailedError
	if !errors.As(err, &failed) {
		return outcome.Failure[model.Template](outcome.Internal, internalDescription, err)
	}
	if failed.Prior == nil || failed.Prior.TemplateStatus == model.StatusDeleted {
		return outcome.Failure[model.Template](outcome.NotFound, "Template not found", err)
	}
	if failed.Prior.TemplateStatus == model.StatusSubmitted {
		return outcome.Failure[model.Template](outcome.AlreadySubmitted,
			fmt.Sprintf("Template with status %s cannot be updated", failed.Prior.TemplateStatus), err)
	}
	if expectedType != "" && failed.Prior.TemplateType != expectedType {
		return outcome.FailureWithDetails[model.Template](outcome.CannotChangeType,
			"Can not change template templateType", err, map[string]string{
				"templateType": fmt.Sprintf("Expected %s but got %s", failed.Prior.TemplateType, expectedType),
			})
	}
	if failed.Prior.LockNumber != lockNumber {
		return outcome.Failure[model.Template](outcome.Conflict, "Lock number mismatch - Template has been modified since last read", err)
	}
	return outcome.Failure[model.Template](outcome.Internal, internalDescription, err)
}

// classifyGatedStatusError classifies rejections of the submit and proof
// approval transitions, which fall back to an operation-specific code once
// deletion, prior submission and lock staleness are ruled out.
func (r *Repository) classifyGatedStatusError(err error, lockNumber int, fallbackCode outcome.ErrorCode, fallbackDescription string) outcome.Result[model.Template] {
	var failed *storage.ConditionFailedError
	if !errors.As(err, &failed) {
		return outcome.Failure[model.Template](outcome.Internal, "Failed to update template", err)
	}
	if failed.Prior == nil || failed.Prior.TemplateStatus == model.StatusDeleted {
		return outcome.Failure[model.Template](outcome.NotFound, "Template not found", nil)
	}
	if failed.Prior.TemplateStatus == model.StatusSubmitted {
		return outcome.Failure[model.Template](outcome.AlreadySubmitted,
			fmt.Sprintf("Template with status %s cannot be updated", failed.Prior.TemplateStatus), nil)
	}
	if failed.Prior.LockNumber != lockNumber {
		return outcome.Failure[model.Template](outcome.Conflict, "Lock number mismatch - Template has been modified since last read", err)
	}
	return outcome.Failure[model.Template](fallbackCode, fallbackDescription, err)
}

// classifyStatusOnlyError classifies rejections of unlocked status writes,
// where only deletion and prior submission can refuse the transition.
func (r *Repository) classifyStatusOnlyError(err error, internalDescription string) outcome.Result[model.Template] {
	var failed *storage.ConditionFailedError
	if !errors.As(err, &failed) {
		return outcome.Failure[model.Template](outcome.Internal, internalDescription, err)
	}
	if failed.Prior == nil || failed.Prior.TemplateStatus == model.StatusDeleted {
		return outcome.Failure[model.Template](outcome.NotFound, "Template not found", nil)
	}
	if failed.Prior.TemplateStatus == model.StatusSubmitted {
		return outcome.Failure[model.Template](outcome.AlreadySubmitted,
			fmt.Sprintf("Template with status %s cannot be updated", failed.Prior.TemplateStatus), nil)
	}
	return outcome.Failure[model.Template](outcome.Internal, internalDescription, err)
}

func (r *Repository) logConditionFailure(ctx context.Context, message string, key model.TemplateKey, err error) {
	r.log.ErrorContext(ctx, message,
		"templateId", key.TemplateID,
		"clientId", key.ClientID,
		"error", err,
	)
}

func (r *Repository) timestamp() string {
	return r.now().UTC().Format(timestampFormat)
}
