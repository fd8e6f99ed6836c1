// internal/storage/builder.go
package storage

import (
	"github.com/nhs-notify/template-store-go/internal/model"
)

// UpdateBuilder assembles an UpdateSpec with a fluent interface. Every
// mutating repository operation builds its write through this type so that
// the attribute writes and the preconditions guarding them live side by side.
type UpdateBuilder struct {
	spec UpdateSpec
}

// NewUpdate returns an empty builder. Callers are expected to chain at least
// one Set* and the preconditions the operation requires.
func NewUpdate() *UpdateBuilder {
	return &UpdateBuilder{
		spec: UpdateSpec{
			Sets:            make(map[string]any),
			SetsIfNotExists: make(map[string]any),
		},
	}
}

// Set writes an arbitrary attribute path.
func (b *UpdateBuilder) Set(path string, value any) *UpdateBuilder {
	b.spec.Sets[path] = value
	return b
}

// SetIfNotExists writes an attribute path only when it is currently absent.
func (b *UpdateBuilder) SetIfNotExists(path string, value any) *UpdateBuilder {
	b.spec.SetsIfNotExists[path] = value
	return b
}

// SetName writes the template name.
func (b *UpdateBuilder) SetName(name string) *UpdateBuilder {
	return b.Set("name", name)
}

// SetMessage writes the template message body.
func (b *UpdateBuilder) SetMessage(message string) *UpdateBuilder {
	return b.Set("message", message)
}

// SetSubject writes the subject line of an email template.
func (b *UpdateBuilder) SetSubject(subject string) *UpdateBuilder {
	return b.Set("subject", subject)
}

// SetStatus writes the lifecycle status.
func (b *UpdateBuilder) SetStatus(status model.TemplateStatus) *UpdateBuilder {
	return b.Set("templateStatus", status)
}

// SetTTL writes the expiry timestamp used by soft deletion.
func (b *UpdateBuilder) SetTTL(ttl int64) *UpdateBuilder {
	return b.Set("ttl", ttl)
}

// SetUpdatedBy writes the audit fields for a user-driven mutation.
func (b *UpdateBuilder) SetUpdatedBy(userKey, at string) *UpdateBuilder {
	return b.Set("updatedBy", userKey).Set("updatedAt", at)
}

// SetUpdatedAt writes only the update timestamp, for system-driven mutations
// that have no acting user.
func (b *UpdateBuilder) SetUpdatedAt(at string) *UpdateBuilder {
	return b.Set("updatedAt", at)
}

// InitialiseSupplierReferences ensures the supplier reference map exists
// before individual supplier keys are written into it.
func (b *UpdateBuilder) InitialiseSupplierReferences() *UpdateBuilder {
	return b.SetIfNotExists("supplierReferences", map[string]string{})
}

// SetSupplierReference records the reference a print supplier assigned to the
// proof request.
func (b *UpdateBuilder) SetSupplierReference(supplier, reference string) *UpdateBuilder {
	return b.Set("supplierReferences."+supplier, reference)
}

// IncrementLockNumber bumps the optimistic lock by one. Every accepted
// mutation must call this exactly once.
func (b *UpdateBuilder) IncrementLockNumber() *UpdateBuilder {
	b.spec.LockIncrement = 1
	return b
}

// ExpectExists requires a record to be present at the key.
func (b *UpdateBuilder) ExpectExists() *UpdateBuilder {
	return b.where(Condition{Path: "id", Op: OpExists})
}

// ExpectStatus requires the current status to be exactly the given value.
func (b *UpdateBuilder) ExpectStatus(status model.TemplateStatus) *UpdateBuilder {
	return b.where(Condition{Path: "templateStatus", Op: OpEq, Value: status})
}

// ExpectStatusIn requires the current status to be one of the given values.
func (b *UpdateBuilder) ExpectStatusIn(statuses ...model.TemplateStatus) *UpdateBuilder {
	values := make([]any, len(statuses))
	for i, s := range statuses {
		values[i] = s
	}
	return b.where(Condition{Path: "templateStatus", Op: OpIn, Values: values})
}

// ExpectNotStatus requires the current status to differ from the given value.
func (b *UpdateBuilder) ExpectNotStatus(status model.TemplateStatus) *UpdateBuilder {
	return b.where(Condition{Path: "templateStatus", Op: OpNe, Value: status})
}

// ExpectNotFinalStatus rejects the write when the template has reached a
// terminal state.
func (b *UpdateBuilder) ExpectNotFinalStatus() *UpdateBuilder {
	return b.where(Condition{
		Path:   "templateStatus",
		Op:     OpNotIn,
		Values: []any{model.StatusSubmitted, model.StatusDeleted},
	})
}

// ExpectTemplateType asserts the immutable channel type.
func (b *UpdateBuilder) ExpectTemplateType(t model.TemplateType) *UpdateBuilder {
	return b.where(Condition{Path: "templateType", Op: OpEq, Value: t})
}

// ExpectClientID asserts the record belongs to the given client.
func (b *UpdateBuilder) ExpectClientID(clientID string) *UpdateBuilder {
	return b.where(Condition{Path: "clientId", Op: OpEq, Value: clientID})
}

// ExpectProofingEnabled asserts the template is eligible for proofing.
func (b *UpdateBuilder) ExpectProofingEnabled() *UpdateBuilder {
	return b.where(Condition{Path: "proofingEnabled", Op: OpEq, Value: true})
}

// ExpectLockNumber asserts the optimistic lock. A record that predates lock
// tracking (no lockNumber attribute) passes the check.
func (b *UpdateBuilder) ExpectLockNumber(expected int) *UpdateBuilder {
	return b.where(Condition{
		Path: "lockNumber",
		Op:   OpNotExists,
		Or: []Condition{
			{Path: "lockNumber", Op: OpEq, Value: expected},
		},
	})
}

// AppendValidationErrors appends codes to the validation error list, creating
// the list when absent.
func (b *UpdateBuilder) AppendValidationErrors(codes ...string) *UpdateBuilder {
	if b.spec.Appends == nil {
		b.spec.Appends = make(map[string][]any)
	}
	values := b.spec.Appends["validationErrors"]
	for _, code := range codes {
		values = append(values, code)
	}
	b.spec.Appends["validationErrors"] = values
	return b
}

// ExpectFileScanPassedOrAbsent requires an uploaded letter file either to not
// exist or to have passed its virus scan.
func (b *UpdateBuilder) ExpectFileScanPassedOrAbsent(field string) *UpdateBuilder {
	return b.where(Condition{
		Path: "files." + field,
		Op:   OpNotExists,
		Or: []Condition{
			{Path: "files." + field + ".virusScanStatus", Op: OpEq, Value: model.ScanPassed},
		},
	})
}

// ExpectFileVersion asserts the tracked version of an uploaded letter file,
// so that callbacks for a superseded upload are rejected.
func (b *UpdateBuilder) ExpectFileVersion(field, version string) *UpdateBuilder {
	return b.where(Condition{Path: "files." + field + ".currentVersion", Op: OpEq, Value: version})
}

// InitialiseProofs ensures the proofs map exists before proof entries are
// written into it. A DynamoDB update cannot initialise the map and write an
// entry in the same expression, so this runs when proofing is requested.
func (b *UpdateBuilder) InitialiseProofs() *UpdateBuilder {
	return b.SetIfNotExists("files.proofs", map[string]model.ProofFileDetails{})
}

// SetProofEntry records a delivered proof file under its file name.
func (b *UpdateBuilder) SetProofEntry(fileName string, details model.ProofFileDetails) *UpdateBuilder {
	return b.Set("files.proofs."+EscapeSegment(fileName), details)
}

// ExpectNoProofEntry requires that no proof has been recorded under the given
// file name yet.
func (b *UpdateBuilder) ExpectNoProofEntry(fileName string) *UpdateBuilder {
	return b.where(Condition{Path: "files.proofs." + EscapeSegment(fileName), Op: OpNotExists})
}

// where appends a precondition.
func (b *UpdateBuilder) where(c Condition) *UpdateBuilder {
	b.spec.Conditions = append(b.spec.Conditions, c)
	return b
}

// Build finalizes the spec.
func (b *UpdateBuilder) Build() UpdateSpec {
	return b.spec
}
