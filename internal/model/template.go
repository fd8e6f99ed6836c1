// internal/model/template.go
// Package model defines the data structures used throughout the template store.
// These structures represent the core domain objects for notification templates,
// their lifecycle state and the letter file metadata attached to them.
package model

// TemplateType identifies the notification channel a template is authored for.
// It is immutable once a template has been created.
type TemplateType string

const (
	TemplateTypeEmail  TemplateType = "EMAIL"   // Email templates (subject + message)
	TemplateTypeSMS    TemplateType = "SMS"     // SMS templates (message only)
	TemplateTypeNHSApp TemplateType = "NHS_APP" // NHS App templates (message only)
	TemplateTypeLetter TemplateType = "LETTER"  // Letter templates (files + metadata)
)

// TemplateStatus is the lifecycle state of a template.
// SUBMITTED and DELETED are terminal: no further content or status mutation
// is accepted once either has been reached.
type TemplateStatus string

const (
	StatusNotYetSubmitted     TemplateStatus = "NOT_YET_SUBMITTED"
	StatusPendingValidation   TemplateStatus = "PENDING_VALIDATION"
	StatusValidationFailed    TemplateStatus = "VALIDATION_FAILED"
	StatusPendingProofRequest TemplateStatus = "PENDING_PROOF_REQUEST"
	StatusWaitingForProof     TemplateStatus = "WAITING_FOR_PROOF"
	StatusProofAvailable      TemplateStatus = "PROOF_AVAILABLE"
	StatusProofApproved       TemplateStatus = "PROOF_APPROVED"
	StatusSubmitted           TemplateStatus = "SUBMITTED"
	StatusVirusScanFailed     TemplateStatus = "VIRUS_SCAN_FAILED"
	StatusDeleted             TemplateStatus = "DELETED"
)

// Final reports whether the status is terminal.
func (s TemplateStatus) Final() bool {
	return s == StatusSubmitted || s == StatusDeleted
}

// VirusScanStatus is the scan state of an individual letter file.
type VirusScanStatus string

const (
	ScanPending VirusScanStatus = "PENDING"
	ScanPassed  VirusScanStatus = "PASSED"
	ScanFailed  VirusScanStatus = "FAILED"
)

// FileType identifies a letter file role as named by upstream upload events.
type FileType string

const (
	FileTypePdfTemplate  FileType = "pdf-template"
	FileTypeTestData     FileType = "test-data"
	FileTypeDocxTemplate FileType = "docx-template"
)

// FieldName maps an upload file role to the attribute it is stored under
// in the template's files map. The zero string means the role is unknown.
func (f FileType) FieldName() string {
	switch f {
	case FileTypePdfTemplate:
		return "pdfTemplate"
	case FileTypeTestData:
		return "testDataCsv"
	case FileTypeDocxTemplate:
		return "docxTemplate"
	}
	return ""
}

// FileDetails is the metadata tracked for a single uploaded letter file.
// CurrentVersion is asserted by scan and validation callbacks so that results
// for a superseded upload are rejected.
type FileDetails struct {
	FileName        string          `json:"fileName"`
	CurrentVersion  string          `json:"currentVersion"`
	VirusScanStatus VirusScanStatus `json:"virusScanStatus"`
}

// ProofFileDetails is the metadata recorded when a proof file arrives from a
// print supplier.
type ProofFileDetails struct {
	FileName        string          `json:"fileName"`
	VirusScanStatus VirusScanStatus `json:"virusScanStatus"`
	Supplier        string          `json:"supplier"`
}

// RenderArtifact tracks the state of a generated preview render.
type RenderArtifact struct {
	Status string `json:"status"`
}

// LetterFiles is the file metadata map attached to letter templates.
// Proofs is keyed by proof file name; an entry is written at most once per
// name (duplicate proof deliveries are benign races).
type LetterFiles struct {
	PdfTemplate   *FileDetails                `json:"pdfTemplate,omitempty"`
	TestDataCsv   *FileDetails                `json:"testDataCsv,omitempty"`
	DocxTemplate  *FileDetails                `json:"docxTemplate,omitempty"`
	InitialRender *RenderArtifact             `json:"initialRender,omitempty"`
	Proofs        map[string]ProofFileDetails `json:"proofs,omitempty"`
}

// Template is the central entity of the store.
// The primary key is {ID, Owner}. LockNumber starts at 0 on creation and is
// incremented by exactly 1 on every accepted mutation; every mutating
// operation that acts on behalf of a client must assert the last lock number
// it observed.
type Template struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	ClientID string `json:"clientId,omitempty"`

	TemplateType   TemplateType   `json:"templateType"`
	TemplateStatus TemplateStatus `json:"templateStatus"`
	Version        int            `json:"version"`
	LockNumber     int            `json:"lockNumber"`

	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
	Subject string `json:"subject,omitempty"`

	// Letter-only attributes
	Language                  string            `json:"language,omitempty"`
	LetterType                string            `json:"letterType,omitempty"`
	CampaignID                string            `json:"campaignId,omitempty"`
	ProofingEnabled           bool              `json:"proofingEnabled,omitempty"`
	PersonalisationParameters []string          `json:"personalisationParameters,omitempty"`
	TestDataCsvHeaders        []string          `json:"testDataCsvHeaders,omitempty"`
	SupplierReferences        map[string]string `json:"supplierReferences,omitempty"`
	ValidationErrors          []string          `json:"validationErrors,omitempty"`
	Files                     *LetterFiles      `json:"files,omitempty"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	CreatedBy string `json:"createdBy,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`

	// TTL is set on soft delete; the backing store's expiry sweep removes the
	// record after this epoch-seconds timestamp.
	TTL int64 `json:"ttl,omitempty"`
}

// CreateTemplateProperties is the channel payload accepted on create.
type CreateTemplateProperties struct {
	TemplateType    TemplateType `json:"templateType"`
	Name            string       `json:"name"`
	Message         string       `json:"message,omitempty"`
	Subject         string       `json:"subject,omitempty"`
	Language        string       `json:"language,omitempty"`
	LetterType      string       `json:"letterType,omitempty"`
	ProofingEnabled bool         `json:"proofingEnabled,omitempty"`
	Files           *LetterFiles `json:"files,omitempty"`
}

// UpdateTemplateProperties is the payload accepted on update. Only the fields
// applicable to the template's channel are written; TemplateType is asserted,
// never changed.
type UpdateTemplateProperties struct {
	TemplateType TemplateType `json:"templateType"`
	Name         string       `json:"name"`
	Message      string       `json:"message,omitempty"`
	Subject      string       `json:"subject,omitempty"`
}

// TemplateKey addresses a template on behalf of a client, as used by the
// asynchronous callback flows (virus scan, validation, proofing).
type TemplateKey struct {
	TemplateID string `json:"templateId"`
	ClientID   string `json:"clientId"`
}
