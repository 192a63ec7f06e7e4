// Package events defines the lifecycle notifications emitted while files move
// through upload, processing and retention
package events

import (
	"context"
	"time"
)

const (
	NameIntentCreated   = "upload.intentCreated"
	NameScanStarted     = "file.scanStarted"
	NameScanCompleted   = "file.scanCompleted"
	NameProcessed       = "file.processed"
	NameProcessingError = "file.processingError"
	NameInfectedDeleted = "file.infectedDeleted"
	NameCleanupDone     = "cleanup.completed"
	NameCleanupError    = "cleanup.error"
)

type Event interface {
	EventName() string
}

type Emitter interface {
	Emit(ctx context.Context, e Event)
}

type IntentCreated struct {
	FileID         string `json:"fileId"`
	Filename       string `json:"filename"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId,omitempty"`
	MimeType       string `json:"mimeType"`
	SizeBytes      int64  `json:"sizeBytes"`
}

func (IntentCreated) EventName() string { return NameIntentCreated }

type ScanStarted struct {
	FileID string `json:"fileId"`
	Engine string `json:"engine"`
}

func (ScanStarted) EventName() string { return NameScanStarted }

type ScanCompleted struct {
	FileID     string        `json:"fileId"`
	Status     string        `json:"status"`
	Signatures []string      `json:"signatures,omitempty"`
	Took       time.Duration `json:"took"`
}

func (ScanCompleted) EventName() string { return NameScanCompleted }

type Processed struct {
	FileID         string `json:"fileId"`
	Filename       string `json:"filename"`
	MimeType       string `json:"mimeType"`
	SizeBytes      int64  `json:"sizeBytes"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId,omitempty"`
	Checksum       string `json:"checksum"`
	Variants       int    `json:"variants"`
	Infected       bool   `json:"infected"`
}

func (Processed) EventName() string { return NameProcessed }

type ProcessingError struct {
	FileID         string `json:"fileId"`
	Filename       string `json:"filename"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId,omitempty"`
	Error          string `json:"error"`
}

func (ProcessingError) EventName() string { return NameProcessingError }

type InfectedDeleted struct {
	FileID         string `json:"fileId"`
	Filename       string `json:"filename"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId,omitempty"`
	StoragePath    string `json:"storagePath"`
	ScanResult     string `json:"scanResult,omitempty"`
}

func (InfectedDeleted) EventName() string { return NameInfectedDeleted }

type CleanupCompleted struct {
	Expired        int      `json:"expired"`
	Infected       int      `json:"infected"`
	FailedStale    int      `json:"failedStale"`
	OldArchived    int      `json:"oldArchived"`
	Orphans        int      `json:"orphans"`
	BytesReclaimed int64    `json:"bytesReclaimed"`
	Errors         []string `json:"errors"`
}

func (CleanupCompleted) EventName() string { return NameCleanupDone }

type CleanupError struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}

func (CleanupError) EventName() string { return NameCleanupError }

// Multi sends each event to every emitter in order
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		em.Emit(ctx, e)
	}
}

// Nop drops every event
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}
