// Package model defines database models
package model

import "time"

type OwnerType string

const (
	OwnerUser         OwnerType = "user"
	OwnerOrganization OwnerType = "organization"
	OwnerSystem       OwnerType = "system"
)

type AccessLevel string

const (
	AccessPrivate      AccessLevel = "private"
	AccessOrganization AccessLevel = "organization"
	AccessPublic       AccessLevel = "public"
	AccessLinkOnly     AccessLevel = "link_only"
)

// Valid reports whether a is one of the known access levels
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessPrivate, AccessOrganization, AccessPublic, AccessLinkOnly:
		return true
	}

	return false
}

type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingRunning   ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanScanning ScanStatus = "scanning"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanError    ScanStatus = "error"
)

// File is the lifecycle record of a single stored object. The row is created
// at upload-intent time, before any bytes exist in storage.
type File struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID        string    `gorm:"index;not null" json:"ownerId"`
	OrganizationID *string   `gorm:"index" json:"organizationId"`
	OwnerType      OwnerType `gorm:"size:16;not null" json:"ownerType"`

	Filename         string  `gorm:"not null" json:"filename"`         // Sanitized, storage safe
	OriginalFilename string  `gorm:"not null" json:"originalFilename"` // As supplied by the client
	MimeType         string  `gorm:"not null" json:"mimeType"`
	SizeBytes        int64   `gorm:"not null" json:"sizeBytes"`
	StoragePath      string  `gorm:"index;not null;default:''" json:"storagePath"` // Written once, after presign
	Checksum         *string `json:"checksum"`

	AccessLevel AccessLevel `gorm:"size:16;not null" json:"accessLevel"`
	PublicURL   *string     `json:"publicUrl,omitempty"`
	CDNURL      *string     `json:"cdnUrl,omitempty"`

	ProcessingStatus ProcessingStatus `gorm:"size:16;index;not null" json:"processingStatus"`
	ProcessingError  *string          `json:"processingError,omitempty"`
	IsProcessed      bool             `json:"isProcessed"`

	VirusScanStatus ScanStatus `gorm:"size:16;index;not null" json:"virusScanStatus"`
	VirusScanResult *string    `json:"virusScanResult,omitempty"`
	VirusScanAt     *time.Time `json:"virusScanAt,omitempty"`

	DownloadCount  int64       `gorm:"not null;default:0" json:"downloadCount"`
	ViewCount      int64       `gorm:"not null;default:0" json:"viewCount"`
	LastAccessedAt *time.Time  `json:"lastAccessedAt,omitempty"`
	ExpiresAt      *time.Time  `gorm:"index" json:"expiresAt,omitempty"`
	Tags           StringSlice `json:"tags"`
	IsArchived     bool        `gorm:"index;not null;default:false" json:"isArchived"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `gorm:"index" json:"updatedAt"`
}

// OrgID returns the organization ID or an empty string for files without one
func (f *File) OrgID() string {
	if f.OrganizationID == nil {
		return ""
	}

	return *f.OrganizationID
}

// Variant is a derived rendition of an image file (thumbnail sizes)
type Variant struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	FileID      string    `gorm:"index;size:36;not null" json:"fileId"`
	Name        string    `gorm:"size:32;not null" json:"name"`
	StoragePath string    `gorm:"uniqueIndex;not null" json:"storagePath"`
	MimeType    string    `json:"mimeType"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (Variant) TableName() string {
	return "file_variants"
}
