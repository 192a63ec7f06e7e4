// Package access decides who may see and download a file
package access

import (
	"bitwise74/content-api/internal/model"
)

const (
	ReasonInfected       = "virus_infected"
	ReasonDenied         = "access_denied"
	ReasonScanUnverified = "scan_unverified"
)

// Forbidden is returned when a requester may not perform an action on a
// file. Nothing is changed when it's returned.
type Forbidden struct {
	Reason string
}

func (e *Forbidden) Error() string {
	return "forbidden: " + e.Reason
}

type Policy struct {
	// BlockUnverified refuses downloads of files whose scan ended in an
	// error, including files that were never scanned because no engine is
	// configured
	BlockUnverified bool
}

// CanAccess reports whether the requester can see the file
func CanAccess(f *model.File, requesterID, requesterOrgID string) bool {
	switch f.AccessLevel {
	case model.AccessPublic, model.AccessLinkOnly:
		return true
	case model.AccessOrganization:
		return requesterOrgID != "" && requesterOrgID == f.OrgID()
	case model.AccessPrivate:
		return requesterID != "" && requesterID == f.OwnerID
	}

	return false
}

// CanDownload is CanAccess with the infection check in front of it.
// Infected files can never be downloaded, not even by their owner.
func (p Policy) CanDownload(f *model.File, requesterID, requesterOrgID string) error {
	if f.VirusScanStatus == model.ScanInfected {
		return &Forbidden{Reason: ReasonInfected}
	}

	if p.BlockUnverified && f.VirusScanStatus == model.ScanError {
		return &Forbidden{Reason: ReasonScanUnverified}
	}

	if !CanAccess(f, requesterID, requesterOrgID) {
		return &Forbidden{Reason: ReasonDenied}
	}

	return nil
}

// CanDownload applies the default policy
func CanDownload(f *model.File, requesterID, requesterOrgID string) error {
	return Policy{}.CanDownload(f, requesterID, requesterOrgID)
}
