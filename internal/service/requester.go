package service

import "bitwise74/content-api/internal/repository"

// Requester is the authenticated caller of an operation
type Requester struct {
	UserID string
	OrgID  string
	Admin  bool
	// System marks uploads made by the platform itself. They aren't bound by
	// any quota.
	System bool
}

func (r Requester) owner() repository.Owner {
	return repository.Owner{OrganizationID: r.OrgID, UserID: r.UserID}
}
