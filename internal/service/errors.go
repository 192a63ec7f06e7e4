// Package service implements the file lifecycle: upload intents, background
// processing, downloads and retention
package service

import (
	"errors"

	"bitwise74/content-api/internal/repository"
	"bitwise74/content-api/pkg/validators"
)

var (
	ErrFileTooLarge       = validators.ErrFileTooLarge
	ErrInvalidFilename    = validators.ErrInvalidFileName
	ErrDisallowedFileType = validators.ErrFileTypeUnsupported
	ErrDisallowedMimeType = validators.ErrMimeTypeUnsupported
	ErrInvalidAccessLevel = errors.New("invalid access level")

	ErrQuotaExceeded        = errors.New("storage quota exceeded")
	ErrNotFound             = repository.ErrNotFound
	ErrNotProcessed         = errors.New("file has not finished processing")
	ErrProcessingInProgress = errors.New("file is already being processed")
	ErrSweepInProgress      = errors.New("retention sweep already running")
	ErrQueueFull            = errors.New("job queue full")
)

// IsValidation reports whether err rejected a request before anything was
// stored
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrFileTooLarge,
		ErrInvalidFilename,
		ErrDisallowedFileType,
		ErrDisallowedMimeType,
		ErrInvalidAccessLevel,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}
