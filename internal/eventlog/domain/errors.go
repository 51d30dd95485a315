package domain

import "errors"

var (
	ErrEventNotFound    = errors.New("webhook_event_not_found")
	ErrFailureNotFound  = errors.New("processing_failure_not_found")
	ErrInvalidKind      = errors.New("invalid_failure_kind")
	ErrAlreadyResolved  = errors.New("processing_failure_already_resolved")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
