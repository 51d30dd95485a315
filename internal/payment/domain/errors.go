package domain

import "errors"

var (
	ErrNotFound         = errors.New("payment_not_found")
	ErrConcurrentUpdate = errors.New("payment_concurrent_update")
	ErrInvalidReference = errors.New("invalid_checkout_reference")
)
