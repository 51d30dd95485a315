package domain

import "errors"

var (
	ErrNotFound           = errors.New("payment_request_not_found")
	ErrInvalidID          = errors.New("invalid_payment_request_id")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrInvalidCustomer    = errors.New("invalid_customer")
	ErrInvalidDueDate     = errors.New("invalid_due_date")
	ErrAmountMismatch     = errors.New("amount_mismatch")
	ErrInvalidState       = errors.New("invalid_payment_request_state")
	ErrCheckoutInProgress = errors.New("checkout_in_progress")
	ErrConcurrentUpdate   = errors.New("payment_request_concurrent_update")
)
