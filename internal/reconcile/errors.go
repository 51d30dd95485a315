package reconcile

import "errors"

var (
	// ErrUnmatchedReference means no payment request owns the checkout
	// reference yet. The caller parks the observation for retry.
	ErrUnmatchedReference = errors.New("unmatched_checkout_reference")

	errDiscard = errors.New("discard")
)
