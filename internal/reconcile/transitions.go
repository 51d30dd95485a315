package reconcile

import (
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
)

var requestTransitions = map[prdomain.Status][]prdomain.Status{
	prdomain.StatusPending: {prdomain.StatusSent, prdomain.StatusPaid, prdomain.StatusExpired, prdomain.StatusCancelled},
	prdomain.StatusSent:    {prdomain.StatusPaid, prdomain.StatusExpired, prdomain.StatusCancelled},
	// A payment that settles after the due date still counts.
	prdomain.StatusExpired: {prdomain.StatusPaid},
}

var paymentTransitions = map[paymentdomain.Status][]paymentdomain.Status{
	paymentdomain.StatusPending: {
		paymentdomain.StatusProcessing,
		paymentdomain.StatusPaid,
		paymentdomain.StatusFailed,
		paymentdomain.StatusCancelled,
	},
	paymentdomain.StatusProcessing: {
		paymentdomain.StatusPaid,
		paymentdomain.StatusFailed,
		paymentdomain.StatusCancelled,
	},
	// Gateways may report a decline before a successful retry on the same
	// checkout; money taken always wins.
	paymentdomain.StatusFailed: {paymentdomain.StatusPaid},
	paymentdomain.StatusPaid:   {paymentdomain.StatusRefunded},
}

func CanTransitionRequest(from, to prdomain.Status) bool {
	for _, next := range requestTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func CanTransitionPayment(from, to paymentdomain.Status) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
