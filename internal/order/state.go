package order

import "venue-gateway/pkg/venue"

// transitions lists the legal status edges. PARTIAL_FILLED loops on itself for
// further partial fills. Terminal statuses have no entry.
var transitions = map[venue.OrderStatus][]venue.OrderStatus{
	venue.StatusSubmitting: {
		venue.StatusSubmitted,
		venue.StatusRejected,
	},
	venue.StatusSubmitted: {
		venue.StatusPartialFilled,
		venue.StatusAllFilled,
		venue.StatusCancelled,
		venue.StatusRejected,
	},
	venue.StatusPartialFilled: {
		venue.StatusPartialFilled,
		venue.StatusAllFilled,
		venue.StatusCancelled,
		venue.StatusRejected,
	},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to venue.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a cancel request is accepted in this status.
func Cancellable(s venue.OrderStatus) bool {
	return s == venue.StatusSubmitted || s == venue.StatusPartialFilled
}
