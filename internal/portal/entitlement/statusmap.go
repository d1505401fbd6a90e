package entitlement

import "strings"

// MapStripeStatus converts a Stripe subscription status string to the internal
// Status. Unknown statuses fail closed (INACTIVE).
func MapStripeStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid", "paused":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "incomplete", "incomplete_expired":
		return StatusInactive
	default:
		return StatusInactive
	}
}
