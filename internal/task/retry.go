package task

// RetryPolicy decides whether another attempt is allowed given how many
// have already happened. Shared by tasks and outbox rows so both cap at
// the same place.
type RetryPolicy struct {
	MaxAttempts int
}

// DefaultRetryPolicy returns the reference policy of three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: MaxTaskRetries}
}

// Allows reports whether a retry may happen after the given attempt count.
func (p RetryPolicy) Allows(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Exhausted is the negation of Allows, kept for call-site readability.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return !p.Allows(attempts)
}
