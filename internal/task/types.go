package task

// Status represents the current status of a crawl task
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusPublished Status = "published"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusRetry     Status = "retry"
)

// IsTerminal reports whether no further transition is allowed from s.
// A failed task is terminal only once its retries are exhausted, which
// is decided by the task, not the status alone; here terminal means
// "success" since that is the only state with no outgoing edge.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess
}

// IsInProgress reports whether the task is between creation and its first
// terminal or retryable outcome.
func (s Status) IsInProgress() bool {
	return s == StatusWaiting || s == StatusPublished || s == StatusRunning
}

// Type identifies the kind of work a crawl task performs. The set is
// closed: fan-out switches over it exhaustively.
type Type string

const (
	// TypeDiscovery fetches the seller's shop front page to learn the
	// total item count, which drives listing fan-out.
	TypeDiscovery Type = "discovery"
	// TypeListing fetches one page of the seller's paginated catalogue.
	TypeListing Type = "listing"
	// TypeDetail fetches a single item's detail endpoint.
	TypeDetail Type = "detail"
	// TypeOption fetches a single item's option/variant endpoint.
	TypeOption Type = "option"
)

// Valid reports whether t is one of the closed task type set.
func (t Type) Valid() bool {
	switch t {
	case TypeDiscovery, TypeListing, TypeDetail, TypeOption:
		return true
	}
	return false
}

// MaxTaskRetries is the reference retry cap shared by tasks and outbox rows.
const MaxTaskRetries = 3
