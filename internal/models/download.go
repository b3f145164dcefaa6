package models

// Outcome is the terminal status of one download.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// DownloadState tracks a descriptor through the download state machine.
type DownloadState int

const (
	StatePending DownloadState = iota
	StateInFlight
	StateAwaitingRetry
	StateSuccess
	StateFailed
)

func (s DownloadState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateAwaitingRetry:
		return "awaiting-retry"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s DownloadState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// DownloadResult is the terminal record for one FilingDescriptor.
// Path is empty when nothing was stored.
type DownloadResult struct {
	Descriptor FilingDescriptor
	Path       string
	Outcome    Outcome
	Err        error
	Attempts   int
}

// Usable reports whether the result points at a local file that can be
// analyzed.
func (r DownloadResult) Usable() bool {
	return r.Path != "" && (r.Outcome == OutcomeSuccess || r.Outcome == OutcomeSkipped)
}
