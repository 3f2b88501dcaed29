package api

// Run statuses as stored in workflow_runs. "queued" is derived by the
// status reporter and never written to the database.
const (
	StatusNotStarted = "not-started"
	StatusRunning    = "running"
	StatusUploading  = "uploading"
	StatusSuccess    = "success"
	StatusFailed     = "failed"

	StatusQueued = "queued"
)

// transitions is the guarded state machine for run status writes. A run
// only moves forward; terminal states accept nothing.
var transitions = map[string][]string{
	StatusNotStarted: {StatusRunning, StatusUploading, StatusSuccess, StatusFailed},
	StatusRunning:    {StatusUploading, StatusSuccess, StatusFailed},
	StatusUploading:  {StatusSuccess, StatusFailed},
	StatusSuccess:    {},
	StatusFailed:     {},
}

// ValidStatus reports whether s is a storable run status.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// TerminalStatus reports whether s is an end state.
func TerminalStatus(s string) bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether a run may move from one status to another.
// Writing the current status again is treated as a no-op and allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// progressFor maps a status onto the client-facing progress estimate.
func progressFor(status string) int {
	switch status {
	case StatusSuccess:
		return 100
	case StatusUploading:
		return 75
	case StatusRunning:
		return 50
	default:
		return 0
	}
}

// progressMessage derives the human-readable progress line for a status.
func progressMessage(status string) string {
	switch status {
	case StatusQueued:
		return "Waiting in queue"
	case StatusNotStarted:
		return "Waiting to start"
	case StatusRunning:
		return "Generating image"
	case StatusUploading:
		return "Uploading results"
	case StatusSuccess:
		return "Generation completed"
	case StatusFailed:
		return "Generation failed"
	default:
		return "Unknown status"
	}
}
