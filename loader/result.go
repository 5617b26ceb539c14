package loader

// LoadingResult is returned by LoadingStrategy.Process to tell the chain
// how to proceed. A non-nil error overrides it: the chain treats any
// (_, err) return as an abort regardless of the result value.
type LoadingResult int

const (
	// Continue runs the next strategy in the chain.
	Continue LoadingResult = iota
	// Completed ends the chain successfully; no further strategy runs.
	Completed
)

func (r LoadingResult) String() string {
	switch r {
	case Continue:
		return "continue"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}
