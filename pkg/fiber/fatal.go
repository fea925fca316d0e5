package fiber

// FatalError marks a scheduler invariant violation: a fiber reachable from
// two locations, an illegal state transition, or a tripped stack canary.
// These are raised as panics and must never be recovered by scheduler
// code; continuing would risk undefined memory behavior.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return "loom: fatal: " + e.Reason
}

func fatal(reason string) {
	panic(&FatalError{Reason: reason})
}

// IsFatal reports whether a recovered panic value is a scheduler invariant
// violation and therefore must be re-raised.
func IsFatal(r any) bool {
	_, ok := r.(*FatalError)
	return ok
}
