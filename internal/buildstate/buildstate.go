// Package buildstate defines build statuses and the legal transitions between them.
package buildstate

import "fmt"

// Build status constants.
const (
	Queued    = "QUEUED"
	Building  = "BUILDING"
	Completed = "COMPLETED"
	Failed    = "FAILED"
	Canceled  = "CANCELED"
)

// Status info strings written by the scheduler itself.
const (
	InfoTimeout     = "timeout"
	InfoWorkerLost  = "worker_lost"
	InfoSuperseded  = "superseded"
	InfoCanceled    = "canceled"
	InfoLeaseExpiry = "lease expired; requeued"
)

// legal maps a status to the statuses it may move to. BUILDING -> QUEUED is
// only taken by the lease sweep when a worker disappears with retries left.
var legal = map[string][]string{
	Queued:   {Building, Canceled},
	Building: {Completed, Failed, Canceled, Queued},
}

// All returns every status in lifecycle order.
func All() []string {
	return []string{Queued, Building, Completed, Failed, Canceled}
}

// Valid reports whether s is a known status.
func Valid(s string) bool {
	for _, v := range All() {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status change is allowed.
func Terminal(s string) bool {
	return s == Completed || s == Failed || s == Canceled
}

// ActiveStatuses lists the non-terminal statuses, for IN queries.
func ActiveStatuses() []string {
	return []string{Queued, Building}
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to string) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Check returns an error describing an illegal transition, or nil.
func Check(from, to string) error {
	if !Valid(to) {
		return fmt.Errorf("buildstate: unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("buildstate: illegal transition %s -> %s", from, to)
	}
	return nil
}
