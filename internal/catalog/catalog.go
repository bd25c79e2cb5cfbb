// Package catalog implements the durable catalog operations: specification
// dedup, build registration, queue claims, guarded state transitions and the
// environment pointer rules that go with them.
//
// Every function takes the *gorm.DB it should run against, so callers decide
// the connection (and, for tests, the dialect).
package catalog

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrNotFound          = errors.New("catalog: not found")
	ErrValidation        = errors.New("catalog: validation failed")
	ErrIllegalTransition = errors.New("catalog: illegal transition")
	ErrConflict          = errors.New("catalog: conflict")
	ErrLeaseLost         = errors.New("catalog: lease lost")
	ErrInvariant         = errors.New("catalog: invariant violated")
)

// now returns the current time in UTC. All catalog timestamps are UTC so
// SQLite's text timestamps compare in chronological order.
func now() time.Time {
	return time.Now().UTC()
}

// notFound translates gorm.ErrRecordNotFound into ErrNotFound.
func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, what, id)
	}
	return fmt.Errorf("catalog: get %s %v: %w", what, id, err)
}
