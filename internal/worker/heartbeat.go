package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/conda-incubator/condastore/internal/catalog"
	"gorm.io/gorm"
)

// DefaultHeartbeatInterval is the default interval between lease refreshes.
const DefaultHeartbeatInterval = 10 * time.Second

// StartHeartbeat launches a goroutine that periodically refreshes the
// build's lease. It returns a channel that receives an error if the lease
// is gone (the build was superseded, timed out or recovered) or the update
// fails. The goroutine exits when ctx is done.
func StartHeartbeat(ctx context.Context, db *gorm.DB, buildID uint, taskID string, interval time.Duration) <-chan error {
	return startBeat(ctx, interval, func() error {
		if err := catalog.Heartbeat(db, buildID, taskID); err != nil {
			return fmt.Errorf("worker: heartbeat build %d: %w", buildID, err)
		}
		return nil
	})
}

// StartSolveHeartbeat is StartHeartbeat for a solve job.
func StartSolveHeartbeat(ctx context.Context, db *gorm.DB, solveID uint, taskID string, interval time.Duration) <-chan error {
	return startBeat(ctx, interval, func() error {
		if err := catalog.SolveHeartbeat(db, solveID, taskID); err != nil {
			return fmt.Errorf("worker: heartbeat solve %d: %w", solveID, err)
		}
		return nil
	})
}

func startBeat(ctx context.Context, interval time.Duration, beat func() error) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := beat(); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	return errCh
}
