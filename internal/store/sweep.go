package store

import (
	"context"
	"time"
)

// Sweeper is implemented by in-memory stores that expire entries lazily.
type Sweeper interface {
	Sweep() int
}

// RunSweepers calls Sweep on every sweeper each interval until ctx is done.
// Expiry is enforced on read regardless; sweeping only bounds memory.
func RunSweepers(ctx context.Context, interval time.Duration, sweepers ...Sweeper) {
	if interval <= 0 || len(sweepers) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range sweepers {
				s.Sweep()
			}
		}
	}
}
