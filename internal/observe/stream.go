package observe

import (
	"context"
	"time"
)

// Stream emits a fresh composite snapshot at the given interval until ctx
// is cancelled, then closes the channel. A slow consumer loses snapshots
// rather than stalling the producer.
func (a *Aggregator) Stream(ctx context.Context, interval time.Duration) <-chan *Snapshot {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	out := make(chan *Snapshot, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		emit := func() {
			snap := a.Composite()
			select {
			case out <- snap:
			default:
				// Drop the stale buffered snapshot and retry once.
				select {
				case <-out:
				default:
				}
				select {
				case out <- snap:
				default:
				}
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emit()
			}
		}
	}()
	return out
}
