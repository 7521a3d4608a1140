package batch

import (
	"context"
	"fmt"

	"github.com/floegence/tablesynth/internal/batch/store"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/genjob"
)

func storeStatus(s genjob.Status) string {
	switch s {
	case genjob.StatusSucceeded:
		return store.StatusSucceeded
	case genjob.StatusFailed:
		return store.StatusFailed
	case genjob.StatusRunning:
		return store.StatusRunning
	default:
		return store.StatusPending
	}
}

// Await polls b until it reaches a terminal state, sleeping Backoff.Delay(n) between polls.
// Every observation is persisted. The wait budget counts from the call, so a resumed
// process gets a fresh MaxTotalWait. On cancellation it returns ctx.Err() and leaves the last
// persisted state untouched.
func (o *Orchestrator) Await(ctx context.Context, b store.Batch) (genjob.Poll, error) {
	log := o.log.With("batch_id", b.BatchID, "external_id", b.ExternalID)
	h := genjob.Handle{ID: b.ExternalID, Count: b.SubmittedCount}
	start := o.now()

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return genjob.Poll{}, err
		}
		p, err := o.client.Poll(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return genjob.Poll{}, ctx.Err()
			}
			// Transport errors count as an observation of nothing.
			log.Warn("poll failed; will retry", "attempt", n, "error", err)
		} else {
			status := storeStatus(p.Status)
			if status == store.StatusSucceeded && len(p.Results) != h.Count {
				status = store.StatusFailed
				p.Error = fmt.Sprintf("job returned %d results for %d items", len(p.Results), h.Count)
			}
			if err := o.store.RecordPoll(ctx, b.BatchID, status, p.Error); err != nil {
				return genjob.Poll{}, err
			}
			log.Debug("batch polled", "status", status, "attempt", n)
			switch status {
			case store.StatusSucceeded:
				log.Info("batch succeeded", "polls", n+1)
				return p, nil
			case store.StatusFailed:
				log.Warn("batch failed", "error", p.Error)
				return p, &faults.ExternalJobFailure{
					BatchID:    b.BatchID,
					ExternalID: b.ExternalID,
					Status:     store.StatusFailed,
					Err:        fmt.Errorf("%s", p.Error),
				}
			}
		}

		elapsed := o.now().Sub(start)
		if elapsed >= o.backoff.MaxTotalWait {
			if err := o.store.SetBatchStatus(ctx, b.BatchID, store.StatusExpired, "poll budget exhausted"); err != nil {
				return genjob.Poll{}, err
			}
			log.Warn("batch expired", "waited", elapsed)
			return genjob.Poll{}, &faults.ExternalJobFailure{
				BatchID:    b.BatchID,
				ExternalID: b.ExternalID,
				Status:     store.StatusExpired,
				Err:        fmt.Errorf("no terminal state after %s", elapsed),
			}
		}
		d := o.backoff.Delay(n)
		if rest := o.backoff.MaxTotalWait - elapsed; d > rest {
			d = rest
		}
		if err := o.sleep(ctx, d); err != nil {
			return genjob.Poll{}, err
		}
	}
}
