package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/floegence/tablesynth/internal/artifact"
	"github.com/floegence/tablesynth/internal/batch/store"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/genjob"
	"github.com/floegence/tablesynth/internal/manifest"
)

// Materialize writes the results of b in item order. Successful items produce the slot's
// HTML and prompt files (existing files are kept); failed items consume one attempt.
// The batch is marked resolved last, so a crash mid-way replays safely.
func (o *Orchestrator) Materialize(ctx context.Context, b store.Batch, items []store.BatchItem, results []genjob.Result, rep *Report) error {
	if len(items) != len(results) {
		return fmt.Errorf("batch %s: %d items but %d results", b.BatchID, len(items), len(results))
	}
	slots, err := o.store.ListSlots(ctx, b.RunID)
	if err != nil {
		return err
	}
	byIndex := make(map[int]store.Slot, len(slots))
	for _, sl := range slots {
		byIndex[sl.Index] = sl
	}

	completed := append([]int(nil), b.CompletedIndices...)
	for pos, it := range items {
		sl, ok := byIndex[it.SlotIndex]
		if !ok {
			return fmt.Errorf("batch %s position %d: unknown slot %d", b.BatchID, pos, it.SlotIndex)
		}
		if sl.State != store.SlotOpen {
			continue
		}
		r := results[pos]
		html := ""
		if !r.Failed {
			html = artifact.CleanFences(r.Text)
			if html == "" {
				r = genjob.Result{Failed: true, Error: "empty output"}
			}
		}

		if r.Failed {
			if it.Attempt < sl.Attempts {
				// Already charged by an earlier pass over this batch.
				continue
			}
			sl.Attempts++
			ierr := &faults.ItemGenerationFailure{Slot: sl.Index, Attempt: it.Attempt, Reason: r.Error}
			sl.LastError = ierr.Error()
			if sl.Attempts >= o.maxAttempts {
				sl.State = store.SlotFailed
				o.log.Warn("slot permanently failed", "batch_id", b.BatchID, "slot", sl.Index, "attempts", sl.Attempts, "error", r.Error)
			} else {
				o.log.Info("slot will be retried", "batch_id", b.BatchID, "slot", sl.Index, "attempts", sl.Attempts, "error", r.Error)
			}
			if err := o.store.UpdateSlot(ctx, sl); err != nil {
				return err
			}
			byIndex[sl.Index] = sl
			continue
		}

		wrote, err := o.writeOutputs(sl.Index, html, it)
		if err != nil {
			return err
		}
		if wrote {
			rep.Written++
		} else {
			rep.Skipped++
		}
		sl.State = store.SlotSucceeded
		sl.LastError = ""
		if err := o.store.UpdateSlot(ctx, sl); err != nil {
			return err
		}
		byIndex[sl.Index] = sl
		completed = append(completed, sl.Index)
		if err := o.store.SetCompletedIndices(ctx, b.BatchID, completed); err != nil {
			return err
		}
	}
	return o.store.MarkResolved(ctx, b.BatchID)
}

func (o *Orchestrator) writeOutputs(index int, html string, it store.BatchItem) (bool, error) {
	htmlPath := filepath.Join(o.outputDir, artifact.HTMLName(index))
	promptPath := filepath.Join(o.outputDir, artifact.PromptName(index))

	wrote, err := artifact.WriteExclusive(htmlPath, []byte(html+"\n"))
	if err != nil {
		return false, fmt.Errorf("write %s: %w", htmlPath, err)
	}
	if _, err := artifact.WriteExclusive(promptPath, []byte(strings.TrimSpace(it.Prompt)+"\n")); err != nil {
		return false, fmt.Errorf("write %s: %w", promptPath, err)
	}
	if wrote && o.manifest != nil {
		if err := o.manifest.Append(manifest.Entry{
			Path:     htmlPath,
			Kind:     artifact.KindHTMLRaw,
			Mode:     manifest.ModeGenerated,
			SourceID: artifact.Stem(htmlPath),
			Detail:   map[string]any{"batch_id": it.BatchID, "attempt": it.Attempt},
		}); err != nil {
			return true, err
		}
	}
	return wrote, nil
}
