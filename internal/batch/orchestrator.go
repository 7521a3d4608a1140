package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/tablesynth/internal/artifact"
	"github.com/floegence/tablesynth/internal/batch/store"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/genjob"
	"github.com/floegence/tablesynth/internal/manifest"
)

type Options struct {
	Logger   *slog.Logger
	Store    *store.Store
	Client   genjob.Client
	Prompts  PromptSource
	Manifest *manifest.Manifest

	Model genjob.ModelConfig
	// RunKey identifies the inputs of a run. Re-running a finished run with the same key
	// writes nothing.
	RunKey           string
	OutputDir        string
	NumPrompts       int
	MaxAttempts      int
	MaxItemsPerBatch int
	Backoff          Backoff

	// Now and Sleep replace the wall clock in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	log      *slog.Logger
	store    *store.Store
	client   genjob.Client
	prompts  PromptSource
	manifest *manifest.Manifest

	model       genjob.ModelConfig
	runKey      string
	outputDir   string
	numPrompts  int
	maxAttempts int
	maxItems    int
	backoff     Backoff

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Report summarizes one Run call.
type Report struct {
	RunID             string `json:"run_id"`
	Resumed           bool   `json:"resumed"`
	BaseIndex         int    `json:"base_index"`
	Written           int    `json:"written"`
	Skipped           int    `json:"skipped"`
	PermanentFailures int    `json:"permanent_failures"`
	FailedSlots       []int  `json:"failed_slots,omitempty"`
	Batches           int    `json:"batches"`
	Retries           int    `json:"retries"`
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Client == nil {
		return nil, errors.New("missing Client")
	}
	if opts.Prompts == nil {
		return nil, errors.New("missing Prompts")
	}
	outputDir := strings.TrimSpace(opts.OutputDir)
	if outputDir == "" {
		return nil, faults.Configf("generation.output_dir", "must not be empty")
	}
	if abs, err := filepath.Abs(outputDir); err == nil {
		outputDir = abs
	}
	if opts.NumPrompts <= 0 {
		return nil, faults.Configf("generation.num_prompts", "must be > 0")
	}
	if opts.MaxAttempts < 1 {
		return nil, faults.Configf("generation.max_attempts_count", "must be >= 1")
	}
	if opts.MaxItemsPerBatch <= 0 {
		return nil, faults.Configf("generation.max_items_per_batch", "must be > 0")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Orchestrator{
		log:         logger,
		store:       opts.Store,
		client:      opts.Client,
		prompts:     opts.Prompts,
		manifest:    opts.Manifest,
		model:       opts.Model,
		runKey:      strings.TrimSpace(opts.RunKey),
		outputDir:   outputDir,
		numPrompts:  opts.NumPrompts,
		maxAttempts: opts.MaxAttempts,
		maxItems:    opts.MaxItemsPerBatch,
		backoff:     opts.Backoff.normalized(),
		now:         now,
		sleep:       sleep,
	}, nil
}

// Run generates NumPrompts outputs, or resumes the newest unfinished run for the output
// directory. Job-level failures stop the run with *faults.ExternalJobFailure and leave it
// resumable; item failures are retried up to MaxAttempts and then skipped.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return Report{}, err
	}
	run, resumed, err := o.openRun(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{RunID: run.RunID, Resumed: resumed, BaseIndex: run.BaseIndex}
	log := o.log.With("run_id", run.RunID)
	log.Info("generation run started", "resumed", resumed, "base_index", run.BaseIndex, "num_prompts", run.NumPrompts, "provider", o.client.Name())

	unresolved, err := o.store.UnresolvedBatches(ctx, run.RunID)
	if err != nil {
		return rep, err
	}
	for _, b := range unresolved {
		if err := o.resumeBatch(ctx, b, &rep); err != nil {
			var jf *faults.ExternalJobFailure
			if !errors.As(err, &jf) {
				return rep, err
			}
			log.Warn("resumed batch ended without results; its slots will be resubmitted", "batch_id", b.BatchID, "error", err)
		}
	}

	for round := 0; ; round++ {
		slots, err := o.store.ListSlots(ctx, run.RunID)
		if err != nil {
			return rep, err
		}
		open, err := o.adoptExisting(ctx, slots, &rep)
		if err != nil {
			return rep, err
		}
		if len(open) == 0 {
			break
		}
		if round > 0 {
			rep.Retries += len(open)
		}
		log.Info("generation round", "round", round, "open_slots", len(open))
		for _, group := range chunk(open, o.maxItems) {
			if err := o.submitAndResolve(ctx, run.RunID, group, &rep); err != nil {
				return rep, err
			}
		}
	}

	slots, err := o.store.ListSlots(ctx, run.RunID)
	if err != nil {
		return rep, err
	}
	for _, sl := range slots {
		if sl.State == store.SlotFailed {
			rep.PermanentFailures++
			rep.FailedSlots = append(rep.FailedSlots, sl.Index)
		}
	}
	if err := o.store.FinishRun(ctx, run.RunID); err != nil {
		return rep, err
	}
	log.Info("generation run finished",
		"written", rep.Written,
		"skipped", rep.Skipped,
		"permanent_failures", rep.PermanentFailures,
		"batches", rep.Batches,
	)
	return rep, nil
}

func (o *Orchestrator) openRun(ctx context.Context) (*store.Run, bool, error) {
	run, err := o.store.LatestActiveRun(ctx, o.outputDir)
	if err != nil {
		return nil, false, err
	}
	if run != nil {
		if run.RunKey != o.runKey {
			o.log.Warn("resuming unfinished run created with different inputs", "run_id", run.RunID)
		}
		return run, true, nil
	}
	if o.runKey != "" {
		prev, err := o.store.LatestRunByKey(ctx, o.outputDir, o.runKey)
		if err != nil {
			return nil, false, err
		}
		if prev != nil {
			return prev, true, nil
		}
	}
	maxIdx, err := artifact.ScanMaxIndex(o.outputDir)
	if err != nil {
		return nil, false, err
	}
	run = &store.Run{
		RunID:      "run_" + uuid.NewString(),
		RunKey:     o.runKey,
		OutputDir:  o.outputDir,
		BaseIndex:  maxIdx + 1,
		NumPrompts: o.numPrompts,
	}
	if err := o.store.CreateRun(ctx, *run); err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	return run, false, nil
}

// adoptExisting marks open slots whose output already exists as succeeded and returns the rest.
func (o *Orchestrator) adoptExisting(ctx context.Context, slots []store.Slot, rep *Report) ([]store.Slot, error) {
	var open []store.Slot
	for _, sl := range slots {
		if sl.State != store.SlotOpen {
			continue
		}
		if artifact.Exists(filepath.Join(o.outputDir, artifact.HTMLName(sl.Index))) {
			sl.State = store.SlotSucceeded
			if err := o.store.UpdateSlot(ctx, sl); err != nil {
				return nil, err
			}
			rep.Skipped++
			continue
		}
		open = append(open, sl)
	}
	return open, nil
}

func (o *Orchestrator) submitAndResolve(ctx context.Context, runID string, slots []store.Slot, rep *Report) error {
	items := make([]RequestItem, 0, len(slots))
	for _, sl := range slots {
		spec, err := o.prompts.Next(sl.Index, sl.Attempts)
		if err != nil {
			return fmt.Errorf("compose prompt for slot %d: %w", sl.Index, err)
		}
		spec.AttemptIndex = sl.Attempts
		items = append(items, RequestItem{Slot: sl.Index, Spec: spec})
	}
	req, err := Build("batch_"+uuid.NewString(), items, o.model, o.maxItems)
	if err != nil {
		return err
	}
	b, err := o.Submit(ctx, runID, req)
	if err != nil {
		return err
	}
	rep.Batches++
	return o.resolve(ctx, b, rep)
}

// Submit persists req as PENDING, hands it to the job API and records the external id.
func (o *Orchestrator) Submit(ctx context.Context, runID string, req Request) (store.Batch, error) {
	items := make([]store.BatchItem, 0, len(req.Items))
	for i, it := range req.Items {
		items = append(items, store.BatchItem{
			Position:  i,
			SlotIndex: it.Slot,
			Attempt:   it.Spec.AttemptIndex,
			Prompt:    it.Spec.Text,
			SpecJSON:  specJSON(it.Spec),
		})
	}
	b := store.Batch{BatchID: req.ID, RunID: runID, Provider: o.client.Name(), Status: store.StatusPending}
	if err := o.store.CreateBatch(ctx, b, items); err != nil {
		return store.Batch{}, fmt.Errorf("persist batch: %w", err)
	}
	ext, err := o.client.Submit(ctx, req.job())
	if err != nil {
		if ctx.Err() != nil {
			return store.Batch{}, ctx.Err()
		}
		_ = o.store.SetBatchStatus(ctx, req.ID, store.StatusFailed, err.Error())
		_ = o.store.MarkResolved(ctx, req.ID)
		return store.Batch{}, &faults.ExternalJobFailure{BatchID: req.ID, Status: store.StatusFailed, Err: err}
	}
	if err := o.store.SetExternalID(ctx, req.ID, ext); err != nil {
		return store.Batch{}, err
	}
	o.log.Info("batch submitted", "batch_id", req.ID, "external_id", ext, "items", len(items))
	saved, err := o.store.GetBatch(ctx, req.ID)
	if err != nil {
		return store.Batch{}, err
	}
	if saved == nil {
		return store.Batch{}, fmt.Errorf("batch %s vanished", req.ID)
	}
	return *saved, nil
}

// resumeBatch finishes a batch left unresolved by an earlier process.
func (o *Orchestrator) resumeBatch(ctx context.Context, b store.Batch, rep *Report) error {
	log := o.log.With("batch_id", b.BatchID, "external_id", b.ExternalID)
	switch {
	case strings.TrimSpace(b.ExternalID) == "":
		// Persisted but never acknowledged by the job API; its slots are resubmitted.
		log.Warn("batch was never submitted; discarding")
		if err := o.store.SetBatchStatus(ctx, b.BatchID, store.StatusFailed, "not submitted"); err != nil {
			return err
		}
		return o.store.MarkResolved(ctx, b.BatchID)
	case b.Status == store.StatusFailed || b.Status == store.StatusExpired:
		log.Info("batch ended without results; slots will be resubmitted", "status", b.Status)
		return o.store.MarkResolved(ctx, b.BatchID)
	default:
		log.Info("resuming batch", "status", b.Status)
		return o.resolve(ctx, b, rep)
	}
}

// resolve polls b to a terminal state and applies its results.
func (o *Orchestrator) resolve(ctx context.Context, b store.Batch, rep *Report) error {
	poll, err := o.Await(ctx, b)
	if err != nil {
		var jf *faults.ExternalJobFailure
		if errors.As(err, &jf) {
			// Slots stay open without consuming attempts.
			if merr := o.store.MarkResolved(ctx, b.BatchID); merr != nil {
				return merr
			}
		}
		return err
	}
	items, err := o.store.BatchItems(ctx, b.BatchID)
	if err != nil {
		return err
	}
	return o.Materialize(ctx, b, items, poll.Results, rep)
}
