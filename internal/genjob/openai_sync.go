package genjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type SyncOptions struct {
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
	Workers           int
	Logger            *slog.Logger
}

// OpenAISync emulates a batch job on top of plain chat completions. Jobs live in memory only,
// so a job submitted before a restart polls as failed.
type OpenAISync struct {
	client  openai.Client
	limiter *rate.Limiter
	workers int
	log     *slog.Logger

	mu   sync.Mutex
	jobs map[string]*syncJob

	baseCtx context.Context
	cancel  context.CancelFunc
}

type syncJob struct {
	done    bool
	results []Result
}

func NewOpenAISync(opts SyncOptions) *OpenAISync {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &OpenAISync{
		client:  openai.NewClient(openAIRequestOptions(opts.APIKey, opts.BaseURL)...),
		limiter: rate.NewLimiter(limit, 1),
		workers: workers,
		log:     logger,
		jobs:    map[string]*syncJob{},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (c *OpenAISync) Name() string { return ProviderOpenAISync }

// Close stops in-flight jobs.
func (c *OpenAISync) Close() error {
	if c != nil && c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *OpenAISync) Submit(ctx context.Context, b Batch) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	if len(b.Items) == 0 {
		return "", errors.New("empty batch")
	}
	if strings.TrimSpace(b.Model.Model) == "" {
		return "", errors.New("missing model")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "sync_" + uuid.NewString()
	job := &syncJob{results: make([]Result, len(b.Items))}
	c.mu.Lock()
	c.jobs[id] = job
	c.mu.Unlock()

	go c.run(id, job, b)
	c.log.Info("sync job submitted", "batch_id", b.ID, "external_id", id, "items", len(b.Items))
	return id, nil
}

func (c *OpenAISync) run(id string, job *syncJob, b Batch) {
	results := make([]Result, len(b.Items))
	g, ctx := errgroup.WithContext(c.baseCtx)
	g.SetLimit(c.workers)
	for i, it := range b.Items {
		g.Go(func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				results[i] = Result{Failed: true, Error: err.Error()}
				return nil
			}
			cc, err := c.client.Chat.Completions.New(ctx, chatParams(b.Model, it.Prompt))
			if err != nil {
				c.log.Warn("sync completion failed", "external_id", id, "position", i, "error", err)
				results[i] = Result{Failed: true, Error: err.Error()}
				return nil
			}
			results[i] = chatCompletionResult(cc)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	job.results = results
	job.done = true
	c.mu.Unlock()
}

func (c *OpenAISync) Poll(ctx context.Context, h Handle) (Poll, error) {
	if c == nil {
		return Poll{}, errors.New("nil client")
	}
	if err := ctx.Err(); err != nil {
		return Poll{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[strings.TrimSpace(h.ID)]
	if !ok {
		return Poll{Status: StatusFailed, Error: fmt.Sprintf("unknown job %s", h.ID)}, nil
	}
	if !job.done {
		return Poll{Status: StatusRunning}, nil
	}
	// Terminal results are handed out once.
	delete(c.jobs, strings.TrimSpace(h.ID))
	if len(job.results) != h.Count {
		return Poll{Status: StatusFailed, Error: fmt.Sprintf("job has %d results, want %d", len(job.results), h.Count)}, nil
	}
	return Poll{Status: StatusSucceeded, Results: job.results}, nil
}
