// Package genjob talks to asynchronous generation job APIs.
//
// A job is submitted once with an ordered list of items and later polled. Results are
// always returned in the submission order, whatever order the backend produced them in.
package genjob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further polling can change the status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type Item struct {
	Prompt string
}

// ModelConfig carries sampling settings. Nil Temperature or TopP leaves the provider default.
type ModelConfig struct {
	Model           string
	Temperature     *float64
	TopP            *float64
	TopK            int
	MaxOutputTokens int
}

// Batch is one job submission. Item positions are the only correlation key.
type Batch struct {
	ID    string
	Items []Item
	Model ModelConfig
}

// Handle identifies a submitted job.
type Handle struct {
	ID    string
	Count int
}

type Result struct {
	Text   string
	Failed bool
	Error  string
}

// Poll is a snapshot of a job. Results is only set once Status is StatusSucceeded
// and then has exactly Handle.Count entries.
type Poll struct {
	Status  Status
	Results []Result
	Error   string
}

type Client interface {
	Name() string
	Submit(ctx context.Context, b Batch) (string, error)
	Poll(ctx context.Context, h Handle) (Poll, error)
}

const customIDPrefix = "item-"

// CustomID is the per-item identifier sent to backends that return results out of order.
func CustomID(position int) string {
	return fmt.Sprintf("%s%06d", customIDPrefix, position)
}

// ParsePosition is the inverse of CustomID.
func ParsePosition(customID string) (int, bool) {
	s := strings.TrimSpace(customID)
	if !strings.HasPrefix(s, customIDPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, customIDPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// collector assembles position-ordered results. Positions never reported stay failed.
type collector struct {
	results []Result
	seen    []bool
}

func newCollector(count int) *collector {
	return &collector{results: make([]Result, max(count, 0)), seen: make([]bool, max(count, 0))}
}

func (c *collector) set(customID string, r Result) bool {
	pos, ok := ParsePosition(customID)
	if !ok || pos >= len(c.results) || c.seen[pos] {
		return false
	}
	c.results[pos] = r
	c.seen[pos] = true
	return true
}

func (c *collector) finish() []Result {
	for i := range c.results {
		if !c.seen[i] {
			c.results[i] = Result{Failed: true, Error: "missing result"}
		}
	}
	return c.results
}

type Options struct {
	Provider          string
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	SyncWorkers       int
	Logger            *slog.Logger
}

const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenAISync = "openai_sync"
	ProviderFake       = "fake"
)

// New builds the client for opts.Provider.
func New(opts Options) (Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider != ProviderFake && strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("missing api key for provider %q", provider)
	}
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIBatch(opts.APIKey, opts.BaseURL, logger), nil
	case ProviderAnthropic:
		return NewAnthropicBatch(opts.APIKey, opts.BaseURL, logger), nil
	case ProviderOpenAISync:
		return NewOpenAISync(SyncOptions{
			APIKey:            opts.APIKey,
			BaseURL:           opts.BaseURL,
			RequestsPerMinute: opts.RequestsPerMinute,
			Workers:           opts.SyncWorkers,
			Logger:            logger,
		}), nil
	case ProviderFake:
		return &Fake{}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", opts.Provider)
	}
}
