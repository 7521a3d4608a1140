package genjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicBatch submits requests through the Message Batches API.
type AnthropicBatch struct {
	client anthropic.Client
	log    *slog.Logger
}

func NewAnthropicBatch(apiKey string, baseURL string, logger *slog.Logger) *AnthropicBatch {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicBatch{client: anthropic.NewClient(opts...), log: logger}
}

func (c *AnthropicBatch) Name() string { return ProviderAnthropic }

func anthropicBatchRequests(b Batch) []anthropic.MessageBatchNewParamsRequest {
	maxTokens := int64(anthropicDefaultMaxTokens)
	if b.Model.MaxOutputTokens > 0 {
		maxTokens = int64(b.Model.MaxOutputTokens)
	}
	reqs := make([]anthropic.MessageBatchNewParamsRequest, 0, len(b.Items))
	for i, it := range b.Items {
		params := anthropic.MessageBatchNewParamsRequestParams{
			Model:     anthropic.Model(strings.TrimSpace(b.Model.Model)),
			MaxTokens: maxTokens,
			Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(it.Prompt))},
		}
		if b.Model.Temperature != nil {
			params.Temperature = anthropic.Float(*b.Model.Temperature)
		}
		if b.Model.TopP != nil {
			params.TopP = anthropic.Float(*b.Model.TopP)
		}
		if b.Model.TopK > 0 {
			params.TopK = anthropic.Int(int64(b.Model.TopK))
		}
		reqs = append(reqs, anthropic.MessageBatchNewParamsRequest{CustomID: CustomID(i), Params: params})
	}
	return reqs
}

func (c *AnthropicBatch) Submit(ctx context.Context, b Batch) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	if len(b.Items) == 0 {
		return "", errors.New("empty batch")
	}
	if strings.TrimSpace(b.Model.Model) == "" {
		return "", errors.New("missing model")
	}
	job, err := c.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: anthropicBatchRequests(b)})
	if err != nil {
		return "", fmt.Errorf("create message batch: %w", err)
	}
	c.log.Info("anthropic batch submitted", "batch_id", b.ID, "external_id", job.ID, "items", len(b.Items))
	return job.ID, nil
}

func (c *AnthropicBatch) Poll(ctx context.Context, h Handle) (Poll, error) {
	if c == nil {
		return Poll{}, errors.New("nil client")
	}
	id := strings.TrimSpace(h.ID)
	job, err := c.client.Messages.Batches.Get(ctx, id)
	if err != nil {
		return Poll{}, fmt.Errorf("get message batch %s: %w", id, err)
	}
	switch job.ProcessingStatus {
	case anthropic.MessageBatchProcessingStatusInProgress, anthropic.MessageBatchProcessingStatusCanceling:
		// A canceled batch still ends with results for the requests that finished.
		return Poll{Status: StatusRunning}, nil
	case anthropic.MessageBatchProcessingStatusEnded:
	default:
		return Poll{Status: StatusPending}, nil
	}

	col := newCollector(h.Count)
	stream := c.client.Messages.Batches.ResultsStreaming(ctx, id)
	defer stream.Close()
	for stream.Next() {
		res := stream.Current()
		col.set(res.CustomID, anthropicResult(res.Result))
	}
	if err := stream.Err(); err != nil {
		return Poll{}, fmt.Errorf("stream results %s: %w", id, err)
	}
	return Poll{Status: StatusSucceeded, Results: col.finish()}, nil
}

func anthropicResult(r anthropic.MessageBatchResultUnion) Result {
	switch v := r.AsAny().(type) {
	case anthropic.MessageBatchSucceededResult:
		return Result{Text: anthropicMessageText(v.Message)}.orEmpty()
	case anthropic.MessageBatchErroredResult:
		return Result{Failed: true, Error: "errored"}
	case anthropic.MessageBatchCanceledResult:
		return Result{Failed: true, Error: "canceled"}
	case anthropic.MessageBatchExpiredResult:
		return Result{Failed: true, Error: "expired"}
	default:
		return Result{Failed: true, Error: "unknown result type " + r.Type}
	}
}

func anthropicMessageText(msg anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String()
}

func (r Result) orEmpty() Result {
	if !r.Failed && strings.TrimSpace(r.Text) == "" {
		return Result{Failed: true, Error: "empty content"}
	}
	return r
}
