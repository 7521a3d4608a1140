package genjob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const openAIChatCompletionsURL = "/v1/chat/completions"

// OpenAIBatch submits chat completion requests through the OpenAI Batch API.
type OpenAIBatch struct {
	client openai.Client
	log    *slog.Logger
}

func NewOpenAIBatch(apiKey string, baseURL string, logger *slog.Logger) *OpenAIBatch {
	return &OpenAIBatch{client: openai.NewClient(openAIRequestOptions(apiKey, baseURL)...), log: logger}
}

func openAIRequestOptions(apiKey string, baseURL string) []ooption.RequestOption {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return opts
}

func (c *OpenAIBatch) Name() string { return ProviderOpenAI }

type openAIInputLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

type openAIOutputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func chatParams(m ModelConfig, prompt string) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(strings.TrimSpace(m.Model)),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	}
	if m.Temperature != nil {
		params.Temperature = openai.Float(*m.Temperature)
	}
	if m.TopP != nil {
		params.TopP = openai.Float(*m.TopP)
	}
	if m.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(m.MaxOutputTokens))
	}
	return params
}

// encodeOpenAIBatchInput renders the JSONL upload for b.
func encodeOpenAIBatchInput(b Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, it := range b.Items {
		body, err := json.Marshal(chatParams(b.Model, it.Prompt))
		if err != nil {
			return nil, fmt.Errorf("encode item %d: %w", i, err)
		}
		if err := enc.Encode(openAIInputLine{
			CustomID: CustomID(i),
			Method:   "POST",
			URL:      openAIChatCompletionsURL,
			Body:     body,
		}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (c *OpenAIBatch) Submit(ctx context.Context, b Batch) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	if len(b.Items) == 0 {
		return "", errors.New("empty batch")
	}
	if strings.TrimSpace(b.Model.Model) == "" {
		return "", errors.New("missing model")
	}
	payload, err := encodeOpenAIBatchInput(b)
	if err != nil {
		return "", err
	}
	f, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(payload), "batch-"+b.ID+".jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", fmt.Errorf("upload batch input: %w", err)
	}
	job, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      f.ID,
	})
	if err != nil {
		c.deleteFile(context.WithoutCancel(ctx), f.ID)
		return "", fmt.Errorf("create batch: %w", err)
	}
	c.log.Info("openai batch submitted", "batch_id", b.ID, "external_id", job.ID, "items", len(b.Items), "input_file", f.ID)
	return job.ID, nil
}

func (c *OpenAIBatch) Poll(ctx context.Context, h Handle) (Poll, error) {
	if c == nil {
		return Poll{}, errors.New("nil client")
	}
	job, err := c.client.Batches.Get(ctx, strings.TrimSpace(h.ID))
	if err != nil {
		return Poll{}, fmt.Errorf("get batch %s: %w", h.ID, err)
	}
	switch job.Status {
	case openai.BatchStatusValidating:
		return Poll{Status: StatusPending}, nil
	case openai.BatchStatusInProgress, openai.BatchStatusFinalizing, openai.BatchStatusCancelling:
		return Poll{Status: StatusRunning}, nil
	case openai.BatchStatusCompleted:
	case openai.BatchStatusExpired, openai.BatchStatusCancelled:
		// Items finished before the cutoff are still delivered; the rest count as failed.
		if strings.TrimSpace(job.OutputFileID) == "" && strings.TrimSpace(job.ErrorFileID) == "" {
			c.deleteFile(ctx, job.InputFileID)
			return Poll{Status: StatusFailed, Error: "batch " + string(job.Status)}, nil
		}
		c.log.Warn("openai batch ended early; keeping partial results", "external_id", job.ID, "status", job.Status)
	default:
		c.deleteFile(ctx, job.InputFileID)
		return Poll{Status: StatusFailed, Error: "batch " + string(job.Status)}, nil
	}

	col := newCollector(h.Count)
	if id := strings.TrimSpace(job.OutputFileID); id != "" {
		if err := c.readResults(ctx, id, col); err != nil {
			return Poll{}, err
		}
	}
	if id := strings.TrimSpace(job.ErrorFileID); id != "" {
		if err := c.readResults(ctx, id, col); err != nil {
			return Poll{}, err
		}
	}
	c.deleteFile(ctx, job.InputFileID)
	return Poll{Status: StatusSucceeded, Results: col.finish()}, nil
}

// deleteFile removes an uploaded input file. Failures are only logged.
func (c *OpenAIBatch) deleteFile(ctx context.Context, fileID string) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return
	}
	if _, err := c.client.Files.Delete(ctx, fileID); err != nil {
		c.log.Warn("failed to delete batch input file", "file_id", fileID, "error", err)
		return
	}
	c.log.Debug("batch input file deleted", "file_id", fileID)
}

func (c *OpenAIBatch) readResults(ctx context.Context, fileID string, col *collector) error {
	resp, err := c.client.Files.Content(ctx, fileID)
	if err != nil {
		return fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	n, err := decodeOpenAIBatchOutput(resp.Body, col)
	if err != nil {
		return fmt.Errorf("decode %s: %w", fileID, err)
	}
	c.log.Debug("openai batch results read", "file_id", fileID, "lines", n)
	return nil
}

// decodeOpenAIBatchOutput reads output or error JSONL lines into col.
func decodeOpenAIBatchOutput(r io.Reader, col *collector) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var out openAIOutputLine
		if err := json.Unmarshal(line, &out); err != nil {
			return n, err
		}
		n++
		col.set(out.CustomID, openAIOutputResult(out))
	}
	return n, sc.Err()
}

func openAIOutputResult(out openAIOutputLine) Result {
	if out.Error != nil && strings.TrimSpace(out.Error.Message) != "" {
		return Result{Failed: true, Error: strings.TrimSpace(out.Error.Code + " " + out.Error.Message)}
	}
	if out.Response == nil {
		return Result{Failed: true, Error: "no response"}
	}
	if out.Response.StatusCode != 200 {
		return Result{Failed: true, Error: fmt.Sprintf("status %d", out.Response.StatusCode)}
	}
	var cc openai.ChatCompletion
	if err := json.Unmarshal(out.Response.Body, &cc); err != nil {
		return Result{Failed: true, Error: "decode body: " + err.Error()}
	}
	return chatCompletionResult(&cc)
}

func chatCompletionResult(cc *openai.ChatCompletion) Result {
	if cc == nil || len(cc.Choices) == 0 {
		return Result{Failed: true, Error: "no choices"}
	}
	text := cc.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return Result{Failed: true, Error: "empty content"}
	}
	return Result{Text: text}
}
