package genjob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type openAIBatchMock struct {
	mu       sync.Mutex
	input    []openAIInputLine
	gets     int
	runnings int
	final    string
	deleted  []string
}

func chatCompletionJSON(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-test",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func (m *openAIBatchMock) handle(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.Header.Get("Authorization")) != "Bearer sk-test" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := r.URL.Path
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/files"):
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if part.FormName() != "file" {
				continue
			}
			raw, _ := io.ReadAll(part)
			m.mu.Lock()
			for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
				var in openAIInputLine
				if err := json.Unmarshal([]byte(line), &in); err == nil {
					m.input = append(m.input, in)
				}
			}
			m.mu.Unlock()
		}
		_, _ = io.WriteString(w, `{"id":"file-in","object":"file","bytes":1,"created_at":1,"filename":"batch.jsonl","purpose":"batch","status":"processed"}`)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/batches"):
		_, _ = io.WriteString(w, `{"id":"batch_1","object":"batch","endpoint":"/v1/chat/completions","input_file_id":"file-in","completion_window":"24h","status":"validating","created_at":1}`)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/batches/batch_1"):
		m.mu.Lock()
		m.gets++
		done := m.gets > m.runnings
		m.mu.Unlock()
		status := "in_progress"
		extra := ""
		switch {
		case done && m.final == "expired":
			status = "expired"
			extra = `,"output_file_id":"file-out"`
		case done:
			status = "completed"
			extra = `,"output_file_id":"file-out","error_file_id":"file-err"`
		}
		_, _ = fmt.Fprintf(w, `{"id":"batch_1","object":"batch","endpoint":"/v1/chat/completions","input_file_id":"file-in","completion_window":"24h","status":%q,"created_at":1%s}`, status, extra)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/files/file-out/content"):
		w.Header().Set("Content-Type", "application/octet-stream")
		// Results arrive out of order.
		m.mu.Lock()
		n := len(m.input)
		m.mu.Unlock()
		for i := n - 1; i >= 0; i-- {
			if i == 1 {
				continue
			}
			line, _ := json.Marshal(map[string]any{
				"custom_id": CustomID(i),
				"response":  map[string]any{"status_code": 200, "body": json.RawMessage(chatCompletionJSON(fmt.Sprintf("<table>%d</table>", i)))},
			})
			_, _ = w.Write(append(line, '\n'))
		}
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/files/file-err/content"):
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = fmt.Fprintf(w, `{"custom_id":%q,"response":null,"error":{"code":"server_error","message":"boom"}}`+"\n", CustomID(1))
	case r.Method == http.MethodDelete && strings.HasSuffix(path, "/files/file-in"):
		m.mu.Lock()
		m.deleted = append(m.deleted, "file-in")
		m.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"file-in","object":"file","deleted":true}`)
	default:
		http.Error(w, "not found: "+r.Method+" "+path, http.StatusNotFound)
	}
}

func TestOpenAIBatch_SubmitAndPoll(t *testing.T) {
	t.Parallel()

	temp, topP := 0.7, 0.0
	mock := &openAIBatchMock{runnings: 1}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	c := NewOpenAIBatch("sk-test", srv.URL+"/v1/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := Batch{
		ID:    "b-1",
		Items: []Item{{Prompt: "zero"}, {Prompt: "one"}, {Prompt: "two"}},
		Model: ModelConfig{Model: "gpt-test", Temperature: &temp, TopP: &topP, MaxOutputTokens: 1000},
	}
	ctx := context.Background()
	id, err := c.Submit(ctx, b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "batch_1" {
		t.Fatalf("id=%q, want batch_1", id)
	}

	mock.mu.Lock()
	input := append([]openAIInputLine(nil), mock.input...)
	mock.mu.Unlock()
	if len(input) != 3 {
		t.Fatalf("uploaded %d lines, want 3", len(input))
	}
	for i, in := range input {
		if in.CustomID != CustomID(i) || in.URL != openAIChatCompletionsURL || in.Method != "POST" {
			t.Fatalf("line %d=%+v", i, in)
		}
		var body map[string]any
		if err := json.Unmarshal(in.Body, &body); err != nil {
			t.Fatalf("body %d: %v", i, err)
		}
		if body["model"] != "gpt-test" {
			t.Fatalf("body model=%v", body["model"])
		}
		if v, ok := body["top_p"]; !ok || v != 0.0 {
			t.Fatalf("body top_p=%v (set=%v), want explicit 0", v, ok)
		}
	}

	h := Handle{ID: id, Count: 3}
	p, err := c.Poll(ctx, h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if p.Status != StatusRunning {
		t.Fatalf("status=%s, want running", p.Status)
	}
	p, err = c.Poll(ctx, h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if p.Status != StatusSucceeded {
		t.Fatalf("status=%s, want succeeded", p.Status)
	}
	if p.Results[0].Text != "<table>0</table>" || p.Results[2].Text != "<table>2</table>" {
		t.Fatalf("results=%+v", p.Results)
	}
	if !p.Results[1].Failed || !strings.Contains(p.Results[1].Error, "boom") {
		t.Fatalf("result 1=%+v, want failure", p.Results[1])
	}
	mock.mu.Lock()
	deleted := append([]string(nil), mock.deleted...)
	mock.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "file-in" {
		t.Fatalf("deleted=%v, want [file-in]", deleted)
	}
}

func TestOpenAIBatch_ExpiredKeepsPartialResults(t *testing.T) {
	t.Parallel()

	mock := &openAIBatchMock{final: "expired"}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	c := NewOpenAIBatch("sk-test", srv.URL+"/v1/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	id, err := c.Submit(ctx, Batch{
		ID:    "b-2",
		Items: []Item{{Prompt: "zero"}, {Prompt: "one"}, {Prompt: "two"}},
		Model: ModelConfig{Model: "gpt-test"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p, err := c.Poll(ctx, Handle{ID: id, Count: 3})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if p.Status != StatusSucceeded || len(p.Results) != 3 {
		t.Fatalf("poll=%+v, want succeeded with 3 results", p)
	}
	if p.Results[0].Text != "<table>0</table>" || p.Results[2].Text != "<table>2</table>" {
		t.Fatalf("results=%+v", p.Results)
	}
	if !p.Results[1].Failed {
		t.Fatalf("result 1=%+v, want failed", p.Results[1])
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.deleted) != 1 {
		t.Fatalf("deleted=%v, want input file removed", mock.deleted)
	}
}

func TestDecodeOpenAIBatchOutput(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		`{"custom_id":"item-000001","response":{"status_code":200,"body":` + chatCompletionJSON("ok") + `}}`,
		``,
		`{"custom_id":"item-000000","response":{"status_code":429,"body":{}}}`,
		`{"custom_id":"item-000002","response":{"status_code":200,"body":` + chatCompletionJSON("  ") + `}}`,
	}, "\n")
	col := newCollector(4)
	n, err := decodeOpenAIBatchOutput(strings.NewReader(raw), col)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 3 {
		t.Fatalf("lines=%d, want 3", n)
	}
	got := col.finish()
	if got[1].Text != "ok" {
		t.Fatalf("result 1=%+v", got[1])
	}
	for _, i := range []int{0, 2, 3} {
		if !got[i].Failed {
			t.Fatalf("result %d=%+v, want failed", i, got[i])
		}
	}
}

func TestOpenAISync_Completes(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		mu.Lock()
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletionJSON("re:"+req.Messages[0].Content))
	}))
	t.Cleanup(srv.Close)

	c := NewOpenAISync(SyncOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Workers: 2, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	b := Batch{Items: []Item{{Prompt: "a"}, {Prompt: "b"}, {Prompt: "c"}}, Model: ModelConfig{Model: "gpt-test"}}
	id, err := c.Submit(ctx, b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var p Poll
	for i := 0; i < 500; i++ {
		p, err = c.Poll(ctx, Handle{ID: id, Count: 3})
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if p.Status.Terminal() {
			break
		}
		waitBriefly()
	}
	if p.Status != StatusSucceeded {
		t.Fatalf("status=%s, want succeeded", p.Status)
	}
	for i, want := range []string{"re:a", "re:b", "re:c"} {
		if p.Results[i].Text != want {
			t.Fatalf("result %d=%q, want %q", i, p.Results[i].Text, want)
		}
	}

	c.mu.Lock()
	left := len(c.jobs)
	c.mu.Unlock()
	if left != 0 {
		t.Fatalf("jobs=%d after terminal poll, want 0", left)
	}

	unknown, err := c.Poll(ctx, Handle{ID: "sync_missing", Count: 1})
	if err != nil {
		t.Fatalf("Poll unknown: %v", err)
	}
	if unknown.Status != StatusFailed {
		t.Fatalf("unknown job status=%s, want failed", unknown.Status)
	}
}

func waitBriefly() { time.Sleep(10 * time.Millisecond) }
