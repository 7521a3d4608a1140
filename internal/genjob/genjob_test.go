package genjob

import (
	"context"
	"strings"
	"testing"
)

func TestCustomIDRoundTrip(t *testing.T) {
	t.Parallel()

	for _, pos := range []int{0, 7, 999999} {
		got, ok := ParsePosition(CustomID(pos))
		if !ok || got != pos {
			t.Fatalf("ParsePosition(CustomID(%d))=%d,%v", pos, got, ok)
		}
	}
	for _, bad := range []string{"", "item-", "item-x", "req-1", "item--1"} {
		if _, ok := ParsePosition(bad); ok {
			t.Fatalf("ParsePosition(%q) ok, want rejected", bad)
		}
	}
}

func TestCollector_MissingAndDuplicate(t *testing.T) {
	t.Parallel()

	c := newCollector(3)
	if !c.set(CustomID(2), Result{Text: "c"}) {
		t.Fatalf("set position 2 rejected")
	}
	if c.set(CustomID(2), Result{Text: "dup"}) {
		t.Fatalf("duplicate accepted")
	}
	if c.set(CustomID(5), Result{Text: "out of range"}) {
		t.Fatalf("out of range accepted")
	}
	c.set(CustomID(0), Result{Text: "a"})
	got := c.finish()
	if got[0].Text != "a" || got[2].Text != "c" {
		t.Fatalf("results=%+v", got)
	}
	if !got[1].Failed {
		t.Fatalf("missing position not failed: %+v", got[1])
	}
}

func TestFake_OrderPreservedUnderShuffle(t *testing.T) {
	t.Parallel()

	f := &Fake{
		PollsUntilDone: 2,
		Seed:           9,
		Respond: func(p string) (string, bool) {
			if strings.HasSuffix(p, "fail") {
				return "", false
			}
			return "echo:" + p, true
		},
	}
	b := Batch{ID: "b1"}
	for _, p := range []string{"p0", "p1", "p2-fail", "p3", "p4", "p5"} {
		b.Items = append(b.Items, Item{Prompt: p})
	}
	ctx := context.Background()
	id, err := f.Submit(ctx, b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h := Handle{ID: id, Count: len(b.Items)}

	for i, want := range []Status{StatusPending, StatusRunning} {
		p, err := f.Poll(ctx, h)
		if err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
		if p.Status != want {
			t.Fatalf("poll %d status=%s, want %s", i, p.Status, want)
		}
	}
	p, err := f.Poll(ctx, h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if p.Status != StatusSucceeded || len(p.Results) != len(b.Items) {
		t.Fatalf("poll=%+v", p)
	}
	for i, r := range p.Results {
		if i == 2 {
			if !r.Failed {
				t.Fatalf("position 2 should fail: %+v", r)
			}
			continue
		}
		if r.Text != "echo:"+b.Items[i].Prompt {
			t.Fatalf("position %d text=%q", i, r.Text)
		}
	}
}

func TestFake_JobStatusOverride(t *testing.T) {
	t.Parallel()

	f := &Fake{JobStatus: func(n int) Status {
		if n == 0 {
			return StatusFailed
		}
		return StatusSucceeded
	}}
	ctx := context.Background()
	b := Batch{Items: []Item{{Prompt: "x"}}}
	id1, _ := f.Submit(ctx, b)
	id2, _ := f.Submit(ctx, b)
	p1, _ := f.Poll(ctx, Handle{ID: id1, Count: 1})
	p2, _ := f.Poll(ctx, Handle{ID: id2, Count: 1})
	if p1.Status != StatusFailed {
		t.Fatalf("first status=%s, want failed", p1.Status)
	}
	if p2.Status != StatusSucceeded {
		t.Fatalf("second status=%s, want succeeded", p2.Status)
	}
	if got := len(f.Submitted()); got != 2 {
		t.Fatalf("Submitted=%d, want 2", got)
	}
}

func TestNew_Providers(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Provider: "openai"}); err == nil {
		t.Fatalf("expected missing api key error")
	}
	if _, err := New(Options{Provider: "nope", APIKey: "k"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
	for _, p := range []string{ProviderOpenAI, ProviderAnthropic, ProviderOpenAISync} {
		c, err := New(Options{Provider: p, APIKey: "sk-test"})
		if err != nil {
			t.Fatalf("New(%s): %v", p, err)
		}
		if c.Name() != p {
			t.Fatalf("Name=%q, want %q", c.Name(), p)
		}
	}
	c, err := New(Options{Provider: ProviderFake})
	if err != nil || c.Name() != ProviderFake {
		t.Fatalf("fake: %v %v", c, err)
	}
}

func TestAnthropicBatchRequests(t *testing.T) {
	t.Parallel()

	temp := 0.0
	b := Batch{
		Items: []Item{{Prompt: "a"}, {Prompt: "b"}},
		Model: ModelConfig{Model: "claude-test", Temperature: &temp, TopK: 40, MaxOutputTokens: 2048},
	}
	reqs := anthropicBatchRequests(b)
	if len(reqs) != 2 {
		t.Fatalf("len=%d, want 2", len(reqs))
	}
	for i, r := range reqs {
		if r.CustomID != CustomID(i) {
			t.Fatalf("CustomID=%q, want %q", r.CustomID, CustomID(i))
		}
		if r.Params.MaxTokens != 2048 {
			t.Fatalf("MaxTokens=%d, want 2048", r.Params.MaxTokens)
		}
		if string(r.Params.Model) != "claude-test" {
			t.Fatalf("Model=%q", r.Params.Model)
		}
		if !r.Params.Temperature.Valid() || r.Params.Temperature.Value != 0 {
			t.Fatalf("Temperature=%+v, want explicit 0", r.Params.Temperature)
		}
		if r.Params.TopP.Valid() {
			t.Fatalf("TopP=%+v, want unset", r.Params.TopP)
		}
	}
}
