// Package batch drives resumable table generation through an asynchronous job API.
//
// A run reserves a contiguous range of output indices. Prompts for the unfinished indices are
// grouped into batches, submitted, polled with backoff and materialized in submission order.
// Every state change is written to the store first, so a crash or cancellation can resume.
package batch

import (
	"encoding/json"

	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/genjob"
	"github.com/floegence/tablesynth/internal/prompt"
)

// RequestItem is one prompt bound to the output slot its result will fill.
type RequestItem struct {
	Slot int
	Spec prompt.Spec
}

// Request is one batch submission. Item order is the result mapping.
type Request struct {
	ID    string
	Items []RequestItem
	Model genjob.ModelConfig
}

// PromptSource yields a fresh prompt for an output slot and attempt.
type PromptSource interface {
	Next(slot int, attempt int) (prompt.Spec, error)
}

// Build assembles a request. More than maxItems items is an error; callers split first.
func Build(id string, items []RequestItem, model genjob.ModelConfig, maxItems int) (Request, error) {
	if maxItems > 0 && len(items) > maxItems {
		return Request{}, &faults.BatchTooLargeError{Items: len(items), Max: maxItems}
	}
	return Request{ID: id, Items: append([]RequestItem(nil), items...), Model: model}, nil
}

func (r Request) job() genjob.Batch {
	b := genjob.Batch{ID: r.ID, Model: r.Model, Items: make([]genjob.Item, 0, len(r.Items))}
	for _, it := range r.Items {
		b.Items = append(b.Items, genjob.Item{Prompt: it.Spec.Text})
	}
	return b
}

func specJSON(s prompt.Spec) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw)
}

// chunk splits items into groups of at most size.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
