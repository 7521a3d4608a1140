// Package faults defines the error taxonomy shared by the generation, render and label stages.
//
// Fatal errors (ConfigurationError, BatchTooLargeError) stop the current operation. Soft errors
// (ExternalJobFailure, ItemGenerationFailure, RenderFailure, StripFailure) are recorded and the
// stage moves on; Tally aggregates them for the end-of-run summary.
package faults

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrArtifactConflict indicates that an output path already holds an artifact produced by a
// different mode (for example a raw capture where an augmented image is expected).
var ErrArtifactConflict = errors.New("artifact conflict")

// ConfigurationError reports invalid weights, counts or other settings.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if strings.TrimSpace(e.Field) == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigurationError for field.
func Configf(field string, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// BatchTooLargeError is returned when a batch request exceeds the items-per-batch ceiling.
// The caller is expected to split the request.
type BatchTooLargeError struct {
	Items int
	Max   int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch too large: %d items (max %d)", e.Items, e.Max)
}

// ExternalJobFailure is a job-level failure or expiry. State is persisted before it is returned
// and the run can be resumed later.
type ExternalJobFailure struct {
	BatchID    string
	ExternalID string
	Status     string
	Err        error
}

func (e *ExternalJobFailure) Error() string {
	msg := fmt.Sprintf("external job %s (%s) ended %s", e.BatchID, e.ExternalID, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalJobFailure) Unwrap() error { return e.Err }

// ItemGenerationFailure describes one prompt slot that produced no usable output.
type ItemGenerationFailure struct {
	Slot    int
	Attempt int
	Reason  string
}

func (e *ItemGenerationFailure) Error() string {
	return fmt.Sprintf("slot %d attempt %d failed: %s", e.Slot, e.Attempt, e.Reason)
}

// RenderFailure wraps a rasterization error for a single source file.
type RenderFailure struct {
	Source string
	Err    error
}

func (e *RenderFailure) Error() string {
	return fmt.Sprintf("render %s: %v", e.Source, e.Err)
}

func (e *RenderFailure) Unwrap() error { return e.Err }

// StripFailure wraps a label extraction error for a single source file.
type StripFailure struct {
	Source string
	Err    error
}

func (e *StripFailure) Error() string {
	return fmt.Sprintf("strip %s: %v", e.Source, e.Err)
}

func (e *StripFailure) Unwrap() error { return e.Err }

// Kind returns a short stable name for err, used as the Tally key.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var (
		cfgErr    *ConfigurationError
		tooLarge  *BatchTooLargeError
		jobErr    *ExternalJobFailure
		itemErr   *ItemGenerationFailure
		renderErr *RenderFailure
		stripErr  *StripFailure
	)
	switch {
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &tooLarge):
		return "batch_too_large"
	case errors.As(err, &jobErr):
		return "external_job"
	case errors.As(err, &itemErr):
		return "item_generation"
	case errors.Is(err, ErrArtifactConflict):
		return "artifact_conflict"
	case errors.As(err, &renderErr):
		return "render"
	case errors.As(err, &stripErr):
		return "strip"
	default:
		return "other"
	}
}

// Tally counts soft failures by kind. Safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func (t *Tally) Add(err error) {
	if t == nil || err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[string]int)
	}
	t.counts[Kind(err)]++
}

func (t *Tally) Count(kind string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[kind]
}

func (t *Tally) Total() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}

// String renders counts as "kind=n" pairs in key order.
func (t *Tally) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.counts))
	for k := range t.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, t.counts[k]))
	}
	return strings.Join(parts, " ")
}
