package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"config", Configf("num_prompts", "must be > 0"), "configuration"},
		{"too large", &BatchTooLargeError{Items: 5, Max: 2}, "batch_too_large"},
		{"job wrapped", fmt.Errorf("run: %w", &ExternalJobFailure{BatchID: "b", Status: "expired"}), "external_job"},
		{"item", &ItemGenerationFailure{Slot: 1, Attempt: 0, Reason: "filtered"}, "item_generation"},
		{"conflict", fmt.Errorf("x.png: %w", ErrArtifactConflict), "artifact_conflict"},
		{"render", &RenderFailure{Source: "a.html", Err: errors.New("boom")}, "render"},
		{"strip", &StripFailure{Source: "a.html", Err: errors.New("no table")}, "strip"},
		{"other", errors.New("x"), "other"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Kind(tc.err); got != tc.want {
				t.Fatalf("Kind=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestTally(t *testing.T) {
	t.Parallel()

	var tl Tally
	tl.Add(nil)
	tl.Add(&RenderFailure{Source: "a", Err: errors.New("x")})
	tl.Add(&RenderFailure{Source: "b", Err: errors.New("y")})
	tl.Add(&StripFailure{Source: "c", Err: errors.New("z")})

	if got := tl.Count("render"); got != 2 {
		t.Fatalf("render=%d, want 2", got)
	}
	if got := tl.Total(); got != 3 {
		t.Fatalf("Total=%d, want 3", got)
	}
	if got := tl.String(); got != "render=2 strip=1" {
		t.Fatalf("String=%q", got)
	}
}

func TestConfigurationErrorMessage(t *testing.T) {
	t.Parallel()

	err := Configf("theme_weights[2]", "weight %v must be > 0", -1.0)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	if cfgErr.Field != "theme_weights[2]" {
		t.Fatalf("Field=%q", cfgErr.Field)
	}
	if err.Error() != "invalid configuration: theme_weights[2]: weight -1 must be > 0" {
		t.Fatalf("Error=%q", err.Error())
	}
}
