package genjob

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Fake is an in-memory Client. It stores results shuffled and reassembles them by custom id
// on Poll, the same way the real batch backends do.
type Fake struct {
	// PollsUntilDone is the number of running polls before a job succeeds.
	PollsUntilDone int
	// Respond produces the text for one item; ok=false reports an item failure.
	// Nil returns a small HTML table.
	Respond func(prompt string) (text string, ok bool)
	// JobStatus overrides the terminal status of the nth submission (0-based).
	JobStatus func(submission int) Status
	// SubmitErr, when set, is returned by every Submit.
	SubmitErr error
	Seed      uint64

	mu      sync.Mutex
	jobs    map[string]*fakeJob
	batches []Batch
	polls   int
}

type fakeJob struct {
	submission int
	polls      int
	customIDs  []string
	shuffled   []Result
}

func (f *Fake) Name() string { return ProviderFake }

func (f *Fake) Submit(ctx context.Context, b Batch) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	if len(b.Items) == 0 {
		return "", errors.New("empty batch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = map[string]*fakeJob{}
	}
	n := len(f.batches)
	f.batches = append(f.batches, b)

	job := &fakeJob{submission: n}
	for i, it := range b.Items {
		job.customIDs = append(job.customIDs, CustomID(i))
		job.shuffled = append(job.shuffled, f.respond(it.Prompt))
	}
	rng := rand.New(rand.NewPCG(f.Seed, uint64(n)+1))
	rng.Shuffle(len(job.shuffled), func(i, j int) {
		job.shuffled[i], job.shuffled[j] = job.shuffled[j], job.shuffled[i]
		job.customIDs[i], job.customIDs[j] = job.customIDs[j], job.customIDs[i]
	})
	id := fmt.Sprintf("fake_%d", n+1)
	f.jobs[id] = job
	return id, nil
}

func (f *Fake) respond(prompt string) Result {
	if f.Respond == nil {
		return Result{Text: "```html\n<table><tr><th>k</th></tr><tr><td>v</td></tr></table>\n```"}
	}
	text, ok := f.Respond(prompt)
	if !ok {
		return Result{Failed: true, Error: "fake item failure"}
	}
	return Result{Text: text}
}

func (f *Fake) Poll(ctx context.Context, h Handle) (Poll, error) {
	if err := ctx.Err(); err != nil {
		return Poll{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	job, ok := f.jobs[strings.TrimSpace(h.ID)]
	if !ok {
		return Poll{Status: StatusFailed, Error: "unknown job " + h.ID}, nil
	}
	job.polls++
	if job.polls <= f.PollsUntilDone {
		if job.polls == 1 {
			return Poll{Status: StatusPending}, nil
		}
		return Poll{Status: StatusRunning}, nil
	}
	if f.JobStatus != nil {
		if st := f.JobStatus(job.submission); st != "" && st != StatusSucceeded {
			return Poll{Status: st, Error: "fake job " + string(st)}, nil
		}
	}
	col := newCollector(h.Count)
	for i, id := range job.customIDs {
		col.set(id, job.shuffled[i])
	}
	return Poll{Status: StatusSucceeded, Results: col.finish()}, nil
}

// Submitted returns a copy of every batch passed to Submit.
func (f *Fake) Submitted() []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Batch(nil), f.batches...)
}

// PollCount returns the total number of Poll calls.
func (f *Fake) PollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}
