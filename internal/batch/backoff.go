package batch

import (
	"context"
	"time"
)

// Backoff shapes the delay between polls of one job.
type Backoff struct {
	Initial      time.Duration `yaml:"initial"`
	Cap          time.Duration `yaml:"cap"`
	Factor       float64       `yaml:"factor"`
	MaxTotalWait time.Duration `yaml:"max_total_wait"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      5 * time.Second,
		Cap:          5 * time.Minute,
		Factor:       1.8,
		MaxTotalWait: 24 * time.Hour,
	}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Cap <= 0 {
		b.Cap = d.Cap
	}
	if b.Cap < b.Initial {
		b.Cap = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.MaxTotalWait <= 0 {
		b.MaxTotalWait = d.MaxTotalWait
	}
	return b
}

// Delay returns the wait after the nth poll (0-based): Initial * Factor^n, capped.
func (b Backoff) Delay(n int) time.Duration {
	b = b.normalized()
	if n < 0 {
		n = 0
	}
	d := float64(b.Initial) * pow(b.Factor, n)
	if d > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
		if out > 1e12 {
			break
		}
	}
	return out
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
