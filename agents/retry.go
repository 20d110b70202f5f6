package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Retry wraps an Adapter with a bounded retry policy for transient
	// failures. Non-transient errors and context cancellation fail
	// immediately.
	Retry struct {
		next     Adapter
		attempts int
		backoff  time.Duration
		sleep    func(ctx context.Context, d time.Duration) error
	}

	// RetryOptions configures a Retry wrapper.
	RetryOptions struct {
		// Attempts is the total number of tries. Defaults to 2.
		Attempts int
		// Backoff is the pause between tries. Defaults to 60s.
		Backoff time.Duration
	}
)

// NewRetry wraps next with the retry policy.
func NewRetry(next Adapter, opts RetryOptions) (*Retry, error) {
	if next == nil {
		return nil, errors.New("adapter is required")
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 60 * time.Second
	}
	return &Retry{next: next, attempts: attempts, backoff: backoff, sleep: sleepCtx}, nil
}

// Plan implements Adapter.
func (r *Retry) Plan(ctx context.Context, query, guidance string) (json.RawMessage, error) {
	var out json.RawMessage
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.next.Plan(ctx, query, guidance)
		return err
	})
	return out, err
}

// Research implements Adapter.
func (r *Retry) Research(ctx context.Context, planPayload json.RawMessage, guidance string) (json.RawMessage, error) {
	var out json.RawMessage
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.next.Research(ctx, planPayload, guidance)
		return err
	})
	return out, err
}

// Supplement implements Adapter.
func (r *Retry) Supplement(ctx context.Context, researchPayload json.RawMessage, guidance string) (json.RawMessage, error) {
	var out json.RawMessage
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.next.Supplement(ctx, researchPayload, guidance)
		return err
	})
	return out, err
}

// Report implements Adapter.
func (r *Retry) Report(ctx context.Context, researchPayload json.RawMessage) (string, error) {
	var out string
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.next.Report(ctx, researchPayload)
		return err
	})
	return out, err
}

func (r *Retry) do(ctx context.Context, call func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = call(ctx)
		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) || attempt == r.attempts {
			return lastErr
		}
		if err := r.sleep(ctx, r.backoff); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient()
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
