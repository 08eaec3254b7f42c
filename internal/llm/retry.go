package llm

import (
	"context"
	"time"
)

const (
	maxRetries       = 2
	retryBackoffBase = 250 * time.Millisecond
)

// CallWithRetry wraps Client.Call with bounded retries for transient
// upstream failures: at most two re-attempts, exponential backoff starting
// at 250ms, same messages each time. Permanent errors and cancellation
// return immediately. Streaming calls that already emitted chunks are not
// retried; the caller would see duplicated tokens.
func CallWithRetry(ctx context.Context, client Client, messages []Message, opts CallOptions) (string, Stats, error) {
	var total Stats

	emitted := false
	if opts.Stream && opts.OnChunk != nil {
		inner := opts.OnChunk
		opts.OnChunk = func(chunk string) {
			emitted = true
			inner(chunk)
		}
	}

	var text string
	var err error
	for attempt := 0; ; attempt++ {
		var stats Stats
		text, stats, err = client.Call(ctx, messages, opts)
		total.Add(stats)
		if err == nil {
			return text, total, nil
		}
		if attempt >= maxRetries || !IsRetryable(err) || emitted {
			return text, total, err
		}

		backoff := retryBackoffBase << attempt
		select {
		case <-ctx.Done():
			return text, total, ErrCanceled
		case <-time.After(backoff):
		}
	}
}
