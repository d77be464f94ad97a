package providers

import (
	"context"
	"time"
)

// BaseProvider holds fields common to both adapters: the API key
// resolved from the environment and the wire model name. Adapted from
// BaseProvider.
type BaseProvider struct {
	APIKey string
	Model string
}

// Retry runs fn up to attempts times with linear backoff, stopping
// early if ctx is cancelled. Adapted from the prior implementation's
// BaseProvider.Retry; the loop itself never auto-retries LLM calls
//, so this is used only for transient transport hiccups
// inside a single adapter call, not across loop iterations.
func (BaseProvider) Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff * time.Duration(i+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
