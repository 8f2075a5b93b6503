package resilience

import (
	"context"
	"strings"
)

// SingleShot is a plain, tool-free model call used by the fallback chain.
type SingleShot func(ctx context.Context, model string) (string, error)

// Fallback iterates alternate models after the primary path failed
// terminally. The first non-empty success wins; exhaustion returns the
// original error.
type Fallback struct {
	Models []string
}

// Attempt runs the chain. originalErr is returned unchanged when no
// alternate produces content. Cancellation aborts immediately.
func (f *Fallback) Attempt(ctx context.Context, call SingleShot, originalErr error, onAttempt func(model string, err error)) (string, error) {
	if f == nil || len(f.Models) == 0 {
		return "", originalErr
	}
	for _, model := range f.Models {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		content, err := call(ctx, model)
		if onAttempt != nil {
			onAttempt(model, err)
		}
		if err != nil {
			continue
		}
		if strings.TrimSpace(content) != "" {
			return content, nil
		}
	}
	return "", originalErr
}
