package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestApproved(t *testing.T) {
	s := NewMemoryStore(time.Minute)

	type outcome struct {
		dec Decision
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		dec, err := s.Request(context.Background(), "run-1", "u1", "deploy", map[string]any{"env": "prod"})
		ch <- outcome{dec, err}
	}()

	// Wait for the request to appear, then resolve it.
	var id string
	require.Eventually(t, func() bool {
		p := s.Pending()
		if len(p) != 1 {
			return false
		}
		id = p[0].ID
		return true
	}, time.Second, 5*time.Millisecond)

	s.Resolve(id, true, "looks good", "alice")

	got := <-ch
	require.NoError(t, got.err)
	assert.True(t, got.dec.Approved)
	assert.Equal(t, "looks good", got.dec.Reason)
	assert.Equal(t, "alice", got.dec.DecidedBy)

	assert.Empty(t, s.Pending(), "resolved request is removed")
}

func TestRequestTimeoutIsRejection(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	dec, err := s.Request(context.Background(), "run-1", "u1", "deploy", nil)
	require.NoError(t, err)
	assert.False(t, dec.Approved)
	assert.Contains(t, dec.Reason, "timed out")
}

func TestRequestCancellation(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Request(ctx, "run-1", "u1", "deploy", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolveUnknownIDIgnored(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	s.Resolve("nope", true, "", "") // must not panic
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, tool := range []string{"a", "b", "c"} {
		tool := tool
		go func() { _, _ = s.Request(ctx, "run", "u", tool, nil) }()
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(s.Pending()) == 3 }, time.Second, 5*time.Millisecond)

	p := s.Pending()
	assert.True(t, p[0].CreatedAt.Before(p[2].CreatedAt) || p[0].CreatedAt.Equal(p[2].CreatedAt))
}
