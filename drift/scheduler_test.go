package drift_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360studio/fnpatch/drift"
)

type countingChecker struct {
	calls atomic.Int32
	err   error
}

func (c *countingChecker) Check(ctx context.Context) (*drift.CheckResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &drift.CheckResult{Tag: "2025.9.1"}, nil
}

func TestScheduler_RunOnStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	checker := &countingChecker{}
	done := make(chan struct{}, 1)
	s, err := drift.NewScheduler(checker, "@every 1h",
		drift.WithRunOnStart(),
		drift.WithRunHook(func(*drift.CheckResult, error) { done <- struct{}{} }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("check did not run on start")
	}
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, int32(1), checker.calls.Load())
	results := s.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "2025.9.1", results[0].Tag)
}

func TestScheduler_FailedCheckKeepsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	checker := &countingChecker{err: errors.New("fetch failed")}
	var hookErr atomic.Value
	done := make(chan struct{}, 1)
	s, err := drift.NewScheduler(checker, "@every 1h",
		drift.WithRunOnStart(),
		drift.WithRunHook(func(_ *drift.CheckResult, err error) {
			hookErr.Store(err)
			done <- struct{}{}
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("check did not run on start")
	}
	cancel()
	require.NoError(t, <-errCh)

	assert.EqualError(t, hookErr.Load().(error), "fetch failed")
	assert.Empty(t, s.Results())
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	_, err := drift.NewScheduler(&countingChecker{}, "every tuesday")
	assert.Error(t, err)

	s, err := drift.NewScheduler(&countingChecker{}, "")
	require.NoError(t, err)
	assert.NotNil(t, s)
}
