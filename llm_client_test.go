package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// scriptedLLM fails the first failures calls and succeeds afterwards
type scriptedLLM struct {
	failures  int
	calls     int
	callDelay time.Duration
}

func (m *scriptedLLM) next(ctx context.Context) error {
	if m.callDelay > 0 {
		time.Sleep(m.callDelay)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.calls++
	if m.calls <= m.failures {
		return errors.New("mock error")
	}
	return nil
}

func (m *scriptedLLM) Call(ctx context.Context, _ string, _ ...llms.CallOption) (string, error) {
	if err := m.next(ctx); err != nil {
		return "", err
	}
	return "mock response", nil
}

func (m *scriptedLLM) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := m.next(ctx); err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "mock content response"}}}, nil
}

// fastRetries keeps the retry tests short
func fastRetries(llm llms.Model, maxRetries int) *RateLimitedLLM {
	r := NewRateLimitedLLM(llm, RateLimitConfig{MaxRetries: maxRetries, BackoffMaxWait: 20 * time.Millisecond})
	r.backoffMin = 5 * time.Millisecond
	return r
}

func TestRateLimitedLLM_Call_Success(t *testing.T) {
	mock := &scriptedLLM{}
	response, err := fastRetries(mock, 3).Call(context.Background(), "test prompt")

	assert.NoError(t, err)
	assert.Equal(t, "mock response", response)
	assert.Equal(t, 1, mock.calls, "Should have made exactly one call")
}

func TestRateLimitedLLM_Call_Error(t *testing.T) {
	mock := &scriptedLLM{failures: 10}
	response, err := fastRetries(mock, 3).Call(context.Background(), "test prompt")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "all retry attempts failed")
	assert.Equal(t, "", response)
	assert.Equal(t, 4, mock.calls, "Should have made 1 initial + 3 retry calls")
}

func TestRateLimitedLLM_GenerateContent_EventualSuccess(t *testing.T) {
	mock := &scriptedLLM{failures: 2}
	message := llms.TextParts(llms.ChatMessageTypeHuman, "test message")

	response, err := fastRetries(mock, 3).GenerateContent(context.Background(), []llms.MessageContent{message})

	require.NoError(t, err)
	assert.Equal(t, "mock content response", response.Choices[0].Content)
	assert.Equal(t, 3, mock.calls, "Should have made 3 calls total (2 failures + 1 success)")
}

func TestRateLimitedLLM_NoRetries(t *testing.T) {
	mock := &scriptedLLM{failures: 1}
	r := NewRateLimitedLLM(mock, RateLimitConfig{})
	r.maxRetries = 0

	_, err := r.GenerateContent(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "mock error", err.Error())
	assert.Equal(t, 1, mock.calls)
}

func TestRateLimitedLLM_ContextCancellation(t *testing.T) {
	mock := &scriptedLLM{failures: 10, callDelay: 50 * time.Millisecond}
	r := NewRateLimitedLLM(mock, RateLimitConfig{MaxRetries: 3, BackoffMaxWait: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Call(ctx, "test prompt")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "backoff must stop when the context ends")
}

func TestRateLimitedLLM_RateLimiting(t *testing.T) {
	mock := &scriptedLLM{}
	r := NewRateLimitedLLM(mock, RateLimitConfig{RequestsPerMinute: 600}) // 10 per second

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := r.Call(context.Background(), "test prompt")
		require.NoError(t, err)
	}

	// First call is immediate, the next two wait 100ms each
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	assert.Equal(t, 3, mock.calls)
}

func TestRateLimitedLLM_Backoff(t *testing.T) {
	r := NewRateLimitedLLM(&scriptedLLM{}, RateLimitConfig{BackoffMaxWait: 4 * time.Second})

	for attempt, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		got := r.backoff(attempt)
		assert.GreaterOrEqual(t, got, time.Duration(float64(base)*0.8))
		assert.LessOrEqual(t, got, time.Duration(float64(base)*1.2))
	}

	// Large attempts do not overflow into negative durations
	assert.Positive(t, r.backoff(80))
}
