package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

// RateLimitedLLM wraps an LLM client with rate limiting and retry capabilities
type RateLimitedLLM struct {
	llm         llms.Model
	rateLimiter *rate.Limiter
	maxRetries  int
	backoffMin  time.Duration
	backoffMax  time.Duration
}

// RateLimitConfig holds configuration for rate limiting and retries
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum number of requests allowed per minute
	// If 0 or negative, no rate limiting is applied
	RequestsPerMinute float64

	// MaxRetries is the maximum number of retry attempts
	// Defaults to 3 if 0 or negative
	MaxRetries int

	// BackoffMaxWait is the maximum wait time between retries
	// Defaults to 30 seconds if not specified
	BackoffMaxWait time.Duration
}

// NewRateLimitedLLM creates a new rate-limited LLM client
func NewRateLimitedLLM(llm llms.Model, config RateLimitConfig) *RateLimitedLLM {
	var limiter *rate.Limiter
	if config.RequestsPerMinute > 0 {
		// Convert requests per minute to requests per second, burst size of 1
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerMinute/60.0), 1)
	}

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	backoffMax := config.BackoffMaxWait
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}

	return &RateLimitedLLM{
		llm:         llm,
		rateLimiter: limiter,
		maxRetries:  maxRetries,
		backoffMin:  1 * time.Second,
		backoffMax:  backoffMax,
	}
}

// Call implements the llms.Model interface
func (r *RateLimitedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	var response string
	err := r.do(ctx, func() error {
		var err error
		response, err = r.llm.Call(ctx, prompt, options...)
		return err
	})
	return response, err
}

// GenerateContent implements the llms.Model interface with rate limiting and retries
func (r *RateLimitedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var resp *llms.ContentResponse
	err := r.do(ctx, func() error {
		var err error
		resp, err = r.llm.GenerateContent(ctx, messages, options...)
		return err
	})
	return resp, err
}

// do waits for the rate limiter once and retries fn with exponential backoff and jitter
func (r *RateLimitedLLM) do(ctx context.Context, fn func() error) error {
	if r.rateLimiter != nil {
		if err := r.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries {
			if attempt > 0 {
				return fmt.Errorf("all retry attempts failed, last error: %w", err)
			}
			return err
		}

		backoff := r.backoff(attempt)
		log.Warnf("LLM request failed (attempt %d/%d), retrying in %v: %v", attempt+1, r.maxRetries+1, backoff.Round(time.Millisecond), err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// backoff doubles from backoffMin up to backoffMax and adds +/- 20% jitter
func (r *RateLimitedLLM) backoff(attempt int) time.Duration {
	backoff := r.backoffMin * time.Duration(1<<uint(attempt))
	if backoff > r.backoffMax || backoff <= 0 {
		backoff = r.backoffMax
	}
	return time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
}
