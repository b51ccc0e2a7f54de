package capability

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/studyforge-ai/studyforge/internal/domain"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// retryableStatus reports whether an HTTP status code is worth retrying.
func retryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// backoffFor calculates the exponential backoff for an attempt, capped.
func backoffFor(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}

// Do runs fn up to cfg.MaxRetries+1 times, sleeping with exponential backoff
// between attempts. Only transient errors are retried; any other error is
// returned as-is immediately. This is the single retry primitive every stage
// executor wraps its capability calls in.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return domain.TransientError("capability call cancelled", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return domain.TransientError("capability call cancelled", ctx.Err())
		case <-time.After(backoffFor(attempt, cfg)):
		}
	}

	// Retry budget exhausted: the transient failure is now terminal.
	return domain.PermanentError("capability call failed after retries", lastErr)
}
