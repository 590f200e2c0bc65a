// Package retry retries transient broker failures with jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/sirupsen/logrus"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs fn until it succeeds, returns a non-transient error, or the retry
// budget is spent. A rate-limit error waits for its RetryAfter instead of the
// computed backoff.
func Do[T any](ctx context.Context, cfg Config, logger logrus.FieldLogger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	backoff := NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			if ctx.Err() != nil {
				return zero, fmt.Errorf("%s canceled: %w", op, ctx.Err())
			}
			return zero, fmt.Errorf("%s timed out after %v: %w", op, cfg.Timeout, err)
		}

		res, err := fn(opCtx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !IsTransientError(err) || attempt == cfg.MaxRetries {
			break
		}

		wait := backoff.Next()
		var rl *broker.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
		}
		logger.WithFields(logrus.Fields{"op": op, "attempt": attempt + 1, "wait": wait}).
			WithError(err).Warn("transient error, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-opCtx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s interrupted during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

// Backoff produces growing, jittered delays capped at a maximum.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a Backoff starting at initial.
func NewBackoff(initial, maxBackoff time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if maxBackoff < initial {
		maxBackoff = initial
	}
	return &Backoff{initial: initial, max: maxBackoff}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
		return b.current
	}
	b.current = calculateNextBackoff(b.current, b.max)
	return b.current
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() { b.current = 0 }

func calculateNextBackoff(currentBackoff, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransientError reports whether err is worth retrying: rate limits, 5xx
// responses, network failures and well-known transient messages.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var rl *broker.RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
