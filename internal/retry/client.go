// Package retry wraps flaky gateway calls with bounded retries. The local
// gateway drops sessions and rate-limits bursts, so most failures clear on a
// short backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/hfujimori/covercall/internal/broker"
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

type Client struct {
	logger *log.Logger
	config Config
}

func NewClient(logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	return &Client{
		logger: logger,
		config: cfg,
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Do runs op until it succeeds, fails permanently, or the retry window
// closes. name labels the operation in logs.
func (c *Client) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		}
		select {
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out after %v: %w", name, c.config.Timeout, opCtx.Err())
		default:
		}

		err := op(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("%s succeeded on attempt %d", name, attempt+1)
			}
			return nil
		}
		lastErr = err
		c.logger.Printf("%s attempt %d/%d failed: %v", name, attempt+1, c.config.MaxRetries+1, err)

		if !IsTransient(err) || attempt == c.config.MaxRetries {
			break
		}
		c.logger.Printf("Transient error, retrying %s in %v", name, backoff)
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", name, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", name, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransient classifies an error as worth retrying. Auth failures are not:
// the gateway needs a human to log back in.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, broker.ErrNotAuthenticated) {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
