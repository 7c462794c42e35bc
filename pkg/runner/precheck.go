package runner

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cuemby/warren/pkg/health"
	"github.com/cuemby/warren/pkg/log"
)

// precheckDatabase dials the configured DATABASE_URL's host:port with
// exponential backoff (baseDelay * 2^attempt) before the Runner commits to
// opening a full pgx pool against it, so a database that is merely slow to
// accept connections at boot (common right after a container restart)
// doesn't fail the whole process on the first try.
func precheckDatabase(ctx context.Context, databaseURL string, attempts int, baseDelay time.Duration) error {
	logger := log.WithComponent("runner")

	u, err := url.Parse(databaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	checker := health.NewTCPChecker(u.Host).WithTimeout(5 * time.Second)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result := checker.Check(ctx)
		if result.Healthy {
			logger.Info().Int("attempt", attempt+1).Msg("database precheck succeeded")
			return nil
		}
		lastErr = fmt.Errorf("%s", result.Message)
		logger.Warn().Int("attempt", attempt+1).Int("max_attempts", attempts).Err(lastErr).Msg("database precheck failed")

		if attempt == attempts-1 {
			break
		}
		delay := baseDelay << attempt
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("database unreachable after %d attempts: %w", attempts, lastErr)
}
