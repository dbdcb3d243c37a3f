package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetryDelay is used when a policy retries but sets no delay.
const DefaultRetryDelay = 60 * time.Second

// RetryPolicy applies to the fetch step and to each sink write.
type RetryPolicy struct {
	// Attempts is the total number of tries; values below 1 mean 1.
	Attempts int
	// Delay is the pause between tries.
	Delay time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retry calls fn up to policy.Attempts times. Errors for which retryable
// returns false end the loop immediately. It returns the number of attempts
// made and the last error.
func retry(ctx context.Context, policy RetryPolicy, sleep Sleeper, log zerolog.Logger, op string,
	retryable func(error) bool, fn func(context.Context) error) (int, error) {
	n := policy.attempts()
	var err error
	for attempt := 1; attempt <= n; attempt++ {
		err = fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msgf("%s succeeded after retry", op)
			}
			return attempt, nil
		}
		if !retryable(err) {
			log.Error().Err(err).Int("attempt", attempt).Msgf("%s failed with non-retryable error", op)
			return attempt, err
		}
		if attempt == n {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("attempts", n).Dur("delay", policy.Delay).
			Msgf("%s failed, retrying", op)
		if serr := sleep(ctx, policy.Delay); serr != nil {
			return attempt, fmt.Errorf("%w (retry aborted: %v)", err, serr)
		}
	}
	log.Error().Err(err).Int("attempts", n).Msgf("%s failed, giving up", op)
	return n, err
}
