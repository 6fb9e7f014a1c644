package storage

import (
	"context"
	"strings"
	"time"
)

// RetryPolicy bounds lock-contention retries: Attempts tries in total, the
// wait before retry k being BaseDelay * 2^(k-1).
type RetryPolicy struct {
	Attempts  int           `json:"attempts" yaml:"attempts"`
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// Sleep is a seam for tests; nil means a context-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error `json:"-" yaml:"-"`
}

// DefaultRetry is 5 attempts starting at 100ms.
func DefaultRetry() RetryPolicy {
	return RetryPolicy{Attempts: 5, BaseDelay: 100 * time.Millisecond}
}

// Retry runs fn until it succeeds, fails with an error retryable does not
// accept, or the policy's attempts are used up. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) || i == attempts-1 {
			return err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lockMarkers are full driver phrases that identify transient contention
// when no typed error is available. Bare words like "busy" would also match
// column names quoted in permanent errors.
var lockMarkers = []string{
	"database is locked",
	"database table is locked",
	"database schema is locked",
	"deadlock detected",
	"was deadlocked",
	"lock timeout",
	"lock request time out",
	"could not obtain lock",
}

// IsLockMessage is the message-based fallback used by every backend.
func IsLockMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range lockMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
