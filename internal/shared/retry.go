package shared

import (
	"context"
	"time"
)

// RetryPolicy bounds RetryOnConflict.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times: 100ms, 200ms, 400ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs fn until it succeeds, returns an error that retryable
// rejects, or the attempts run out. Delay doubles between attempts. The last
// error is returned unchanged.
func RetryOnConflict(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for i := 0; i < p.Attempts; i++ {
		err = fn()
		if err == nil || !retryable(err) || i == p.Attempts-1 {
			return err
		}
		t := time.NewTimer(p.BaseDelay * time.Duration(1<<i))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
