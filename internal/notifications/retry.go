package notifications

import (
	"errors"
	"time"
)

// RetryPolicy is the single place that decides what happens after a failed
// send.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Backoff: DefaultRetryBackoff}
}

// Verdict is the policy's answer for one failed attempt.
type Verdict struct {
	Outcome    Outcome // OutcomeRetrying or OutcomeFailed
	RetryCount int
	NextAt     time.Time
	Permanent  bool
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidAddress)
}

// Next classifies a failed attempt on rec at now. Permanent failures end
// the record without consuming a retry.
func (p RetryPolicy) Next(rec *Record, err error, now time.Time) Verdict {
	if IsPermanent(err) {
		return Verdict{Outcome: OutcomeFailed, RetryCount: rec.RetryCount, Permanent: true}
	}
	limit := rec.MaxRetries
	if limit <= 0 {
		limit = p.MaxRetries
	}
	count := rec.RetryCount + 1
	if count >= limit {
		return Verdict{Outcome: OutcomeFailed, RetryCount: count}
	}
	return Verdict{Outcome: OutcomeRetrying, RetryCount: count, NextAt: now.Add(p.Backoff)}
}
