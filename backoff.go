package pulse

import (
	"math"
	"math/rand"
	"time"
)

// retryPolicy bounds the client reconnection loop.
type retryPolicy struct {
	Base       time.Duration // delay before the first retry, pre-jitter
	Max        time.Duration // cap on the exponential term
	MaxRetries int           // consecutive failed retries before giving up
}

var defaultRetryPolicy = retryPolicy{
	Base:       1 * time.Second,
	Max:        30 * time.Second,
	MaxRetries: 10,
}

// delay computes the backoff before retry attempt n (0-indexed): the base
// delay doubled n times, capped at Max, plus jitter. The jitter term
// desynchronizes many clients reconnecting after a shared outage.
func (p retryPolicy) delay(n int, jitter func() time.Duration) time.Duration {
	d := time.Duration(math.Min(
		float64(p.Base)*math.Pow(2, float64(n)),
		float64(p.Max),
	))
	return d + jitter()
}

// defaultJitter draws uniformly from [0, 1s).
func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(time.Second)))
}
