package transport

import (
	"time"

	"github.com/jpillora/backoff"
)

// NewReconnectBackoff builds the backoff policy described by the
// RECONNECT_BACKOFF config value: exponential from min to max. Ring
// membership (internal/robot, internal/screen) holds one of these per
// neighbor link and discards it on every successful (re)connection, so
// the next failure starts back at Min.
func NewReconnectBackoff(min, max time.Duration) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    min,
		Max:    max,
		Factor: 2,
		Jitter: true,
	}
}
