// retry.go - Shared retry logic with exponential backoff.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides exponential backoff for node acquisition and
// channel reconnects.
package retry

import (
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// Backoff tracks consecutive failures per key, and tells the caller when the
// next attempt for that key is allowed.  It is safe for concurrent use.
type Backoff struct {
	sync.Mutex

	base   time.Duration
	max    time.Duration
	jitter float64

	state map[string]*backoffState
}

type backoffState struct {
	attempts  int
	notBefore time.Time
}

// NewBackoff returns a Backoff using the given delay bounds.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		base:   base,
		max:    max,
		jitter: jitter,
		state:  make(map[string]*backoffState),
	}
}

// Allow returns true iff an attempt for key may be made at now.
func (b *Backoff) Allow(key string, now time.Time) bool {
	b.Lock()
	defer b.Unlock()
	s, ok := b.state[key]
	return !ok || !now.Before(s.notBefore)
}

// Failure records a failed attempt for key and returns the delay until the
// next one is allowed.
func (b *Backoff) Failure(key string, now time.Time) time.Duration {
	b.Lock()
	defer b.Unlock()
	s, ok := b.state[key]
	if !ok {
		s = new(backoffState)
		b.state[key] = s
	}
	d := Delay(b.base, b.max, b.jitter, s.attempts)
	s.attempts++
	s.notBefore = now.Add(d)
	return d
}

// Success clears the failure history of key.
func (b *Backoff) Success(key string) {
	b.Lock()
	defer b.Unlock()
	delete(b.state, key)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"broken pipe",
		"connection closed",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
