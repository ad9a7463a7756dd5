// Package backoff computes retry delays for re-enqueued tasks.
package backoff

import (
	"errors"
	"math/rand"
	"time"
)

// Period is the time unit a delay is expressed in.
type Period string

// Policy selects how the delay grows with the attempt count.
type Policy string

const (
	PeriodSeconds Period = "seconds"
	PeriodMinutes Period = "minutes"

	// Exponential grows base*2^attempt; Linear grows base+factor*attempt;
	// Static is factor flat regardless of attempt (polling cadences).
	Exponential Policy = "exponential"
	Linear      Policy = "linear"
	Static      Policy = "static"
)

// base is the seed for exponential and linear delays, in period units.
const base = 5

var (
	ErrInvalidPeriod = errors.New("backoff: invalid period")
	ErrInvalidPolicy = errors.New("backoff: invalid policy")
	ErrAttempt       = errors.New("backoff: attempt must be greater than zero")
)

// Jitter returns a value in [0, 1.0), added to the delay in period units to
// avoid thundering herds. Inject a fixed source in tests.
type Jitter func() float64

// Delay computes the wait before the given retry attempt. It is pure apart
// from the jitter source; nil jitter uses math/rand.
func Delay(attempt int, period Period, policy Policy, factor float64, jitter Jitter) (time.Duration, error) {
	if attempt <= 0 {
		return 0, ErrAttempt
	}
	if jitter == nil {
		jitter = rand.Float64
	}

	var unit time.Duration
	switch period {
	case PeriodSeconds:
		unit = time.Second
	case PeriodMinutes:
		unit = time.Minute
	default:
		return 0, ErrInvalidPeriod
	}

	var units float64
	switch policy {
	case Exponential:
		units = base * float64(int64(1)<<uint(attempt))
	case Linear:
		units = base + factor*float64(attempt)
	case Static:
		units = factor
	default:
		return 0, ErrInvalidPolicy
	}

	units += jitter()
	return time.Duration(units * float64(unit)), nil
}
