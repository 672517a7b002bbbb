// Package clock abstracts the time source used to stamp stored epoch
// secrets, so tests can substitute a fixed time.
package clock

import "time"

type Clock interface {
	CurrentTimeMs() uint64
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
