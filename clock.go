package relay

import "time"

// Clock is the time source of every job. Tests substitute a fixed or stepping clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock {
	return systemClock{}
}
