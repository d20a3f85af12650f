package dispatch

import "time"

// Clock abstracts the current time so tests can move across day boundaries.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
