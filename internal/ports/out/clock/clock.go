package clock

import "time"

// Clock provides time to the application.
// Lifecycle tests drive document dates through a controllable implementation.
type Clock interface {
	Now() time.Time
}

// Today returns the current date (midnight UTC) according to c.
func Today(c Clock) time.Time {
	y, m, d := c.Now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
