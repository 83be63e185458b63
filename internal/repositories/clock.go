package repositories

import "time"

// Clock is injected into the in-memory stores so tests can move time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
