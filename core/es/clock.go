package es

import "time"

// Clock supplies the current time. Injectable so tests and replays can be
// deterministic; defaults to time.Now.
type Clock func() time.Time

func systemClock() time.Time { return time.Now() }
