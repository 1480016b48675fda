package engine

import "errors"

var (
	ErrStopped     = errors.New("engine stopped")
	ErrNoSlot      = errors.New("no free execution slot")
	ErrOverlapSkip = errors.New("job skipped: already running")
	ErrCircuitOpen = errors.New("job skipped: circuit breaker open")
)

// IsSkip reports whether err means the job was refused before it started.
func IsSkip(err error) bool {
	return errors.Is(err, ErrOverlapSkip) || errors.Is(err, ErrCircuitOpen)
}
