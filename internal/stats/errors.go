package stats

import "errors"

var (
	// ErrStoreUnavailable wraps any Redis read failure during a cycle
	ErrStoreUnavailable = errors.New("metrics store unavailable")
	// ErrDaemonUnavailable wraps a failed chain head read
	ErrDaemonUnavailable = errors.New("daemon unavailable")
	// ErrInvalidWindow is returned for a hashrate window that is not positive
	ErrInvalidWindow = errors.New("hashrate window must be positive")
)
