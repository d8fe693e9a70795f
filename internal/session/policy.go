package session

import "time"

// Reconnect delays observed to work well against transport rate limits:
// a restart-required close recovers fast, everything else backs off longer.
const (
	restartDelay = 2 * time.Second
	closeDelay   = 4 * time.Second
)

type closePolicy struct {
	Terminal bool
	Delay    time.Duration
}

// policyFor maps a close reason to its recovery behavior. Logged-out is
// terminal: credentials are gone and only a fresh pairing can recover.
func policyFor(reason CloseReason) closePolicy {
	switch reason {
	case CloseLoggedOut:
		return closePolicy{Terminal: true}
	case CloseRestartRequired:
		return closePolicy{Delay: restartDelay}
	default:
		return closePolicy{Delay: closeDelay}
	}
}
