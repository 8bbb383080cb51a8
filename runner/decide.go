package runner

import (
	"errors"

	"github.com/hossein1376/hark/stp"
)

var (
	ErrLoggedOut        = errors.New("runner: device was logged out")
	ErrReplaced         = errors.New("runner: session was opened elsewhere")
	ErrRejected         = errors.New("runner: relay rejected this device")
	ErrRetriesExhausted = errors.New("runner: giving up after too many retries")
)

type Action int

const (
	// Reconnect right away with a fresh backoff.
	Reconnect Action = iota
	// Backoff waits for the next backoff interval, then reconnects.
	Backoff
	// Repair clears the auth state and pairs again.
	Repair
	// Stop ends the loop with Decision.Err.
	Stop
)

func (a Action) String() string {
	switch a {
	case Reconnect:
		return "reconnect"
	case Backoff:
		return "backoff"
	case Repair:
		return "repair"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action Action
	// ClearState asks for the auth state to be wiped before acting.
	ClearState bool
	Err        error
}

// Decide maps the reason a connection ended to what the loop does next.
func Decide(reason stp.Reason, repairOnLogout bool) Decision {
	switch reason {
	case stp.RestartRequired:
		return Decision{Action: Reconnect}
	case stp.LoggedOut:
		if repairOnLogout {
			return Decision{Action: Repair, ClearState: true}
		}
		return Decision{Action: Stop, ClearState: true, Err: ErrLoggedOut}
	case stp.ConnectionReplaced:
		return Decision{Action: Stop, Err: ErrReplaced}
	case stp.Forbidden, stp.MultideviceMismatch:
		return Decision{Action: Stop, Err: ErrRejected}
	default:
		return Decision{Action: Backoff}
	}
}
