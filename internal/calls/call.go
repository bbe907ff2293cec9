// Package calls holds the lightweight record of each two-party call attempt.
// The signaling relay consults it before forwarding negotiation messages, so
// an answer for a call that was never accepted and offered is refused.
package calls

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("calls: no such call")
	ErrState    = errors.New("calls: call is not in the required state")
)

// State of one call attempt. A missing record is Idle.
type State int

const (
	Idle State = iota
	Ringing
	InCall
)

func (s State) String() string {
	switch s {
	case Ringing:
		return "ringing"
	case InCall:
		return "inCall"
	default:
		return "idle"
	}
}

func parseState(s string) State {
	switch s {
	case "ringing":
		return Ringing
	case "inCall":
		return InCall
	default:
		return Idle
	}
}

// Record is keyed by the ordered (Caller, Callee) pair.
type Record struct {
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	Room      string    `json:"room,omitempty"`
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Offered   bool      `json:"offered"`
	CreatedAt time.Time `json:"createdAt"`
}

// Peer returns the other party of the call, or "" if user is not a party.
func (r Record) Peer(user string) string {
	switch user {
	case r.Caller:
		return r.Callee
	case r.Callee:
		return r.Caller
	default:
		return ""
	}
}

// Book stores call records. Implementations make each method one atomic step.
type Book interface {
	// Ring starts a call attempt, replacing any stale record for the pair.
	Ring(ctx context.Context, rec Record) (Record, error)
	// Accept moves Ringing to InCall.
	Accept(ctx context.Context, caller, callee string) (Record, error)
	// Offer marks that the caller sent an SDP offer. Requires InCall.
	Offer(ctx context.Context, caller, callee string) (Record, error)
	Get(ctx context.Context, caller, callee string) (Record, error)
	// End removes any record between a and b in either direction.
	End(ctx context.Context, a, b string) ([]Record, error)
	// EndAll removes every record user is a party to.
	EndAll(ctx context.Context, user string) ([]Record, error)
	Close() error
}

func pairKey(caller, callee string) string {
	return fmt.Sprintf("%s\x1f%s", caller, callee)
}
