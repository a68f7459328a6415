package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/fieldwatch/internal/reliability"
)

// Role scopes what a credential holder may do inside a room.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

var ErrInvalidRole = errors.New("invalid credential role")

// ConnectionDetails is everything a client needs to join a room.
type ConnectionDetails struct {
	ServerURL        string `json:"serverUrl"`
	ParticipantToken string `json:"participantToken"`
	RoomName         string `json:"roomName"`
	ParticipantName  string `json:"participantName"`
}

// RoomSnapshot is a point-in-time view of one room on the transport.
type RoomSnapshot struct {
	Name         string
	CreatedAt    time.Time
	Participants []string
	// Partial is set when the room exists but its participants could not
	// be listed. Participants is empty then and must not be trusted.
	Partial bool
}

func (r RoomSnapshot) Has(identity string) bool {
	for _, p := range r.Participants {
		if p == identity {
			return true
		}
	}
	return false
}

// OutcomeKind tells a best-effort caller what actually happened.
type OutcomeKind int

const (
	// OutcomeApplied means the transport accepted the call.
	OutcomeApplied OutcomeKind = iota
	// OutcomeAlreadyHeld means the call failed only because the requested
	// state was already in place (room exists, participant already gone).
	OutcomeAlreadyHeld
	// OutcomeSkipped means the call failed and was absorbed; the caller
	// continues as if it were a no-op.
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyHeld:
		return "already_held"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is the result of a best-effort gateway call. It never aborts the
// caller; Err is kept for logging and metrics only.
type Outcome struct {
	Kind  OutcomeKind
	Class reliability.Class
	Err   error
}

func outcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeApplied, Class: reliability.ClassNone}
	}
	class := reliability.Classify(err)
	if reliability.IsIdempotentSuccess(class) {
		return Outcome{Kind: OutcomeAlreadyHeld, Class: class, Err: err}
	}
	return Outcome{Kind: OutcomeSkipped, Class: class, Err: err}
}

// Degraded reports whether the call failed in a way that was swallowed.
func (o Outcome) Degraded() bool { return o.Kind == OutcomeSkipped }

// Gateway is the control-plane surface of the real-time media transport.
//
// Only IssueCredential can fail the caller. The remaining calls are
// best-effort bookkeeping and report through Outcome.
type Gateway interface {
	EnsureRoom(ctx context.Context, roomName string) Outcome
	IssueCredential(ctx context.Context, roomName, identity string, role Role) (ConnectionDetails, error)
	RemoveParticipant(ctx context.Context, roomName, identity string) Outcome
	ListRoomsWithParticipants(ctx context.Context) ([]RoomSnapshot, Outcome)
	Mode() string
}

// ErrorHook is notified about every absorbed or fatal transport error.
type ErrorHook func(op string, class reliability.Class)
