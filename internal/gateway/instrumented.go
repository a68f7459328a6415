package gateway

import (
	"context"
	"time"
)

// LatencyObserver receives the duration of every gateway call.
type LatencyObserver interface {
	ObserveLatency(op string, d time.Duration)
}

type instrumented struct {
	next     Gateway
	observer LatencyObserver
}

// Instrument wraps gw so each call is timed. A nil observer returns gw as is.
func Instrument(gw Gateway, observer LatencyObserver) Gateway {
	if observer == nil {
		return gw
	}
	return &instrumented{next: gw, observer: observer}
}

func (g *instrumented) Mode() string { return g.next.Mode() }

func (g *instrumented) EnsureRoom(ctx context.Context, roomName string) Outcome {
	defer g.time("ensure_room", time.Now())
	return g.next.EnsureRoom(ctx, roomName)
}

func (g *instrumented) IssueCredential(ctx context.Context, roomName, identity string, role Role) (ConnectionDetails, error) {
	defer g.time("issue_credential", time.Now())
	return g.next.IssueCredential(ctx, roomName, identity, role)
}

func (g *instrumented) RemoveParticipant(ctx context.Context, roomName, identity string) Outcome {
	defer g.time("remove_participant", time.Now())
	return g.next.RemoveParticipant(ctx, roomName, identity)
}

func (g *instrumented) ListRoomsWithParticipants(ctx context.Context) ([]RoomSnapshot, Outcome) {
	defer g.time("list_rooms", time.Now())
	return g.next.ListRoomsWithParticipants(ctx)
}

func (g *instrumented) time(op string, begin time.Time) {
	g.observer.ObserveLatency(op, time.Since(begin))
}
