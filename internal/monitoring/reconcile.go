package monitoring

import (
	"context"
	"time"

	"github.com/ent0n29/fieldwatch/internal/events"
	"github.com/ent0n29/fieldwatch/internal/gateway"
	"github.com/ent0n29/fieldwatch/internal/reliability"
)

const (
	ReasonRoomVanished = "room_vanished"
	ReasonTargetAbsent = "target_absent"
)

// ReapedSession names a ghost removed during reconciliation.
type ReapedSession struct {
	SessionID string
	Reason    string
}

type ReconcileResult struct {
	Checked int
	Reaped  []ReapedSession
	// Skipped is set when the room listing failed; nothing is reaped then.
	Skipped bool
}

// Reconcile compares recorded sessions with the rooms the transport reports
// and silently drops sessions whose room is gone or whose target agent is
// no longer connected.
func (c *Coordinator) Reconcile(ctx context.Context) ReconcileResult {
	begin := time.Now()
	defer func() { c.metrics.ObserveReconcile(time.Since(begin)) }()

	listedAt := c.now()
	rooms, out := c.gateway.ListRoomsWithParticipants(ctx)
	if out.Degraded() {
		c.logger.Warn("room listing failed; skipping reconciliation", "class", out.Class, "err", out.Err)
		return ReconcileResult{Skipped: true}
	}

	byName := make(map[string]gateway.RoomSnapshot, len(rooms))
	for _, r := range rooms {
		byName[r.Name] = r
	}

	var res ReconcileResult
	for _, s := range c.registry.Values() {
		// The listing cannot reflect sessions started after it was taken.
		if s.StartedAt.After(listedAt) {
			continue
		}
		res.Checked++

		reason := ghostReason(s, byName)
		if reason == "" {
			continue
		}
		if _, ok := c.registry.Remove(s.ID); !ok {
			continue
		}
		c.logger.Info("reaped ghost monitoring session",
			"session_id", s.ID,
			"room", s.RoomName,
			"reason", reason,
		)
		c.metrics.ObserveReaped(reason)
		c.emit(events.TypeSessionReaped, s, reason)
		res.Reaped = append(res.Reaped, ReapedSession{SessionID: s.ID, Reason: reason})
	}
	return res
}

func ghostReason(s *Session, rooms map[string]gateway.RoomSnapshot) string {
	room, ok := rooms[s.RoomName]
	if !ok {
		return ReasonRoomVanished
	}
	if room.Partial {
		return ""
	}
	if !room.Has(AgentIdentity(s.TargetKind, s.TargetID)) {
		return ReasonTargetAbsent
	}
	return ""
}

// StartReconciler runs Reconcile every interval until ctx is done. While the
// room listing keeps failing the loop backs off exponentially.
func (c *Coordinator) StartReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	maxDelay := 8 * interval
	go func() {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			next := interval
			if res := c.Reconcile(ctx); res.Skipped {
				failures++
				next = reliability.ExponentialBackoff(failures, interval, maxDelay)
			} else {
				failures = 0
			}
			timer.Reset(next)
		}
	}()
}
