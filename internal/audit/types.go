package audit

import (
	"context"
	"time"

	"github.com/ent0n29/fieldwatch/internal/events"
)

// Record is one persisted monitoring lifecycle event.
type Record struct {
	ID           string      `json:"id"`
	EventType    events.Type `json:"eventType"`
	SessionID    string      `json:"sessionId"`
	TargetID     int64       `json:"targetId"`
	TargetKind   string      `json:"targetKind"`
	SupervisorID int64       `json:"supervisorId"`
	RoomName     string      `json:"roomName"`
	Reason       string      `json:"reason,omitempty"`
	At           time.Time   `json:"at"`
}

// Filter narrows a history query. Zero values match everything.
type Filter struct {
	SupervisorID int64
	SessionID    string
	Limit        int
}

func (f Filter) matches(r Record) bool {
	if f.SupervisorID != 0 && r.SupervisorID != f.SupervisorID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}

// Store persists monitoring history outside the in-process registry.
type Store interface {
	Append(ctx context.Context, record Record) error
	Recent(ctx context.Context, filter Filter) ([]Record, error)
	Mode() string
	Close() error
}

func recordFromEvent(e events.Event) Record {
	return Record{
		EventType:    e.Type,
		SessionID:    e.SessionID,
		TargetID:     e.TargetID,
		TargetKind:   e.TargetKind,
		SupervisorID: e.SupervisorID,
		RoomName:     e.RoomName,
		Reason:       e.Reason,
		At:           e.At,
	}
}
