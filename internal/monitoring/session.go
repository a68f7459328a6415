package monitoring

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TargetKind is the role of the supervised field agent.
type TargetKind string

const (
	TargetCommercial TargetKind = "COMMERCIAL"
	TargetManager    TargetKind = "MANAGER"
)

// ParseTargetKind accepts either case ("COMMERCIAL", "commercial").
func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(strings.ToUpper(strings.TrimSpace(s))) {
	case TargetCommercial:
		return TargetCommercial, nil
	case TargetManager:
		return TargetManager, nil
	default:
		return "", fmt.Errorf("%w: unknown target kind %q", ErrInvalidTarget, s)
	}
}

func (k TargetKind) lower() string { return strings.ToLower(string(k)) }

type Status string

const (
	StatusActive Status = "ACTIVE"
	// StatusPaused is part of the wire enum but nothing produces it.
	StatusPaused  Status = "PAUSED"
	StatusStopped Status = "STOPPED"
)

// Session records that a supervisor is listening to a field agent.
type Session struct {
	ID               string     `json:"id"`
	TargetID         int64      `json:"targetId"`
	TargetKind       TargetKind `json:"targetKind"`
	RoomName         string     `json:"roomName"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt"`
	SupervisorID     int64      `json:"supervisorId"`
	ParticipantToken string     `json:"participantToken"`
}

func (s *Session) matches(targetID int64, kind TargetKind, supervisorID int64) bool {
	return s.TargetID == targetID && s.TargetKind == kind && s.SupervisorID == supervisorID
}

// RoomName is the default room for an agent: "room:<kind>:<id>".
func RoomName(kind TargetKind, id int64) string {
	return "room:" + kind.lower() + ":" + strconv.FormatInt(id, 10)
}

// AgentIdentity is the participant identity an agent publishes under.
func AgentIdentity(kind TargetKind, id int64) string {
	return kind.lower() + "-" + strconv.FormatInt(id, 10)
}

// SupervisorIdentity is the participant identity a listener joins under.
func SupervisorIdentity(supervisorID int64) string {
	return "supervisor-" + strconv.FormatInt(supervisorID, 10)
}

// IsAgentIdentity reports whether a participant identity belongs to a field
// agent rather than a supervisor.
func IsAgentIdentity(identity string) bool {
	return strings.HasPrefix(identity, TargetCommercial.lower()+"-") ||
		strings.HasPrefix(identity, TargetManager.lower()+"-")
}

func resolveRoom(explicit string, kind TargetKind, id int64) string {
	if room := strings.TrimSpace(explicit); room != "" {
		return room
	}
	return RoomName(kind, id)
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
