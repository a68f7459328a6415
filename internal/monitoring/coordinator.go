package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/fieldwatch/internal/events"
	"github.com/ent0n29/fieldwatch/internal/gateway"
	"github.com/ent0n29/fieldwatch/internal/observability"
)

var (
	// ErrCredential wraps every credential-issuance failure. Callers surface
	// it as "could not start listening session - try again".
	ErrCredential    = errors.New("could not issue transport credential")
	ErrInvalidTarget = errors.New("invalid monitoring target")
)

// Publisher receives lifecycle events. *events.Bus satisfies it.
type Publisher interface {
	Publish(events.Event)
}

type Options struct {
	Events  Publisher
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// StartRequest asks to begin listening to a field agent.
type StartRequest struct {
	TargetID     int64
	TargetKind   TargetKind
	SupervisorID int64
	RoomName     string
}

// ActiveRoom is a transport room with at least one field agent connected.
type ActiveRoom struct {
	RoomName         string    `json:"roomName"`
	CreatedAt        time.Time `json:"createdAt"`
	ParticipantCount int       `json:"participantCount"`
	Participants     []string  `json:"participants"`
}

// Coordinator owns the monitoring session state machine:
// none -> ACTIVE -> STOPPED (removed).
type Coordinator struct {
	registry *Registry
	gateway  gateway.Gateway
	events   Publisher
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(registry *Registry, gw gateway.Gateway, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		registry: registry,
		gateway:  gw,
		events:   opts.Events,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "monitoring"),
		now:      now,
	}
}

func (c *Coordinator) GatewayMode() string { return c.gateway.Mode() }

// StartMonitoring evicts any previous session for the same target and
// supervisor, then issues a subscriber credential and records the new
// session. Nothing is recorded if the credential cannot be issued.
func (c *Coordinator) StartMonitoring(ctx context.Context, req StartRequest) (gateway.ConnectionDetails, error) {
	if req.TargetID <= 0 || req.SupervisorID <= 0 {
		return gateway.ConnectionDetails{}, fmt.Errorf("%w: targetId and supervisorId must be positive", ErrInvalidTarget)
	}
	kind, err := ParseTargetKind(string(req.TargetKind))
	if err != nil {
		return gateway.ConnectionDetails{}, err
	}
	req.TargetKind = kind
	room := resolveRoom(req.RoomName, req.TargetKind, req.TargetID)

	for _, prev := range c.registry.FindMatching(req.TargetID, req.TargetKind, req.SupervisorID) {
		if _, ok := c.registry.Remove(prev.ID); !ok {
			continue
		}
		c.logger.Info("removed duplicate monitoring session",
			"session_id", prev.ID,
			"target_id", prev.TargetID,
			"target_kind", prev.TargetKind,
			"supervisor_id", prev.SupervisorID,
		)
		c.emit(events.TypeSessionReplaced, prev, "duplicate_start")
	}

	c.gateway.EnsureRoom(ctx, room)

	identity := SupervisorIdentity(req.SupervisorID)
	details, err := c.gateway.IssueCredential(ctx, room, identity, gateway.RoleSubscriber)
	if err != nil {
		c.logger.Error("credential issuance failed",
			"room", room,
			"identity", identity,
			"err", err,
		)
		return gateway.ConnectionDetails{}, fmt.Errorf("%w: %w", ErrCredential, err)
	}

	s := &Session{
		ID:               newSessionID(),
		TargetID:         req.TargetID,
		TargetKind:       req.TargetKind,
		RoomName:         room,
		Status:           StatusActive,
		StartedAt:        c.now(),
		SupervisorID:     req.SupervisorID,
		ParticipantToken: details.ParticipantToken,
	}
	c.registry.Put(s)
	c.logger.Info("monitoring session started",
		"session_id", s.ID,
		"room", room,
		"target_id", s.TargetID,
		"target_kind", s.TargetKind,
		"supervisor_id", s.SupervisorID,
	)
	c.emit(events.TypeSessionStarted, s, "")
	return details, nil
}

// StopMonitoring ends a session. Unknown ids count as already stopped, so
// the result is always true.
func (c *Coordinator) StopMonitoring(ctx context.Context, sessionID string) bool {
	s, ok := c.registry.Get(sessionID)
	if !ok {
		return true
	}

	ended := c.now()
	s.Status = StatusStopped
	s.EndedAt = &ended

	c.gateway.RemoveParticipant(ctx, s.RoomName, SupervisorIdentity(s.SupervisorID))

	if _, ok := c.registry.Remove(s.ID); !ok {
		// A concurrent stop or reap got there first.
		return true
	}
	c.logger.Info("monitoring session stopped",
		"session_id", s.ID,
		"room", s.RoomName,
		"duration", ended.Sub(s.StartedAt).Round(time.Second),
	)
	c.emit(events.TypeSessionStopped, s, "")
	return true
}

// ActiveSessions reaps ghosts, then returns a snapshot of the registry.
func (c *Coordinator) ActiveSessions(ctx context.Context) []*Session {
	c.Reconcile(ctx)
	return c.registry.Values()
}

// IssuePublisherCredential lets a field agent broadcast into its own room.
// Publishing is not tracked in the registry.
func (c *Coordinator) IssuePublisherCredential(ctx context.Context, agentID int64, kind TargetKind, roomName string) (gateway.ConnectionDetails, error) {
	if agentID <= 0 {
		return gateway.ConnectionDetails{}, fmt.Errorf("%w: agentId must be positive", ErrInvalidTarget)
	}
	kind, err := ParseTargetKind(string(kind))
	if err != nil {
		return gateway.ConnectionDetails{}, err
	}
	room := resolveRoom(roomName, kind, agentID)

	c.gateway.EnsureRoom(ctx, room)

	details, err := c.gateway.IssueCredential(ctx, room, AgentIdentity(kind, agentID), gateway.RolePublisher)
	if err != nil {
		c.logger.Error("publisher credential issuance failed", "room", room, "err", err)
		return gateway.ConnectionDetails{}, fmt.Errorf("%w: %w", ErrCredential, err)
	}
	return details, nil
}

// ListActiveRooms returns rooms with a field agent connected, newest first.
func (c *Coordinator) ListActiveRooms(ctx context.Context) []ActiveRoom {
	rooms, _ := c.gateway.ListRoomsWithParticipants(ctx)

	out := make([]ActiveRoom, 0, len(rooms))
	for _, r := range rooms {
		if !hasAgent(r.Participants) {
			continue
		}
		out = append(out, ActiveRoom{
			RoomName:         r.Name,
			CreatedAt:        r.CreatedAt,
			ParticipantCount: len(r.Participants),
			Participants:     append([]string(nil), r.Participants...),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func hasAgent(identities []string) bool {
	for _, id := range identities {
		if IsAgentIdentity(id) {
			return true
		}
	}
	return false
}

func (c *Coordinator) emit(t events.Type, s *Session, reason string) {
	c.metrics.ObserveSessionEvent(string(t), c.registry.Len())
	if c.events == nil {
		return
	}
	c.events.Publish(events.Event{
		Type:         t,
		SessionID:    s.ID,
		TargetID:     s.TargetID,
		TargetKind:   string(s.TargetKind),
		SupervisorID: s.SupervisorID,
		RoomName:     s.RoomName,
		Reason:       reason,
		At:           c.now(),
	})
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
