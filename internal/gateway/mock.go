package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twitchtv/twirp"

	"github.com/ent0n29/fieldwatch/internal/reliability"
)

// Mock is an in-process transport used for local runs and tests. Rooms and
// participants are driven explicitly through Join/Leave/CloseRoom.
type Mock struct {
	mu        sync.Mutex
	rooms     map[string]*mockRoom
	serverURL string
	issued    int
	now       func() time.Time

	// Fault injection. A non-nil error is returned by the matching call.
	EnsureErr    error
	IssueErr     error
	RemoveErr    error
	ListErr      error
	VanishOnList map[string]bool

	// ParticipantErrs fails the participant listing of individual rooms.
	ParticipantErrs map[string]error
}

type mockRoom struct {
	createdAt    time.Time
	participants []string
}

func NewMock(serverURL string) *Mock {
	if serverURL == "" {
		serverURL = "wss://rtc.mock.local"
	}
	return &Mock{
		rooms:        make(map[string]*mockRoom),
		serverURL:    serverURL,
		now:          func() time.Time { return time.Now().UTC() },
		VanishOnList: make(map[string]bool),

		ParticipantErrs: make(map[string]error),
	}
}

func (m *Mock) Mode() string { return "mock" }

// CreateRoomAt creates a room with an explicit creation time.
func (m *Mock) CreateRoomAt(name string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[name] = &mockRoom{createdAt: at}
}

// Join adds a participant, creating the room if needed.
func (m *Mock) Join(room, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.roomLocked(room)
	for _, p := range r.participants {
		if p == identity {
			return
		}
	}
	r.participants = append(r.participants, identity)
}

func (m *Mock) Leave(room, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(room, identity)
}

func (m *Mock) CloseRoom(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room)
}

func (m *Mock) Participants(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[room]
	if !ok {
		return nil
	}
	return append([]string(nil), r.participants...)
}

func (m *Mock) HasRoom(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[room]
	return ok
}

func (m *Mock) EnsureRoom(_ context.Context, roomName string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnsureErr != nil {
		return outcomeOf(m.EnsureErr)
	}
	if _, ok := m.rooms[roomName]; ok {
		return outcomeOf(twirp.NewError(twirp.AlreadyExists, "room already exists"))
	}
	m.roomLocked(roomName)
	return outcomeOf(nil)
}

func (m *Mock) IssueCredential(_ context.Context, roomName, identity string, role Role) (ConnectionDetails, error) {
	if role != RolePublisher && role != RoleSubscriber {
		return ConnectionDetails{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IssueErr != nil {
		return ConnectionDetails{}, m.IssueErr
	}
	m.issued++
	return ConnectionDetails{
		ServerURL:        m.serverURL,
		ParticipantToken: fmt.Sprintf("mock.%s.%s.%s.%d", role, roomName, identity, m.issued),
		RoomName:         roomName,
		ParticipantName:  identity,
	}, nil
}

func (m *Mock) RemoveParticipant(_ context.Context, roomName, identity string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveErr != nil {
		return outcomeOf(m.RemoveErr)
	}
	if !m.leaveLocked(roomName, identity) {
		return outcomeOf(twirp.NewError(twirp.NotFound, "participant not found"))
	}
	return outcomeOf(nil)
}

func (m *Mock) ListRoomsWithParticipants(_ context.Context) ([]RoomSnapshot, Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		out := outcomeOf(m.ListErr)
		out.Kind = OutcomeSkipped
		return nil, out
	}
	out := make([]RoomSnapshot, 0, len(m.rooms))
	for name, r := range m.rooms {
		if m.VanishOnList[name] {
			continue
		}
		if err := m.ParticipantErrs[name]; err != nil {
			if reliability.Classify(err) == reliability.ClassGone {
				continue
			}
			out = append(out, RoomSnapshot{Name: name, CreatedAt: r.createdAt, Partial: true})
			continue
		}
		out = append(out, RoomSnapshot{
			Name:         name,
			CreatedAt:    r.createdAt,
			Participants: append([]string(nil), r.participants...),
		})
	}
	return out, outcomeOf(nil)
}

func (m *Mock) roomLocked(name string) *mockRoom {
	r, ok := m.rooms[name]
	if !ok {
		r = &mockRoom{createdAt: m.now()}
		m.rooms[name] = r
	}
	return r
}

func (m *Mock) leaveLocked(room, identity string) bool {
	r, ok := m.rooms[room]
	if !ok {
		return false
	}
	for i, p := range r.participants {
		if p == identity {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return true
		}
	}
	return false
}
