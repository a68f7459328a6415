package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/livekit"
	"github.com/twitchtv/twirp"

	"github.com/ent0n29/fieldwatch/internal/reliability"
)

type fakeRoomService struct {
	createErr       error
	listErr         error
	removeErr       error
	rooms           []*livekit.Room
	participants    map[string][]*livekit.ParticipantInfo
	participantErrs map[string]error
	created         []string
}

func (f *fakeRoomService) CreateRoom(_ context.Context, req *livekit.CreateRoomRequest) error {
	f.created = append(f.created, req.GetName())
	return f.createErr
}

func (f *fakeRoomService) ListRooms(context.Context) ([]*livekit.Room, error) {
	return f.rooms, f.listErr
}

func (f *fakeRoomService) ListParticipants(_ context.Context, room string) ([]*livekit.ParticipantInfo, error) {
	if err := f.participantErrs[room]; err != nil {
		return nil, err
	}
	return f.participants[room], nil
}

func (f *fakeRoomService) RemoveParticipant(context.Context, string, string) error {
	return f.removeErr
}

func newTestLiveKit(rooms *fakeRoomService) *LiveKitGateway {
	return newLiveKitGateway(rooms, LiveKitConfig{
		Host:      "http://livekit.internal:7880",
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-devsecret",
		PublicURL: "wss://app.example.com/rtc",
		TokenTTL:  time.Hour,
	})
}

func TestLiveKitEnsureRoomTreatsAlreadyExistsAsHeld(t *testing.T) {
	rooms := &fakeRoomService{createErr: twirp.NewError(twirp.AlreadyExists, "exists")}
	gw := newTestLiveKit(rooms)

	out := gw.EnsureRoom(context.Background(), "room:commercial:1")
	if out.Kind != OutcomeAlreadyHeld {
		t.Fatalf("Kind = %v, want %v", out.Kind, OutcomeAlreadyHeld)
	}
	if out.Degraded() {
		t.Fatalf("already-held outcome should not be degraded")
	}
}

func TestLiveKitEnsureRoomSwallowsTransientFailure(t *testing.T) {
	var hooked []string
	rooms := &fakeRoomService{createErr: twirp.NewError(twirp.Unavailable, "down")}
	gw := newTestLiveKit(rooms)
	gw.onError = func(op string, class reliability.Class) {
		hooked = append(hooked, op+":"+string(class))
	}

	out := gw.EnsureRoom(context.Background(), "room:commercial:1")
	if !out.Degraded() {
		t.Fatalf("Degraded() = false, want true")
	}
	if len(hooked) != 1 || hooked[0] != "ensure_room:transient" {
		t.Fatalf("error hook calls = %v", hooked)
	}
}

func TestLiveKitRemoveParticipantNotFoundIsHeld(t *testing.T) {
	rooms := &fakeRoomService{removeErr: twirp.NewError(twirp.NotFound, "no such participant")}
	gw := newTestLiveKit(rooms)

	out := gw.RemoveParticipant(context.Background(), "room:manager:2", "supervisor-1")
	if out.Kind != OutcomeAlreadyHeld {
		t.Fatalf("Kind = %v, want %v", out.Kind, OutcomeAlreadyHeld)
	}
}

func TestLiveKitListSkipsRoomsThatVanish(t *testing.T) {
	rooms := &fakeRoomService{
		rooms: []*livekit.Room{
			{Name: "room:commercial:1", CreationTime: 100},
			{Name: "room:commercial:2", CreationTime: 200},
		},
		participants: map[string][]*livekit.ParticipantInfo{
			"room:commercial:1": {{Identity: "commercial-1"}, {Identity: "supervisor-9"}},
		},
		participantErrs: map[string]error{
			"room:commercial:2": twirp.NewError(twirp.NotFound, "room closed"),
		},
	}
	gw := newTestLiveKit(rooms)

	got, out := gw.ListRoomsWithParticipants(context.Background())
	if out.Err != nil {
		t.Fatalf("outcome err = %v, want nil", out.Err)
	}
	if len(got) != 1 {
		t.Fatalf("len(rooms) = %d, want 1", len(got))
	}
	if got[0].Name != "room:commercial:1" || !got[0].Has("commercial-1") {
		t.Fatalf("unexpected snapshot: %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(time.Unix(100, 0)) {
		t.Fatalf("CreatedAt = %v, want unix 100", got[0].CreatedAt)
	}
}

func TestLiveKitListKeepsRoomOnTransientParticipantError(t *testing.T) {
	rooms := &fakeRoomService{
		rooms: []*livekit.Room{{Name: "room:commercial:3", CreationTime: 300}},
		participantErrs: map[string]error{
			"room:commercial:3": twirp.NewError(twirp.ResourceExhausted, "rate limited"),
		},
	}
	gw := newTestLiveKit(rooms)

	got, out := gw.ListRoomsWithParticipants(context.Background())
	if out.Degraded() {
		t.Fatalf("Degraded() = true, want false")
	}
	if len(got) != 1 {
		t.Fatalf("len(rooms) = %d, want 1", len(got))
	}
	if got[0].Name != "room:commercial:3" || !got[0].Partial {
		t.Fatalf("unexpected snapshot: %+v", got[0])
	}
}

func TestLiveKitListFailureIsDegraded(t *testing.T) {
	rooms := &fakeRoomService{listErr: errors.New("connection refused")}
	gw := newTestLiveKit(rooms)

	got, out := gw.ListRoomsWithParticipants(context.Background())
	if len(got) != 0 {
		t.Fatalf("len(rooms) = %d, want 0", len(got))
	}
	if !out.Degraded() {
		t.Fatalf("Degraded() = false, want true")
	}
}

func TestLiveKitIssueCredentialGrants(t *testing.T) {
	gw := newTestLiveKit(&fakeRoomService{})

	cases := []struct {
		role        Role
		wantPublish bool
	}{
		{RoleSubscriber, false},
		{RolePublisher, true},
	}
	for _, tc := range cases {
		details, err := gw.IssueCredential(context.Background(), "room:commercial:5", "supervisor-10", tc.role)
		if err != nil {
			t.Fatalf("IssueCredential(%s) error = %v", tc.role, err)
		}
		if details.ServerURL != "wss://app.example.com/rtc" {
			t.Fatalf("ServerURL = %q, want public url", details.ServerURL)
		}
		if details.RoomName != "room:commercial:5" || details.ParticipantName != "supervisor-10" {
			t.Fatalf("unexpected details: %+v", details)
		}

		claims := jwt.MapClaims{}
		_, err = jwt.ParseWithClaims(details.ParticipantToken, claims, func(*jwt.Token) (any, error) {
			return []byte("devsecret-devsecret-devsecret-devsecret"), nil
		})
		if err != nil {
			t.Fatalf("parse token error = %v", err)
		}
		if claims["sub"] != "supervisor-10" {
			t.Fatalf("sub = %v, want supervisor-10", claims["sub"])
		}
		video, ok := claims["video"].(map[string]any)
		if !ok {
			t.Fatalf("missing video grant in %v", claims)
		}
		if video["room"] != "room:commercial:5" {
			t.Fatalf("video.room = %v", video["room"])
		}
		if got, _ := video["canPublish"].(bool); got != tc.wantPublish {
			t.Fatalf("%s canPublish = %v, want %v", tc.role, got, tc.wantPublish)
		}
		if got, _ := video["canSubscribe"].(bool); !got {
			t.Fatalf("%s canSubscribe = false, want true", tc.role)
		}
	}
}

func TestLiveKitIssueCredentialRejectsUnknownRole(t *testing.T) {
	gw := newTestLiveKit(&fakeRoomService{})
	_, err := gw.IssueCredential(context.Background(), "room:x", "someone", Role("admin"))
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("error = %v, want ErrInvalidRole", err)
	}
}
