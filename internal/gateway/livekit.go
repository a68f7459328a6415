package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/ent0n29/fieldwatch/internal/reliability"
)

// LiveKitConfig holds the control-plane endpoint and signing pair.
type LiveKitConfig struct {
	Host      string
	APIKey    string
	APISecret string
	// PublicURL is handed to browsers as serverUrl so they connect through
	// the TLS-terminating proxy rather than the control-plane host.
	PublicURL    string
	TokenTTL     time.Duration
	EmptyTimeout time.Duration
	Logger       *slog.Logger
	OnError      ErrorHook
}

// roomService is the subset of the room service client the gateway uses.
type roomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) error
	ListRooms(ctx context.Context) ([]*livekit.Room, error)
	ListParticipants(ctx context.Context, room string) ([]*livekit.ParticipantInfo, error)
	RemoveParticipant(ctx context.Context, room, identity string) error
}

type lkRoomService struct {
	client *lksdk.RoomServiceClient
}

func (s lkRoomService) CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) error {
	_, err := s.client.CreateRoom(ctx, req)
	return err
}

func (s lkRoomService) ListRooms(ctx context.Context) ([]*livekit.Room, error) {
	res, err := s.client.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err != nil {
		return nil, err
	}
	return res.GetRooms(), nil
}

func (s lkRoomService) ListParticipants(ctx context.Context, room string) ([]*livekit.ParticipantInfo, error) {
	res, err := s.client.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	if err != nil {
		return nil, err
	}
	return res.GetParticipants(), nil
}

func (s lkRoomService) RemoveParticipant(ctx context.Context, room, identity string) error {
	_, err := s.client.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     room,
		Identity: identity,
	})
	return err
}

// LiveKitGateway talks to a LiveKit server's RoomService over twirp.
type LiveKitGateway struct {
	rooms        roomService
	apiKey       string
	apiSecret    string
	publicURL    string
	tokenTTL     time.Duration
	emptyTimeout uint32
	logger       *slog.Logger
	onError      ErrorHook
}

func NewLiveKitGateway(cfg LiveKitConfig) (*LiveKitGateway, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("livekit host is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errors.New("livekit api key and secret are required")
	}
	client := lksdk.NewRoomServiceClient(host, cfg.APIKey, cfg.APISecret)
	return newLiveKitGateway(lkRoomService{client: client}, cfg), nil
}

func newLiveKitGateway(rooms roomService, cfg LiveKitConfig) *LiveKitGateway {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	empty := cfg.EmptyTimeout
	if empty <= 0 {
		empty = 10 * time.Minute
	}
	publicURL := strings.TrimSpace(cfg.PublicURL)
	if publicURL == "" {
		publicURL = strings.TrimSpace(cfg.Host)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveKitGateway{
		rooms:        rooms,
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		publicURL:    publicURL,
		tokenTTL:     ttl,
		emptyTimeout: uint32(empty / time.Second),
		logger:       logger.With("component", "gateway", "mode", "livekit"),
		onError:      cfg.OnError,
	}
}

func (g *LiveKitGateway) Mode() string { return "livekit" }

func (g *LiveKitGateway) EnsureRoom(ctx context.Context, roomName string) Outcome {
	err := g.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:         roomName,
		EmptyTimeout: g.emptyTimeout,
	})
	out := outcomeOf(err)
	g.report("ensure_room", out, "room", roomName)
	return out
}

func (g *LiveKitGateway) IssueCredential(_ context.Context, roomName, identity string, role Role) (ConnectionDetails, error) {
	if role != RolePublisher && role != RoleSubscriber {
		return ConnectionDetails{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	publisher := role == RolePublisher

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	grant.SetCanPublish(publisher)
	grant.SetCanPublishData(publisher)
	grant.SetCanSubscribe(true)

	at := auth.NewAccessToken(g.apiKey, g.apiSecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(identity).
		SetValidFor(g.tokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		if g.onError != nil {
			g.onError("issue_credential", reliability.ClassFatal)
		}
		return ConnectionDetails{}, fmt.Errorf("sign access token: %w", err)
	}
	return ConnectionDetails{
		ServerURL:        g.publicURL,
		ParticipantToken: token,
		RoomName:         roomName,
		ParticipantName:  identity,
	}, nil
}

func (g *LiveKitGateway) RemoveParticipant(ctx context.Context, roomName, identity string) Outcome {
	out := outcomeOf(g.rooms.RemoveParticipant(ctx, roomName, identity))
	g.report("remove_participant", out, "room", roomName, "identity", identity)
	return out
}

func (g *LiveKitGateway) ListRoomsWithParticipants(ctx context.Context) ([]RoomSnapshot, Outcome) {
	rooms, err := g.rooms.ListRooms(ctx)
	if err != nil {
		out := outcomeOf(err)
		// A wholesale listing failure is never "already held".
		out.Kind = OutcomeSkipped
		g.report("list_rooms", out)
		return nil, out
	}

	snapshots := make([]RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		name := room.GetName()
		created := time.Unix(room.GetCreationTime(), 0).UTC()
		participants, err := g.rooms.ListParticipants(ctx, name)
		if err != nil {
			out := outcomeOf(err)
			g.report("list_participants", out, "room", name)
			// The room can close between the two calls; drop it from this view.
			if out.Class == reliability.ClassGone {
				continue
			}
			snapshots = append(snapshots, RoomSnapshot{Name: name, CreatedAt: created, Partial: true})
			continue
		}
		identities := make([]string, 0, len(participants))
		for _, p := range participants {
			identities = append(identities, p.GetIdentity())
		}
		snapshots = append(snapshots, RoomSnapshot{
			Name:         name,
			CreatedAt:    created,
			Participants: identities,
		})
	}
	return snapshots, Outcome{Kind: OutcomeApplied, Class: reliability.ClassNone}
}

func (g *LiveKitGateway) report(op string, out Outcome, attrs ...any) {
	if out.Err == nil {
		return
	}
	if g.onError != nil {
		g.onError(op, out.Class)
	}
	args := append([]any{"op", op, "class", out.Class, "err", out.Err}, attrs...)
	if out.Kind == OutcomeAlreadyHeld {
		g.logger.Debug("transport call already satisfied", args...)
		return
	}
	g.logger.Warn("transport call failed; continuing", args...)
}
