package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/fieldwatch/internal/access"
	"github.com/ent0n29/fieldwatch/internal/audit"
	"github.com/ent0n29/fieldwatch/internal/config"
	"github.com/ent0n29/fieldwatch/internal/events"
	"github.com/ent0n29/fieldwatch/internal/gateway"
	"github.com/ent0n29/fieldwatch/internal/monitoring"
	"github.com/ent0n29/fieldwatch/internal/observability"
	"github.com/ent0n29/fieldwatch/internal/protocol"
)

var metricsSeq atomic.Int64

type testEnv struct {
	ts    *httptest.Server
	mock  *gateway.Mock
	store *audit.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
	mock := gateway.NewMock("")
	bus := events.NewBus()
	store := audit.NewInMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	feed, unsubscribe := bus.Subscribe()
	go audit.NewRecorder(store, nil).Run(ctx, feed)

	coord := monitoring.NewCoordinator(monitoring.NewRegistry(), gateway.Instrument(mock, metrics), monitoring.Options{
		Events:  bus,
		Metrics: metrics,
	})
	srv := New(Deps{
		Config:      config.Config{AuditHistoryLimit: 100},
		Coordinator: coord,
		Events:      bus,
		Audit:       store,
		Auth:        access.HeaderAuthenticator{},
		Metrics:     metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		unsubscribe()
		cancel()
	})
	return &testEnv{ts: ts, mock: mock, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, userID int64, role string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("X-Debug-User-Id", strconv.FormatInt(userID, 10))
		req.Header.Set("X-Debug-Role", role)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestMonitoringLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/v1/monitoring/sessions", 7, "manager", map[string]any{
		"targetId": 42, "targetKind": "COMMERCIAL", "supervisorId": 7,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	details := decodeBody[gateway.ConnectionDetails](t, res)
	if details.RoomName != "room:commercial:42" {
		t.Fatalf("roomName = %q, want room:commercial:42", details.RoomName)
	}
	if details.ParticipantName != "supervisor-7" || details.ParticipantToken == "" || details.ServerURL == "" {
		t.Fatalf("unexpected connection details: %+v", details)
	}

	env.mock.Join("room:commercial:42", "commercial-42")

	res = env.do(t, http.MethodGet, "/v1/monitoring/sessions", 7, "manager", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	sessions := decodeBody[[]monitoring.Session](t, res)
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.TargetID != 42 || s.TargetKind != monitoring.TargetCommercial || s.Status != monitoring.StatusActive || s.SupervisorID != 7 {
		t.Fatalf("unexpected session: %+v", s)
	}

	res = env.do(t, http.MethodPost, "/v1/monitoring/sessions/"+s.ID+"/stop", 7, "manager", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if stop := decodeBody[stopMonitoringResponse](t, res); !stop.Stopped {
		t.Fatalf("stopped = false, want true")
	}

	res = env.do(t, http.MethodPost, "/v1/monitoring/sessions/"+s.ID+"/stop", 7, "manager", nil)
	if stop := decodeBody[stopMonitoringResponse](t, res); !stop.Stopped {
		t.Fatalf("second stop = false, want idempotent true")
	}

	res = env.do(t, http.MethodGet, "/v1/monitoring/sessions", 7, "manager", nil)
	if sessions := decodeBody[[]monitoring.Session](t, res); len(sessions) != 0 {
		t.Fatalf("len(sessions) after stop = %d, want 0", len(sessions))
	}
}

func TestStartDefaultsSupervisorToCaller(t *testing.T) {
	env := newTestEnv(t)
	res := env.do(t, http.MethodPost, "/v1/monitoring/sessions", 11, "directeur", map[string]any{
		"targetId": 3, "targetKind": "manager",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	details := decodeBody[gateway.ConnectionDetails](t, res)
	if details.ParticipantName != "supervisor-11" || details.RoomName != "room:manager:3" {
		t.Fatalf("unexpected connection details: %+v", details)
	}
}

func TestAccessBoundary(t *testing.T) {
	env := newTestEnv(t)

	if res := env.do(t, http.MethodGet, "/v1/monitoring/sessions", 0, "", nil); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	res := env.do(t, http.MethodPost, "/v1/monitoring/sessions", 42, "commercial", map[string]any{
		"targetId": 43, "targetKind": "COMMERCIAL", "supervisorId": 42,
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("commercial start status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
	if body := decodeBody[errorResponse](t, res); body.Code != "forbidden" {
		t.Fatalf("error code = %q, want forbidden", body.Code)
	}
	if res := env.do(t, http.MethodGet, "/v1/monitoring/rooms", 42, "commercial", nil); res.StatusCode != http.StatusForbidden {
		t.Fatalf("commercial rooms status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestStartRejectsInvalidTarget(t *testing.T) {
	env := newTestEnv(t)
	res := env.do(t, http.MethodPost, "/v1/monitoring/sessions", 1, "admin", map[string]any{
		"targetId": 42, "targetKind": "INTERN", "supervisorId": 1,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res = env.do(t, http.MethodPost, "/v1/monitoring/sessions", 1, "admin", map[string]any{
		"targetId": -5, "targetKind": "COMMERCIAL", "supervisorId": 1,
	})
	if body := decodeBody[errorResponse](t, res); body.Code != "invalid_target" {
		t.Fatalf("error code = %q, want invalid_target", body.Code)
	}
}

func TestStartCredentialFailureRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.mock.IssueErr = errors.New("signing key rejected")

	res := env.do(t, http.MethodPost, "/v1/monitoring/sessions", 1, "admin", map[string]any{
		"targetId": 42, "targetKind": "COMMERCIAL", "supervisorId": 1,
	})
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	body := decodeBody[errorResponse](t, res)
	if !strings.Contains(body.Error, "try again") {
		t.Fatalf("error = %q, want retry hint", body.Error)
	}

	env.mock.IssueErr = nil
	env.mock.Join("room:commercial:42", "commercial-42")
	res = env.do(t, http.MethodGet, "/v1/monitoring/sessions", 1, "admin", nil)
	if sessions := decodeBody[[]monitoring.Session](t, res); len(sessions) != 0 {
		t.Fatalf("len(sessions) = %d, want 0", len(sessions))
	}
}

func TestPublisherToken(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/v1/monitoring/publisher-token", 42, "commercial", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	details := decodeBody[gateway.ConnectionDetails](t, res)
	if details.RoomName != "room:commercial:42" || details.ParticipantName != "commercial-42" {
		t.Fatalf("unexpected publisher details: %+v", details)
	}
	if !strings.HasPrefix(details.ParticipantToken, "mock.publisher.") {
		t.Fatalf("token = %q, want publisher grant", details.ParticipantToken)
	}

	res = env.do(t, http.MethodPost, "/v1/monitoring/publisher-token", 42, "commercial", map[string]any{
		"agentId": 43, "agentKind": "COMMERCIAL",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("impersonation status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	res = env.do(t, http.MethodPost, "/v1/monitoring/publisher-token", 1, "admin", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("admin publisher status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestActiveRooms(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	env.mock.CreateRoomAt("room:commercial:1", base)
	env.mock.Join("room:commercial:1", "commercial-1")
	env.mock.CreateRoomAt("room:manager:2", base.Add(time.Minute))
	env.mock.Join("room:manager:2", "manager-2")
	env.mock.Join("room:manager:2", "supervisor-9")
	env.mock.CreateRoomAt("room:lonely", base.Add(2*time.Minute))
	env.mock.Join("room:lonely", "supervisor-9")

	res := env.do(t, http.MethodGet, "/v1/monitoring/rooms", 9, "admin", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	rooms := decodeBody[[]monitoring.ActiveRoom](t, res)
	if len(rooms) != 2 {
		t.Fatalf("len(rooms) = %d, want 2", len(rooms))
	}
	if rooms[0].RoomName != "room:manager:2" || rooms[0].ParticipantCount != 2 {
		t.Fatalf("rooms[0] = %+v, want newest room:manager:2 with 2 participants", rooms[0])
	}
	if rooms[1].RoomName != "room:commercial:1" {
		t.Fatalf("rooms[1] = %+v, want room:commercial:1", rooms[1])
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	res := env.do(t, http.MethodPost, "/v1/monitoring/sessions", 7, "manager", map[string]any{
		"targetId": 42, "targetKind": "COMMERCIAL",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, _ := env.store.Recent(context.Background(), audit.Filter{})
		if len(recs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorder did not persist the start event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res = env.do(t, http.MethodGet, "/v1/monitoring/history?limit=10", 7, "manager", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody[historyResponse](t, res)
	if len(body.Records) != 1 || body.Records[0].EventType != events.TypeSessionStarted || body.Records[0].SupervisorID != 7 {
		t.Fatalf("history = %+v, want one session_started for supervisor 7", body.Records)
	}

	if res := env.do(t, http.MethodGet, "/v1/monitoring/history?supervisor_id=8", 7, "manager", nil); res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign history status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
	if res := env.do(t, http.MethodGet, "/v1/monitoring/history?limit=abc", 1, "admin", nil); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res = env.do(t, http.MethodGet, "/v1/monitoring/history?supervisor_id=8", 1, "admin", nil)
	if body := decodeBody[historyResponse](t, res); len(body.Records) != 0 {
		t.Fatalf("admin history for supervisor 8 = %+v, want empty", body.Records)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	if res := env.do(t, http.MethodGet, "/healthz", 0, "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	res := env.do(t, http.MethodGet, "/readyz", 0, "", nil)
	ready := decodeBody[map[string]string](t, res)
	if ready["gatewayMode"] != "mock" || ready["auditStoreMode"] != "in-memory" || ready["authMode"] != "disabled" {
		t.Fatalf("readyz = %+v", ready)
	}
}

func TestPerfLatency(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/monitoring/sessions", 1, "admin", map[string]any{
		"targetId": 42, "targetKind": "COMMERCIAL",
	})
	res := env.do(t, http.MethodGet, "/v1/monitoring/perf/latency", 1, "admin", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	snap := decodeBody[observability.LatencySnapshot](t, res)
	seen := map[string]bool{}
	for _, op := range snap.Ops {
		seen[op.Op] = true
	}
	if !seen["ensure_room"] || !seen["issue_credential"] {
		t.Fatalf("ops = %+v, want ensure_room and issue_credential", snap.Ops)
	}
}

func TestEventsWebsocketFeed(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{}
	header.Set("X-Debug-User-Id", "7")
	header.Set("X-Debug-Role", "manager")
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/monitoring/events/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer res.Body.Close()
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var ready protocol.SystemEvent
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Code != "ready" {
		t.Fatalf("first message code = %q, want ready", ready.Code)
	}

	// Another supervisor's session is outside a manager's scope.
	env.do(t, http.MethodPost, "/v1/monitoring/sessions", 8, "manager", map[string]any{
		"targetId": 5, "targetKind": "COMMERCIAL",
	})
	env.do(t, http.MethodPost, "/v1/monitoring/sessions", 7, "manager", map[string]any{
		"targetId": 42, "targetKind": "COMMERCIAL",
	})

	var msg protocol.SessionEvent
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read session event: %v", err)
	}
	if msg.Type != protocol.TypeSessionEvent || msg.Event.Type != events.TypeSessionStarted {
		t.Fatalf("message = %+v, want session_started event", msg)
	}
	if msg.Event.SupervisorID != 7 || msg.Event.TargetID != 42 {
		t.Fatalf("event = %+v, want supervisor 7 target 42", msg.Event)
	}

	if err := conn.WriteJSON(protocol.ClientPing{Type: protocol.TypeClientPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong protocol.SystemEvent
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Code != "pong" {
		t.Fatalf("reply code = %q, want pong", pong.Code)
	}

	if err := conn.WriteJSON(protocol.ClientFilter{Type: protocol.TypeClientFilter, SupervisorID: 8}); err != nil {
		t.Fatalf("write filter: %v", err)
	}
	var denied protocol.ErrorEvent
	if err := conn.ReadJSON(&denied); err != nil {
		t.Fatalf("read filter reply: %v", err)
	}
	if denied.Type != protocol.TypeErrorEvent || denied.Code != "forbidden" {
		t.Fatalf("filter reply = %+v, want forbidden error", denied)
	}
}

func TestEventsWebsocketRequiresSupervisor(t *testing.T) {
	env := newTestEnv(t)
	res := env.do(t, http.MethodGet, "/v1/monitoring/events/ws", 42, "commercial", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}
