package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/dukerupert/taskhub/internal/model"
	"github.com/dukerupert/taskhub/internal/token"
)

type fakeBacklog struct {
	mu     sync.Mutex
	items  map[string][]model.Notification
	err    error
	limits []int
}

func (f *fakeBacklog) FindUnreadRecent(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	items := f.items[userID]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

type fakeUsers struct {
	mu   sync.Mutex
	gone map[string]bool
	err  error
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.gone[id] {
		return nil, nil
	}
	return &model.User{ID: id, Username: id}, nil
}

func (f *fakeUsers) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone[id] = true
}

func unread(userID string, n int) []model.Notification {
	out := make([]model.Notification, n)
	for i := range out {
		out[i] = model.Notification{
			ID:          fmt.Sprintf("n%d", i),
			RecipientID: userID,
			Type:        model.NotificationTaskAssigned,
			Message:     fmt.Sprintf("message %d", i),
		}
	}
	return out
}

type gatewayFixture struct {
	hub     *Hub
	tokens  *token.Manager
	users   *fakeUsers
	backlog *fakeBacklog
	server  *httptest.Server
}

func newGatewayFixture(t *testing.T, opts Options) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		hub:     NewHub(zap.NewNop()),
		tokens:  token.NewManager("gateway-test-secret", time.Hour),
		users:   &fakeUsers{gone: map[string]bool{}},
		backlog: &fakeBacklog{items: map[string][]model.Notification{}},
	}
	gw := NewGateway(f.hub, f.tokens, f.users, f.backlog, opts, zap.NewNop())
	f.server = httptest.NewServer(gw)
	t.Cleanup(f.server.Close)
	return f
}

func (f *gatewayFixture) dial(t *testing.T) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func (f *gatewayFixture) credential(t *testing.T, userID string) string {
	t.Helper()
	cred, err := f.tokens.Issue(userID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return cred
}

func send(t *testing.T, conn *ws.Conn, event string, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func recv(t *testing.T, conn *ws.Conn) outboundFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f outboundFrame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func recvAuth(t *testing.T, conn *ws.Conn) AuthResult {
	t.Helper()
	f := recv(t, conn)
	if f.Event != EventAuthenticated {
		t.Fatalf("event = %q, want %q", f.Event, EventAuthenticated)
	}
	var res AuthResult
	if err := json.Unmarshal(f.Data, &res); err != nil {
		t.Fatalf("unmarshal auth result: %v", err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions() Options {
	return Options{
		AuthTimeout:    2 * time.Second,
		ReplayLimit:    5,
		ReplayInterval: 40 * time.Millisecond,
	}
}

func TestGatewayAuthenticateJoinsRoom(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	res := recvAuth(t, conn)
	if !res.Success || res.UserID != "alice" {
		t.Fatalf("auth result = %+v", res)
	}
	waitFor(t, "room join", func() bool { return f.hub.RoomSize("alice") == 1 })

	f.hub.Broadcast([]string{"alice"}, EventTaskUpdate, map[string]string{"id": "t1"})
	frame := recv(t, conn)
	if frame.Event != EventTaskUpdate {
		t.Errorf("event = %q, want %q", frame.Event, EventTaskUpdate)
	}
}

func TestGatewayReplaysUnreadNewestFirstWithSpacing(t *testing.T) {
	opts := testOptions()
	f := newGatewayFixture(t, opts)
	f.backlog.items["bob"] = unread("bob", 7)
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, f.credential(t, "bob"))
	if res := recvAuth(t, conn); !res.Success {
		t.Fatalf("auth failed: %+v", res)
	}

	var arrivals []time.Time
	for i := 0; i < 5; i++ {
		frame := recv(t, conn)
		arrivals = append(arrivals, time.Now())
		if frame.Event != EventNotification {
			t.Fatalf("frame %d event = %q", i, frame.Event)
		}
		var n model.Notification
		if err := json.Unmarshal(frame.Data, &n); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if want := fmt.Sprintf("n%d", i); n.ID != want {
			t.Errorf("frame %d id = %q, want %q", i, n.ID, want)
		}
	}

	minSpan := 4*opts.ReplayInterval - opts.ReplayInterval/2
	if span := arrivals[4].Sub(arrivals[0]); span < minSpan {
		t.Errorf("replay span = %v, want at least %v", span, minSpan)
	}
	// Each send waits a full interval after the previous one; allow for
	// scheduling jitter on the receiving side only.
	for i := 1; i < len(arrivals); i++ {
		if gap := arrivals[i].Sub(arrivals[i-1]); gap < opts.ReplayInterval*3/4 {
			t.Errorf("gap %d->%d = %v, want about %v", i-1, i, gap, opts.ReplayInterval)
		}
	}

	f.backlog.mu.Lock()
	limits := f.backlog.limits
	f.backlog.mu.Unlock()
	if len(limits) != 1 || limits[0] != 5 {
		t.Errorf("backlog limits = %v, want [5]", limits)
	}

	// Nothing beyond the limit follows.
	ctx, cancel := context.WithTimeout(context.Background(), 3*opts.ReplayInterval)
	defer cancel()
	var extra outboundFrame
	if err := wsjson.Read(ctx, conn, &extra); err == nil {
		t.Errorf("unexpected extra frame %q", extra.Event)
	}
}

func TestGatewayInvalidCredentialKeepsSocketOpen(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, "not-a-token")
	res := recvAuth(t, conn)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "Authentication failed" {
		t.Errorf("error = %q", res.Error)
	}
	if got := f.hub.RoomSize("alice"); got != 0 {
		t.Errorf("room size = %d, want 0", got)
	}

	// A retry on the same socket succeeds.
	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	if res := recvAuth(t, conn); !res.Success {
		t.Errorf("retry failed: %+v", res)
	}
}

func TestGatewayNonStringCredential(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, map[string]int{"token": 1})
	if res := recvAuth(t, conn); res.Success {
		t.Error("expected failure for non-string credential")
	}
}

func TestGatewayIgnoresMalformedAndUnknownFrames(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	conn := f.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, ws.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, conn, "dance", nil)
	send(t, conn, EventError, "client side problem")

	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	if res := recvAuth(t, conn); !res.Success {
		t.Errorf("auth after junk failed: %+v", res)
	}
}

func TestGatewayTimeoutClosesUnauthenticated(t *testing.T) {
	opts := testOptions()
	opts.AuthTimeout = 80 * time.Millisecond
	f := newGatewayFixture(t, opts)
	conn := f.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	if status := ws.CloseStatus(err); status != ws.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v (err %v)", status, ws.StatusPolicyViolation, err)
	}
	waitFor(t, "client cleanup", func() bool { return f.hub.ClientCount() == 0 })
}

func TestGatewayAuthenticatedSurvivesTimeout(t *testing.T) {
	opts := testOptions()
	opts.AuthTimeout = 80 * time.Millisecond
	f := newGatewayFixture(t, opts)
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	if res := recvAuth(t, conn); !res.Success {
		t.Fatalf("auth failed: %+v", res)
	}

	time.Sleep(3 * opts.AuthTimeout)

	f.hub.Broadcast([]string{"alice"}, EventNotification, map[string]string{"id": "late"})
	if frame := recv(t, conn); frame.Event != EventNotification {
		t.Errorf("event = %q, want notification", frame.Event)
	}
}

func TestGatewayRejectsDifferentUserOnReauth(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	if res := recvAuth(t, conn); !res.Success {
		t.Fatalf("auth failed: %+v", res)
	}

	send(t, conn, EventAuthenticate, f.credential(t, "mallory"))
	res := recvAuth(t, conn)
	if res.Success {
		t.Fatal("re-auth as another user should fail")
	}
	if f.hub.RoomSize("mallory") != 0 || f.hub.RoomSize("alice") != 1 {
		t.Errorf("rooms: alice=%d mallory=%d", f.hub.RoomSize("alice"), f.hub.RoomSize("mallory"))
	}

	// Same user again is fine and stays in one room.
	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	if res := recvAuth(t, conn); !res.Success {
		t.Errorf("same-user re-auth failed: %+v", res)
	}
	if got := f.hub.RoomSize("alice"); got != 1 {
		t.Errorf("alice room size = %d, want 1", got)
	}
}

func TestGatewayReauthRestartsReplay(t *testing.T) {
	opts := testOptions()
	opts.ReplayInterval = 150 * time.Millisecond
	f := newGatewayFixture(t, opts)
	f.backlog.items["bob"] = unread("bob", 3)
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, f.credential(t, "bob"))
	recvAuth(t, conn)
	if frame := recv(t, conn); frame.Event != EventNotification {
		t.Fatalf("event = %q", frame.Event)
	}

	// Re-authenticate before the second notification is due.
	send(t, conn, EventAuthenticate, f.credential(t, "bob"))
	recvAuth(t, conn)

	var ids []string
	for i := 0; i < 3; i++ {
		frame := recv(t, conn)
		var n model.Notification
		json.Unmarshal(frame.Data, &n)
		ids = append(ids, n.ID)
	}
	want := []string{"n0", "n1", "n2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids after re-auth = %v, want %v", ids, want)
		}
	}
}

func TestGatewayBacklogErrorStillAuthenticates(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	f.backlog.err = errors.New("database is locked")
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	if res := recvAuth(t, conn); !res.Success {
		t.Fatalf("auth failed: %+v", res)
	}
	waitFor(t, "room join", func() bool { return f.hub.RoomSize("alice") == 1 })

	f.hub.Broadcast([]string{"alice"}, EventTaskUpdate, "x")
	if frame := recv(t, conn); frame.Event != EventTaskUpdate {
		t.Errorf("event = %q, want taskUpdate", frame.Event)
	}
}

func TestGatewayDisconnectLeavesRoom(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	f.backlog.items["alice"] = unread("alice", 5)
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	recvAuth(t, conn)
	recv(t, conn)

	conn.Close(ws.StatusNormalClosure, "bye")

	waitFor(t, "room cleanup", func() bool { return f.hub.RoomSize("alice") == 0 })
	waitFor(t, "client cleanup", func() bool { return f.hub.ClientCount() == 0 })

	// Broadcasting to a user with no live session is harmless.
	f.hub.Broadcast([]string{"alice"}, EventNotification, "x")
}

func TestNewGatewayDefaults(t *testing.T) {
	g := NewGateway(NewHub(zap.NewNop()), nil, nil, nil, Options{ReplayInterval: -1}, zap.NewNop())
	if g.opts.AuthTimeout != 30*time.Second {
		t.Errorf("auth timeout = %v, want 30s", g.opts.AuthTimeout)
	}
	if g.opts.ReplayLimit != 5 || g.opts.ReplayInterval != 300*time.Millisecond {
		t.Errorf("replay = %d every %v, want 5 every 300ms", g.opts.ReplayLimit, g.opts.ReplayInterval)
	}
}

func TestGatewayAuthenticateRejectsDeletedUser(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	cred := f.credential(t, "alice")
	f.users.remove("alice")
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, cred)
	res := recvAuth(t, conn)
	if res.Success {
		t.Fatalf("deleted user authenticated: %+v", res)
	}
	if res.Error != "Authentication failed" {
		t.Errorf("error = %q", res.Error)
	}
	if got := f.hub.RoomSize("alice"); got != 0 {
		t.Errorf("room size = %d, want 0", got)
	}
}

func TestGatewayAuthenticateLookupError(t *testing.T) {
	f := newGatewayFixture(t, testOptions())
	f.users.err = errors.New("database is locked")
	conn := f.dial(t)

	send(t, conn, EventAuthenticate, f.credential(t, "alice"))
	if res := recvAuth(t, conn); res.Success {
		t.Fatalf("auth succeeded despite lookup error: %+v", res)
	}
	if got := f.hub.RoomSize("alice"); got != 0 {
		t.Errorf("room size = %d, want 0", got)
	}
}

func TestGatewayTimeoutDropsSilentPeer(t *testing.T) {
	opts := testOptions()
	opts.AuthTimeout = 200 * time.Millisecond
	f := newGatewayFixture(t, opts)
	f.dial(t)
	waitFor(t, "client registered", func() bool { return f.hub.ClientCount() == 1 })

	// The client never reads, so it never answers the close handshake.
	start := time.Now()
	waitFor(t, "client cleanup", func() bool { return f.hub.ClientCount() == 0 })
	if elapsed := time.Since(start); elapsed > opts.AuthTimeout+closeGrace+time.Second {
		t.Errorf("silent peer dropped after %v", elapsed)
	}
}
