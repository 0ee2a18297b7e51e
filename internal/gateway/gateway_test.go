package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/crm-gateway/internal/auth"
	"github.com/npezzotti/crm-gateway/internal/bus"
	"github.com/npezzotti/crm-gateway/internal/rooms"
	"github.com/npezzotti/crm-gateway/internal/testutil"
	"github.com/npezzotti/crm-gateway/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

var (
	testKey = []byte("0123456789abcdef0123456789abcdef")
	alice   = types.Identity{Id: "u1", TenantId: "t1", Name: "Alice", Role: "agent"}
	bob     = types.Identity{Id: "u2", TenantId: "t1", Name: "Bob", Role: "agent"}
)

type harness struct {
	gw *Gateway
	rm *rooms.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := testutil.TestLogger(t)
	tr := bus.NewMemoryTransport()
	t.Cleanup(func() { tr.Close() })

	rm := rooms.NewManager(logger)
	relay := bus.NewRelay(logger, tr, "", "node-test", rm, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, relay.Start(ctx))

	verifier, err := auth.NewVerifier(testKey, false)
	require.NoError(t, err)

	gw := New(logger, verifier, rm, bus.NewPublisher(logger, tr, "", "node-test", nil), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		gw.Shutdown(ctx)
	})

	return &harness{gw: gw, rm: rm}
}

func (h *harness) connect(t *testing.T, id types.Identity) (*Connection, *fakeSocket) {
	t.Helper()
	s := newFakeSocket()
	c, err := h.gw.Connect(id, s)
	require.NoError(t, err)
	return c, s
}

// observe attaches a bare member to scope to watch what is broadcast there.
func (h *harness) observe(id string, scope types.Scope) *testutil.FakeMember {
	m := testutil.NewFakeMember(id)
	h.rm.Attach(m)
	h.rm.Join(id, scope)
	return m
}

func presenceUpdates(m *testutil.FakeMember) []types.Presence {
	var out []types.Presence
	for _, msg := range m.Received() {
		if msg.Event != EventPresenceUpdate {
			continue
		}
		var p types.Presence
		if err := json.Unmarshal(msg.Data, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)

	valid, err := auth.SignToken(testKey, alice, time.Hour)
	require.NoError(t, err)
	noTenant, err := auth.SignToken(testKey, types.Identity{Id: "u1"}, time.Hour)
	require.NoError(t, err)
	noId, err := auth.SignToken(testKey, types.Identity{TenantId: "t1"}, time.Hour)
	require.NoError(t, err)
	wrongKey, err := auth.SignToken([]byte("another-key-another-key-another!"), alice, time.Hour)
	require.NoError(t, err)

	tcases := []struct {
		name  string
		token string
		valid bool
	}{
		{name: "well formed", token: valid, valid: true},
		{name: "missing tenant", token: noTenant},
		{name: "missing id", token: noId},
		{name: "bad signature", token: wrongKey},
		{name: "garbage", token: "not-a-token"},
		{name: "empty", token: ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := h.gw.Authenticate(context.Background(), tc.token)
			if !tc.valid {
				assert.ErrorIs(t, err, auth.ErrAuthentication)
				assert.Equal(t, 0, h.gw.Len())
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "u1", id.Id)
			assert.Equal(t, "t1", id.TenantId)
		})
	}
}

func TestConnectJoinsDefaultScopes(t *testing.T) {
	h := newHarness(t)

	token, err := auth.SignToken(testKey, alice, time.Hour)
	require.NoError(t, err)
	id, err := h.gw.Authenticate(context.Background(), token)
	require.NoError(t, err)

	c, _ := h.connect(t, id)

	assert.NotEmpty(t, c.Id())
	assert.False(t, c.ConnectedAt().IsZero())
	assert.ElementsMatch(t, []types.Scope{
		types.TenantScope("t1"),
		types.UserScope("u1"),
	}, h.rm.ScopesOf(c.Id()))
	assert.Equal(t, 1, h.gw.Len())
	assert.Equal(t, 1, h.gw.LiveConnections("t1", "u1"))
}

func TestConnectRejectsInvalidIdentity(t *testing.T) {
	h := newHarness(t)

	_, err := h.gw.Connect(types.Identity{Id: "u1"}, newFakeSocket())
	assert.ErrorIs(t, err, auth.ErrAuthentication)
	assert.Equal(t, 0, h.gw.Len())
	assert.Equal(t, 0, h.rm.Len())
}

func TestOfflineOnlyForLastConnection(t *testing.T) {
	h := newHarness(t)
	observer := h.observe("observer", types.TenantScope("t1"))

	first, firstSocket := h.connect(t, alice)
	_, secondSocket := h.connect(t, alice)
	_, bobSocket := h.connect(t, bob)
	require.Equal(t, 2, h.gw.LiveConnections("t1", "u1"))

	firstSocket.drop()
	require.Eventually(t, func() bool { return h.gw.Len() == 2 }, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, h.rm.ScopesOf(first.Id()))

	// the relay is ordered, so once bob's update lands an offline for alice
	// would already have arrived
	bobSocket.receive(t, EventPresenceUpdate, "away")
	require.Eventually(t, func() bool { return len(presenceUpdates(observer)) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []types.Presence{{UserId: "u2", Status: types.PresenceAway}}, presenceUpdates(observer))

	secondSocket.drop()
	require.Eventually(t, func() bool { return len(presenceUpdates(observer)) == 2 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, types.Presence{UserId: "u1", Status: types.PresenceOffline}, presenceUpdates(observer)[1])
	assert.Equal(t, 0, h.gw.LiveConnections("t1", "u1"))

	bobSocket.receive(t, EventPresenceUpdate, map[string]string{"status": "busy"})
	require.Eventually(t, func() bool { return len(presenceUpdates(observer)) == 3 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, types.Presence{UserId: "u2", Status: types.PresenceBusy}, presenceUpdates(observer)[2])
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	observer := h.observe("observer", types.TenantScope("t1"))

	c, s := h.connect(t, alice)
	h.gw.Disconnect(c, "test")
	h.gw.Disconnect(c, "test again")

	require.Eventually(t, s.isClosed, waitTimeout, 10*time.Millisecond)
	assert.True(t, s.sentCloseFrame())
	assert.Equal(t, 0, h.gw.Len())
	assert.Empty(t, h.rm.ScopesOf(c.Id()))
	assert.False(t, h.rm.IsMember(c.Id(), types.TenantScope("t1")))

	// a later event proves the second call published nothing
	_, bobSocket := h.connect(t, bob)
	bobSocket.receive(t, EventPresenceUpdate, "online")
	require.Eventually(t, func() bool { return len(presenceUpdates(observer)) == 2 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []types.Presence{
		{UserId: "u1", Status: types.PresenceOffline},
		{UserId: "u2", Status: types.PresenceOnline},
	}, presenceUpdates(observer))

	assert.ErrorIs(t, c.Send(&types.OutboundMessage{Event: "x"}), ErrTransport)
}

func TestTypingSkipsSender(t *testing.T) {
	h := newHarness(t)

	a, aSocket := h.connect(t, alice)
	b, bSocket := h.connect(t, bob)

	aSocket.receive(t, EventConversationJoin, "c1")
	bSocket.receive(t, EventConversationJoin, map[string]string{"conversationId": "c1"})
	require.Eventually(t, func() bool {
		return h.rm.IsMember(a.Id(), types.ConversationScope("c1")) && h.rm.IsMember(b.Id(), types.ConversationScope("c1"))
	}, waitTimeout, 10*time.Millisecond)

	aSocket.receive(t, EventTypingStart, map[string]string{"conversationId": "c1"})
	require.Eventually(t, func() bool { return len(bSocket.received(EventTypingStart)) == 1 }, waitTimeout, 10*time.Millisecond)

	frame := bSocket.received(EventTypingStart)[0]
	assert.JSONEq(t, `{"conversationId":"c1","userId":"u1"}`, string(frame.Data))

	aSocket.receive(t, EventTypingStop, map[string]string{"conversationId": "c1"})
	require.Eventually(t, func() bool { return len(bSocket.received(EventTypingStop)) == 1 }, waitTimeout, 10*time.Millisecond)

	assert.Empty(t, aSocket.received(EventTypingStart))
	assert.Empty(t, aSocket.received(EventTypingStop))
}

func TestTypingRequiresMembership(t *testing.T) {
	h := newHarness(t)
	c, s := h.connect(t, alice)

	err := h.gw.HandleClientEvent(c, EventTypingStart, json.RawMessage(`{"conversationId":"c9"}`))
	assert.ErrorIs(t, err, ErrNotJoined)

	require.Eventually(t, func() bool { return len(s.received(EventError)) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.JSONEq(t, `{"event":"typing:start","message":"not joined to conversation"}`, string(s.received(EventError)[0].Data))
}

func TestJoinAndLeavePayloads(t *testing.T) {
	h := newHarness(t)
	c, _ := h.connect(t, alice)
	conv := types.ConversationScope("c1")

	tcases := []struct {
		name   string
		event  string
		data   string
		member bool
	}{
		{name: "join bare id", event: EventConversationJoin, data: `"c1"`, member: true},
		{name: "join again", event: EventConversationJoin, data: `{"conversationId":"c1"}`, member: true},
		{name: "leave object", event: EventConversationLeave, data: `{"conversationId":"c1"}`, member: false},
		{name: "leave again", event: EventConversationLeave, data: `"c1"`, member: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, h.gw.HandleClientEvent(c, tc.event, json.RawMessage(tc.data)))
			assert.Equal(t, tc.member, h.rm.IsMember(c.Id(), conv))
		})
	}

	assert.ElementsMatch(t, []types.Scope{types.TenantScope("t1"), types.UserScope("u1")}, h.rm.ScopesOf(c.Id()))
}

func TestMalformedPayloadsReachSenderOnly(t *testing.T) {
	h := newHarness(t)
	a, aSocket := h.connect(t, alice)
	_, bSocket := h.connect(t, bob)

	tcases := []struct {
		name  string
		event string
		data  string
	}{
		{name: "join number", event: EventConversationJoin, data: `42`},
		{name: "join empty id", event: EventConversationJoin, data: `{"conversationId":"  "}`},
		{name: "join wrong type", event: EventConversationJoin, data: `{"conversationId":5}`},
		{name: "leave missing payload", event: EventConversationLeave, data: ``},
		{name: "typing bare string", event: EventTypingStart, data: `"c1"`},
		{name: "presence number", event: EventPresenceUpdate, data: `7`},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.gw.HandleClientEvent(a, tc.event, json.RawMessage(tc.data))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}

	require.Eventually(t, func() bool { return len(aSocket.received(EventError)) == len(tcases) }, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, bSocket.received(EventError))

	// an unparseable frame is rejected without closing the connection
	aSocket.in <- []byte("{nope")
	require.Eventually(t, func() bool { return len(aSocket.received(EventError)) == len(tcases)+1 }, waitTimeout, 10*time.Millisecond)
	assert.False(t, aSocket.isClosed())
	assert.Equal(t, 2, h.gw.Len())
}

func TestPresenceRejectsOffline(t *testing.T) {
	h := newHarness(t)
	observer := h.observe("observer", types.TenantScope("t1"))
	c, s := h.connect(t, alice)

	err := h.gw.HandleClientEvent(c, EventPresenceUpdate, json.RawMessage(`"offline"`))
	assert.Error(t, err)

	require.Eventually(t, func() bool { return len(s.received(EventError)) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.JSONEq(t, `{"event":"presence:update","message":"invalid presence status"}`, string(s.received(EventError)[0].Data))
	assert.Empty(t, presenceUpdates(observer))
}

func TestUnknownEventIgnored(t *testing.T) {
	h := newHarness(t)
	c, s := h.connect(t, alice)

	assert.NoError(t, h.gw.HandleClientEvent(c, "invoice:paid", json.RawMessage(`{}`)))
	assert.Never(t, func() bool { return len(s.received(EventError)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestHandleCustomEvent(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(t, alice)
	_, bSocket := h.connect(t, bob)

	err := h.gw.Handle("ticket:claim", func(ctx context.Context, c *Connection, data json.RawMessage) error {
		h.rm.Broadcast(types.TenantScope(c.Identity().TenantId), "ticket:claimed", data, c.Id())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.gw.HandleClientEvent(a, "ticket:claim", json.RawMessage(`{"id":"T-1"}`)))
	require.Eventually(t, func() bool { return len(bSocket.received("ticket:claimed")) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.JSONEq(t, `{"id":"T-1"}`, string(bSocket.received("ticket:claimed")[0].Data))
}

func TestHandleRejectsReservedNames(t *testing.T) {
	h := newHarness(t)
	noop := func(context.Context, *Connection, json.RawMessage) error { return nil }

	for _, name := range []string{"", EventError, EventConversationJoin, EventTypingStart, EventPresenceUpdate} {
		assert.ErrorIs(t, h.gw.Handle(name, noop), ErrReservedEvent, name)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	a, aSocket := h.connect(t, alice)
	_, bSocket := h.connect(t, bob)

	require.NoError(t, h.gw.Handle("boom", func(context.Context, *Connection, json.RawMessage) error {
		panic("kaboom")
	}))

	aSocket.receive(t, "boom", nil)
	require.Eventually(t, func() bool { return len(aSocket.received(EventError)) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.JSONEq(t, `{"event":"boom","message":"internal error"}`, string(aSocket.received(EventError)[0].Data))

	// the connection keeps working after the panic
	aSocket.receive(t, EventConversationJoin, "c1")
	require.Eventually(t, func() bool { return h.rm.IsMember(a.Id(), types.ConversationScope("c1")) }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, 2, h.gw.Len())
	assert.Empty(t, bSocket.received(EventError))
}

type mockAuthorizer struct {
	mock.Mock
}

func (m *mockAuthorizer) CanJoin(ctx context.Context, id types.Identity, conversationId string) (bool, error) {
	args := m.Called(ctx, id, conversationId)
	return args.Bool(0), args.Error(1)
}

func TestJoinAuthorizer(t *testing.T) {
	h := newHarness(t)

	authz := new(mockAuthorizer)
	authz.On("CanJoin", mock.Anything, alice, "mine").Return(true, nil)
	authz.On("CanJoin", mock.Anything, alice, "theirs").Return(false, nil)
	authz.On("CanJoin", mock.Anything, alice, "broken").Return(false, errors.New("lookup failed"))
	h.gw.SetAuthorizer(authz)

	c, s := h.connect(t, alice)

	assert.NoError(t, h.gw.HandleClientEvent(c, EventConversationJoin, json.RawMessage(`"mine"`)))
	assert.True(t, h.rm.IsMember(c.Id(), types.ConversationScope("mine")))

	assert.ErrorIs(t, h.gw.HandleClientEvent(c, EventConversationJoin, json.RawMessage(`"theirs"`)), ErrForbidden)
	assert.False(t, h.rm.IsMember(c.Id(), types.ConversationScope("theirs")))

	assert.Error(t, h.gw.HandleClientEvent(c, EventConversationJoin, json.RawMessage(`"broken"`)))
	assert.False(t, h.rm.IsMember(c.Id(), types.ConversationScope("broken")))

	// only the forbidden join is reported to the client
	require.Eventually(t, func() bool { return len(s.received(EventError)) == 1 }, waitTimeout, 10*time.Millisecond)
	authz.AssertExpectations(t)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	_, s1 := h.connect(t, alice)
	_, s2 := h.connect(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))

	assert.True(t, s1.isClosed())
	assert.True(t, s2.isClosed())
	assert.Equal(t, 0, h.gw.Len())
	assert.Equal(t, 0, h.rm.Len())
}

// stalledPublisher blocks every publish until its context ends.
type stalledPublisher struct {
	calls atomic.Int32
}

func (p *stalledPublisher) Publish(ctx context.Context, _ bus.Envelope) error {
	p.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownBoundedByContext(t *testing.T) {
	logger := testutil.TestLogger(t)
	rm := rooms.NewManager(logger)
	verifier, err := auth.NewVerifier(testKey, false)
	require.NoError(t, err)

	pub := &stalledPublisher{}
	gw := New(logger, verifier, rm, pub, nil)

	var sockets []*fakeSocket
	for _, id := range []types.Identity{alice, bob, {Id: "u3", TenantId: "t2"}} {
		s := newFakeSocket()
		_, err := gw.Connect(id, s)
		require.NoError(t, err)
		sockets = append(sockets, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	gw.Shutdown(ctx)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return pub.calls.Load() == 3 }, waitTimeout, 10*time.Millisecond)
	for _, s := range sockets {
		require.Eventually(t, s.isClosed, waitTimeout, 10*time.Millisecond)
	}
	assert.Equal(t, 0, gw.Len())
}

func TestSendQueueFull(t *testing.T) {
	h := newHarness(t)
	c := newConnection("conn-x", alice, newFakeSocket(), h.gw)
	c.send = make(chan *types.OutboundMessage, 1)

	assert.NoError(t, c.Send(&types.OutboundMessage{Event: "one"}))
	assert.ErrorIs(t, c.Send(&types.OutboundMessage{Event: "two"}), ErrTransport)
}

func TestBusEventReachesConnection(t *testing.T) {
	logger := testutil.TestLogger(t)
	tr := bus.NewMemoryTransport()
	defer tr.Close()

	rm := rooms.NewManager(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.NewRelay(logger, tr, "", "node-test", rm, nil).Start(ctx))

	verifier, err := auth.NewVerifier(testKey, false)
	require.NoError(t, err)
	pub := bus.NewPublisher(logger, tr, "", "node-test", nil)
	gw := New(logger, verifier, rm, pub, nil)

	aliceSocket, targetSocket := newFakeSocket(), newFakeSocket()
	_, err = gw.Connect(alice, aliceSocket)
	require.NoError(t, err)
	_, err = gw.Connect(types.Identity{Id: "u9", TenantId: "t1"}, targetSocket)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, bus.Envelope{
		Type:     bus.EventNotification,
		TenantId: "t1",
		UserId:   "u9",
		Data:     json.RawMessage(`{"title":"Ping"}`),
	}))

	require.Eventually(t, func() bool { return len(targetSocket.received(bus.EventNotification)) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.JSONEq(t, `{"title":"Ping"}`, string(targetSocket.received(bus.EventNotification)[0].Data))
	assert.Empty(t, aliceSocket.received(bus.EventNotification))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), waitTimeout)
	defer shutdownCancel()
	require.NoError(t, gw.Shutdown(shutdownCtx))
}
