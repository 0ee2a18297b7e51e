// Package gateway owns live client connections. It binds each verified
// identity to its tenant and user scopes, dispatches client events and
// unwinds all per-connection state on disconnect.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/crm-gateway/internal/auth"
	"github.com/npezzotti/crm-gateway/internal/presence"
	"github.com/npezzotti/crm-gateway/internal/rooms"
	"github.com/npezzotti/crm-gateway/internal/stats"
	"github.com/npezzotti/crm-gateway/internal/types"
	"github.com/teris-io/shortid"
)

const publishTimeout = 5 * time.Second

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrTransport      = errors.New("transport error")
	ErrForbidden      = errors.New("forbidden")
	ErrNotJoined      = errors.New("not joined to conversation")
	ErrReservedEvent  = errors.New("reserved event name")
)

// HandlerFunc handles one client event.
type HandlerFunc func(ctx context.Context, c *Connection, data json.RawMessage) error

// ConversationAuthorizer decides whether an identity may join a conversation.
type ConversationAuthorizer interface {
	CanJoin(ctx context.Context, id types.Identity, conversationId string) (bool, error)
}

type allowAll struct{}

func (allowAll) CanJoin(context.Context, types.Identity, string) (bool, error) {
	return true, nil
}

type Gateway struct {
	log        *log.Logger
	verifier   auth.Verifier
	rooms      *rooms.Manager
	presence   *presence.Coordinator
	stats      stats.StatsProvider
	authorizer ConversationAuthorizer

	mu    sync.Mutex
	conns map[string]*Connection
	live  map[liveKey]int

	handlersLock sync.RWMutex
	handlers     map[string]HandlerFunc
	builtin      map[string]struct{}

	wg sync.WaitGroup
}

type liveKey struct {
	tenantId string
	userId   string
}

func New(logger *log.Logger, verifier auth.Verifier, rm *rooms.Manager, pub presence.Publisher, su stats.StatsProvider) *Gateway {
	if su == nil {
		su = stats.NopStats{}
	}

	gw := &Gateway{
		log:        logger,
		verifier:   verifier,
		rooms:      rm,
		presence:   presence.NewCoordinator(logger, pub),
		stats:      su,
		authorizer: allowAll{},
		conns:      make(map[string]*Connection),
		live:       make(map[liveKey]int),
		handlers:   make(map[string]HandlerFunc),
		builtin:    make(map[string]struct{}),
	}

	for name, fn := range map[string]HandlerFunc{
		EventConversationJoin:  gw.handleJoin,
		EventConversationLeave: gw.handleLeave,
		EventTypingStart:       gw.handleTypingStart,
		EventTypingStop:        gw.handleTypingStop,
		EventPresenceUpdate:    gw.handlePresence,
	} {
		gw.handlers[name] = fn
		gw.builtin[name] = struct{}{}
	}

	return gw
}

// SetAuthorizer installs a check for conversation:join. Without one every
// join is accepted.
func (gw *Gateway) SetAuthorizer(a ConversationAuthorizer) {
	if a == nil {
		a = allowAll{}
	}
	gw.authorizer = a
}

// Handle registers fn for a custom client event. The built in events cannot
// be replaced.
func (gw *Gateway) Handle(name string, fn HandlerFunc) error {
	if name == "" || name == EventError {
		return fmt.Errorf("%w: %q", ErrReservedEvent, name)
	}

	gw.handlersLock.Lock()
	defer gw.handlersLock.Unlock()

	if _, ok := gw.builtin[name]; ok {
		return fmt.Errorf("%w: %q", ErrReservedEvent, name)
	}
	gw.handlers[name] = fn
	return nil
}

func (gw *Gateway) handler(name string) (HandlerFunc, bool) {
	gw.handlersLock.RLock()
	defer gw.handlersLock.RUnlock()

	fn, ok := gw.handlers[name]
	return fn, ok
}

// Authenticate verifies the handshake token. A failure creates no state.
func (gw *Gateway) Authenticate(ctx context.Context, token string) (types.Identity, error) {
	id, err := gw.verifier.Verify(ctx, token)
	if err != nil {
		gw.stats.Incr(stats.AuthFailures)
		return types.Identity{}, err
	}
	return id, nil
}

// Connect registers a verified identity on socket, joins its tenant and user
// scopes and starts the connection pumps.
func (gw *Gateway) Connect(identity types.Identity, socket Socket) (*Connection, error) {
	if !identity.Valid() {
		return nil, fmt.Errorf("%w: missing id or tenantId", auth.ErrAuthentication)
	}

	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	c := newConnection(id, identity, socket, gw)

	gw.mu.Lock()
	gw.conns[c.id] = c
	gw.live[liveKey{identity.TenantId, identity.Id}]++
	gw.mu.Unlock()

	gw.rooms.Attach(c)
	gw.rooms.Join(c.id, types.TenantScope(identity.TenantId))
	gw.rooms.Join(c.id, types.UserScope(identity.Id))
	gw.stats.Incr(stats.NumActiveConnections)

	gw.log.Printf("connection %s opened for user %s in tenant %s", c.id, identity.Id, identity.TenantId)

	gw.wg.Add(2)
	go c.write()
	go c.read()

	return c, nil
}

// HandleClientEvent dispatches one client event. Unknown names are ignored.
// Rejected events are reported to the sender only, and a panicking handler
// affects nothing but the event that triggered it.
func (gw *Gateway) HandleClientEvent(c *Connection, name string, data json.RawMessage) (err error) {
	fn, ok := gw.handler(name)
	if !ok {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			gw.log.Printf("connection %s: panic handling %q: %v", c.id, name, r)
			c.sendError(name, "internal error")
			err = fmt.Errorf("%q: handler panic: %v", name, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err = fn(ctx, c, data); err != nil {
		gw.log.Printf("connection %s: %s: %v", c.id, name, err)
		if reason := rejection(err); reason != "" {
			gw.stats.Incr(stats.ClientEventsDropped)
			c.sendError(name, reason)
		}
	}
	return err
}

// rejection maps err to the reason shown to the client, or "" when the
// failure is not the client's to see.
func rejection(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return "malformed payload"
	case errors.Is(err, presence.ErrInvalidStatus):
		return "invalid presence status"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotJoined):
		return "not joined to conversation"
	}
	return ""
}

// Disconnect unwinds every piece of state held for c. The user's last
// connection in a tenant announces offline presence. Calling it again is a
// no-op.
func (gw *Gateway) Disconnect(c *Connection, reason string) {
	gw.disconnect(context.Background(), c, reason)
}

// disconnect stops the write pump, which sends the close frame and releases
// the socket. The offline publish is bounded by ctx.
func (gw *Gateway) disconnect(ctx context.Context, c *Connection, reason string) {
	if !c.close() {
		return
	}

	gw.rooms.Detach(c.id)

	key := liveKey{c.identity.TenantId, c.identity.Id}
	gw.mu.Lock()
	delete(gw.conns, c.id)
	gw.live[key]--
	last := gw.live[key] <= 0
	if last {
		delete(gw.live, key)
	}
	gw.mu.Unlock()

	gw.stats.Decr(stats.NumActiveConnections)
	gw.log.Printf("connection %s closed: %s", c.id, reason)

	if last {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := gw.presence.Offline(ctx, c.identity); err != nil {
			gw.log.Printf("offline presence for user %s: %v", c.identity.Id, err)
		}
	}
}

// LiveConnections is the number of open connections the user holds in the
// tenant on this process.
func (gw *Gateway) LiveConnections(tenantId, userId string) int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.live[liveKey{tenantId, userId}]
}

func (gw *Gateway) Len() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.conns)
}

// Shutdown disconnects every connection and waits for their pumps to exit,
// giving up when ctx is done.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.log.Println("received shutdown signal")

	gw.mu.Lock()
	conns := make([]*Connection, 0, len(gw.conns))
	for _, c := range gw.conns {
		conns = append(conns, c)
	}
	gw.mu.Unlock()

	var pending sync.WaitGroup
	for _, c := range conns {
		pending.Add(1)
		go func() {
			defer pending.Done()
			gw.disconnect(ctx, c, "server shutdown")
		}()
	}

	done := make(chan struct{})
	go func() {
		pending.Wait()
		gw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
