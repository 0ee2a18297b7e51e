package rooms

import (
	"encoding/json"
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/crm-gateway/internal/types"
)

// Member is a connection that can be placed into scopes.
type Member interface {
	Id() string
	Send(msg *types.OutboundMessage) error
}

// Manager is the in-process index of connection to scope membership.
// Both directions are only mutated under mu, through Join, Leave,
// LeaveAll and Detach.
type Manager struct {
	log     *log.Logger
	mu      sync.RWMutex
	members map[string]Member
	scopes  map[string]map[string]Member
	joined  map[string]map[string]struct{}
}

func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		log:     logger,
		members: make(map[string]Member),
		scopes:  make(map[string]map[string]Member),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Attach adds m to the primary table. Only attached members can join scopes.
func (rm *Manager) Attach(m Member) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.members[m.Id()] = m
	if rm.joined[m.Id()] == nil {
		rm.joined[m.Id()] = make(map[string]struct{})
	}
}

// Detach removes the member from every scope and from the primary table.
// It reports whether the member was attached.
func (rm *Manager) Detach(connId string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.members[connId]; !ok {
		return false
	}

	rm.leaveAllLocked(connId)
	delete(rm.members, connId)
	delete(rm.joined, connId)
	return true
}

// Join adds the connection to the scope. Joining twice is a no-op, and so is
// joining with a connection that is not attached.
func (rm *Manager) Join(connId string, scope types.Scope) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	m, ok := rm.members[connId]
	if !ok {
		return false
	}

	key := scope.Key()
	set := rm.scopes[key]
	if set == nil {
		set = make(map[string]Member)
		rm.scopes[key] = set
	}
	set[connId] = m
	rm.joined[connId][key] = struct{}{}
	return true
}

// Leave removes the connection from the scope. Leaving a scope that was never
// joined is a no-op.
func (rm *Manager) Leave(connId string, scope types.Scope) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.leaveLocked(connId, scope.Key())
}

// LeaveAll removes the connection from every scope it joined. The connection
// stays attached.
func (rm *Manager) LeaveAll(connId string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.leaveAllLocked(connId)
}

func (rm *Manager) leaveAllLocked(connId string) {
	for key := range rm.joined[connId] {
		rm.leaveLocked(connId, key)
	}
}

func (rm *Manager) leaveLocked(connId, key string) {
	if set, ok := rm.scopes[key]; ok {
		delete(set, connId)
		if len(set) == 0 {
			delete(rm.scopes, key)
		}
	}

	if keys, ok := rm.joined[connId]; ok {
		delete(keys, key)
	}
}

// MembersOf returns the ids of connections currently joined to scope.
func (rm *Manager) MembersOf(scope types.Scope) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	set := rm.scopes[scope.Key()]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// IsMember reports whether the connection is joined to scope.
func (rm *Manager) IsMember(connId string, scope types.Scope) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	_, ok := rm.scopes[scope.Key()][connId]
	return ok
}

// ScopesOf returns the scopes the connection is joined to.
func (rm *Manager) ScopesOf(connId string) []types.Scope {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	scopes := make([]types.Scope, 0, len(rm.joined[connId]))
	for key := range rm.joined[connId] {
		s, err := types.ParseScope(key)
		if err != nil {
			continue
		}
		scopes = append(scopes, s)
	}
	return scopes
}

// Broadcast delivers the event to every member of scope except the listed
// connection ids and returns the number of members the frame was queued for.
// Send failures are skipped; the failing connection gets reaped by its own
// disconnect path.
func (rm *Manager) Broadcast(scope types.Scope, event string, payload json.RawMessage, except ...string) int {
	rm.mu.RLock()
	set := rm.scopes[scope.Key()]
	targets := make([]Member, 0, len(set))
	for id, m := range set {
		if slices.Contains(except, id) {
			continue
		}
		targets = append(targets, m)
	}
	rm.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	msg := &types.OutboundMessage{
		Event:     event,
		Data:      payload,
		Timestamp: types.Now(),
	}

	delivered := 0
	for _, m := range targets {
		if err := m.Send(msg); err != nil {
			rm.log.Printf("broadcast %q to %s: skipping connection %s: %v", event, scope, m.Id(), err)
			continue
		}
		delivered++
	}
	return delivered
}

// Len returns the number of attached members.
func (rm *Manager) Len() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// NumScopes returns the number of non-empty scopes.
func (rm *Manager) NumScopes() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.scopes)
}
