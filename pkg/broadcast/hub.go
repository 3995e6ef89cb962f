package broadcast

import (
	"sort"
	"sync"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/rs/zerolog/log"
)

// Client is a connected receiver of room events. Send must not block; a
// false return means the client cannot keep up and it is dropped.
type Client interface {
	ID() string
	Send(event types.BroadcastEvent) bool
	Close()
}

// Hub owns client connections and their room memberships. Events published
// through the hub are relayed over the event bus when it is remote so every
// gateway replica delivers them to its own clients.
type Hub struct {
	bus *common.EventBus

	mu      sync.RWMutex
	clients map[string]Client
	rooms   map[string]map[string]struct{} // room -> client IDs
	joined  map[string]map[string]struct{} // client ID -> rooms
	onDrop  []func(clientID string)
}

func NewHub(bus *common.EventBus) *Hub {
	h := &Hub{
		bus:     bus,
		clients: make(map[string]Client),
		rooms:   make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
	if bus != nil {
		bus.On(h.deliver)
	}
	return h
}

// OnDrop registers fn to run after a client is unregistered for any reason
func (h *Hub) OnDrop(fn func(clientID string)) {
	h.mu.Lock()
	h.onDrop = append(h.onDrop, fn)
	h.mu.Unlock()
}

func (h *Hub) Register(c Client) {
	h.mu.Lock()
	h.clients[c.ID()] = c
	h.mu.Unlock()
}

// Unregister removes the client from every room and closes it
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	h.leaveAllLocked(clientID)
	callbacks := h.onDrop
	h.mu.Unlock()

	c.Close()
	for _, fn := range callbacks {
		fn(clientID)
	}
}

func (h *Hub) Join(room, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][clientID] = struct{}{}

	if h.joined[clientID] == nil {
		h.joined[clientID] = make(map[string]struct{})
	}
	h.joined[clientID][room] = struct{}{}
}

func (h *Hub) Leave(room, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, clientID)
}

// LeaveAll removes the client from every room and returns the rooms it left
func (h *Hub) LeaveAll(clientID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveAllLocked(clientID)
}

func (h *Hub) leaveLocked(room, clientID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.joined[clientID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.joined, clientID)
		}
	}
}

func (h *Hub) leaveAllLocked(clientID string) []string {
	var left []string
	for room := range h.joined[clientID] {
		left = append(left, room)
	}
	for _, room := range left {
		h.leaveLocked(room, clientID)
	}
	sort.Strings(left)
	return left
}

// Members returns the IDs of clients in room on this replica
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms returns the rooms a client has joined
func (h *Hub) Rooms(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.joined[clientID]))
	for room := range h.joined[clientID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Client returns a registered client
func (h *Hub) Client(clientID string) (Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	return c, ok
}

// Publish fans event out to its room
func (h *Hub) Publish(event types.BroadcastEvent) {
	if event.Local || h.bus == nil || !h.bus.Remote() {
		h.deliver(event)
		return
	}
	h.bus.Emit(event)
}

// SendTo delivers an event to one client only
func (h *Hub) SendTo(clientID string, event types.BroadcastEvent) bool {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.Send(event) {
		h.drop(c)
		return false
	}
	return true
}

func (h *Hub) deliver(event types.BroadcastEvent) {
	h.mu.RLock()
	targets := make([]Client, 0, len(h.rooms[event.Room]))
	for id := range h.rooms[event.Room] {
		if id == event.Exclude {
			continue
		}
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(event) {
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c Client) {
	log.Warn().Str("client_id", c.ID()).Msg("client too slow, dropping")
	go h.Unregister(c.ID())
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Unregister(id)
	}
}
