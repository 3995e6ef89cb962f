package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/repository"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/rs/zerolog/log"
)

// Presence actions carried in presence_update events
const (
	ActionJoined  = "joined"
	ActionLeft    = "left"
	ActionOffline = "offline"
	ActionTyping  = "typing"
	ActionCursor  = "cursor"
)

// Publisher fans events out to connected clients
type Publisher interface {
	Publish(event types.BroadcastEvent)
}

type Config struct {
	TypingTimeout   time.Duration
	DisconnectGrace time.Duration
	LockTTL         time.Duration
}

func ConfigFromApp(cfg types.PresenceConfig) Config {
	return Config{
		TypingTimeout:   cfg.TypingTimeout,
		DisconnectGrace: cfg.DisconnectGrace,
		LockTTL:         cfg.LockTTL,
	}
}

type member struct {
	entry types.PresenceEntry
	conns map[string]struct{}
}

// Coordinator tracks who is present in each room, their cursors and typing
// state, and the advisory file locks they hold. It only stores connection
// IDs; connection lifecycle belongs to the broadcast hub.
type Coordinator struct {
	cfg   Config
	locks repository.LockRepository
	pub   Publisher

	mu    sync.Mutex
	rooms map[string]map[string]*member  // room -> user -> member
	conns map[string]map[string]struct{} // conn -> memberships ("room\x00user")
	held  map[string]map[string]struct{} // user -> file IDs locked through this coordinator

	typing  *common.Debouncer
	offline *common.Debouncer
}

func NewCoordinator(cfg Config, locks repository.LockRepository, pub Publisher) *Coordinator {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 5 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if locks == nil {
		locks = repository.NewLockMemoryRepository()
	}

	return &Coordinator{
		cfg:     cfg,
		locks:   locks,
		pub:     pub,
		rooms:   make(map[string]map[string]*member),
		conns:   make(map[string]map[string]struct{}),
		held:    make(map[string]map[string]struct{}),
		typing:  common.NewDebouncer(cfg.TypingTimeout),
		offline: common.NewDebouncer(cfg.DisconnectGrace),
	}
}

func membershipKey(room, userID string) string {
	return room + "\x00" + userID
}

func splitMembership(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func (c *Coordinator) publishPresence(action string, entry types.PresenceEntry) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(types.BroadcastEvent{
		Type: types.EventPresenceUpdate,
		Room: entry.Room,
		Data: types.PresenceUpdate{Action: action, Entry: entry},
	})
}

// Join marks userID present in room through connection connID
func (c *Coordinator) Join(room, userID, connID string) types.PresenceEntry {
	c.mu.Lock()
	members, ok := c.rooms[room]
	if !ok {
		members = make(map[string]*member)
		c.rooms[room] = members
	}

	m, ok := members[userID]
	if !ok {
		m = &member{
			entry: types.PresenceEntry{Room: room, UserID: userID},
			conns: make(map[string]struct{}),
		}
		members[userID] = m
	}
	announce := !m.entry.Online
	m.entry.Online = true
	m.entry.LastSeen = time.Now()
	m.conns[connID] = struct{}{}

	if c.conns[connID] == nil {
		c.conns[connID] = make(map[string]struct{})
	}
	c.conns[connID][membershipKey(room, userID)] = struct{}{}
	entry := m.entry
	c.mu.Unlock()

	c.offline.Cancel(membershipKey(room, userID))

	if announce {
		c.publishPresence(ActionJoined, entry)
	}
	return entry
}

// Leave drops connID from userID's presence in room. The user leaves the
// room once no connection of theirs remains in it.
func (c *Coordinator) Leave(room, userID, connID string) {
	key := membershipKey(room, userID)

	c.mu.Lock()
	m, ok := c.rooms[room][userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	if set, ok := c.conns[connID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.conns, connID)
		}
	}
	if len(m.conns) > 0 {
		c.mu.Unlock()
		return
	}
	c.removeMemberLocked(room, userID, m)
	entry := m.entry
	c.mu.Unlock()

	c.typing.Cancel(key)
	c.offline.Cancel(key)

	entry.Online = false
	entry.Typing = false
	c.publishPresence(ActionLeft, entry)
}

func (c *Coordinator) removeMemberLocked(room, userID string, m *member) {
	key := membershipKey(room, userID)
	for connID := range m.conns {
		if set, ok := c.conns[connID]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.conns, connID)
			}
		}
	}
	delete(c.rooms[room], userID)
	if len(c.rooms[room]) == 0 {
		delete(c.rooms, room)
	}
}

// Disconnect drops a connection from every room. Users left without a
// connection go offline after the grace period, and then lose their locks.
func (c *Coordinator) Disconnect(connID string) {
	c.mu.Lock()
	memberships := c.conns[connID]
	delete(c.conns, connID)

	var orphaned []string
	for key := range memberships {
		room, userID := splitMembership(key)
		m, ok := c.rooms[room][userID]
		if !ok {
			continue
		}
		delete(m.conns, connID)
		if len(m.conns) == 0 {
			orphaned = append(orphaned, key)
		}
	}
	c.mu.Unlock()

	for _, key := range orphaned {
		key := key
		c.offline.Call(key, func() { c.expire(key) })
	}
}

func (c *Coordinator) expire(key string) {
	room, userID := splitMembership(key)

	c.mu.Lock()
	m, ok := c.rooms[room][userID]
	if !ok || len(m.conns) > 0 {
		c.mu.Unlock()
		return
	}
	c.removeMemberLocked(room, userID, m)
	entry := m.entry
	stillConnected := c.connectedLocked(userID)
	c.mu.Unlock()

	c.typing.Cancel(key)

	entry.Online = false
	entry.Typing = false
	log.Debug().Str("room", room).Str("user_id", userID).Msg("presence expired")
	c.publishPresence(ActionOffline, entry)

	if !stillConnected {
		c.releaseAll(userID)
	}
}

// connectedLocked reports whether userID still has a connection anywhere
func (c *Coordinator) connectedLocked(userID string) bool {
	for _, members := range c.rooms {
		if m, ok := members[userID]; ok && len(m.conns) > 0 {
			return true
		}
	}
	return false
}

// Cursor records a caret position and selection
func (c *Coordinator) Cursor(room, userID string, cursor types.Cursor) bool {
	c.mu.Lock()
	m, ok := c.rooms[room][userID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	m.entry.Cursor = &cursor
	m.entry.LastSeen = time.Now()
	entry := m.entry
	c.mu.Unlock()

	c.publishPresence(ActionCursor, entry)
	return true
}

// TypingStart marks the user as typing. The flag clears on its own after the
// typing timeout unless refreshed.
func (c *Coordinator) TypingStart(room, userID string) bool {
	key := membershipKey(room, userID)

	c.mu.Lock()
	m, ok := c.rooms[room][userID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	changed := !m.entry.Typing
	m.entry.Typing = true
	m.entry.LastSeen = time.Now()
	entry := m.entry
	c.mu.Unlock()

	c.typing.Call(key, func() { c.TypingStop(room, userID) })

	if changed {
		c.publishPresence(ActionTyping, entry)
	}
	return true
}

func (c *Coordinator) TypingStop(room, userID string) {
	c.typing.Cancel(membershipKey(room, userID))

	c.mu.Lock()
	m, ok := c.rooms[room][userID]
	if !ok || !m.entry.Typing {
		c.mu.Unlock()
		return
	}
	m.entry.Typing = false
	entry := m.entry
	c.mu.Unlock()

	c.publishPresence(ActionTyping, entry)
}

// List returns the members of a room ordered by user ID
func (c *Coordinator) List(room string) []types.PresenceEntry {
	c.mu.Lock()
	out := make([]types.PresenceEntry, 0, len(c.rooms[room]))
	for _, m := range c.rooms[room] {
		entry := m.entry
		if entry.Cursor != nil {
			cur := *entry.Cursor
			entry.Cursor = &cur
		}
		out = append(out, entry)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Rooms returns the rooms connID is present in
func (c *Coordinator) Rooms(connID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	for key := range c.conns[connID] {
		room, _ := splitMembership(key)
		seen[room] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for room := range seen {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Close stops pending typing and offline timers
func (c *Coordinator) Close() {
	c.typing.Stop()
	c.offline.Stop()
}
