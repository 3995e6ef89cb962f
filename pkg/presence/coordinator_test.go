package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/airsync/pkg/repository"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []types.BroadcastEvent
}

func (r *recorder) Publish(e types.BroadcastEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) presence(action string) []types.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.PresenceEntry
	for _, e := range r.events {
		if e.Type != types.EventPresenceUpdate {
			continue
		}
		if u := e.Data.(types.PresenceUpdate); u.Action == action {
			out = append(out, u.Entry)
		}
	}
	return out
}

func (r *recorder) locks() []types.BroadcastEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.BroadcastEvent
	for _, e := range r.events {
		if e.Type == types.EventLockChanged {
			out = append(out, e)
		}
	}
	return out
}

func newCoordinatorForTest(t *testing.T, cfg Config, locks repository.LockRepository) (*Coordinator, *recorder) {
	t.Helper()
	pub := &recorder{}
	c := NewCoordinator(cfg, locks, pub)
	t.Cleanup(c.Close)
	return c, pub
}

func TestCoordinator_JoinAndLeave(t *testing.T) {
	c, pub := newCoordinatorForTest(t, Config{}, nil)
	room := types.ProjectRoom("p1")

	c.Join(room, "bob", "conn-2")
	c.Join(room, "alice", "conn-1")
	c.Join(room, "alice", "conn-3")

	members := c.List(room)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].UserID)
	assert.True(t, members[0].Online)

	// A second connection for the same user is not announced again
	assert.Len(t, pub.presence(ActionJoined), 2)
	assert.Equal(t, []string{room}, c.Rooms("conn-1"))

	// alice is still in the room through conn-3
	c.Leave(room, "alice", "conn-1")
	assert.Len(t, c.List(room), 2)
	assert.Empty(t, pub.presence(ActionLeft))
	assert.Empty(t, c.Rooms("conn-1"))
	assert.Equal(t, []string{room}, c.Rooms("conn-3"))

	c.Leave(room, "alice", "conn-3")
	assert.Len(t, c.List(room), 1)
	left := pub.presence(ActionLeft)
	require.Len(t, left, 1)
	assert.False(t, left[0].Online)
	assert.Empty(t, c.Rooms("conn-3"))
}

func TestCoordinator_DisconnectGoesOfflineAfterGrace(t *testing.T) {
	c, pub := newCoordinatorForTest(t, Config{DisconnectGrace: 50 * time.Millisecond}, nil)
	room := types.ProjectRoom("p1")

	c.Join(room, "alice", "conn-1")
	c.Disconnect("conn-1")

	// Still listed during the grace period
	assert.Len(t, c.List(room), 1)

	assert.Eventually(t, func() bool { return len(pub.presence(ActionOffline)) == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, c.List(room))
}

func TestCoordinator_ReconnectWithinGraceStaysOnline(t *testing.T) {
	c, pub := newCoordinatorForTest(t, Config{DisconnectGrace: 100 * time.Millisecond}, nil)
	room := types.ProjectRoom("p1")

	c.Join(room, "alice", "conn-1")
	c.Disconnect("conn-1")
	c.Join(room, "alice", "conn-2")

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, pub.presence(ActionOffline))
	assert.Len(t, pub.presence(ActionJoined), 1)
	assert.Len(t, c.List(room), 1)
}

func TestCoordinator_DisconnectKeepsUserWithOtherConnection(t *testing.T) {
	c, pub := newCoordinatorForTest(t, Config{DisconnectGrace: 20 * time.Millisecond}, nil)
	room := types.ProjectRoom("p1")

	c.Join(room, "alice", "conn-1")
	c.Join(room, "alice", "conn-2")
	c.Disconnect("conn-1")

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, pub.presence(ActionOffline))
	assert.Len(t, c.List(room), 1)
}

func TestCoordinator_CursorAndTyping(t *testing.T) {
	c, pub := newCoordinatorForTest(t, Config{TypingTimeout: 50 * time.Millisecond}, nil)
	room := types.FileRoom("f1")

	assert.False(t, c.Cursor(room, "alice", types.Cursor{Line: 1}))
	assert.False(t, c.TypingStart(room, "alice"))

	c.Join(room, "alice", "conn-1")
	require.True(t, c.Cursor(room, "alice", types.Cursor{Line: 4, Column: 2}))
	require.True(t, c.TypingStart(room, "alice"))
	require.True(t, c.TypingStart(room, "alice"))

	entry := c.List(room)[0]
	assert.True(t, entry.Typing)
	require.NotNil(t, entry.Cursor)
	assert.Equal(t, 4, entry.Cursor.Line)

	// Typing clears on its own
	assert.Eventually(t, func() bool { return !c.List(room)[0].Typing }, time.Second, 10*time.Millisecond)

	typing := pub.presence(ActionTyping)
	require.Len(t, typing, 2)
	assert.True(t, typing[0].Typing)
	assert.False(t, typing[1].Typing)
	assert.Len(t, pub.presence(ActionCursor), 1)
}

func TestCoordinator_LocksMemory(t *testing.T) {
	testLocks(t, repository.NewLockMemoryRepository())
}

func TestCoordinator_LocksRedis(t *testing.T) {
	rdb, err := repository.NewRedisClientForTest()
	require.NoError(t, err)
	testLocks(t, repository.NewLockRedisRepositoryForTest(rdb))
}

func testLocks(t *testing.T, repo repository.LockRepository) {
	c, pub := newCoordinatorForTest(t, Config{LockTTL: time.Minute}, repo)
	ctx := context.Background()

	lock, err := c.AcquireLock(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", lock.HolderID)

	// Re-acquiring refreshes quietly
	_, err = c.AcquireLock(ctx, "f1", "alice")
	require.NoError(t, err)

	_, err = c.AcquireLock(ctx, "f1", "bob")
	assert.True(t, (&types.ErrAlreadyLocked{}).From(err))

	holder, err := c.Holder(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "alice", holder.HolderID)

	err = c.ReleaseLock(ctx, "f1", "bob")
	assert.True(t, (&types.ErrNotLockHolder{}).From(err))

	require.NoError(t, c.ReleaseLock(ctx, "f1", "alice"))
	holder, err = c.Holder(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, holder)

	events := pub.locks()
	require.Len(t, events, 2)
	assert.Equal(t, types.FileRoom("f1"), events[0].Room)
	assert.True(t, events[0].Data.(types.LockChanged).Locked)
	assert.False(t, events[1].Data.(types.LockChanged).Locked)
	assert.Empty(t, c.HeldBy("alice"))
}

func TestCoordinator_DisconnectReleasesLocks(t *testing.T) {
	c, pub := newCoordinatorForTest(t, Config{DisconnectGrace: 30 * time.Millisecond}, nil)
	ctx := context.Background()
	room := types.FileRoom("f1")

	c.Join(room, "alice", "conn-1")
	c.Join(types.ProjectRoom("p1"), "alice", "conn-1")
	_, err := c.AcquireLock(ctx, "f1", "alice")
	require.NoError(t, err)

	c.Disconnect("conn-1")
	assert.Eventually(t, func() bool { return len(c.HeldBy("alice")) == 0 }, time.Second, 10*time.Millisecond)

	holder, err := c.Holder(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, holder)
	assert.Len(t, pub.locks(), 2)

	// Someone else can take it now
	_, err = c.AcquireLock(ctx, "f1", "bob")
	assert.NoError(t, err)
}

func TestCoordinator_RefreshKeepsLocksAlive(t *testing.T) {
	rdb, s, err := repository.NewRedisClientAndServerForTest()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c, _ := newCoordinatorForTest(t, Config{LockTTL: 30 * time.Second}, repository.NewLockRedisRepositoryForTest(rdb))
	ctx := context.Background()

	_, err = c.AcquireLock(ctx, "f1", "alice")
	require.NoError(t, err)

	s.FastForward(20 * time.Second)
	c.refresh(ctx)
	s.FastForward(20 * time.Second)

	holder, err := c.Holder(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "alice", holder.HolderID)

	// Expired and taken by someone else: the refresh gives it up
	s.FastForward(time.Minute)
	_, err = c.locks.Acquire(ctx, "f1", "bob", time.Minute)
	require.NoError(t, err)
	c.refresh(ctx)
	assert.Empty(t, c.HeldBy("alice"))
}
