package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/repository"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id     string
	mu     sync.Mutex
	events []types.BroadcastEvent
	full   bool
	closed bool
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(e types.BroadcastEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, e)
	return true
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeClient) received() []types.BroadcastEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.BroadcastEvent(nil), c.events...)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestHub_RoomsAndExclude(t *testing.T) {
	h := NewHub(nil)
	a, b, c := &fakeClient{id: "a"}, &fakeClient{id: "b"}, &fakeClient{id: "c"}
	for _, cl := range []*fakeClient{a, b, c} {
		h.Register(cl)
	}

	room := types.ProjectRoom("p1")
	h.Join(room, "a")
	h.Join(room, "b")
	h.Join(types.FileRoom("f1"), "a")
	assert.Equal(t, []string{"a", "b"}, h.Members(room))

	h.Publish(types.BroadcastEvent{Type: types.EventFileSystemUpdate, Room: room, Exclude: "a"})
	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)
	assert.Empty(t, c.received())

	assert.Equal(t, []string{types.FileRoom("f1"), room}, h.LeaveAll("a"))
	assert.Equal(t, []string{"b"}, h.Members(room))

	h.Leave(room, "b")
	assert.Empty(t, h.Members(room))
	assert.Empty(t, h.Rooms("b"))
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := NewHub(nil)
	slow := &fakeClient{id: "slow", full: true}
	h.Register(slow)
	h.Join("project:p1", "slow")

	dropped := make(chan string, 1)
	h.OnDrop(func(id string) { dropped <- id })

	h.Publish(types.BroadcastEvent{Type: types.EventPresenceUpdate, Room: "project:p1"})

	select {
	case id := <-dropped:
		assert.Equal(t, "slow", id)
	case <-time.After(time.Second):
		t.Fatal("slow client was not dropped")
	}
	assert.True(t, slow.isClosed())
	assert.Empty(t, h.Members("project:p1"))
	_, ok := h.Client("slow")
	assert.False(t, ok)
}

func TestHub_RelaysAcrossReplicas(t *testing.T) {
	rdb, err := repository.NewRedisClientForTest()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	busA := common.NewEventBus(ctx, rdb)
	busB := common.NewEventBus(ctx, rdb)
	go busA.Start()
	go busB.Start()
	<-busA.Ready()
	<-busB.Ready()

	hubA, hubB := NewHub(busA), NewHub(busB)
	local, remote := &fakeClient{id: "local"}, &fakeClient{id: "remote"}
	hubA.Register(local)
	hubB.Register(remote)
	hubA.Join("project:p1", "local")
	hubB.Join("project:p1", "remote")

	hubA.Publish(types.BroadcastEvent{
		Type: types.EventLockChanged,
		Room: "project:p1",
		Data: types.LockChanged{FileID: "f1", Locked: true, HolderID: "alice"},
	})

	assert.Eventually(t, func() bool {
		return len(local.received()) == 1 && len(remote.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Relayed payloads arrive as raw JSON
	raw, ok := remote.received()[0].Data.(json.RawMessage)
	require.True(t, ok)
	var payload types.LockChanged
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "alice", payload.HolderID)

	// Local events stay on the publishing replica
	hubA.Publish(types.BroadcastEvent{Type: types.EventTerminalOutput, Room: "project:p1", Local: true})
	assert.Eventually(t, func() bool { return len(local.received()) == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, remote.received(), 1)
}

func TestWSClient_PumpsMessages(t *testing.T) {
	h := NewHub(nil)
	inbound := make(chan string, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewWSClient("c1", "alice", conn, 4)
		h.Register(client)
		h.Join("project:p1", client.ID())
		go client.WritePump()
		client.ReadPump(func(data []byte) { inbound <- string(data) })
		h.Unregister(client.ID())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	select {
	case msg := <-inbound:
		assert.Equal(t, `{"type":"ping"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive message")
	}

	require.Eventually(t, func() bool { return len(h.Members("project:p1")) == 1 }, time.Second, 10*time.Millisecond)
	h.Publish(types.BroadcastEvent{
		Type:    types.EventSandboxStatus,
		Room:    "project:p1",
		Data:    map[string]string{"status": "ready"},
		Exclude: "someone-else",
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    types.EventType   `json:"type"`
		Room    string            `json:"room"`
		Data    map[string]string `json:"data"`
		Exclude string            `json:"exclude"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, types.EventSandboxStatus, msg.Type)
	assert.Equal(t, "ready", msg.Data["status"])
	assert.Empty(t, msg.Exclude)
}
