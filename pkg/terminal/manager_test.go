package terminal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/airsync/pkg/sandbox"
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

func (r *recorder) exits() []types.TerminalExit {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.TerminalExit
	for _, e := range r.events {
		if e.Type == types.EventTerminalExit {
			out = append(out, e.Data.(types.TerminalExit))
		}
	}
	return out
}

func (r *recorder) count(t types.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newManagerForTest(t *testing.T, cfg Config) (*Manager, *sandbox.Registry, *recorder) {
	t.Helper()

	reg := sandbox.NewRegistry(context.Background(), sandbox.Config{
		Shell:       []string{"/bin/sh"},
		IdleTimeout: time.Minute,
	}, sandbox.NewLocalProvisioner(t.TempDir()))
	pub := &recorder{}
	m := NewManager(cfg, reg, PTYSpawner{}, pub)

	t.Cleanup(func() {
		m.Shutdown()
		reg.Close()
	})
	return m, reg, pub
}

func replayContains(t *testing.T, m *Manager, sessionID, want string) func() bool {
	return func() bool {
		att, err := m.Attach(context.Background(), AttachRequest{SessionID: sessionID})
		if err != nil || len(att.Replay) == 0 {
			return false
		}
		return strings.Contains(string(att.Replay[0].Data), want)
	}
}

func TestManager_OpenInputAndOutput(t *testing.T) {
	m, reg, pub := newManagerForTest(t, Config{})
	ctx := context.Background()

	att, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1", ClientID: "c1"})
	require.NoError(t, err)
	assert.False(t, att.Attached)
	assert.Equal(t, types.TerminalStatusReady, att.Session.Status)
	assert.Equal(t, uint16(80), att.Session.Cols)
	assert.NotEmpty(t, att.Session.SandboxID)

	state, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 1, state.RefCount)

	sessionID := att.Session.SessionID
	require.NoError(t, m.Input(ctx, sessionID, []byte("echo $((40+2))\n")))
	assert.Eventually(t, replayContains(t, m, sessionID, "42"), 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, pub.count(types.EventTerminalReady))
	assert.Positive(t, pub.count(types.EventTerminalOutput))
}

func TestManager_ReopenSameTabReattaches(t *testing.T) {
	m, _, _ := newManagerForTest(t, Config{})
	ctx := context.Background()

	first, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1", ClientID: "c1"})
	require.NoError(t, err)

	second, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1", ClientID: "c2"})
	require.NoError(t, err)
	assert.True(t, second.Attached)
	assert.Equal(t, first.Session.SessionID, second.Session.SessionID)

	other, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Session.SessionID, other.Session.SessionID)
	assert.Len(t, m.List("p1"), 2)
}

func (r *recorder) output(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder
	for _, e := range r.events {
		if e.Type != types.EventTerminalOutput {
			continue
		}
		out := e.Data.(types.TerminalOutput)
		if out.SessionID == sessionID && e.Room == types.TerminalRoom(sessionID) {
			sb.Write(out.Data)
		}
	}
	return sb.String()
}

func TestManager_TabsRouteOutputIndependently(t *testing.T) {
	m, _, pub := newManagerForTest(t, Config{})
	ctx := context.Background()

	one, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "1"})
	require.NoError(t, err)
	two, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "2"})
	require.NoError(t, err)

	require.NoError(t, m.Input(ctx, one.Session.SessionID, []byte("echo $((300+21))\n")))
	require.NoError(t, m.Input(ctx, two.Session.SessionID, []byte("echo $((600+54))\n")))

	assert.Eventually(t, func() bool {
		return strings.Contains(pub.output(one.Session.SessionID), "321") &&
			strings.Contains(pub.output(two.Session.SessionID), "654")
	}, 3*time.Second, 20*time.Millisecond)

	assert.NotContains(t, pub.output(two.Session.SessionID), "321")
	assert.NotContains(t, pub.output(one.Session.SessionID), "654")
}

func TestManager_ProcessExitClosesSession(t *testing.T) {
	m, reg, pub := newManagerForTest(t, Config{})
	ctx := context.Background()

	att, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1"})
	require.NoError(t, err)
	sessionID := att.Session.SessionID

	require.NoError(t, m.Input(ctx, sessionID, []byte("exit 3\n")))
	assert.Eventually(t, func() bool { return len(pub.exits()) == 1 }, 3*time.Second, 20*time.Millisecond)

	exit := pub.exits()[0]
	assert.Equal(t, types.TerminalStatusClosed, exit.Status)
	assert.Equal(t, 3, exit.ExitCode)

	err = m.Input(ctx, sessionID, []byte("ls\n"))
	assert.True(t, (&types.ErrTerminalProcessExited{}).From(err))

	state, err := m.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.TerminalStatusClosed, state.Status)

	sb, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 0, sb.RefCount)

	// The tab is free again
	reopened, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1"})
	require.NoError(t, err)
	assert.NotEqual(t, sessionID, reopened.Session.SessionID)
}

func TestManager_CloseKillsProcess(t *testing.T) {
	m, _, pub := newManagerForTest(t, Config{})
	ctx := context.Background()

	att, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1"})
	require.NoError(t, err)

	require.NoError(t, m.Close(att.Session.SessionID))
	require.Len(t, pub.exits(), 1)
	assert.Equal(t, types.TerminalStatusClosed, pub.exits()[0].Status)
	assert.Empty(t, m.List("p1"))

	// Closing twice is fine; unknown sessions are not
	assert.NoError(t, m.Close(att.Session.SessionID))
	assert.True(t, (&types.ErrSessionNotFound{}).From(m.Close("nope")))
}

func TestManager_ReplayAfterDetachWithinGrace(t *testing.T) {
	m, _, pub := newManagerForTest(t, Config{GracePeriod: 300 * time.Millisecond})
	ctx := context.Background()

	att, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1", ClientID: "c1"})
	require.NoError(t, err)
	sessionID := att.Session.SessionID

	// Output the client saw while connected
	require.NoError(t, m.Input(ctx, sessionID, []byte("echo $((1000+11))\n")))
	require.Eventually(t, func() bool {
		return strings.Contains(pub.output(sessionID), "1011")
	}, 3*time.Second, 20*time.Millisecond)

	m.Detach(sessionID, "c1")
	require.NoError(t, m.Input(ctx, sessionID, []byte("echo $((6*7))\n")))
	assert.Eventually(t, replayContains(t, m, sessionID, "42"), 3*time.Second, 20*time.Millisecond)

	// Reopening the tab replays only what was produced after the disconnect
	back, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1", ClientID: "c1"})
	require.NoError(t, err)
	assert.True(t, back.Attached)
	require.Len(t, back.Replay, 1)
	assert.Contains(t, string(back.Replay[0].Data), "42")
	assert.NotContains(t, string(back.Replay[0].Data), "1011")

	// Nothing new since the end of the replay
	again, err := m.Attach(ctx, AttachRequest{SessionID: sessionID, ClientID: "c1", Since: back.Session.Offset})
	require.NoError(t, err)
	assert.Empty(t, again.Replay)

	// An explicit offset replays from there
	full, err := m.Attach(ctx, AttachRequest{SessionID: sessionID, Since: 1})
	require.NoError(t, err)
	require.Len(t, full.Replay, 1)
	assert.Contains(t, string(full.Replay[0].Data), "1011")

	time.Sleep(500 * time.Millisecond)
	_, err = m.Get(sessionID)
	require.NoError(t, err)
	assert.Len(t, m.List("p1"), 1)
}

func TestManager_UnsubscribedSessionExpires(t *testing.T) {
	m, reg, pub := newManagerForTest(t, Config{GracePeriod: 100 * time.Millisecond})
	ctx := context.Background()

	att, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "1"})
	require.NoError(t, err)

	// Reading the buffer anonymously does not keep the session alive
	_, err = m.Attach(ctx, AttachRequest{SessionID: att.Session.SessionID})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(pub.exits()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, m.List("p1"))

	sb, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 0, sb.RefCount)
}

func TestManager_SubscriberCancelsUnsubscribedExpiry(t *testing.T) {
	m, _, pub := newManagerForTest(t, Config{GracePeriod: 100 * time.Millisecond})
	ctx := context.Background()

	att, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "1"})
	require.NoError(t, err)
	_, err = m.Attach(ctx, AttachRequest{SessionID: att.Session.SessionID, ClientID: "c1"})
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, pub.exits())
	assert.Len(t, m.List("p1"), 1)
}

func TestManager_GraceExpiryClosesSession(t *testing.T) {
	m, _, pub := newManagerForTest(t, Config{GracePeriod: 50 * time.Millisecond})
	ctx := context.Background()

	att, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1", ClientID: "c1"})
	require.NoError(t, err)

	m.DetachClient("c1")
	assert.Eventually(t, func() bool { return len(pub.exits()) == 1 }, 3*time.Second, 20*time.Millisecond)

	_, err = m.Attach(ctx, AttachRequest{SessionID: att.Session.SessionID, ClientID: "c1"})
	assert.True(t, (&types.ErrTerminalProcessExited{}).From(err))
}

func TestManager_ResizeKeepsZeroDimensions(t *testing.T) {
	m, _, _ := newManagerForTest(t, Config{})
	ctx := context.Background()

	att, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "tab-1", Cols: 100, Rows: 30})
	require.NoError(t, err)
	sessionID := att.Session.SessionID

	require.NoError(t, m.Resize(ctx, sessionID, 120, 0))
	state, err := m.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, uint16(120), state.Cols)
	assert.Equal(t, uint16(30), state.Rows)

	assert.True(t, (&types.ErrSessionNotFound{}).From(m.Resize(ctx, "missing", 1, 1)))
}

func TestManager_SandboxTeardownClosesSessions(t *testing.T) {
	m, reg, pub := newManagerForTest(t, Config{})
	ctx := context.Background()

	_, err := m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "a"})
	require.NoError(t, err)
	_, err = m.Open(ctx, OpenRequest{ProjectID: "p1", TabID: "b"})
	require.NoError(t, err)

	require.NoError(t, reg.Teardown(ctx, "p1"))
	assert.Len(t, pub.exits(), 2)
	assert.Empty(t, m.List("p1"))
}

type failingSandboxes struct{}

func (failingSandboxes) Acquire(ctx context.Context, projectID, holderID string) (*sandbox.Handle, error) {
	return nil, &types.ErrSandboxUnavailable{ProjectID: projectID, Cause: errors.New("no capacity")}
}
func (failingSandboxes) Release(projectID, holderID string) {}
func (failingSandboxes) Touch(projectID string)             {}

func TestManager_OpenFailsWhenSandboxUnavailable(t *testing.T) {
	m := NewManager(Config{}, failingSandboxes{}, PTYSpawner{}, nil)

	_, err := m.Open(context.Background(), OpenRequest{ProjectID: "p1", TabID: "tab-1"})
	assert.True(t, (&types.ErrSandboxUnavailable{}).From(err))
	assert.Empty(t, m.List("p1"))
}

func TestOutputBuffer_DropsOldestBytes(t *testing.T) {
	b := NewOutputBuffer(8)

	assert.Equal(t, int64(0), b.Append([]byte("hello")))
	assert.Equal(t, int64(5), b.Append([]byte("world")))
	assert.Equal(t, 8, b.Len())
	assert.Equal(t, int64(10), b.Offset())

	chunk := b.Since(0)
	assert.Equal(t, int64(2), chunk.Offset)
	assert.Equal(t, "lloworld", string(chunk.Data))

	chunk = b.Since(7)
	assert.Equal(t, "rld", string(chunk.Data))

	chunk = b.Since(10)
	assert.Empty(t, chunk.Data)

	// A single write larger than the buffer keeps its tail
	assert.Equal(t, int64(10), b.Append([]byte("0123456789ABC")))
	chunk = b.Since(0)
	assert.Equal(t, int64(15), chunk.Offset)
	assert.Equal(t, "56789ABC", string(chunk.Data))
}
