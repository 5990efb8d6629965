package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestLocalBus_PublishSubscribe(t *testing.T) {
	b := NewLocalBus(zap.NewNop(), config.RoleBoth, "node-1")
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, &Event{Action: cnst.ActionLease, Page: "/content/p", SessionID: "s1"}))
	e := receive(t, ch)
	assert.Equal(t, cnst.ActionLease, e.Action)
	assert.Equal(t, "node-1", e.Origin)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestLocalBus_Roles(t *testing.T) {
	sender := NewLocalBus(zap.NewNop(), config.RoleSender, "n")
	_, err := sender.Subscribe(context.Background())
	assert.ErrorIs(t, err, cnst.ErrNotReceiver)
	assert.True(t, sender.CanSend())
	assert.False(t, sender.CanReceive())

	receiver := NewLocalBus(zap.NewNop(), config.RoleReceiver, "n")
	assert.ErrorIs(t, receiver.Publish(context.Background(), &Event{}), cnst.ErrNotSender)
	assert.True(t, receiver.CanReceive())
}

func TestLocalBus_PublishAfterClose(t *testing.T) {
	b := NewLocalBus(zap.NewNop(), config.RoleBoth, "n")
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), &Event{Action: cnst.ActionExit}))
}

func newTestRedisBus(t *testing.T, mr *miniredis.Miniredis, role config.BusRole, node string) *RedisBus {
	t.Helper()
	b, err := NewRedisBus(zap.NewNop(), config.BusRedisConfig{
		ClusterType: cnst.RedisClusterTypeSingle,
		Addr:        mr.Addr(),
		Topic:       "collab:test",
	}, role, node)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBus_ReplicatesDistributedActions(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node1 := newTestRedisBus(t, mr, config.RoleBoth, "node-1")
	node2 := newTestRedisBus(t, mr, config.RoleBoth, "node-2")
	ch1, err := node1.Subscribe(ctx)
	require.NoError(t, err)
	ch2, err := node2.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, node1.Publish(ctx, &Event{
		Action:    cnst.ActionLease,
		Page:      "/content/p",
		SessionID: "s1",
		UserID:    "alice",
		Path:      "/content/p/jcr:content/par/text",
	}))

	for _, ch := range []<-chan *Event{ch1, ch2} {
		e := receive(t, ch)
		assert.Equal(t, cnst.ActionLease, e.Action)
		assert.Equal(t, "alice", e.UserID)
		assert.Equal(t, "node-1", e.Origin)
	}
}

func TestRedisBus_UpdatesStayLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node1 := newTestRedisBus(t, mr, config.RoleBoth, "node-1")
	node2 := newTestRedisBus(t, mr, config.RoleBoth, "node-2")
	ch1, err := node1.Subscribe(ctx)
	require.NoError(t, err)
	ch2, err := node2.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, node1.Publish(ctx, &Event{Action: cnst.ActionUpdate, Page: "/content/p", Paths: []string{"/x"}}))
	e := receive(t, ch1)
	assert.Equal(t, cnst.ActionUpdate, e.Action)

	select {
	case e := <-ch2:
		t.Fatalf("unexpected event on other node: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_ConnectionError(t *testing.T) {
	b, err := NewRedisBus(zap.NewNop(), config.BusRedisConfig{Addr: "127.0.0.1:0"}, config.RoleBoth, "n")
	assert.Nil(t, b)
	assert.Error(t, err)
}

func TestNewBus(t *testing.T) {
	b, err := NewBus(zap.NewNop(), &config.BusConfig{Type: "local"})
	require.NoError(t, err)
	assert.IsType(t, &LocalBus{}, b)
	assert.True(t, b.CanSend())
	assert.True(t, b.CanReceive())

	mr := miniredis.RunT(t)
	b, err = NewBus(zap.NewNop(), &config.BusConfig{Type: "redis", Role: "sender", Redis: config.BusRedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisBus{}, b)
	assert.False(t, b.CanReceive())
	_ = b.Close()

	_, err = NewBus(zap.NewNop(), &config.BusConfig{Type: "kafka"})
	assert.Error(t, err)
}

type call struct {
	action string
	args   []string
}

type fakeCollab struct {
	mu       sync.Mutex
	calls    []call
	sessions map[string]bool
	reject   bool
}

func newFakeCollab() *fakeCollab {
	return &fakeCollab{sessions: map[string]bool{}}
}

func (f *fakeCollab) record(action string, args ...string) {
	f.calls = append(f.calls, call{action: action, args: args})
}

func (f *fakeCollab) Lease(_ context.Context, page, sessionID, path, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("lease", page, sessionID, path, userID)
	if !f.sessions[sessionID] {
		return cnst.ErrUnknownSession
	}
	if f.reject {
		return cnst.ErrLeaseRejected
	}
	return nil
}

func (f *fakeCollab) Release(_ context.Context, page, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("release", page, sessionID)
	if !f.sessions[sessionID] {
		return cnst.ErrUnknownSession
	}
	return nil
}

func (f *fakeCollab) Update(_ context.Context, page string, paths, _ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update", append([]string{page}, paths...)...)
}

func (f *fakeCollab) Exit(_ context.Context, page, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exit", page, sessionID)
}

func (f *fakeCollab) AddSession(_ context.Context, page, userID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add", page, userID, sessionID)
	f.sessions[sessionID] = true
}

func (f *fakeCollab) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.action)
	}
	return out
}

func TestHandler_RetriesUnknownSessionOnce(t *testing.T) {
	collab := newFakeCollab()
	h := NewHandler(zap.NewNop(), collab)

	h.Handle(context.Background(), &Event{Action: cnst.ActionLease, Page: "/p", SessionID: "s1", UserID: "alice", Path: "/p/jcr:content/x"})
	assert.Equal(t, []string{"lease", "add", "lease"}, collab.actions())

	h.Handle(context.Background(), &Event{Action: cnst.ActionRelease, Page: "/p", SessionID: "s1"})
	assert.Equal(t, []string{"lease", "add", "lease", "release"}, collab.actions())

	h.Handle(context.Background(), &Event{Action: cnst.ActionRelease, Page: "/p", SessionID: "s2", UserID: "bob"})
	assert.Equal(t, []string{"lease", "add", "lease", "release", "release", "add", "release"}, collab.actions())
}

func TestHandler_Dispatch(t *testing.T) {
	collab := newFakeCollab()
	collab.sessions["s1"] = true
	collab.reject = true
	h := NewHandler(zap.NewNop(), collab)

	h.Handle(context.Background(), &Event{Action: cnst.ActionLease, Page: "/p", SessionID: "s1", Path: "/x"})
	h.Handle(context.Background(), &Event{Action: cnst.ActionUpdate, Page: "/p", Paths: []string{"/x"}})
	h.Handle(context.Background(), &Event{Action: cnst.ActionExit, Page: "/p", SessionID: "s1"})
	h.Handle(context.Background(), &Event{Action: "bogus"})
	h.Handle(context.Background(), &Event{})
	h.Handle(context.Background(), nil)

	assert.Equal(t, []string{"lease", "update", "exit"}, collab.actions())
}

func TestHandler_Run(t *testing.T) {
	collab := newFakeCollab()
	h := NewHandler(zap.NewNop(), collab)
	b := NewLocalBus(zap.NewNop(), config.RoleBoth, "n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, b) }()

	require.NoError(t, b.Publish(ctx, &Event{Action: cnst.ActionExit, Page: "/p", SessionID: "s1"}))
	assert.Eventually(t, func() bool { return len(collab.actions()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler did not stop")
	}
}

// slowCollab holds back exits of one page until released
type slowCollab struct {
	*fakeCollab
	page    string
	release chan struct{}
}

func (s *slowCollab) Exit(ctx context.Context, page, sessionID string) {
	if page == s.page {
		<-s.release
	}
	s.fakeCollab.Exit(ctx, page, sessionID)
}

func TestHandler_RunIsolatesPages(t *testing.T) {
	const workers = 4
	slow := "/content/slow"
	fast := ""
	for i := 0; fast == ""; i++ {
		if p := fmt.Sprintf("/content/fast%d", i); workerOf(p, workers) != workerOf(slow, workers) {
			fast = p
		}
	}

	collab := &slowCollab{fakeCollab: newFakeCollab(), page: slow, release: make(chan struct{})}
	h := NewHandler(zap.NewNop(), collab, WithWorkers(workers))
	b := NewLocalBus(zap.NewNop(), config.RoleBoth, "n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, b) }()

	require.NoError(t, b.Publish(ctx, &Event{Action: cnst.ActionExit, Page: slow, SessionID: "s1"}))
	require.NoError(t, b.Publish(ctx, &Event{Action: cnst.ActionExit, Page: slow, SessionID: "s2"}))
	require.NoError(t, b.Publish(ctx, &Event{Action: cnst.ActionExit, Page: fast, SessionID: "s3"}))

	assert.Eventually(t, func() bool { return len(collab.actions()) == 1 }, time.Second, 5*time.Millisecond)
	collab.mu.Lock()
	assert.Equal(t, fast, collab.calls[0].args[0])
	collab.mu.Unlock()

	close(collab.release)
	assert.Eventually(t, func() bool { return len(collab.actions()) == 3 }, time.Second, 5*time.Millisecond)
	collab.mu.Lock()
	assert.Equal(t, "s1", collab.calls[1].args[1])
	assert.Equal(t, "s2", collab.calls[2].args[1])
	collab.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler did not stop")
	}
}

func TestWorkerOf(t *testing.T) {
	assert.Equal(t, workerOf("/content/a", 8), workerOf("/content/a", 8))
	assert.Zero(t, workerOf("/content/a", 1))
}
