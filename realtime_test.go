package gloup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory realtime connection driven by the test.
type fakeConn struct {
	mu     sync.Mutex
	joins  map[string]ChannelSpec
	leaves []string

	frames  chan Frame
	dropped chan error
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		joins:   make(map[string]ChannelSpec),
		frames:  make(chan Frame, 16),
		dropped: make(chan error, 1),
	}
}

func (c *fakeConn) Join(_ context.Context, channelID string, spec ChannelSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins[channelID] = spec
	return nil
}

func (c *fakeConn) Leave(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, channelID)
	delete(c.joins, channelID)
	return nil
}

func (c *fakeConn) Read(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case err := <-c.dropped:
		return Frame{}, err
	case f := <-c.frames:
		return f, nil
	}
}

func (c *fakeConn) Close() error {
	c.drop(errors.New("closed"))
	return nil
}

func (c *fakeConn) drop(err error) {
	c.once.Do(func() { c.dropped <- err })
}

func (c *fakeConn) joined() map[string]ChannelSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ChannelSpec, len(c.joins))
	for k, v := range c.joins {
		out[k] = v
	}
	return out
}

// fakeDialer hands out queued connections, failing once none are left.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type eventLog struct {
	mu     sync.Mutex
	events []ChangeEvent
	errs   []error
}

func (l *eventLog) callback(ev ChangeEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) onError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *eventLog) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events), len(l.errs)
}

func (l *eventLog) lastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	return l.errs[len(l.errs)-1]
}

func fastReconnect() RealtimeOption {
	return WithReconnectDelay(time.Millisecond, 2*time.Millisecond)
}

func TestRealtimeRejoinsAllChannelsAfterReconnect(t *testing.T) {
	ctx := context.Background()
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	m := NewRealtimeManager(dialer, fastReconnect())
	defer m.Close()

	posts, follows := &eventLog{}, &eventLog{}
	_, err := m.Subscribe(ctx, "feed-posts", SubscribeOptions{Table: TablePosts, Callback: posts.callback, OnError: posts.onError})
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "social-follows", SubscribeOptions{Table: TableFollows, Event: ChangeInsert, Callback: follows.callback})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(first.joined()) == 2 }, time.Second, time.Millisecond)

	first.drop(errors.New("socket reset"))

	require.Eventually(t, func() bool { return len(second.joined()) == 2 }, time.Second, time.Millisecond)
	spec := second.joined()["social-follows"]
	assert.Equal(t, ChannelSpec{Schema: "public", Table: TableFollows, Event: ChangeInsert}, spec)

	second.frames <- Frame{ChannelID: "feed-posts", Change: &ChangeEvent{EventType: ChangeInsert, Table: TablePosts, New: Row{"id": "p1"}}}
	require.Eventually(t, func() bool { n, _ := posts.counts(); return n == 1 }, time.Second, time.Millisecond)

	status := m.GetConnectionStatus()
	assert.Equal(t, StateOpen, status.State)
	assert.ElementsMatch(t, []string{"feed-posts", "social-follows"}, status.Channels)
	assert.Equal(t, "socket reset", status.LastError)
}

func TestRealtimeGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	dialer := &fakeDialer{}
	sink := newRecordingSink()
	m := NewRealtimeManager(dialer, fastReconnect(), WithMaxReconnectAttempts(2), WithRealtimeSink(sink))
	defer m.Close()

	log := &eventLog{}
	_, err := m.Subscribe(ctx, "messages", SubscribeOptions{Table: TableMessages, Callback: log.callback, OnError: log.onError})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.GetConnectionStatus().GaveUp }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { _, n := log.counts(); return n == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, log.lastErr(), ErrReconnectExhausted)
	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, 1, sink.count(EventRealtimeGaveUp))
	assert.Equal(t, 2, sink.count(EventRealtimeReconnect))

	late := &eventLog{}
	_, err = m.Subscribe(ctx, "late", SubscribeOptions{Table: TablePosts, Callback: late.callback, OnError: late.onError})
	require.NoError(t, err)
	assert.ErrorIs(t, late.lastErr(), ErrReconnectExhausted)
}

func TestRealtimeRoutesCallbackFailuresToOnError(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	m := NewRealtimeManager(&fakeDialer{conns: []*fakeConn{conn}}, fastReconnect())
	defer m.Close()

	failing := &eventLog{}
	_, err := m.Subscribe(ctx, "failing", SubscribeOptions{
		Table:    TablePosts,
		Callback: func(ChangeEvent) error { return errors.New("handler broke") },
		OnError:  failing.onError,
	})
	require.NoError(t, err)

	panicking := &eventLog{}
	_, err = m.Subscribe(ctx, "panicking", SubscribeOptions{
		Table:    TablePosts,
		Callback: func(ChangeEvent) error { panic("boom") },
		OnError:  panicking.onError,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conn.joined()) == 2 }, time.Second, time.Millisecond)

	conn.frames <- Frame{ChannelID: "failing", Change: &ChangeEvent{EventType: ChangeInsert}}
	conn.frames <- Frame{ChannelID: "panicking", Change: &ChangeEvent{EventType: ChangeInsert}}
	conn.frames <- Frame{ChannelID: "failing", Err: &APIError{Code: "CHANNEL_ERROR", Message: "rejected"}}

	require.Eventually(t, func() bool { _, n := failing.counts(); return n == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { _, n := panicking.counts(); return n == 1 }, time.Second, time.Millisecond)
	assert.Contains(t, panicking.lastErr().Error(), "boom")
	assert.Equal(t, StateOpen, m.GetConnectionStatus().State, "callback failures must not drop the connection")
}

func TestRealtimeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	m := NewRealtimeManager(&fakeDialer{conns: []*fakeConn{conn}}, fastReconnect())
	defer m.Close()

	require.NoError(t, m.Unsubscribe(ctx, "never-subscribed"))

	log := &eventLog{}
	_, err := m.Subscribe(ctx, "feed-posts", SubscribeOptions{Table: TablePosts, Callback: log.callback})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.GetConnectionStatus().State == StateOpen }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(conn.joined()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Unsubscribe(ctx, "feed-posts"))
	assert.Empty(t, conn.joined())
	assert.Empty(t, m.GetConnectionStatus().Channels)

	conn.frames <- Frame{ChannelID: "feed-posts", Change: &ChangeEvent{EventType: ChangeInsert}}
	time.Sleep(10 * time.Millisecond)
	n, _ := log.counts()
	assert.Zero(t, n)
}

func TestRealtimeSubscribeValidates(t *testing.T) {
	m := NewRealtimeManager(&fakeDialer{})
	_, err := m.Subscribe(context.Background(), "", SubscribeOptions{Table: TablePosts, Callback: func(ChangeEvent) error { return nil }})
	assert.Error(t, err)
	_, err = m.Subscribe(context.Background(), "x", SubscribeOptions{Table: TablePosts})
	assert.Error(t, err)
	assert.Equal(t, StateIdle, m.GetConnectionStatus().State)
}

func TestRealtimeStateListeners(t *testing.T) {
	conn := newFakeConn()
	m := NewRealtimeManager(&fakeDialer{conns: []*fakeConn{conn}}, fastReconnect())

	var (
		mu     sync.Mutex
		states []ConnectionState
	)
	m.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	m.Connect(context.Background())
	require.Eventually(t, func() bool { return m.GetConnectionStatus().State == StateOpen }, time.Second, time.Millisecond)
	require.NoError(t, m.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateConnecting, StateOpen, StateIdle}, states)
}

func TestReconnectorBackoff(t *testing.T) {
	r := &reconnector{baseDelay: 100 * time.Millisecond, maxDelay: time.Second, maxAttempts: 3}
	d0 := r.nextDelay()
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.Less(t, d0, 150*time.Millisecond)
	d1 := r.nextDelay()
	assert.GreaterOrEqual(t, d1, 200*time.Millisecond)
	r.nextDelay()
	assert.False(t, r.shouldReconnect())
	r.attempt = 10
	assert.Equal(t, time.Second, r.nextDelay())
	r.reset()
	assert.True(t, r.shouldReconnect())
}
