package gloup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ============================================================================
// Change Events
// ============================================================================

// Change event types.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
	ChangeAll    = "*"
)

// ChangeEvent is one row change delivered by the realtime feed.
type ChangeEvent struct {
	EventType       string    `json:"type"`
	Schema          string    `json:"schema"`
	Table           string    `json:"table"`
	New             Row       `json:"record,omitempty"`
	Old             Row       `json:"old_record,omitempty"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

// ChannelSpec is the replayable part of a subscription: what the server needs
// to know to start streaming changes on a channel.
type ChannelSpec struct {
	Schema string
	Table  string
	Event  string
	Filter string
}

// Frame is one inbound item read from a realtime connection. Exactly one of
// Change or Err is set.
type Frame struct {
	ChannelID string
	Change    *ChangeEvent
	Err       error
}

// Conn is a live multiplexed realtime connection.
type Conn interface {
	Join(ctx context.Context, channelID string, spec ChannelSpec) error
	Leave(ctx context.Context, channelID string) error
	// Read blocks until the next frame. An error means the connection dropped.
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState is the state of the underlying live connection.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// ConnectionStatus is returned by GetConnectionStatus.
type ConnectionStatus struct {
	State     ConnectionState `json:"state"`
	Attempts  int             `json:"attempts"`
	GaveUp    bool            `json:"gave_up"`
	Channels  []string        `json:"channels"`
	LastError string          `json:"last_error,omitempty"`
}

// SubscribeOptions registers interest in one table. Event is INSERT, UPDATE,
// DELETE or * (the default).
type SubscribeOptions struct {
	Table  string
	Schema string
	Event  string
	Filter string

	Callback func(ChangeEvent) error
	OnError  func(error)
}

func (o SubscribeOptions) spec() ChannelSpec {
	s := ChannelSpec{Schema: o.Schema, Table: o.Table, Event: o.Event, Filter: o.Filter}
	if s.Schema == "" {
		s.Schema = "public"
	}
	if s.Event == "" {
		s.Event = ChangeAll
	}
	return s
}

type registration struct {
	id   string
	spec ChannelSpec
	opts SubscribeOptions
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeManager
// ============================================================================

// RealtimeOption configures a RealtimeManager.
type RealtimeOption func(*RealtimeManager)

// WithReconnectDelay sets the backoff base and cap.
func WithReconnectDelay(base, max time.Duration) RealtimeOption {
	return func(m *RealtimeManager) {
		if base > 0 {
			m.recon.baseDelay = base
		}
		if max > 0 {
			m.recon.maxDelay = max
		}
	}
}

// WithMaxReconnectAttempts bounds consecutive failed connection attempts
// before giving up. Zero means unbounded.
func WithMaxReconnectAttempts(n int) RealtimeOption {
	return func(m *RealtimeManager) { m.recon.maxAttempts = n }
}

func WithRealtimeSink(s Sink) RealtimeOption {
	return func(m *RealtimeManager) { m.sink = s }
}

func WithRealtimeLogger(logger *slog.Logger) RealtimeOption {
	return func(m *RealtimeManager) { m.logger = logger }
}

// RealtimeManager owns one multiplexed connection and the set of channel
// registrations replayed onto it after every reconnect.
type RealtimeManager struct {
	dialer Dialer
	sink   Sink
	logger *slog.Logger

	mu        sync.Mutex
	conn      Conn
	state     ConnectionState
	gaveUp    bool
	lastErr   error
	subs      map[string]*registration
	recon     *reconnector
	cancel    context.CancelFunc
	listeners []func(ConnectionState)

	wg sync.WaitGroup
}

// NewRealtimeManager creates a manager. No connection is opened until Connect
// or the first Subscribe.
func NewRealtimeManager(dialer Dialer, opts ...RealtimeOption) *RealtimeManager {
	m := &RealtimeManager{
		dialer: dialer,
		sink:   NopSink{},
		logger: slog.Default(),
		state:  StateIdle,
		subs:   make(map[string]*registration),
		recon: &reconnector{
			baseDelay:   time.Second,
			maxDelay:    30 * time.Second,
			maxAttempts: 5,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers a listener for connection state transitions.
func (m *RealtimeManager) OnStateChange(h func(ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, h)
}

// Connect starts the connection loop. It is a no-op while the loop is running
// and restarts it after a give-up.
func (m *RealtimeManager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked(ctx)
}

func (m *RealtimeManager) startLocked(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.gaveUp = false
	m.recon.reset()
	m.wg.Add(1)
	go m.run(runCtx)
}

// Subscribe registers a channel, replacing any existing registration with the
// same id, and joins it on the live connection if one is open.
func (m *RealtimeManager) Subscribe(ctx context.Context, channelID string, opts SubscribeOptions) (string, error) {
	if channelID == "" || opts.Table == "" {
		return "", &APIError{Code: CodeInvalidInput, Message: "channel id and table are required"}
	}
	if opts.Callback == nil {
		return "", &APIError{Code: CodeInvalidInput, Message: "callback is required"}
	}
	if err := m.Unsubscribe(ctx, channelID); err != nil {
		m.logger.Debug("realtime: leave before resubscribe", slog.String("channel", channelID), slog.String("error", err.Error()))
	}

	reg := &registration{id: channelID, spec: opts.spec(), opts: opts}

	m.mu.Lock()
	m.subs[channelID] = reg
	conn := m.conn
	open := m.state == StateOpen
	gaveUp := m.gaveUp
	if m.state == StateIdle {
		m.startLocked(ctx)
	}
	m.mu.Unlock()

	if gaveUp {
		m.channelError(reg, ErrReconnectExhausted)
		return channelID, nil
	}
	if open && conn != nil {
		if err := conn.Join(ctx, channelID, reg.spec); err != nil {
			m.channelError(reg, fmt.Errorf("join %s: %w", channelID, err))
		}
	}
	m.logger.Debug("realtime: subscribed", slog.String("channel", channelID), slog.String("table", reg.spec.Table))
	return channelID, nil
}

// Unsubscribe removes a registration. Unknown channels are ignored.
func (m *RealtimeManager) Unsubscribe(ctx context.Context, channelID string) error {
	m.mu.Lock()
	_, ok := m.subs[channelID]
	delete(m.subs, channelID)
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !ok || !open || conn == nil {
		return nil
	}
	return conn.Leave(ctx, channelID)
}

// GetConnectionStatus returns the current connection state and registrations.
func (m *RealtimeManager) GetConnectionStatus() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := ConnectionStatus{
		State:    m.state,
		Attempts: m.recon.attempt,
		GaveUp:   m.gaveUp,
		Channels: make([]string, 0, len(m.subs)),
	}
	for id := range m.subs {
		s.Channels = append(s.Channels, id)
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Close tears down the connection and stops reconnecting. Registrations are
// kept, so a later Connect replays them.
func (m *RealtimeManager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.cancel = nil
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	m.setState(StateIdle)
	return err
}

func (m *RealtimeManager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		m.setState(StateConnecting)
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.recordError(err)
			if !m.backoff(ctx, err) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.recon.reset()
		m.mu.Unlock()
		m.setState(StateOpen)
		m.logger.Info("realtime: connected")
		m.rejoin(ctx, conn)

		err = m.readLoop(ctx, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		m.setState(StateClosed)
		m.recordError(err)
		m.logger.Warn("realtime: connection dropped", slog.String("error", err.Error()))
		if !m.backoff(ctx, err) {
			return
		}
	}
}

// backoff waits before the next attempt. It reports false once attempts are
// exhausted or ctx is done.
func (m *RealtimeManager) backoff(ctx context.Context, cause error) bool {
	m.mu.Lock()
	if !m.recon.shouldReconnect() {
		attempts := m.recon.attempt
		m.gaveUp = true
		cancel := m.cancel
		m.cancel = nil
		subs := m.snapshotLocked()
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		m.setState(StateClosed)
		m.logger.Error("realtime: giving up", slog.Int("attempts", attempts), slog.String("error", cause.Error()))
		m.sink.Event(EventRealtimeGaveUp, map[string]any{"attempts": attempts, "error": cause.Error()})
		for _, reg := range subs {
			m.channelError(reg, ErrReconnectExhausted)
		}
		return false
	}
	delay := m.recon.nextDelay()
	attempt := m.recon.attempt
	m.mu.Unlock()

	m.sink.Event(EventRealtimeReconnect, map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()})
	m.logger.Info("realtime: reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *RealtimeManager) rejoin(ctx context.Context, conn Conn) {
	m.mu.Lock()
	subs := m.snapshotLocked()
	m.mu.Unlock()
	for _, reg := range subs {
		if err := conn.Join(ctx, reg.id, reg.spec); err != nil {
			m.channelError(reg, fmt.Errorf("rejoin %s: %w", reg.id, err))
		}
	}
	if len(subs) > 0 {
		m.logger.Debug("realtime: channels rejoined", slog.Int("channels", len(subs)))
	}
}

func (m *RealtimeManager) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		reg := m.subs[frame.ChannelID]
		m.mu.Unlock()
		if reg == nil {
			continue
		}
		switch {
		case frame.Err != nil:
			m.channelError(reg, frame.Err)
		case frame.Change != nil:
			m.deliver(reg, *frame.Change)
		}
	}
}

func (m *RealtimeManager) deliver(reg *registration, ev ChangeEvent) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("realtime callback panic: %v", r)
			}
		}()
		err = reg.opts.Callback(ev)
	}()
	if err != nil {
		m.channelError(reg, err)
	}
}

func (m *RealtimeManager) channelError(reg *registration, err error) {
	if reg.opts.OnError == nil {
		m.logger.Warn("realtime: channel error", slog.String("channel", reg.id), slog.String("error", err.Error()))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime: onError panicked", slog.String("channel", reg.id), slog.Any("panic", r))
		}
	}()
	reg.opts.OnError(err)
}

func (m *RealtimeManager) snapshotLocked() []*registration {
	out := make([]*registration, 0, len(m.subs))
	for _, reg := range m.subs {
		out = append(out, reg)
	}
	return out
}

func (m *RealtimeManager) recordError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *RealtimeManager) setState(s ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	listeners := append([]func(ConnectionState){}, m.listeners...)
	m.mu.Unlock()
	for _, h := range listeners {
		func() {
			defer func() { recover() }()
			h(s)
		}()
	}
}
