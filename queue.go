package gloup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const queueStorageKey = "offline_queue"

// ReachabilityEvent is one transition reported by the platform's network
// reachability source.
type ReachabilityEvent struct {
	IsConnected         bool
	IsInternetReachable *bool
	Type                string
}

// Online reports whether the event describes a usable connection. An unknown
// internet reachability counts as reachable.
func (e ReachabilityEvent) Online() bool {
	if !e.IsConnected {
		return false
	}
	return e.IsInternetReachable == nil || *e.IsInternetReachable
}

// DrainReport summarises one ProcessQueue call.
type DrainReport struct {
	Skipped   bool `json:"skipped"`
	Processed int  `json:"processed"`
	Succeeded int  `json:"succeeded"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
}

// QueueStatus is a point-in-time view of the queue.
type QueueStatus struct {
	Online     bool               `json:"online"`
	Draining   bool               `json:"draining"`
	Pending    int                `json:"pending"`
	ByPriority map[string]int     `json:"by_priority"`
	ByKind     map[ActionKind]int `json:"by_kind"`
	LastDrain  time.Time          `json:"last_drain,omitempty"`
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithFlushInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.flushInterval = d
		}
	}
}

func WithQueueSink(s Sink) QueueOption {
	return func(q *Queue) { q.sink = s }
}

func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logger }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithInitialOnline sets the connectivity assumed before the first
// reachability event. Defaults to online.
func WithInitialOnline(online bool) QueueOption {
	return func(q *Queue) { q.online = online }
}

// EnqueueOption overrides per-action defaults.
type EnqueueOption func(*QueuedAction)

func WithPriority(p Priority) EnqueueOption {
	return func(a *QueuedAction) { a.Priority = p }
}

func WithActionMaxAttempts(n int) EnqueueOption {
	return func(a *QueuedAction) {
		if n > 0 {
			a.MaxAttempts = n
		}
	}
}

type (
	CompletedHandler func(a QueuedAction)
	FailedHandler    func(a QueuedAction, err error)
)

// Queue is the durable offline action queue. At most one drain runs at a
// time; enqueues during a drain are picked up by a follow-up pass.
type Queue struct {
	backend Mutator
	storage DurableStorage
	sink    Sink
	logger  *slog.Logger
	now     func() time.Time

	maxAttempts   int
	flushInterval time.Duration

	mu        sync.Mutex
	actions   []QueuedAction
	online    bool
	draining  bool
	dirty     bool
	lastDrain time.Time

	lmu       sync.RWMutex
	completed []CompletedHandler
	failed    []FailedHandler

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewQueue creates a queue that replays actions against backend and persists
// itself in storage. storage may be nil.
func NewQueue(backend Mutator, storage DurableStorage, opts ...QueueOption) *Queue {
	q := &Queue{
		backend:       backend,
		storage:       storage,
		sink:          NopSink{},
		logger:        slog.Default(),
		now:           time.Now,
		maxAttempts:   3,
		flushInterval: 30 * time.Second,
		online:        true,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnCompleted registers a listener for actions that reached the backend.
func (q *Queue) OnCompleted(h CompletedHandler) {
	q.lmu.Lock()
	defer q.lmu.Unlock()
	q.completed = append(q.completed, h)
}

// OnFailed registers a listener for actions dropped after exhausting their
// attempts.
func (q *Queue) OnFailed(h FailedHandler) {
	q.lmu.Lock()
	defer q.lmu.Unlock()
	q.failed = append(q.failed, h)
}

// Enqueue appends payload, persists the whole queue and, when online, starts a
// background drain. It returns the action id.
func (q *Queue) Enqueue(ctx context.Context, payload ActionPayload, opts ...EnqueueOption) (string, error) {
	if payload == nil {
		return "", &APIError{Code: CodeInvalidInput, Message: "nil action payload"}
	}
	a := QueuedAction{
		ID:          uuid.NewString(),
		Payload:     payload,
		EnqueuedAt:  q.now(),
		MaxAttempts: q.maxAttempts,
		Priority:    defaultPriority(payload.Kind()),
	}
	for _, opt := range opts {
		opt(&a)
	}

	q.mu.Lock()
	q.actions = append(q.actions, a)
	if q.draining {
		q.dirty = true
	}
	err := q.persistLocked(ctx)
	online := q.online
	q.mu.Unlock()
	if err != nil {
		return a.ID, err
	}

	q.logger.Debug("action enqueued",
		slog.String("id", a.ID),
		slog.String("kind", string(a.Kind())),
		slog.String("priority", a.Priority.String()))

	if online {
		q.drainAsync()
	}
	return a.ID, nil
}

// ProcessQueue drains the queue once in priority order. It is a no-op when a
// drain is already running, the queue is offline, or nothing is pending.
func (q *Queue) ProcessQueue(ctx context.Context) DrainReport {
	q.mu.Lock()
	if q.draining || !q.online || len(q.actions) == 0 {
		q.mu.Unlock()
		return DrainReport{Skipped: true}
	}
	q.draining = true
	q.dirty = false

	var report DrainReport
	// One attempt per action per drain, follow-up passes included.
	attempted := make(map[string]bool)
	for {
		var batch []QueuedAction
		for _, a := range q.orderedLocked() {
			if !attempted[a.ID] {
				attempted[a.ID] = true
				batch = append(batch, a)
			}
		}
		q.mu.Unlock()

		for _, a := range batch {
			q.execute(ctx, a, &report)
		}

		q.mu.Lock()
		if !q.dirty || !q.online || len(q.actions) == 0 {
			break
		}
		q.dirty = false
	}
	q.draining = false
	q.lastDrain = q.now()
	q.mu.Unlock()

	if report.Processed > 0 {
		q.logger.Info("queue drained",
			slog.Int("processed", report.Processed),
			slog.Int("succeeded", report.Succeeded),
			slog.Int("retried", report.Retried),
			slog.Int("failed", report.Failed))
	}
	return report
}

// orderedLocked returns the pending actions sorted by priority descending then
// enqueue time ascending.
func (q *Queue) orderedLocked() []QueuedAction {
	batch := make([]QueuedAction, len(q.actions))
	copy(batch, q.actions)
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].EnqueuedAt.Before(batch[j].EnqueuedAt)
	})
	return batch
}

func (q *Queue) execute(ctx context.Context, a QueuedAction, report *DrainReport) {
	// Skip actions removed by Clear since the snapshot was taken.
	q.mu.Lock()
	if q.indexLocked(a.ID) < 0 {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	report.Processed++
	rows, err := q.backend.Mutate(ctx, a.Payload.mutation())
	if err != nil && IsDuplicate(err) {
		q.logger.Debug("queued action already applied", slog.String("id", a.ID), slog.String("kind", string(a.Kind())))
		err = nil
	}

	q.mu.Lock()
	idx := q.indexLocked(a.ID)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	if err == nil {
		q.removeLocked(idx)
		q.persistQuiet(ctx)
		q.mu.Unlock()

		report.Succeeded++
		q.sink.Event(EventQueueCompleted, map[string]any{"id": a.ID, "kind": string(a.Kind())})
		a.Result = rows
		q.emitCompleted(a)
		return
	}

	cur := &q.actions[idx]
	cur.Attempt++
	cur.LastError = err.Error()
	a = *cur
	exhausted := a.Attempt >= a.MaxAttempts
	if exhausted {
		q.removeLocked(idx)
	}
	q.persistQuiet(ctx)
	q.mu.Unlock()

	meta := map[string]any{
		"id":           a.ID,
		"kind":         string(a.Kind()),
		"attempt":      a.Attempt,
		"max_attempts": a.MaxAttempts,
		"error":        err.Error(),
	}
	if !exhausted {
		report.Retried++
		q.sink.Event(EventQueueRetry, meta)
		q.logger.Warn("queued action failed, will retry", slog.String("id", a.ID), slog.Int("attempt", a.Attempt), slog.String("error", err.Error()))
		return
	}
	report.Failed++
	q.sink.Event(EventQueueFailed, meta)
	q.sink.Error(fmt.Errorf("queued %s %s: %w", a.Kind(), a.ID, err), meta)
	q.logger.Error("queued action dropped", slog.String("id", a.ID), slog.Int("attempts", a.Attempt), slog.String("error", err.Error()))
	q.emitFailed(a, err)
}

func (q *Queue) drainAsync() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.ProcessQueue(context.Background())
	}()
}

// IsOnline returns the current connectivity state.
func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline updates connectivity. Going online starts a drain.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	if q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	pending := len(q.actions)
	q.mu.Unlock()

	if online {
		q.logger.Info("network online", slog.Int("pending", pending))
		q.drainAsync()
	} else {
		q.logger.Info("network offline", slog.Int("pending", pending))
	}
}

// HandleReachability applies a reachability transition.
func (q *Queue) HandleReachability(ev ReachabilityEvent) {
	q.logger.Debug("reachability", slog.Bool("connected", ev.IsConnected), slog.String("type", ev.Type))
	q.SetOnline(ev.Online())
}

// WatchReachability applies events from ch until it closes or ctx is done.
func (q *Queue) WatchReachability(ctx context.Context, ch <-chan ReachabilityEvent) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				q.HandleReachability(ev)
			}
		}
	}()
}

// GetStatus returns a snapshot of queue state.
func (q *Queue) GetStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStatus{
		Online:     q.online,
		Draining:   q.draining,
		Pending:    len(q.actions),
		ByPriority: make(map[string]int),
		ByKind:     make(map[ActionKind]int),
		LastDrain:  q.lastDrain,
	}
	for _, a := range q.actions {
		s.ByPriority[a.Priority.String()]++
		s.ByKind[a.Kind()]++
	}
	return s
}

// Pending returns the queued actions in drain order.
func (q *Queue) Pending() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.orderedLocked()
}

// Load restores the persisted queue and merges it with actions enqueued
// before the call. Entries that cannot be decoded are reported to the sink
// and skipped.
func (q *Queue) Load(ctx context.Context) error {
	if q.storage == nil {
		return nil
	}
	raw, ok, err := q.storage.Get(ctx, queueStorageKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return fmt.Errorf("decode queue: %w", err)
	}
	loaded := make([]QueuedAction, 0, len(entries))
	for i, entry := range entries {
		var a QueuedAction
		if err := json.Unmarshal(entry, &a); err != nil {
			q.sink.Error(fmt.Errorf("decode queued action %d: %w", i, err), map[string]any{"entry": string(entry)})
			q.logger.Warn("queue load: skipping undecodable action", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		loaded = append(loaded, a)
	}

	q.mu.Lock()
	n := 0
	for _, a := range loaded {
		if q.indexLocked(a.ID) >= 0 {
			continue
		}
		q.actions = append(q.actions, a)
		n++
	}
	if n > 0 && q.draining {
		q.dirty = true
	}
	q.mu.Unlock()
	q.logger.Debug("queue loaded", slog.Int("restored", n), slog.Int("skipped", len(entries)-len(loaded)))
	return nil
}

// Clear drops every pending action.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = nil
	return q.persistLocked(ctx)
}

// Start runs a periodic drain until Close or ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.ProcessQueue(ctx)
			}
		}
	}()
}

// Wait blocks until background drains and loops have returned.
func (q *Queue) Wait() { q.wg.Wait() }

// Close stops background loops and waits for in-flight drains.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.actions {
		if q.actions[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(i int) {
	q.actions = append(q.actions[:i], q.actions[i+1:]...)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if q.storage == nil {
		return nil
	}
	if len(q.actions) == 0 {
		if err := q.storage.Remove(ctx, queueStorageKey); err != nil {
			return fmt.Errorf("persist queue: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(q.actions)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.storage.Set(ctx, queueStorageKey, string(data)); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *Queue) persistQuiet(ctx context.Context) {
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Warn("queue persist failed", slog.String("error", err.Error()))
	}
}

func (q *Queue) emitCompleted(a QueuedAction) {
	q.lmu.RLock()
	handlers := q.completed
	q.lmu.RUnlock()
	for _, h := range handlers {
		func() {
			defer q.recoverListener("completed", a)
			h(a)
		}()
	}
}

func (q *Queue) emitFailed(a QueuedAction, err error) {
	q.lmu.RLock()
	handlers := q.failed
	q.lmu.RUnlock()
	for _, h := range handlers {
		func() {
			defer q.recoverListener("failed", a)
			h(a, err)
		}()
	}
}

func (q *Queue) recoverListener(event string, a QueuedAction) {
	if r := recover(); r != nil {
		q.logger.Error("queue listener panicked", slog.String("event", event), slog.String("id", a.ID), slog.Any("panic", r))
	}
}
