package gloup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDrainsInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	clock := newFakeClock()
	q := NewQueue(backend, NewMemoryStorage(), WithInitialOnline(false), WithQueueClock(clock.Now))

	payloads := []ActionPayload{
		ReportPostPayload{PostID: "p1", ReporterID: "u1", Reason: "spam"},
		AddReactionPayload{PostID: "p1", UserID: "u1", Reaction: ReactionFire},
		FollowUserPayload{FollowerID: "u1", FollowingID: "u2"},
		SendMessagePayload{LocalID: "m1", ConversationID: "c1", SenderID: "u1", Body: "hi"},
	}
	for _, p := range payloads {
		_, err := q.Enqueue(ctx, p)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	assert.Empty(t, backend.mutationLog(), "offline enqueue must not hit the backend")

	q.SetOnline(true)
	q.Wait()

	log := backend.mutationLog()
	require.Len(t, log, 4)
	assert.Equal(t, TableReactions, log[0].Table)
	assert.Equal(t, TableMessages, log[1].Table)
	assert.Equal(t, TableFollows, log[2].Table)
	assert.Equal(t, TableReports, log[3].Table)
	assert.Equal(t, 0, q.GetStatus().Pending)
}

func TestQueueDropsActionAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	backend.setMutate(func(Mutation) ([]Row, error) {
		return nil, &APIError{Code: "42501", Message: "permission denied"}
	})
	sink := newRecordingSink()
	q := NewQueue(backend, NewMemoryStorage(), WithInitialOnline(false), WithQueueSink(sink), WithMaxAttempts(3))

	var (
		mu     sync.Mutex
		failed []QueuedAction
	)
	q.OnFailed(func(a QueuedAction, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, a)
	})

	_, err := q.Enqueue(ctx, JoinGroupPayload{GroupID: "g1", UserID: "u1"})
	require.NoError(t, err)

	q.SetOnline(true)
	q.Wait()
	assert.Equal(t, 1, q.GetStatus().Pending)
	assert.Equal(t, 1, q.Pending()[0].Attempt)

	r := q.ProcessQueue(ctx)
	assert.Equal(t, 1, r.Retried)
	assert.Equal(t, 1, q.GetStatus().Pending)

	r = q.ProcessQueue(ctx)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 0, q.GetStatus().Pending)
	assert.Len(t, backend.mutationLog(), 3)

	mu.Lock()
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempt)
	assert.Contains(t, failed[0].LastError, "permission denied")
	mu.Unlock()

	assert.Equal(t, 2, sink.count(EventQueueRetry))
	assert.Equal(t, 1, sink.count(EventQueueFailed))

	assert.True(t, q.ProcessQueue(ctx).Skipped)
}

func TestQueueTreatsDuplicateAsSuccess(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	backend.setMutate(func(Mutation) ([]Row, error) {
		return nil, &APIError{Code: CodeUniqueViolation, Message: "duplicate key value"}
	})
	q := NewQueue(backend, nil, WithInitialOnline(false))

	var completed int
	q.OnCompleted(func(QueuedAction) { completed++ })

	_, err := q.Enqueue(ctx, FollowUserPayload{FollowerID: "u1", FollowingID: "u2"})
	require.NoError(t, err)
	q.SetOnline(true)
	q.Wait()

	assert.Equal(t, 0, q.GetStatus().Pending)
	assert.Equal(t, 1, completed)
}

func TestQueueSkipsWhileOffline(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	q := NewQueue(backend, nil, WithInitialOnline(false))

	_, err := q.Enqueue(ctx, UpdateProfilePayload{UserID: "u1", Fields: map[string]any{"bio": "hi"}})
	require.NoError(t, err)

	r := q.ProcessQueue(ctx)
	assert.True(t, r.Skipped)
	assert.Empty(t, backend.mutationLog())

	status := q.GetStatus()
	assert.False(t, status.Online)
	assert.Equal(t, 1, status.ByPriority["low"])
	assert.Equal(t, 1, status.ByKind[KindUpdateProfile])
}

func TestQueuePersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	first := NewQueue(&fakeBackend{}, storage, WithInitialOnline(false))

	id, err := first.Enqueue(ctx, AddCommentPayload{LocalID: "local-1", PostID: "p1", UserID: "u1", Body: "nice"})
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, RemoveReactionPayload{PostID: "p1", UserID: "u1", Reaction: ReactionGlow}, WithPriority(PriorityLow))
	require.NoError(t, err)

	backend := &fakeBackend{}
	second := NewQueue(backend, storage, WithInitialOnline(false))
	require.NoError(t, second.Load(ctx))

	pending := second.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, id, pending[0].ID)
	comment, ok := pending[0].Payload.(AddCommentPayload)
	require.True(t, ok)
	assert.Equal(t, "nice", comment.Body)
	assert.Equal(t, PriorityLow, pending[1].Priority)

	second.SetOnline(true)
	second.Wait()
	assert.Len(t, backend.mutationLog(), 2)

	_, ok, err = storage.Get(ctx, queueStorageKey)
	require.NoError(t, err)
	assert.False(t, ok, "empty queue removes its storage key")
}

func TestQueueClear(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	q := NewQueue(&fakeBackend{}, storage, WithInitialOnline(false))
	_, err := q.Enqueue(ctx, JoinGroupPayload{GroupID: "g1", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, q.Clear(ctx))
	assert.Empty(t, q.Pending())
	assert.Equal(t, 0, storage.Len())
}

func TestQueueEnqueueRejectsNil(t *testing.T) {
	q := NewQueue(&fakeBackend{}, nil)
	_, err := q.Enqueue(context.Background(), nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeInvalidInput, apiErr.Code)
}

func TestQueueListenerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(&fakeBackend{}, nil, WithInitialOnline(false))

	var second bool
	q.OnCompleted(func(QueuedAction) { panic("boom") })
	q.OnCompleted(func(QueuedAction) { second = true })

	_, err := q.Enqueue(ctx, FollowUserPayload{FollowerID: "u1", FollowingID: "u2"})
	require.NoError(t, err)
	q.SetOnline(true)
	q.Wait()

	assert.True(t, second)
}

func TestReachabilityEventOnline(t *testing.T) {
	yes, no := true, false
	assert.True(t, ReachabilityEvent{IsConnected: true}.Online())
	assert.True(t, ReachabilityEvent{IsConnected: true, IsInternetReachable: &yes}.Online())
	assert.False(t, ReachabilityEvent{IsConnected: true, IsInternetReachable: &no}.Online())
	assert.False(t, ReachabilityEvent{IsConnected: false}.Online())
}

func TestQueueWatchReachability(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	q := NewQueue(backend, nil, WithInitialOnline(false))
	_, err := q.Enqueue(ctx, JoinGroupPayload{GroupID: "g1", UserID: "u1"})
	require.NoError(t, err)

	ch := make(chan ReachabilityEvent, 1)
	q.WatchReachability(ctx, ch)
	ch <- ReachabilityEvent{IsConnected: true, Type: "wifi"}

	assert.Eventually(t, func() bool { return len(backend.mutationLog()) == 1 }, time.Second, 5*time.Millisecond)
	close(ch)
	q.Close()
	assert.True(t, q.IsOnline())
}

// markOnline flips connectivity without the background drain SetOnline starts.
func markOnline(q *Queue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = true
}

func TestQueueRunsOneDrainAtATime(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	backend := &fakeBackend{}
	backend.setMutate(func(m Mutation) ([]Row, error) {
		<-release
		return []Row{{"id": m.Table}}, nil
	})
	q := NewQueue(backend, nil, WithInitialOnline(false))
	for _, p := range []ActionPayload{
		AddReactionPayload{PostID: "p1", UserID: "u1", Reaction: ReactionFire},
		FollowUserPayload{FollowerID: "u1", FollowingID: "u2"},
		ReportPostPayload{PostID: "p2", ReporterID: "u1", Reason: "spam"},
	} {
		_, err := q.Enqueue(ctx, p)
		require.NoError(t, err)
	}
	markOnline(q)

	const callers = 8
	var (
		wg      sync.WaitGroup
		done    atomic.Int32
		reports = make([]DrainReport, callers)
	)
	for i := range reports {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = q.ProcessQueue(ctx)
			done.Add(1)
		}()
	}
	require.Eventually(t, func() bool { return done.Load() == callers-1 }, time.Second, time.Millisecond,
		"every caller but the draining one returns at once")
	close(release)
	wg.Wait()

	var ran []DrainReport
	for _, r := range reports {
		if !r.Skipped {
			ran = append(ran, r)
		}
	}
	require.Len(t, ran, 1)
	assert.Equal(t, 3, ran[0].Processed)
	assert.Equal(t, 3, ran[0].Succeeded)

	log := backend.mutationLog()
	require.Len(t, log, 3, "each action executes exactly once")
	assert.ElementsMatch(t, []string{TableReactions, TableFollows, TableReports}, []string{log[0].Table, log[1].Table, log[2].Table})
}

func TestQueueAttemptsEachActionOncePerDrain(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	q := NewQueue(backend, nil, WithInitialOnline(false))
	var once sync.Once
	backend.setMutate(func(m Mutation) ([]Row, error) {
		if m.Table == TableReports {
			// An enqueue mid-drain forces a follow-up pass.
			once.Do(func() {
				_, _ = q.Enqueue(ctx, FollowUserPayload{FollowerID: "u1", FollowingID: "u2"})
			})
			return nil, errors.New("report rejected")
		}
		return []Row{{"id": "f1"}}, nil
	})
	_, err := q.Enqueue(ctx, ReportPostPayload{PostID: "p1", ReporterID: "u1", Reason: "spam"})
	require.NoError(t, err)
	markOnline(q)

	r := q.ProcessQueue(ctx)
	q.Wait()

	assert.Equal(t, 2, r.Processed)
	assert.Equal(t, 1, r.Retried, "the failed report is not retried in the follow-up pass")
	assert.Equal(t, 1, r.Succeeded)
}

func TestQueueLoadSkipsUndecodableAndMerges(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	sink := newRecordingSink()
	q := NewQueue(&fakeBackend{}, storage, WithInitialOnline(false), WithQueueSink(sink))

	local, err := q.Enqueue(ctx, JoinGroupPayload{GroupID: "g1", UserID: "u1"})
	require.NoError(t, err)

	good, err := json.Marshal(QueuedAction{
		ID:          "a1",
		Payload:     FollowUserPayload{FollowerID: "u1", FollowingID: "u2"},
		MaxAttempts: 3,
		Priority:    PriorityMedium,
	})
	require.NoError(t, err)
	persisted := "[" + string(good) + `,{"id":"a2","kind":"teleport","payload":{}}]`
	require.NoError(t, storage.Set(ctx, queueStorageKey, persisted))

	require.NoError(t, q.Load(ctx))
	require.NoError(t, q.Load(ctx), "loading twice does not duplicate")

	var ids []string
	for _, a := range q.Pending() {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{local, "a1"}, ids)
	assert.Len(t, sink.errorList(), 2, "one report per load of the bad entry")
}
