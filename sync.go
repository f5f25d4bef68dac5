package gloup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cache key prefixes owned by the sync engine.
const (
	feedCachePrefix          = "feed:"
	followsCachePrefix       = "follows:"
	notificationsCachePrefix = "notifications:"
	messagesCachePrefix      = "messages:"
	profileCachePrefix       = "profile:"
)

func invalidationFor(kind ActionKind) []string {
	switch kind {
	case KindCreatePost, KindAddReaction, KindRemoveReaction, KindAddComment, KindReportPost:
		return []string{feedCachePrefix}
	case KindFollowUser, KindUnfollowUser:
		return []string{followsCachePrefix}
	case KindMarkNotificationRead:
		return []string{notificationsCachePrefix}
	case KindSendMessage:
		return []string{messagesCachePrefix}
	case KindUpdateProfile:
		return []string{profileCachePrefix}
	case KindJoinGroup:
		return []string{feedCachePrefix, profileCachePrefix}
	}
	return nil
}

// Deps are the collaborators of a SyncEngine. Optimizer is required; the rest
// may be nil.
type Deps struct {
	Optimizer *Optimizer
	Queue     *Queue
	Realtime  *RealtimeManager
	Notifier  *Notifier
	Sink      Sink
	Logger    *slog.Logger
	Clock     func() time.Time
	// FeedTTL bounds how long feed pages are served from cache. Defaults to
	// one minute.
	FeedTTL time.Duration
}

// FeedPage selects one page of the feed.
type FeedPage struct {
	Limit     int
	Offset    int
	GroupID   string
	AuthorIDs []string
}

func (p FeedPage) key() string {
	return fmt.Sprintf("%s:%s:%d:%d", p.GroupID, strings.Join(p.AuthorIDs, ","), p.Offset, p.Limit)
}

// NewPost is the input of CreatePost.
type NewPost struct {
	Content  string
	MediaURL string
	GroupID  string
}

// SyncEngine composes the cache, queue, realtime manager and optimizer into
// the feed and social operations. Every mutation is applied optimistically,
// then written directly when online or queued when offline; a failed write
// rolls the optimistic change back.
type SyncEngine struct {
	me       string
	opt      *Optimizer
	queue    *Queue
	rt       *RealtimeManager
	notifier *Notifier
	sink     Sink
	logger   *slog.Logger
	now      func() time.Time
	feedTTL  time.Duration

	mu    sync.Mutex
	state *feedState

	// pending maps in-flight keys and queued action ids to the optimistic
	// command they carry.
	pmu        sync.Mutex
	pending    map[string]command
	pendingIDs []string

	lmu       sync.RWMutex
	listeners []func()

	wmu      sync.Mutex
	channels []string
}

// NewSyncEngine creates an engine acting as userID.
func NewSyncEngine(userID string, deps Deps) *SyncEngine {
	e := &SyncEngine{
		me:       userID,
		opt:      deps.Optimizer,
		queue:    deps.Queue,
		rt:       deps.Realtime,
		notifier: deps.Notifier,
		sink:     deps.Sink,
		logger:   deps.Logger,
		now:      deps.Clock,
		feedTTL:  deps.FeedTTL,
		state:    newFeedState(userID),
		pending:  make(map[string]command),
	}
	if e.sink == nil {
		e.sink = NopSink{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.feedTTL <= 0 {
		e.feedTTL = time.Minute
	}
	if e.queue != nil {
		e.queue.OnCompleted(e.onQueueCompleted)
		e.queue.OnFailed(e.onQueueFailed)
		e.restorePending()
	}
	return e
}

// UserID returns the local user.
func (e *SyncEngine) UserID() string { return e.me }

// OnChange registers a listener invoked after every state change.
func (e *SyncEngine) OnChange(h func()) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, h)
}

func (e *SyncEngine) changed() {
	e.lmu.RLock()
	handlers := e.listeners
	e.lmu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("sync: change listener panicked", slog.Any("panic", r))
				}
			}()
			h()
		}()
	}
}

// ============================================================================
// Mutation pipeline
// ============================================================================

func (e *SyncEngine) execute(ctx context.Context, cmd command) error {
	e.mu.Lock()
	if err := cmd.Check(e.state); err != nil {
		e.mu.Unlock()
		if isNoop(err) {
			e.logger.Debug("sync: no-op", slog.String("kind", string(cmd.Payload().Kind())), slog.String("reason", err.Error()))
			return nil
		}
		return err
	}
	cmd.Apply(e.state)
	// Tracked until settled so a reload during the write reapplies it.
	key := "inflight-" + uuid.NewString()
	e.pmu.Lock()
	e.trackLocked(key, cmd)
	e.pmu.Unlock()
	e.mu.Unlock()
	e.changed()

	payload := cmd.Payload()
	if e.queue != nil && !e.queue.IsOnline() {
		return e.enqueue(ctx, key, cmd)
	}

	rows, err := e.opt.Mutate(ctx, MutationFor(payload), invalidationFor(payload.Kind())...)
	switch {
	case err == nil:
		e.settle(key, confirmWith(rows))
		e.notifyFor(ctx, payload)
		return nil
	case IsDuplicate(err):
		e.logger.Debug("sync: write already applied", slog.String("kind", string(payload.Kind())))
		e.settle(key, confirmWith(nil))
		return nil
	case IsNetworkError(err) && e.queue != nil:
		e.logger.Info("sync: write failed on network, queueing", slog.String("kind", string(payload.Kind())), slog.String("error", err.Error()))
		return e.enqueue(ctx, key, cmd)
	default:
		e.settle(key, rollbackCmd)
		e.logger.Warn("sync: write failed, rolled back", slog.String("kind", string(payload.Kind())), slog.String("error", err.Error()))
		return err
	}
}

// enqueue hands cmd to the offline queue and re-keys its tracking entry from
// key to the queued action id.
func (e *SyncEngine) enqueue(ctx context.Context, key string, cmd command) error {
	e.pmu.Lock()
	id, err := e.queue.Enqueue(ctx, cmd.Payload())
	if id != "" {
		e.rekeyLocked(key, id)
	}
	e.pmu.Unlock()
	if id == "" {
		e.settle(key, rollbackCmd)
		return err
	}
	if err != nil {
		// The action is queued in memory; only persistence failed.
		e.logger.Warn("sync: queue persist failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	return nil
}

func confirmWith(rows []Row) func(command, *feedState) {
	return func(cmd command, s *feedState) {
		if c, ok := cmd.(confirmer); ok {
			c.Confirm(s, rows)
		}
	}
}

func rollbackCmd(cmd command, s *feedState) { cmd.Rollback(s) }

// settle stops tracking key and runs fn on its command in the same critical
// section, so no reload can observe one without the other. Lock order is mu
// then pmu.
func (e *SyncEngine) settle(key string, fn func(command, *feedState)) bool {
	e.mu.Lock()
	e.pmu.Lock()
	cmd := e.untrackLocked(key)
	e.pmu.Unlock()
	if cmd != nil {
		fn(cmd, e.state)
	}
	e.mu.Unlock()
	if cmd == nil {
		return false
	}
	e.changed()
	return true
}

func (e *SyncEngine) trackLocked(key string, cmd command) {
	e.pending[key] = cmd
	e.pendingIDs = append(e.pendingIDs, key)
}

func (e *SyncEngine) untrackLocked(key string) command {
	cmd, ok := e.pending[key]
	if !ok {
		return nil
	}
	delete(e.pending, key)
	for i, id := range e.pendingIDs {
		if id == key {
			e.pendingIDs = append(e.pendingIDs[:i], e.pendingIDs[i+1:]...)
			break
		}
	}
	return cmd
}

func (e *SyncEngine) rekeyLocked(from, to string) {
	cmd, ok := e.pending[from]
	if !ok {
		return
	}
	delete(e.pending, from)
	e.pending[to] = cmd
	for i, id := range e.pendingIDs {
		if id == from {
			e.pendingIDs[i] = to
			break
		}
	}
}

func (e *SyncEngine) onQueueCompleted(a QueuedAction) {
	e.settle(a.ID, confirmWith(a.Result))
	if cache := e.opt.Cache(); cache != nil {
		for _, prefix := range invalidationFor(a.Kind()) {
			cache.InvalidatePrefix(context.Background(), prefix)
		}
	}
	e.notifyFor(context.Background(), a.Payload)
}

func (e *SyncEngine) onQueueFailed(a QueuedAction, err error) {
	if e.settle(a.ID, rollbackCmd) {
		e.logger.Warn("sync: queued write dropped, rolled back", slog.String("kind", string(a.Kind())), slog.String("error", err.Error()))
	}
}

// Restore loads the persisted offline queue and re-registers every queued
// action as an optimistic write, so its effect shows again after a restart
// and rolls back if the action finally fails. Actions already registered are
// skipped.
func (e *SyncEngine) Restore(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}
	if err := e.queue.Load(ctx); err != nil {
		return err
	}
	e.restorePending()
	return nil
}

func (e *SyncEngine) restorePending() {
	actions := e.queue.Pending()
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].EnqueuedAt.Before(actions[j].EnqueuedAt) })

	e.mu.Lock()
	e.pmu.Lock()
	n := 0
	for _, a := range actions {
		if _, ok := e.pending[a.ID]; ok {
			continue
		}
		cmd := commandFor(a)
		if cmd == nil {
			continue
		}
		e.trackLocked(a.ID, cmd)
		if cmd.Check(e.state) == nil {
			cmd.Apply(e.state)
		}
		n++
	}
	e.pmu.Unlock()
	e.mu.Unlock()

	if n > 0 {
		e.logger.Debug("sync: restored queued writes", slog.Int("count", n))
		e.changed()
	}
}

// PendingWrites returns the number of optimistic writes not yet settled,
// whether in flight or waiting in the offline queue.
func (e *SyncEngine) PendingWrites() int {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	return len(e.pending)
}

func (e *SyncEngine) notifyFor(ctx context.Context, payload ActionPayload) {
	if e.notifier == nil {
		return
	}
	var req NotificationRequest
	switch p := payload.(type) {
	case AddReactionPayload:
		req = NotificationRequest{
			UserID: e.postAuthor(p.PostID),
			Type:   NotifyReaction,
			Title:  "New reaction",
			Body:   "Someone reacted " + string(p.Reaction) + " to your post",
			Data:   map[string]any{"post_id": p.PostID, "kind": string(p.Reaction), "actor_id": p.UserID},
		}
	case AddCommentPayload:
		req = NotificationRequest{
			UserID: e.postAuthor(p.PostID),
			Type:   NotifyComment,
			Title:  "New comment",
			Body:   truncate(p.Body, 80),
			Data:   map[string]any{"post_id": p.PostID, "actor_id": p.UserID},
		}
	case FollowUserPayload:
		req = NotificationRequest{
			UserID: p.FollowingID,
			Type:   NotifyFollow,
			Title:  "New follower",
			Body:   "Someone started following you",
			Data:   map[string]any{"actor_id": p.FollowerID},
		}
	default:
		return
	}
	if req.UserID == "" || req.UserID == e.me {
		return
	}
	e.notifier.Dispatch(ctx, req)
}

func (e *SyncEngine) postAuthor(postID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok := e.state.posts[postID]; ok {
		return ps.post.AuthorID
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func localID() string {
	return "local-" + uuid.NewString()
}

// ============================================================================
// Feed
// ============================================================================

// LoadFeed fetches one page of posts with their reactions and comments. Page
// zero replaces the feed; later pages append. Writes still waiting in the
// offline queue are reapplied on top of the fetched state.
func (e *SyncEngine) LoadFeed(ctx context.Context, page FeedPage) ([]PostView, error) {
	if page.Limit <= 0 {
		page.Limit = 20
	}
	q := SelectQuery{
		Table:  TablePosts,
		Order:  []Order{{Column: "created_at"}},
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	if page.GroupID != "" {
		q.Filters = append(q.Filters, Eq("group_id", page.GroupID))
	}
	if len(page.AuthorIDs) > 0 {
		q.Filters = append(q.Filters, InStrings("user_id", page.AuthorIDs))
	}
	key := page.key()
	res := e.opt.Query(ctx, QueryConfig{SelectQuery: q, CacheKey: feedCachePrefix + "posts:" + key, CacheTTL: e.feedTTL})
	if res.Err != nil {
		return nil, res.Err
	}
	var posts []Post
	if err := res.Decode(&posts); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}

	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	var (
		reactions []Reaction
		comments  []Comment
	)
	if len(ids) > 0 {
		results := e.opt.QueryAll(ctx,
			QueryConfig{
				SelectQuery: SelectQuery{Table: TableReactions, Filters: []Filter{InStrings("post_id", ids)}},
				CacheKey:    feedCachePrefix + "reactions:" + key,
				CacheTTL:    e.feedTTL,
			},
			QueryConfig{
				SelectQuery: SelectQuery{
					Table:   TableComments,
					Filters: []Filter{InStrings("post_id", ids)},
					Order:   []Order{{Column: "created_at", Ascending: true}},
				},
				CacheKey: feedCachePrefix + "comments:" + key,
				CacheTTL: e.feedTTL,
			},
		)
		if err := results[0].Decode(&reactions); err != nil {
			return nil, fmt.Errorf("load reactions: %w", err)
		}
		if err := results[1].Decode(&comments); err != nil {
			return nil, fmt.Errorf("load comments: %w", err)
		}
	}

	states := make(map[string]*postState, len(posts))
	for _, p := range posts {
		states[p.ID] = newPostState(p)
	}
	for _, r := range reactions {
		ps, ok := states[r.PostID]
		if !ok || !r.Kind.Valid() {
			continue
		}
		ps.counts[r.Kind]++
		if r.UserID == e.me {
			ps.mine[r.Kind] = true
		}
	}
	for _, c := range comments {
		if ps, ok := states[c.PostID]; ok {
			ps.comments = append(ps.comments, c)
			ps.commentCount++
		}
	}

	e.mu.Lock()
	s := e.state
	if page.Offset == 0 {
		var order []string
		for _, id := range s.order {
			if ps := s.posts[id]; ps != nil && ps.pending {
				order = append(order, id)
				continue
			}
			delete(s.posts, id)
		}
		s.order = order
	}
	for _, p := range posts {
		if _, exists := s.posts[p.ID]; !exists {
			s.order = append(s.order, p.ID)
		}
		s.posts[p.ID] = states[p.ID]
		for _, c := range states[p.ID].comments {
			s.knownComments[c.ID] = true
		}
	}
	e.reapplyPendingLocked()
	views := e.feedLocked()
	e.mu.Unlock()

	e.changed()
	return views, nil
}

// reapplyPendingLocked replays unsettled optimistic commands onto freshly
// loaded state. Commands whose precondition no longer holds are skipped.
func (e *SyncEngine) reapplyPendingLocked() {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	for _, id := range e.pendingIDs {
		cmd := e.pending[id]
		if cmd == nil {
			continue
		}
		if err := cmd.Check(e.state); err != nil {
			continue
		}
		cmd.Apply(e.state)
	}
}

// Feed returns the loaded feed in display order, without reported posts.
func (e *SyncEngine) Feed() []PostView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feedLocked()
}

func (e *SyncEngine) feedLocked() []PostView {
	views := make([]PostView, 0, len(e.state.order))
	for _, id := range e.state.order {
		if e.state.hidden[id] {
			continue
		}
		if ps := e.state.posts[id]; ps != nil {
			views = append(views, ps.view())
		}
	}
	return views
}

// Post returns one loaded post.
func (e *SyncEngine) Post(id string) (PostView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.state.posts[id]
	if !ok {
		return PostView{}, false
	}
	return ps.view(), true
}

// CreatePost publishes a post. The returned post carries a local id until the
// backend confirms it.
func (e *SyncEngine) CreatePost(ctx context.Context, in NewPost) (Post, error) {
	if strings.TrimSpace(in.Content) == "" && in.MediaURL == "" {
		return Post{}, &APIError{Code: CodeInvalidInput, Message: "post needs content or media"}
	}
	p := Post{
		ID:        localID(),
		AuthorID:  e.me,
		Content:   in.Content,
		MediaURL:  in.MediaURL,
		GroupID:   in.GroupID,
		CreatedAt: e.now(),
	}
	if err := e.execute(ctx, &createPostCmd{post: p}); err != nil {
		return Post{}, err
	}
	return p, nil
}

// ReportPost reports a post and hides it locally.
func (e *SyncEngine) ReportPost(ctx context.Context, postID, reason string) error {
	return e.execute(ctx, &reportPostCmd{postID: postID, reporterID: e.me, reason: reason})
}

// ============================================================================
// Reactions and Comments
// ============================================================================

// AddReaction reacts to a post. Reacting twice with the same kind is a no-op.
func (e *SyncEngine) AddReaction(ctx context.Context, postID string, kind ReactionKind) error {
	if !kind.Valid() {
		return &APIError{Code: CodeInvalidInput, Message: fmt.Sprintf("unknown reaction %q", kind)}
	}
	return e.execute(ctx, &addReactionCmd{postID: postID, userID: e.me, kind: kind})
}

// RemoveReaction withdraws a reaction. Removing an absent reaction is a no-op.
func (e *SyncEngine) RemoveReaction(ctx context.Context, postID string, kind ReactionKind) error {
	if !kind.Valid() {
		return &APIError{Code: CodeInvalidInput, Message: fmt.Sprintf("unknown reaction %q", kind)}
	}
	return e.execute(ctx, &removeReactionCmd{postID: postID, userID: e.me, kind: kind})
}

// ToggleReaction adds the reaction if absent and removes it otherwise.
func (e *SyncEngine) ToggleReaction(ctx context.Context, postID string, kind ReactionKind) error {
	e.mu.Lock()
	ps, ok := e.state.posts[postID]
	reacted := ok && ps.mine[kind]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownPost
	}
	if reacted {
		return e.RemoveReaction(ctx, postID, kind)
	}
	return e.AddReaction(ctx, postID, kind)
}

// AddComment comments on a post. The returned comment is pending until
// confirmed.
func (e *SyncEngine) AddComment(ctx context.Context, postID, body string) (Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Comment{}, &APIError{Code: CodeInvalidInput, Message: "comment body is required"}
	}
	c := Comment{
		ID:        localID(),
		PostID:    postID,
		UserID:    e.me,
		Body:      body,
		CreatedAt: e.now(),
		Pending:   true,
	}
	if err := e.execute(ctx, &addCommentCmd{comment: c}); err != nil {
		return Comment{}, err
	}
	return c, nil
}

// ============================================================================
// Social
// ============================================================================

// Follow follows another user. Following twice is a no-op.
func (e *SyncEngine) Follow(ctx context.Context, userID string) error {
	if userID == "" || userID == e.me {
		return &APIError{Code: CodeInvalidInput, Message: "cannot follow this user"}
	}
	return e.execute(ctx, &followCmd{followerID: e.me, targetID: userID})
}

// Unfollow stops following a user. Unfollowing a stranger is a no-op.
func (e *SyncEngine) Unfollow(ctx context.Context, userID string) error {
	return e.execute(ctx, &unfollowCmd{followerID: e.me, targetID: userID})
}

// LoadFollowState fetches userID's follower count and whether the local user
// follows them.
func (e *SyncEngine) LoadFollowState(ctx context.Context, userID string) (following bool, followers int, err error) {
	res := e.opt.Query(ctx, QueryConfig{
		SelectQuery: SelectQuery{
			Table:   TableFollows,
			Columns: []string{"follower_id", "following_id"},
			Filters: []Filter{Eq("following_id", userID)},
		},
		CacheKey: followsCachePrefix + userID,
		CacheTTL: e.feedTTL,
	})
	if res.Err != nil {
		return false, 0, res.Err
	}
	for _, row := range res.Data {
		if row.String("follower_id") == e.me {
			following = true
		}
	}
	followers = len(res.Data)

	e.mu.Lock()
	if following {
		e.state.following[userID] = true
	} else {
		delete(e.state.following, userID)
	}
	e.state.followerCounts[userID] = followers
	e.reapplyPendingLocked()
	following = e.state.following[userID]
	followers = e.state.followerCounts[userID]
	e.mu.Unlock()

	e.changed()
	return following, followers, nil
}

// IsFollowing reports whether the local user follows userID.
func (e *SyncEngine) IsFollowing(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.following[userID]
}

// FollowerCount returns the known follower count of userID.
func (e *SyncEngine) FollowerCount(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.followerCounts[userID]
}

// JoinGroup joins a group.
func (e *SyncEngine) JoinGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return &APIError{Code: CodeInvalidInput, Message: "group id is required"}
	}
	return e.execute(ctx, &joinGroupCmd{groupID: groupID, userID: e.me})
}

// InGroup reports whether the local user joined groupID in this session.
func (e *SyncEngine) InGroup(groupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.groups[groupID]
}

// UpdateProfile updates profile fields of the local user.
func (e *SyncEngine) UpdateProfile(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return e.execute(ctx, &updateProfileCmd{userID: e.me, fields: fields})
}

// Profile returns the locally known profile fields.
func (e *SyncEngine) Profile() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.state.profile))
	for k, v := range e.state.profile {
		out[k] = v
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage sends a message to a conversation.
func (e *SyncEngine) SendMessage(ctx context.Context, conversationID, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if conversationID == "" || body == "" {
		return Message{}, &APIError{Code: CodeInvalidInput, Message: "conversation and body are required"}
	}
	m := Message{
		ID:             localID(),
		ConversationID: conversationID,
		SenderID:       e.me,
		Body:           body,
		CreatedAt:      e.now(),
		Pending:        true,
	}
	if err := e.execute(ctx, &sendMessageCmd{msg: m}); err != nil {
		return Message{}, err
	}
	return m, nil
}

// LoadMessages fetches the latest messages of a conversation, oldest first.
func (e *SyncEngine) LoadMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	res := e.opt.Query(ctx, QueryConfig{
		SelectQuery: SelectQuery{
			Table:   TableMessages,
			Filters: []Filter{Eq("conversation_id", conversationID)},
			Order:   []Order{{Column: "created_at"}},
			Limit:   limit,
		},
		CacheKey: messagesCachePrefix + conversationID + ":" + strconv.Itoa(limit),
		CacheTTL: e.feedTTL,
	})
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	e.mu.Lock()
	var local []Message
	for _, m := range e.state.messages[conversationID] {
		if m.Pending {
			local = append(local, m)
		}
	}
	for _, m := range msgs {
		e.state.knownMessages[m.ID] = true
	}
	e.state.messages[conversationID] = append(msgs, local...)
	out := append([]Message(nil), e.state.messages[conversationID]...)
	e.mu.Unlock()

	e.changed()
	return out, nil
}

// Messages returns the known messages of a conversation.
func (e *SyncEngine) Messages(conversationID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.state.messages[conversationID]...)
}

// ============================================================================
// Notifications
// ============================================================================

// LoadNotifications fetches the local user's latest notifications.
func (e *SyncEngine) LoadNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	res := e.opt.Query(ctx, QueryConfig{
		SelectQuery: SelectQuery{
			Table:   TableNotifications,
			Filters: []Filter{Eq("user_id", e.me)},
			Order:   []Order{{Column: "created_at"}},
			Limit:   limit,
		},
		CacheKey: notificationsCachePrefix + e.me + ":" + strconv.Itoa(limit),
		CacheTTL: e.feedTTL,
	})
	var ns []Notification
	if err := res.Decode(&ns); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.state.notifications = ns
	e.reapplyPendingLocked()
	out := append([]Notification(nil), e.state.notifications...)
	e.mu.Unlock()

	e.changed()
	return out, nil
}

// MarkNotificationRead marks one notification read. Marking a read or unknown
// notification is a no-op.
func (e *SyncEngine) MarkNotificationRead(ctx context.Context, id string) error {
	return e.execute(ctx, &markReadCmd{notificationID: id, userID: e.me})
}

// Notifications returns the known notifications, newest first.
func (e *SyncEngine) Notifications() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notification(nil), e.state.notifications...)
}

// UnreadCount returns how many known notifications are unread.
func (e *SyncEngine) UnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, x := range e.state.notifications {
		if !x.Read {
			n++
		}
	}
	return n
}

// ============================================================================
// Realtime
// ============================================================================

// Watch subscribes to live changes for the feed, follows, messages and the
// local user's notifications. Channels already watched are left as they are.
func (e *SyncEngine) Watch(ctx context.Context) error {
	if e.rt == nil {
		return ErrNotConnected
	}
	specs := []struct {
		id   string
		opts SubscribeOptions
	}{
		{"feed-posts", SubscribeOptions{Table: TablePosts}},
		{"feed-reactions", SubscribeOptions{Table: TableReactions}},
		{"feed-comments", SubscribeOptions{Table: TableComments}},
		{"social-follows", SubscribeOptions{Table: TableFollows}},
		{"messages", SubscribeOptions{Table: TableMessages, Event: ChangeInsert}},
		{"notifications-" + e.me, SubscribeOptions{Table: TableNotifications, Filter: "user_id=eq." + e.me}},
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()
	watching := make(map[string]bool, len(e.channels))
	for _, id := range e.channels {
		watching[id] = true
	}
	for _, s := range specs {
		s := s
		if watching[s.id] {
			continue
		}
		opts := s.opts
		opts.Callback = e.mergeRemote
		opts.OnError = func(err error) {
			e.sink.Error(err, map[string]any{"channel": s.id})
		}
		id, err := e.rt.Subscribe(ctx, s.id, opts)
		if err != nil {
			return err
		}
		e.channels = append(e.channels, id)
	}
	return nil
}

// Unwatch drops every subscription made by Watch.
func (e *SyncEngine) Unwatch(ctx context.Context) error {
	if e.rt == nil {
		return nil
	}
	e.wmu.Lock()
	channels := e.channels
	e.channels = nil
	e.wmu.Unlock()

	var firstErr error
	for _, id := range channels {
		if err := e.rt.Unsubscribe(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MergeRemote applies a realtime change to local state. Watch routes every
// subscribed change here.
func (e *SyncEngine) MergeRemote(ev ChangeEvent) {
	_ = e.mergeRemote(ev)
}

func (e *SyncEngine) mergeRemote(ev ChangeEvent) error {
	e.mu.Lock()
	changed := e.state.mergeChange(ev)
	e.mu.Unlock()
	if !changed {
		return nil
	}
	if cache := e.opt.Cache(); cache != nil {
		prefix := feedCachePrefix
		switch ev.Table {
		case TableFollows:
			prefix = followsCachePrefix
		case TableNotifications:
			prefix = notificationsCachePrefix
		case TableMessages:
			prefix = messagesCachePrefix
		}
		cache.InvalidatePrefix(context.Background(), prefix)
	}
	e.changed()
	return nil
}
