package gloup

import (
	"sort"
	"time"
)

// ============================================================================
// Local State
// ============================================================================

type postState struct {
	post         Post
	counts       map[ReactionKind]int
	mine         map[ReactionKind]bool
	comments     []Comment
	commentCount int
	pending      bool
}

func newPostState(p Post) *postState {
	return &postState{
		post:   p,
		counts: make(map[ReactionKind]int),
		mine:   make(map[ReactionKind]bool),
	}
}

func (p *postState) decrement(kind ReactionKind) {
	if p.counts[kind] > 0 {
		p.counts[kind]--
	}
}

func (p *postState) hasComment(id string) bool {
	for _, c := range p.comments {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (p *postState) removeComment(id string) bool {
	for i, c := range p.comments {
		if c.ID == id {
			p.comments = append(p.comments[:i], p.comments[i+1:]...)
			return true
		}
	}
	return false
}

// PostView is an immutable snapshot of one post and its aggregates.
type PostView struct {
	Post
	Reactions    map[ReactionKind]int
	MyReactions  []ReactionKind
	CommentCount int
	Comments     []Comment
	GlowPoints   int
	Pending      bool
}

// HasReacted reports whether the local user holds a reaction of kind.
func (v PostView) HasReacted(kind ReactionKind) bool {
	for _, k := range v.MyReactions {
		if k == kind {
			return true
		}
	}
	return false
}

func (p *postState) view() PostView {
	v := PostView{
		Post:         p.post,
		Reactions:    make(map[ReactionKind]int, len(p.counts)),
		CommentCount: p.commentCount,
		Comments:     append([]Comment(nil), p.comments...),
		Pending:      p.pending,
	}
	for k, n := range p.counts {
		if n > 0 {
			v.Reactions[k] = n
		}
	}
	for k := range p.mine {
		v.MyReactions = append(v.MyReactions, k)
	}
	sort.Slice(v.MyReactions, func(i, j int) bool { return v.MyReactions[i] < v.MyReactions[j] })
	v.GlowPoints = GlowPoints(v.Reactions)
	return v
}

// feedState is everything the engine renders from. Guarded by SyncEngine.mu.
type feedState struct {
	me             string
	posts          map[string]*postState
	order          []string
	hidden         map[string]bool
	knownComments  map[string]bool
	knownMessages  map[string]bool
	following      map[string]bool
	followerCounts map[string]int
	groups         map[string]bool
	profile        map[string]any
	notifications  []Notification
	messages       map[string][]Message
}

func newFeedState(me string) *feedState {
	return &feedState{
		me:             me,
		posts:          make(map[string]*postState),
		hidden:         make(map[string]bool),
		knownComments:  make(map[string]bool),
		knownMessages:  make(map[string]bool),
		following:      make(map[string]bool),
		followerCounts: make(map[string]int),
		groups:         make(map[string]bool),
		profile:        make(map[string]any),
		messages:       make(map[string][]Message),
	}
}

func (s *feedState) removePost(id string) {
	if _, ok := s.posts[id]; !ok {
		return
	}
	delete(s.posts, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *feedState) decrementFollowers(userID string) {
	if s.followerCounts[userID] > 0 {
		s.followerCounts[userID]--
	}
}

func (s *feedState) notification(id string) *Notification {
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			return &s.notifications[i]
		}
	}
	return nil
}

func (s *feedState) removeMessage(conversationID, id string) {
	msgs := s.messages[conversationID]
	for i, m := range msgs {
		if m.ID == id {
			s.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

// confirmPost swaps a pending local post for its server row.
func (s *feedState) confirmPost(localID string, row Row) {
	ps, ok := s.posts[localID]
	if !ok {
		return
	}
	ps.pending = false
	serverID := row.String("id")
	if serverID == "" || serverID == localID {
		return
	}
	if _, dup := s.posts[serverID]; dup {
		s.removePost(localID)
		return
	}
	ps.post.ID = serverID
	if t, ok := rowTime(row, "created_at"); ok {
		ps.post.CreatedAt = t
	}
	delete(s.posts, localID)
	s.posts[serverID] = ps
	for i, pid := range s.order {
		if pid == localID {
			s.order[i] = serverID
			break
		}
	}
	for i := range ps.comments {
		ps.comments[i].PostID = serverID
	}
}

// confirmComment swaps a pending local comment id for the server id. Both ids
// stay known so a late echo of either is ignored.
func (s *feedState) confirmComment(localID string, row Row) {
	ps, ok := s.posts[row.String("post_id")]
	if !ok {
		return
	}
	serverID := row.String("id")
	for i := range ps.comments {
		if ps.comments[i].ID != localID {
			continue
		}
		if serverID != "" {
			ps.comments[i].ID = serverID
			s.knownComments[serverID] = true
		}
		if t, ok := rowTime(row, "created_at"); ok {
			ps.comments[i].CreatedAt = t
		}
		ps.comments[i].Pending = false
		return
	}
}

func (s *feedState) confirmMessage(conversationID, localID string, row Row) {
	msgs := s.messages[conversationID]
	serverID := row.String("id")
	for i := range msgs {
		if msgs[i].ID != localID {
			continue
		}
		if serverID != "" {
			msgs[i].ID = serverID
			s.knownMessages[serverID] = true
		}
		if t, ok := rowTime(row, "created_at"); ok {
			msgs[i].CreatedAt = t
		}
		msgs[i].Pending = false
		return
	}
}

// ============================================================================
// Realtime Merge
// ============================================================================

// All merge rules are counter increments and decrements guarded by set
// membership, so the final totals do not depend on whether a local optimistic
// write or a remote delta is applied first.

// mergeChange applies one realtime change. It reports whether state changed.
func (s *feedState) mergeChange(ev ChangeEvent) bool {
	switch ev.Table {
	case TableReactions:
		return s.mergeReaction(ev)
	case TableComments:
		return s.mergeComment(ev)
	case TablePosts:
		return s.mergePost(ev)
	case TableFollows:
		return s.mergeFollow(ev)
	case TableNotifications:
		return s.mergeNotification(ev)
	case TableMessages:
		return s.mergeMessage(ev)
	}
	return false
}

func (s *feedState) mergeReaction(ev ChangeEvent) bool {
	switch ev.EventType {
	case ChangeInsert:
		row := ev.New
		ps, ok := s.posts[row.String("post_id")]
		if !ok {
			return false
		}
		kind := ReactionKind(row.String("kind"))
		if !kind.Valid() {
			return false
		}
		if row.String("user_id") == s.me {
			// Echo of a local write is already counted.
			if ps.mine[kind] {
				return false
			}
			ps.mine[kind] = true
		}
		ps.counts[kind]++
		return true
	case ChangeDelete:
		row := ev.Old
		ps, ok := s.posts[row.String("post_id")]
		if !ok {
			return false
		}
		kind := ReactionKind(row.String("kind"))
		if !kind.Valid() {
			return false
		}
		if row.String("user_id") == s.me {
			if !ps.mine[kind] {
				return false
			}
			delete(ps.mine, kind)
		}
		ps.decrement(kind)
		return true
	}
	return false
}

func (s *feedState) mergeComment(ev ChangeEvent) bool {
	switch ev.EventType {
	case ChangeInsert:
		row := ev.New
		id := row.String("id")
		if id == "" || s.knownComments[id] {
			return false
		}
		ps, ok := s.posts[row.String("post_id")]
		if !ok {
			return false
		}
		if local := row.String("client_id"); local != "" && s.knownComments[local] {
			s.confirmComment(local, row)
			return true
		}
		var c Comment
		if err := row.Decode(&c); err != nil {
			return false
		}
		s.knownComments[id] = true
		ps.comments = append(ps.comments, c)
		ps.commentCount++
		return true
	case ChangeDelete:
		row := ev.Old
		id := row.String("id")
		for _, ps := range s.posts {
			if ps.removeComment(id) {
				ps.commentCount--
				delete(s.knownComments, id)
				return true
			}
		}
	}
	return false
}

func (s *feedState) mergePost(ev ChangeEvent) bool {
	switch ev.EventType {
	case ChangeInsert:
		row := ev.New
		id := row.String("id")
		if id == "" {
			return false
		}
		if _, ok := s.posts[id]; ok {
			return false
		}
		if local := row.String("client_id"); local != "" {
			if ps, ok := s.posts[local]; ok && ps.pending {
				s.confirmPost(local, row)
				return true
			}
		}
		var p Post
		if err := row.Decode(&p); err != nil {
			return false
		}
		s.posts[id] = newPostState(p)
		s.order = append([]string{id}, s.order...)
		return true
	case ChangeUpdate:
		ps, ok := s.posts[ev.New.String("id")]
		if !ok {
			return false
		}
		var p Post
		if err := ev.New.Decode(&p); err != nil {
			return false
		}
		ps.post = p
		return true
	case ChangeDelete:
		id := ev.Old.String("id")
		if _, ok := s.posts[id]; !ok {
			return false
		}
		s.removePost(id)
		return true
	}
	return false
}

func (s *feedState) mergeFollow(ev ChangeEvent) bool {
	switch ev.EventType {
	case ChangeInsert:
		target := ev.New.String("following_id")
		if target == "" {
			return false
		}
		if ev.New.String("follower_id") == s.me {
			if s.following[target] {
				return false
			}
			s.following[target] = true
		}
		s.followerCounts[target]++
		return true
	case ChangeDelete:
		target := ev.Old.String("following_id")
		if target == "" {
			return false
		}
		if ev.Old.String("follower_id") == s.me {
			if !s.following[target] {
				return false
			}
			delete(s.following, target)
		}
		s.decrementFollowers(target)
		return true
	}
	return false
}

func (s *feedState) mergeNotification(ev ChangeEvent) bool {
	switch ev.EventType {
	case ChangeInsert, ChangeUpdate:
		var n Notification
		if err := ev.New.Decode(&n); err != nil || n.UserID != s.me {
			return false
		}
		if cur := s.notification(n.ID); cur != nil {
			if ev.EventType == ChangeInsert {
				return false
			}
			*cur = n
			return true
		}
		s.notifications = append([]Notification{n}, s.notifications...)
		return true
	}
	return false
}

func (s *feedState) mergeMessage(ev ChangeEvent) bool {
	if ev.EventType != ChangeInsert {
		return false
	}
	row := ev.New
	id := row.String("id")
	if id == "" || s.knownMessages[id] {
		return false
	}
	conv := row.String("conversation_id")
	if local := row.String("client_id"); local != "" && s.knownMessages[local] {
		s.confirmMessage(conv, local, row)
		return true
	}
	var m Message
	if err := row.Decode(&m); err != nil {
		return false
	}
	s.knownMessages[id] = true
	s.messages[conv] = append(s.messages[conv], m)
	return true
}

func rowTime(row Row, key string) (time.Time, bool) {
	switch v := row[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}
