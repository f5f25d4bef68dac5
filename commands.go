package gloup

import "errors"

// command is one optimistic mutation. Check validates the precondition
// against current state, Apply mutates state and Rollback is its exact
// inverse. Rollback only undoes an effect that is still present. All three
// run under the engine lock.
type command interface {
	Check(s *feedState) error
	Apply(s *feedState)
	Rollback(s *feedState)
	Payload() ActionPayload
}

// confirmer is implemented by commands that reconcile local state with the
// rows returned by a direct write.
type confirmer interface {
	Confirm(s *feedState, rows []Row)
}

// isNoop reports whether a precondition failure means the desired end state
// already holds.
func isNoop(err error) bool {
	return errors.Is(err, ErrAlreadyReacted) ||
		errors.Is(err, ErrNotReacted) ||
		errors.Is(err, ErrAlreadyFollowing) ||
		errors.Is(err, ErrNotFollowing) ||
		errors.Is(err, errAlreadyRead) ||
		errors.Is(err, errAlreadyApplied)
}

// errAlreadyApplied stops a pending command from being replayed twice onto
// state that still carries it.
var errAlreadyApplied = errors.New("gloup: change already applied")

// ============================================================================
// Reactions
// ============================================================================

type addReactionCmd struct {
	postID string
	userID string
	kind   ReactionKind
}

func (c *addReactionCmd) Check(s *feedState) error {
	p, ok := s.posts[c.postID]
	if !ok {
		return ErrUnknownPost
	}
	if p.mine[c.kind] {
		return ErrAlreadyReacted
	}
	return nil
}

func (c *addReactionCmd) Apply(s *feedState) {
	p := s.posts[c.postID]
	p.counts[c.kind]++
	p.mine[c.kind] = true
}

func (c *addReactionCmd) Rollback(s *feedState) {
	p, ok := s.posts[c.postID]
	if !ok || !p.mine[c.kind] {
		return
	}
	p.decrement(c.kind)
	delete(p.mine, c.kind)
}

func (c *addReactionCmd) Payload() ActionPayload {
	return AddReactionPayload{PostID: c.postID, UserID: c.userID, Reaction: c.kind}
}

type removeReactionCmd struct {
	postID string
	userID string
	kind   ReactionKind
}

func (c *removeReactionCmd) Check(s *feedState) error {
	p, ok := s.posts[c.postID]
	if !ok {
		return ErrUnknownPost
	}
	if !p.mine[c.kind] {
		return ErrNotReacted
	}
	return nil
}

func (c *removeReactionCmd) Apply(s *feedState) {
	p := s.posts[c.postID]
	p.decrement(c.kind)
	delete(p.mine, c.kind)
}

func (c *removeReactionCmd) Rollback(s *feedState) {
	p, ok := s.posts[c.postID]
	if !ok || p.mine[c.kind] {
		return
	}
	p.counts[c.kind]++
	p.mine[c.kind] = true
}

func (c *removeReactionCmd) Payload() ActionPayload {
	return RemoveReactionPayload{PostID: c.postID, UserID: c.userID, Reaction: c.kind}
}

// ============================================================================
// Comments and Posts
// ============================================================================

type addCommentCmd struct {
	comment Comment
}

func (c *addCommentCmd) Check(s *feedState) error {
	p, ok := s.posts[c.comment.PostID]
	if !ok {
		return ErrUnknownPost
	}
	if p.hasComment(c.comment.ID) {
		return errAlreadyApplied
	}
	return nil
}

func (c *addCommentCmd) Apply(s *feedState) {
	p := s.posts[c.comment.PostID]
	p.comments = append(p.comments, c.comment)
	p.commentCount++
	s.knownComments[c.comment.ID] = true
}

func (c *addCommentCmd) Rollback(s *feedState) {
	delete(s.knownComments, c.comment.ID)
	p, ok := s.posts[c.comment.PostID]
	if !ok {
		return
	}
	if p.removeComment(c.comment.ID) {
		p.commentCount--
	}
}

func (c *addCommentCmd) Confirm(s *feedState, rows []Row) {
	row := Row{"post_id": c.comment.PostID}
	if len(rows) > 0 {
		row = rows[0]
	}
	s.confirmComment(c.comment.ID, row)
}

func (c *addCommentCmd) Payload() ActionPayload {
	return AddCommentPayload{
		LocalID: c.comment.ID,
		PostID:  c.comment.PostID,
		UserID:  c.comment.UserID,
		Body:    c.comment.Body,
	}
}

type createPostCmd struct {
	post Post
}

func (c *createPostCmd) Check(s *feedState) error {
	if _, ok := s.posts[c.post.ID]; ok {
		return errAlreadyApplied
	}
	return nil
}

func (c *createPostCmd) Apply(s *feedState) {
	ps := newPostState(c.post)
	ps.pending = true
	s.posts[c.post.ID] = ps
	s.order = append([]string{c.post.ID}, s.order...)
}

func (c *createPostCmd) Rollback(s *feedState) {
	s.removePost(c.post.ID)
}

func (c *createPostCmd) Confirm(s *feedState, rows []Row) {
	if len(rows) == 0 {
		// Written without a representation; the next feed load replaces it.
		if ps, ok := s.posts[c.post.ID]; ok {
			ps.pending = false
		}
		return
	}
	s.confirmPost(c.post.ID, rows[0])
}

func (c *createPostCmd) Payload() ActionPayload {
	return CreatePostPayload{
		LocalID:  c.post.ID,
		AuthorID: c.post.AuthorID,
		Content:  c.post.Content,
		MediaURL: c.post.MediaURL,
		GroupID:  c.post.GroupID,
	}
}

type reportPostCmd struct {
	postID     string
	reporterID string
	reason     string
}

func (c *reportPostCmd) Check(s *feedState) error {
	if _, ok := s.posts[c.postID]; !ok {
		return ErrUnknownPost
	}
	if s.hidden[c.postID] {
		return errAlreadyApplied
	}
	return nil
}

func (c *reportPostCmd) Apply(s *feedState)    { s.hidden[c.postID] = true }
func (c *reportPostCmd) Rollback(s *feedState) { delete(s.hidden, c.postID) }

func (c *reportPostCmd) Payload() ActionPayload {
	return ReportPostPayload{PostID: c.postID, ReporterID: c.reporterID, Reason: c.reason}
}

// ============================================================================
// Social
// ============================================================================

type followCmd struct {
	followerID string
	targetID   string
}

func (c *followCmd) Check(s *feedState) error {
	if s.following[c.targetID] {
		return ErrAlreadyFollowing
	}
	return nil
}

func (c *followCmd) Apply(s *feedState) {
	s.following[c.targetID] = true
	s.followerCounts[c.targetID]++
}

func (c *followCmd) Rollback(s *feedState) {
	if !s.following[c.targetID] {
		return
	}
	delete(s.following, c.targetID)
	s.decrementFollowers(c.targetID)
}

func (c *followCmd) Payload() ActionPayload {
	return FollowUserPayload{FollowerID: c.followerID, FollowingID: c.targetID}
}

type unfollowCmd struct {
	followerID string
	targetID   string
}

func (c *unfollowCmd) Check(s *feedState) error {
	if !s.following[c.targetID] {
		return ErrNotFollowing
	}
	return nil
}

func (c *unfollowCmd) Apply(s *feedState) {
	delete(s.following, c.targetID)
	s.decrementFollowers(c.targetID)
}

func (c *unfollowCmd) Rollback(s *feedState) {
	if s.following[c.targetID] {
		return
	}
	s.following[c.targetID] = true
	s.followerCounts[c.targetID]++
}

func (c *unfollowCmd) Payload() ActionPayload {
	return UnfollowUserPayload{FollowerID: c.followerID, FollowingID: c.targetID}
}

type joinGroupCmd struct {
	groupID string
	userID  string
}

func (c *joinGroupCmd) Check(s *feedState) error {
	if s.groups[c.groupID] {
		return errAlreadyApplied
	}
	return nil
}

func (c *joinGroupCmd) Apply(s *feedState)    { s.groups[c.groupID] = true }
func (c *joinGroupCmd) Rollback(s *feedState) { delete(s.groups, c.groupID) }

func (c *joinGroupCmd) Payload() ActionPayload {
	return JoinGroupPayload{GroupID: c.groupID, UserID: c.userID}
}

type updateProfileCmd struct {
	userID  string
	fields  map[string]any
	prev    map[string]any
	absent  map[string]bool
	applied bool
}

func (c *updateProfileCmd) Check(*feedState) error {
	if c.applied {
		return errAlreadyApplied
	}
	return nil
}

func (c *updateProfileCmd) Apply(s *feedState) {
	c.applied = true
	c.prev = make(map[string]any, len(c.fields))
	c.absent = make(map[string]bool)
	for k, v := range c.fields {
		if old, ok := s.profile[k]; ok {
			c.prev[k] = old
		} else {
			c.absent[k] = true
		}
		s.profile[k] = v
	}
}

func (c *updateProfileCmd) Rollback(s *feedState) {
	c.applied = false
	for k, v := range c.prev {
		s.profile[k] = v
	}
	for k := range c.absent {
		delete(s.profile, k)
	}
}

func (c *updateProfileCmd) Payload() ActionPayload {
	return UpdateProfilePayload{UserID: c.userID, Fields: c.fields}
}

// ============================================================================
// Messages and Notifications
// ============================================================================

type sendMessageCmd struct {
	msg Message
}

func (c *sendMessageCmd) Check(s *feedState) error {
	for _, m := range s.messages[c.msg.ConversationID] {
		if m.ID == c.msg.ID {
			return errAlreadyApplied
		}
	}
	return nil
}

func (c *sendMessageCmd) Apply(s *feedState) {
	s.messages[c.msg.ConversationID] = append(s.messages[c.msg.ConversationID], c.msg)
	s.knownMessages[c.msg.ID] = true
}

func (c *sendMessageCmd) Rollback(s *feedState) {
	delete(s.knownMessages, c.msg.ID)
	s.removeMessage(c.msg.ConversationID, c.msg.ID)
}

func (c *sendMessageCmd) Confirm(s *feedState, rows []Row) {
	var row Row
	if len(rows) > 0 {
		row = rows[0]
	}
	s.confirmMessage(c.msg.ConversationID, c.msg.ID, row)
}

func (c *sendMessageCmd) Payload() ActionPayload {
	return SendMessagePayload{
		LocalID:        c.msg.ID,
		ConversationID: c.msg.ConversationID,
		SenderID:       c.msg.SenderID,
		Body:           c.msg.Body,
	}
}

type markReadCmd struct {
	notificationID string
	userID         string
}

func (c *markReadCmd) Check(s *feedState) error {
	n := s.notification(c.notificationID)
	if n == nil || n.Read {
		return errAlreadyRead
	}
	return nil
}

func (c *markReadCmd) Apply(s *feedState) {
	if n := s.notification(c.notificationID); n != nil {
		n.Read = true
	}
}

func (c *markReadCmd) Rollback(s *feedState) {
	if n := s.notification(c.notificationID); n != nil {
		n.Read = false
	}
}

func (c *markReadCmd) Payload() ActionPayload {
	return MarkNotificationReadPayload{NotificationID: c.notificationID, UserID: c.userID}
}

var errAlreadyRead = errors.New("gloup: notification already read")

// commandFor rebuilds the optimistic command of a persisted action.
func commandFor(a QueuedAction) command {
	switch p := a.Payload.(type) {
	case SendMessagePayload:
		return &sendMessageCmd{msg: Message{
			ID:             p.LocalID,
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Body:           p.Body,
			CreatedAt:      a.EnqueuedAt,
			Pending:        true,
		}}
	case CreatePostPayload:
		return &createPostCmd{post: Post{
			ID:        p.LocalID,
			AuthorID:  p.AuthorID,
			Content:   p.Content,
			MediaURL:  p.MediaURL,
			GroupID:   p.GroupID,
			CreatedAt: a.EnqueuedAt,
		}}
	case AddReactionPayload:
		return &addReactionCmd{postID: p.PostID, userID: p.UserID, kind: p.Reaction}
	case RemoveReactionPayload:
		return &removeReactionCmd{postID: p.PostID, userID: p.UserID, kind: p.Reaction}
	case AddCommentPayload:
		return &addCommentCmd{comment: Comment{
			ID:        p.LocalID,
			PostID:    p.PostID,
			UserID:    p.UserID,
			Body:      p.Body,
			CreatedAt: a.EnqueuedAt,
			Pending:   true,
		}}
	case ReportPostPayload:
		return &reportPostCmd{postID: p.PostID, reporterID: p.ReporterID, reason: p.Reason}
	case FollowUserPayload:
		return &followCmd{followerID: p.FollowerID, targetID: p.FollowingID}
	case UnfollowUserPayload:
		return &unfollowCmd{followerID: p.FollowerID, targetID: p.FollowingID}
	case JoinGroupPayload:
		return &joinGroupCmd{groupID: p.GroupID, userID: p.UserID}
	case UpdateProfilePayload:
		return &updateProfileCmd{userID: p.UserID, fields: p.Fields}
	case MarkNotificationReadPayload:
		return &markReadCmd{notificationID: p.NotificationID, userID: p.UserID}
	}
	return nil
}
