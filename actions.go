package gloup

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind names a queued mutation.
type ActionKind string

const (
	KindSendMessage          ActionKind = "send_message"
	KindCreatePost           ActionKind = "create_post"
	KindAddReaction          ActionKind = "add_reaction"
	KindRemoveReaction       ActionKind = "remove_reaction"
	KindUpdateProfile        ActionKind = "update_profile"
	KindJoinGroup            ActionKind = "join_group"
	KindFollowUser           ActionKind = "follow_user"
	KindUnfollowUser         ActionKind = "unfollow_user"
	KindAddComment           ActionKind = "add_comment"
	KindReportPost           ActionKind = "report_post"
	KindMarkNotificationRead ActionKind = "mark_notification_read"
)

// Priority orders queue replay. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ActionPayload is the closed set of queueable mutations. The unexported
// mutation method is the queue's dispatch table: every payload maps to exactly
// one backend write.
type ActionPayload interface {
	Kind() ActionKind
	mutation() Mutation
}

// MutationFor returns the backend write for p.
func MutationFor(p ActionPayload) Mutation { return p.mutation() }

func defaultPriority(kind ActionKind) Priority {
	switch kind {
	case KindSendMessage, KindAddReaction, KindRemoveReaction:
		return PriorityHigh
	case KindCreatePost, KindAddComment, KindFollowUser, KindUnfollowUser, KindJoinGroup:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ============================================================================
// Payloads
// ============================================================================

type SendMessagePayload struct {
	LocalID        string `json:"local_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
}

func (SendMessagePayload) Kind() ActionKind { return KindSendMessage }

func (p SendMessagePayload) mutation() Mutation {
	return Mutation{Table: TableMessages, Verb: VerbInsert, Values: Row{
		"client_id":       p.LocalID,
		"conversation_id": p.ConversationID,
		"sender_id":       p.SenderID,
		"body":            p.Body,
	}}
}

type CreatePostPayload struct {
	LocalID  string `json:"local_id"`
	AuthorID string `json:"user_id"`
	Content  string `json:"content"`
	MediaURL string `json:"media_url,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
}

func (CreatePostPayload) Kind() ActionKind { return KindCreatePost }

func (p CreatePostPayload) mutation() Mutation {
	values := Row{
		"client_id": p.LocalID,
		"user_id":   p.AuthorID,
		"content":   p.Content,
	}
	if p.MediaURL != "" {
		values["media_url"] = p.MediaURL
	}
	if p.GroupID != "" {
		values["group_id"] = p.GroupID
	}
	return Mutation{Table: TablePosts, Verb: VerbInsert, Values: values}
}

type AddReactionPayload struct {
	PostID   string       `json:"post_id"`
	UserID   string       `json:"user_id"`
	Reaction ReactionKind `json:"kind"`
}

func (AddReactionPayload) Kind() ActionKind { return KindAddReaction }

func (p AddReactionPayload) mutation() Mutation {
	return Mutation{Table: TableReactions, Verb: VerbInsert, Values: Row{
		"post_id": p.PostID,
		"user_id": p.UserID,
		"kind":    string(p.Reaction),
	}}
}

type RemoveReactionPayload struct {
	PostID   string       `json:"post_id"`
	UserID   string       `json:"user_id"`
	Reaction ReactionKind `json:"kind"`
}

func (RemoveReactionPayload) Kind() ActionKind { return KindRemoveReaction }

func (p RemoveReactionPayload) mutation() Mutation {
	return Mutation{Table: TableReactions, Verb: VerbDelete, Match: []Filter{
		Eq("post_id", p.PostID),
		Eq("user_id", p.UserID),
		Eq("kind", string(p.Reaction)),
	}}
}

type UpdateProfilePayload struct {
	UserID string         `json:"user_id"`
	Fields map[string]any `json:"fields"`
}

func (UpdateProfilePayload) Kind() ActionKind { return KindUpdateProfile }

func (p UpdateProfilePayload) mutation() Mutation {
	return Mutation{Table: TableProfiles, Verb: VerbUpdate, Values: Row(p.Fields), Match: []Filter{Eq("id", p.UserID)}}
}

type JoinGroupPayload struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

func (JoinGroupPayload) Kind() ActionKind { return KindJoinGroup }

func (p JoinGroupPayload) mutation() Mutation {
	return Mutation{Table: TableGroupMembers, Verb: VerbInsert, Values: Row{
		"group_id": p.GroupID,
		"user_id":  p.UserID,
	}}
}

type FollowUserPayload struct {
	FollowerID  string `json:"follower_id"`
	FollowingID string `json:"following_id"`
}

func (FollowUserPayload) Kind() ActionKind { return KindFollowUser }

func (p FollowUserPayload) mutation() Mutation {
	return Mutation{Table: TableFollows, Verb: VerbInsert, Values: Row{
		"follower_id":  p.FollowerID,
		"following_id": p.FollowingID,
	}}
}

type UnfollowUserPayload struct {
	FollowerID  string `json:"follower_id"`
	FollowingID string `json:"following_id"`
}

func (UnfollowUserPayload) Kind() ActionKind { return KindUnfollowUser }

func (p UnfollowUserPayload) mutation() Mutation {
	return Mutation{Table: TableFollows, Verb: VerbDelete, Match: []Filter{
		Eq("follower_id", p.FollowerID),
		Eq("following_id", p.FollowingID),
	}}
}

type AddCommentPayload struct {
	LocalID string `json:"local_id"`
	PostID  string `json:"post_id"`
	UserID  string `json:"user_id"`
	Body    string `json:"body"`
}

func (AddCommentPayload) Kind() ActionKind { return KindAddComment }

func (p AddCommentPayload) mutation() Mutation {
	return Mutation{Table: TableComments, Verb: VerbInsert, Values: Row{
		"client_id": p.LocalID,
		"post_id":   p.PostID,
		"user_id":   p.UserID,
		"body":      p.Body,
	}}
}

type ReportPostPayload struct {
	PostID     string `json:"post_id"`
	ReporterID string `json:"reporter_id"`
	Reason     string `json:"reason"`
}

func (ReportPostPayload) Kind() ActionKind { return KindReportPost }

func (p ReportPostPayload) mutation() Mutation {
	return Mutation{Table: TableReports, Verb: VerbInsert, Values: Row{
		"post_id":     p.PostID,
		"reporter_id": p.ReporterID,
		"reason":      p.Reason,
	}}
}

type MarkNotificationReadPayload struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
}

func (MarkNotificationReadPayload) Kind() ActionKind { return KindMarkNotificationRead }

func (p MarkNotificationReadPayload) mutation() Mutation {
	return Mutation{Table: TableNotifications, Verb: VerbUpdate, Values: Row{"read": true}, Match: []Filter{
		Eq("id", p.NotificationID),
		Eq("user_id", p.UserID),
	}}
}

func decodePayload(kind ActionKind, raw json.RawMessage) (ActionPayload, error) {
	var (
		p   ActionPayload
		err error
	)
	switch kind {
	case KindSendMessage:
		var v SendMessagePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCreatePost:
		var v CreatePostPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAddReaction:
		var v AddReactionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindRemoveReaction:
		var v RemoveReactionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUpdateProfile:
		var v UpdateProfilePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindJoinGroup:
		var v JoinGroupPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindFollowUser:
		var v FollowUserPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUnfollowUser:
		var v UnfollowUserPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAddComment:
		var v AddCommentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindReportPost:
		var v ReportPostPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindMarkNotificationRead:
		var v MarkNotificationReadPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// ============================================================================
// QueuedAction
// ============================================================================

// QueuedAction is a durable pending mutation.
type QueuedAction struct {
	ID          string
	Payload     ActionPayload
	EnqueuedAt  time.Time
	Attempt     int
	MaxAttempts int
	Priority    Priority
	LastError   string

	// Result holds the rows returned by the successful replay. It is only
	// set on actions handed to completion listeners and is never persisted.
	Result []Row
}

// Kind returns the payload's kind.
func (a QueuedAction) Kind() ActionKind {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.Kind()
}

type queuedActionJSON struct {
	ID          string          `json:"id"`
	Kind        ActionKind      `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    Priority        `json:"priority"`
	LastError   string          `json:"last_error,omitempty"`
}

func (a QueuedAction) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queuedActionJSON{
		ID:          a.ID,
		Kind:        a.Kind(),
		Payload:     raw,
		EnqueuedAt:  a.EnqueuedAt,
		Attempt:     a.Attempt,
		MaxAttempts: a.MaxAttempts,
		Priority:    a.Priority,
		LastError:   a.LastError,
	})
}

func (a *QueuedAction) UnmarshalJSON(data []byte) error {
	var j queuedActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	p, err := decodePayload(j.Kind, j.Payload)
	if err != nil {
		return err
	}
	*a = QueuedAction{
		ID:          j.ID,
		Payload:     p,
		EnqueuedAt:  j.EnqueuedAt,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		Priority:    j.Priority,
		LastError:   j.LastError,
	}
	return nil
}
