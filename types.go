package gloup

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the structured error returned across every SDK boundary.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Postgres error codes surfaced by the backend.
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeNetwork             = "NETWORK"
	CodeInvalidInput        = "INVALID_INPUT"
)

var (
	ErrOffline            = errors.New("gloup: offline")
	ErrAlreadyReacted     = errors.New("gloup: already reacted")
	ErrNotReacted         = errors.New("gloup: reaction not found")
	ErrAlreadyFollowing   = errors.New("gloup: already following")
	ErrNotFollowing       = errors.New("gloup: not following")
	ErrNotConnected       = errors.New("gloup: realtime not connected")
	ErrReconnectExhausted = errors.New("gloup: realtime reconnect attempts exhausted")
	ErrUnknownPost        = errors.New("gloup: unknown post")
)

// IsDuplicate reports whether err is a unique-constraint conflict. Such
// conflicts mean the desired end state already exists.
func IsDuplicate(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeUniqueViolation || apiErr.Status == http.StatusConflict
}

// IsNetworkError reports whether err is a transient connectivity failure.
func IsNetworkError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == CodeNetwork
	}
	return false
}

func networkError(err error) *APIError {
	return &APIError{Code: CodeNetwork, Message: err.Error()}
}

// asAPIError converts any error into an *APIError without losing an existing one.
func asAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Message: err.Error()}
}

// Row is one record as returned by the backend.
type Row map[string]any

// Decode converts the row into a typed struct via its JSON tags.
func (r Row) Decode(v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// DecodeRows converts rows into dst, a pointer to a slice of structs.
func DecodeRows(rows []Row, dst any) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ============================================================================
// Domain Types
// ============================================================================

// ReactionKind is one of the gamified reactions on a post.
type ReactionKind string

const (
	ReactionHeart ReactionKind = "heart"
	ReactionFire  ReactionKind = "fire"
	ReactionClap  ReactionKind = "clap"
	ReactionGlow  ReactionKind = "glow"
)

// glowWeights are the Glow Point values of each reaction kind.
var glowWeights = map[ReactionKind]int{
	ReactionHeart: 1,
	ReactionFire:  2,
	ReactionClap:  1,
	ReactionGlow:  3,
}

// Valid reports whether k is a known reaction kind.
func (k ReactionKind) Valid() bool {
	_, ok := glowWeights[k]
	return ok
}

// GlowPoints computes the weighted score of a set of reaction counts.
func GlowPoints(counts map[ReactionKind]int) int {
	total := 0
	for kind, n := range counts {
		total += glowWeights[kind] * n
	}
	return total
}

// Post is a feed post row.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"user_id"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"media_url,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Reaction is a reactions row.
type Reaction struct {
	ID     string       `json:"id,omitempty"`
	PostID string       `json:"post_id"`
	UserID string       `json:"user_id"`
	Kind   ReactionKind `json:"kind"`
}

// Comment is a comments row.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"-"`
}

// Message is a messages row (direct or group).
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	Pending        bool      `json:"-"`
}

// Notification is a notifications row addressed to the local user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Table names of the hosted schema.
const (
	TablePosts         = "posts"
	TableReactions     = "reactions"
	TableComments      = "comments"
	TableFollows       = "follows"
	TableMessages      = "messages"
	TableNotifications = "notifications"
	TableProfiles      = "profiles"
	TableGroupMembers  = "group_members"
	TableReports       = "reports"
)
