package gloup

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of a notification request body.
const SignatureHeader = "X-Gloup-Signature"

// Notification types dispatched by the sync engine.
const (
	NotifyReaction = "reaction"
	NotifyComment  = "comment"
	NotifyFollow   = "follow"
	NotifyMessage  = "message"
)

// ============================================================================
// Notification Request
// ============================================================================

// NotificationRequest asks the dispatch endpoint to push a notification to one
// user.
type NotificationRequest struct {
	UserID string         `json:"user_id"`
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

// SignNotification returns the "sha256=<hex>" signature of body.
func SignNotification(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyNotificationSignature verifies an HMAC-SHA256 signature in constant
// time. The "sha256=" prefix is optional.
func VerifyNotificationSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseNotification parses a raw request body.
func ParseNotification(body string) (*NotificationRequest, error) {
	var req NotificationRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in notification body: %w", err)
	}
	if req.UserID == "" || req.Type == "" {
		return nil, fmt.Errorf("missing required fields in notification (user_id, type)")
	}
	return &req, nil
}

// ============================================================================
// Notifier
// ============================================================================

type NotifierOption func(*Notifier)

func WithNotifierHTTPClient(client *http.Client) NotifierOption {
	return func(n *Notifier) { n.httpClient = client }
}

func WithNotifierHeader(key, value string) NotifierOption {
	return func(n *Notifier) { n.headers.Set(key, value) }
}

func WithNotifierSink(s Sink) NotifierOption {
	return func(n *Notifier) { n.sink = s }
}

func WithNotifierLogger(logger *slog.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = logger }
}

// Notifier posts notification requests to the dispatch endpoint without
// waiting for them. Failures only reach the sink.
type Notifier struct {
	endpoint   string
	secret     string
	httpClient *http.Client
	headers    http.Header
	sink       Sink
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewNotifier creates a notifier. An empty secret sends unsigned requests.
func NewNotifier(endpoint, secret string, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		endpoint:   endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    http.Header{},
		sink:       NopSink{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Dispatch sends req in the background.
func (n *Notifier) Dispatch(ctx context.Context, req NotificationRequest) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Send(ctx, req); err != nil {
			meta := map[string]any{"user_id": req.UserID, "type": req.Type}
			n.logger.Warn("notification dispatch failed", slog.String("type", req.Type), slog.String("error", err.Error()))
			n.sink.Event(EventNotificationFailed, meta)
			n.sink.Error(err, meta)
		}
	}()
}

// Send delivers req synchronously.
func (n *Notifier) Send(ctx context.Context, req NotificationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range n.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		httpReq.Header.Set(SignatureHeader, SignNotification(body, n.secret))
	}

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	return nil
}

// Wait blocks until every dispatched notification has finished.
func (n *Notifier) Wait() { n.wg.Wait() }

// ============================================================================
// NotificationReceiver
// ============================================================================

// NotificationHandlerFunc handles a verified notification request.
type NotificationHandlerFunc func(req *NotificationRequest) error

// NotificationReceiver verifies and parses incoming dispatch requests. It is
// the receiving side of Notifier, used by dispatch functions and tests.
type NotificationReceiver struct {
	secret  string
	handler NotificationHandlerFunc
}

// NewNotificationReceiver creates a receiver.
func NewNotificationReceiver(secret string, handler NotificationHandlerFunc) (*NotificationReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("notification secret is required")
	}
	return &NotificationReceiver{secret: secret, handler: handler}, nil
}

// Handle verifies, parses and dispatches one request body. It returns the
// status code and response body for the caller to write.
func (r *NotificationReceiver) Handle(body, signature string) (int, any) {
	if !VerifyNotificationSignature(body, signature, r.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	req, err := ParseNotification(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := r.handler(req); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes dispatch requests.
func (r *NotificationReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if req.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(req.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer req.Body.Close()

		statusCode, data := r.Handle(string(bodyBytes), req.Header.Get(SignatureHeader))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
