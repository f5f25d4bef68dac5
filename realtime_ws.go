package gloup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Phoenix channel protocol events.
const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	pgChanges    = "postgres_changes"
	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"
)

// phxMessage is the wire envelope of every frame in either direction.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type pgChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []pgChangeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type pgChangePayload struct {
	Data ChangeEvent `json:"data"`
}

// WSDialer dials the hosted realtime service over WebSocket.
type WSDialer struct {
	// BaseURL is the project URL, e.g. https://xyz.gloup.app.
	BaseURL           string
	APIKey            string
	AccessToken       string
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// NewWSDialer creates a dialer with the default 25s heartbeat.
func NewWSDialer(baseURL, apiKey string) *WSDialer {
	return &WSDialer{
		BaseURL:           strings.TrimRight(baseURL, "/"),
		APIKey:            apiKey,
		HeartbeatInterval: 25 * time.Second,
		Logger:            slog.Default(),
	}
}

// Endpoint returns the websocket URL.
func (d *WSDialer) Endpoint() string {
	wsURL := strings.Replace(d.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("apikey", d.APIKey)
	q.Set("vsn", "1.0.0")
	return wsURL + "/realtime/v1/websocket?" + q.Encode()
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, d.Endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:        conn,
		accessToken: d.AccessToken,
		logger:      logger,
		cancel:      cancel,
	}
	if d.HeartbeatInterval > 0 {
		go c.heartbeatLoop(hbCtx, d.HeartbeatInterval)
	}
	return c, nil
}

// wsConn speaks the Phoenix channel protocol on one websocket.
type wsConn struct {
	conn        *websocket.Conn
	accessToken string
	logger      *slog.Logger
	ref         atomic.Int64
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

func (c *wsConn) nextRef() *string {
	s := strconv.FormatInt(c.ref.Add(1), 10)
	return &s
}

func (c *wsConn) send(ctx context.Context, topic, event string, payload any, joinRef *string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, c.conn, phxMessage{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     c.nextRef(),
		JoinRef: joinRef,
	})
}

func (c *wsConn) Join(ctx context.Context, channelID string, spec ChannelSpec) error {
	var p joinPayload
	p.Config.PostgresChanges = []pgChangeFilter{{
		Event:  spec.Event,
		Schema: spec.Schema,
		Table:  spec.Table,
		Filter: spec.Filter,
	}}
	p.AccessToken = c.accessToken
	ref := c.nextRef()
	return c.send(ctx, topicPrefix+channelID, phxJoin, p, ref)
}

func (c *wsConn) Leave(ctx context.Context, channelID string) error {
	return c.send(ctx, topicPrefix+channelID, phxLeave, struct{}{}, nil)
}

func (c *wsConn) Read(ctx context.Context) (Frame, error) {
	for {
		var msg phxMessage
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			return Frame{}, err
		}
		if msg.Topic == phoenixTopic {
			continue
		}
		channelID := strings.TrimPrefix(msg.Topic, topicPrefix)

		switch msg.Event {
		case pgChanges:
			var p pgChangePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				c.logger.Debug("realtime: undecodable change", slog.String("topic", msg.Topic), slog.String("error", err.Error()))
				continue
			}
			ev := p.Data
			return Frame{ChannelID: channelID, Change: &ev}, nil
		case phxReply:
			var p phxReplyPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Status != "error" {
				continue
			}
			return Frame{ChannelID: channelID, Err: &APIError{
				Code:    "CHANNEL_ERROR",
				Message: "channel " + channelID + " rejected",
				Details: string(p.Response),
			}}, nil
		case phxError:
			return Frame{ChannelID: channelID, Err: &APIError{Code: "CHANNEL_ERROR", Message: "channel " + channelID + " crashed"}}, nil
		case phxClose:
			continue
		default:
			continue
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

func (c *wsConn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.send(wctx, phoenixTopic, phxHeartbeat, struct{}{}, nil)
			cancel()
			if err != nil {
				// Force the reader to observe the drop.
				c.logger.Warn("realtime: heartbeat failed", slog.String("error", err.Error()))
				_ = c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
