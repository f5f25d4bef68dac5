package gloup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestWSDialerEndpoint(t *testing.T) {
	d := NewWSDialer("https://xyz.gloup.app/", "anon")
	assert.Equal(t, "wss://xyz.gloup.app/realtime/v1/websocket?apikey=anon&vsn=1.0.0", d.Endpoint())

	d = NewWSDialer("http://localhost:54321", "k")
	assert.Equal(t, "ws://localhost:54321/realtime/v1/websocket?apikey=k&vsn=1.0.0", d.Endpoint())
}

func TestWSConnJoinAndReceiveChanges(t *testing.T) {
	joined := make(chan phxMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "anon" {
			http.Error(w, "missing apikey", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		var join phxMessage
		if err := wsjson.Read(ctx, c, &join); err != nil {
			return
		}
		joined <- join

		ok, _ := json.Marshal(phxReplyPayload{Status: "ok", Response: json.RawMessage(`{}`)})
		_ = wsjson.Write(ctx, c, phxMessage{Topic: join.Topic, Event: phxReply, Payload: ok, Ref: join.Ref})

		change := json.RawMessage(`{"data":{"type":"INSERT","schema":"public","table":"posts","record":{"id":"p1","content":"hello"},"commit_timestamp":"2026-01-01T12:00:00Z"}}`)
		_ = wsjson.Write(ctx, c, phxMessage{Topic: join.Topic, Event: pgChanges, Payload: change})

		rejected, _ := json.Marshal(phxReplyPayload{Status: "error", Response: json.RawMessage(`{"reason":"unauthorized"}`)})
		_ = wsjson.Write(ctx, c, phxMessage{Topic: "realtime:other", Event: phxReply, Payload: rejected})

		var leave phxMessage
		_ = wsjson.Read(ctx, c, &leave)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewWSDialer(srv.URL, "anon")
	d.AccessToken = "user-jwt"
	d.HeartbeatInterval = 0
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Join(ctx, "feed-posts", ChannelSpec{Schema: "public", Table: "posts", Event: ChangeInsert, Filter: "group_id=eq.g1"}))

	join := <-joined
	assert.Equal(t, "realtime:feed-posts", join.Topic)
	assert.Equal(t, phxJoin, join.Event)
	require.NotNil(t, join.JoinRef)
	var payload joinPayload
	require.NoError(t, json.Unmarshal(join.Payload, &payload))
	assert.Equal(t, "user-jwt", payload.AccessToken)
	require.Len(t, payload.Config.PostgresChanges, 1)
	assert.Equal(t, pgChangeFilter{Event: "INSERT", Schema: "public", Table: "posts", Filter: "group_id=eq.g1"}, payload.Config.PostgresChanges[0])

	frame, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feed-posts", frame.ChannelID)
	require.NotNil(t, frame.Change)
	assert.Equal(t, ChangeInsert, frame.Change.EventType)
	assert.Equal(t, "hello", frame.Change.New.String("content"))
	assert.Equal(t, 2026, frame.Change.CommitTimestamp.Year())

	frame, err = conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "other", frame.ChannelID)
	require.Error(t, frame.Err)
	assert.Contains(t, frame.Err.Error(), "CHANNEL_ERROR")

	require.NoError(t, conn.Leave(ctx, "feed-posts"))
}

func TestWSDialerThroughManager(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		var join phxMessage
		if err := wsjson.Read(ctx, c, &join); err != nil {
			return
		}
		change := json.RawMessage(`{"data":{"type":"DELETE","schema":"public","table":"reactions","old_record":{"id":"r1","post_id":"p1"}}}`)
		_ = wsjson.Write(ctx, c, phxMessage{Topic: join.Topic, Event: pgChanges, Payload: change})
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := NewWSDialer(srv.URL, "anon")
	d.HeartbeatInterval = 0
	m := NewRealtimeManager(d, fastReconnect())
	defer m.Close()

	got := make(chan ChangeEvent, 1)
	_, err := m.Subscribe(context.Background(), "feed-reactions", SubscribeOptions{
		Table:    TableReactions,
		Callback: func(ev ChangeEvent) error { got <- ev; return nil },
	})
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, ChangeDelete, ev.EventType)
		assert.Equal(t, "p1", ev.Old.String("post_id"))
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivered")
	}
}
