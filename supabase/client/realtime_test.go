package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewRealtimeClient_URL(t *testing.T) {
	r := NewRealtimeClient("https://demo.supabase.co/", "anon key")
	assert.Equal(t, "wss://demo.supabase.co/realtime/v1/websocket?apikey=anon+key&vsn=1.0.0", r.url)

	r = NewRealtimeClient("http://localhost:54321", "k")
	assert.True(t, strings.HasPrefix(r.url, "ws://localhost:54321/realtime/v1/websocket"))
}

func TestRealtimeClient_DispatchesPostgresChanges(t *testing.T) {
	joins := make(chan string, 2)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var topics []string
		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			joins <- string(msg)
			topics = append(topics, gjson.GetBytes(msg, "topic").String())
		}

		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"phx_reply","topic":"`+topics[0]+`","payload":{"status":"ok"},"ref":"1"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"postgres_changes","topic":"`+topics[1]+`","payload":{"data":{"type":"UPDATE","schema":"public","table":"books","commit_timestamp":"2026-01-10T00:00:00Z","record":{"id":"b1","available_copies":0},"old_record":{"id":"b1"}},"ids":[1]},"ref":null}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	r := NewRealtimeClient(server.URL, "anon")
	r.SetTokenSource(func() string { return "staff-jwt" })

	loans := make(chan Change, 1)
	books := make(chan Change, 1)
	r.OnPostgresChanges(PostgresChangesConfig{Table: "loans"}, func(c Change) { loans <- c })
	r.OnPostgresChanges(PostgresChangesConfig{Table: "books", Event: "UPDATE"}, func(c Change) { books <- c })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case c := <-books:
		assert.Equal(t, "UPDATE", c.Type)
		assert.Equal(t, "books", c.Table)
		assert.Equal(t, "b1", c.Record["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no change dispatched")
	}

	first := <-joins
	assert.Equal(t, "phx_join", gjson.Get(first, "event").String())
	assert.Equal(t, "staff-jwt", gjson.Get(first, "payload.access_token").String())
	assert.Equal(t, "loans", gjson.Get(first, "payload.config.postgres_changes.0.table").String())
	assert.Equal(t, "*", gjson.Get(first, "payload.config.postgres_changes.0.event").String())
	assert.Equal(t, "public", gjson.Get(first, "payload.config.postgres_changes.0.schema").String())

	select {
	case <-loans:
		t.Error("loans handler received a books change")
	default:
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRealtimeClient_ReconnectsAndReportsErrors(t *testing.T) {
	r := NewRealtimeClient("http://127.0.0.1:1", "anon")
	r.ReconnectDelay = 5 * time.Millisecond

	errs := make(chan error, 4)
	r.OnError = func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.Contains(t, err.Error(), "websocket dial")
		case <-time.After(5 * time.Second):
			t.Fatal("dial error not reported")
		}
	}
}

func TestRealtimeClient_JoinToken(t *testing.T) {
	r := NewRealtimeClient("https://demo.supabase.co", "anon")
	assert.Equal(t, "anon", r.joinToken())

	calls := 0
	r.SetTokenSource(func() string {
		calls++
		if calls == 1 {
			return "minted-1"
		}
		return ""
	})
	assert.Equal(t, "minted-1", r.joinToken())
	assert.Equal(t, "anon", r.joinToken(), "empty token falls back to the API key")
	assert.Equal(t, 2, calls)
}
