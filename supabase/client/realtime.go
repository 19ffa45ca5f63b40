package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Change is one postgres_changes event from Supabase Realtime.
type Change struct {
	Type            string         `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
}

// ChangeHandler handles a change. Handlers run on the read loop and must not block.
type ChangeHandler func(Change)

// PostgresChangesConfig selects the changes a subscription receives.
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE or *
	Schema string
	Table  string
	Filter string // optional, e.g. "id=eq.1"
}

type subscription struct {
	topic   string
	config  PostgresChangesConfig
	handler ChangeHandler
}

// RealtimeClient maintains a Phoenix websocket to Supabase Realtime and dispatches
// postgres changes to registered handlers, reconnecting until its context ends.
type RealtimeClient struct {
	url         string
	accessToken string
	tokens      func() string
	dialer      *websocket.Dialer

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	// OnError, when set, receives connection errors before each reconnect.
	OnError func(error)

	mu   sync.Mutex
	conn *websocket.Conn
	ref  int
	subs []subscription
}

// NewRealtimeClient builds a realtime client for a project URL.
func NewRealtimeClient(supabaseURL, apiKey string) *RealtimeClient {
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/realtime/v1/websocket?apikey=" + url.QueryEscape(apiKey) + "&vsn=1.0.0"

	return &RealtimeClient{
		url:               wsURL,
		accessToken:       apiKey,
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    5 * time.Second,
	}
}

// SetTokenSource installs fn to supply the token sent on channel join. It is
// called once per connection so short-lived tokens are renewed on reconnect.
// Row-level security on the realtime publication is evaluated against it; an
// empty result falls back to the API key.
func (r *RealtimeClient) SetTokenSource(fn func() string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = fn
}

func (r *RealtimeClient) joinToken() string {
	r.mu.Lock()
	fn, token := r.tokens, r.accessToken
	r.mu.Unlock()
	if fn != nil {
		if t := fn(); t != "" {
			return t
		}
	}
	return token
}

// OnPostgresChanges registers handler for changes matching cfg. Subscriptions
// registered after Run has connected are joined on the next reconnect.
func (r *RealtimeClient) OnPostgresChanges(cfg PostgresChangesConfig, handler ChangeHandler) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, subscription{
		topic:   fmt.Sprintf("realtime:%s:%s:%d", cfg.Schema, cfg.Table, len(r.subs)),
		config:  cfg,
		handler: handler,
	})
}

// Run connects, joins every subscription and dispatches changes until ctx is done.
// Dropped connections are re-established after ReconnectDelay.
func (r *RealtimeClient) Run(ctx context.Context) error {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && r.OnError != nil {
			r.OnError(err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.ReconnectDelay):
		}
	}
}

func (r *RealtimeClient) session(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	token := r.joinToken()

	r.mu.Lock()
	r.conn = conn
	subs := append([]subscription(nil), r.subs...)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	for _, s := range subs {
		payload := map[string]any{
			"config": map[string]any{
				"postgres_changes": []map[string]string{postgresChangeFilter(s.config)},
			},
			"access_token": token,
		}
		if err := r.send(s.topic, "phx_join", payload); err != nil {
			return fmt.Errorf("join %s: %w", s.topic, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go r.heartbeat(ctx, done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	handlers := make(map[string]subscription, len(subs))
	for _, s := range subs {
		handlers[s.topic] = s
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		r.dispatch(handlers, message)
	}
}

func postgresChangeFilter(cfg PostgresChangesConfig) map[string]string {
	f := map[string]string{
		"event":  cfg.Event,
		"schema": cfg.Schema,
		"table":  cfg.Table,
	}
	if cfg.Filter != "" {
		f["filter"] = cfg.Filter
	}
	return f
}

// dispatch routes a postgres_changes message to its subscription. Join replies,
// heartbeats and system messages are ignored.
func (r *RealtimeClient) dispatch(handlers map[string]subscription, message []byte) {
	msg := gjson.ParseBytes(message)
	if msg.Get("event").String() != "postgres_changes" {
		return
	}
	sub, ok := handlers[msg.Get("topic").String()]
	if !ok {
		return
	}

	var change Change
	if err := json.Unmarshal([]byte(msg.Get("payload.data").Raw), &change); err != nil {
		return
	}
	if change.Type == "" {
		change.Type = msg.Get("payload.data.eventType").String()
	}
	sub.handler(change)
}

func (r *RealtimeClient) heartbeat(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := r.send("phoenix", "heartbeat", map[string]any{}); err != nil {
				return
			}
		}
	}
}

var errNotConnected = errors.New("realtime: not connected")

func (r *RealtimeClient) send(topic, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return errNotConnected
	}
	r.ref++
	ref := strconv.Itoa(r.ref)
	return r.conn.WriteJSON(map[string]any{
		"topic":    topic,
		"event":    event,
		"payload":  payload,
		"ref":      ref,
		"join_ref": ref,
	})
}
