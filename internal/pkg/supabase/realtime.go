package supabase

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

	"github.com/gofiber/fiber/v2/log"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const heartbeatInterval = 30 * time.Second

// ErrRealtimeClosed is returned when subscribing on a closed client.
var ErrRealtimeClosed = errors.New("realtime connection closed")

// Change is a postgres_changes notification.
type Change struct {
	Type      string // INSERT, UPDATE, DELETE
	Schema    string
	Table     string
	Record    gjson.Result
	OldRecord gjson.Result
}

// ChangeHandler receives changes. Handlers run on the read loop goroutine
// and must not block.
type ChangeHandler func(Change)

// PostgresChangesConfig selects the rows to listen to.
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE, *
	Schema string
	Table  string
	Filter string // e.g. "id=eq.42"
}

// RealtimeClient speaks the phoenix channel protocol used by Supabase Realtime.
type RealtimeClient struct {
	mu       sync.Mutex
	writeMu  sync.Mutex
	url      string
	token    string
	conn     *websocket.Conn
	channels map[string]*Channel
	done     chan struct{}
	ref      int
}

// Channel is one joined topic.
type Channel struct {
	client  *RealtimeClient
	topic   string
	joinRef string
	handler ChangeHandler
	event   string
}

// NewRealtimeClient builds the websocket URL from the project URL. The api
// key also becomes the access token sent with every join, so pass the
// service role key when the watched tables are guarded by row level security.
func NewRealtimeClient(projectURL, apiKey string) *RealtimeClient {
	wsURL := strings.TrimSuffix(projectURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/realtime/v1/websocket?apikey=" + url.QueryEscape(apiKey) + "&vsn=1.0.0"

	return &RealtimeClient{
		url:      wsURL,
		token:    apiKey,
		channels: make(map[string]*Channel),
	}
}

// WithAccessToken replaces the JWT sent in join payloads.
func (r *RealtimeClient) WithAccessToken(token string) *RealtimeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
	return r
}

// Connect dials the websocket once; calling it on a live client is a no-op.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked(ctx)
}

func (r *RealtimeClient) connectLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})
	go r.readLoop(conn, r.done)
	go r.heartbeat(r.done)
	return nil
}

// Disconnect closes the websocket and drops all channels.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	close(r.done)
	r.writeMu.Lock()
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	err := r.conn.Close()
	r.conn = nil
	r.channels = make(map[string]*Channel)
	return err
}

func (r *RealtimeClient) nextRef() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *RealtimeClient) write(msg any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.conn == nil {
		return ErrRealtimeClosed
	}
	return r.conn.WriteJSON(msg)
}

// SubscribeToPostgresChanges joins a fresh channel for cfg and routes
// matching changes to handler.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, cfg PostgresChangesConfig, handler ChangeHandler) (*Channel, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(ctx); err != nil {
		return nil, err
	}

	ref := r.nextRef()
	topic := fmt.Sprintf("realtime:%s:%s:%s", cfg.Schema, cfg.Table, ref)
	change := map[string]any{
		"event":  cfg.Event,
		"schema": cfg.Schema,
		"table":  cfg.Table,
	}
	if cfg.Filter != "" {
		change["filter"] = cfg.Filter
	}
	payload := map[string]any{
		"config": map[string]any{
			"postgres_changes": []any{change},
		},
	}
	if r.token != "" {
		payload["access_token"] = r.token
	}
	join := map[string]any{
		"topic":    topic,
		"event":    "phx_join",
		"payload":  payload,
		"ref":      ref,
		"join_ref": ref,
	}
	if err := r.write(join); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}

	ch := &Channel{client: r, topic: topic, joinRef: ref, handler: handler, event: cfg.Event}
	r.channels[topic] = ch
	return ch, nil
}

// Unsubscribe leaves the channel. Safe to call more than once.
func (c *Channel) Unsubscribe() error {
	r := c.client
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[c.topic]; !ok {
		return nil
	}
	delete(r.channels, c.topic)
	if r.conn == nil {
		return nil
	}
	return r.write(map[string]any{
		"topic":    c.topic,
		"event":    "phx_leave",
		"payload":  map[string]any{},
		"ref":      r.nextRef(),
		"join_ref": c.joinRef,
	})
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				log.Warnf("[Realtime] Connection lost: %v", err)
				r.mu.Lock()
				if r.conn == conn {
					close(r.done)
					r.conn = nil
					r.channels = make(map[string]*Channel)
				}
				r.mu.Unlock()
			}
			return
		}
		r.dispatch(message)
	}
}

func (r *RealtimeClient) dispatch(message []byte) {
	if !json.Valid(message) {
		return
	}
	msg := gjson.ParseBytes(message)
	topic := msg.Get("topic").String()

	r.mu.Lock()
	ch, ok := r.channels[topic]
	r.mu.Unlock()
	if !ok {
		return
	}

	var data gjson.Result
	switch msg.Get("event").String() {
	case "postgres_changes":
		data = msg.Get("payload.data")
	case "INSERT", "UPDATE", "DELETE":
		data = msg.Get("payload")
	default:
		return
	}

	change := Change{
		Type:      data.Get("type").String(),
		Schema:    data.Get("schema").String(),
		Table:     data.Get("table").String(),
		Record:    data.Get("record"),
		OldRecord: data.Get("old_record"),
	}
	if ch.event != "*" && !strings.EqualFold(ch.event, change.Type) {
		return
	}
	ch.handler(change)
}

func (r *RealtimeClient) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			ref := r.nextRef()
			r.mu.Unlock()
			if err := r.write(map[string]any{
				"topic":   "phoenix",
				"event":   "heartbeat",
				"payload": map[string]any{},
				"ref":     ref,
			}); err != nil {
				log.Warnf("[Realtime] Heartbeat failed: %v", err)
			}
		}
	}
}
