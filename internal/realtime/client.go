// Package realtime consumes row changes from the backend's Phoenix realtime
// websocket and hands them to a sink.
package realtime

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
	"github.com/rs/zerolog"

	"nexusbiz/internal/events"
	"nexusbiz/internal/models"
	"nexusbiz/internal/retry"
)

// Sink receives decoded change events.
type Sink interface {
	HandleChange(ctx context.Context, c events.ChangeEvent) bool
}

// Config configures the realtime client.
type Config struct {
	URL       string
	APIKey    string
	Schema    string
	Tables    []string
	Heartbeat time.Duration
}

// message is a Phoenix channel frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// change is the postgres change carried by a frame, either at the top of the
// payload or nested under "data".
type change struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
	Commit    string         `json:"commit_timestamp"`
	Data      *change        `json:"data"`
}

type reply struct {
	Status   string         `json:"status"`
	Response map[string]any `json:"response"`
}

// Client keeps a websocket open to the realtime endpoint, rejoining its topics
// after every reconnect.
type Client struct {
	cfg     Config
	sink    Sink
	logger  zerolog.Logger
	backoff retry.Backoff
	dialer  websocket.Dialer

	writeMu sync.Mutex
	ref     int
}

func NewClient(cfg Config, sink Sink, logger zerolog.Logger) *Client {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With().Str("component", "realtime").Logger(),
		backoff: retry.DefaultBackoff(),
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// endpoint converts the backend URL into the websocket endpoint.
func endpoint(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and consumes changes until ctx ends, reconnecting with backoff
// after connection failures.
func (c *Client) Run(ctx context.Context) error {
	wsURL, err := endpoint(c.cfg.URL, c.cfg.APIKey)
	if err != nil {
		return err
	}

	for attempt := 1; ; {
		connected, err := c.session(ctx, wsURL)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 1
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("realtime connection lost, reconnecting")
		if err := c.backoff.Wait(ctx, attempt); err != nil {
			return nil
		}
		attempt++
	}
}

// session runs one connection. It reports whether the connection was
// established.
func (c *Client) session(ctx context.Context, wsURL string) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}()

	for _, table := range c.cfg.Tables {
		if err := c.join(conn, table); err != nil {
			return true, err
		}
	}
	c.logger.Info().Strs("tables", c.cfg.Tables).Msg("realtime connected")

	go c.heartbeat(sessionCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("websocket read: %w", err)
		}
		c.handle(sessionCtx, data)
	}
}

func (c *Client) topic(table string) string {
	return fmt.Sprintf("realtime:%s:%s", c.cfg.Schema, table)
}

func (c *Client) join(conn *websocket.Conn, table string) error {
	payload := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{
				{"event": "*", "schema": c.cfg.Schema, "table": table},
			},
		},
	}
	return c.send(conn, c.topic(table), "phx_join", payload)
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(conn, "phoenix", "heartbeat", map[string]any{}); err != nil {
				c.logger.Warn().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (c *Client) send(conn *websocket.Conn, topic, event string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ref++
	ref := strconv.Itoa(c.ref)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	msg := message{Topic: topic, Event: event, Payload: body, Ref: ref}
	if event == "phx_join" {
		msg.JoinRef = ref
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// handle decodes one frame. Malformed frames and failed joins are logged and
// dropped.
func (c *Client) handle(ctx context.Context, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed realtime frame")
		return
	}

	switch msg.Event {
	case "phx_reply":
		var r reply
		if err := json.Unmarshal(msg.Payload, &r); err == nil && r.Status != "ok" {
			c.logger.Warn().Str("topic", msg.Topic).Str("status", r.Status).
				Interface("response", r.Response).Msg("realtime join refused")
		}
		return
	case "phx_error", "phx_close":
		c.logger.Warn().Str("topic", msg.Topic).Str("event", msg.Event).Msg("realtime channel closed")
		return
	}

	ev, err := decodeChange(msg)
	if err != nil {
		if !errors.Is(err, errNotAChange) {
			c.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping realtime change")
		}
		return
	}
	c.sink.HandleChange(ctx, ev)
}

var errNotAChange = errors.New("frame carries no row change")

func decodeChange(msg message) (events.ChangeEvent, error) {
	if len(msg.Payload) == 0 {
		return events.ChangeEvent{}, errNotAChange
	}
	var ch change
	if err := json.Unmarshal(msg.Payload, &ch); err != nil {
		return events.ChangeEvent{}, fmt.Errorf("decode payload: %w", err)
	}
	if ch.Data != nil {
		ch = *ch.Data
	}
	if ch.Type == "" {
		return events.ChangeEvent{}, errNotAChange
	}

	changeType, err := events.ParseChangeType(ch.Type)
	if err != nil {
		return events.ChangeEvent{}, err
	}
	table := ch.Table
	if table == "" {
		table = msg.Topic[strings.LastIndex(msg.Topic, ":")+1:]
	}
	class, err := events.ParseEntityClass(table)
	if err != nil {
		return events.ChangeEvent{}, err
	}

	at := models.ParseTime(ch.Commit)
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return events.ChangeEvent{
		Class:      class,
		Type:       changeType,
		Record:     ch.Record,
		OldRecord:  ch.OldRecord,
		ReceivedAt: at,
	}, nil
}
