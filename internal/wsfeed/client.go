// Package wsfeed maintains a single logical WebSocket connection to the
// upstream trade data feed and fans incoming messages out to
// per-subscription callbacks, re-establishing subscriptions transparently
// across reconnects.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Topic identifies the kind of event a subscription watches.
type Topic string

const (
	TopicNewToken     Topic = "new_token"
	TopicTokenTrade   Topic = "token_trade"
	TopicAccountTrade Topic = "account_trade"
	TopicMigration    Topic = "migration"
)

// authenticated reports whether a topic requires the feed URL to carry an
// API key (AMM/graduated-pool data).
func (t Topic) authenticated() bool {
	return t == TopicMigration
}

// Callback receives the raw payload of a matched message.
type Callback func(json.RawMessage)

type subscription struct {
	topic    Topic
	keys     []string
	callback Callback
}

func (s subscription) id() string {
	return fmt.Sprintf("%s:%v", s.topic, s.keys)
}

// URLProvider resolves the feed URL for a connection attempt, given
// whether an authenticated-class subscription is currently active.
type URLProvider func(authenticated bool) string

// Client is the event-feed WebSocket client. One instance owns exactly one
// logical connection; reconnects are invisible to callers.
type Client struct {
	urlFor URLProvider

	mu            sync.Mutex
	conn          *websocket.Conn
	subs          map[string]subscription
	needsAuth     bool
	globalHandler Callback

	connMu sync.Mutex // serializes writes to conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	backoff time.Duration
}

const (
	initialBackoff    = 3 * time.Second
	maxBackoff        = 60 * time.Second
	keepaliveInterval = 30 * time.Second
	maxRetries        = 5
)

// New creates an event-feed client. Connect must be called to start the
// read loop.
func New(urlFor URLProvider) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		urlFor:  urlFor,
		subs:    make(map[string]subscription),
		ctx:     ctx,
		cancel:  cancel,
		backoff: initialBackoff,
	}
}

// SetGlobalCallback registers the fallback handler for messages that match
// no active subscription.
func (c *Client) SetGlobalCallback(fn Callback) {
	c.mu.Lock()
	c.globalHandler = fn
	c.mu.Unlock()
}

// Connect dials the feed and starts the read and keepalive loops. It
// blocks until the first connection succeeds or maxRetries is exhausted.
func (c *Client) Connect() error {
	if err := c.dialWithRetry(); err != nil {
		return err
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.keepaliveLoop()
	return nil
}

func (c *Client) dialWithRetry() error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		c.mu.Lock()
		authed := c.needsAuth
		c.mu.Unlock()

		url := c.urlFor(authed)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.backoff = initialBackoff
			if err := c.replaySubscriptions(); err != nil {
				log.Warn().Err(err).Msg("wsfeed: failed to replay subscriptions after reconnect")
			}
			log.Info().Str("url_class", authClass(authed)).Msg("wsfeed connected")
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Dur("backoff", backoff).Msg("wsfeed dial failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("wsfeed: exhausted %d connect attempts: %w", maxRetries, lastErr)
}

func authClass(authed bool) string {
	if authed {
		return "authenticated"
	}
	return "public"
}

// Subscribe establishes a server-side subscription, records it for replay
// on reconnect, and registers callback. If the topic requires
// authentication and the current connection lacks it, the client
// transparently reconnects with credentials and replays every extant
// subscription.
func (c *Client) Subscribe(topic Topic, keys []string, callback Callback) error {
	sub := subscription{topic: topic, keys: keys, callback: callback}

	c.mu.Lock()
	needReconnect := topic.authenticated() && !c.needsAuth
	if needReconnect {
		c.needsAuth = true
	}
	c.subs[sub.id()] = sub
	c.mu.Unlock()

	if needReconnect {
		log.Info().Str("topic", string(topic)).Msg("wsfeed: upgrading to authenticated connection")
		c.reconnect()
		return nil
	}

	return c.sendSubscribe(sub)
}

// Unsubscribe sends the inverse command and removes the local record.
func (c *Client) Unsubscribe(topic Topic, keys []string) error {
	sub := subscription{topic: topic, keys: keys}
	c.mu.Lock()
	delete(c.subs, sub.id())
	c.mu.Unlock()
	return c.sendUnsubscribe(sub)
}

// Disconnect unsubscribes all active topics before closing the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = c.sendUnsubscribe(s)
	}

	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Client) sendSubscribe(sub subscription) error {
	msg := map[string]any{"method": "subscribe", "topic": sub.topic, "keys": sub.keys}
	return c.writeJSON(msg)
}

func (c *Client) sendUnsubscribe(sub subscription) error {
	msg := map[string]any{"method": "unsubscribe", "topic": sub.topic, "keys": sub.keys}
	return c.writeJSON(msg)
}

func (c *Client) replaySubscriptions() error {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.sendSubscribe(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("wsfeed: not connected")
	}
	return c.conn.WriteJSON(v)
}

// readLoop is the single long-lived task that reads frames and dispatches
// callbacks without ever blocking on them.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			time.Sleep(time.Second)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Msg("wsfeed read error, reconnecting")
			c.reconnect()
			continue
		}

		c.dispatch(data)
	}
}

func (c *Client) dispatch(data json.RawMessage) {
	var envelope struct {
		Topic string          `json:"topic"`
		Key   string          `json:"key"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.Warn().Err(err).Msg("wsfeed: failed to parse envelope")
		return
	}

	c.mu.Lock()
	var matched Callback
	for _, s := range c.subs {
		if string(s.topic) == envelope.Topic {
			matched = s.callback
			break
		}
	}
	fallback := c.globalHandler
	c.mu.Unlock()

	payload := envelope.Data
	if len(payload) == 0 {
		payload = data
	}

	if matched != nil {
		go matched(payload)
		return
	}
	if fallback != nil {
		go fallback(payload)
	}
}

func (c *Client) keepaliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(map[string]string{"method": "ping"}); err != nil {
				log.Debug().Err(err).Msg("wsfeed keepalive ping failed")
			}
		}
	}
}

func (c *Client) reconnect() {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	if err := c.dialWithRetry(); err != nil {
		log.Error().Err(err).Msg("wsfeed: reconnect exhausted retries")
	}
}
