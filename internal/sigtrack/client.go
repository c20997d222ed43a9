// Package sigtrack watches Solana transaction signatures submitted by the
// replication pipeline until they confirm, error, or time out, while
// capping the number of concurrent signatureSubscribe requests the
// upstream RPC server will accept.
package sigtrack

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// State is a signature's position in the tracking state machine.
type State string

const (
	StatePending    State = "pending"
	StateSubscribed State = "subscribed"
	StateConfirmed  State = "confirmed"
	StateTimeout    State = "timeout"
)

// ErrorKind classifies a confirmed-with-error outcome per the taxonomy the
// on-chain program's custom error codes map to.
type ErrorKind string

const (
	ErrSlippage             ErrorKind = "slippage"
	ErrInsufficientTokens   ErrorKind = "insufficient_tokens"
	ErrInsufficientLamports ErrorKind = "insufficient_lamports"
	ErrInsufficientFundsRent ErrorKind = "insufficient_funds_for_rent"
	ErrUnknown              ErrorKind = "unknown"
)

// ClassifyError maps a raw `err` value from a signature notification to a
// taxonomy member. The custom program error code, when it decodes cleanly,
// takes priority over string matching against the raw payload.
func ClassifyError(raw json.RawMessage) ErrorKind {
	var withCode struct {
		InstructionError []json.RawMessage `json:"InstructionError"`
	}
	_ = json.Unmarshal(raw, &withCode)
	for _, elem := range withCode.InstructionError {
		var detail struct {
			Custom *int `json:"Custom"`
		}
		if json.Unmarshal(elem, &detail) != nil || detail.Custom == nil {
			continue
		}
		switch *detail.Custom {
		case 6002:
			return ErrSlippage
		case 6023:
			return ErrInsufficientTokens
		case 1:
			return ErrInsufficientLamports
		}
	}

	s := string(raw)
	switch {
	case strings.Contains(s, "6002"):
		return ErrSlippage
	case strings.Contains(s, "6023"):
		return ErrInsufficientTokens
	case strings.Contains(strings.ToLower(s), "insufficient_funds_for_rent") || strings.Contains(strings.ToLower(s), "rent"):
		return ErrInsufficientFundsRent
	case strings.Contains(s, `"Custom":1`) || strings.Contains(s, ":1}") || strings.Contains(s, ",1]"):
		return ErrInsufficientLamports
	default:
		return ErrUnknown
	}
}

// Outcome is delivered to exactly one of the three callbacks per signature.
type Outcome struct {
	Signature string
	Slot      uint64
	ErrorKind ErrorKind // empty on success
}

type record struct {
	signature   string
	commitment  string
	timeout     time.Duration
	wantRecvAck bool
	subscribedAt time.Time
	subID        uint64
	state        State
}

// Callbacks are invoked exactly once per signature's terminal transition
// (on_confirmed or on_timeout), with on_connection_error reserved for
// transport-level failures that prevent tracking from starting at all.
type Callbacks struct {
	OnConfirmed       func(Outcome)
	OnTimeout         func(signature string)
	OnConnectionError func(signature string, err error)
}

// Stats summarizes the tracker's current load.
type Stats struct {
	Pending    int
	Subscribed int
	Confirmed  int
	TimedOut   int
}

// ReconcileStatus is one signature's state as seen through a direct
// getSignatureStatuses RPC call, used to recover from a dropped
// signatureSubscribe notification before giving up on a signature.
type ReconcileStatus struct {
	Signature string
	Landed    bool
	ErrRaw    json.RawMessage
}

// Reconciler looks up signatures directly over RPC. Wired to
// blockchain.RPCClient.GetSignatureStatuses in production so a subscription
// that never received its WS notification still resolves to its true
// on-chain outcome instead of a false timeout.
type Reconciler func(ctx context.Context, signatures []string) ([]ReconcileStatus, error)

// Client is the signature-tracking WebSocket client.
type Client struct {
	dial func() (*websocket.Conn, error)

	sem *semaphore.Weighted

	mu          sync.Mutex
	queue       []*record            // FIFO admission queue
	bySignature map[string]*record   // signature -> record, held while subscribed
	bySubID     map[uint64]string    // subscription id -> signature
	pendingNote map[uint64]json.RawMessage // subID -> notification arrived before ACK
	confirmed   int
	timedOut    int

	callbacks   Callbacks
	reconciler  Reconciler

	nextReqID   atomic.Uint64
	pendingReqs sync.Map // reqID -> chan json.RawMessage

	connMu sync.Mutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const timeoutCheckInterval = 5 * time.Second

// New creates a signature tracker. dial must establish and return a fresh
// WebSocket connection on each call (used for the initial connect).
func New(dial func() (*websocket.Conn, error), maxSubscriptions int64, callbacks Callbacks) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dial:        dial,
		sem:         semaphore.NewWeighted(maxSubscriptions),
		bySignature: make(map[string]*record),
		bySubID:     make(map[uint64]string),
		pendingNote: make(map[uint64]json.RawMessage),
		callbacks:   callbacks,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetReconciler installs the RPC fallback scanTimeouts consults before
// declaring a subscribed signature timed out. Optional; nil disables the
// fallback and timeouts fire purely off the WS subscription.
func (c *Client) SetReconciler(r Reconciler) {
	c.reconciler = r
}

// Start dials the connection and launches the reader and timeout-scanner
// loops. The reader is the sole consumer of the socket.
func (c *Client) Start() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("sigtrack: initial dial failed: %w", err)
	}
	c.conn = conn

	c.wg.Add(2)
	go c.readLoop()
	go c.timeoutScanner()
	return nil
}

// Subscribe enqueues a signature for tracking and returns immediately with
// an admission indicator. The outcome is delivered asynchronously via the
// registered callbacks.
func (c *Client) Subscribe(signature, commitment string, timeout time.Duration, wantReceivedNotification bool) bool {
	r := &record{
		signature:   signature,
		commitment:  commitment,
		timeout:     timeout,
		wantRecvAck: wantReceivedNotification,
		state:       StatePending,
	}

	c.mu.Lock()
	if _, exists := c.bySignature[signature]; exists {
		c.mu.Unlock()
		return false
	}
	c.bySignature[signature] = r
	c.queue = append(c.queue, r)
	c.mu.Unlock()

	go c.drainQueue()
	return true
}

// drainQueue admits as many queued signatures as the semaphore allows.
func (c *Client) drainQueue() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		r := c.queue[0]
		c.mu.Unlock()

		if !c.sem.TryAcquire(1) {
			return
		}

		c.mu.Lock()
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.admit(r); err != nil {
			c.sem.Release(1)
			log.Warn().Err(err).Str("sig", r.signature).Msg("sigtrack: admission failed")
			c.mu.Lock()
			delete(c.bySignature, r.signature)
			c.mu.Unlock()
			if c.callbacks.OnConnectionError != nil {
				go c.callbacks.OnConnectionError(r.signature, err)
			}
		}
	}
}

func (c *Client) admit(r *record) error {
	reqID := c.nextReqID.Add(1)
	respCh := make(chan json.RawMessage, 1)
	c.pendingReqs.Store(reqID, respCh)
	defer c.pendingReqs.Delete(reqID)

	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "signatureSubscribe",
		"params":  []any{r.signature, map[string]any{"commitment": r.commitment}},
	}

	c.connMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case resp := <-respCh:
		var subID uint64
		if err := json.Unmarshal(resp, &subID); err != nil {
			return fmt.Errorf("sigtrack: unexpected subscribe response: %w", err)
		}

		c.mu.Lock()
		r.subID = subID
		r.subscribedAt = time.Now()
		r.state = StateSubscribed
		c.bySubID[subID] = r.signature

		if note, ok := c.pendingNote[subID]; ok {
			delete(c.pendingNote, subID)
			c.mu.Unlock()
			c.handleNotification(subID, note)
			return nil
		}
		c.mu.Unlock()
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("sigtrack: subscribe ack timed out for %s", r.signature)
	}
}

// Unsubscribe cancels tracking for a subscribed signature and releases its
// permit. A signature still waiting in the admission queue is not removed
// and is admitted as usual.
func (c *Client) Unsubscribe(signature string) error {
	c.mu.Lock()
	r, ok := c.bySignature[signature]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.teardown(r, StateTimeout)
}

// teardown releases the permit exactly once and sends the unsubscribe
// request even though the server already tears down on confirmation.
func (c *Client) teardown(r *record, final State) error {
	c.mu.Lock()
	if r.state != StateSubscribed {
		c.mu.Unlock()
		return nil
	}
	r.state = final
	delete(c.bySignature, r.signature)
	delete(c.bySubID, r.subID)
	if final == StateTimeout {
		c.timedOut++
	} else {
		c.confirmed++
	}
	c.mu.Unlock()

	defer c.sem.Release(1)

	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextReqID.Add(1),
		"method":  "signatureUnsubscribe",
		"params":  []any{r.subID},
	}
	c.connMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Msg("sigtrack read error")
			return
		}
		c.route(data)
	}
}

func (c *Client) route(data json.RawMessage) {
	var asResp struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &asResp); err == nil && asResp.ID != 0 {
		if ch, ok := c.pendingReqs.Load(asResp.ID); ok {
			ch.(chan json.RawMessage) <- asResp.Result
			return
		}
	}

	var notif struct {
		Params struct {
			Subscription uint64          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notif); err != nil || notif.Params.Subscription == 0 {
		return
	}
	c.handleNotification(notif.Params.Subscription, notif.Params.Result)
}

func (c *Client) handleNotification(subID uint64, result json.RawMessage) {
	c.mu.Lock()
	sig, ok := c.bySignature[c.bySubID[subID]]
	if !ok {
		// notification arrived before the subscribe ACK revealed the id
		c.pendingNote[subID] = result
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var value struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Err json.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &value); err != nil {
		log.Warn().Err(err).Msg("sigtrack: failed to parse notification")
		return
	}

	outcome := Outcome{Signature: sig.signature, Slot: value.Context.Slot}
	if len(value.Value.Err) > 0 && string(value.Value.Err) != "null" {
		outcome.ErrorKind = ClassifyError(value.Value.Err)
	}

	if err := c.teardown(sig, StateConfirmed); err != nil {
		log.Warn().Err(err).Msg("sigtrack: teardown after confirmation failed")
	}
	if c.callbacks.OnConfirmed != nil {
		go c.callbacks.OnConfirmed(outcome)
	}

	go c.drainQueue()
}

// timeoutScanner never blocks on recv() longer than timeoutCheckInterval;
// it periodically scans for signatures whose wait has exceeded their
// configured timeout even when the feed is completely silent.
func (c *Client) timeoutScanner() {
	defer c.wg.Done()
	ticker := time.NewTicker(timeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.scanTimeouts()
		}
	}
}

func (c *Client) scanTimeouts() {
	now := time.Now()
	c.mu.Lock()
	var expired []*record
	for _, r := range c.bySignature {
		if r.state == StateSubscribed && now.Sub(r.subscribedAt) > r.timeout {
			expired = append(expired, r)
		}
	}
	c.mu.Unlock()

	expired = c.reconcileBeforeTimeout(expired)

	for _, r := range expired {
		if err := c.teardown(r, StateTimeout); err != nil {
			log.Warn().Err(err).Str("sig", r.signature).Msg("sigtrack: timeout teardown failed")
		}
		if c.callbacks.OnTimeout != nil {
			go c.callbacks.OnTimeout(r.signature)
		}
	}
	if len(expired) > 0 {
		go c.drainQueue()
	}
}

// reconcileBeforeTimeout checks expired signatures directly over RPC and
// resolves any that actually landed, returning only the records that are
// still genuinely unresolved. A missed WS notification is the common cause
// of a signature appearing "expired" while having already confirmed.
func (c *Client) reconcileBeforeTimeout(expired []*record) []*record {
	if c.reconciler == nil || len(expired) == 0 {
		return expired
	}

	sigs := make([]string, len(expired))
	for i, r := range expired {
		sigs[i] = r.signature
	}

	statuses, err := c.reconciler(c.ctx, sigs)
	if err != nil {
		log.Warn().Err(err).Msg("sigtrack: reconciliation lookup failed, falling back to timeout")
		return expired
	}

	landed := make(map[string]json.RawMessage, len(statuses))
	for _, s := range statuses {
		if s.Landed {
			landed[s.Signature] = s.ErrRaw
		}
	}

	still := expired[:0]
	for _, r := range expired {
		errRaw, ok := landed[r.signature]
		if !ok {
			still = append(still, r)
			continue
		}
		if err := c.teardown(r, StateConfirmed); err != nil {
			log.Warn().Err(err).Str("sig", r.signature).Msg("sigtrack: reconciled teardown failed")
		}
		if c.callbacks.OnConfirmed != nil {
			var kind ErrorKind
			if len(errRaw) > 0 && string(errRaw) != "null" {
				kind = ClassifyError(errRaw)
			}
			go c.callbacks.OnConfirmed(Outcome{Signature: r.signature, ErrorKind: kind})
		}
	}
	return still
}

// GetStatus returns the current state of a tracked signature, if any.
func (c *Client) GetStatus(signature string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.bySignature[signature]
	if !ok {
		return "", false
	}
	return r.state, true
}

// GetStatistics summarizes tracker load.
func (c *Client) GetStatistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Confirmed: c.confirmed, TimedOut: c.timedOut}
	for _, r := range c.bySignature {
		if r.state == StatePending {
			s.Pending++
		} else if r.state == StateSubscribed {
			s.Subscribed++
		}
	}
	return s
}

// ClearAll cancels every tracked signature and empties the admission
// queue.
func (c *Client) ClearAll() {
	c.mu.Lock()
	all := make([]*record, 0, len(c.bySignature))
	for _, r := range c.bySignature {
		all = append(all, r)
	}
	c.queue = nil
	c.mu.Unlock()

	for _, r := range all {
		_ = c.teardown(r, StateTimeout)
	}
}

// Stop halts the reader and scanner loops and closes the connection.
func (c *Client) Stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}
