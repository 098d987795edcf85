package rapidrespond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// NewEmergencyPayload is pushed when a freshly reported emergency has
// been classified and accepted for dispatch.
type NewEmergencyPayload struct {
	EmergencyID string        `json:"emergency_id"`
	Type        string        `json:"type"`
	Priority    PriorityLevel `json:"priority"`
	Location    *Location     `json:"location,omitempty"`
}

// EmergencyUpdatePayload is pushed when an emergency record changes.
type EmergencyUpdatePayload struct {
	EmergencyID string          `json:"emergency_id"`
	Status      EmergencyStatus `json:"status"`
	Notes       string          `json:"notes,omitempty"`
}

// StatusChangePayload is pushed when an emergency transitions between
// lifecycle statuses.
type StatusChangePayload struct {
	EmergencyID string          `json:"emergency_id"`
	OldStatus   EmergencyStatus `json:"old_status"`
	NewStatus   EmergencyStatus `json:"new_status"`
	Notes       string          `json:"notes,omitempty"`
}

// ServiceUpdatePayload is pushed when a service fleet's availability changes.
type ServiceUpdatePayload struct {
	ServiceType         string       `json:"service_type"`
	Status              ServiceState `json:"status"`
	AvailableUnits      int          `json:"available_units"`
	AverageResponseTime int          `json:"average_response_time"`
}

// ============================================================================
// Envelope
// ============================================================================

// EventKind tags a server-pushed event. The set is open: unknown kinds
// are still delivered to subscribers, interpretation is theirs.
type EventKind string

const (
	EventNewEmergency    EventKind = "new_emergency"
	EventEmergencyUpdate EventKind = "emergency_update"
	EventStatusChange    EventKind = "status_change"
	EventServiceUpdate   EventKind = "service_update"
)

// EventEnvelope is one server-pushed notification. Payload is opaque to
// the channel; subscribers decode it according to Kind.
type EventEnvelope struct {
	Kind       EventKind
	Payload    json.RawMessage
	ObservedAt time.Time
}

// wireEvent is the shape frames arrive in.
type wireEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func parseEnvelope(data []byte) (EventEnvelope, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return EventEnvelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if w.Type == "" {
		return EventEnvelope{}, errors.New("frame missing type field")
	}
	observed := time.Now()
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
			observed = ts
		}
	}
	return EventEnvelope{Kind: EventKind(w.Type), Payload: w.Data, ObservedAt: observed}, nil
}

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectInterval    = 3 * time.Second
)

type channelConfig struct {
	maxReconnectAttempts int
	reconnectInterval    time.Duration
	logf                 func(format string, v ...any)
}

// ChannelOption configures a Channel at construction.
type ChannelOption func(*channelConfig)

// WithMaxReconnectAttempts sets the retry ceiling: the number of
// consecutive reconnection attempts before the channel gives up. Zero
// disables automatic reconnection.
func WithMaxReconnectAttempts(n int) ChannelOption {
	return func(c *channelConfig) {
		if n >= 0 {
			c.maxReconnectAttempts = n
		}
	}
}

// WithReconnectInterval sets the fixed delay between reconnection attempts.
func WithReconnectInterval(d time.Duration) ChannelOption {
	return func(c *channelConfig) {
		if d > 0 {
			c.reconnectInterval = d
		}
	}
}

// WithChannelLogf overrides where the channel reports dropped sends and
// malformed frames. Defaults to the standard library logger.
func WithChannelLogf(logf func(format string, v ...any)) ChannelOption {
	return func(c *channelConfig) {
		if logf != nil {
			c.logf = logf
		}
	}
}

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState is the channel's lifecycle state. Transitions are
// driven only by the channel itself.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// ErrNotConnected is returned by Send when the channel is not in the
// connected state. The message is dropped, not queued.
var ErrNotConnected = errors.New("rapidrespond: channel not connected")

// ============================================================================
// Handler Registry
// ============================================================================

// Unsubscribe removes a previously registered handler. Calling it more
// than once is harmless.
type Unsubscribe func()

type handlerEntry[T any] struct {
	id int
	fn T
}

// handlerList is an ordered set of subscriber callbacks. Registration
// order is delivery order.
type handlerList[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []handlerEntry[T]
}

func (l *handlerList[T]) add(fn T) Unsubscribe {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, handlerEntry[T]{id: id, fn: fn})
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	}
}

func (l *handlerList[T]) snapshot() []T {
	l.mu.Lock()
	out := make([]T, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	l.mu.Unlock()
	return out
}

// ============================================================================
// Channel
// ============================================================================

// Channel maintains one logical live connection to the RapidRespond push
// endpoint, surfaces incoming events to any number of local subscribers,
// and recovers from transient failures with a bounded fixed-interval
// retry. Instances are constructed explicitly, owned by their creator,
// and torn down with Disconnect; no background work survives teardown.
type Channel struct {
	addr string
	cfg  channelConfig

	onEvent      handlerList[func(EventEnvelope)]
	onConnect    handlerList[func()]
	onDisconnect handlerList[func(error)]
	onError      handlerList[func(error)]

	// mu guards every state mutation below. gen is a generation counter
	// bumped by Disconnect and each new connection attempt; goroutines
	// and timers carry the generation they were started under and stand
	// down when it no longer matches, so a late timer or a stale dial
	// can never act after Disconnect returns.
	mu      sync.Mutex
	state   ConnectionState
	conn    *websocket.Conn
	cancel  context.CancelFunc
	timer   *time.Timer
	retries int
	gen     uint64
	last    *EventEnvelope
}

// NewChannel creates a channel targeting the given address. The channel
// starts disconnected; call Connect to open it.
func NewChannel(addr string, opts ...ChannelOption) *Channel {
	cfg := channelConfig{
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		reconnectInterval:    DefaultReconnectInterval,
		logf:                 log.Printf,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Channel{addr: addr, cfg: cfg, state: StateDisconnected}
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEvent returns the most recently received envelope, if any. The
// channel retains only the latest one; subscribers that want history
// must listen as events arrive.
func (c *Channel) LastEvent() (EventEnvelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return EventEnvelope{}, false
	}
	return *c.last, true
}

// ReconnectAttempts returns the number of consecutive reconnection
// attempts since the last successful connection.
func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// OnEvent registers a handler for every incoming envelope, known kind or
// not. Handlers run in arrival order on the channel's read goroutine;
// they should return quickly.
func (c *Channel) OnEvent(h func(EventEnvelope)) Unsubscribe {
	return c.onEvent.add(h)
}

// OnConnect registers a handler fired once per successful connection.
func (c *Channel) OnConnect(h func()) Unsubscribe {
	return c.onConnect.add(h)
}

// OnDisconnect registers a handler fired once per transition out of the
// connected state. The error is nil for an explicit Disconnect.
func (c *Channel) OnDisconnect(h func(err error)) Unsubscribe {
	return c.onDisconnect.add(h)
}

// OnError registers a handler fired once per failed connection attempt.
func (c *Channel) OnError(h func(err error)) Unsubscribe {
	return c.onError.add(h)
}

// OnNewEmergency registers a typed handler for new_emergency events.
func (c *Channel) OnNewEmergency(h func(NewEmergencyPayload)) Unsubscribe {
	return onKind(c, EventNewEmergency, h)
}

// OnEmergencyUpdate registers a typed handler for emergency_update events.
func (c *Channel) OnEmergencyUpdate(h func(EmergencyUpdatePayload)) Unsubscribe {
	return onKind(c, EventEmergencyUpdate, h)
}

// OnStatusChange registers a typed handler for status_change events.
func (c *Channel) OnStatusChange(h func(StatusChangePayload)) Unsubscribe {
	return onKind(c, EventStatusChange, h)
}

// OnServiceUpdate registers a typed handler for service_update events.
func (c *Channel) OnServiceUpdate(h func(ServiceUpdatePayload)) Unsubscribe {
	return onKind(c, EventServiceUpdate, h)
}

// onKind filters envelopes by kind and decodes the payload at the
// subscriber boundary. A payload that does not fit the expected shape is
// reported and skipped; the channel itself never validates payloads.
func onKind[T any](c *Channel, kind EventKind, h func(T)) Unsubscribe {
	return c.OnEvent(func(env EventEnvelope) {
		if env.Kind != kind {
			return
		}
		var p T
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.cfg.logf("rapidrespond: %s payload decode: %v", kind, err)
			return
		}
		h(p)
	})
}

// Connect opens the connection unless one is already open or opening.
// It returns immediately; completion is observed through the state and
// the on-connect / on-error notifications. A pending reconnection timer
// is superseded by the manual call.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	go c.dial(ctx, gen)
}

// Disconnect closes the connection, cancels any pending reconnection
// timer, and forces the state to disconnected. Once it returns, no
// reconnection attempt can fire until Connect is called again. Safe to
// call from any state, any number of times.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasConnected {
		c.emitDisconnect(nil)
	}
}

// Send serializes v and transmits it if the channel is connected.
// Outside the connected state the message is dropped and ErrNotConnected
// returned; emergency submission does not depend on this channel, so the
// drop is a warning, not a fault.
func (c *Channel) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		c.cfg.logf("rapidrespond: send dropped, channel is %s", state)
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Internals
// ============================================================================

func (c *Channel) dial(ctx context.Context, gen uint64) {
	conn, _, err := websocket.Dial(ctx, c.addr, nil)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	if err != nil {
		c.state = StateError
		c.scheduleRetryLocked(ctx)
		c.mu.Unlock()
		c.emitError(fmt.Errorf("channel dial: %w", err))
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.state = StateConnected
	c.retries = 0
	c.mu.Unlock()

	c.emitConnect()
	go c.readLoop(ctx, connCtx, conn, gen)
}

func (c *Channel) readLoop(ctx, connCtx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			c.mu.Lock()
			if gen != c.gen {
				// Disconnect already tore this connection down.
				c.mu.Unlock()
				return
			}
			c.conn = nil
			if c.cancel != nil {
				c.cancel()
				c.cancel = nil
			}
			c.state = StateDisconnected
			c.scheduleRetryLocked(ctx)
			c.mu.Unlock()
			c.emitDisconnect(err)
			return
		}

		env, perr := parseEnvelope(data)
		if perr != nil {
			// Malformed frames never close the connection.
			c.cfg.logf("rapidrespond: dropping malformed frame: %v", perr)
			continue
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.last = &env
		c.mu.Unlock()

		c.emitEvent(env)
	}
}

// scheduleRetryLocked arms the reconnection timer if the retry budget
// allows. Past the ceiling the failure is terminal until an external
// Connect. Caller holds c.mu.
func (c *Channel) scheduleRetryLocked(ctx context.Context) {
	if c.retries >= c.cfg.maxReconnectAttempts {
		return
	}
	c.retries++
	gen := c.gen
	c.timer = time.AfterFunc(c.cfg.reconnectInterval, func() {
		c.retryFire(ctx, gen)
	})
}

// retryFire is the timer callback. The generation check and the
// transition to connecting happen under one lock acquisition, so a
// Disconnect that stopped the timer a moment too late still wins.
func (c *Channel) retryFire(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.gen++
	next := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	c.dial(ctx, next)
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Handler dispatch is synchronous so delivery preserves the order frames
// arrived in on the connection.

func (c *Channel) emitEvent(env EventEnvelope) {
	for _, h := range c.onEvent.snapshot() {
		h(env)
	}
}

func (c *Channel) emitConnect() {
	for _, h := range c.onConnect.snapshot() {
		h()
	}
}

func (c *Channel) emitDisconnect(err error) {
	for _, h := range c.onDisconnect.snapshot() {
		h(err)
	}
}

func (c *Channel) emitError(err error) {
	for _, h := range c.onError.snapshot() {
		h(err)
	}
}
