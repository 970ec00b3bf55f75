package c4chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Channel
// ============================================================================

// EventHandler receives channel events. Handlers run on the channel's read
// goroutine in delivery order and must not block.
type EventHandler func(Event)

// Channel is the persistent, bidirectional presence and message channel.
type Channel interface {
	// Publish sends ev. It returns ErrTransportUnavailable when there is no
	// live connection.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers h for eventType. The returned function removes it.
	Subscribe(eventType string, h EventHandler) (unsubscribe func())

	// Close tears the connection down and drops every subscription.
	Close() error
}

// ChannelDialer opens one Channel for the session of id.
type ChannelDialer func(ctx context.Context, id Identity) (Channel, error)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures websocket channels.
type RealtimeConfig struct {
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; negative means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type subscription struct {
	id uint64
	h  EventHandler
}

// eventDispatcher fans events out to subscribers synchronously, so that
// per-connection FIFO order is preserved.
type eventDispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription

	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]subscription),
	}
}

func (d *eventDispatcher) subscribe(eventType string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[eventType] = append(d.handlers[eventType], subscription{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.handlers[eventType]
			for i, s := range subs {
				if s.id == id {
					d.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := append([]subscription(nil), d.handlers[ev.Type]...)
	d.mu.RUnlock()
	for _, s := range handlers {
		s.h(ev)
	}
}

func (d *eventDispatcher) clear() {
	d.mu.Lock()
	d.handlers = make(map[string][]subscription)
	d.mu.Unlock()
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
	d.dispatch(Event{Type: EventConnect})
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns an exponential delay with up to 50% jitter. A
// connection that stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a websocket Channel with heartbeat and optional
// auto-reconnect. Missed events are not replayed after a reconnect.
type WSChannel struct {
	url        string
	config     *RealtimeConfig
	logger     *slog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	mu       sync.Mutex
	conn     *websocket.Conn
	state    RealtimeState
	closed   bool
	cancelFn context.CancelFunc
}

func newWSChannel(url string, cfg *RealtimeConfig) *WSChannel {
	return &WSChannel{
		url:        url,
		config:     cfg,
		logger:     cfg.Logger,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(cfg),
		state:      StateDisconnected,
	}
}

// Subscribe registers h for eventType.
func (ws *WSChannel) Subscribe(eventType string, h EventHandler) func() {
	return ws.dispatcher.subscribe(eventType, h)
}

// OnConnected registers a handler for the connected meta-event.
func (ws *WSChannel) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *WSChannel) OnDisconnected(h func(err error)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *WSChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSChannel) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the websocket and starts the read and heartbeat loops. ctx
// bounds the dial only; the connection lives until Close.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return ErrTransportUnavailable
	}
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.mu.Unlock()

	if err := ws.dial(ctx); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *WSChannel) dial(ctx context.Context) error {
	// The handshake is bounded by ctx; a client-level timeout would also
	// cut the hijacked connection.
	httpClient := *ws.config.HTTPClient
	httpClient.Timeout = 0

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{HTTPClient: &httpClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrTransportUnavailable
	}
	if ws.cancelFn != nil {
		ws.cancelFn()
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.emitConnected()

	go ws.readLoop(loopCtx, conn)
	go ws.heartbeatLoop(loopCtx, conn)
	return nil
}

func (ws *WSChannel) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Close gracefully closes the connection and drops every subscription. No
// event is dispatched after Close returns, except to a handler that was
// already running.
func (ws *WSChannel) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	cancel := ws.cancelFn
	ws.cancelFn = nil
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.dispatcher.clear()

	// The read loop must stay alive until the close handshake completes.
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// Publish writes ev as a JSON text frame.
func (ws *WSChannel) Publish(ctx context.Context, ev Event) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrTransportUnavailable
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// SetOnline announces id as online.
func (ws *WSChannel) SetOnline(ctx context.Context, id Identity) error {
	ev, err := NewSetOnlineEvent(id)
	if err != nil {
		return err
	}
	return ws.Publish(ctx, ev)
}

// SendMessage publishes m.
func (ws *WSChannel) SendMessage(ctx context.Context, m Message) error {
	ev, err := NewSendMessageEvent(m)
	if err != nil {
		return err
	}
	return ws.Publish(ctx, ev)
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.closed
			if ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.logger.Warn("channel disconnected", "url", ws.url, "error", err)
			ws.dispatcher.emitDisconnected(err)

			if ws.config.AutoReconnect {
				go ws.reconnectLoop()
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			ws.logger.Debug("dropping malformed channel frame", "error", err)
			continue
		}
		if ev.Type == EventConnect {
			continue
		}

		ws.mu.Lock()
		stale := ws.closed || ws.conn != conn
		ws.mu.Unlock()
		if stale {
			return
		}
		ws.dispatcher.dispatch(ev)
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				ws.mu.Lock()
				current := ws.conn == conn
				ws.mu.Unlock()
				if ctx.Err() != nil || !current {
					return
				}
				ws.logger.Warn("channel heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSChannel) reconnectLoop() {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.mu.Lock()
		if ws.closed {
			ws.mu.Unlock()
			return
		}
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := ws.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.logger.Debug("channel reconnect failed", "attempt", ws.recon.attempt, "error", err)
	}

	ws.mu.Lock()
	if !ws.closed {
		ws.state = StateDisconnected
	}
	ws.mu.Unlock()
	ws.logger.Warn("channel reconnect attempts exhausted", "url", ws.url)
}
