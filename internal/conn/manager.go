// Package conn owns the single logical websocket connection to the
// realtime server: lifecycle, authentication, reconnection, and the
// raw send/receive surface the dispatcher builds on.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/teamdesk/relay/internal/metrics"
	"github.com/teamdesk/relay/internal/protocol"
)

const (
	// reconnectDelay is the fixed delay before a reconnection attempt
	// after an unexpected close or transport error.
	reconnectDelay = 5 * time.Second

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 10 * time.Second

	// pingAfter is how long the connection may be silent before a ping
	// is sent.
	pingAfter = 25 * time.Second

	// disconnectAfter is how long the connection may be silent before
	// it is considered dead and closed.
	disconnectAfter = 120 * time.Second

	// heartbeatCheckAt is the heartbeat ticker interval.
	heartbeatCheckAt = 20 * time.Second

	// inboundChanSize is the buffer for frames flowing from the reader
	// goroutine to the dispatcher.
	inboundChanSize = 64

	// stateChanSize is the buffer for state change notifications.
	stateChanSize = 16
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected means no connection is open. Reached on
	// startup, after an unexpected close, and terminally on logout.
	StateDisconnected State = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateConnected means the connection is open and authenticated.
	StateConnected

	// StateError means the last connection died with a transport error.
	StateError
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange notifies subscribers of a connection state transition.
type StateChange struct {
	Old State
	New State
	Err error
}

// Identity is the authenticated user this connection speaks for.
type Identity struct {
	UserID   int64
	Username string
}

// wsConn abstracts the websocket connection so the manager can be
// tested without a real server. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a websocket connection to the given URL.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

// healthProbe is the subset of the health monitor the manager needs.
type healthProbe interface {
	BackendDown() bool
}

// Manager owns exactly one logical connection per authenticated
// identity. A reader goroutine feeds the inbound channel; reconnection
// is generation-guarded so only the most recent connection handle may
// schedule a new attempt.
type Manager struct {
	url    string
	health healthProbe
	logger *slog.Logger
	dial   dialFunc

	inbound chan protocol.Envelope
	states  chan StateChange

	mu       sync.Mutex
	state    State
	conn     wsConn
	gen      uint64
	identity *Identity
	runCtx   context.Context

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewManager creates a connection manager for the given server URL.
// health may be nil, in which case the backend is assumed reachable.
func NewManager(url string, health healthProbe, logger *slog.Logger) *Manager {
	return &Manager{
		url:     url,
		health:  health,
		logger:  logger,
		dial:    dialWebsocket,
		inbound: make(chan protocol.Envelope, inboundChanSize),
		states:  make(chan StateChange, stateChanSize),
	}
}

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	c, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Inbound returns the stream of parsed inbound frames. Malformed
// frames are logged and discarded before reaching this channel.
func (m *Manager) Inbound() <-chan protocol.Envelope {
	return m.inbound
}

// StateChanges returns the stream of connection state transitions.
func (m *Manager) StateChanges() <-chan StateChange {
	return m.states
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Start makes the identity available and opens the connection. The
// context bounds the whole connection lifetime, including reconnect
// attempts. A failed first dial schedules a reconnect and returns the
// error; the manager keeps trying in the background.
func (m *Manager) Start(ctx context.Context, id Identity) error {
	m.mu.Lock()
	m.identity = &id
	m.runCtx = ctx
	m.mu.Unlock()

	if err := m.connect(ctx); err != nil {
		m.scheduleReconnect(m.currentGen())
		return err
	}

	return nil
}

// Stop makes the identity unavailable (logout). Any open connection is
// closed and the manager goes to disconnected without error logs and
// without scheduling reconnection.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.identity = nil
	c := m.conn
	m.conn = nil
	m.gen++ // invalidate the old handle so its close cannot reschedule
	m.mu.Unlock()

	if c != nil {
		_ = c.Close(websocket.StatusNormalClosure, "logout")
	}

	m.setState(StateDisconnected, nil)
}

// Send marshals the frame and writes it to the connection. It returns
// false, without error, when the connection is not established or the
// backend is marked down; the caller is responsible for queueing.
func (m *Manager) Send(frame any) bool {
	m.mu.Lock()
	c := m.conn
	connected := m.state == StateConnected
	ctx := m.runCtx
	m.mu.Unlock()

	if !connected || c == nil {
		return false
	}

	if m.health != nil && m.health.BackendDown() {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Warn("marshalling outbound frame", slog.String("error", err.Error()))
		return false
	}

	if ctx == nil {
		ctx = context.Background()
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := c.Write(wctx, websocket.MessageText, data); err != nil {
		m.logger.Debug("frame write failed", slog.String("error", err.Error()))
		return false
	}

	return true
}

// connect dials, authenticates, and installs a fresh connection handle.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	id := m.identity
	m.mu.Unlock()

	if id == nil {
		return fmt.Errorf("no identity: connection stopped")
	}

	m.setState(StateConnecting, nil)
	m.logger.Debug("connecting", slog.String("url", m.url))

	c, err := m.dial(ctx, m.url)
	if err != nil {
		m.setState(StateError, err)
		return fmt.Errorf("dialing websocket: %w", err)
	}

	auth, err := json.Marshal(protocol.NewAuth(id.UserID, id.Username))
	if err != nil {
		_ = c.Close(websocket.StatusInternalError, "auth marshal failed")
		m.setState(StateError, err)

		return fmt.Errorf("marshalling auth frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = c.Write(wctx, websocket.MessageText, auth)
	cancel()

	if err != nil {
		_ = c.Close(websocket.StatusInternalError, "auth failed")
		m.setState(StateError, err)

		return fmt.Errorf("sending auth frame: %w", err)
	}

	m.mu.Lock()
	m.conn = c
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.touchLastMessage()
	m.setState(StateConnected, nil)
	m.logger.Info("connected",
		slog.Int64("user_id", id.UserID),
		slog.String("username", id.Username),
	)

	go m.reader(ctx, c, gen)
	go m.heartbeat(ctx, c, gen)

	return nil
}

// reader reads frames from one connection handle until it errors,
// probes the type discriminator, and forwards parsed envelopes. On a
// read error it hands off to the disconnect path, which only the most
// recent handle may act on.
func (m *Manager) reader(ctx context.Context, c wsConn, gen uint64) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}

		m.touchLastMessage()

		if typ != websocket.MessageText {
			m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		frameType := gjson.GetBytes(data, "type").Str
		if frameType == "" {
			// Malformed frames must not crash the connection or
			// corrupt queue state.
			m.logger.Debug("discarding frame without type", slog.Int("bytes", len(data)))
			continue
		}

		if frameType == protocol.TypePong {
			continue
		}

		env := protocol.Envelope{Type: frameType, Raw: append(json.RawMessage(nil), data...)}

		select {
		case m.inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat pings the server when the connection has been silent and
// closes it when silence exceeds the disconnect threshold, so half-open
// connections are detected instead of hanging forever.
func (m *Manager) heartbeat(ctx context.Context, c wsConn, gen uint64) {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.currentGen() != gen {
				return
			}

			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				m.logger.Warn("connection silent too long, closing")
				_ = c.Close(websocket.StatusGoingAway, "timeout")

				return
			}

			if elapsed > pingAfter {
				data, _ := json.Marshal(map[string]string{"type": protocol.TypePing})

				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := c.Write(wctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					return
				}
			}
		}
	}
}

// handleDisconnect runs when a connection handle's reader exits. The
// generation guard ensures a stale handle that closed after a newer
// connection was established cannot trigger a duplicate reconnect.
func (m *Manager) handleDisconnect(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	loggedOut := m.identity == nil
	m.conn = nil
	m.mu.Unlock()

	if loggedOut {
		// Expected close after Stop. No error logs, no reconnect.
		return
	}

	if websocket.CloseStatus(err) != -1 {
		m.setState(StateDisconnected, err)
	} else {
		m.setState(StateError, err)
	}

	m.logger.Warn("connection lost",
		slog.String("error", err.Error()),
		slog.Duration("retry_in", reconnectDelay),
	)

	m.scheduleReconnect(gen)
}

// scheduleReconnect arms a single reconnection attempt after the fixed
// delay. The attempt is abandoned if a newer handle exists by then or
// the identity has gone away.
func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()

	if ctx == nil {
		return
	}

	go func() {
		timer := time.NewTimer(reconnectDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.mu.Lock()
		stale := gen != m.gen || m.identity == nil
		m.mu.Unlock()

		if stale {
			return
		}

		metrics.ReconnectsTotal.Inc()

		if err := m.connect(ctx); err != nil {
			m.logger.Warn("reconnect failed", slog.String("error", err.Error()))
			m.scheduleReconnect(gen)
		} else {
			m.logger.Info("reconnected")
		}
	}()
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()

	if old == s {
		return
	}

	change := StateChange{Old: old, New: s, Err: err}

	select {
	case m.states <- change:
	default:
		m.logger.Debug("state change dropped, subscriber lagging",
			slog.String("state", s.String()),
		)
	}
}

func (m *Manager) currentGen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.gen
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}
