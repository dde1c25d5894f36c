// Package dispatch routes outgoing messages through the live
// connection or the persistent offline queue, drains the queue when
// connectivity and the backend recover, and reconciles optimistic
// local copies against server confirmations.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teamdesk/relay/internal/conn"
	"github.com/teamdesk/relay/internal/metrics"
	"github.com/teamdesk/relay/internal/protocol"
	"github.com/teamdesk/relay/internal/retry"
	"github.com/teamdesk/relay/internal/store"
)

const (
	// confirmTimeout is how long an optimistic copy waits for a server
	// confirmation before its delivery is flagged as uncertain.
	confirmTimeout = 10 * time.Second

	// eventChanSize is the buffer on the consumer event channel.
	eventChanSize = 64

	// tempIDPrefix marks client-generated message identifiers.
	tempIDPrefix = "temp-"
)

// transport is the subset of the connection manager the dispatcher
// drives.
type transport interface {
	Send(frame any) bool
	Inbound() <-chan protocol.Envelope
	StateChanges() <-chan conn.StateChange
}

// healthControl is the subset of the health monitor the dispatcher
// reads and updates.
type healthControl interface {
	BackendDown() bool
	SetBackendDown(down bool)
	OnChange(fn func(down bool))
}

// editSink receives server-side edit notifications, so pending local
// edits can be reconciled.
type editSink interface {
	HandleEdited(msg protocol.Message)
}

// EventKind classifies dispatcher events.
type EventKind int

const (
	// EventIncoming is a message from another user.
	EventIncoming EventKind = iota

	// EventConfirmed is a server confirmation of one of our messages.
	EventConfirmed

	// EventQueued is a send deferred to the offline queue.
	EventQueued

	// EventUncertain is an optimistic copy that saw no confirmation
	// within the dead-man window.
	EventUncertain

	// EventDrained is a finished queue drain pass.
	EventDrained

	// EventEdited is a server-side edit of an existing message.
	EventEdited
)

// Event is a typed dispatcher notification for UI consumers.
type Event struct {
	Kind     EventKind
	Message  protocol.Message
	ClientID string
	QueueLen int
}

type shadow struct {
	msg   protocol.Message
	timer *time.Timer
}

// Dispatcher owns outgoing message flow and the offline queue.
type Dispatcher struct {
	tr     transport
	health healthControl
	store  *store.Store
	logger *slog.Logger
	selfID int64
	policy retry.Policy

	edits editSink

	events chan Event
	wake   chan struct{}

	mu            sync.Mutex
	shadows       map[string]*shadow
	shadowOrder   []string
	confirmed     []protocol.Message
	drainAttempts int
	drainTimer    *time.Timer
}

// NewDispatcher creates a dispatcher for the given user. The selfID is
// used to tell own confirmations apart from other users' messages.
func NewDispatcher(tr transport, health healthControl, st *store.Store, selfID int64, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tr:      tr,
		health:  health,
		store:   st,
		logger:  logger,
		selfID:  selfID,
		policy:  retry.QueueDrain,
		events:  make(chan Event, eventChanSize),
		wake:    make(chan struct{}, 1),
		shadows: make(map[string]*shadow),
	}
}

// SetEditSink wires the pending-edit manager in for message_edited
// frames. Must be called before Run.
func (d *Dispatcher) SetEditSink(s editSink) {
	d.edits = s
}

// Events returns the consumer notification channel. Events are dropped
// when the consumer falls behind; the persistent queue is the source of
// truth, not this channel.
func (d *Dispatcher) Events() <-chan Event {
	return d.events
}

// SendDirect submits a 1:1 message. It returns the optimistic local
// copy and whether the frame was transmitted immediately; false means
// it went to the offline queue instead. Submission never fails: with no
// connection or a down backend the message is preserved for later.
func (d *Dispatcher) SendDirect(receiverID int64, content string) (protocol.Message, bool) {
	clientID := tempIDPrefix + uuid.NewString()
	frame := protocol.NewDirectMessage(receiverID, content, clientID)

	optimistic := protocol.Message{
		SenderID:   d.selfID,
		ReceiverID: receiverID,
		Content:    content,
		ClientID:   clientID,
		CreatedAt:  time.UnixMilli(frame.Timestamp).UTC().Format(time.RFC3339),
	}

	sent := d.transmit(protocol.TypeDirectMessage, clientID, frame)
	d.trackShadow(optimistic)

	return optimistic, sent
}

// SendChannel submits a channel message. Same semantics as SendDirect.
func (d *Dispatcher) SendChannel(channelID int64, content string) (protocol.Message, bool) {
	clientID := tempIDPrefix + uuid.NewString()
	frame := protocol.NewChannelMessage(channelID, content, clientID)

	optimistic := protocol.Message{
		SenderID:  d.selfID,
		ChannelID: channelID,
		Content:   content,
		ClientID:  clientID,
		CreatedAt: time.UnixMilli(frame.Timestamp).UTC().Format(time.RFC3339),
	}

	sent := d.transmit(protocol.TypeChannelMessage, clientID, frame)
	d.trackShadow(optimistic)

	return optimistic, sent
}

// transmit writes a crash-safety backup, then either sends the frame or
// appends it to the offline queue. The backup is cleared once the
// outcome is known; leftovers mean the process died mid-send and are
// re-queued by Restore.
func (d *Dispatcher) transmit(msgType, clientID string, frame any) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		d.logger.Error("marshalling outgoing frame", "error", err, "clientId", clientID)
		return false
	}

	backup := store.QueuedMessage{
		ClientID:   clientID,
		Type:       msgType,
		Payload:    payload,
		EnqueuedAt: time.Now().UnixMilli(),
	}

	if err := d.store.SaveBackup(backup); err != nil {
		d.logger.Error("saving send backup", "error", err, "clientId", clientID)
	}

	if d.tr.Send(frame) {
		metrics.MessagesTotal.WithLabelValues("sent").Inc()

		if err := d.store.DeleteBackup(msgType, clientID); err != nil {
			d.logger.Warn("clearing send backup", "error", err, "clientId", clientID)
		}

		return true
	}

	if err := d.store.AppendQueued(backup); err != nil {
		d.logger.Error("queueing message", "error", err, "clientId", clientID)
		return false
	}

	if err := d.store.DeleteBackup(msgType, clientID); err != nil {
		d.logger.Warn("clearing send backup", "error", err, "clientId", clientID)
	}

	metrics.MessagesTotal.WithLabelValues("queued").Inc()

	n := d.updateQueueGauge()
	d.logger.Info("message queued offline", "clientId", clientID, "queueLen", n)
	d.emit(Event{Kind: EventQueued, ClientID: clientID, QueueLen: n})

	return false
}

// trackShadow registers an optimistic copy and arms its dead-man timer.
func (d *Dispatcher) trackShadow(msg protocol.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sh := &shadow{msg: msg}
	sh.timer = time.AfterFunc(confirmTimeout, func() {
		d.shadowTimeout(msg.ClientID)
	})

	d.shadows[msg.ClientID] = sh
	d.shadowOrder = append(d.shadowOrder, msg.ClientID)
}

// shadowTimeout expires an optimistic copy that saw no confirmation.
// The copy leaves the merged view so stale entries cannot accumulate;
// a queued persistent record, if any, still guarantees delivery.
func (d *Dispatcher) shadowTimeout(clientID string) {
	d.mu.Lock()
	sh, ok := d.shadows[clientID]
	if ok {
		delete(d.shadows, clientID)
		d.dropShadowOrderLocked(clientID)
	}
	d.mu.Unlock()

	if !ok {
		return
	}

	d.logger.Warn("no confirmation within window, expiring optimistic copy", "clientId", clientID)
	d.emit(Event{Kind: EventUncertain, Message: sh.msg, ClientID: clientID})
}

// Restore re-queues crash leftovers and republishes gauges. Call once
// at startup, before any new sends.
func (d *Dispatcher) Restore() error {
	for _, msgType := range []string{protocol.TypeDirectMessage, protocol.TypeChannelMessage} {
		backups, err := d.store.Backups(msgType)
		if err != nil {
			return err
		}

		for _, b := range backups {
			d.logger.Info("recovering interrupted send", "clientId", b.ClientID, "type", b.Type)

			if err := d.store.AppendQueued(b); err != nil {
				return err
			}

			if err := d.store.DeleteBackup(b.Type, b.ClientID); err != nil {
				return err
			}
		}
	}

	d.updateQueueGauge()

	return nil
}

// Run processes inbound frames and connection state changes until the
// context is cancelled. Queue drains happen here, so transmission order
// is never interleaved with routing.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.health.OnChange(func(down bool) {
		if !down {
			d.requestDrain()
		}
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-d.tr.Inbound():
			d.handleFrame(env)
		case change := <-d.tr.StateChanges():
			if change.New == conn.StateConnected && !d.health.BackendDown() {
				d.drain()
			}
		case <-d.wake:
			if !d.health.BackendDown() {
				d.drain()
			}
		}
	}
}

func (d *Dispatcher) handleFrame(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeNewDirectMessage, protocol.TypeDirectMessageSent, protocol.TypeNewChannelMessage:
		var frame protocol.MessageFrame
		if err := env.Decode(&frame); err != nil {
			d.logger.Warn("discarding malformed message frame", "error", err, "type", env.Type)
			return
		}

		d.recordConfirmed(frame.Message, env.Type)

	case protocol.TypeMessageEdited:
		var frame protocol.MessageFrame
		if err := env.Decode(&frame); err != nil {
			d.logger.Warn("discarding malformed edit frame", "error", err)
			return
		}

		d.applyEdit(frame.Message)

	case protocol.TypeDatabaseStatus:
		var frame protocol.DatabaseStatusFrame
		if err := env.Decode(&frame); err != nil {
			d.logger.Warn("discarding malformed status frame", "error", err)
			return
		}

		d.health.SetBackendDown(!frame.Connected)

	case protocol.TypeError:
		var frame protocol.ErrorFrame
		if err := env.Decode(&frame); err == nil {
			d.logger.Warn("server error frame", "code", frame.Code, "message", frame.Message)
		}

	default:
		d.logger.Debug("unhandled frame type", "type", env.Type)
	}
}

// recordConfirmed stores a server-confirmed message and retires any
// optimistic copy, queue entry, and backup it supersedes.
func (d *Dispatcher) recordConfirmed(msg protocol.Message, frameType string) {
	d.mu.Lock()
	d.confirmed = append(d.confirmed, msg)
	matched := d.retireShadowLocked(msg)
	d.mu.Unlock()

	switch {
	case msg.ClientID != "":
		if err := d.store.RemoveQueuedByClientID(msg.ClientID); err != nil {
			d.logger.Warn("removing confirmed message from queue", "error", err, "clientId", msg.ClientID)
		}

		if err := d.store.DeleteBackup(outboundType(frameType), msg.ClientID); err != nil {
			d.logger.Warn("removing confirmed message backup", "error", err, "clientId", msg.ClientID)
		}

	case msg.SenderID == d.selfID:
		// Confirmation lost the clientId echo. Content+sender is the
		// fallback match, same as for the optimistic copies; without it
		// the next drain would retransmit a delivered message.
		if err := d.store.RemoveQueuedByContent(msg.Content); err != nil {
			d.logger.Warn("removing confirmed message from queue", "error", err)
		}
	}

	n := d.updateQueueGauge()

	kind := EventIncoming
	if matched || msg.SenderID == d.selfID {
		kind = EventConfirmed
	}

	d.emit(Event{Kind: kind, Message: msg, ClientID: msg.ClientID, QueueLen: n})
}

// retireShadowLocked drops the optimistic copy a confirmation
// supersedes. Match by clientId first, then by content and sender for
// confirmations that lost the echo.
func (d *Dispatcher) retireShadowLocked(msg protocol.Message) bool {
	id := msg.ClientID

	if id == "" || d.shadows[id] == nil {
		id = ""

		for _, cid := range d.shadowOrder {
			sh, ok := d.shadows[cid]
			if !ok {
				continue
			}

			if msg.SenderID == d.selfID && sh.msg.Content == msg.Content {
				id = cid
				break
			}
		}
	}

	if id == "" {
		return false
	}

	sh, ok := d.shadows[id]
	if !ok {
		return false
	}

	sh.timer.Stop()
	delete(d.shadows, id)
	d.dropShadowOrderLocked(id)

	return true
}

func (d *Dispatcher) dropShadowOrderLocked(clientID string) {
	for i, cid := range d.shadowOrder {
		if cid == clientID {
			d.shadowOrder = append(d.shadowOrder[:i], d.shadowOrder[i+1:]...)
			return
		}
	}
}

// applyEdit updates the confirmed copy in place and forwards the edit
// to the pending-edit manager.
func (d *Dispatcher) applyEdit(msg protocol.Message) {
	d.mu.Lock()
	for i := range d.confirmed {
		if d.confirmed[i].ID == msg.ID {
			d.confirmed[i].Content = msg.Content
			d.confirmed[i].EditedAt = msg.EditedAt
			break
		}
	}
	d.mu.Unlock()

	if d.edits != nil {
		d.edits.HandleEdited(msg)
	}

	d.emit(Event{Kind: EventEdited, Message: msg})
}

// drain snapshots the queue, clears it, and retransmits in FIFO order.
// Failures are re-appended at the tail and a backoff retry is armed.
func (d *Dispatcher) drain() {
	msgs, err := d.store.DrainSnapshot()
	if err != nil {
		d.logger.Error("reading queue snapshot", "error", err)
		return
	}

	if err := d.store.SetLastDrainAttempt(time.Now()); err != nil {
		d.logger.Warn("recording drain attempt", "error", err)
	}

	if len(msgs) == 0 {
		d.updateQueueGauge()
		return
	}

	d.logger.Info("draining offline queue", "count", len(msgs))

	failed := 0

	for _, m := range msgs {
		if d.tr.Send(m.Payload) {
			continue
		}

		m.Attempts++
		m.LastAttempt = time.Now().UnixMilli()

		if err := d.store.AppendQueued(m); err != nil {
			d.logger.Error("re-queueing failed message", "error", err, "clientId", m.ClientID)
		}

		metrics.DrainFailuresTotal.Inc()
		failed++
	}

	n := d.updateQueueGauge()
	d.emit(Event{Kind: EventDrained, QueueLen: n})

	if failed > 0 {
		d.logger.Warn("drain left messages queued", "failed", failed)
		d.scheduleRedrain()
		return
	}

	d.mu.Lock()
	d.drainAttempts = 0
	d.mu.Unlock()
}

func (d *Dispatcher) scheduleRedrain() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.drainTimer != nil {
		return
	}

	d.drainAttempts++
	delay := d.policy.Delay(d.drainAttempts)

	d.drainTimer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.drainTimer = nil
		d.mu.Unlock()

		d.requestDrain()
	})
}

// requestDrain nudges the run loop; safe from any goroutine.
func (d *Dispatcher) requestDrain() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// ForceSync triggers an immediate drain attempt, for a manual "sync
// now" action. The attempt timestamp is readable via LastSync.
func (d *Dispatcher) ForceSync() {
	d.requestDrain()
}

// LastSync returns when a drain was last attempted.
func (d *Dispatcher) LastSync() time.Time {
	return d.store.LastDrainAttempt()
}

// Visible returns the merged view of server-confirmed messages and
// still-unconfirmed optimistic copies, ordered by creation time. Every
// message appears exactly once: a confirmation replaces its optimistic
// counterpart rather than joining it.
func (d *Dispatcher) Visible() []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]protocol.Message, 0, len(d.confirmed)+len(d.shadows))
	out = append(out, d.confirmed...)

	for _, cid := range d.shadowOrder {
		if sh, ok := d.shadows[cid]; ok {
			out = append(out, sh.msg)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})

	return out
}

func (d *Dispatcher) updateQueueGauge() int {
	n, err := d.store.QueueLen()
	if err != nil {
		d.logger.Warn("reading queue length", "error", err)
		return 0
	}

	metrics.OfflineQueueDepth.Set(float64(n))

	return n
}

// emit delivers an event without ever blocking the run loop.
func (d *Dispatcher) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Debug("dropping event, consumer behind", "kind", ev.Kind)
	}
}

// outboundType maps a confirmation frame type to the outbound type its
// backup was stored under.
func outboundType(frameType string) string {
	if frameType == protocol.TypeNewChannelMessage {
		return protocol.TypeChannelMessage
	}

	return protocol.TypeDirectMessage
}
