// Package editsync keeps local message edits converging onto the
// server. Edits that cannot be transmitted are persisted and retried
// with exponential backoff; a newer edit to the same message always
// supersedes the older pending one.
package editsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	relayerrors "github.com/teamdesk/relay/internal/errors"
	"github.com/teamdesk/relay/internal/metrics"
	"github.com/teamdesk/relay/internal/protocol"
	"github.com/teamdesk/relay/internal/retry"
	"github.com/teamdesk/relay/internal/store"
)

// sender is the transmission slice of the connection manager.
type sender interface {
	Send(frame any) bool
}

// Manager owns pending edits and their retry chains.
type Manager struct {
	tr     sender
	store  *store.Store
	logger *slog.Logger
	policy retry.Policy

	mu    sync.Mutex
	ctx   context.Context
	cache map[int64]string // latest submitted content per message, this session
}

// NewManager creates an edit-sync manager.
func NewManager(tr sender, st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		tr:     tr,
		store:  st,
		logger: logger,
		policy: retry.EditSync,
		cache:  make(map[int64]string),
	}
}

// Start resumes retry chains for edits persisted by a previous run.
// The context bounds every chain this manager spawns.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	edits, err := m.store.AllPendingEdits()
	if err != nil {
		return fmt.Errorf("loading pending edits: %w", err)
	}

	for _, e := range edits {
		if m.policy.Exhausted(e.Attempts) {
			// Out of attempts in a prior run. Kept on disk so the edit
			// still surfaces as unsynced, but no chain is restarted.
			m.logger.Warn("pending edit remains unsynced", "messageId", e.MessageID, "attempts", e.Attempts)
			continue
		}

		m.logger.Info("resuming edit retry chain", "messageId", e.MessageID, "attempts", e.Attempts)
		go m.retryLoop(ctx, e.MessageID, e.Timestamp)
	}

	m.updateGauge()

	return nil
}

// SubmitEdit records an edit and attempts to transmit it. A failed
// transmission is not an error: the edit is persisted and a background
// retry chain takes over. Any older pending edit for the same message
// is superseded.
func (m *Manager) SubmitEdit(messageID int64, content string) error {
	ts := time.Now().UnixMilli()

	edit := store.PendingEdit{
		MessageID: messageID,
		Content:   content,
		Timestamp: ts,
	}

	if err := m.store.PutPendingEdit(edit); err != nil {
		return fmt.Errorf("persisting edit: %w", err)
	}

	m.mu.Lock()
	m.cache[messageID] = content
	ctx := m.ctx
	m.mu.Unlock()

	m.updateGauge()

	if m.tr.Send(protocol.NewEditMessage(messageID, content, time.UnixMilli(ts))) {
		m.clear(messageID)
		return nil
	}

	m.logger.Info("edit deferred, starting retry chain", "messageId", messageID)

	if ctx == nil {
		ctx = context.Background()
	}

	go m.retryLoop(ctx, messageID, ts)

	return nil
}

// retryLoop drives one edit's backoff chain. The timestamp is the
// chain's claim on the pending entry: if the stored edit no longer
// carries it, a newer submission took over and this chain dies.
func (m *Manager) retryLoop(ctx context.Context, messageID, ts int64) {
	for {
		e, err := m.store.GetPendingEdit(messageID)
		if err != nil {
			m.logger.Error("reading pending edit", "error", err, "messageId", messageID)
			return
		}

		if e == nil {
			return
		}

		if e.Timestamp != ts {
			m.logger.Debug("retry chain stopped", "messageId", messageID, "error", relayerrors.ErrEditSuperseded)
			return
		}

		if m.policy.Exhausted(e.Attempts) {
			// The edit stays persisted and visible as unsynced; giving
			// up on retries must not discard the user's change.
			m.logger.Warn("edit retries exhausted, edit remains unsynced", "messageId", messageID, "attempts", e.Attempts)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.policy.Delay(e.Attempts + 1)):
		}

		// The claim check runs inside the store transaction: a supersede
		// that lands during the backoff sleep must not have its fresh
		// edit charged an attempt by this dying chain.
		updated, err := m.store.IncrementEditAttempts(messageID, ts)
		if err != nil {
			m.logger.Error("updating edit attempts", "error", err, "messageId", messageID)
			return
		}

		if updated == nil {
			return
		}

		metrics.EditRetriesTotal.Inc()

		if m.tr.Send(protocol.NewEditMessage(messageID, updated.Content, time.UnixMilli(ts))) {
			m.logger.Info("deferred edit synced", "messageId", messageID, "attempts", updated.Attempts)
			m.clear(messageID)

			return
		}

		m.logger.Debug("edit retry failed", "messageId", messageID, "attempt", updated.Attempts)
	}
}

// Flush retries one pending edit immediately, for a manual "retry now"
// action. Unlike SubmitEdit it reports failure to the caller.
func (m *Manager) Flush(messageID int64) error {
	e, err := m.store.GetPendingEdit(messageID)
	if err != nil {
		return fmt.Errorf("reading pending edit: %w", err)
	}

	if e == nil {
		return relayerrors.ErrEditNotFound
	}

	if m.policy.Exhausted(e.Attempts) {
		return relayerrors.ErrRetriesExhausted
	}

	if !m.tr.Send(protocol.NewEditMessage(e.MessageID, e.Content, time.UnixMilli(e.Timestamp))) {
		return relayerrors.Transient(relayerrors.ErrBackendUnavailable)
	}

	m.clear(messageID)

	return nil
}

// HandleEdited reconciles a server-side edit notification. A pending
// local edit with the same content has been acknowledged and can be
// dropped; differing content means our edit is still in flight and the
// chain keeps running.
func (m *Manager) HandleEdited(msg protocol.Message) {
	e, err := m.store.GetPendingEdit(msg.ID)
	if err != nil {
		m.logger.Warn("reading pending edit", "error", err, "messageId", msg.ID)
		return
	}

	if e == nil || e.Content != msg.Content {
		return
	}

	m.logger.Info("pending edit confirmed by server", "messageId", msg.ID)
	m.clear(msg.ID)
}

// Unsynced returns every edit still awaiting server sync.
func (m *Manager) Unsynced() ([]store.PendingEdit, error) {
	return m.store.AllPendingEdits()
}

// LocalContent returns the most recent content submitted for a message
// in this session, for rendering ahead of server sync.
func (m *Manager) LocalContent(messageID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, ok := m.cache[messageID]

	return content, ok
}

// clear drops a synced edit's persistent entry and session cache.
func (m *Manager) clear(messageID int64) {
	if err := m.store.DeletePendingEdit(messageID); err != nil {
		m.logger.Warn("deleting pending edit", "error", err, "messageId", messageID)
	}

	m.mu.Lock()
	delete(m.cache, messageID)
	m.mu.Unlock()

	m.updateGauge()
}

func (m *Manager) updateGauge() {
	edits, err := m.store.AllPendingEdits()
	if err != nil {
		return
	}

	metrics.PendingEdits.Set(float64(len(edits)))
}
