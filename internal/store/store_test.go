package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queued(clientID string) QueuedMessage {
	return QueuedMessage{
		ClientID:   clientID,
		Type:       "direct_message",
		Payload:    json.RawMessage(`{"receiverId":7,"content":"hi"}`),
		EnqueuedAt: time.Now().UnixMilli(),
	}
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.AppendQueued(queued("c1")))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	msgs, err := s2.QueuedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ClientID)
}

// --- Queue ---

func TestQueuedMessages_EmptyByDefault(t *testing.T) {
	s := testStore(t)

	msgs, err := s.QueuedMessages()
	require.NoError(t, err)
	assert.Empty(t, msgs)

	n, err := s.QueueLen()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendQueued_FIFOOrder(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.AppendQueued(queued(fmt.Sprintf("c%02d", i))))
	}

	msgs, err := s.QueuedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 20)

	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("c%02d", i), m.ClientID, "queue must preserve enqueue order")
	}
}

func TestDrainSnapshot_ReturnsAllAndDeletesRecord(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.AppendQueued(queued("a")))
	require.NoError(t, s.AppendQueued(queued("b")))

	snap, err := s.DrainSnapshot()
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ClientID)
	assert.Equal(t, "b", snap[1].ClientID)

	// The live queue is now empty.
	msgs, err := s.QueuedMessages()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDrainSnapshot_EmptyQueueIsNoOp(t *testing.T) {
	s := testStore(t)

	snap, err := s.DrainSnapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)

	// Second drain in immediate succession is also a no-op.
	snap, err = s.DrainSnapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestAppendQueued_AfterDrainRestartsSequence(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.AppendQueued(queued("old")))

	_, err := s.DrainSnapshot()
	require.NoError(t, err)

	// Re-appending a failed entry after a drain must still work and
	// preserve order for subsequent appends.
	require.NoError(t, s.AppendQueued(queued("retry")))
	require.NoError(t, s.AppendQueued(queued("new")))

	msgs, err := s.QueuedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "retry", msgs[0].ClientID)
	assert.Equal(t, "new", msgs[1].ClientID)
}

func TestRemoveQueuedByClientID(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.AppendQueued(queued("keep1")))
	require.NoError(t, s.AppendQueued(queued("drop")))
	require.NoError(t, s.AppendQueued(queued("keep2")))

	require.NoError(t, s.RemoveQueuedByClientID("drop"))

	msgs, err := s.QueuedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "keep1", msgs[0].ClientID)
	assert.Equal(t, "keep2", msgs[1].ClientID)

	// Unknown id is a no-op.
	require.NoError(t, s.RemoveQueuedByClientID("ghost"))
}

func TestRemoveQueuedByContent(t *testing.T) {
	s := testStore(t)

	withContent := func(clientID, content string) QueuedMessage {
		m := queued(clientID)
		m.Payload = json.RawMessage(fmt.Sprintf(`{"receiverId":7,"content":%q}`, content))
		return m
	}

	require.NoError(t, s.AppendQueued(withContent("c1", "hello")))
	require.NoError(t, s.AppendQueued(withContent("c2", "hello")))
	require.NoError(t, s.AppendQueued(withContent("c3", "other")))

	// Only the oldest entry with matching content goes.
	require.NoError(t, s.RemoveQueuedByContent("hello"))

	msgs, err := s.QueuedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c2", msgs[0].ClientID)
	assert.Equal(t, "c3", msgs[1].ClientID)

	// Unknown content is a no-op.
	require.NoError(t, s.RemoveQueuedByContent("never queued"))

	n, err := s.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// --- Backups ---

func TestSaveBackup_RoundTripPerType(t *testing.T) {
	s := testStore(t)

	dm := queued("c1")
	cm := queued("c2")
	cm.Type = "channel_message"

	require.NoError(t, s.SaveBackup(dm))
	require.NoError(t, s.SaveBackup(cm))

	direct, err := s.Backups("direct_message")
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, "c1", direct[0].ClientID)

	channel, err := s.Backups("channel_message")
	require.NoError(t, err)
	require.Len(t, channel, 1)
	assert.Equal(t, "c2", channel[0].ClientID)
}

func TestDeleteBackup(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.SaveBackup(queued("c1")))
	require.NoError(t, s.DeleteBackup("direct_message", "c1"))

	backups, err := s.Backups("direct_message")
	require.NoError(t, err)
	assert.Empty(t, backups)

	// Deleting from a type with no backups is a no-op.
	require.NoError(t, s.DeleteBackup("channel_message", "c1"))
}

// --- Pending edits ---

func TestPutPendingEdit_SupersedesNotAppends(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.PutPendingEdit(PendingEdit{MessageID: 5, Content: "first", Timestamp: 100}))
	require.NoError(t, s.PutPendingEdit(PendingEdit{MessageID: 5, Content: "second", Timestamp: 200}))

	all, err := s.AllPendingEdits()
	require.NoError(t, err)
	require.Len(t, all, 1, "a newer edit must supersede, never duplicate")
	assert.Equal(t, "second", all[0].Content)
	assert.Equal(t, int64(200), all[0].Timestamp)
}

func TestGetPendingEdit_NilWhenAbsent(t *testing.T) {
	s := testStore(t)

	e, err := s.GetPendingEdit(99)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestDeletePendingEdit(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.PutPendingEdit(PendingEdit{MessageID: 5, Content: "x", Timestamp: 1}))
	require.NoError(t, s.DeletePendingEdit(5))

	e, err := s.GetPendingEdit(5)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestIncrementEditAttempts_Monotonic(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.PutPendingEdit(PendingEdit{MessageID: 5, Content: "x", Timestamp: 1}))

	for want := 1; want <= 3; want++ {
		e, err := s.IncrementEditAttempts(5, 1)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, want, e.Attempts)
	}
}

func TestIncrementEditAttempts_NilWhenGone(t *testing.T) {
	s := testStore(t)

	e, err := s.IncrementEditAttempts(42, 1)
	require.NoError(t, err)
	assert.Nil(t, e, "incrementing a synced/superseded edit must report it gone")
}

func TestIncrementEditAttempts_StaleClaimLeavesCounterAlone(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.PutPendingEdit(PendingEdit{MessageID: 5, Content: "old", Timestamp: 100}))
	require.NoError(t, s.PutPendingEdit(PendingEdit{MessageID: 5, Content: "new", Timestamp: 200}))

	// A retry chain still holding the superseded timestamp must not
	// charge an attempt to the edit that replaced it.
	e, err := s.IncrementEditAttempts(5, 100)
	require.NoError(t, err)
	assert.Nil(t, e)

	stored, err := s.GetPendingEdit(5)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Zero(t, stored.Attempts)
}

func TestAllPendingEdits_SurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.PutPendingEdit(PendingEdit{MessageID: 7, Content: "draft", Timestamp: 10, Attempts: 4}))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	all, err := s2.AllPendingEdits()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 4, all[0].Attempts)
	assert.Equal(t, "draft", all[0].Content)
}

// --- Drain metadata ---

func TestLastDrainAttempt_RoundTrip(t *testing.T) {
	s := testStore(t)
	assert.True(t, s.LastDrainAttempt().IsZero())

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.SetLastDrainAttempt(now))
	assert.Equal(t, now.UnixMilli(), s.LastDrainAttempt().UnixMilli())
}
