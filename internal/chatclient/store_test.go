package chatclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resideease/chat/internal/model"
)

func pendingMsg(tempID, room, sender, body string) model.Message {
	return model.Message{
		TempID:     tempID,
		RoomID:     room,
		SenderID:   sender,
		SenderName: sender,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
		Status:     model.MessageStatusPending,
	}
}

func confirmedMsg(serverID, tempID, room, sender, body string) model.Message {
	return model.Message{
		ServerID:   serverID,
		TempID:     tempID,
		RoomID:     room,
		SenderID:   sender,
		SenderName: sender,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
		Status:     model.MessageStatusSent,
	}
}

func TestStoreConfirmReplacesPendingInPlace(t *testing.T) {
	s := NewStore()
	s.Append(pendingMsg("t1", "r1", "alice", "Hi"))
	s.Append(confirmedMsg("1", "t1", "r1", "alice", "Hi"))

	msgs := s.Ordered("r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].ServerID)
	assert.Equal(t, model.MessageStatusSent, msgs[0].Status)
}

func TestStoreDuplicateReceiveIsIdempotent(t *testing.T) {
	s := NewStore()
	m := confirmedMsg("7", "", "r1", "bob", "hello")
	s.Append(m)
	s.Append(m)
	s.Append(m)

	assert.Len(t, s.Ordered("r1"), 1)
}

func TestStoreMergeUpdatesReadByAndStatus(t *testing.T) {
	s := NewStore()
	s.Append(confirmedMsg("7", "", "r1", "bob", "hello"))

	dup := confirmedMsg("7", "", "r1", "bob", "hello")
	dup.Status = model.MessageStatusRead
	dup.ReadBy = []string{"alice"}
	s.Append(dup)

	got, ok := s.ByServer("7")
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusRead, got.Status)
	assert.Equal(t, []string{"alice"}, got.ReadBy)

	// A stale duplicate must never regress the status.
	stale := confirmedMsg("7", "", "r1", "bob", "hello")
	stale.Status = model.MessageStatusSent
	s.Append(stale)
	got, _ = s.ByServer("7")
	assert.Equal(t, model.MessageStatusRead, got.Status)
}

func TestStoreOrderingConfirmedBeforePendingTail(t *testing.T) {
	s := NewStore()
	s.Append(pendingMsg("t1", "r1", "alice", "pending one"))
	s.Append(confirmedMsg("10", "", "r1", "bob", "second"))
	s.Append(confirmedMsg("2", "", "r1", "bob", "first"))
	s.Append(pendingMsg("t2", "r1", "alice", "pending two"))

	msgs := s.Ordered("r1")
	require.Len(t, msgs, 4)
	assert.Equal(t, "2", msgs[0].ServerID)  // numeric, not lexical
	assert.Equal(t, "10", msgs[1].ServerID)
	assert.Equal(t, "t1", msgs[2].TempID)
	assert.Equal(t, "t2", msgs[3].TempID)
}

func TestStoreReplaceHistoryKeepsPendingTail(t *testing.T) {
	s := NewStore()
	s.Append(pendingMsg("t1", "r1", "alice", "in flight"))
	s.Append(confirmedMsg("3", "", "r1", "bob", "old live"))

	s.ReplaceHistory("r1", []model.Message{
		confirmedMsg("1", "", "r1", "bob", "one"),
		confirmedMsg("2", "", "r1", "bob", "two"),
		confirmedMsg("3", "", "r1", "bob", "old live"),
	})

	msgs := s.Ordered("r1")
	require.Len(t, msgs, 4)
	assert.Equal(t, "1", msgs[0].ServerID)
	assert.Equal(t, "3", msgs[2].ServerID)
	assert.Equal(t, "t1", msgs[3].TempID)
}

func TestStoreBindServerID(t *testing.T) {
	s := NewStore()
	s.Append(pendingMsg("t1", "r1", "alice", "Hi"))

	require.True(t, s.BindServerID("t1", "42"))
	got, ok := s.ByServer("42")
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusSent, got.Status)

	// Binding again after confirmation is a no-op.
	assert.False(t, s.BindServerID("t1", "42"))
	assert.Len(t, s.Ordered("r1"), 1)
}

func TestStoreBindAfterEchoDropsOptimisticDuplicate(t *testing.T) {
	// The relay echo can confirm the message before the delivered ack
	// arrives; the late ack must not leave two copies behind.
	s := NewStore()
	s.Append(pendingMsg("t1", "r1", "alice", "Hi"))
	s.Append(confirmedMsg("5", "t1", "r1", "alice", "Hi"))
	s.Append(pendingMsg("t1", "r1", "alice", "Hi")) // stray re-insert after confirmation

	s.BindServerID("t1", "5")
	assert.Len(t, s.Ordered("r1"), 1)
}

func TestStoreApplyRead(t *testing.T) {
	s := NewStore()
	s.Append(confirmedMsg("1", "", "r1", "alice", "Hi"))

	// Reader is the other party, local user is the sender: status -> read.
	require.True(t, s.ApplyRead("1", "bob", "alice"))
	got, _ := s.ByServer("1")
	assert.Equal(t, model.MessageStatusRead, got.Status)
	assert.True(t, got.HasReader("bob"))

	// Second identical ack changes nothing.
	assert.False(t, s.ApplyRead("1", "bob", "alice"))
}

func TestStoreApplyReadForeignMessageKeepsStatus(t *testing.T) {
	s := NewStore()
	s.Append(confirmedMsg("1", "", "r1", "bob", "Hi"))

	s.ApplyRead("1", "carol", "alice")
	got, _ := s.ByServer("1")
	assert.Equal(t, model.MessageStatusSent, got.Status)
	assert.True(t, got.HasReader("carol"))
}

func TestStoreFailAndRetryPending(t *testing.T) {
	s := NewStore()
	s.Append(pendingMsg("t1", "r1", "alice", "Hi"))

	require.True(t, s.FailPending("t1"))
	got, _ := s.ByTemp("t1")
	assert.Equal(t, model.MessageStatusFailed, got.Status)

	// Failed is terminal: no forward transitions.
	assert.False(t, s.FailPending("t1"))

	m, ok := s.RetryPending("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", m.TempID)
	assert.Equal(t, model.MessageStatusPending, m.Status)
}
