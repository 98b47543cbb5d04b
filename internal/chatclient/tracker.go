package chatclient

import (
	"sync"
	"time"

	"github.com/resideease/chat/internal/logger"
	"github.com/resideease/chat/internal/model"
)

const defaultAckTimeout = 10 * time.Second

// Tracker drives the per-message delivery lifecycle
// pending -> sent -> delivered -> read, with pending -> failed as the only
// exception. Transitions observed by the client are monotonic: they may be
// coalesced (read implies delivered) but never rolled back. The canonical
// status lives in the Store; the Tracker owns the ack timers and the
// tempId/serverId binding.
type Tracker struct {
	store      *Store
	ackTimeout time.Duration
	localUser  string

	mu      sync.Mutex
	pending map[string]*time.Timer // by tempId, armed until the sent ack

	// OnFailed, when set, is invoked off the caller's lock whenever a send
	// fails (timeout or explicit). The view uses it to surface the retry
	// affordance in place.
	OnFailed func(tempID string, reason error)
}

func NewTracker(store *Store, localUser string, ackTimeout time.Duration) *Tracker {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Tracker{
		store:      store,
		ackTimeout: ackTimeout,
		localUser:  localUser,
		pending:    make(map[string]*time.Timer),
	}
}

// MarkPending arms the ack timer for a fresh optimistic send. If no sent ack
// arrives within the bound the message is failed with ErrDeliveryTimeout.
func (t *Tracker) MarkPending(tempID string) {
	t.mu.Lock()
	if timer, ok := t.pending[tempID]; ok {
		timer.Stop()
	}
	t.pending[tempID] = time.AfterFunc(t.ackTimeout, func() {
		t.timeout(tempID)
	})
	t.mu.Unlock()
}

// MarkSent binds the client tempId to the server-assigned id and advances the
// message to sent. Idempotent: a second ack for the same tempId is a no-op.
func (t *Tracker) MarkSent(tempID, serverID string) {
	t.disarm(tempID)
	// BindServerID is a no-op when the relay echo confirmed the entry first.
	t.store.BindServerID(tempID, serverID)
}

// MarkDelivered advances a confirmed message to delivered.
func (t *Tracker) MarkDelivered(serverID string) {
	t.store.AdvanceStatus(serverID, model.MessageStatusDelivered)
}

// MarkRead records a reader acknowledgment; when the local user sent the
// message and the reader is the other party, the status becomes read.
func (t *Tracker) MarkRead(serverID, readerID string) {
	t.store.ApplyRead(serverID, readerID, t.localUser)
}

// MarkFailed fails a still-pending send. Failed is terminal but
// user-retriable via Retry.
func (t *Tracker) MarkFailed(tempID string, reason error) {
	t.disarm(tempID)
	if !t.store.FailPending(tempID) {
		return
	}
	logger.Errorf("send failed tempId=%s: %v", tempID, reason)
	if t.OnFailed != nil {
		t.OnFailed(tempID, reason)
	}
}

// Retry re-arms a failed send under the same tempId and returns the message
// payload for re-emission. The failed entry is discarded in place.
func (t *Tracker) Retry(tempID string) (model.Message, bool) {
	m, ok := t.store.RetryPending(tempID)
	if !ok {
		return model.Message{}, false
	}
	t.MarkPending(tempID)
	return m, true
}

// Stop cancels all outstanding ack timers (application teardown).
func (t *Tracker) Stop() {
	t.mu.Lock()
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

func (t *Tracker) disarm(tempID string) {
	t.mu.Lock()
	if timer, ok := t.pending[tempID]; ok {
		timer.Stop()
		delete(t.pending, tempID)
	}
	t.mu.Unlock()
}

func (t *Tracker) timeout(tempID string) {
	t.mu.Lock()
	_, armed := t.pending[tempID]
	delete(t.pending, tempID)
	t.mu.Unlock()
	if !armed {
		return
	}
	if t.store.FailPending(tempID) {
		logger.Errorf("send failed tempId=%s: %v", tempID, ErrDeliveryTimeout)
		if t.OnFailed != nil {
			t.OnFailed(tempID, ErrDeliveryTimeout)
		}
	}
}
