package chatclient

import (
	"sort"
	"strconv"
	"sync"

	"github.com/resideease/chat/internal/model"
)

// entry is one logical message plus its client insertion order, which keeps
// a not-yet-confirmed tail stable behind the server-ordered prefix.
type entry struct {
	msg       model.Message
	clientSeq uint64
}

// Store is the per-room ordered message log and the single source of truth
// for rendering. It merges a one-shot REST history fetch with live relay
// events; every mutation is idempotent and order-insensitive, keyed by
// serverId/tempId rather than arrival order.
type Store struct {
	mu       sync.Mutex
	rooms    map[string][]*entry
	byServer map[string]*entry // global: no two entries share a non-empty serverId
	byTemp   map[string]*entry // unconfirmed entries only
	nextSeq  uint64
}

func NewStore() *Store {
	return &Store{
		rooms:    make(map[string][]*entry),
		byServer: make(map[string]*entry),
		byTemp:   make(map[string]*entry),
	}
}

// ReplaceHistory installs the result of a history fetch for one room,
// replacing whatever was loaded before. Unconfirmed pending entries are kept:
// an in-flight optimistic send must not be wiped by a concurrent fetch.
func (s *Store) ReplaceHistory(roomID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*entry
	for _, e := range s.rooms[roomID] {
		if e.msg.Confirmed() {
			delete(s.byServer, e.msg.ServerID)
			continue
		}
		kept = append(kept, e)
	}

	entries := make([]*entry, 0, len(msgs)+len(kept))
	for _, m := range msgs {
		if !m.Confirmed() {
			continue
		}
		if m.Status == "" {
			m.Status = model.MessageStatusSent
		}
		if prev, ok := s.byServer[m.ServerID]; ok {
			// History overlaps a live-delivered message; merge, don't duplicate.
			mergeConfirmed(&prev.msg, m)
			continue
		}
		e := &entry{msg: m, clientSeq: s.seq()}
		s.byServer[m.ServerID] = e
		entries = append(entries, e)
	}
	s.rooms[roomID] = append(entries, kept...)
}

// Append inserts or merges one message. If the serverId already exists the
// fields are merged in place; if the tempId matches a local unconfirmed entry
// that entry is confirmed in place, preserving its position. Applying the
// same event twice yields the same state as applying it once.
func (s *Store) Append(m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Confirmed() {
		if e, ok := s.byServer[m.ServerID]; ok {
			mergeConfirmed(&e.msg, m)
			return
		}
		if m.TempID != "" {
			if e, ok := s.byTemp[m.TempID]; ok {
				s.confirm(e, m)
				return
			}
		}
		if m.Status == "" {
			m.Status = model.MessageStatusSent
		}
		e := &entry{msg: m, clientSeq: s.seq()}
		s.byServer[m.ServerID] = e
		s.rooms[m.RoomID] = append(s.rooms[m.RoomID], e)
		return
	}

	// Optimistic insert: one unconfirmed entry per tempId.
	if _, ok := s.byTemp[m.TempID]; ok {
		return
	}
	if m.Status == "" {
		m.Status = model.MessageStatusPending
	}
	e := &entry{msg: m, clientSeq: s.seq()}
	s.byTemp[m.TempID] = e
	s.rooms[m.RoomID] = append(s.rooms[m.RoomID], e)
}

// confirm upgrades an optimistic entry in place with the authoritative copy.
func (s *Store) confirm(e *entry, m model.Message) {
	delete(s.byTemp, e.msg.TempID)
	status := e.msg.Status
	readBy := e.msg.ReadBy
	e.msg = m
	e.msg.Status = status
	e.msg.ReadBy = readBy
	if status.CanAdvanceTo(model.MessageStatusSent) {
		e.msg.Status = model.MessageStatusSent
	}
	s.byServer[m.ServerID] = e
}

// mergeConfirmed folds a duplicate inbound copy into the canonical entry:
// readBy union, monotonic status, server-authoritative timestamp.
func mergeConfirmed(dst *model.Message, src model.Message) {
	for _, r := range src.ReadBy {
		dst.AddReader(r)
	}
	if src.Status != "" && dst.Status.CanAdvanceTo(src.Status) && src.Status.Rank() > dst.Status.Rank() {
		dst.Status = src.Status
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if dst.TempID == "" && src.TempID != "" {
		dst.TempID = src.TempID
	}
}

// BindServerID confirms a pending entry with its assigned serverId without a
// full message copy (used for the message_delivered ack path). Returns false
// when the tempId is unknown, e.g. already confirmed by the relay echo.
func (s *Store) BindServerID(tempID, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTemp[tempID]
	if !ok {
		return false
	}
	if prev, exists := s.byServer[serverID]; exists && prev != e {
		// The relay echo created/confirmed the entry already; drop the
		// optimistic duplicate in favour of the canonical one.
		s.removeEntry(e)
		mergeConfirmed(&prev.msg, e.msg)
		return true
	}
	delete(s.byTemp, tempID)
	e.msg.ServerID = serverID
	if e.msg.Status.CanAdvanceTo(model.MessageStatusSent) {
		e.msg.Status = model.MessageStatusSent
	}
	s.byServer[serverID] = e
	return true
}

// AdvanceStatus moves a confirmed message forward on the status ladder.
// Regressions are ignored; transitions may be coalesced but never rolled back.
func (s *Store) AdvanceStatus(serverID string, status model.MessageStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byServer[serverID]
	if !ok {
		return false
	}
	if !e.msg.Status.CanAdvanceTo(status) || status.Rank() <= e.msg.Status.Rank() {
		return false
	}
	e.msg.Status = status
	return true
}

// ApplyRead records a read acknowledgment. The message's own status advances
// to read only when the local user is the sender and somebody else read it.
func (s *Store) ApplyRead(serverID, readerID, localUserID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byServer[serverID]
	if !ok {
		return false
	}
	changed := e.msg.AddReader(readerID)
	if e.msg.SenderID == localUserID && readerID != localUserID {
		if e.msg.Status.CanAdvanceTo(model.MessageStatusRead) && model.MessageStatusRead.Rank() > e.msg.Status.Rank() {
			e.msg.Status = model.MessageStatusRead
			changed = true
		}
	}
	return changed
}

// FailPending marks an unconfirmed send as failed (terminal, user-retriable).
func (s *Store) FailPending(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTemp[tempID]
	if !ok {
		return false
	}
	if !e.msg.Status.CanAdvanceTo(model.MessageStatusFailed) {
		return false
	}
	e.msg.Status = model.MessageStatusFailed
	return true
}

// RetryPending turns a failed entry back into a fresh pending send with the
// same tempId, discarding the failed state.
func (s *Store) RetryPending(tempID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTemp[tempID]
	if !ok || e.msg.Status != model.MessageStatusFailed {
		return model.Message{}, false
	}
	e.msg.Status = model.MessageStatusPending
	return e.msg, true
}

// ByTemp returns the unconfirmed entry for a tempId.
func (s *Store) ByTemp(tempID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTemp[tempID]
	if !ok {
		return model.Message{}, false
	}
	return e.msg, true
}

// ByServer returns the confirmed entry for a serverId.
func (s *Store) ByServer(serverID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byServer[serverID]
	if !ok {
		return model.Message{}, false
	}
	return e.msg, true
}

// Ordered returns the room's messages in render order: confirmed messages in
// authoritative serverId order, then the unconfirmed tail in insertion order.
func (s *Store) Ordered(roomID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.rooms[roomID]
	out := make([]model.Message, len(entries))
	sorted := make([]*entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})
	for i, e := range sorted {
		out[i] = e.msg
	}
	return out
}

func less(a, b *entry) bool {
	ac, bc := a.msg.Confirmed(), b.msg.Confirmed()
	if ac != bc {
		return ac
	}
	if ac {
		an, aNum := serverOrd(a.msg.ServerID)
		bn, bNum := serverOrd(b.msg.ServerID)
		switch {
		case aNum && bNum && an != bn:
			return an < bn
		case aNum != bNum:
			return aNum
		case !aNum && a.msg.ServerID != b.msg.ServerID:
			return a.msg.ServerID < b.msg.ServerID
		}
	}
	return a.clientSeq < b.clientSeq
}

// serverOrd parses the decimal server id the relay assigns; foreign id
// formats fall back to lexical order in less.
func serverOrd(serverID string) (int64, bool) {
	n, err := strconv.ParseInt(serverID, 10, 64)
	return n, err == nil
}

func (s *Store) seq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

func (s *Store) removeEntry(target *entry) {
	entries := s.rooms[target.msg.RoomID]
	for i, e := range entries {
		if e == target {
			s.rooms[target.msg.RoomID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if target.msg.TempID != "" {
		delete(s.byTemp, target.msg.TempID)
	}
}
