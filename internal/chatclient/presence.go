package chatclient

import (
	"sort"
	"sync"
	"time"

	"github.com/resideease/chat/internal/model"
)

const defaultTypingExpiry = 4 * time.Second

// Presence maintains the online roster and the currently-typing set. Roster
// snapshots replace the online set wholesale (the relay does not diff).
// Typing entries auto-expire after a quiet period, covering dropped
// "stopped typing" signals.
type Presence struct {
	expiry time.Duration

	mu     sync.Mutex
	roster map[string]model.Participant // by participantId
	typing map[string]*time.Timer       // by participant display name (wire key)
}

func NewPresence(typingExpiry time.Duration) *Presence {
	if typingExpiry <= 0 {
		typingExpiry = defaultTypingExpiry
	}
	return &Presence{
		expiry: typingExpiry,
		roster: make(map[string]model.Participant),
		typing: make(map[string]*time.Timer),
	}
}

// UpdateRoster replaces the online set with the latest snapshot.
func (p *Presence) UpdateRoster(participants []model.Participant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roster = make(map[string]model.Participant, len(participants))
	for _, part := range participants {
		part.IsOnline = true
		p.roster[part.ParticipantID] = part
	}
}

// IsOnline is a set-membership query against the last roster snapshot.
func (p *Presence) IsOnline(participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.roster[participantID]
	return ok
}

// Online returns the roster sorted by display name for stable rendering.
func (p *Presence) Online() []model.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Participant, 0, len(p.roster))
	for _, part := range p.roster {
		out = append(out, part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// SetTyping inserts or removes a participant from the typing set. Each
// insertion re-arms the expiry timer; with no refresh the entry clears
// itself even if the explicit typing:false event is lost.
func (p *Presence) SetTyping(participant string, isTyping bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.typing[participant]; ok {
		timer.Stop()
		delete(p.typing, participant)
	}
	if !isTyping {
		return
	}
	p.typing[participant] = time.AfterFunc(p.expiry, func() {
		p.mu.Lock()
		delete(p.typing, participant)
		p.mu.Unlock()
	})
}

// Typing returns the names currently composing, sorted for stable rendering.
func (p *Presence) Typing() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.typing))
	for name := range p.typing {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stop cancels outstanding expiry timers (application teardown).
func (p *Presence) Stop() {
	p.mu.Lock()
	for name, timer := range p.typing {
		timer.Stop()
		delete(p.typing, name)
	}
	p.mu.Unlock()
}
