package chatclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resideease/chat/internal/model"
)

func TestPresenceRosterWholesaleReplace(t *testing.T) {
	p := NewPresence(0)
	defer p.Stop()

	p.UpdateRoster([]model.Participant{
		{ParticipantID: "u1", DisplayName: "Alice"},
		{ParticipantID: "u2", DisplayName: "Bob"},
	})
	assert.True(t, p.IsOnline("u1"))
	assert.True(t, p.IsOnline("u2"))

	// The next snapshot replaces, not merges.
	p.UpdateRoster([]model.Participant{{ParticipantID: "u2", DisplayName: "Bob"}})
	assert.False(t, p.IsOnline("u1"))
	assert.True(t, p.IsOnline("u2"))

	online := p.Online()
	require.Len(t, online, 1)
	assert.True(t, online[0].IsOnline)
}

func TestPresenceTypingExpires(t *testing.T) {
	p := NewPresence(40 * time.Millisecond)
	defer p.Stop()

	p.SetTyping("Bob", true)
	assert.Equal(t, []string{"Bob"}, p.Typing())

	// With no refresh the entry clears itself: the explicit stop signal may
	// have been dropped.
	require.Eventually(t, func() bool {
		return len(p.Typing()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPresenceTypingRefreshExtendsWindow(t *testing.T) {
	p := NewPresence(50 * time.Millisecond)
	defer p.Stop()

	p.SetTyping("Bob", true)
	time.Sleep(30 * time.Millisecond)
	p.SetTyping("Bob", true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"Bob"}, p.Typing(), "refresh re-arms the expiry")
}

func TestPresenceExplicitStopTyping(t *testing.T) {
	p := NewPresence(time.Minute)
	defer p.Stop()

	p.SetTyping("Bob", true)
	p.SetTyping("Carol", true)
	p.SetTyping("Bob", false)
	assert.Equal(t, []string{"Carol"}, p.Typing())
}
