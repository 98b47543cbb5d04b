package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRosterMembership(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.AddMember(ctx, "R1", "u2", "Bob"))
	require.NoError(t, c.AddMember(ctx, "R1", "u1", "Alice"))
	require.NoError(t, c.AddMember(ctx, "R2", "u3", "Carol"))

	members, err := c.Members(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Alice", members[0].DisplayName, "sorted by display name")
	assert.Equal(t, "Bob", members[1].DisplayName)
	assert.True(t, members[0].IsOnline)

	require.NoError(t, c.RemoveMember(ctx, "R1", "u1"))
	members, err = c.Members(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u2", members[0].ParticipantID)

	// Removing the last member drops the room entirely.
	require.NoError(t, c.RemoveMember(ctx, "R1", "u2"))
	members, err = c.Members(ctx, "R1")
	require.NoError(t, err)
	assert.Empty(t, members)
}
