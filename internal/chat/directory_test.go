package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistry(t *testing.T) {
	reg := NewSessionRegistry()
	reg.Register("s1", User{ID: "u1", Username: "alice", RoomID: "lobby"})

	user, ok := reg.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", user.SessionID)
	assert.Equal(t, 1, reg.Len())

	removed, ok := reg.Unregister("s1")
	require.True(t, ok)
	assert.Equal(t, "u1", removed.ID)
	_, ok = reg.Unregister("s1")
	assert.False(t, ok)
	assert.Zero(t, reg.Len())
}

func TestDirectoryMembership(t *testing.T) {
	dir := NewDirectory()
	dir.Join("lobby", User{ID: "u1", SessionID: "s1", Username: "alice"})
	dir.Join("lobby", User{ID: "u2", SessionID: "s2", Username: "bob"})
	dir.Join("lobby", User{ID: "u1", SessionID: "s3", Username: "alice"})

	users := dir.ListUsers("lobby")
	require.Len(t, users, 3, "one entry per session")
	assert.Equal(t, "lobby", users[0].RoomID)
	assert.Equal(t, []string{"s1", "s3"}, dir.SessionIDs("lobby", "s2"))

	// snapshots are copies
	users[0].Username = "mallory"
	assert.Equal(t, "alice", dir.ListUsers("lobby")[0].Username)

	dir.SetTyping("lobby", "u1", true)
	remaining := dir.Leave("lobby", "s1")
	require.Len(t, remaining, 2)
	assert.Equal(t, []string{"u1"}, dir.TypingUsers("lobby"), "u1 still has a session")

	dir.Leave("lobby", "s3")
	assert.Empty(t, dir.TypingUsers("lobby"))

	assert.Nil(t, dir.Leave("lobby", "s2"))
	assert.False(t, dir.Exists("lobby"))
	assert.Zero(t, dir.RoomCount())
	assert.Nil(t, dir.Leave("lobby", "s2"))
}

func TestDirectoryLock(t *testing.T) {
	dir := NewDirectory()
	assert.False(t, dir.IsLocked("empty"))

	// toggling an unknown room creates a locked entry
	assert.True(t, dir.ToggleLock("empty"))
	assert.True(t, dir.Exists("empty"))
	assert.False(t, dir.JoinUnlessLocked("empty", User{ID: "u1", SessionID: "s1"}))
	assert.Empty(t, dir.ListUsers("empty"))

	assert.False(t, dir.ToggleLock("empty"))
	assert.True(t, dir.JoinUnlessLocked("empty", User{ID: "u1", SessionID: "s1"}))
	assert.Len(t, dir.ListUsers("empty"), 1)
}

func TestSetTypingIgnoresUnknownRoom(t *testing.T) {
	dir := NewDirectory()
	dir.SetTyping("ghost", "u1", true)
	assert.False(t, dir.Exists("ghost"))
	assert.Nil(t, dir.TypingUsers("ghost"))
}
