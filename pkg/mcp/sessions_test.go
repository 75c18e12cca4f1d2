package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register(7, "session-abc")
	sid, ok := r.SessionFor(7)
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor(404)
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register(7, "session-old")
	r.Register(7, "session-new")

	sid, ok := r.SessionFor(7)
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()

	r.Register(7, "s1")
	r.Register(8, "s1")
	r.Forget(7)

	_, ok := r.SessionFor(7)
	assert.False(t, ok)
	_, ok = r.SessionFor(8)
	assert.True(t, ok)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register(1, "s1")
	r.Register(2, "s1")
	r.Register(3, "s2")

	r.Remove("s1")

	_, ok := r.SessionFor(1)
	assert.False(t, ok)
	_, ok = r.SessionFor(2)
	assert.False(t, ok)

	sid, ok := r.SessionFor(3)
	assert.True(t, ok)
	assert.Equal(t, "s2", sid)
}
