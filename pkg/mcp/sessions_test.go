package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("vs-1", "client-abc")
	cid, ok := r.SessionFor("vs-1")
	assert.True(t, ok)
	assert.Equal(t, "client-abc", cid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("vs-1", "client-old")
	r.Register("vs-1", "client-new")

	cid, ok := r.SessionFor("vs-1")
	assert.True(t, ok)
	assert.Equal(t, "client-new", cid)
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("vs-1", "client-abc")
	r.Register("vs-2", "client-abc")
	r.Forget("vs-1")

	_, ok := r.SessionFor("vs-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_RemoveClient(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("vs-1", "client-abc")
	r.Register("vs-2", "client-abc")
	r.Register("vs-3", "client-xyz")

	r.Remove("client-abc")

	_, ok1 := r.SessionFor("vs-1")
	_, ok2 := r.SessionFor("vs-2")
	cid, ok3 := r.SessionFor("vs-3")
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
	assert.Equal(t, "client-xyz", cid)
}

func TestSessionRegistry_RemoveUnknown(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("vs-1", "client-abc")

	r.Remove("client-nobody")
	assert.Equal(t, 1, r.Len())
}
