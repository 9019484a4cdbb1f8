package group

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/proto"
)

type fakeConn struct {
	mu     sync.Mutex
	online bool
	groups map[string]bool
	sent   []string // "type:groupId"
}

func newFakeConn() *fakeConn { return &fakeConn{online: true, groups: map[string]bool{}} }

func (c *fakeConn) Send(env proto.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online {
		return false
	}
	var p proto.GroupPayload
	_ = env.Decode(&p)
	c.sent = append(c.sent, env.Type()+":"+p.GroupID)
	return true
}

func (c *fakeConn) AddGroup(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groups[id] {
		return false
	}
	c.groups[id] = true
	return true
}

func (c *fakeConn) RemoveGroup(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.groups[id]
	delete(c.groups, id)
	return ok
}

func (c *fakeConn) groupSet() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for g := range c.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func TestSubscribeJoinsOnceAndLeavesOnLastRelease(t *testing.T) {
	conn := newFakeConn()
	m := New(conn)

	a, err := m.Subscribe("g1")
	require.NoError(t, err)
	b, err := m.Subscribe("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"joinGroup:g1"}, conn.sent)
	assert.Equal(t, []string{"g1"}, conn.groupSet())
	assert.Equal(t, 2, m.Refs("g1"))

	a()
	a()
	assert.Equal(t, []string{"joinGroup:g1"}, conn.sent, "double release counts once")
	b()
	assert.Equal(t, []string{"joinGroup:g1", "leaveGroup:g1"}, conn.sent)
	assert.Empty(t, conn.groupSet())
	assert.Empty(t, m.Active())
}

func TestSubscribeWhileOfflineStillRecordsGroup(t *testing.T) {
	conn := newFakeConn()
	conn.online = false
	m := New(conn)

	_, err := m.Subscribe("g2")
	require.NoError(t, err)
	assert.Empty(t, conn.sent)
	assert.Equal(t, []string{"g2"}, conn.groupSet(), "replayed by the connection on reconnect")
}

func TestSwitchLeavesPreviousGroup(t *testing.T) {
	conn := newFakeConn()
	m := New(conn)

	view, err := m.Subscribe("g1")
	require.NoError(t, err)
	view, err = m.Switch(view, "g2")
	require.NoError(t, err)
	assert.Equal(t, []string{"joinGroup:g1", "joinGroup:g2", "leaveGroup:g1"}, conn.sent)

	view, err = m.Switch(view, "g2")
	require.NoError(t, err)
	assert.Len(t, conn.sent, 3, "switching to the same group is silent")
	assert.Equal(t, []string{"g2"}, m.Active())
	view()
}

func TestSubscribeRejectsBadIDs(t *testing.T) {
	m := New(newFakeConn())
	_, err := m.Subscribe("  ")
	assert.Error(t, err)
	_, err = m.Subscribe("a/b")
	assert.Error(t, err)
}

func TestResetForgetsWithoutSending(t *testing.T) {
	conn := newFakeConn()
	m := New(conn)
	_, _ = m.Subscribe("g1")
	_, _ = m.Subscribe("g2")

	m.Reset()
	assert.Empty(t, m.Active())
	assert.Empty(t, conn.groupSet())
	assert.Len(t, conn.sent, 2)
}
