package chat

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/proto"
)

func TestTypingBurstEmitsOneStartAndOneStop(t *testing.T) {
	for _, n := range []int{1, 2, 10} {
		conn := newFakeConn("alice")
		clk := clock.NewMock()
		ty := NewTyping(conn, clk, 0, 0)
		bob := proto.ToUser("bob")

		for i := 0; i < n; i++ {
			ty.Input(bob, "hel"+string(rune('a'+i)))
			clk.Add(300 * time.Millisecond)
		}
		assert.Equal(t, []bool{true}, conn.typingFlags(), "n=%d", n)
		assert.True(t, ty.Active(bob))

		clk.Add(DefaultTypingIdle)
		require.Eventually(t, func() bool { return len(conn.typingFlags()) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []bool{true, false}, conn.typingFlags(), "n=%d", n)
		assert.False(t, ty.Active(bob))

		clk.Add(10 * time.Second)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, conn.typingFlags(), 2, "n=%d: no stale stop", n)
	}
}

func TestTypingStopOnSendCancelsTimer(t *testing.T) {
	conn := newFakeConn("alice")
	clk := clock.NewMock()
	ty := NewTyping(conn, clk, 0, 0)
	g := proto.ToGroup("g1")

	ty.Input(g, "draft")
	ty.Stop(g)
	ty.Stop(g)
	assert.Equal(t, []bool{true, false}, conn.typingFlags())

	clk.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, conn.typingFlags())

	sent := conn.sentOf(proto.TypeTyping)
	var p proto.TypingPayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, "g1", p.GroupID)
}

func TestTypingWiredIntoSubmit(t *testing.T) {
	conn := newFakeConn("alice")
	clk := clock.NewMock()
	ty := NewTyping(conn, clk, 0, 0)
	m := New(conn, clk, 0)
	m.SetTyping(ty)
	bob := proto.ToUser("bob")

	ty.Input(bob, "hi")
	_, err := m.Submit(bob, Draft{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, conn.typingFlags())
}

func TestTypingClearedInputStops(t *testing.T) {
	conn := newFakeConn("alice")
	ty := NewTyping(conn, clock.NewMock(), 0, 0)
	bob := proto.ToUser("bob")

	ty.Input(bob, "   ")
	assert.Empty(t, conn.typingFlags(), "empty input does not start typing")

	ty.Input(bob, "a")
	ty.Input(bob, "")
	assert.Equal(t, []bool{true, false}, conn.typingFlags())

	ty.Input(proto.Target{}, "x")
	assert.Len(t, conn.typingFlags(), 2)
}

func TestTypingStopAll(t *testing.T) {
	conn := newFakeConn("alice")
	ty := NewTyping(conn, clock.NewMock(), 0, 0)
	ty.Input(proto.ToUser("bob"), "a")
	ty.Input(proto.ToGroup("g1"), "b")

	ty.StopAll()
	assert.Equal(t, []bool{true, true, false, false}, conn.typingFlags())
	assert.False(t, ty.Active(proto.ToUser("bob")))
	assert.False(t, ty.Active(proto.ToGroup("g1")))
}

func TestRemoteTypingTracking(t *testing.T) {
	conn := newFakeConn("alice")
	clk := clock.NewMock()
	ty := NewTyping(conn, clk, 0, 2*time.Second)
	events, cancel := ty.Subscribe()
	defer cancel()

	typing := func(from string, on bool, target proto.Target) proto.Envelope {
		return proto.MustNew(proto.TypeTyping, proto.TypingPayload{IsTyping: on, FromUserID: from, Target: target})
	}

	ty.HandleEnvelope(typing("bob", true, proto.ToUser("alice")))
	ty.HandleEnvelope(typing("bob", true, proto.ToUser("alice")))
	assert.Equal(t, []string{"bob"}, ty.Peers(proto.ToUser("bob")))

	ty.HandleEnvelope(typing("alice", true, proto.ToGroup("g1")))
	assert.Empty(t, ty.Peers(proto.ToGroup("g1")), "own echo is ignored")

	ty.HandleEnvelope(typing("bob", false, proto.ToUser("alice")))
	assert.Empty(t, ty.Peers(proto.ToUser("bob")))

	ev := <-events
	assert.Equal(t, TypingEvent{Target: proto.ToUser("bob"), UserID: "bob", IsTyping: true}, ev)
	ev = <-events
	assert.False(t, ev.IsTyping)

	ty.HandleEnvelope(typing("carol", true, proto.ToGroup("g1")))
	assert.Equal(t, []string{"carol"}, ty.Peers(proto.ToGroup("g1")))
	clk.Add(3 * time.Second)
	require.Eventually(t, func() bool { return len(ty.Peers(proto.ToGroup("g1"))) == 0 }, time.Second, 5*time.Millisecond)
}
