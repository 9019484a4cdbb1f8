package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/petervdpas/parley/internal/proto"
)

func TestDispatchInvokesAllHandlersInOrder(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	d.AddHandler(func(proto.Envelope) { calls = append(calls, "a") })
	d.AddHandler(func(proto.Envelope) { calls = append(calls, "b") })

	d.Dispatch(proto.MustNew(proto.TypeTyping, nil))
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, 2, d.HandlerCount())
}

func TestHandlerRemovedMidDispatchIsSkipped(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	var removeB func()
	d.AddHandler(func(proto.Envelope) {
		calls = append(calls, "a")
		removeB()
	})
	removeB = d.AddHandler(func(proto.Envelope) { calls = append(calls, "b") })
	d.AddHandler(func(proto.Envelope) { calls = append(calls, "c") })

	d.Dispatch(proto.MustNew(proto.TypeTyping, nil))
	assert.Equal(t, []string{"a", "c"}, calls)
	assert.Equal(t, 2, d.HandlerCount())
}

func TestHandlerAddedMidDispatchWaitsForNextEnvelope(t *testing.T) {
	d := NewDispatcher()
	late := 0
	added := false
	d.AddHandler(func(proto.Envelope) {
		if !added {
			added = true
			d.AddHandler(func(proto.Envelope) { late++ })
		}
	})

	d.Dispatch(proto.MustNew(proto.TypeTyping, nil))
	assert.Equal(t, 0, late)
	d.Dispatch(proto.MustNew(proto.TypeTyping, nil))
	assert.Equal(t, 1, late)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher()
	ran := false
	d.AddHandler(func(proto.Envelope) { panic("boom") })
	d.AddHandler(func(proto.Envelope) { ran = true })

	assert.NotPanics(t, func() { d.Dispatch(proto.MustNew(proto.TypeCallOffer, nil)) })
	assert.True(t, ran)
}

func TestRemoveIsIdempotent(t *testing.T) {
	d := NewDispatcher()
	remove := d.AddHandler(func(proto.Envelope) {})
	keep := 0
	d.AddHandler(func(proto.Envelope) { keep++ })

	remove()
	remove()
	assert.Equal(t, 1, d.HandlerCount())
	d.Dispatch(proto.MustNew(proto.TypeTyping, nil))
	assert.Equal(t, 1, keep)
}
