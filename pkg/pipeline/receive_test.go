package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"relaynet/pkg/message"
)

type fakeReceiver struct {
	received []*message.Message
}

func (r *fakeReceiver) Receive(msg *message.Message) {
	r.received = append(r.received, msg)
}

func TestReceiveHandsOffToExternalReceiverByDefault(t *testing.T) {
	recv := &fakeReceiver{}
	rp := &ReceivePipeline{Chain: New(), External: recv}

	msg := message.New(1, 2, []byte("x"), message.Unreliable)
	ok := rp.Receive(msg, message.ResolveContext{Now: 1})

	assert.True(t, ok)
	assert.Equal(t, []*message.Message{msg}, recv.received)
}

func TestReceiveRoutesInstantProcessableToDispatchInsteadOfExternal(t *testing.T) {
	recv := &fakeReceiver{}
	dispatch := NewDispatch()
	handled := false
	dispatch.Register(message.KindConnectRequest, func(*message.Message) { handled = true })

	rp := &ReceivePipeline{Chain: New(), External: recv, Dispatch: dispatch}
	msg := message.NewConnectRequest(9)

	ok := rp.Receive(msg, message.ResolveContext{Now: 1})
	assert.True(t, ok)
	assert.True(t, handled)
	assert.Empty(t, recv.received, "a dispatched instant message must not also reach the external receiver")
}

func TestReceivePerInstanceHandlerTakesPriorityOverDispatch(t *testing.T) {
	dispatch := NewDispatch()
	dispatchCalled := false
	dispatch.Register(message.KindConnectRequest, func(*message.Message) { dispatchCalled = true })

	instanceCalled := false
	rp := &ReceivePipeline{Chain: New(), Dispatch: dispatch}
	msg := message.NewConnectRequest(9)
	msg.InstantHandler = func(*message.Message) { instanceCalled = true }

	rp.Receive(msg, message.ResolveContext{Now: 1})
	assert.True(t, instanceCalled)
	assert.False(t, dispatchCalled)
}

func TestReceiveDiscardedByReceiverPreNeverDispatches(t *testing.T) {
	chain := New()
	chain.AddReceiverPre(discard)
	recv := &fakeReceiver{}
	rp := &ReceivePipeline{Chain: chain, External: recv}

	msg := message.New(1, 2, nil, message.Unreliable)
	ok := rp.Receive(msg, message.ResolveContext{Now: 1})

	assert.False(t, ok)
	assert.Empty(t, recv.received)
}

func TestReceiverPostCanVetoAfterDispatch(t *testing.T) {
	chain := New()
	chain.AddReceiverPost(discard)
	recv := &fakeReceiver{}
	rp := &ReceivePipeline{Chain: chain, External: recv}

	msg := message.New(1, 2, nil, message.Unreliable)
	ok := rp.Receive(msg, message.ResolveContext{Now: 1})

	assert.False(t, ok)
	assert.Len(t, recv.received, 1, "dispatch already ran before the post chain vetoed")
}
