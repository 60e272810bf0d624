package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"relaynet/pkg/message"
)

func discard(*message.Message) (*message.Message, bool) { return nil, false }

func tagPayload(tag string) Processor {
	return func(msg *message.Message) (*message.Message, bool) {
		msg.Payload = append(msg.Payload, []byte(tag)...)
		return msg, true
	}
}

func TestSenderPreRunsInRegistrationOrder(t *testing.T) {
	c := New()
	c.AddSenderPre(tagPayload("a"))
	c.AddSenderPre(tagPayload("b"))
	c.AddSenderPre(tagPayload("c"))

	msg := message.New(1, 2, nil, message.Unreliable)
	out, ok := c.RunSenderPre(msg)
	assert.True(t, ok)
	assert.Equal(t, "abc", string(out.Payload))
}

func TestChainStopsAtFirstDiscard(t *testing.T) {
	c := New()
	c.AddReceiverPre(tagPayload("x"))
	c.AddReceiverPre(discard)
	c.AddReceiverPre(tagPayload("unreached"))

	msg := message.New(1, 2, nil, message.Unreliable)
	out, ok := c.RunReceiverPre(msg)
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestCongestionControlHookDefaultsToNoop(t *testing.T) {
	c := New()
	msg := message.New(1, 2, []byte("x"), message.Unreliable)
	out, ok := c.RunCongestionControl(msg)
	assert.True(t, ok)
	assert.Same(t, msg, out)
}

func TestCongestionControlHookRuns(t *testing.T) {
	c := New()
	c.SetCongestionControl(tagPayload("cc"))
	msg := message.New(1, 2, nil, message.Unreliable)
	out, ok := c.RunCongestionControl(msg)
	assert.True(t, ok)
	assert.Equal(t, "cc", string(out.Payload))
}

func TestFreezePreventsFurtherRegistration(t *testing.T) {
	c := New()
	c.Freeze()
	assert.Panics(t, func() {
		c.AddSenderPre(tagPayload("late"))
	})
}

func TestEachOfTheFourListsIsIndependent(t *testing.T) {
	c := New()
	c.AddSenderPost(tagPayload("post"))

	msg := message.New(1, 2, nil, message.Unreliable)
	out, ok := c.RunSenderPre(msg)
	assert.True(t, ok)
	assert.Empty(t, out.Payload, "sender-post processors must not run as part of sender-pre")
}
