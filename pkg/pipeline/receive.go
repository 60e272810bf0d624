package pipeline

import (
	"go.uber.org/zap"

	"relaynet/internal/metrics"
	"relaynet/pkg/message"
	"relaynet/pkg/transport"
)

// ReceivePipeline implements §4.5: resolve features → before_receive →
// dispatch (instant vs external) → after_receive.
type ReceivePipeline struct {
	Chain    *Chain
	Dispatch *Dispatch
	External transport.Receiver
	Metrics  *metrics.Set
	Log      *zap.Logger
}

// Receive runs the four-step receive pipeline for msg.
func (rp *ReceivePipeline) Receive(msg *message.Message, ctx message.ResolveContext) bool {
	log := rp.log()

	// Step 1: resolve message features.
	if err := msg.Resolve(ctx); err != nil {
		log.Warn("receive: feature resolve failed", zap.Error(err))
		return false
	}

	if rp.Metrics != nil {
		rp.Metrics.IncomingClass(msg.Class())
	}

	// Step 2: receiver-pre chain.
	var ok bool
	msg, ok = rp.Chain.RunReceiverPre(msg)
	if !ok {
		log.Debug("receive: discarded by receiver-pre chain")
		return false
	}

	// Step 3: dispatch.
	rp.dispatch(msg)

	// Step 4: receiver-post chain.
	msg, ok = rp.Chain.RunReceiverPost(msg)
	if !ok {
		log.Debug("receive: discarded by receiver-post chain (already dispatched)")
		return false
	}

	return true
}

func (rp *ReceivePipeline) dispatch(msg *message.Message) {
	// A handler embedded on the Message instance takes priority — it
	// exists for per-instance correlation (e.g. a request/response pair),
	// which a per-Kind table cannot express.
	if msg.InstantHandler != nil {
		msg.InstantHandler(msg)
		return
	}

	isInstant := msg.Flags.IsInstantProcessable || msg.Flags.IsInstantServerProcessable
	if isInstant && rp.Dispatch != nil {
		if h, ok := rp.Dispatch.Lookup(msg.Kind); ok {
			h(msg)
			return
		}
	}

	if rp.External != nil {
		rp.External.Receive(msg)
	}
}

func (rp *ReceivePipeline) log() *zap.Logger {
	if rp.Log == nil {
		return zap.NewNop()
	}
	return rp.Log
}
