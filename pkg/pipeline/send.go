package pipeline

import (
	"go.uber.org/zap"

	"relaynet/internal/metrics"
	"relaynet/pkg/fragment"
	"relaynet/pkg/idprovider"
	"relaynet/pkg/message"
	"relaynet/pkg/transport"
)

// SendResult reports the outcome of a SendPipeline.Send call.
type SendResult struct {
	// OK is true only if every one of the six steps in §4.4 succeeded and
	// transport.Send was called exactly once (§8 property 1).
	OK bool
	// Parts holds the MessageParts the Fragmenter produced when the
	// original Message was too large to send as-is (§4.4 step 4, §8
	// property 2). Callers must enqueue these for the paced send loop;
	// SendPipeline does not own the outbound queue (§2: that's
	// PeerController's job).
	Parts []*message.Message
}

// SendPipeline implements §4.4: resolve → createPayload → beforeSend →
// checkPayloadSize → transmit → afterSend.
type SendPipeline struct {
	Transport     transport.Peer
	Chain         *Chain
	IDs           idprovider.Provider
	Fragmenter    *fragment.Fragmenter
	MaxPacketSize int
	AutoSplit     bool
	Metrics       *metrics.Set
	Log           *zap.Logger
}

// Send runs the six-step send pipeline for msg (§4.4). ctx is forwarded to
// msg.Resolve, matching §3's "resolve(config, state) once" lifecycle step.
func (sp *SendPipeline) Send(msg *message.Message, ctx message.ResolveContext) SendResult {
	log := sp.log()

	// Step 1: resolve.
	if err := msg.Resolve(ctx); err != nil {
		log.Warn("send: feature resolve failed", zap.Error(err), zap.String("trace_id", msg.TraceID.String()))
		return SendResult{OK: false}
	}
	msg.PrepareToSend()
	if msg.ID == 0 {
		sp.IDs.NextID(msg)
	}

	// Step 2: createPayload.
	if !sp.Transport.CreatePayload(msg) {
		log.Warn("send: encoding failed", zap.Uint64("msg_id", msg.ID))
		return SendResult{OK: false}
	}

	// Step 3: beforeSend (before_congestion_control -> placeholder -> before_send).
	// A discarding processor returns a nil Message, so logs use this copy.
	msgID := msg.ID
	var ok bool
	msg, ok = sp.Chain.RunCongestionControl(msg)
	if !ok {
		log.Debug("send: discarded by congestion control hook")
		return SendResult{OK: false}
	}
	msg, ok = sp.Chain.RunSenderPre(msg)
	if !ok {
		log.Debug("send: discarded by sender-pre chain", zap.Uint64("msg_id", msgID))
		return SendResult{OK: false}
	}

	// Step 4: checkPayloadSize.
	if len(msg.Payload) > sp.MaxPacketSize && msg.Kind != message.KindPart {
		sp.IDs.StepBack(msg)
		if !sp.AutoSplit {
			log.Error("send: oversize payload and auto-split disabled",
				zap.Int("size", len(msg.Payload)), zap.Int("max", sp.MaxPacketSize))
			return SendResult{OK: false}
		}
		parts, err := sp.Fragmenter.Split(msg)
		if err != nil {
			log.Error("send: fragmentation failed", zap.Error(err))
			return SendResult{OK: false}
		}
		log.Debug("send: message fragmented", zap.Int("parts", len(parts)))
		return SendResult{OK: false, Parts: parts}
	}

	// Step 5: transmit.
	if err := sp.Transport.Send(msg); err != nil {
		log.Error("send: transmit failed", zap.Error(err), zap.Uint64("msg_id", msg.ID))
		return SendResult{OK: false}
	}
	if sp.Metrics != nil && !msg.Flags.IsResend {
		sp.Metrics.OutgoingClass(msg.Class())
	}

	// Step 6: afterSend.
	msgID = msg.ID
	msg, ok = sp.Chain.RunSenderPost(msg)
	if !ok {
		log.Debug("send: discarded by sender-post chain (already transmitted)", zap.Uint64("msg_id", msgID))
		return SendResult{OK: false}
	}

	return SendResult{OK: true}
}

func (sp *SendPipeline) log() *zap.Logger {
	if sp.Log == nil {
		return zap.NewNop()
	}
	return sp.Log
}
