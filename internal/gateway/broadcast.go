package gateway

import (
	"encoding/json"

	"github.com/BranchManager69/degenduel-ws/internal/metrics"
)

// Broadcast fans a message out to every current subscriber of the
// channel. The channel name and a timestamp are injected when absent,
// the frame is serialized once, and each delivery is non-blocking: a
// subscriber whose buffer is full loses this frame only. Delivery
// order within the channel follows subscription insertion order.
func (s *Server) Broadcast(channel string, msg Message) {
	subscribers := s.channels.Subscribers(channel)
	if len(subscribers) == 0 {
		return
	}

	if msg.Channel == "" {
		msg.Channel = channel
	}
	if msg.Timestamp == "" {
		msg.Timestamp = nowStamp()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("channel", channel).
			Str("type", msg.Type).
			Int("subscribers", len(subscribers)).
			Msg("Failed to serialize broadcast, affects all subscribers")
		return
	}

	sent := 0
	for _, c := range subscribers {
		if !c.Open() {
			metrics.DroppedBroadcast(channel, metrics.DropReasonSocketClosed)
			continue
		}
		if c.TrySend(raw) {
			metrics.MessageSent()
			sent++
		} else {
			metrics.DroppedBroadcast(channel, metrics.DropReasonBufferFull)
		}
	}

	s.logger.Debug().
		Str("channel", channel).
		Str("type", msg.Type).
		Int("subscribers", len(subscribers)).
		Int("sent", sent).
		Msg("Broadcast delivered")
}

// BroadcastPayload wraps a payload in an envelope of the given type
// and broadcasts it.
func (s *Server) BroadcastPayload(channel, msgType string, payload any) {
	msg, err := Outbound(msgType, payload)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("channel", channel).
			Str("type", msgType).
			Msg("Failed to serialize broadcast payload")
		return
	}
	s.Broadcast(channel, msg)
}
