package protocol

import (
	"strings"

	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/route"
	"github.com/mqttforge/broker/internal/session"
)

// SubscribeResult is HandleSubscribe's output: the SUBACK to write back,
// plus any retained messages to deliver immediately afterward (§4.G: "the
// SUBACK is sent, then any matching retained messages").
type SubscribeResult struct {
	Suback   *packets.SubackPacket
	Retained []*packets.PublishPacket
}

// HandleSubscribe runs the SUBSCRIBE state machine: each filter is
// validated, recorded in both the Route Table and the Session, and granted
// a per-filter reason code. MQTT v3.1.1 connections reject shared
// subscriptions outright, since "$share/" groups are a v5.0 feature.
func (e *Engine) HandleSubscribe(conn *Conn, p *packets.SubscribePacket) (*SubscribeResult, error) {
	if len(p.Topics) == 0 {
		return nil, refuse(ProtocolErrorCode, "subscribe carries no topic filters")
	}

	codes := make([]uint8, len(p.Topics))
	var retained []*packets.PublishPacket

	for i, filter := range p.Topics {
		if conn.Session.ProtocolVersion == 4 && strings.HasPrefix(filter, "$share/") {
			codes[i] = SharedSubNotSupported
			continue
		}
		if err := session.ValidateSubscribeFilter(filter, conn.Limits); err != nil {
			codes[i] = TopicFilterInvalid
			continue
		}

		opts := route.Options{QoS: qosAt(p.QoS, i)}
		if i < len(p.NoLocal) {
			opts.NoLocal = p.NoLocal[i]
		}
		if i < len(p.RetainAsPublished) {
			opts.RetainAsPublished = p.RetainAsPublished[i]
		}
		if i < len(p.RetainHandling) {
			opts.RetainHandling = p.RetainHandling[i]
		}
		if p.Properties != nil && len(p.Properties.SubscriptionIdentifier) > 0 {
			opts.SubscriptionIdentifier = uint32(p.Properties.SubscriptionIdentifier[0])
		}

		existedBefore := conn.Session.Subscribe(filter, opts)
		e.Routes.Subscribe(filter, conn.Session.ClientID, opts)
		codes[i] = opts.QoS

		retained = append(retained, e.RetainedFor(filter, opts, !existedBefore)...)
	}

	suback := &packets.SubackPacket{
		PacketID:    p.PacketID,
		ReturnCodes: codes,
		Version:     p.Version,
	}
	return &SubscribeResult{Suback: suback, Retained: retained}, nil
}

func qosAt(qos []uint8, i int) uint8 {
	if i < len(qos) {
		return qos[i]
	}
	return 0
}

// HandleUnsubscribe removes each filter from both the Route Table and the
// Session, returning the UNSUBACK. A filter the client was never
// subscribed to still gets NoMatchingSubscribers rather than an error, per
// the v5.0 spec.
func (e *Engine) HandleUnsubscribe(conn *Conn, p *packets.UnsubscribePacket) *packets.UnsubackPacket {
	codes := make([]uint8, len(p.Topics))
	for i, filter := range p.Topics {
		existed := conn.Session.Unsubscribe(filter)
		e.Routes.Unsubscribe(filter, conn.Session.ClientID)
		if existed {
			codes[i] = Success
		} else {
			codes[i] = NoMatchingSubscribers
		}
	}
	return &packets.UnsubackPacket{
		PacketID:    p.PacketID,
		ReasonCodes: codes,
		Version:     p.Version,
	}
}
