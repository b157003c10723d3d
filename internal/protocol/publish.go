package protocol

import (
	"fmt"

	"github.com/mqttforge/broker/internal/message"
	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/route"
	"github.com/mqttforge/broker/internal/session"
	"github.com/mqttforge/broker/internal/store"
)

// Delivery is one outbound PUBLISH to hand to another connection's writer,
// produced by Forward for every matching subscriber.
type Delivery struct {
	ClientID string
	Publish  *packets.PublishPacket
}

// PublishResult is HandleInboundPublish's result: the immediate
// acknowledgement to write back (PUBACK for QoS 1, PUBREC for QoS 2; nil for
// QoS 0), plus the deliveries to fan out to matching subscribers. QoS 2
// publishes are staged in the Message Store and not forwarded until the
// matching PUBREL arrives (see HandlePubrel).
type PublishResult struct {
	Puback  *packets.PubackPacket
	Pubrec  *packets.PubrecPacket
	Pubcomp *packets.PubcompPacket
	Forward []Delivery
}

// HandleInboundPublish runs the inbound PUBLISH state machine (§4.G):
// resolve any topic alias, validate, and either forward immediately (QoS
// 0/1) or stage for exactly-once delivery pending PUBREL (QoS 2).
func (e *Engine) HandleInboundPublish(conn *Conn, p *packets.PublishPacket) (*PublishResult, error) {
	if p.QoS == 0 && p.Dup {
		return nil, refuse(MalformedPacket, "a QoS 0 publish must not set the DUP flag")
	}

	topic := p.Topic
	if p.Properties != nil && p.Properties.Presence&packets.PresTopicAlias != 0 {
		resolved, err := conn.Session.ResolveInboundAlias(p.Properties.TopicAlias, topic)
		if err != nil {
			return nil, refuse(TopicAliasInvalid, "%v", err)
		}
		topic = resolved
	}
	if topic == "" {
		return nil, refuse(TopicNameInvalid, "publish carries neither a topic name nor a resolvable alias")
	}

	inFlight := 0
	if conn.Store != nil {
		n, err := conn.Store.MessageCount()
		if err != nil {
			return nil, refuse(UnspecifiedError, "message store: %v", err)
		}
		inFlight = n
	}
	if err := conn.Session.ValidateInboundPublish(topic, p.Payload, inFlight, conn.Limits); err != nil {
		code := ReceiveMaximumExceeded
		if conn.Session.ReceiveMaximum == 0 || inFlight < int(conn.Session.ReceiveMaximum) {
			code = TopicNameInvalid
			if session.ValidatePublishTopic(topic, conn.Limits) == nil {
				code = UnspecifiedError // payload over the size limit
			}
		}
		return nil, refuse(code, "%v", err)
	}

	msg := publishFromPacket(p)
	msg.Topic = topic

	if msg.Retain {
		if len(msg.Payload) == 0 {
			e.Retained.Remove(topic)
		} else {
			e.Retained.Insert(topic, msg)
		}
	}

	switch p.QoS {
	case 0:
		return &PublishResult{Forward: e.Forward(conn.Session.ClientID, msg)}, nil
	case 1:
		return &PublishResult{
			Puback:  &packets.PubackPacket{PacketID: p.PacketID, ReasonCode: Success, Version: p.Version},
			Forward: e.Forward(conn.Session.ClientID, msg),
		}, nil
	case 2:
		if conn.Store != nil {
			if err := conn.Store.SavePublish(p.PacketID, msg); err != nil {
				return nil, refuse(UnspecifiedError, "message store: %v", err)
			}
		}
		return &PublishResult{Pubrec: &packets.PubrecPacket{PacketID: p.PacketID, ReasonCode: Success, Version: p.Version}}, nil
	default:
		return nil, refuse(MalformedPacket, "invalid QoS %d", p.QoS)
	}
}

// Forward matches msg against the Route Table and turns each subscriber
// into a Delivery, applying no-local suppression and the
// min(publish_qos, subscribe_qos) downgrade rule (§4.G). Packet identifiers
// are not assigned here — QoS 0 deliveries never need one, and QoS 1/2
// deliveries get theirs from the recipient's own Session when the
// Connection Event Loop actually sends them (this function only decides
// who should receive what).
func (e *Engine) Forward(publisherClientID string, msg *message.Publish) []Delivery {
	subs := e.Routes.Match(msg.Topic, publisherClientID)
	out := make([]Delivery, 0, len(subs))
	for _, sub := range subs {
		if sub.Options.NoLocal && sub.ClientID == publisherClientID {
			continue
		}
		finalQoS := msg.QoS
		if sub.Options.QoS < finalQoS {
			finalQoS = sub.Options.QoS
		}
		pub := &packets.PublishPacket{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			QoS:     finalQoS,
			Retain:  msg.Retain && sub.Options.RetainAsPublished,
		}
		var subIDs []uint32
		if sub.Options.SubscriptionIdentifier != 0 {
			subIDs = []uint32{sub.Options.SubscriptionIdentifier}
		}
		pub.Properties = propertiesToPacket(msg.Properties, subIDs)
		out = append(out, Delivery{ClientID: sub.ClientID, Publish: pub})
	}
	return out
}

// HandlePubrel completes the inbound QoS-2 exchange: the staged message is
// released from the Message Store and forwarded, and a PUBCOMP is returned
// for the client that sent PUBREL. An unknown packet_id (already completed,
// or never staged) still yields PUBCOMP with PacketIdentifierNotFound, per
// the v5.0 spec's "do not error the connection" guidance.
func (e *Engine) HandlePubrel(conn *Conn, p *packets.PubrelPacket) (*PublishResult, error) {
	if conn.Store == nil {
		return &PublishResult{Pubcomp: &packets.PubcompPacket{PacketID: p.PacketID, ReasonCode: PacketIdentifierNotFound, Version: p.Version}}, nil
	}
	msg, ok, err := conn.Store.Pubrel(p.PacketID)
	if err != nil {
		return nil, refuse(UnspecifiedError, "message store: %v", err)
	}
	if !ok {
		return &PublishResult{Pubcomp: &packets.PubcompPacket{PacketID: p.PacketID, ReasonCode: PacketIdentifierNotFound, Version: p.Version}}, nil
	}
	return &PublishResult{
		Pubcomp: &packets.PubcompPacket{PacketID: p.PacketID, ReasonCode: Success, Version: p.Version},
		Forward: e.Forward(conn.Session.ClientID, msg),
	}, nil
}

// OutboundQoSAssign prepares a Delivery for actual transmission on a
// specific recipient connection: QoS 0 deliveries pass through unchanged;
// QoS 1/2 deliveries get a packet identifier from the recipient's Session
// and, if the recipient's Message Store is non-nil, are recorded as pending
// for redelivery until acknowledged.
func (e *Engine) OutboundQoSAssign(conn *Conn, d Delivery) error {
	if d.Publish.QoS == 0 {
		return nil
	}
	d.Publish.PacketID = conn.Session.IncrServerPacketID()
	if conn.Store == nil {
		return nil
	}
	pending := &store.Pending{
		Message:      publishFromPacket(d.Publish),
		SubscribeQoS: d.Publish.QoS,
	}
	if err := conn.Store.SavePending(d.Publish.PacketID, pending); err != nil {
		return fmt.Errorf("protocol: queue outbound publish: %w", err)
	}
	return nil
}

// HandlePuback completes an outbound QoS-1 delivery: the pending entry is
// cleared from the recipient's Message Store.
func (e *Engine) HandlePuback(conn *Conn, p *packets.PubackPacket) {
	if conn.Store != nil {
		_ = conn.Store.Puback(p.PacketID)
	}
}

// HandlePubrec advances an outbound QoS-2 delivery to its second step,
// returning the PUBREL to send back. The pending entry stays in the
// Message Store (marked dup-eligible) until the matching PUBCOMP arrives.
func (e *Engine) HandlePubrec(conn *Conn, p *packets.PubrecPacket) *packets.PubrelPacket {
	if conn.Store != nil {
		_, _ = conn.Store.Pubrec(p.PacketID)
	}
	return &packets.PubrelPacket{PacketID: p.PacketID, ReasonCode: Success, Version: p.Version}
}

// HandlePubcomp completes an outbound QoS-2 delivery: the pending entry is
// cleared from the recipient's Message Store.
func (e *Engine) HandlePubcomp(conn *Conn, p *packets.PubcompPacket) {
	if conn.Store != nil {
		_ = conn.Store.Pubcomp(p.PacketID)
	}
}

// RetainedFor builds the deliveries a fresh subscription should receive
// from the Retained Store, honoring retain_handling (0 = always send, 1 =
// send only if this is a new subscription, 2 = never send).
func (e *Engine) RetainedFor(filter string, opts route.Options, isNewSubscription bool) []*packets.PublishPacket {
	if opts.RetainHandling == 2 {
		return nil
	}
	if opts.RetainHandling == 1 && !isNewSubscription {
		return nil
	}
	matches := e.Retained.Search(filter)
	out := make([]*packets.PublishPacket, 0, len(matches))
	for _, msg := range matches {
		qos := msg.QoS
		if opts.QoS < qos {
			qos = opts.QoS
		}
		var subIDs []uint32
		if opts.SubscriptionIdentifier != 0 {
			subIDs = []uint32{opts.SubscriptionIdentifier}
		}
		out = append(out, &packets.PublishPacket{
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			QoS:        qos,
			Retain:     true,
			Properties: propertiesToPacket(msg.Properties, subIDs),
		})
	}
	return out
}
