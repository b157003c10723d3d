// Package protocol implements the Protocol State Machines (§4.G): the
// per-packet decision logic for CONNECT acceptance, PUBLISH validation and
// forwarding, the QoS 1/2 acknowledgement flows, SUBSCRIBE/UNSUBSCRIBE, and
// DISCONNECT/AUTH — built on top of the Route Table, Retained Store,
// Message Store, Session Object, Global Directory, and Authenticator. It
// has no socket I/O of its own; the Connection Event Loop (§4.F) drives it
// with decoded packets and writes back whatever packets it returns.
package protocol

import (
	"fmt"

	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/directory"
	"github.com/mqttforge/broker/internal/message"
	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/retain"
	"github.com/mqttforge/broker/internal/route"
	"github.com/mqttforge/broker/internal/session"
	"github.com/mqttforge/broker/internal/store"
)

// Reason codes used across the state machines; named locally rather than
// imported in bulk from internal/packets so this package's public surface
// doesn't leak the codec's full symbol set.
const (
	Success                   uint8 = 0x00
	NoMatchingSubscribers     uint8 = 0x10
	UnspecifiedError          uint8 = 0x80
	MalformedPacket           uint8 = 0x81
	ProtocolErrorCode         uint8 = 0x82
	NotAuthorized             uint8 = 0x87
	TopicFilterInvalid        uint8 = 0x90
	TopicNameInvalid          uint8 = 0x91
	PacketIdentifierNotFound  uint8 = 0x92
	ReceiveMaximumExceeded    uint8 = 0x93
	TopicAliasInvalid         uint8 = 0x94
	SharedSubNotSupported     uint8 = 0x9E
	WildcardSubNotSupported   uint8 = 0xA2
)

// Engine holds the broker-wide shared state every connection's state
// machine consults: the subscription index, the retained store, the
// connection directory, and the authorizer. One Engine serves every
// connection; per-connection state (Session, Message Store) is passed into
// each call.
type Engine struct {
	Routes     *route.Table
	Retained   *retain.Store
	Directory  *directory.Directory
	Authorizer auth.Authenticator
}

// NewEngine wires a fresh Engine from its component parts. A nil Authorizer
// defaults to auth.AllowAll{}.
func NewEngine(routes *route.Table, retained *retain.Store, dir *directory.Directory, authorizer auth.Authenticator) *Engine {
	if authorizer == nil {
		authorizer = auth.AllowAll{}
	}
	return &Engine{Routes: routes, Retained: retained, Directory: dir, Authorizer: authorizer}
}

// connectError reports a CONNECT/AUTH-exchange failure, carrying the reason
// code to send back (CONNACK refusal for v5, the nearest v3.1.1 return code
// otherwise named by the caller).
type connectError struct {
	reasonCode uint8
	msg        string
}

func (e *connectError) Error() string { return fmt.Sprintf("protocol: connect refused: %s", e.msg) }

func refuse(reason uint8, format string, args ...any) error {
	return &connectError{reasonCode: reason, msg: fmt.Sprintf(format, args...)}
}

// ReasonCode extracts the refusal reason code from an error returned by
// this package, or UnspecifiedError if err doesn't carry one.
func ReasonCode(err error) uint8 {
	if ce, ok := err.(*connectError); ok {
		return ce.reasonCode
	}
	return UnspecifiedError
}

func publishFromPacket(p *packets.PublishPacket) *message.Publish {
	msg := &message.Publish{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
		Dup:     p.Dup,
	}
	if p.Properties != nil {
		props := &message.Properties{
			ContentType:     p.Properties.ContentType,
			ResponseTopic:   p.Properties.ResponseTopic,
			CorrelationData: p.Properties.CorrelationData,
		}
		if p.Properties.Presence&packets.PresMessageExpiryInterval != 0 {
			v := p.Properties.MessageExpiryInterval
			props.MessageExpiry = &v
		}
		if len(p.Properties.UserProperties) > 0 {
			props.UserProperties = make(map[string]string, len(p.Properties.UserProperties))
			for _, up := range p.Properties.UserProperties {
				props.UserProperties[up.Key] = up.Value
			}
		}
		msg.Properties = props
	}
	return msg
}

func propertiesToPacket(props *message.Properties, subscriptionIDs []uint32) *packets.Properties {
	if props == nil && len(subscriptionIDs) == 0 {
		return nil
	}
	out := &packets.Properties{}
	if props != nil {
		if props.ContentType != "" {
			out.ContentType = props.ContentType
			out.Presence |= packets.PresContentType
		}
		if props.ResponseTopic != "" {
			out.ResponseTopic = props.ResponseTopic
			out.Presence |= packets.PresResponseTopic
		}
		if props.CorrelationData != nil {
			out.CorrelationData = props.CorrelationData
		}
		if props.MessageExpiry != nil {
			out.MessageExpiryInterval = *props.MessageExpiry
			out.Presence |= packets.PresMessageExpiryInterval
		}
		if len(props.UserProperties) > 0 {
			out.UserProperties = make([]packets.UserProperty, 0, len(props.UserProperties))
			for k, v := range props.UserProperties {
				out.UserProperties = append(out.UserProperties, packets.UserProperty{Key: k, Value: v})
			}
		}
	}
	for _, id := range subscriptionIDs {
		out.SubscriptionIdentifier = append(out.SubscriptionIdentifier, int(id))
	}
	return out
}

// Conn bundles the per-connection state the state machines operate on: the
// negotiated Session, its Message Store, and the limits used for inbound
// validation. One exists per accepted connection (created by the
// Connection Event Loop after CONNECT acceptance).
type Conn struct {
	Session *session.Session
	Store   store.Interface
	Limits  session.Limits
}
