// Package message holds the broker-wide representation of an MQTT PUBLISH,
// shared by the route table, the retained store, the message store, and the
// protocol state machines so none of them need to agree on a codec type.
package message

// Properties carries the MQTT v5.0 PUBLISH properties that travel with a
// message end to end. All fields are zero-valued and ignored on v4
// connections.
type Properties struct {
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	MessageExpiry          *uint32
	PayloadFormat          *uint8
	SubscriptionIdentifier []uint32
	UserProperties         map[string]string

	// TopicAlias supplements the distilled core's Open Question (topic
	// aliases were named but never resolved, see §4.D/§9 of the
	// specification): the alias value a PUBLISH carried, if any, valid
	// only for the lifetime of the connection that set it.
	TopicAlias *uint16
}

// Publish is one MQTT message as it flows through the broker: decoded off
// the wire, matched against the route table, staged in the message store,
// or held in the retained store.
type Publish struct {
	Topic      string
	Payload    []byte
	QoS        uint8
	Retain     bool
	Dup        bool
	Properties *Properties
}

// Clone returns a copy of m safe to mutate independently — used when the
// same inbound publish fans out to multiple subscribers with per-subscriber
// QoS downgrade, dup flag, or subscription identifier.
func (m *Publish) Clone() *Publish {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Properties != nil {
		p := *m.Properties
		if m.Properties.SubscriptionIdentifier != nil {
			p.SubscriptionIdentifier = append([]uint32(nil), m.Properties.SubscriptionIdentifier...)
		}
		c.Properties = &p
	}
	return &c
}
