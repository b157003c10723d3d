package protocol

import (
	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/directory"
	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/session"
)

// Broker capabilities announced in the v5.0 CONNACK (§4.G). These describe
// what this engine actually supports rather than a tunable policy, so they
// are constants rather than threaded through session.Limits.
const (
	announcedMaximumQoS        uint8  = 2
	announcedReceiveMaximum    uint16 = 65535
	announcedTopicAliasMaximum uint16 = 16
	// matches session's own default payload ceiling (256MB - 1).
	defaultAnnouncedMaxPacketSize uint32 = 268435455
)

// ConnectOutcome is HandleConnect's result: the Conn to install (its Store
// is left nil for the caller to attach), the CONNACK to send, and whether a
// prior session's state was carried over (the CONNACK's session-present
// flag).
type ConnectOutcome struct {
	Conn          *Conn
	Connack       *packets.ConnackPacket
	SessionExists bool
}

// HandleConnect runs CONNECT acceptance (§4.G): validates the packet,
// consults the Authenticator, and resolves the client_id through the
// Global Directory's takeover handshake, returning the CONNACK to write
// back. newSender is the forward channel the caller's connection loop will
// read from once accepted; it is only installed in the Directory when the
// Decision is Allow.
func (e *Engine) HandleConnect(p *packets.ConnectPacket, newSender directory.Sender, limits session.Limits) (*ConnectOutcome, error) {
	if p.ProtocolName != "MQTT" {
		return nil, refuse(UnspecifiedError, "unrecognized protocol name %q", p.ProtocolName)
	}
	if p.ProtocolLevel != 4 && p.ProtocolLevel != 5 {
		return nil, refuse(UnspecifiedError, "unsupported protocol level %d", p.ProtocolLevel)
	}
	if p.ClientID == "" && !p.CleanSession && p.ProtocolLevel == 4 {
		return nil, refuse(packets.ConnRefusedIdentifierRejected, "v3.1.1 requires a client id unless clean_session is set")
	}
	if p.WillFlag {
		if err := session.ValidatePublishTopic(p.WillTopic, limits); err != nil {
			return nil, refuse(TopicNameInvalid, "invalid will topic: %v", err)
		}
	}

	req := auth.ConnectRequest{
		ClientID:        p.ClientID,
		Username:        p.Username,
		Password:        []byte(p.Password),
		ProtocolVersion: p.ProtocolLevel,
	}
	if p.Properties != nil && p.Properties.Presence&packets.PresAuthenticationMethod != 0 {
		req.AuthenticationMethod = p.Properties.AuthenticationMethod
		req.AuthenticationData = p.Properties.AuthenticationData
	}

	decision := e.Authorizer.Authorize(req)
	switch decision.Verdict {
	case auth.Reject:
		return nil, refuse(decision.ReasonCode, "authorize rejected connect for client %q", p.ClientID)
	case auth.Continue:
		return nil, &enhancedAuthPending{data: decision.Data}
	}

	clientID := p.ClientID
	generated := false
	if clientID == "" {
		clientID = generateClientID()
		generated = true
	}

	receipt := e.Directory.AddClient(clientID, newSender)

	sess := session.New(clientID, p.ProtocolLevel)
	sess.AssignedClientID = generated
	sess.Username = p.Username
	sess.CleanSession = p.CleanSession
	sess.KeepAlive = p.KeepAlive
	if p.WillFlag {
		sess.LastWill = &session.LastWill{
			Topic:   p.WillTopic,
			Payload: p.WillMessage,
			QoS:     p.WillQoS,
			Retain:  p.WillRetain,
		}
	}
	if p.Properties != nil {
		if err := applyV5ConnectProperties(sess, p.Properties); err != nil {
			e.Directory.RemoveClient(clientID)
			return nil, err
		}
	}

	sessionPresent := false
	if receipt.Outcome == directory.Present && !p.CleanSession {
		sess.CopyState(receipt.State)
		sessionPresent = true
	}
	connack := &packets.ConnackPacket{
		SessionPresent: sessionPresent,
		ReturnCode:     packets.ConnAccepted,
		Version:        p.ProtocolLevel,
	}
	if p.ProtocolLevel == 5 {
		connack.Properties = &packets.Properties{}
		if generated {
			connack.Properties.AssignedClientIdentifier = clientID
			connack.Properties.Presence |= packets.PresAssignedClientIdentifier
		}

		maxPacketSize := uint32(limits.MaxPayloadSize)
		if maxPacketSize == 0 {
			maxPacketSize = defaultAnnouncedMaxPacketSize
		}
		connack.Properties.ServerKeepAlive = sess.KeepAlive
		connack.Properties.ReceiveMaximum = announcedReceiveMaximum
		connack.Properties.MaximumQoS = announcedMaximumQoS
		connack.Properties.MaximumPacketSize = maxPacketSize
		connack.Properties.TopicAliasMaximum = announcedTopicAliasMaximum
		connack.Properties.RetainAvailable = true
		connack.Properties.WildcardSubscriptionAvailable = true
		connack.Properties.SubscriptionIdentifierAvailable = true
		connack.Properties.Presence |= packets.PresServerKeepAlive |
			packets.PresReceiveMaximum |
			packets.PresMaximumQoS |
			packets.PresMaximumPacketSize |
			packets.PresTopicAliasMaximum |
			packets.PresRetainAvailable |
			packets.PresWildcardSubscriptionAvailable |
			packets.PresSubscriptionIdentifierAvailable
	}

	return &ConnectOutcome{
		Conn:          &Conn{Session: sess, Store: nil, Limits: limits},
		Connack:       connack,
		SessionExists: sessionPresent,
	}, nil
}

// enhancedAuthPending signals that CONNECT acceptance must pause for a v5
// AUTH challenge/response exchange before a CONNACK can be produced.
type enhancedAuthPending struct {
	data []byte
}

func (e *enhancedAuthPending) Error() string { return "protocol: enhanced authentication in progress" }

// ChallengeData extracts the AUTH challenge payload from an error returned
// by HandleConnect, or nil if err is not a pending-enhanced-auth signal.
func ChallengeData(err error) ([]byte, bool) {
	if p, ok := err.(*enhancedAuthPending); ok {
		return p.data, true
	}
	return nil, false
}

func applyV5ConnectProperties(sess *session.Session, props *packets.Properties) error {
	if props.Presence&packets.PresReceiveMaximum != 0 && props.ReceiveMaximum == 0 {
		return refuse(ProtocolErrorCode, "receive maximum of 0 is a protocol error")
	}
	if props.Presence&packets.PresMaximumPacketSize != 0 && props.MaximumPacketSize == 0 {
		return refuse(ProtocolErrorCode, "maximum packet size of 0 is a protocol error")
	}
	if len(props.AuthenticationData) > 0 && props.Presence&packets.PresAuthenticationMethod == 0 {
		return refuse(ProtocolErrorCode, "authentication data without an authentication method is a protocol error")
	}

	if props.Presence&packets.PresSessionExpiryInterval != 0 {
		sess.SessionExpiryInterval = props.SessionExpiryInterval
	}
	if props.Presence&packets.PresReceiveMaximum != 0 {
		sess.ReceiveMaximum = props.ReceiveMaximum
	} else {
		sess.ReceiveMaximum = 65535
	}
	if props.Presence&packets.PresMaximumPacketSize != 0 {
		sess.MaxPacketSize = props.MaximumPacketSize
	}
	if props.Presence&packets.PresTopicAliasMaximum != 0 {
		sess.TopicAliasMax = props.TopicAliasMaximum
	}
	if props.Presence&packets.PresRequestProblemInformation != 0 {
		sess.RequestProblemInfo = props.RequestProblemInformation != 0
	} else {
		sess.RequestProblemInfo = true
	}
	if props.Presence&packets.PresRequestResponseInformation != 0 {
		sess.RequestResponseInfo = props.RequestResponseInformation != 0
	}
	if props.Presence&packets.PresAuthenticationMethod != 0 {
		sess.AuthenticationMethod = props.AuthenticationMethod
	}
	if len(props.UserProperties) > 0 {
		sess.UserProperties = make(map[string]string, len(props.UserProperties))
		for _, up := range props.UserProperties {
			sess.UserProperties[up.Key] = up.Value
		}
	}
	return nil
}
