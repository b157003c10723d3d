package protocol

import (
	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/packets"
)

// HandleDisconnect runs the DISCONNECT state machine (§4.G/§4.F): a
// DISCONNECT with reason code NormalDisconnect suppresses the session's
// last will (the client left cleanly); any other reason code — or a v5.0
// DISconnectWithWillMessage — leaves the will staged so the clean-session
// finalizer still publishes it. The caller (Connection Event Loop) is
// responsible for tearing down the connection after this returns.
func (e *Engine) HandleDisconnect(conn *Conn, p *packets.DisconnectPacket) {
	conn.Session.ClientDisconnected = true
	if p.ReasonCode == NormalDisconnectCode {
		conn.Session.LastWill = nil
	}
	if p.Version == 5 && p.Properties != nil && p.Properties.Presence&packets.PresSessionExpiryInterval != 0 {
		conn.Session.SessionExpiryInterval = p.Properties.SessionExpiryInterval
	}
}

// NormalDisconnectCode is the DISCONNECT reason code meaning "the client is
// closing the connection on purpose and no will should fire" (0x00), named
// separately from Success since the two happen to share a byte value but
// mean different things in context.
const NormalDisconnectCode uint8 = 0x00

// HandleAuth continues an MQTT v5.0 enhanced-authentication exchange: the
// inbound AUTH packet's data is fed back through the Authenticator, and the
// next step (another challenge, or the completed CONNACK path) is reported
// back to the caller.
func (e *Engine) HandleAuth(req auth.ConnectRequest, p *packets.AuthPacket) (auth.Decision, error) {
	if p.Properties != nil {
		req.AuthenticationData = p.Properties.AuthenticationData
		if p.Properties.Presence&packets.PresAuthenticationMethod != 0 {
			req.AuthenticationMethod = p.Properties.AuthenticationMethod
		}
	}
	decision := e.Authorizer.Authorize(req)
	if decision.Verdict == auth.Reject {
		return decision, refuse(decision.ReasonCode, "authorize rejected auth exchange for client %q", req.ClientID)
	}
	return decision, nil
}
