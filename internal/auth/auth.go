// Package auth implements the broker's authorize boundary (§6): the single
// call site consulted on CONNECT, and, for MQTT v5.0 connections carrying an
// authentication_method, across the enhanced-authentication AUTH exchange.
// Grounded on the teacher's client-side Authenticator
// (auth.go/auth_handler.go/reauthenticate.go), re-pointed from client to
// server: where the teacher's Authenticator answers server challenges, the
// broker's Authenticator issues them and renders a verdict.
package auth

// Verdict is authorize's result.
type Verdict uint8

const (
	// Allow admits the connection (or completes a re-authentication)
	// without further exchange.
	Allow Verdict = iota
	// Reject refuses the connection with ReasonCode.
	Reject
	// Continue asks the broker to emit an AUTH challenge carrying Data and
	// wait for the client's next AUTH packet before calling Authorize
	// again. Only valid for MQTT v5.0 CONNECTs that named a method.
	Continue
)

// Decision is what Authorize returns.
type Decision struct {
	Verdict Verdict

	// ReasonCode is sent back to the client when Verdict is Reject; it
	// should be a valid CONNACK/DISCONNECT reason code for the packet's
	// protocol version. Ignored otherwise.
	ReasonCode uint8

	// Data is the challenge (Verdict == Continue) sent in an outbound
	// AUTH packet's authentication_data property.
	Data []byte
}

// ConnectRequest is the information Authorize needs to decide whether a
// CONNECT (or a v5 re-authentication AUTH) should proceed.
type ConnectRequest struct {
	ClientID             string
	Username             string
	Password             []byte
	ProtocolVersion      uint8
	AuthenticationMethod string // empty unless MQTT v5.0 enhanced auth is in use
	AuthenticationData   []byte
}

// Authenticator is the broker's authorize boundary. Authorize is called
// once for a plain CONNECT (AuthenticationMethod empty) and, for an
// enhanced-auth exchange, once per round trip: each inbound AUTH packet's
// data is fed back in as req.AuthenticationData until the returned Decision
// is Allow or Reject.
type Authenticator interface {
	Authorize(req ConnectRequest) Decision
}

// AllowAll is the default Authenticator: every CONNECT is accepted
// unconditionally, and enhanced authentication is not supported (a CONNECT
// naming a method is rejected, since there is no challenge to issue).
type AllowAll struct{}

// Authorize implements Authenticator.
func (AllowAll) Authorize(req ConnectRequest) Decision {
	if req.AuthenticationMethod != "" {
		return Decision{Verdict: Reject, ReasonCode: ReasonBadAuthenticationMethod}
	}
	return Decision{Verdict: Allow}
}

// Reason codes this package needs to hand back in a Decision; named here
// rather than imported from the wire codec so auth has no dependency on
// internal/packets.
const (
	ReasonNotAuthorized           uint8 = 0x87
	ReasonBadUsernameOrPassword   uint8 = 0x86
	ReasonBadAuthenticationMethod uint8 = 0x8C
)
