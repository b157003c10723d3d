package protocol

import (
	"testing"

	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/directory"
	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/retain"
	"github.com/mqttforge/broker/internal/route"
	"github.com/mqttforge/broker/internal/session"
)

func newTestEngine(authr auth.Authenticator) *Engine {
	return NewEngine(route.New(), retain.New(), directory.New(), authr)
}

func TestHandleConnectAcceptsFreshClient(t *testing.T) {
	e := newTestEngine(nil)
	p := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  true,
		ClientID:      "alice",
	}
	outcome, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Connack.ReturnCode != packets.ConnAccepted {
		t.Fatalf("expected accepted, got %v", outcome.Connack.ReturnCode)
	}
	if outcome.Connack.SessionPresent {
		t.Fatalf("fresh clean session should not report session present")
	}
	if outcome.Conn.Session.ClientID != "alice" {
		t.Fatalf("unexpected client id %q", outcome.Conn.Session.ClientID)
	}
}

func TestHandleConnectGeneratesClientIDWhenEmpty(t *testing.T) {
	e := newTestEngine(nil)
	p := &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 5, CleanSession: true}
	outcome, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Conn.Session.ClientID == "" {
		t.Fatalf("expected a generated client id")
	}
	if outcome.Connack.Properties == nil || outcome.Connack.Properties.AssignedClientIdentifier == "" {
		t.Fatalf("v5 connack should carry the assigned client identifier")
	}
}

func TestHandleConnectRejectsUnauthorized(t *testing.T) {
	e := newTestEngine(rejectAll{})
	p := &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "bob"}
	_, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if ReasonCode(err) != auth.ReasonNotAuthorized {
		t.Fatalf("expected NotAuthorized reason code, got %#x", ReasonCode(err))
	}
}

func TestHandleConnectV311RequiresClientIDUnlessClean(t *testing.T) {
	e := newTestEngine(nil)
	p := &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: false}
	_, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err == nil {
		t.Fatalf("expected rejection for empty client id without clean session on v3.1.1")
	}
}

func TestHandleConnectTakeoverReportsSessionPresent(t *testing.T) {
	e := newTestEngine(nil)
	priorSender := make(directory.Sender, 1)
	e.Directory.AddClient("carol", priorSender)

	go func() {
		msg := <-priorSender
		msg.Online <- session.State{ServerPacketID: 7}
	}()

	p := &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: false, ClientID: "carol"}
	outcome, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.SessionExists {
		t.Fatalf("expected takeover to report an existing session")
	}
}

func TestHandleConnectPopulatesV5CapabilityProperties(t *testing.T) {
	e := newTestEngine(nil)
	p := &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 5, CleanSession: true, ClientID: "dave", KeepAlive: 30}
	outcome, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	props := outcome.Connack.Properties
	if props == nil {
		t.Fatalf("expected v5 connack properties")
	}
	if props.ServerKeepAlive != 30 {
		t.Fatalf("expected server keep alive 30, got %d", props.ServerKeepAlive)
	}
	if props.ReceiveMaximum == 0 {
		t.Fatalf("expected a non-zero receive maximum")
	}
	if props.MaximumQoS != 2 {
		t.Fatalf("expected maximum qos 2, got %d", props.MaximumQoS)
	}
	if props.MaximumPacketSize == 0 {
		t.Fatalf("expected a non-zero maximum packet size")
	}
	if props.TopicAliasMaximum == 0 {
		t.Fatalf("expected a non-zero topic alias maximum")
	}
	if !props.RetainAvailable || !props.WildcardSubscriptionAvailable || !props.SubscriptionIdentifierAvailable {
		t.Fatalf("expected retain/wildcard/subscription-identifier support flags set, got %+v", props)
	}
}

func TestHandleConnectRejectsZeroReceiveMaximum(t *testing.T) {
	e := newTestEngine(nil)
	p := &packets.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 5, CleanSession: true, ClientID: "erin",
		Properties: &packets.Properties{Presence: packets.PresReceiveMaximum, ReceiveMaximum: 0},
	}
	_, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err == nil || ReasonCode(err) != ProtocolErrorCode {
		t.Fatalf("expected ProtocolErrorCode for receive maximum of 0, got %v", err)
	}
}

func TestHandleConnectRejectsZeroMaximumPacketSize(t *testing.T) {
	e := newTestEngine(nil)
	p := &packets.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 5, CleanSession: true, ClientID: "frank",
		Properties: &packets.Properties{Presence: packets.PresMaximumPacketSize, MaximumPacketSize: 0},
	}
	_, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err == nil || ReasonCode(err) != ProtocolErrorCode {
		t.Fatalf("expected ProtocolErrorCode for maximum packet size of 0, got %v", err)
	}
}

func TestHandleConnectRejectsAuthDataWithoutMethod(t *testing.T) {
	e := newTestEngine(nil)
	p := &packets.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 5, CleanSession: true, ClientID: "grace",
		Properties: &packets.Properties{AuthenticationData: []byte("x")},
	}
	_, err := e.HandleConnect(p, make(directory.Sender, 1), session.Limits{})
	if err == nil || ReasonCode(err) != ProtocolErrorCode {
		t.Fatalf("expected ProtocolErrorCode for auth data without auth method, got %v", err)
	}
}

type rejectAll struct{}

func (rejectAll) Authorize(req auth.ConnectRequest) auth.Decision {
	return auth.Decision{Verdict: auth.Reject, ReasonCode: auth.ReasonNotAuthorized}
}
