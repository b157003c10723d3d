package protocol

import (
	"testing"

	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/directory"
	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/retain"
	"github.com/mqttforge/broker/internal/route"
	"github.com/mqttforge/broker/internal/session"
	"github.com/mqttforge/broker/internal/store"
)

func newConn(clientID string, version uint8) *Conn {
	s := session.New(clientID, version)
	return &Conn{Session: s, Store: store.New(0), Limits: session.Limits{}}
}

func TestHandleInboundPublishQoS0Forwards(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	sub := newConn("sub1", 4)
	e.Routes.Subscribe("a/b", sub.Session.ClientID, route.Options{QoS: 0})

	pub := newConn("pub1", 4)
	res, err := e.HandleInboundPublish(pub, &packets.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Puback != nil || res.Pubrec != nil {
		t.Fatalf("QoS 0 publish should not carry an ack")
	}
	if len(res.Forward) != 1 || res.Forward[0].ClientID != "sub1" {
		t.Fatalf("expected one forward to sub1, got %+v", res.Forward)
	}
}

func TestHandleInboundPublishQoS1ReturnsPuback(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	pub := newConn("pub1", 4)
	res, err := e.HandleInboundPublish(pub, &packets.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: 1, PacketID: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Puback == nil || res.Puback.PacketID != 5 {
		t.Fatalf("expected a puback echoing packet id 5, got %+v", res.Puback)
	}
}

func TestHandleInboundPublishQoS2StagesThenPubrelForwards(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	sub := newConn("sub1", 4)
	e.Routes.Subscribe("a/b", sub.Session.ClientID, route.Options{QoS: 2})

	pub := newConn("pub1", 4)
	res, err := e.HandleInboundPublish(pub, &packets.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: 2, PacketID: 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Pubrec == nil || len(res.Forward) != 0 {
		t.Fatalf("QoS 2 publish should stage, not forward, until PUBREL")
	}

	pubrelRes, err := e.HandlePubrel(pub, &packets.PubrelPacket{PacketID: 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pubrelRes.Pubcomp.ReasonCode != Success {
		t.Fatalf("expected successful pubcomp, got %+v", pubrelRes.Pubcomp)
	}
	if len(pubrelRes.Forward) != 1 {
		t.Fatalf("expected the staged message to forward after pubrel, got %+v", pubrelRes.Forward)
	}
}

func TestHandleInboundPublishRejectsQoS0WithDup(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	pub := newConn("pub1", 4)
	_, err := e.HandleInboundPublish(pub, &packets.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: 0, Dup: true})
	if err == nil {
		t.Fatalf("expected a QoS 0 publish with dup set to be rejected")
	}
	if ReasonCode(err) != MalformedPacket {
		t.Fatalf("expected MalformedPacket, got %#x", ReasonCode(err))
	}
}

func TestHandleInboundPublishRejectsWildcardTopic(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	pub := newConn("pub1", 4)
	_, err := e.HandleInboundPublish(pub, &packets.PublishPacket{Topic: "a/+", Payload: []byte("x"), QoS: 0})
	if err == nil {
		t.Fatalf("expected rejection of a wildcard publish topic")
	}
}

func TestRetainedPublishUpsertsAndEmptyPayloadDeletes(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	pub := newConn("pub1", 4)

	if _, err := e.HandleInboundPublish(pub, &packets.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: 0, Retain: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.Retained.Search("a/b"); len(got) != 1 {
		t.Fatalf("expected one retained message, got %d", len(got))
	}

	if _, err := e.HandleInboundPublish(pub, &packets.PublishPacket{Topic: "a/b", Payload: nil, QoS: 0, Retain: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.Retained.Search("a/b"); len(got) != 0 {
		t.Fatalf("empty-payload retained publish should delete, got %d", len(got))
	}
}

func TestOutboundQoSAssignAllocatesPacketIDAndQueuesPending(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	recipient := newConn("sub1", 4)
	d := Delivery{ClientID: "sub1", Publish: &packets.PublishPacket{Topic: "a/b", QoS: 1}}

	if err := e.OutboundQoSAssign(recipient, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Publish.PacketID == 0 {
		t.Fatalf("expected a non-zero packet id to be assigned")
	}
	if n, err := recipient.Store.MessageCount(); err != nil || n != 1 {
		t.Fatalf("expected the delivery to be queued as pending, got n=%d err=%v", n, err)
	}

	e.HandlePuback(recipient, &packets.PubackPacket{PacketID: d.Publish.PacketID})
	if n, err := recipient.Store.MessageCount(); err != nil || n != 0 {
		t.Fatalf("puback should clear the pending entry, got n=%d err=%v", n, err)
	}
}
