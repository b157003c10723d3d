package protocol

import (
	"testing"

	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/directory"
	"github.com/mqttforge/broker/internal/message"
	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/retain"
	"github.com/mqttforge/broker/internal/route"
)

func TestHandleSubscribeGrantsQoSAndDeliversRetained(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	e.Retained.Insert("a/b", pubMsg("a/b", "retained"))

	conn := newConn("sub1", 4)
	res, err := e.HandleSubscribe(conn, &packets.SubscribePacket{
		PacketID: 1,
		Topics:   []string{"a/b"},
		QoS:      []uint8{1},
		Version:  4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Suback.ReturnCodes) != 1 || res.Suback.ReturnCodes[0] != 1 {
		t.Fatalf("expected granted QoS 1, got %+v", res.Suback.ReturnCodes)
	}
	if len(res.Retained) != 1 || res.Retained[0].Topic != "a/b" {
		t.Fatalf("expected the retained message to be delivered on subscribe, got %+v", res.Retained)
	}
}

func TestHandleSubscribeRejectsWildcardPlacement(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	conn := newConn("sub1", 4)
	res, err := e.HandleSubscribe(conn, &packets.SubscribePacket{
		PacketID: 1,
		Topics:   []string{"a/#/b"},
		QoS:      []uint8{0},
		Version:  4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Suback.ReturnCodes[0] != TopicFilterInvalid {
		t.Fatalf("expected TopicFilterInvalid, got %#x", res.Suback.ReturnCodes[0])
	}
}

func TestHandleSubscribeRejectsSharedSubscriptionOnV311(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	conn := newConn("sub1", 4)
	res, err := e.HandleSubscribe(conn, &packets.SubscribePacket{
		PacketID: 1,
		Topics:   []string{"$share/grp/a/b"},
		QoS:      []uint8{0},
		Version:  4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Suback.ReturnCodes[0] != SharedSubNotSupported {
		t.Fatalf("expected SharedSubNotSupported on v3.1.1, got %#x", res.Suback.ReturnCodes[0])
	}
}

func TestHandleSubscribeRejectsEmptyTopicList(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	conn := newConn("sub1", 4)
	_, err := e.HandleSubscribe(conn, &packets.SubscribePacket{PacketID: 1, Version: 4})
	if err == nil {
		t.Fatalf("expected an empty SUBSCRIBE topic list to be rejected")
	}
	if ReasonCode(err) != ProtocolErrorCode {
		t.Fatalf("expected ProtocolErrorCode, got %#x", ReasonCode(err))
	}
}

func TestHandleUnsubscribeReportsNoMatchingSubscribers(t *testing.T) {
	e := NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{})
	conn := newConn("sub1", 4)
	unsuback := e.HandleUnsubscribe(conn, &packets.UnsubscribePacket{PacketID: 2, Topics: []string{"never/subscribed"}})
	if unsuback.ReasonCodes[0] != NoMatchingSubscribers {
		t.Fatalf("expected NoMatchingSubscribers, got %#x", unsuback.ReasonCodes[0])
	}
}

func pubMsg(topic, payload string) *message.Publish {
	return &message.Publish{Topic: topic, Payload: []byte(payload)}
}
