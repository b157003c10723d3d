package protocol

import (
	"fmt"

	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/packets"
)

// Outcome is the uniform result of feeding one decoded packet through the
// Protocol State Machine: zero or more packets to write back to the
// sender, zero or more deliveries to route to other connections, and
// whether the connection must now close.
type Outcome struct {
	Replies []packets.Packet
	Forward []Delivery
	Close   bool
}

// HandlePacket is the Connection Event Loop's single call site (§4.F) once
// a connection is past CONNECT: it dispatches p by packet type and
// translates each state machine's result into a uniform Outcome. CONNECT
// and AUTH-during-CONNECT are handled separately by HandleConnect/HandleAuth
// since they precede the existence of a Conn.
func (e *Engine) HandlePacket(conn *Conn, p packets.Packet) (Outcome, error) {
	switch pk := p.(type) {
	case *packets.PublishPacket:
		res, err := e.HandleInboundPublish(conn, pk)
		if err != nil {
			return Outcome{}, err
		}
		out := Outcome{Forward: res.Forward}
		if res.Puback != nil {
			out.Replies = append(out.Replies, res.Puback)
		}
		if res.Pubrec != nil {
			out.Replies = append(out.Replies, res.Pubrec)
		}
		return out, nil

	case *packets.PubrelPacket:
		res, err := e.HandlePubrel(conn, pk)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Replies: []packets.Packet{res.Pubcomp}, Forward: res.Forward}, nil

	case *packets.PubackPacket:
		e.HandlePuback(conn, pk)
		return Outcome{}, nil

	case *packets.PubrecPacket:
		return Outcome{Replies: []packets.Packet{e.HandlePubrec(conn, pk)}}, nil

	case *packets.PubcompPacket:
		e.HandlePubcomp(conn, pk)
		return Outcome{}, nil

	case *packets.SubscribePacket:
		res, err := e.HandleSubscribe(conn, pk)
		if err != nil {
			return Outcome{}, err
		}
		replies := make([]packets.Packet, 0, 1+len(res.Retained))
		replies = append(replies, res.Suback)
		for _, rp := range res.Retained {
			replies = append(replies, rp)
		}
		return Outcome{Replies: replies}, nil

	case *packets.UnsubscribePacket:
		return Outcome{Replies: []packets.Packet{e.HandleUnsubscribe(conn, pk)}}, nil

	case *packets.PingreqPacket:
		return Outcome{Replies: []packets.Packet{&packets.PingrespPacket{}}}, nil

	case *packets.DisconnectPacket:
		e.HandleDisconnect(conn, pk)
		return Outcome{Close: true}, nil

	case *packets.AuthPacket:
		req := auth.ConnectRequest{
			ClientID:             conn.Session.ClientID,
			Username:             conn.Session.Username,
			ProtocolVersion:      conn.Session.ProtocolVersion,
			AuthenticationMethod: conn.Session.AuthenticationMethod,
		}
		decision, err := e.HandleAuth(req, pk)
		if err != nil {
			return Outcome{}, err
		}
		reply := &packets.AuthPacket{Version: pk.Version}
		if decision.Verdict == auth.Continue {
			reply.ReasonCode = packets.AuthReasonContinue
			reply.Properties = &packets.Properties{
				AuthenticationMethod: conn.Session.AuthenticationMethod,
				AuthenticationData:   decision.Data,
				Presence:             packets.PresAuthenticationMethod,
			}
		} else {
			reply.ReasonCode = packets.AuthReasonSuccess
		}
		return Outcome{Replies: []packets.Packet{reply}}, nil

	default:
		return Outcome{}, fmt.Errorf("protocol: unexpected packet type %T after connect", p)
	}
}
