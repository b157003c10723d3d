// Package session implements the Session Object: the pure, in-memory state
// of one MQTT client (immutable identity, negotiated parameters, runtime
// counters and subscriptions), with no I/O of its own. The Connection Event
// Loop's writer task is the only goroutine that ever touches a Session.
package session

import (
	"errors"

	"github.com/mqttforge/broker/internal/route"
)

// ErrUnknownTopicAlias is returned by ResolveInboundAlias when a PUBLISH
// carries only an alias (empty topic name) that was never registered.
var ErrUnknownTopicAlias = errors.New("session: unknown inbound topic alias")

// LastWill is the Session's staged will message, published by the
// Connection Event Loop's clean-session finalizer if the client disconnects
// without sending DISCONNECT.
type LastWill struct {
	Topic      string
	Payload    []byte
	QoS        uint8
	Retain     bool
	DelaySecs  uint32
	Properties map[string]string
}

// State is the portion of a Session that survives a takeover: everything
// the incoming connection needs to pick up where the outgoing one left off.
// Built by BuildState, installed by CopyState.
type State struct {
	ServerPacketID      uint16
	Subscriptions       map[string]route.Options
	InboundTopicAliases map[uint16]string
}

// Session is one client's negotiated connection state.
type Session struct {
	// immutable
	ClientID          string
	AssignedClientID  bool // true if the server generated ClientID
	ProtocolVersion   uint8
	Username          string

	// negotiated
	CleanSession          bool // v4
	SessionExpiryInterval uint32 // v5; 0 behaves like CleanSession
	KeepAlive             uint16
	ReceiveMaximum        uint16
	MaxPacketSize         uint32
	TopicAliasMax         uint16
	RequestProblemInfo    bool
	RequestResponseInfo   bool
	UserProperties        map[string]string
	AuthenticationMethod  string

	// runtime
	LastPacketAt        int64 // monotonic nanoseconds, caller-supplied
	serverPacketID      uint16
	subscriptions       map[string]route.Options
	LastWill            *LastWill
	ClientDisconnected  bool
	ServerDisconnected  bool
	inboundTopicAliases map[uint16]string
}

// New creates a Session for a freshly accepted CONNECT.
func New(clientID string, protocolVersion uint8) *Session {
	return &Session{
		ClientID:            clientID,
		ProtocolVersion:     protocolVersion,
		subscriptions:       make(map[string]route.Options),
		inboundTopicAliases: make(map[uint16]string),
	}
}

// Disconnected reports whether either side has ended the connection.
func (s *Session) Disconnected() bool {
	return s.ClientDisconnected || s.ServerDisconnected
}

// IncrServerPacketID returns the next packet identifier for a
// server-originated PUBLISH: a monotonic ring over [1, 65535] that skips 0.
func (s *Session) IncrServerPacketID() uint16 {
	s.serverPacketID++
	if s.serverPacketID == 0 {
		s.serverPacketID = 1
	}
	return s.serverPacketID
}

// Subscribe records filter with opts, returning whether the client was
// already subscribed to it (a resubscribe, per MQTT, replaces the granted
// options rather than duplicating the entry).
func (s *Session) Subscribe(filter string, opts route.Options) (existedBefore bool) {
	_, existedBefore = s.subscriptions[filter]
	s.subscriptions[filter] = opts
	return existedBefore
}

// Unsubscribe removes filter, reporting whether it was present.
func (s *Session) Unsubscribe(filter string) (existed bool) {
	_, existed = s.subscriptions[filter]
	delete(s.subscriptions, filter)
	return existed
}

// Subscriptions returns the client's current filter -> options map. The
// caller must not mutate it directly.
func (s *Session) Subscriptions() map[string]route.Options {
	return s.subscriptions
}

// ResolveInboundAlias implements the topic-alias supplement to §4.D: an
// inbound PUBLISH carrying both a topic alias and a non-empty topic name
// registers the mapping and returns the topic as-is. One carrying only the
// alias (empty topic name) resolves it from the session's table, returning
// ErrUnknownTopicAlias if the alias was never registered.
func (s *Session) ResolveInboundAlias(alias uint16, topic string) (string, error) {
	if topic != "" {
		s.inboundTopicAliases[alias] = topic
		return topic, nil
	}
	resolved, ok := s.inboundTopicAliases[alias]
	if !ok {
		return "", ErrUnknownTopicAlias
	}
	return resolved, nil
}

// BuildState drains the parts of the Session a takeover hands to the
// incoming connection, per §4.E.
func (s *Session) BuildState() State {
	return State{
		ServerPacketID:      s.serverPacketID,
		Subscriptions:       s.subscriptions,
		InboundTopicAliases: s.inboundTopicAliases,
	}
}

// CopyState installs a State drained from the outgoing connection during
// takeover, or restored from a persisted non-clean session.
func (s *Session) CopyState(st State) {
	s.serverPacketID = st.ServerPacketID
	if st.Subscriptions != nil {
		s.subscriptions = st.Subscriptions
	}
	if st.InboundTopicAliases != nil {
		s.inboundTopicAliases = st.InboundTopicAliases
	}
}
