// Package store implements the Message Store: per-client inbound QoS-2
// staging and outbound pending queues for QoS 1/2 delivery, with an optional
// embedded-KV-backed implementation for surviving a broker restart.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/mqttforge/broker/internal/message"
)

// ErrFull is returned when a client's pending queue has reached its
// configured limit; the caller drops the new packet and signals back-pressure
// rather than growing the queue without bound.
var ErrFull = errors.New("message store: pending queue full")

// Pending is one outbound QoS-1/2 publish awaiting acknowledgement.
type Pending struct {
	Message          *message.Publish
	SubscribeQoS     uint8
	AddedAt          time.Time
	PubrecReceivedAt *time.Time
	Dup              bool
}

// PendingEntry pairs a Pending with the packet identifier it was stored
// under, returned by AllPending for resend on reconnect.
type PendingEntry struct {
	PacketID uint16
	Pending  *Pending
}

// Interface is one client's Message Store: the inbound QoS-2 registry plus
// the outbound pending queue, behind the one contract both the in-memory
// Store and the badger-backed Persistent implement, so the rest of the
// broker never needs to know which backend a session is using. One
// implementation exists per client_id for the lifetime of its session — not
// its connection, since a non-clean session's store survives a disconnect so
// unacknowledged messages can be redelivered.
type Interface interface {
	// SavePublish stages an inbound QoS-2 PUBLISH under packetID, to be
	// forwarded once the matching PUBREL arrives.
	SavePublish(packetID uint16, msg *message.Publish) error
	// Pubrel completes the inbound QoS-2 flow: it removes the staged entry
	// and returns its message for forwarding. A missing entry (duplicate
	// PUBREL) is reported via ok=false; the caller still answers PUBCOMP.
	Pubrel(packetID uint16) (msg *message.Publish, ok bool, err error)
	// SavePending records an outbound QoS-1/2 publish awaiting
	// acknowledgement. Returns ErrFull without storing once at capacity.
	SavePending(packetID uint16, p *Pending) error
	// AllPending returns every outbound entry still awaiting
	// acknowledgement, for re-emission on resume or reconnection.
	AllPending() ([]PendingEntry, error)
	// Puback removes an outbound QoS-1 entry once its PUBACK has arrived.
	Puback(packetID uint16) error
	// Pubrec marks an outbound QoS-2 entry's PUBREC as received. Returns
	// false if no entry matched.
	Pubrec(packetID uint16) (bool, error)
	// Pubcomp removes an outbound QoS-2 entry once its PUBCOMP has arrived.
	Pubcomp(packetID uint16) error
	// MessageCount returns the number of in-flight outbound messages, for
	// receive-maximum enforcement.
	MessageCount() (int, error)
	// ClearAll discards every inbound and outbound entry, for clean-session
	// teardown.
	ClearAll() error
}

// staged is one inbound QoS-2 publish awaiting its PUBREL.
type staged struct {
	message          *message.Publish
	receivedAt       time.Time
	pubrelReceivedAt *time.Time
}

// Store is the default, in-memory Interface implementation.
type Store struct {
	maxPackets int

	mu       sync.Mutex
	inbound  map[uint16]*staged
	outbound map[uint16]*Pending
}

var _ Interface = (*Store)(nil)

// New creates an empty in-memory Message Store. maxPackets bounds the
// outbound pending queue (the inbound QoS-2 registry is bounded implicitly
// by receive-maximum enforcement upstream, in the session object); 0 means
// unbounded.
func New(maxPackets int) *Store {
	return &Store{
		maxPackets: maxPackets,
		inbound:    make(map[uint16]*staged),
		outbound:   make(map[uint16]*Pending),
	}
}

func (s *Store) SavePublish(packetID uint16, msg *message.Publish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound[packetID] = &staged{message: msg, receivedAt: time.Now()}
	return nil
}

func (s *Store) Pubrel(packetID uint16) (msg *message.Publish, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, found := s.inbound[packetID]
	if !found {
		return nil, false, nil
	}
	delete(s.inbound, packetID)
	return st.message, true, nil
}

func (s *Store) SavePending(packetID uint16, p *Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxPackets > 0 && len(s.outbound) >= s.maxPackets {
		if _, exists := s.outbound[packetID]; !exists {
			return ErrFull
		}
	}
	s.outbound[packetID] = p
	return nil
}

func (s *Store) AllPending() ([]PendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingEntry, 0, len(s.outbound))
	for id, p := range s.outbound {
		out = append(out, PendingEntry{PacketID: id, Pending: p})
	}
	return out, nil
}

func (s *Store) Puback(packetID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbound, packetID)
	return nil
}

func (s *Store) Pubrec(packetID uint16) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.outbound[packetID]
	if !ok {
		return false, nil
	}
	now := time.Now()
	p.PubrecReceivedAt = &now
	p.Dup = true
	return true, nil
}

func (s *Store) Pubcomp(packetID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbound, packetID)
	return nil
}

func (s *Store) MessageCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound), nil
}

func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = make(map[uint16]*staged)
	s.outbound = make(map[uint16]*Pending)
	return nil
}
