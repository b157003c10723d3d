// Package directory implements the Global Directory: the process-wide
// client_id -> connection map, and the takeover handshake that runs when a
// second connection claims an already-connected client_id.
package directory

import (
	"sync"
	"time"

	"github.com/mqttforge/broker/internal/message"
	"github.com/mqttforge/broker/internal/session"
)

// ForwardMessage is what the directory (or another session) sends into a
// connection's forward_rx channel: either an inbound publish to deliver, or
// a control signal (Online for takeover, Kick for an administrative
// disconnect).
type ForwardMessage struct {
	Publish *message.Publish

	// Online, if non-nil, asks the receiving connection to drain its
	// Session into a session.State and send it back on this channel,
	// then tear itself down. Sent only by add_client's takeover path.
	Online chan session.State

	// Kick, if true, asks the receiving connection to disconnect
	// immediately without draining state (e.g. administrative action).
	Kick bool
}

// Sender is the per-connection bounded channel a session reads ForwardMessage
// from; add_client only needs to send and check whether the channel is
// still open, so it is modeled as the channel type directly.
type Sender = chan ForwardMessage

// Outcome reports what add_client found for the claimed client_id.
type Outcome int

const (
	// NewClient means no prior connection existed for this client_id.
	NewClient Outcome = iota
	// Present means a prior connection existed and was displaced; State
	// carries its drained session (zero value if the session was clean
	// or the takeover handshake timed out).
	Present
)

// AddClientReceipt is add_client's result.
type AddClientReceipt struct {
	Outcome Outcome
	State   session.State
}

// DefaultTakeoverTimeout bounds how long add_client waits for a displaced
// connection to drain its session during takeover, per §4.E.
const DefaultTakeoverTimeout = 10 * time.Second

// Directory is the process-wide client_id -> connection map.
type Directory struct {
	mu      sync.Mutex
	clients map[string]Sender
	slots   map[string]*sync.Mutex // per-client_id lock, held only across AddClient's own handshake

	// TakeoverTimeout overrides DefaultTakeoverTimeout; exported so tests
	// and operators tuning for slow clients can adjust it.
	TakeoverTimeout time.Duration
}

// New creates an empty Global Directory with DefaultTakeoverTimeout.
func New() *Directory {
	return &Directory{
		clients:         make(map[string]Sender),
		slots:           make(map[string]*sync.Mutex),
		TakeoverTimeout: DefaultTakeoverTimeout,
	}
}

// slotLock returns the per-clientID mutex that serializes AddClient calls
// for that id, creating it on first use.
func (d *Directory) slotLock(clientID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.slots[clientID]
	if !ok {
		l = &sync.Mutex{}
		d.slots[clientID] = l
	}
	return l
}

// AddClient registers newSender under clientID, running the takeover
// handshake against any prior connection. Only one AddClient call per
// clientID runs at a time — serialized by a per-id lock, not a
// directory-wide one, so a slow takeover handshake for one client_id never
// blocks unrelated clients from connecting. The slot's lock stays held
// until after the new sender is installed, guaranteeing a routing lookup
// followed by directory.Get never observes the new sender before any
// inherited state has been installed by the caller.
func (d *Directory) AddClient(clientID string, newSender Sender) AddClientReceipt {
	lock := d.slotLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	prior, existed := d.clients[clientID]
	d.mu.Unlock()

	if !existed {
		d.mu.Lock()
		d.clients[clientID] = newSender
		d.mu.Unlock()
		return AddClientReceipt{Outcome: NewClient}
	}

	state, ok := takeover(prior, d.TakeoverTimeout)

	d.mu.Lock()
	d.clients[clientID] = newSender
	d.mu.Unlock()

	if !ok {
		return AddClientReceipt{Outcome: Present, State: session.State{}}
	}
	return AddClientReceipt{Outcome: Present, State: state}
}

// takeover asks the prior connection to drain its session, bounded by
// timeout. ok is false if the prior channel had no room for the request or
// the old connection didn't respond in time — the caller proceeds with an empty state rather
// than blocking the new connection indefinitely.
func takeover(prior Sender, timeout time.Duration) (state session.State, ok bool) {
	reply := make(chan session.State, 1)
	select {
	case prior <- ForwardMessage{Online: reply}:
	default:
		// prior's channel is full; treat as gone.
		return session.State{}, false
	}

	select {
	case state, ok = <-reply:
		return state, ok
	case <-time.After(timeout):
		return session.State{}, false
	}
}

// RemoveClient clears clientID's entry. The caller is responsible for also
// unsubscribing the session's filters from the Route Table (§4.E) and
// clearing its Message Store for a clean session — the directory only owns
// the connection map.
func (d *Directory) RemoveClient(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.clients, clientID)
}

// Get returns the current sender for clientID, if connected.
func (d *Directory) Get(clientID string) (Sender, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.clients[clientID]
	return s, ok
}
