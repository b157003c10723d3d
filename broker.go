// Package broker implements the MQTT v3.1.1/v5.0 broker described by this
// repository: a Broker wires the Route Table, Retained Store, Global
// Directory, Message Store, and Protocol State Machines together and
// drives one Connection Event Loop per accepted net.Conn.
package broker

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/connloop"
	"github.com/mqttforge/broker/internal/directory"
	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/protocol"
	"github.com/mqttforge/broker/internal/retain"
	"github.com/mqttforge/broker/internal/route"
	"github.com/mqttforge/broker/internal/session"
	"github.com/mqttforge/broker/internal/store"
	"github.com/mqttforge/broker/internal/transport"
)

// Broker is one running MQTT broker instance: the shared subscription,
// retained-message, and client-directory state plus the Protocol State
// Machine wired on top of them. One Broker can serve any number of
// listeners (TCP, TLS, WS, WSS) concurrently.
type Broker struct {
	engine *protocol.Engine
	logger *slog.Logger
	limits session.Limits

	connectTimeout    time.Duration
	maxIncomingPacket int
	storeMaxPending   int
	newStore          func(clientID string) store.Interface

	mu        sync.Mutex
	listeners []net.Listener
	// sessionStores keeps a non-clean session's Message Store alive
	// across reconnects, keyed by client_id: one Store per client_id for
	// the lifetime of its session, not its connection.
	sessionStores map[string]store.Interface
}

// Option configures a Broker, following the teacher's functional-options
// pattern (options.go's `Option func(*clientOptions)`), generalized from
// client dial-time configuration to broker construction-time configuration.
type Option func(*Broker)

// WithAuthenticator sets the authorize boundary consulted on every
// CONNECT. Defaults to auth.AllowAll{}.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(b *Broker) { b.engine.Authorizer = a }
}

// WithLogger sets the broker's structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithLimits overrides the default topic-length/payload-size ceilings
// applied to every connection's inbound PUBLISH/SUBSCRIBE.
func WithLimits(limits session.Limits) Option {
	return func(b *Broker) { b.limits = limits }
}

// WithConnectTimeout bounds how long Broker waits for a CONNECT packet
// after accepting a connection before closing it.
func WithConnectTimeout(d time.Duration) Option {
	return func(b *Broker) { b.connectTimeout = d }
}

// WithMaxIncomingPacket bounds the largest packet the wire codec will
// decode per connection; 0 uses the codec's own default ceiling.
func WithMaxIncomingPacket(n int) Option {
	return func(b *Broker) { b.maxIncomingPacket = n }
}

// WithPendingQueueLimit bounds each client's outbound QoS-1/2 pending
// queue (internal/store.New's maxPackets); 0 means unbounded.
func WithPendingQueueLimit(n int) Option {
	return func(b *Broker) { b.storeMaxPending = n }
}

// WithPersistentStore swaps the in-memory Message Store factory for one
// backed by an embedded KV store (see config.go for wiring a badger
// database through this hook), so unacknowledged QoS-1/2 messages survive
// a broker restart. factory receives the owning client_id so the backend
// can namespace keys per §6's persisted-state layout.
func WithPersistentStore(factory func(clientID string) store.Interface) Option {
	return func(b *Broker) { b.newStore = factory }
}

// New constructs a Broker from its component parts (§2's dependency order
// A, B, C ← D ← E ← G ← F) and applies opts.
func New(opts ...Option) *Broker {
	b := &Broker{
		engine:          protocol.NewEngine(route.New(), retain.New(), directory.New(), auth.AllowAll{}),
		logger:          slog.Default(),
		connectTimeout:  10 * time.Second,
		sessionStores:   make(map[string]store.Interface),
		storeMaxPending: 1000,
	}
	b.newStore = func(clientID string) store.Interface { return store.New(b.storeMaxPending) }
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve opens a listener of the given transport kind at addr and runs its
// accept loop until ctx is cancelled or the listener errors. Call Serve
// once per address the broker should listen on; each call blocks, so run
// it in its own goroutine for additional listeners.
func (b *Broker) Serve(ctx context.Context, kind transport.Kind, addr string, tlsConfig *tls.Config) error {
	ln, err := transport.Listen(kind, addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("broker: listen %s %s: %w", kind, addr, err)
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, ln)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	b.logger.Info("broker: listening", "kind", kind, "addr", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker: accept on %s: %w", addr, err)
		}
		go b.acceptConn(conn)
	}
}

// Close shuts down every listener Serve opened.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, ln := range b.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// acceptConn runs the handshake named in §4.G's CONNECT acceptance for one
// freshly accepted net.Conn, then, on success, hands it to the Connection
// Event Loop (internal/connloop) for the rest of its lifetime.
func (b *Broker) acceptConn(netConn net.Conn) {
	netConn.SetReadDeadline(time.Now().Add(b.connectTimeout))
	br := bufio.NewReader(netConn)

	first, err := packets.ReadPacket(br, 5, b.maxIncomingPacket)
	if err != nil {
		b.logger.Debug("broker: failed to read connect packet", "error", err)
		netConn.Close()
		return
	}
	connect, ok := first.(*packets.ConnectPacket)
	if !ok {
		b.logger.Debug("broker: first packet was not CONNECT", "type", fmt.Sprintf("%T", first))
		netConn.Close()
		return
	}

	netConn.SetReadDeadline(time.Time{})

	sender := make(directory.Sender, 8)
	outcome, err := b.engine.HandleConnect(connect, sender, b.limits)
	if err != nil {
		b.rejectConnect(netConn, connect, err)
		return
	}

	sessStore := b.sessionStoreFor(outcome.Conn.Session.ClientID, outcome.Conn.Session.CleanSession)
	outcome.Conn.Store = sessStore

	if _, err := outcome.Connack.WriteTo(netConn); err != nil {
		b.logger.Debug("broker: failed to write connack", "error", err)
		netConn.Close()
		return
	}

	b.logger.Info("broker: client connected", "client_id", outcome.Conn.Session.ClientID, "protocol_version", connect.ProtocolLevel)

	connloop.Run(connloop.Options{
		Engine:            b.engine,
		Conn:              outcome.Conn,
		NetConn:           netConn,
		ForwardRx:         sender,
		Logger:            b.logger,
		MaxIncomingPacket: b.maxIncomingPacket,
		OnClose: func() {
			netConn.Close()
			b.logger.Info("broker: client disconnected", "client_id", outcome.Conn.Session.ClientID)
		},
	})
}

func (b *Broker) rejectConnect(netConn net.Conn, connect *packets.ConnectPacket, err error) {
	reason := protocol.ReasonCode(err)
	b.logger.Debug("broker: connect rejected", "client_id", connect.ClientID, "error", err, "reason_code", reason)
	connack := &packets.ConnackPacket{ReturnCode: v311ReturnCode(reason)}
	if connect.ProtocolLevel >= 5 {
		connack.ReturnCode = reason
	}
	connack.WriteTo(netConn)
	netConn.Close()
}

// v311ReturnCode maps a v5.0 reason code to the nearest v3.1.1 CONNACK
// return code, for connections that never negotiated v5.0's richer code
// space.
func v311ReturnCode(reason uint8) uint8 {
	switch reason {
	case auth.ReasonBadUsernameOrPassword:
		return packets.ConnRefusedBadUsernameOrPassword
	case auth.ReasonNotAuthorized:
		return packets.ConnRefusedNotAuthorized
	case packets.ConnRefusedIdentifierRejected:
		return packets.ConnRefusedIdentifierRejected
	default:
		return packets.ConnRefusedServerUnavailable
	}
}

func (b *Broker) sessionStoreFor(clientID string, cleanSession bool) store.Interface {
	if cleanSession {
		b.mu.Lock()
		delete(b.sessionStores, clientID)
		b.mu.Unlock()
		return b.newStore(clientID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessionStores[clientID]; ok {
		return s
	}
	s := b.newStore(clientID)
	b.sessionStores[clientID] = s
	return s
}
