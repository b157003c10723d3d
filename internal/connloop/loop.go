// Package connloop implements the Connection Event Loop (§4.F): the
// reader/writer task pair spawned per connection once CONNECT is accepted,
// and the clean-session finalizer that runs when the writer loop exits.
// Grounded on the teacher's client.go readLoop/writeLoop pair — the same
// shape, re-pointed from "one client talking to one server" to "one
// broker connection serving one client", with the Protocol State Machine
// (internal/protocol) standing in for the teacher's own handleIncoming.
package connloop

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/mqttforge/broker/internal/directory"
	"github.com/mqttforge/broker/internal/message"
	"github.com/mqttforge/broker/internal/packets"
	"github.com/mqttforge/broker/internal/protocol"
	"github.com/mqttforge/broker/internal/store"
)

// readQueueDepth bounds read_rx, mirroring the teacher's unbounded-but-
// drained incoming channel with an explicit cap so a stalled writer can't
// let the reader buffer unboundedly.
const readQueueDepth = 8

// Options configures one connection's event loop.
type Options struct {
	Engine    *protocol.Engine
	Conn      *protocol.Conn // Session + Message Store, already populated by HandleConnect
	NetConn   net.Conn
	ForwardRx directory.Sender // this connection's own slot in the Global Directory
	Logger    *slog.Logger

	MaxIncomingPacket int // 0 uses the wire codec's default ceiling

	// OnClose runs once the writer loop exits and the clean-session
	// finalizer has completed — the caller's chance to do its own
	// net.Conn.Close() bookkeeping (Run does not close NetConn itself,
	// since the caller owns its lifetime).
	OnClose func()
}

// Run drives one connection to completion: spawns the reader, runs the
// writer loop inline, and on exit runs the clean-session finalizer. It
// returns once the writer loop, the finalizer and OnClose have run; it
// does not wait for the reader goroutine.
func Run(opts Options) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	readRx := make(chan packets.Packet, readQueueDepth)
	stop := make(chan struct{})

	go readLoop(opts.NetConn, opts.Conn.Session.ProtocolVersion, opts.MaxIncomingPacket, readRx, stop, opts.Logger)

	writeLoop(opts, readRx, stop)

	if opts.OnClose != nil {
		opts.OnClose()
	}
}

func readLoop(conn net.Conn, version uint8, maxPacket int, readRx chan<- packets.Packet, stop chan struct{}, logger *slog.Logger) {
	br := bufio.NewReader(conn)
	for {
		pkt, err := packets.ReadPacket(br, version, maxPacket)
		if err != nil {
			logger.Debug("connloop: read error, closing", "error", err)
			close(stop)
			return
		}
		select {
		case readRx <- pkt:
		case <-stop:
			return
		}
	}
}

func writeLoop(opts Options, readRx <-chan packets.Packet, stop <-chan struct{}) {
	bw := bufio.NewWriter(opts.NetConn)
	sess := opts.Conn.Session

	var tickerCh <-chan time.Time
	if sess.KeepAlive > 0 {
		ticker := time.NewTicker(time.Duration(sess.KeepAlive) * time.Second / 2)
		defer ticker.Stop()
		tickerCh = ticker.C
	}
	lastPacketAt := time.Now()

	writePacket := func(p packets.Packet) bool {
		if _, err := p.WriteTo(bw); err != nil {
			opts.Logger.Debug("connloop: write error, closing", "error", err)
			return false
		}
		return true
	}

	cleanDisconnect := false

	if !replayPending(opts, writePacket, bw) {
		finalize(opts, false)
		return
	}

loop:
	for {
		select {
		case pkt, ok := <-readRx:
			if !ok {
				break loop
			}
			lastPacketAt = time.Now()
			outcome, err := opts.Engine.HandlePacket(opts.Conn, pkt)
			if err != nil {
				opts.Logger.Debug("connloop: protocol error, closing", "error", err, "reason_code", protocol.ReasonCode(err))
				break loop
			}
			allWritten := true
			for _, reply := range outcome.Replies {
				if !writePacket(reply) {
					allWritten = false
					break
				}
			}
			if !allWritten || bw.Flush() != nil {
				break loop
			}
			dispatchForwards(opts, outcome.Forward)
			if outcome.Close {
				cleanDisconnect = true
				break loop
			}

		case fwd, ok := <-opts.ForwardRx:
			if !ok {
				break loop
			}
			if fwd.Online != nil {
				fwd.Online <- sess.BuildState()
				break loop
			}
			if fwd.Kick {
				break loop
			}
			if fwd.Publish == nil {
				continue
			}
			delivery := protocol.Delivery{ClientID: sess.ClientID, Publish: messageToPacket(fwd.Publish)}
			if err := opts.Engine.OutboundQoSAssign(opts.Conn, delivery); err != nil {
				opts.Logger.Debug("connloop: drop forwarded publish, pending queue full", "error", err)
				continue
			}
			if !writePacket(delivery.Publish) || bw.Flush() != nil {
				break loop
			}

		case <-tickerCh:
			timeout := time.Duration(sess.KeepAlive) * time.Second * 3 / 2
			if time.Since(lastPacketAt) >= timeout {
				opts.Logger.Debug("connloop: keep-alive timeout, closing", "client_id", sess.ClientID)
				break loop
			}

		case <-stop:
			break loop
		}
	}

	finalize(opts, cleanDisconnect)
}

// replayPending drains the backlog a reconnecting non-clean session left in
// its Message Store (§4.F, §8 Testable Property 6 / Scenario S5) and
// re-emits every entry with Dup set before the connection starts serving
// new traffic. Returns false if a write failed, in which case the caller
// tears the connection down the same way a mid-loop write failure would.
func replayPending(opts Options, writePacket func(packets.Packet) bool, bw *bufio.Writer) bool {
	if opts.Conn.Store == nil {
		return true
	}
	entries, err := opts.Conn.Store.AllPending()
	if err != nil {
		opts.Logger.Debug("connloop: replay pending backlog", "error", err)
		return true
	}
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		pkt := messageToPacket(e.Pending.Message)
		pkt.PacketID = e.PacketID
		pkt.QoS = e.Pending.SubscribeQoS
		pkt.Dup = true
		if !writePacket(pkt) {
			return false
		}
	}
	return bw.Flush() == nil
}

func dispatchForwards(opts Options, deliveries []protocol.Delivery) {
	for _, d := range deliveries {
		sender, ok := opts.Engine.Directory.Get(d.ClientID)
		if !ok {
			continue
		}
		select {
		case sender <- directory.ForwardMessage{Publish: packetToMessage(d.Publish)}:
		default:
			opts.Logger.Debug("connloop: recipient forward_rx full, dropping", "client_id", d.ClientID)
		}
	}
}

func packetToMessage(p *packets.PublishPacket) *message.Publish {
	return &message.Publish{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
		Dup:     p.Dup,
	}
}

func messageToPacket(m *message.Publish) *packets.PublishPacket {
	return &packets.PublishPacket{
		Topic:   m.Topic,
		Payload: m.Payload,
		QoS:     m.QoS,
		Retain:  m.Retain,
		Dup:     m.Dup,
	}
}

// finalize runs the clean-session teardown named in §4.F: after
// dispatching an undelivered will, a session whose
// session_expiry_interval is non-zero keeps draining forward_rx into its
// Message Store until the interval ends (drainExpiring), then is removed
// from the Directory and Route Table; a clean session is removed from the
// Directory, its Route Table subscriptions dropped, and its Message Store
// cleared.
func finalize(opts Options, cleanDisconnect bool) {
	sess := opts.Conn.Session
	sess.ServerDisconnected = !cleanDisconnect

	if !cleanDisconnect && sess.LastWill != nil {
		dispatchWill(opts)
	}

	if sess.CleanSession || sess.SessionExpiryInterval == 0 {
		opts.Engine.Directory.RemoveClient(sess.ClientID)
		opts.Engine.Routes.UnsubscribeAll(sess.ClientID)
		if opts.Conn.Store != nil {
			if err := opts.Conn.Store.ClearAll(); err != nil {
				opts.Logger.Debug("connloop: clear message store", "error", err)
			}
		}
		return
	}

	drainExpiring(opts, time.Duration(sess.SessionExpiryInterval)*time.Second)
}

func dispatchWill(opts Options) {
	will := opts.Conn.Session.LastWill
	msg := &message.Publish{Topic: will.Topic, Payload: will.Payload, QoS: will.QoS, Retain: will.Retain}
	if will.Retain {
		if len(msg.Payload) == 0 {
			opts.Engine.Retained.Remove(msg.Topic)
		} else {
			opts.Engine.Retained.Insert(msg.Topic, msg)
		}
	}
	dispatchForwards(opts, opts.Engine.Forward(opts.Conn.Session.ClientID, msg))
}

// drainExpiring keeps this connection's forward_rx slot draining for up to
// expiry, saving any QoS 1/2 publish it receives into the Message Store so
// a reconnecting client gets it redelivered, per §4.F. A zero expiry
// returns immediately (equivalent to removing the client).
func drainExpiring(opts Options, expiry time.Duration) {
	if expiry <= 0 {
		opts.Engine.Directory.RemoveClient(opts.Conn.Session.ClientID)
		opts.Engine.Routes.UnsubscribeAll(opts.Conn.Session.ClientID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), expiry)
	defer cancel()
	for {
		select {
		case fwd, ok := <-opts.ForwardRx:
			if !ok {
				return
			}
			if fwd.Publish != nil && fwd.Publish.QoS > 0 && opts.Conn.Store != nil {
				packetID := opts.Conn.Session.IncrServerPacketID()
				if err := opts.Conn.Store.SavePending(packetID, &store.Pending{
					Message:      fwd.Publish,
					SubscribeQoS: fwd.Publish.QoS,
					AddedAt:      time.Now(),
				}); err != nil {
					opts.Logger.Debug("connloop: drop offline publish, pending queue full", "error", err)
				}
			}
		case <-ctx.Done():
			opts.Engine.Directory.RemoveClient(opts.Conn.Session.ClientID)
			opts.Engine.Routes.UnsubscribeAll(opts.Conn.Session.ClientID)
			return
		}
	}
}
