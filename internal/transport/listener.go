// Package transport implements the broker's listening side (§10/§11,
// Persistence & Transport Shell, component I): plain TCP, TLS, and
// WebSocket/secure-WebSocket listeners, all exposed as plain net.Listener
// so the broker's accept loop never needs to know which one it is talking
// to. Grounded on the reference mqtt0 package's Listen/wsListener/wsConn,
// adapted from a standalone helper into the broker's own transport.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Kind is a listener's wire transport.
type Kind string

const (
	TCP Kind = "tcp"
	TLS Kind = "tls"
	WS  Kind = "ws"
	WSS Kind = "wss"
)

// Listen opens a listener for kind at addr. TLS and WSS require a non-nil
// tlsConfig. WebSocket connections are upgraded on "/mqtt" (and "/", for
// clients that don't pass a path) and speak the "mqtt" subprotocol.
func Listen(kind Kind, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case TCP, "":
		return net.Listen("tcp", withDefaultPort(addr, "1883"))

	case TLS:
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: tls listener requires a tls.Config")
		}
		return tls.Listen("tcp", withDefaultPort(addr, "8883"), tlsConfig)

	case WS:
		return newWebSocketListener(withDefaultPort(addr, "80"), nil)

	case WSS:
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: wss listener requires a tls.Config")
		}
		return newWebSocketListener(withDefaultPort(addr, "443"), tlsConfig)

	default:
		return nil, fmt.Errorf("transport: unsupported listener kind %q", kind)
	}
}

func withDefaultPort(addr, port string) string {
	if !strings.Contains(addr, ":") {
		return addr + ":" + port
	}
	return addr
}

// webSocketListener adapts an HTTP server upgrading every connection to a
// WebSocket into a net.Listener, so the broker's accept loop can treat it
// exactly like a TCP listener.
type webSocketListener struct {
	connCh    chan net.Conn
	errCh     chan error
	closeCh   chan struct{}
	closeOnce sync.Once
	server    *http.Server
	upgrader  websocket.Upgrader
	addr      net.Addr
}

func newWebSocketListener(addr string, tlsConfig *tls.Config) (*webSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	l := &webSocketListener{
		connCh:  make(chan net.Conn, 64),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
		addr:    ln.Addr(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.upgrade)
	mux.HandleFunc("/mqtt", l.upgrade)
	l.server = &http.Server{Handler: mux}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case l.errCh <- err:
			default:
			}
		}
	}()

	return l, nil
}

func (l *webSocketListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &websocketConn{ws: ws}
	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		conn.Close()
	}
}

func (l *webSocketListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *webSocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.server.Close()
	})
	return nil
}

func (l *webSocketListener) Addr() net.Addr { return l.addr }
