package transport

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsListener wraps a raw TCP listener, running an HTTP server that upgrades
// every inbound request to a WebSocket connection and hands it back out as
// a plain net.Conn over acceptCh.
type wsListener struct {
	inner    net.Listener
	acceptCh chan net.Conn
	errCh    chan error
}

func newWSListener(inner net.Listener) *wsListener {
	l := &wsListener{inner: inner, acceptCh: make(chan net.Conn), errCh: make(chan error, 1)}
	go l.serve()
	return l
}

func (l *wsListener) serve() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		l.acceptCh <- wsConnToNetConn(conn)
	})
	srv := &http.Server{Handler: mux}
	if err := srv.Serve(l.inner); err != nil {
		select {
		case l.errCh <- err:
		default:
		}
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case err := <-l.errCh:
		return nil, err
	}
}

func (l *wsListener) Close() error   { return l.inner.Close() }
func (l *wsListener) Addr() net.Addr { return l.inner.Addr() }

// wsConn adapts a *websocket.Conn's message framing to the byte-stream
// net.Conn contract the rest of the transport expects, buffering partial
// reads across message boundaries.
type wsConn struct {
	*websocket.Conn
	readBuf []byte
}

func wsConnToNetConn(c *websocket.Conn) net.Conn { return &wsConn{Conn: c} }

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.readBuf = msg
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
