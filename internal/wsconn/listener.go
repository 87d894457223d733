package wsconn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Listener accepts WebSocket upgrades on one HTTP path and hands each
// session out through Accept.
type Listener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	log      *zap.Logger

	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
	serveErr  chan error
}

var _ net.Listener = (*Listener)(nil)

// Serve upgrades requests for path arriving on ln. Other requests, and
// plain requests for path, go to fallback; with no fallback they get 404 or
// a failed upgrade. An empty path with no fallback upgrades every request.
// The Listener owns ln.
func Serve(ln net.Listener, path string, fallback http.Handler, log *zap.Logger) *Listener {
	if path == "" && fallback == nil {
		path = "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Listener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      log,
		conns:    make(chan net.Conn),
		done:     make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		match := path == "/" || (path != "" && r.URL.Path == path)
		switch {
		case match && (fallback == nil || websocket.IsWebSocketUpgrade(r)):
			l.ServeHTTP(w, r)
		case fallback != nil:
			fallback.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	l.srv = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		l.serveErr <- l.srv.Serve(ln)
	}()
	return l
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade failed", zap.String("peer", r.RemoteAddr), zap.Error(err))
		return
	}
	c := NewConn(ws)
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	case <-r.Context().Done():
		_ = c.Close()
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case err := <-l.serveErr:
		// Serve failed on its own; keep reporting it.
		l.serveErr <- err
		if errors.Is(err, http.ErrServerClosed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
}

// Close stops the HTTP server and the underlying listener, giving requests
// in flight on the fallback a second to finish. Sessions already accepted
// are not affected.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
