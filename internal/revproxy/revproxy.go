package revproxy

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/paproxy/internal/proxy"
)

// Recorder receives one call per proxied request. Implementations must not
// block.
type Recorder interface {
	RecordRequest(entry, path string, status int, sent, received uint64)
}

type Options struct {
	// Entry names the listener in records and logs.
	Entry string
	// Target is the origin, such as https://example.com. Its path, if any,
	// prefixes every request path.
	Target *url.URL

	// Dialer opens connections to the origin; nil dials directly.
	Dialer proxy.Dialer
	// TLS configures connections to an https origin.
	TLS *tls.Config

	NegotiationTimeout time.Duration
	IdleTimeout        time.Duration

	Recorder Recorder
	Logger   *zap.Logger
}

// Handler proxies every request to the origin.
type Handler struct {
	entry string
	rp    *httputil.ReverseProxy
	rec   Recorder
	log   *zap.Logger
}

var _ http.Handler = (*Handler)(nil)

func New(opts Options) (*Handler, error) {
	if opts.Target == nil || opts.Target.Host == "" {
		return nil, errors.New("reverse proxy: missing target host")
	}
	if opts.Target.Scheme != "http" && opts.Target.Scheme != "https" {
		return nil, errors.New("reverse proxy: target scheme must be http or https")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	h := &Handler{entry: opts.Entry, rec: opts.Recorder, log: log}
	target := opts.Target
	h.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
		},
		Transport:     newTransport(opts),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  h.proxyError,
		BufferPool:    bufferPool{proxy.NewBufferPool(32 * 1024)},
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := &countingBody{ReadCloser: r.Body}
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = body
	}
	cw := &countingWriter{ResponseWriter: w}

	h.rp.ServeHTTP(cw, r)

	if h.rec != nil {
		h.rec.RecordRequest(h.entry, r.URL.Path, cw.status(), body.n.Load(), cw.n)
	}
}

func (h *Handler) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Debug("proxying request",
		zap.String("entry", h.entry),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func newTransport(opts Options) *http.Transport {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.TLS != nil {
		tc = opts.TLS.Clone()
	}
	tc.ClientSessionCache = tls.NewLRUClientSessionCache(0)

	var dial proxy.Dialer = &net.Dialer{}
	if opts.Dialer != nil {
		dial = opts.Dialer
	}
	return &http.Transport{
		DialContext:         dial.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 128,
		IdleConnTimeout:     opts.IdleTimeout,
		TLSHandshakeTimeout: opts.NegotiationTimeout,
		TLSClientConfig:     tc,
	}
}

// countingBody counts request body bytes as the transport reads them, which
// may continue on another goroutine.
type countingBody struct {
	io.ReadCloser
	n atomic.Uint64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(uint64(n))
	return n, err
}

type countingWriter struct {
	http.ResponseWriter
	code int
	n    uint64
}

func (w *countingWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += uint64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach Flush on the real writer.
func (w *countingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *countingWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

// bufferPool adapts proxy.BufferPool to httputil.BufferPool.
type bufferPool struct {
	p *proxy.BufferPool
}

func (b bufferPool) Get() []byte     { return *b.p.Get() }
func (b bufferPool) Put(buf []byte) { b.p.Put(&buf) }
