package hxbench

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler must process incoming requests.
//
// Returning an error aborts the exchange: nothing is written for the
// request and the connection is closed.
//
// Consider wrapping Handler into TimeoutHandler if response time
// must be limited.
type Handler func(ctx *Ctx) error

// DefaultAddr is the address served by the benchmark binaries.
const DefaultAddr = "127.0.0.1:8080"

// DefaultMaxRequestBodySize is the maximum request body size the server
// reads by default.
const DefaultMaxRequestBodySize = 4 * 1024 * 1024

// Server implements HTTP server.
//
// It is forbidden copying Server instances. Create new Server instances
// instead.
//
// It is safe to call Server methods from concurrently running goroutines.
type Server struct {
	noCopy noCopy //nolint:unused,structcheck

	// Handler for processing incoming requests.
	//
	// Hello wrapped into TimeoutHandler with DefaultHandlerTimeout
	// is used if not set.
	Handler Handler

	// ErrorHandler for returning a response in case of an error while
	// receiving or parsing the request.
	//
	// The connection is closed after the response is written.
	ErrorHandler func(ctx *Ctx, err error)

	// Server name for sending in response headers.
	//
	// Default server name is used if left blank.
	Name string

	// Number of OS threads running connection tasks.
	//
	// Must be positive: Serve and ListenAndServe refuse to start otherwise.
	Workers int

	// Per-connection buffer size for requests' reading.
	// This also limits the maximum header size.
	//
	// Default buffer size is used if not set.
	ReadBufferSize int

	// Per-connection buffer size for responses' writing.
	//
	// Default buffer size is used if not set.
	WriteBufferSize int

	// ReadTimeout is the amount of time allowed to read
	// the full request including body. It also bounds the wait
	// for the first request on a new connection.
	//
	// By default request read timeout is unlimited.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out
	// writes of the response. It is reset after the request handler
	// has returned.
	//
	// By default response write timeout is unlimited.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the
	// next request on a keep-alive connection. If IdleTimeout
	// is zero, the value of ReadTimeout is used.
	IdleTimeout time.Duration

	// Maximum request body size.
	//
	// DefaultMaxRequestBodySize is used if not set.
	MaxRequestBodySize int

	// Whether the operating system should send tcp keep-alive messages
	// on accepted connections. Only used by ListenAndServe.
	TCPKeepalive bool

	// Period between tcp keep-alive messages.
	//
	// TCP keep-alive period is determined by operation system by default.
	TCPKeepalivePeriod time.Duration

	// ReusePort makes ListenAndServe bind with SO_REUSEPORT, so several
	// processes may serve the same address.
	ReusePort bool

	// NoDefaultServerHeader, when set to true, causes the default Server header
	// to be excluded from the Response.
	NoDefaultServerHeader bool

	// ConnState specifies an optional callback function that is
	// called when a client connection changes state. See the
	// ConnState type and associated constants for details.
	ConnState func(net.Conn, ConnState)

	// Logger for connection errors and Ctx.Logger().
	//
	// Nop by default.
	Logger *zap.Logger

	serverName atomic.Value

	ctxPool    sync.Pool
	readerPool sync.Pool
	writerPool sync.Pool

	open atomic.Int32
}

var defaultHandler = TimeoutHandler(Hello, DefaultHandlerTimeout)

// tcpKeepaliveListener sets TCP keep-alive timeouts on accepted
// connections, so dead TCP connections eventually go away.
type tcpKeepaliveListener struct {
	*net.TCPListener
	keepalive       bool
	keepalivePeriod time.Duration
}

func (ln tcpKeepaliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err := tc.SetKeepAlive(ln.keepalive); err != nil {
		_ = tc.Close()
		return nil, err
	}
	if ln.keepalivePeriod > 0 {
		if err := tc.SetKeepAlivePeriod(ln.keepalivePeriod); err != nil {
			_ = tc.Close()
			return nil, err
		}
	}
	return tc, nil
}

// ListenAndServe serves HTTP requests from the given TCP4 addr.
//
// The worker count is validated before binding, so an invalid
// configuration never opens a listener.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if s.Workers <= 0 {
		return errors.Wrapf(ErrInvalidWorkers, "got %d", s.Workers)
	}
	ln, err := s.listen(addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	if tcpln, ok := ln.(*net.TCPListener); ok {
		ln = tcpKeepaliveListener{
			TCPListener:     tcpln,
			keepalive:       s.TCPKeepalive,
			keepalivePeriod: s.TCPKeepalivePeriod,
		}
	}
	return s.Serve(ctx, ln)
}

// Serve serves incoming connections from the given listener.
//
// Each accepted connection is served by its own task on a Runtime with
// Workers threads. Serve blocks until the listener is closed, ctx is
// done (the listener is closed then), or Accept returns an error. The
// latter is fatal and returned; connection errors are only logged.
//
// Serve doesn't wait for the connections it has accepted.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	rt, err := NewRuntime(s.Workers, s.logger())
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-stop:
		}
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		defer close(stop)
		for {
			c, err := accept(ln)
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return errors.Wrap(err, "accept")
			}
			s.setState(c, StateNew)
			rt.Go(func() error {
				return s.ServeConn(ctx, c)
			},
				zap.Stringer("remote", c.RemoteAddr()),
			)
		}
	})

	return g.Wait()
}

// accept returns io.EOF if ln is closed. Other errors are returned
// as is and logged by the caller of Serve.
func accept(ln net.Listener) (net.Conn, error) {
	c, err := ln.Accept()
	if err != nil {
		if c != nil {
			panic("BUG: net.Listener returned non-nil conn and non-nil error")
		}
		if errors.Is(err, net.ErrClosed) || err == io.EOF ||
			strings.Contains(err.Error(), "use of closed network connection") {
			return nil, io.EOF
		}
		return nil, err
	}
	if c == nil {
		panic("BUG: net.Listener returned (nil, nil)")
	}
	return c, nil
}

var nopLogger = zap.NewNop()

func (s *Server) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return nopLogger
}

// ServeConn serves HTTP requests from the given connection.
//
// ServeConn returns nil if all requests from the c are successfully served.
// It returns non-nil error otherwise.
//
// Connection c must immediately propagate all the data passed to Write()
// to the client. Otherwise, requests' processing may hang.
//
// ServeConn closes c before returning.
func (s *Server) ServeConn(ctx context.Context, c net.Conn) (err error) {
	s.open.Add(1)
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			err = multierr.Append(err, errors.Wrap(closeErr, "close"))
		}
		s.setState(c, StateClosed)
		s.open.Add(-1)
	}()

	return s.serveConn(ctx, c)
}

// OpenConnections returns a number of opened connections.
//
// This function is intended be used by monitoring systems.
func (s *Server) OpenConnections() int32 {
	return s.open.Load()
}

var globalConnID atomic.Uint64

func nextConnID() uint64 {
	return globalConnID.Add(1)
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout != 0 {
		return s.IdleTimeout
	}
	return s.ReadTimeout
}

func (s *Server) maxRequestBodySize() int {
	if s.MaxRequestBodySize > 0 {
		return s.MaxRequestBodySize
	}
	return DefaultMaxRequestBodySize
}

func (s *Server) handler() Handler {
	if s.Handler != nil {
		return s.Handler
	}
	return defaultHandler
}

var zeroTime time.Time

func (s *Server) serveConn(ctx context.Context, c net.Conn) (err error) {
	var serverName []byte
	if !s.NoDefaultServerHeader {
		serverName = s.getServerName()
	}
	var (
		h        = s.handler()
		connID   = nextConnID()
		connTime = time.Now()

		previousWriteTimeout time.Duration
	)

	rctx := s.acquireCtx(c)
	rctx.connID = connID
	rctx.connTime = connTime
	rctx.lg = s.logger()
	rctx.done = ctx.Done()

	br := s.acquireReader(c)
	bw := s.acquireWriter(c)
	defer func() {
		// Responses of already served requests are sent even if
		// the current one failed.
		if bw.Buffered() > 0 {
			if flushErr := bw.Flush(); flushErr != nil {
				err = multierr.Append(err, errors.Wrap(flushErr, "flush"))
			}
		}
		s.releaseReader(br)
		s.releaseWriter(bw)
		s.releaseCtx(rctx)
	}()

	for connRequestNum := uint64(1); ; connRequestNum++ {
		// If we have pipelined responses in the outgoing buffer,
		// we only keep them there while the next request is already
		// buffered. Otherwise flush so the client doesn't have to wait.
		if bw.Buffered() > 0 && !hasBufferedRequest(br) {
			if err := bw.Flush(); err != nil {
				return errors.Wrap(err, "flush")
			}
		}

		// The first request must arrive within ReadTimeout, the next
		// ones on a keep-alive connection within the idle timeout.
		waitTimeout := s.ReadTimeout
		if connRequestNum > 1 {
			waitTimeout = s.idleTimeout()
		}
		if waitTimeout > 0 {
			if err := c.SetReadDeadline(time.Now().Add(waitTimeout)); err != nil {
				return errors.Wrap(err, "set idle deadline")
			}
		}

		if _, err := br.Peek(1); err != nil {
			// Nothing read: the peer closed the connection or it timed
			// out while idle. Either way there is no request to answer.
			if err != io.EOF {
				s.logger().Debug("Connection closed before request",
					zap.Uint64("conn_id", connID),
					zap.Error(err),
				)
			}
			return nil
		}

		if s.ReadTimeout > 0 {
			if err := c.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
				return errors.Wrap(err, "set read deadline")
			}
		} else if waitTimeout > 0 {
			// Idle timeout only: reading the request itself is unlimited.
			if err := c.SetReadDeadline(zeroTime); err != nil {
				return errors.Wrap(err, "reset read deadline")
			}
		}

		if err := rctx.Request.ReadLimitBody(br, s.maxRequestBodySize()); err != nil {
			s.writeErrorResponse(bw, rctx, serverName, err)
			return errors.Wrap(err, "read request")
		}
		s.setState(c, StateActive)

		// 'Expect: 100-continue' request handling.
		// See https://www.w3.org/Protocols/rfc2616/rfc2616-sec8.html#sec8.2.3 for details.
		if rctx.Request.MayContinue() {
			if _, err := bw.Write(strResponseContinue); err != nil {
				return errors.Wrap(err, "write continue")
			}
			if err := bw.Flush(); err != nil {
				return errors.Wrap(err, "flush continue")
			}
			if err := rctx.Request.ContinueReadBody(br, s.maxRequestBodySize()); err != nil {
				s.writeErrorResponse(bw, rctx, serverName, err)
				return errors.Wrap(err, "read body")
			}
		}

		connectionClose := rctx.Request.Header.ConnectionClose()
		isHTTP11 := rctx.Request.Header.IsHTTP11()

		if serverName != nil {
			rctx.Response.Header.SetServerBytes(serverName)
		}
		rctx.connRequestNum = connRequestNum
		rctx.time = time.Now()

		if err := h(rctx); err != nil {
			return errors.Wrap(err, "handle")
		}
		if rctx.IsHead() {
			rctx.Response.SkipBody = true
		}
		rctx.Request.Reset()

		if s.WriteTimeout > 0 {
			if err := c.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
				return errors.Wrap(err, "set write deadline")
			}
			previousWriteTimeout = s.WriteTimeout
		} else if previousWriteTimeout > 0 {
			// We don't want a write timeout but we previously set one, remove it.
			if err := c.SetWriteDeadline(zeroTime); err != nil {
				return errors.Wrap(err, "reset write deadline")
			}
			previousWriteTimeout = 0
		}

		connectionClose = connectionClose || rctx.Response.ConnectionClose()
		if connectionClose {
			rctx.Response.SetConnectionClose()
		} else if !isHTTP11 {
			// Set 'Connection: keep-alive' response header for non-HTTP/1.1 request.
			// There is no need in setting this header for http/1.1, since in http/1.1
			// connections are keep-alive by default.
			rctx.Response.Header.Set(fasthttp.HeaderConnection, "keep-alive")
		}

		if err := writeResponse(rctx, bw); err != nil {
			return errors.Wrap(err, "write")
		}
		if connectionClose {
			return nil
		}

		s.setState(c, StateIdle)
	}
}

// hasBufferedRequest reports whether br already holds a complete
// request header, i.e. reading it won't block.
func hasBufferedRequest(br *bufio.Reader) bool {
	n := br.Buffered()
	if n == 0 {
		return false
	}
	b, err := br.Peek(n)
	if err != nil {
		return false
	}
	return bytes.Contains(b, strCRLFCRLF)
}

func (s *Server) setState(nc net.Conn, state ConnState) {
	if hook := s.ConnState; hook != nil {
		hook(nc, state)
	}
}

func writeResponse(ctx *Ctx, w *bufio.Writer) error {
	err := encodeResponse(w, &ctx.Response)
	ctx.Response.Reset()
	return err
}

const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

func (s *Server) acquireReader(c net.Conn) *bufio.Reader {
	v := s.readerPool.Get()
	if v == nil {
		n := s.ReadBufferSize
		if n <= 0 {
			n = defaultReadBufferSize
		}
		return bufio.NewReaderSize(c, n)
	}
	r := v.(*bufio.Reader)
	r.Reset(c)
	return r
}

func (s *Server) releaseReader(r *bufio.Reader) {
	r.Reset(nil)
	s.readerPool.Put(r)
}

func (s *Server) acquireWriter(c net.Conn) *bufio.Writer {
	v := s.writerPool.Get()
	if v == nil {
		n := s.WriteBufferSize
		if n <= 0 {
			n = defaultWriteBufferSize
		}
		return bufio.NewWriterSize(c, n)
	}
	w := v.(*bufio.Writer)
	w.Reset(c)
	return w
}

func (s *Server) releaseWriter(w *bufio.Writer) {
	w.Reset(nil)
	s.writerPool.Put(w)
}

func (s *Server) acquireCtx(c net.Conn) *Ctx {
	v := s.ctxPool.Get()
	if v == nil {
		return &Ctx{c: c}
	}
	ctx := v.(*Ctx)
	ctx.c = c
	return ctx
}

func (s *Server) releaseCtx(ctx *Ctx) {
	ctx.Request.Reset()
	ctx.Response.Reset()
	ctx.c = nil
	ctx.lg = nil
	ctx.done = nil
	s.ctxPool.Put(ctx)
}

func (s *Server) getServerName() []byte {
	v := s.serverName.Load()
	if v != nil {
		return v.([]byte)
	}
	serverName := []byte(s.Name)
	if len(serverName) == 0 {
		serverName = defaultServerName
	}
	s.serverName.Store(serverName)
	return serverName
}

func defaultErrorHandler(ctx *Ctx, err error) {
	var (
		smallBufErr *fasthttp.ErrSmallBuffer
		timeoutErr  interface{ Timeout() bool }
	)
	switch {
	case errors.As(err, &smallBufErr):
		ctx.Error("Too big request header", fasthttp.StatusRequestHeaderFieldsTooLarge)
	case errors.Is(err, fasthttp.ErrBodyTooLarge):
		ctx.Error("Request body too large", fasthttp.StatusRequestEntityTooLarge)
	case errors.As(err, &timeoutErr) && timeoutErr.Timeout():
		ctx.Error("Request timeout", fasthttp.StatusRequestTimeout)
	default:
		ctx.Error("Error when parsing request", fasthttp.StatusBadRequest)
	}
}

// writeErrorResponse writes the error response best-effort: the
// connection is closed right after, so write errors are ignored.
func (s *Server) writeErrorResponse(bw *bufio.Writer, ctx *Ctx, serverName []byte, err error) {
	errorHandler := defaultErrorHandler
	if s.ErrorHandler != nil {
		errorHandler = s.ErrorHandler
	}

	errorHandler(ctx, err)

	if serverName != nil {
		ctx.Response.Header.SetServerBytes(serverName)
	}
	ctx.SetConnectionClose()
	_ = writeResponse(ctx, bw)
	_ = bw.Flush()
}

// A ConnState represents the state of a client connection to a server.
// It's used by the optional Server.ConnState hook.
type ConnState int

const (
	// StateNew represents a new connection that is expected to
	// send a request immediately. Connections begin at this
	// state and then transition to either StateActive or
	// StateClosed.
	StateNew ConnState = iota

	// StateActive represents a connection that has read 1 or more
	// bytes of a request. The Server.ConnState hook for
	// StateActive fires before the request has entered a handler
	// and doesn't fire again until the request has been
	// handled. After the request is handled, the state
	// transitions to StateClosed or StateIdle.
	StateActive

	// StateIdle represents a connection that has finished
	// handling a request and is in the keep-alive state, waiting
	// for a new request. Connections transition from StateIdle
	// to either StateActive or StateClosed.
	StateIdle

	// StateClosed represents a closed connection.
	// This is a terminal state.
	StateClosed
)

var stateName = map[ConnState]string{
	StateNew:    "new",
	StateActive: "active",
	StateIdle:   "idle",
	StateClosed: "closed",
}

func (c ConnState) String() string {
	return stateName[c]
}
