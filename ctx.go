package hxbench

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Make sure Ctx implements context.Context.
var _ context.Context = (*Ctx)(nil)

// Ctx contains incoming request and manages outgoing response.
//
// It is forbidden to copy Ctx instances.
//
// Handler should avoid holding references to incoming Ctx and/or
// its' members after the return. Use TimeoutHandler if the work
// must continue in a separate goroutine.
//
// It is unsafe modifying/reading Ctx instance from concurrently
// running goroutines.
type Ctx struct {
	noCopy noCopy //nolint:unused,structcheck

	// Incoming request.
	//
	// Copying Request by value is forbidden. Use pointer to Request instead.
	Request fasthttp.Request

	// Outgoing response.
	//
	// Copying Response by value is forbidden. Use pointer to Response instead.
	Response fasthttp.Response

	connID         uint64
	connRequestNum uint64
	connTime       time.Time

	time time.Time

	lg   *zap.Logger
	done <-chan struct{}
	c    net.Conn
}

var zeroTCPAddr = &net.TCPAddr{
	IP: net.IPv4zero,
}

// String returns unique string representation of the ctx.
//
// The returned value may be useful for logging.
func (c *Ctx) String() string {
	return fmt.Sprintf("#%016X - %s<->%s - %s %s", c.ID(), c.LocalAddr(), c.RemoteAddr(), c.Method(), c.Request.RequestURI())
}

// ID returns unique ID of the request.
func (c *Ctx) ID() uint64 {
	return (c.connID << 32) | c.connRequestNum
}

// ConnID returns unique connection ID.
//
// This ID may be used to match distinct requests to the same incoming
// connection.
func (c *Ctx) ConnID() uint64 {
	return c.connID
}

// Time returns Handler call time.
func (c *Ctx) Time() time.Time {
	return c.time
}

// ConnTime returns the time the server started serving the connection
// the current request came from.
func (c *Ctx) ConnTime() time.Time {
	return c.connTime
}

// ConnRequestNum returns request sequence number
// for the current connection.
//
// Sequence starts with 1.
func (c *Ctx) ConnRequestNum() uint64 {
	return c.connRequestNum
}

// Method return request method.
//
// Returned value is valid until your request handler returns.
func (c *Ctx) Method() []byte {
	return c.Request.Header.Method()
}

// Path returns requested path.
//
// The returned bytes are valid until your request handler returns.
func (c *Ctx) Path() []byte {
	return c.Request.URI().Path()
}

// IsHead returns true if request method is HEAD.
func (c *Ctx) IsHead() bool {
	return c.Request.Header.IsHead()
}

// SetStatusCode sets response status code.
func (c *Ctx) SetStatusCode(statusCode int) {
	c.Response.SetStatusCode(statusCode)
}

// SetConnectionClose sets 'Connection: close' response header and closes
// connection after the Handler returns.
func (c *Ctx) SetConnectionClose() {
	c.Response.SetConnectionClose()
}

// Error sets response status code to the given value and sets response body
// to the given message.
//
// Warning: this will reset the response headers and body already set!
func (c *Ctx) Error(msg string, statusCode int) {
	c.Response.Reset()
	c.SetStatusCode(statusCode)
	c.Response.Header.SetContentType("text/plain; charset=utf-8")
	c.Response.SetBodyString(msg)
}

// Write writes p into response body.
func (c *Ctx) Write(p []byte) (int, error) {
	c.Response.AppendBody(p)
	return len(p), nil
}

// WriteString appends s to response body.
func (c *Ctx) WriteString(s string) (int, error) {
	c.Response.AppendBodyString(s)
	return len(s), nil
}

// RemoteAddr returns client address for the given request.
//
// Always returns non-nil result.
func (c *Ctx) RemoteAddr() net.Addr {
	if c.c == nil {
		return zeroTCPAddr
	}
	addr := c.c.RemoteAddr()
	if addr == nil {
		return zeroTCPAddr
	}
	return addr
}

// LocalAddr returns server address for the given request.
//
// Always returns non-nil result.
func (c *Ctx) LocalAddr() net.Addr {
	if c.c == nil {
		return zeroTCPAddr
	}
	addr := c.c.LocalAddr()
	if addr == nil {
		return zeroTCPAddr
	}
	return addr
}

// Logger returns logger, which may be used for logging arbitrary
// request-specific messages inside Handler.
//
// Each message logged via returned logger contains connection id
// and request sequence number.
//
// The returned logger is valid until your request handler returns.
func (c *Ctx) Logger() *zap.Logger {
	lg := c.lg
	if lg == nil {
		lg = nopLogger
	}
	return lg.With(
		zap.Uint64("conn_id", c.connID),
		zap.Uint64("request_num", c.connRequestNum),
	)
}

// Deadline returns the time when work done on behalf of this context
// should be canceled.
//
// This method always returns 0, false and is only present to make
// Ctx implement the context interface.
func (c *Ctx) Deadline() (deadline time.Time, ok bool) {
	return
}

// Done returns a channel that's closed when the server stops serving.
func (c *Ctx) Done() <-chan struct{} { return c.done }

// Err returns context.Canceled after Done is closed, nil otherwise.
func (c *Ctx) Err() error {
	select {
	case <-c.done:
		return context.Canceled
	default:
		return nil
	}
}

// Value is no-op implementation for context.Context.
func (c *Ctx) Value(key interface{}) interface{} {
	return nil
}

// copyTo copies request, response and connection metadata to dst.
func (c *Ctx) copyTo(dst *Ctx) {
	c.Request.CopyTo(&dst.Request)
	c.Response.CopyTo(&dst.Response)
	dst.connID = c.connID
	dst.connRequestNum = c.connRequestNum
	dst.connTime = c.connTime
	dst.time = c.time
	dst.lg = c.lg
	dst.done = c.done
	dst.c = c.c
}
