package hxbench

import "github.com/valyala/fasthttp"

var helloWorld = []byte("Hello World!")

// Hello responds to any request with 200 and "Hello World!" body.
//
// Server header is set by the Server before the handler is invoked,
// Content-Length is derived from the body on write.
func Hello(ctx *Ctx) error {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBodyRaw(helloWorld)
	return nil
}
