/*
Package hxbench provides a constant-response HTTP/1.1 server for benchmarks.

Every request, regardless of method, path, headers or body, is answered with

	HTTP/1.1 200 OK
	Server: hxbench
	Content-Length: 12

	Hello World!

Features:

  - Goroutine per connection on a fixed number of OS threads (see Runtime).
  - HTTP/1.1 pipelining with in-order responses packed into as few writes
    as possible.
  - Deadline-bounded handler invocation (see TimeoutHandler).
  - Per-connection failure isolation: errors are logged and the connection
    is closed, other connections are not affected.
*/
package hxbench
