package hxbench

import (
	"net"

	"github.com/valyala/fasthttp/reuseport"
)

func (s *Server) listen(addr string) (net.Listener, error) {
	if s.ReusePort {
		return reuseport.Listen("tcp4", addr)
	}
	return net.Listen("tcp4", addr)
}
