package hxbench

import (
	"bufio"
	"bytes"
	"strconv"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

var (
	strHTTP11        = []byte("HTTP/1.1")
	strCRLF          = []byte("\r\n")
	strCRLFCRLF      = []byte("\r\n\r\n")
	strColonSpace    = []byte(": ")
	strServer        = []byte(fasthttp.HeaderServer)
	strContentLength = []byte(fasthttp.HeaderContentLength)
	strConnection    = []byte(fasthttp.HeaderConnection)
	strClose         = []byte("close")

	strResponseContinue = []byte("HTTP/1.1 100 Continue\r\n\r\n")

	defaultServerName = []byte("hxbench")
)

// encodeResponse writes resp to w in the order: status line, Server,
// other headers, Content-Length derived from the body, Connection.
//
// fasthttp.Response.Write adds a Date header which can only be disabled
// by fasthttp.Server, so the header block is encoded here. Content-Type
// is written only if set explicitly.
//
// encodeResponse doesn't flush w.
func encodeResponse(w *bufio.Writer, resp *fasthttp.Response) error {
	h := &resp.Header
	h.SetNoDefaultContentType(true)

	body := resp.Body()
	statusCode := resp.StatusCode()

	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)

	dst := append(b.B, strHTTP11...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(statusCode), 10)
	dst = append(dst, ' ')
	dst = append(dst, fasthttp.StatusMessage(statusCode)...)
	dst = append(dst, strCRLF...)

	if server := h.Server(); len(server) > 0 {
		dst = appendHeaderLine(dst, strServer, server)
	}
	var connection []byte
	h.VisitAll(func(key, value []byte) {
		switch {
		case bytes.Equal(key, strServer), bytes.Equal(key, strContentLength):
		case bytes.Equal(key, strConnection):
			connection = value
		default:
			dst = appendHeaderLine(dst, key, value)
		}
	})

	dst = append(dst, strContentLength...)
	dst = append(dst, strColonSpace...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, strCRLF...)

	if len(connection) > 0 {
		dst = appendHeaderLine(dst, strConnection, connection)
	}
	b.B = append(dst, strCRLF...)

	if _, err := w.Write(b.B); err != nil {
		return err
	}
	if resp.SkipBody {
		return nil
	}
	_, err := w.Write(body)
	return err
}

func appendHeaderLine(dst, key, value []byte) []byte {
	dst = append(dst, key...)
	dst = append(dst, strColonSpace...)
	dst = append(dst, value...)
	return append(dst, strCRLF...)
}
