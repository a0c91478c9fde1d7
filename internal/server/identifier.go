package server

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"
)

// ClientIdentifier derives the rate-limit bucket key for a request: the
// first entry of X-Forwarded-For when present, else the peer IP, else "".
// Callers that cannot be attributed share the "" bucket.
func ClientIdentifier(ctx *fasthttp.RequestCtx) string {
	if xff := strings.TrimSpace(string(ctx.Request.Header.Peek(fasthttp.HeaderXForwardedFor))); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return peerAddress(ctx.RemoteAddr())
}

func peerAddress(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	s := addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}
