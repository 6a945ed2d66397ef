package httpapi

import (
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientIPExtractor finds the caller address. The edge in front of the
// server writes it into a configured header; X-Forwarded-For style lists
// are read from the first hop. Without a usable header value the peer
// address of the connection is used.
type ClientIPExtractor struct {
	header string
}

// NewClientIPExtractor creates an extractor reading header. An empty
// header always uses the connection peer.
func NewClientIPExtractor(header string) *ClientIPExtractor {
	return &ClientIPExtractor{header: header}
}

// Extract returns the caller address of c.
func (e *ClientIPExtractor) Extract(c *gin.Context) string {
	if e.header != "" {
		if ip, ok := firstHop(c.GetHeader(e.header)); ok {
			return ip
		}
	}
	return c.RemoteIP()
}

func firstHop(value string) (string, bool) {
	if value == "" {
		return "", false
	}
	hop, _, _ := strings.Cut(value, ",")
	hop = strings.TrimSpace(hop)

	if addr, err := netip.ParseAddr(hop); err == nil {
		return addr.Unmap().String(), true
	}
	// some proxies append the port
	if ap, err := netip.ParseAddrPort(hop); err == nil {
		return ap.Addr().Unmap().String(), true
	}
	return "", false
}
