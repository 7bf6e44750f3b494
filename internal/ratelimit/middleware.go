// middleware.go: Gin admission gate and client address resolution
package ratelimit

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware turns the checker into a request gate: resolve the caller's
// address, consume a token, and either pass the request along or end it
// with 429.
func (c Checker) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !c.Check(ClientAddr(ctx)) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMIT_EXCEEDED",
				"message": "too many " + c.action.String() + " requests, slow down",
			})
			return
		}
		ctx.Next()
	}
}

// ClientAddr resolves the caller's address for bucketing. gin's ClientIP
// already applies the engine's trusted proxy rules; whatever it hands back
// is parsed tolerantly and an unusable value degrades to the shared
// loopback key rather than failing the request.
func ClientAddr(ctx *gin.Context) netip.Addr {
	addr, ok := parseAddr(ctx.ClientIP())
	if !ok {
		return fallbackAddr
	}
	return addr
}

// parseAddr accepts the remote-address shapes that show up in socket
// metadata and proxy headers: "1.2.3.4", "1.2.3.4:8000", "2001:db8::",
// "[2001:db8::]" and "[2001:db8::]:8000". IPv4-mapped IPv6 is normalized to
// plain IPv4 so both spellings of one client land in one bucket.
func parseAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}

	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}
