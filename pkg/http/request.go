package http

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig lists the proxies whose forwarding headers are trusted.
type IPConfig struct {
	trusted []netip.Prefix
}

// NewIPConfig parses CIDR ranges or bare addresses. Unparseable entries are
// skipped, which can only shrink the trusted set.
func NewIPConfig(proxies []string) *IPConfig {
	cfg := &IPConfig{}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(p); err == nil {
			cfg.trusted = append(cfg.trusted, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			cfg.trusted = append(cfg.trusted, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return cfg
}

func (c *IPConfig) isTrusted(addr netip.Addr) bool {
	if c == nil {
		return false
	}
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the address rate limits and lockouts key on.
//
// Forwarding headers are read only when the direct peer is a trusted proxy.
// X-Forwarded-For is walked right to left and the first hop that is not
// itself a trusted proxy wins, so a client cannot prepend a spoofed address.
func ExtractClientIP(r *http.Request, cfg *IPConfig) string {
	remote, ok := remoteAddr(r)
	if !ok {
		return "unknown"
	}
	if !cfg.isTrusted(remote) {
		return remote.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			addr = addr.Unmap()
			if !cfg.isTrusted(addr) {
				return addr.String()
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			return addr.Unmap().String()
		}
	}

	return remote.String()
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	if r.RemoteAddr == "" {
		return netip.Addr{}, false
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// APIKeyHeader carries machine credentials for the API key route class.
const APIKeyHeader = "X-API-Key"

// APIKeyFingerprint is the SHA-256 of the presented API key, hex encoded.
// Rate limit buckets key on it so raw keys never reach the store. Empty when
// no key was sent.
func APIKeyFingerprint(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
