package webhook

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// AllowList holds the networks callbacks may originate from.
type AllowList struct {
	prefixes []netip.Prefix
}

// ParseAllowList parses CIDRs or bare addresses.
func ParseAllowList(entries []string) (*AllowList, error) {
	a := &AllowList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allow-list entry %q: %w", e, err)
			}
			a.prefixes = append(a.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list entry %q: %w", e, err)
		}
		a.prefixes = append(a.prefixes, p.Masked())
	}
	return a, nil
}

// Allows reports whether addr falls in any listed network.
func (a *AllowList) Allows(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddr returns the caller's address. With trustedProxies > 0 the
// service sits behind that many proxies, each appending the peer it saw to
// X-Forwarded-For, so the caller is that many entries from the right. Entries
// further left are written by the caller and never consulted.
func clientAddr(r *http.Request, trustedProxies int) (netip.Addr, bool) {
	if trustedProxies > 0 {
		var hops []string
		for _, v := range r.Header.Values("X-Forwarded-For") {
			hops = append(hops, strings.Split(v, ",")...)
		}
		if len(hops) < trustedProxies {
			return netip.Addr{}, false
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[len(hops)-trustedProxies]))
		if err != nil {
			return netip.Addr{}, false
		}
		return addr.Unmap(), true
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
