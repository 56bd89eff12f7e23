package util

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Where a resolved client address came from.
const (
	SourcePeer         = "peer"
	SourceForwardedFor = "x-forwarded-for"
	SourceRealIP       = "x-real-ip"
	SourceUnparseable  = "unparseable"
)

// TrustedProxies is the set of reverse proxies whose forwarding headers are
// believed. A nil *TrustedProxies trusts nobody.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or bare IP entries. Blank entries are skipped
// and an empty list yields nil.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

// Contains reports whether addr belongs to a trusted proxy.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr is the resolved caller with the header (or peer) it was read
// from. Raw holds RemoteAddr when it could not be parsed.
type ClientAddr struct {
	Addr   netip.Addr
	Source string
	Raw    string
}

func (c ClientAddr) String() string {
	if !c.Addr.IsValid() {
		return c.Raw
	}
	return c.Addr.String()
}

// ResolveClient finds the caller of r. Forwarding headers count only when the
// direct peer is a trusted proxy; X-Forwarded-For is walked right to left and
// the first untrusted hop wins.
func ResolveClient(r *http.Request, trusted *TrustedProxies) ClientAddr {
	peer, ok := parsePeer(r.RemoteAddr)
	if !ok {
		return ClientAddr{Source: SourceUnparseable, Raw: strings.TrimSpace(r.RemoteAddr)}
	}
	if !trusted.Contains(peer) {
		return ClientAddr{Addr: peer, Source: SourcePeer}
	}
	if hops := forwardedHops(r.Header.Get("X-Forwarded-For")); len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			if !trusted.Contains(hops[i]) {
				return ClientAddr{Addr: hops[i], Source: SourceForwardedFor}
			}
		}
		return ClientAddr{Addr: hops[0], Source: SourceForwardedFor}
	}
	if xrip, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return ClientAddr{Addr: xrip, Source: SourceRealIP}
	}
	return ClientAddr{Addr: peer, Source: SourcePeer}
}

// ClientIP is ResolveClient rendered as a string.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	return ResolveClient(r, trusted).String()
}

// ForwardedHTTPS reports whether r arrived over TLS, directly or through a
// trusted proxy that says so.
func ForwardedHTTPS(r *http.Request, trusted *TrustedProxies) bool {
	if r.TLS != nil {
		return true
	}
	peer, ok := parsePeer(r.RemoteAddr)
	if !ok || !trusted.Contains(peer) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}

func forwardedHops(raw string) []netip.Addr {
	var out []netip.Addr
	for _, part := range strings.Split(raw, ",") {
		if addr, ok := parseAddr(part); ok {
			out = append(out, addr)
		}
	}
	return out
}

func parsePeer(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	return parseAddr(remote)
}

// parseAddr drops IPv6 zones and unmaps IPv4-in-IPv6 so one client has one key.
func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}
