package router

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPSourceType names where the client address is read from.
type IPSourceType string

const (
	IPSourceRemoteAddr    IPSourceType = "remote_addr"     // Peer address of the connection
	IPSourceXForwardedFor IPSourceType = "x_forwarded_for" // X-Forwarded-For chain
	IPSourceXRealIP       IPSourceType = "x_real_ip"       // X-Real-IP header
	IPSourceCustomHeader  IPSourceType = "custom_header"   // IPConfig.CustomHeader
)

// IPConfig controls client address resolution.
//
// Header sources are only honoured when TrustProxy is set. TrustedProxies narrows that
// further to peers inside the listed networks (CIDR or single address); with X-Forwarded-For
// the chain is then walked from the right, skipping trusted hops.
type IPConfig struct {
	Source         IPSourceType
	CustomHeader   string
	TrustProxy     bool
	TrustedProxies []string
}

// DefaultIPConfig reads X-Forwarded-For, but only once TrustProxy is switched on.
func DefaultIPConfig() *IPConfig {
	return &IPConfig{Source: IPSourceXForwardedFor}
}

// ClientIP returns the client address of r. The router resolves it once per request and
// exposes it through envelope.Request.ClientIP and scontext.
func ClientIP(r *http.Request, config *IPConfig) string {
	peer := hostOnly(r.RemoteAddr)
	if config == nil || !config.TrustProxy || config.Source == IPSourceRemoteAddr {
		return peer
	}
	proxies := parseProxies(config.TrustedProxies)
	if len(proxies) > 0 && !inNetworks(peer, proxies) {
		return peer
	}

	var candidate string
	switch config.Source {
	case IPSourceXRealIP:
		candidate = r.Header.Get("X-Real-IP")
	case IPSourceCustomHeader:
		candidate = r.Header.Get(config.CustomHeader)
	default:
		candidate = forwardedClient(r.Header.Values("X-Forwarded-For"), proxies)
	}
	if candidate = hostOnly(strings.TrimSpace(candidate)); candidate == "" {
		return peer
	}
	return candidate
}

// forwardedClient picks the client out of the X-Forwarded-For chain: the leftmost entry when
// every peer is trusted, otherwise the rightmost entry that is not a trusted proxy.
func forwardedClient(values []string, proxies []netip.Prefix) string {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	if len(hops) == 0 {
		return ""
	}
	if len(proxies) == 0 {
		return hops[0]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !inNetworks(hostOnly(hops[i]), proxies) {
			return hops[i]
		}
	}
	return hops[0]
}

// hostOnly strips the port and IPv6 brackets.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
}

func parseProxies(list []string) []netip.Prefix {
	var out []netip.Prefix
	for _, p := range list {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		if a, err := netip.ParseAddr(p); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

func inNetworks(ip string, networks []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, n := range networks {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
