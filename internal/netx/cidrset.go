package netx

import (
	"fmt"
	"net"
	"strings"
)

// CIDRSet answers membership queries against a list of trusted networks.
// Used to decide whether forwarded-for headers may be believed.
type CIDRSet struct {
	nets []*net.IPNet
}

func ParseCIDRSet(items []string) (*CIDRSet, error) {
	set := &CIDRSet{}
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		// Allow plain IP shorthand
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("invalid ip: %q", s)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			s = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		set.nets = append(set.nets, n)
	}
	return set, nil
}

func (s *CIDRSet) Contains(ip net.IP) bool {
	if s == nil || len(s.nets) == 0 || ip == nil {
		return false
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the real client address for a request. Forwarded headers
// are honoured only when the direct peer is inside the trusted set.
func (s *CIDRSet) ClientIP(remoteAddr, xff, xrip string) string {
	remoteIP := parseRemoteIP(remoteAddr)
	if remoteIP != nil && s.Contains(remoteIP) {
		if xff != "" {
			// left-most entry is the original client
			parts := strings.Split(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(xrip)); ip != nil {
			return ip.String()
		}
	}
	if remoteIP != nil {
		return remoteIP.String()
	}
	return remoteAddr
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}
