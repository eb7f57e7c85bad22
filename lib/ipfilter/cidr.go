// Package ipfilter implements the CIDR-based allow/deny filter applied to
// inbound tunnel traffic (spec §4.2).
package ipfilter

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// CidrRange is a parsed IPv4 network and prefix length, supporting bitwise
// containment tests. IPv6 addresses never match any CidrRange.
type CidrRange struct {
	network uint32
	mask    uint32
	prefix  int
	raw     string
}

// Parse parses a dotted-quad "/"prefix CIDR string. Prefixes above 32 are
// rejected.
func Parse(cidr string) (CidrRange, error) {
	cidr = strings.TrimSpace(cidr)
	parts := strings.SplitN(cidr, "/", 2)
	if len(parts) != 2 {
		return CidrRange{}, trace.BadParameter("%q is not a CIDR range (missing /prefix)", cidr)
	}

	ip := net.ParseIP(parts[0])
	if ip == nil {
		return CidrRange{}, trace.BadParameter("%q is not a valid IP address", parts[0])
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return CidrRange{}, trace.BadParameter("%q is not an IPv4 address", parts[0])
	}

	prefix, err := strconv.Atoi(parts[1])
	if err != nil {
		return CidrRange{}, trace.BadParameter("%q is not a valid prefix length", parts[1])
	}
	if prefix < 0 || prefix > 32 {
		return CidrRange{}, trace.BadParameter("prefix length %d out of range [0,32]", prefix)
	}

	var mask uint32
	if prefix > 0 {
		mask = ^uint32(0) << (32 - prefix)
	}
	network := ipToUint32(ip4) & mask

	return CidrRange{network: network, mask: mask, prefix: prefix, raw: cidr}, nil
}

// Contains reports whether addr (an IPv4 address) falls within the range.
// IPv6 addresses always return false.
func (c CidrRange) Contains(addr net.IP) bool {
	ip4 := addr.To4()
	if ip4 == nil {
		return false
	}
	return ipToUint32(ip4)&c.mask == c.network
}

func (c CidrRange) String() string {
	return c.raw
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// Filter is a compiled set of allow and deny CIDR ranges. An empty filter
// (both lists empty) allows everything. The zero value is a valid,
// allow-everything Filter.
type Filter struct {
	Allow []CidrRange
	Deny  []CidrRange
}

// ParseFilter parses allow and deny CIDR string lists into a Filter.
func ParseFilter(allow, deny []string) (Filter, error) {
	var f Filter
	for _, s := range allow {
		r, err := Parse(s)
		if err != nil {
			return Filter{}, trace.Wrap(err, "parsing allow range")
		}
		f.Allow = append(f.Allow, r)
	}
	for _, s := range deny {
		r, err := Parse(s)
		if err != nil {
			return Filter{}, trace.Wrap(err, "parsing deny range")
		}
		f.Deny = append(f.Deny, r)
	}
	return f, nil
}

// IsEmpty reports whether the filter has no allow or deny ranges configured.
func (f Filter) IsEmpty() bool {
	return len(f.Allow) == 0 && len(f.Deny) == 0
}

// IsAllowed decides whether addr may pass. Deny precedes allow: a match in
// Deny always rejects; otherwise an empty Allow list means "allow all
// except deny", and a non-empty Allow list requires an explicit match.
func (f Filter) IsAllowed(addr net.IP) bool {
	for _, r := range f.Deny {
		if r.Contains(addr) {
			return false
		}
	}
	if len(f.Allow) == 0 {
		return true
	}
	for _, r := range f.Allow {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// headerPriority lists the headers inspected for client IP extraction, in
// priority order, matched case-insensitively (http.Header.Get already does
// the case-insensitive lookup for canonicalized header names).
var headerPriority = []string{"X-Forwarded-For", "X-Real-IP"}

// ClientIP extracts the client IP for filtering purposes: the first
// comma-separated value of X-Forwarded-For if present, else X-Real-IP, else
// the request's peer socket address. Equivalent to ClientIPTrusting(r, true).
func ClientIP(r *http.Request) net.IP {
	return ClientIPTrusting(r, true)
}

// ClientIPTrusting extracts the client IP the same way ClientIP does, but
// skips the forwarded-for/real-ip headers entirely when trustHeaders is
// false, falling straight back to the request's peer socket address (spec
// SPEC_FULL §9, Open Question 3: a relay not sitting behind a trusted proxy
// must not let a caller spoof its own source IP via request headers).
func ClientIPTrusting(r *http.Request, trustHeaders bool) net.IP {
	if trustHeaders {
		for _, name := range headerPriority {
			v := r.Header.Get(name)
			if v == "" {
				continue
			}
			first := strings.TrimSpace(strings.SplitN(v, ",", 2)[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
