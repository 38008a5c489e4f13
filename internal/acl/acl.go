// Package acl evaluates ordered permit/deny address rules.
package acl

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Sense is the verdict a matching rule hands down.
type Sense int

const (
	Permit Sense = iota
	Deny
)

func (s Sense) String() string {
	if s == Deny {
		return "deny"
	}
	return "permit"
}

// Rule pairs a network with a verdict.
type Rule struct {
	Sense  Sense
	Prefix netip.Prefix
}

func (r Rule) String() string {
	return r.Sense.String() + " " + r.Prefix.String()
}

// List is an ordered rule set. The zero value allows every peer.
type List struct {
	rules []Rule
}

// Append parses spec and adds it with the given sense. Accepted forms are a
// bare address, addr/bits, and IPv4 addr/dotted-mask.
func (l *List) Append(sense Sense, spec string) error {
	prefix, err := ParsePrefix(spec)
	if err != nil {
		return err
	}
	l.rules = append(l.rules, Rule{Sense: sense, Prefix: prefix})
	return nil
}

// Len returns the number of rules.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.rules)
}

// Rules returns a copy of the rules in evaluation order.
func (l *List) Rules() []Rule {
	if l == nil {
		return nil
	}
	return append([]Rule(nil), l.rules...)
}

// Allows evaluates every rule in order; the last match decides. Peers that
// match nothing are allowed.
func (l *List) Allows(addr netip.Addr) bool {
	if l == nil {
		return true
	}
	addr = addr.Unmap()
	verdict := Permit
	for _, r := range l.rules {
		if r.Prefix.Contains(addr) {
			verdict = r.Sense
		}
	}
	return verdict == Permit
}

// AllowsNetAddr is Allows for a net.Addr as returned by a connection.
// Addresses that cannot be parsed are refused when any rule exists.
func (l *List) AllowsNetAddr(a net.Addr) bool {
	if l.Len() == 0 {
		return true
	}
	addr, ok := AddrOf(a)
	if !ok {
		return false
	}
	return l.Allows(addr)
}

// AddrOf extracts the IP of a TCP, UDP or host:port address.
func AddrOf(a net.Addr) (netip.Addr, bool) {
	if a == nil {
		return netip.Addr{}, false
	}
	switch v := a.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		return ip.Unmap(), ok
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		return ip.Unmap(), ok
	}
	return ParseHostAddr(a.String())
}

// ParseHostAddr parses "host:port" or a bare address.
func ParseHostAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	if ip, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return ip.Unmap(), true
	}
	return netip.Addr{}, false
}

// ParsePrefix accepts "a.b.c.d", "a.b.c.d/n", "a.b.c.d/m.m.m.m" and IPv6
// equivalents of the first two.
func ParsePrefix(spec string) (netip.Prefix, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return netip.Prefix{}, fmt.Errorf("acl: empty rule")
	}
	addrPart, maskPart, hasMask := strings.Cut(spec, "/")
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("acl: invalid address %q: %w", addrPart, err)
	}
	addr = addr.Unmap()
	if !hasMask {
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	if strings.Contains(maskPart, ".") {
		if !addr.Is4() {
			return netip.Prefix{}, fmt.Errorf("acl: dotted mask on non-IPv4 address %q", spec)
		}
		mask := net.ParseIP(maskPart).To4()
		if mask == nil {
			return netip.Prefix{}, fmt.Errorf("acl: invalid mask %q", maskPart)
		}
		ones, bits := net.IPMask(mask).Size()
		if bits == 0 {
			return netip.Prefix{}, fmt.Errorf("acl: non-contiguous mask %q", maskPart)
		}
		return netip.PrefixFrom(addr, ones).Masked(), nil
	}
	prefix, err := netip.ParsePrefix(addr.String() + "/" + maskPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("acl: invalid rule %q: %w", spec, err)
	}
	return prefix.Masked(), nil
}
