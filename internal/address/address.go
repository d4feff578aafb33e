// Package address provides the closed Address sum type shared by the SOCKS5
// engine, the wave connection layer, and the server-side router: a target is
// either a literal socket address or a domain name plus port.
package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is a closed union: either an IP socket address or a domain name
// and port. Callers type-switch on the concrete type; there are exactly two
// implementations, both in this package.
type Address interface {
	fmt.Stringer
	isAddress()
}

// IP is a literal IPv4 or IPv6 socket address.
type IP struct {
	Addr net.IP
	Port uint16
}

func (IP) isAddress() {}

// String renders the address in host:port form, bracketing IPv6 hosts.
func (a IP) String() string {
	return net.JoinHostPort(a.Addr.String(), strconv.Itoa(int(a.Port)))
}

// Equal reports whether two IP addresses are structurally identical.
func (a IP) Equal(other IP) bool {
	return a.Addr.Equal(other.Addr) && a.Port == other.Port
}

// Domain is a domain name and port. The name is treated as opaque UTF-8;
// no normalization (case-folding, IDNA, trailing-dot stripping) is applied.
type Domain struct {
	Name string
	Port uint16
}

func (Domain) isAddress() {}

// String renders the address in name:port form.
func (a Domain) String() string {
	return net.JoinHostPort(a.Name, strconv.Itoa(int(a.Port)))
}

// Equal reports whether two Domain addresses are structurally identical.
func (a Domain) Equal(other Domain) bool {
	return a.Name == other.Name && a.Port == other.Port
}

// Parse parses a SOCKS5-style "host:port" string into an Address. It splits
// with net.SplitHostPort, which handles bracketed IPv6 forms; input that
// SplitHostPort rejects (such as several unbracketed colons) is split on its
// last colon instead. If the host is a valid IP literal the result is an IP
// address, otherwise a Domain address. This resolves spec Open Question (a)
// in favor of splitting on the LAST colon.
func Parse(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		i := strings.LastIndex(s, ":")
		if i < 0 {
			return nil, fmt.Errorf("parse address %q: %w", s, err)
		}
		host, portStr = s[:i], s[i+1:]
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: invalid port: %w", s, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		return IP{Addr: ip, Port: uint16(port)}, nil
	}

	return Domain{Name: host, Port: uint16(port)}, nil
}

// Equal reports whether two Address values are of the same kind and equal.
func Equal(a, b Address) bool {
	switch av := a.(type) {
	case IP:
		bv, ok := b.(IP)
		return ok && av.Equal(bv)
	case Domain:
		bv, ok := b.(Domain)
		return ok && av.Equal(bv)
	default:
		return false
	}
}

// FromNetAddr converts a net.Addr (as produced by a TCP listener's
// LocalAddr/RemoteAddr) into an Address.
func FromNetAddr(a net.Addr) (Address, error) {
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return nil, fmt.Errorf("convert net.Addr %q: %w", a.String(), err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("convert net.Addr %q: invalid port: %w", a.String(), err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("convert net.Addr %q: not an IP literal", a.String())
	}
	return IP{Addr: ip, Port: uint16(port)}, nil
}
