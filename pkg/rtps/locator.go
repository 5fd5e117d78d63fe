package rtps

import (
	"fmt"
	"net/netip"
)

type LocatorKind int32

const (
	LocatorKindInvalid  LocatorKind = -1
	LocatorKindReserved LocatorKind = 0
	LocatorKindUDPv4    LocatorKind = 1
	LocatorKindUDPv6    LocatorKind = 2
)

const LocatorPortInvalid uint32 = 0

// Locator is a transport address an endpoint can be reached at.
type Locator struct {
	Kind    LocatorKind
	Port    uint32
	Address [16]byte
}

var LocatorInvalid = Locator{Kind: LocatorKindInvalid, Port: LocatorPortInvalid}

// LocatorFromAddrPort maps an IP endpoint to a UDP locator. IPv4 addresses
// occupy the last four bytes of Address.
func LocatorFromAddrPort(ap netip.AddrPort) Locator {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		v4 := addr.Unmap().As4()
		l := Locator{Kind: LocatorKindUDPv4, Port: uint32(ap.Port())}
		copy(l.Address[12:], v4[:])
		return l
	}
	return Locator{Kind: LocatorKindUDPv6, Port: uint32(ap.Port()), Address: addr.As16()}
}

// ParseLocator accepts "host:port" with a literal IP.
func ParseLocator(s string) (Locator, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return LocatorInvalid, fmt.Errorf("parse locator %q: %w", s, err)
	}
	return LocatorFromAddrPort(ap), nil
}

func (l Locator) AddrPort() (netip.AddrPort, bool) {
	switch l.Kind {
	case LocatorKindUDPv4:
		var v4 [4]byte
		copy(v4[:], l.Address[12:])
		return netip.AddrPortFrom(netip.AddrFrom4(v4), uint16(l.Port)), true
	case LocatorKindUDPv6:
		return netip.AddrPortFrom(netip.AddrFrom16(l.Address), uint16(l.Port)), true
	}
	return netip.AddrPort{}, false
}

func (l Locator) IsValid() bool {
	return l.Kind == LocatorKindUDPv4 || l.Kind == LocatorKindUDPv6
}

func (l Locator) String() string {
	if ap, ok := l.AddrPort(); ok {
		return ap.String()
	}
	return fmt.Sprintf("locator(%d)", l.Kind)
}
