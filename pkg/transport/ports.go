package transport

import (
	"fmt"
	"net/netip"

	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

// DefaultMulticastAddress is the SPDP multicast group.
var DefaultMulticastAddress = netip.MustParseAddr("239.255.0.1")

// PortParams maps a domain and participant id to well-known UDP ports.
type PortParams struct {
	Base            uint32 `mapstructure:"base"`
	DomainGain      uint32 `mapstructure:"domain-gain"`
	ParticipantGain uint32 `mapstructure:"participant-gain"`
	Offset0         uint32 `mapstructure:"d0"`
	Offset1         uint32 `mapstructure:"d1"`
	Offset2         uint32 `mapstructure:"d2"`
	Offset3         uint32 `mapstructure:"d3"`
}

func DefaultPortParams() PortParams {
	return PortParams{
		Base:            7400,
		DomainGain:      250,
		ParticipantGain: 2,
		Offset0:         0,
		Offset1:         10,
		Offset2:         1,
		Offset3:         11,
	}
}

// MaxDomainID is the largest domain whose ports stay below 65536.
func (p PortParams) MaxDomainID() uint32 {
	return (0xffff - p.Base) / p.DomainGain
}

func (p PortParams) check(domain uint32) error {
	if domain > p.MaxDomainID() {
		return fmt.Errorf("domain %d exceeds %d", domain, p.MaxDomainID())
	}
	return nil
}

func (p PortParams) MulticastDiscovery(domain uint32) (uint32, error) {
	if err := p.check(domain); err != nil {
		return 0, err
	}
	return p.Base + p.DomainGain*domain + p.Offset0, nil
}

func (p PortParams) UnicastDiscovery(domain, participant uint32) (uint32, error) {
	return p.unicast(domain, participant, p.Offset1)
}

func (p PortParams) MulticastUser(domain uint32) (uint32, error) {
	if err := p.check(domain); err != nil {
		return 0, err
	}
	return p.Base + p.DomainGain*domain + p.Offset2, nil
}

func (p PortParams) UnicastUser(domain, participant uint32) (uint32, error) {
	return p.unicast(domain, participant, p.Offset3)
}

func (p PortParams) unicast(domain, participant, offset uint32) (uint32, error) {
	if err := p.check(domain); err != nil {
		return 0, err
	}
	port := p.Base + p.DomainGain*domain + offset + p.ParticipantGain*participant
	if port > 0xffff {
		return 0, fmt.Errorf("participant %d of domain %d overflows the port range", participant, domain)
	}
	return port, nil
}

// UserLocator is the unicast user-traffic locator of participant in domain
// at addr.
func (p PortParams) UserLocator(addr netip.Addr, domain, participant uint32) (rtps.Locator, error) {
	port, err := p.UnicastUser(domain, participant)
	if err != nil {
		return rtps.LocatorInvalid, err
	}
	return rtps.LocatorFromAddrPort(netip.AddrPortFrom(addr, uint16(port))), nil
}
