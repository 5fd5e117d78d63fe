package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

const maxDatagram = 64 * 1024

// UDP sends and receives msgpack envelopes over one unicast socket.
type UDP struct {
	conn   *net.UDPConn
	source rtps.GuidPrefix
	local  rtps.Locator
	logger *zap.Logger
}

// ListenUDP binds addr ("host:port", port 0 picks one).
func ListenUDP(addr string, source rtps.GuidPrefix, logger *zap.Logger) (*UDP, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", addr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	if bound.Addr().IsUnspecified() {
		bound = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), bound.Port())
	}
	return &UDP{
		conn:   conn,
		source: source,
		local:  rtps.LocatorFromAddrPort(bound),
		logger: logger.Named("udp"),
	}, nil
}

// Locator is the address peers reach this socket at.
func (u *UDP) Locator() rtps.Locator { return u.local }

func (u *UDP) Send(out message.Outbound) error {
	data, err := Encode(message.Envelope{
		Source:      u.source,
		ReplyTo:     []rtps.Locator{u.local},
		Submessages: out.Submessages,
	})
	if err != nil {
		return err
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(data), maxDatagram)
	}
	var errs error
	for _, dst := range out.Destinations {
		ap, ok := dst.AddrPort()
		if !ok {
			continue
		}
		if _, err := u.conn.WriteToUDPAddrPort(data, ap); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send to %s: %w", dst, err))
		}
	}
	return errs
}

// Serve reads datagrams until ctx is done or the socket is closed, handing
// every decoded envelope to h. Undecodable datagrams are logged and dropped.
func (u *UDP) Serve(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}
		env, err := Decode(buf[:n])
		if err != nil {
			u.logger.Warn("dropping datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		if len(env.ReplyTo) == 0 {
			env.ReplyTo = []rtps.Locator{rtps.LocatorFromAddrPort(from)}
		}
		h.Receive(env)
	}
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
