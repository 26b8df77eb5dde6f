package udpif

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/postalsys/muti-link/internal/iface"
)

const (
	sizeofSockaddrInet4 = unix.SizeofSockaddrInet4
	sizeofSockaddrInet6 = unix.SizeofSockaddrInet6

	// effectiveKeySize is the number of sockaddr_in bytes that survive in a key.
	effectiveKeySize = min(iface.KeySize, sizeofSockaddrInet4)
)

var errNotIPv4 = errors.New("not an IPv4 address")

// rawSockaddr is the in-memory layout of a sockaddr_in: family in host
// order, port in network order, the IPv4 address and zero padding.
type rawSockaddr [sizeofSockaddrInet4]byte

func rawFromSockaddr(sa *unix.SockaddrInet4) rawSockaddr {
	var raw rawSockaddr
	binary.NativeEndian.PutUint16(raw[0:2], unix.AF_INET)
	binary.BigEndian.PutUint16(raw[2:4], uint16(sa.Port))
	copy(raw[4:8], sa.Addr[:])
	return raw
}

func (raw *rawSockaddr) sockaddr() *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(binary.BigEndian.Uint16(raw[2:4]))}
	copy(sa.Addr[:], raw[4:8])
	return sa
}

// keyForSockaddr writes the key for sa into the first iface.KeySize bytes
// of key. Key bytes beyond the address are zeroed so keys compare equal.
func (u *Interface) keyForSockaddr(key []byte, sa *rawSockaddr) {
	if u.keySize < iface.KeySize {
		clear(key[:iface.KeySize])
	}
	copy(key[:u.keySize], sa[:u.keySize])
}

// sockaddrForKey decodes key into sa. Address bytes the key does not carry
// are zeroed.
func (u *Interface) sockaddrForKey(sa *rawSockaddr, key []byte) {
	if u.keySize < len(sa) {
		*sa = rawSockaddr{}
	}
	copy(sa[:u.keySize], key[:u.keySize])
}

// KeyForAddrPort returns the endpoint key a UDP interface uses for ap.
func KeyForAddrPort(ap netip.AddrPort) (iface.Key, error) {
	var key iface.Key
	if !ap.Addr().Is4() {
		return key, errNotIPv4
	}
	raw := rawFromSockaddr(&unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()})
	codec := Interface{keySize: effectiveKeySize}
	codec.keyForSockaddr(key[:], &raw)
	return key, nil
}

// AddrPortForKey decodes a UDP endpoint key.
func AddrPortForKey(key iface.Key) netip.AddrPort {
	var raw rawSockaddr
	codec := Interface{keySize: effectiveKeySize}
	codec.sockaddrForKey(&raw, key[:])
	return addrPort(raw.sockaddr())
}

func addrPort(sa *unix.SockaddrInet4) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
}

// parseSockaddr parses a numeric "host:port", "[v6]:port" or bare host
// (port 0) and returns the socket address with its length.
func parseSockaddr(s string) (unix.Sockaddr, int, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		host := s
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
		addr, aerr := netip.ParseAddr(host)
		if aerr != nil {
			return nil, 0, err
		}
		ap = netip.AddrPortFrom(addr, 0)
	}

	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, sizeofSockaddrInet4, nil
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, sizeofSockaddrInet6, nil
}

// sockaddrLen returns the encoded length of sa.
func sockaddrLen(sa unix.Sockaddr) int {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return sizeofSockaddrInet4
	case *unix.SockaddrInet6:
		return sizeofSockaddrInet6
	default:
		return 0
	}
}
