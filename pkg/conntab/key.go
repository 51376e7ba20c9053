package conntab

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Family is the address family of a key. IPv4 keys hash 4 address bytes,
// IPv6 keys hash 16.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

func (f Family) width() int {
	if f == FamilyIPv4 {
		return 4
	}
	return 16
}

// Protocol is an IP transport protocol number.
type Protocol uint8

const (
	ProtoTCP Protocol = 6
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// ParseProtocol accepts "tcp" and "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	default:
		return 0, fmt.Errorf("unknown protocol: %s", s)
	}
}

// Direction selects which index a lookup consults.
type Direction uint8

const (
	// DirServer looks entries up by their server-side key.
	DirServer Direction = iota
	// DirClient looks entries up by their client-side key.
	DirClient
)

func (d Direction) String() string {
	if d == DirClient {
		return "client"
	}
	return "server"
}

// ParseDirection accepts "server" and "client". Empty means server.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "server", "":
		return DirServer, nil
	case "client":
		return DirClient, nil
	default:
		return 0, fmt.Errorf("unknown direction: %s", s)
	}
}

// Key is the normalized (family, address, port, protocol) tuple entries are
// indexed by. Keys are comparable; two keys are equal iff every field is.
type Key struct {
	Family   Family
	Protocol Protocol
	Port     uint16
	Addr     [16]byte
}

// NewKey builds a key from ap. The family comes from the address itself: an
// IPv4-mapped IPv6 address stays IPv6.
func NewKey(proto Protocol, ap netip.AddrPort) (Key, error) {
	addr := ap.Addr()
	if !addr.IsValid() {
		return Key{}, ErrInvalidAddress
	}
	k := Key{Protocol: proto, Port: ap.Port()}
	if addr.Is4() {
		k.Family = FamilyIPv4
		a4 := addr.As4()
		copy(k.Addr[:4], a4[:])
	} else {
		k.Family = FamilyIPv6
		k.Addr = addr.As16()
	}
	return k, nil
}

// MustKey is NewKey for addresses known to be valid.
func MustKey(proto Protocol, ap netip.AddrPort) Key {
	k, err := NewKey(proto, ap)
	if err != nil {
		panic(err)
	}
	return k
}

// AddrPort returns the address and port of k.
func (k Key) AddrPort() netip.AddrPort {
	var addr netip.Addr
	if k.Family == FamilyIPv4 {
		addr = netip.AddrFrom4([4]byte(k.Addr[:4]))
	} else {
		addr = netip.AddrFrom16(k.Addr)
	}
	return netip.AddrPortFrom(addr, k.Port)
}

func (k Key) String() string {
	return k.Protocol.String() + "/" + k.AddrPort().String()
}

// hasher maps keys to bucket indices. The seed is drawn once per table so
// bucket placement cannot be predicted from outside.
type hasher struct {
	seed uint64
	mask uint32
}

func (h hasher) bucket(k Key) uint32 {
	var buf [8 + 16 + 2 + 1]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.seed)
	n := 8
	n += copy(buf[n:], k.Addr[:k.Family.width()])
	binary.BigEndian.PutUint16(buf[n:], k.Port)
	n += 2
	buf[n] = byte(k.Protocol)
	n++
	return uint32(xxhash.Sum64(buf[:n])) & h.mask
}
