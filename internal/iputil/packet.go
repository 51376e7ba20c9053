package iputil

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

var (
	ErrPacketTooShort   = errors.New("packet too short")
	ErrUnknownIP        = errors.New("unknown ip version")
	ErrUnsupportedProto = errors.New("unsupported transport protocol")
	ErrFragment         = errors.New("non-initial fragment")
)

const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// TCP header flags.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagACK = 0x10
)

// TOA option kinds as emitted by the IPVS director, and their lengths.
const (
	OptTOA4 = 254
	OptTOA6 = 253
	LenTOA4 = 8
	LenTOA6 = 20
)

// Flow is the addressing of one IP packet.
type Flow struct {
	Version  int
	Proto    uint8
	Src      netip.AddrPort
	Dst      netip.AddrPort
	TCPFlags uint8
	// TOA is the original client address carried in a TCP option. Zero if
	// the packet had none.
	TOA netip.AddrPort
}

func (f Flow) HasTOA() bool {
	return f.TOA.IsValid()
}

func (f Flow) SYN() bool {
	return f.TCPFlags&TCPFlagSYN != 0 && f.TCPFlags&TCPFlagACK == 0
}

// Closing reports whether the packet tears the connection down.
func (f Flow) Closing() bool {
	return f.TCPFlags&(TCPFlagFIN|TCPFlagRST) != 0
}

// ParseFlow decodes the IP and TCP/UDP headers of pkt.
func ParseFlow(pkt []byte) (Flow, error) {
	ver, err := ipVersion(pkt)
	if err != nil {
		return Flow{}, err
	}
	var (
		f       = Flow{Version: ver}
		payload []byte
		src     netip.Addr
		dst     netip.Addr
	)
	switch ver {
	case 4:
		if len(pkt) < 20 {
			return Flow{}, ErrPacketTooShort
		}
		ihl := int(pkt[0]&0x0F) * 4
		if ihl < 20 || len(pkt) < ihl {
			return Flow{}, ErrPacketTooShort
		}
		if binary.BigEndian.Uint16(pkt[6:8])&0x1FFF != 0 {
			return Flow{}, ErrFragment
		}
		f.Proto = pkt[9]
		src = netip.AddrFrom4([4]byte(pkt[12:16]))
		dst = netip.AddrFrom4([4]byte(pkt[16:20]))
		payload = pkt[ihl:]
	case 6:
		if len(pkt) < 40 {
			return Flow{}, ErrPacketTooShort
		}
		src = netip.AddrFrom16([16]byte(pkt[8:24]))
		dst = netip.AddrFrom16([16]byte(pkt[24:40]))
		f.Proto, payload, err = skipIPv6Ext(pkt[6], pkt[40:])
		if err != nil {
			return Flow{}, err
		}
	default:
		return Flow{}, ErrUnknownIP
	}

	switch f.Proto {
	case ProtoTCP:
		if len(payload) < 20 {
			return Flow{}, ErrPacketTooShort
		}
		doff := int(payload[12]>>4) * 4
		if doff < 20 || len(payload) < doff {
			return Flow{}, ErrPacketTooShort
		}
		f.TCPFlags = payload[13]
		f.TOA = parseTOA(payload[20:doff])
	case ProtoUDP:
		if len(payload) < 8 {
			return Flow{}, ErrPacketTooShort
		}
	default:
		return Flow{}, ErrUnsupportedProto
	}
	f.Src = netip.AddrPortFrom(src, binary.BigEndian.Uint16(payload[0:2]))
	f.Dst = netip.AddrPortFrom(dst, binary.BigEndian.Uint16(payload[2:4]))
	return f, nil
}

// skipIPv6Ext walks the extension header chain up to the transport header.
func skipIPv6Ext(next uint8, b []byte) (uint8, []byte, error) {
	for {
		switch next {
		case 0, 43, 60:
			if len(b) < 8 {
				return 0, nil, ErrPacketTooShort
			}
			n := (int(b[1]) + 1) * 8
			if len(b) < n {
				return 0, nil, ErrPacketTooShort
			}
			next, b = b[0], b[n:]
		case 44:
			if len(b) < 8 {
				return 0, nil, ErrPacketTooShort
			}
			if binary.BigEndian.Uint16(b[2:4])&0xFFF8 != 0 {
				return 0, nil, ErrFragment
			}
			next, b = b[0], b[8:]
		default:
			return next, b, nil
		}
	}
}

func parseTOA(opts []byte) netip.AddrPort {
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case 0:
			return netip.AddrPort{}
		case 1:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return netip.AddrPort{}
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return netip.AddrPort{}
		}
		o := opts[i : i+l]
		switch {
		case kind == OptTOA4 && l == LenTOA4:
			return netip.AddrPortFrom(netip.AddrFrom4([4]byte(o[4:8])), binary.BigEndian.Uint16(o[2:4]))
		case kind == OptTOA6 && l == LenTOA6:
			return netip.AddrPortFrom(netip.AddrFrom16([16]byte(o[4:20])), binary.BigEndian.Uint16(o[2:4]))
		}
		i += l
	}
	return netip.AddrPort{}
}

// AppendTOA appends a TOA option for client to opts.
func AppendTOA(opts []byte, client netip.AddrPort) []byte {
	addr := client.Addr()
	if addr.Is4() {
		opts = append(opts, OptTOA4, LenTOA4)
		opts = binary.BigEndian.AppendUint16(opts, client.Port())
		a := addr.As4()
		return append(opts, a[:]...)
	}
	opts = append(opts, OptTOA6, LenTOA6)
	opts = binary.BigEndian.AppendUint16(opts, client.Port())
	a := addr.As16()
	return append(opts, a[:]...)
}

func ipVersion(pkt []byte) (int, error) {
	if len(pkt) == 0 {
		return 0, ErrPacketTooShort
	}
	return int(pkt[0] >> 4), nil
}
