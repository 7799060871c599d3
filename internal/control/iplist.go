package control

import (
	"fmt"
	"net"
	"os"
)

// Packed IP list files (relayclients, ipbl, spffriends and their v6
// variants) are sequences of fixed-size binary records: the raw address
// bytes followed by one prefix-length byte. IPv4 records are 5 bytes,
// IPv6 records 17.

const (
	recordLen4 = net.IPv4len + 1
	recordLen6 = net.IPv6len + 1
)

// ParseIPList decodes packed records of the given family ("4" when v6 is
// false). A file whose size is not a multiple of the record length is
// rejected outright: a truncated record means the file was corrupted or
// written by a tool of the wrong family, and silently keeping the prefix
// would change which clients match.
func ParseIPList(data []byte, v6 bool) ([]*net.IPNet, error) {
	addrLen, recLen := net.IPv4len, recordLen4
	maxBits := 32
	if v6 {
		addrLen, recLen = net.IPv6len, recordLen6
		maxBits = 128
	}
	if len(data)%recLen != 0 {
		return nil, fmt.Errorf("control: packed IP list length %d is not a multiple of %d", len(data), recLen)
	}

	var out []*net.IPNet
	for off := 0; off < len(data); off += recLen {
		addr := make(net.IP, addrLen)
		copy(addr, data[off:off+addrLen])
		bits := int(data[off+addrLen])
		if bits > maxBits {
			return nil, fmt.Errorf("control: prefix length %d exceeds %d", bits, maxBits)
		}
		out = append(out, &net.IPNet{
			IP:   addr.Mask(net.CIDRMask(bits, maxBits)),
			Mask: net.CIDRMask(bits, maxBits),
		})
	}
	return out, nil
}

// ReadIPList loads a packed IP list file. A missing file yields an empty
// list, not an error: an absent relayclients/ipbl file just means no
// addresses are listed.
func ReadIPList(path string, v6 bool) ([]*net.IPNet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ParseIPList(data, v6)
}

// AppendIPList encodes nets in packed record form, the format ReadIPList
// consumes.
func AppendIPList(nets []*net.IPNet, v6 bool) ([]byte, error) {
	addrLen := net.IPv4len
	if v6 {
		addrLen = net.IPv6len
	}
	var out []byte
	for _, n := range nets {
		ip := n.IP
		if !v6 {
			if ip = ip.To4(); ip == nil {
				return nil, fmt.Errorf("control: %s is not an IPv4 address", n.IP)
			}
		} else {
			ip = ip.To16()
		}
		if len(ip) != addrLen {
			return nil, fmt.Errorf("control: bad address length for %s", n.IP)
		}
		bits, _ := n.Mask.Size()
		out = append(out, ip...)
		out = append(out, byte(bits))
	}
	return out, nil
}
