package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6  // 4 bytes IP + 2 bytes port
	strideV6 = 18 // 16 bytes IP + 2 bytes port
)

var errMalformedCompact = errors.New("malformed compact peers")

// decodePeers accepts either the compact string form or the list-of-dicts
// form of a peers value.
func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompact([]byte(t), ipv6)
	case []byte:
		return decodeCompact(t, ipv6)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

func decodeCompact(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	stride, addrLen := strideV4, 4
	if ipv6 {
		stride, addrLen = strideV6, 16
	}
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes", errMalformedCompact, len(data))
	}

	out := make([]netip.AddrPort, 0, len(data)/stride)
	for off := 0; off < len(data); off += stride {
		chunk := data[off : off+stride]
		addr, _ := netip.AddrFromSlice(chunk[:addrLen])
		port := binary.BigEndian.Uint16(chunk[addrLen:])
		out = append(out, netip.AddrPortFrom(addr, port))
	}

	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d] not dict", i)
		}

		ip, ok := m["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: unsupported ip type %T", i, m["ip"])
		}

		addr, err := netip.ParseAddr(ip)
		if err != nil {
			// Some trackers send the raw address bytes.
			raw, ok := netip.AddrFromSlice([]byte(ip))
			if !ok {
				return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ip, err)
			}
			addr = raw
		}

		port, ok := m["port"].(int64)
		if !ok || port < 1 || port > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}
