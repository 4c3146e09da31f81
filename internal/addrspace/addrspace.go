// Package addrspace holds the pure address math for pools and subnets.
// Nothing here touches the network or the database.
package addrspace

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidAddress means an address is malformed or outside its subnet
	ErrInvalidAddress = errors.New("invalid address")
	// ErrOverlapConflict means a new subnet collides with an existing one
	ErrOverlapConflict = errors.New("subnet overlap conflict")
)

// ipToUint32 converts an IPv4 address to uint32
func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// uint32ToIP converts uint32 to an IPv4 address
func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// ParseIPv4 parses a dotted-quad address or fails with ErrInvalidAddress
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return ip.To4(), nil
}

// SubnetContains reports whether ip is a usable host address inside cidr.
// The network and broadcast addresses do not count as usable unless the
// prefix is /31 or /32.
func SubnetContains(cidr, ip string) (bool, error) {
	parsed, err := ParseIPv4(ip)
	if err != nil {
		return false, err
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("%w: bad cidr %q", ErrInvalidAddress, cidr)
	}
	if !ipNet.Contains(parsed) {
		return false, nil
	}
	ones, bits := ipNet.Mask.Size()
	if bits != 32 {
		return false, fmt.Errorf("%w: %q is not IPv4", ErrInvalidAddress, cidr)
	}
	if ones >= 31 {
		return true, nil
	}
	network, broadcast := networkBroadcast(ipNet)
	v := ipToUint32(parsed)
	return v != network && v != broadcast, nil
}

// networkBroadcast returns the network and broadcast addresses as uint32
func networkBroadcast(ipNet *net.IPNet) (uint32, uint32) {
	ones, bits := ipNet.Mask.Size()
	network := ipToUint32(ipNet.IP)
	broadcast := network | (1<<uint(bits-ones) - 1)
	return network, broadcast
}

// UsableRange returns the first and last assignable host addresses of cidr.
// For /31 and /32 every address is assignable.
func UsableRange(cidr string) (net.IP, net.IP, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad cidr %q", ErrInvalidAddress, cidr)
	}
	if ipNet.IP.To4() == nil {
		return nil, nil, fmt.Errorf("%w: %q is not IPv4", ErrInvalidAddress, cidr)
	}
	ones, _ := ipNet.Mask.Size()
	network, broadcast := networkBroadcast(ipNet)
	if ones >= 31 {
		return uint32ToIP(network), uint32ToIP(broadcast), nil
	}
	return uint32ToIP(network + 1), uint32ToIP(broadcast - 1), nil
}

// HostCount returns the number of assignable host addresses in cidr
func HostCount(cidr string) (int, error) {
	first, last, err := UsableRange(cidr)
	if err != nil {
		return 0, err
	}
	return int(ipToUint32(last)-ipToUint32(first)) + 1, nil
}

// NextIP returns the address following ip
func NextIP(ip net.IP) net.IP {
	return uint32ToIP(ipToUint32(ip) + 1)
}

// RangesOverlap reports whether two CIDR blocks share any address
func RangesOverlap(cidrA, cidrB string) (bool, error) {
	_, netA, err := net.ParseCIDR(cidrA)
	if err != nil {
		return false, fmt.Errorf("%w: bad cidr %q", ErrInvalidAddress, cidrA)
	}
	_, netB, err := net.ParseCIDR(cidrB)
	if err != nil {
		return false, fmt.Errorf("%w: bad cidr %q", ErrInvalidAddress, cidrB)
	}
	return netA.Contains(netB.IP) || netB.Contains(netA.IP), nil
}

// CheckNoOverlap fails with ErrOverlapConflict when cidr collides with any
// of the existing blocks. Used at subnet creation time; overlap is an
// application-level invariant, not a database constraint.
func CheckNoOverlap(cidr string, existing []string) error {
	for _, other := range existing {
		overlap, err := RangesOverlap(cidr, other)
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("%w: %s overlaps %s", ErrOverlapConflict, cidr, other)
		}
	}
	return nil
}
