package util

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// ParseIPv4 parses a dotted-quad IPv4 address into its numeric form.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address: %s", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %s", s)
	}
	return binary.BigEndian.Uint32(ip4), nil
}

// FormatIPv4 renders a numeric IPv4 address in dotted-quad form.
func FormatIPv4(n uint32) string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip.String()
}

// ParseIPv4Range parses a CIDR and returns the numeric base address and the
// number of addresses it contains.
func ParseIPv4Range(cidr string) (base uint32, size uint32, err error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid CIDR notation: %s", cidr)
	}
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return 0, 0, fmt.Errorf("not an IPv4 CIDR: %s", cidr)
	}
	ones, bits := ipNet.Mask.Size()
	if bits != 32 {
		return 0, 0, fmt.Errorf("not an IPv4 CIDR: %s", cidr)
	}
	return binary.BigEndian.Uint32(ip4), uint32(1) << uint(bits-ones), nil
}

// ComputeNeighborIP returns the peer IP of a /31 point-to-point pair.
func ComputeNeighborIP(localIP string) (string, error) {
	n, err := ParseIPv4(localIP)
	if err != nil {
		return "", err
	}
	return FormatIPv4(n ^ 1), nil
}

// IsValidIPv4 checks if a string is a valid IPv4 address
func IsValidIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// IsValidIPv4CIDR checks if a string is a valid IPv4 CIDR notation
func IsValidIPv4CIDR(cidr string) bool {
	_, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(strings.Split(cidr, "/")[0])
	return ip != nil && ip.To4() != nil
}

// FormatMAC renders a locally-administered MAC address from a 3-byte OUI
// prefix and a 24-bit suffix.
func FormatMAC(prefix string, n uint32) string {
	return fmt.Sprintf("%s:%02x:%02x:%02x", prefix, byte(n>>16), byte(n>>8), byte(n))
}

const maxASN = 4294967295 // max uint32 — 4-byte ASN range

// ValidateASN checks if an AS number is valid (1 to 4294967295).
func ValidateASN(asn int) error {
	if asn < 1 || asn > maxASN {
		return fmt.Errorf("AS number must be between 1 and %d, got %d", maxASN, asn)
	}
	return nil
}
