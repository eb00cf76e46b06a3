package utils

import (
	"net"
	"strings"
)

// Tunnel interfaces (OpenVPN, WireGuard, WARP and the like) rarely allow a
// direct ICE path.
var tunnelPrefixes = []string{"tun", "tap", "wg", "ppp", "warp", "utun"}

var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// ShouldForceRelay reports whether an active interface looks like a VPN
// tunnel or sits in the CGNAT range, in which case TURN is preferred.
func ShouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			addrs = nil
		}
		if needsRelay(iface.Name, addrs) {
			return true
		}
	}

	return false
}

func needsRelay(name string, addrs []net.Addr) bool {
	name = strings.ToLower(name)
	for _, prefix := range tunnelPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && cgnatBlock.Contains(ip) {
			return true
		}
	}
	return false
}
