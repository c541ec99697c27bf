// Package netinfo finds the address printed in the startup banner so the
// device can be pointed at the right host.
package netinfo

import "net"

// Fallback is returned when no non-loopback IPv4 address exists.
const Fallback = "127.0.0.1"

// LocalIPv4 returns the first non-loopback IPv4 address across all interfaces.
func LocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Fallback
	}

	var addrs [][]net.Addr
	for _, iface := range ifaces {
		a, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	return firstIPv4(addrs)
}

func firstIPv4(perInterface [][]net.Addr) string {
	for _, addrs := range perInterface {
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return Fallback
}
