package utils

import (
	"fmt"
	"net"
	"strings"
)

// GetLocalIP returns the preferred outbound IPv4 of this machine.
func GetLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	ip := localAddr.IP.To4()
	if ip == nil {
		return ""
	}
	return ip.String()
}

// BroadcastAddr returns the /24 broadcast address for the given IPv4,
// e.g. 192.168.1.10 -> 192.168.1.255. Falls back to the limited
// broadcast address when the input is not a dotted IPv4.
func BroadcastAddr(ip string) string {
	idx := strings.LastIndex(ip, ".")
	if idx < 0 {
		return "255.255.255.255"
	}
	return ip[:idx] + ".255"
}

// SubnetHosts enumerates every host address on the /24 containing ip,
// excluding ip itself.
func SubnetHosts(ip string) []string {
	idx := strings.LastIndex(ip, ".")
	if idx < 0 {
		return nil
	}
	prefix := ip[:idx+1]
	hosts := make([]string, 0, 253)
	for i := 1; i <= 254; i++ {
		candidate := fmt.Sprintf("%s%d", prefix, i)
		if candidate == ip {
			continue
		}
		hosts = append(hosts, candidate)
	}
	return hosts
}

// LastOctet returns the final octet of a dotted IPv4 address, or "" if
// the input is not one. Used to derive short device ids.
func LastOctet(ip string) string {
	idx := strings.LastIndex(ip, ".")
	if idx < 0 || idx == len(ip)-1 {
		return ""
	}
	return ip[idx+1:]
}
