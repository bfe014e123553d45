package ros

import (
	"net"
	"os"
	"strings"
)

func isLoopback(host string) bool {
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

// determineHost picks the address this node advertises to its peers. An
// explicitly configured host wins, then ROS_HOSTNAME, ROS_IP, the OS hostname
// and finally the first non-loopback interface address. The boolean reports
// whether the node is only reachable from this machine.
func determineHost(explicit string) (string, bool) {
	if explicit != "" {
		return explicit, isLoopback(explicit)
	}
	if rosHostname, ok := os.LookupEnv("ROS_HOSTNAME"); ok {
		return rosHostname, rosHostname == "localhost"
	}
	if rosIP, ok := os.LookupEnv("ROS_IP"); ok {
		return rosIP, isLoopback(rosIP)
	}
	if osHostname, err := os.Hostname(); err == nil && osHostname != "localhost" {
		return osHostname, false
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				return ipnet.IP.String(), false
			}
		}
	}
	return "127.0.0.1", true
}
