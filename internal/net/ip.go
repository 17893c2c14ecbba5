package net

import (
	"net"
	"strconv"

	"go.uber.org/zap"

	"boardsync/internal/logger"
)

// ShareURL is the relay URL peers on the LAN can dial. The address is the
// one the host routes outbound traffic from, then the first non-loopback
// IPv4 interface address, then loopback.
func ShareURL(port int) string {
	return "ws://" + net.JoinHostPort(advertisedHost(), strconv.Itoa(port))
}

func advertisedHost() string {
	// no packets are sent; dialing UDP only picks a route
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.Warn("interface_addrs_failed", zap.Error(err))
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	logger.Warn("no_lan_address", zap.Int("interfaces", len(addrs)))
	return "127.0.0.1"
}
