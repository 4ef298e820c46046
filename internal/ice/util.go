package ice

import "net"

// parseIP converts a candidate's opaque IP-literal string into a net.IP
// for attributes that require one (XOR-MAPPED-ADDRESS). Candidates never
// carry anything but literal addresses, so this never needs DNS.
func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
